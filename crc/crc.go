// Package crc computes the CRC32 (IEEE 802.3, reflected, poly 0xedb88320)
// checksum carried in telemetry envelopes. It is the same value produced by
// zlib crc32() on the sending side.
package crc

import (
	"encoding/binary"
	"hash/crc32"
)

const Size = 4

func CRC32(b []byte) uint32 { return crc32.ChecksumIEEE(b) }

// Put writes big-endian CRC32 of data into dst[:4].
func Put(dst []byte, data []byte) {
	binary.BigEndian.PutUint32(dst, CRC32(data))
}

// Check compares big-endian header value with CRC32 of data.
func Check(header []byte, data []byte) (expect, actual uint32, ok bool) {
	expect = binary.BigEndian.Uint32(header)
	actual = CRC32(data)
	return expect, actual, expect == actual
}
