package stat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLink(t *testing.T) {
	t.Parallel()

	var s Link
	s.Sent.Add(3)
	s.SentBytes.Add(120)
	s.Received.Add(1)
	s.Lost.Add(1)

	vs := s.Values()
	assert.Equal(t, int64(3), vs["sent"])
	assert.Equal(t, int64(120), vs["sent_bytes"])
	assert.Equal(t, int64(1), vs["lost"])
	assert.Equal(t, int64(0), vs["dropped"])

	var parsed map[string]int64
	require.NoError(t, json.Unmarshal([]byte(s.String()), &parsed))
	assert.Equal(t, vs, parsed)

	s.Reset()
	assert.Equal(t, int64(0), s.Sent.Value())
	assert.Equal(t, int64(0), s.Values()["received"])
}
