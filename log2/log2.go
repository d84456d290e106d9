// Package log2 solves these issues:
// - log level filtering, e.g. show debug messages in internal tests only
// - safe concurrent change of log level
// - same call sites write plain text to terminal or structured records via zap
//
// Primary goal was to run parallel tests and log into t.Logf() safely.
// Nil *Log is valid and discards everything.
package log2

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"math"
	"os"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

const (
	// type specified here helped against accidentally passing flags as level
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError = iota
	LInfo
	LDebug
	LAll = math.MaxInt32
)

type Log struct {
	l      *log.Logger
	z      *zap.Logger
	level  Level
	w      io.Writer
	fatalf FmtFunc
	errf   func(error)
}

type FmtFunc func(format string, args ...interface{})

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }
func NewWriter(w io.Writer, level Level) *Log {
	if w == ioutil.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

// NewZap routes records into z. Level filtering still happens here,
// prefix becomes logger name.
func NewZap(z *zap.Logger, level Level) *Log {
	if z == nil {
		return nil
	}
	return &Log{
		l:     log.New(ioutil.Discard, "", 0),
		z:     z.WithOptions(zap.AddCallerSkip(3)),
		level: level,
		w:     ioutil.Discard,
	}
}

type FuncWriter struct{ FmtFunc }

func NewFunc(f FmtFunc, level Level) *Log { return NewWriter(FuncWriter{f}, level) }
func (self FuncWriter) Write(b []byte) (int, error) {
	self.FmtFunc("%s", string(b))
	return len(b), nil
}

func NewTest(t testing.TB, level Level) *Log {
	self := NewFunc(t.Logf, level)
	self.SetFlags(LTestFlags)
	self.fatalf = t.Fatalf
	return self
}

func (self *Log) Clone(level Level) *Log {
	if self == nil {
		return nil
	}
	l := &Log{
		l:      log.New(self.w, self.l.Prefix(), self.l.Flags()),
		z:      self.z,
		level:  level,
		w:      self.w,
		fatalf: self.fatalf,
		errf:   self.errf,
	}
	return l
}

func (self *Log) SetLevel(l Level) {
	if self == nil {
		return
	}
	atomic.StoreInt32((*int32)(&self.level), int32(l))
}

func (self *Log) SetFlags(f int) {
	if self == nil {
		return
	}
	self.l.SetFlags(f)
}

func (self *Log) SetPrefix(prefix string) {
	if self == nil {
		return
	}
	self.l.SetPrefix(prefix)
	if self.z != nil {
		self.z = self.z.Named(prefix)
	}
}

// SetErrorFunc registers callback for every Error/Errorf, e.g. to count errors.
func (self *Log) SetErrorFunc(f func(error)) {
	if self == nil {
		return
	}
	self.errf = f
}

func (self *Log) Enabled(level Level) bool {
	if self == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&self.level)) >= int32(level)
}

func (self *Log) output(level Level, s string) {
	if self.z != nil {
		switch level {
		case LError:
			self.z.Error(s)
		case LInfo:
			self.z.Info(s)
		default:
			self.z.Debug(s)
		}
		return
	}
	_ = self.l.Output(4, s)
}

func (self *Log) Log(level Level, s string) {
	if self.Enabled(level) {
		self.output(level, s)
	}
}
func (self *Log) Logf(level Level, format string, args ...interface{}) {
	if self.Enabled(level) {
		self.output(level, fmt.Sprintf(format, args...))
	}
}

func (self *Log) Error(args ...interface{}) {
	if self == nil {
		return
	}
	if self.errf != nil {
		if len(args) == 1 {
			if e, ok := args[0].(error); ok {
				self.errf(e)
			} else {
				self.errf(fmt.Errorf("%s", fmt.Sprint(args...)))
			}
		} else {
			self.errf(fmt.Errorf("%s", fmt.Sprint(args...)))
		}
	}
	self.Log(LError, "error: "+fmt.Sprint(args...))
}
func (self *Log) Errorf(format string, args ...interface{}) {
	if self == nil {
		return
	}
	if self.errf != nil {
		self.errf(fmt.Errorf(format, args...))
	}
	self.Logf(LError, "error: "+format, args...)
}
func (self *Log) Info(args ...interface{}) {
	self.Log(LInfo, fmt.Sprint(args...))
}
func (self *Log) Infof(format string, args ...interface{}) {
	self.Logf(LInfo, format, args...)
}
func (self *Log) Debug(args ...interface{}) {
	self.Log(LDebug, "debug: "+fmt.Sprint(args...))
}
func (self *Log) Debugf(format string, args ...interface{}) {
	self.Logf(LDebug, "debug: "+format, args...)
}

func (self *Log) Fatalf(format string, args ...interface{}) {
	if self != nil && self.fatalf != nil {
		self.fatalf(format, args...)
		return
	}
	self.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}
func (self *Log) Fatal(args ...interface{}) {
	s := fmt.Sprint(args...)
	if self != nil && self.fatalf != nil {
		self.fatalf("%s", s)
		return
	}
	self.Log(LError, "fatal: "+s)
	os.Exit(1)
}
