package log2

import "fmt"

// Printer adapts Log to libraries wanting Printf/Println, e.g. mqtt.ERROR.
type Printer struct {
	L     *Log
	Level Level
}

func (self Printer) Printf(format string, args ...interface{}) {
	self.L.Logf(self.Level, format, args...)
}

func (self Printer) Println(args ...interface{}) {
	self.L.Log(self.Level, fmt.Sprint(args...))
}
