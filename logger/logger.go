package logger

import (
	"fmt"
	"io"
	"log"
)

// L is the logging interface used across the module.
type L interface {
	Logf(format string, args ...interface{})
}

// Func adapts a printf-style function to L.
type Func func(format string, args ...interface{})

func (f Func) Logf(format string, args ...interface{}) { f(format, args...) }

// Std logs through the standard library's default logger.
var Std = Func(func(format string, args ...interface{}) { log.Printf(format, args...) })

// NoOp drops everything.
var NoOp = Func(func(format string, args ...interface{}) {})

// Writer returns an L printing one line per call to w.
func Writer(w io.Writer) L {
	return Func(func(format string, args ...interface{}) {
		_, _ = fmt.Fprintf(w, format+"\n", args...)
	})
}
