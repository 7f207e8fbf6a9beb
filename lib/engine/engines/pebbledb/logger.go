package pebbledb

import (
	"fmt"

	"github.com/lni/dragonboat/v4/logger"
)

// pebbleLogger forwards pebble's log output to the engine logger
type pebbleLogger struct {
	l logger.ILogger
}

func (p pebbleLogger) Infof(format string, args ...interface{}) {
	p.l.Debugf(format, args...)
}

func (p pebbleLogger) Errorf(format string, args ...interface{}) {
	p.l.Errorf(format, args...)
}

// Fatalf must not return
func (p pebbleLogger) Fatalf(format string, args ...interface{}) {
	p.l.Errorf(format, args...)
	panic(fmt.Sprintf(format, args...))
}
