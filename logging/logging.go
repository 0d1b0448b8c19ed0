// Package logging adapts logrus to the small Logger surface the
// crypto core hands down to its components.
package logging

import (
	log "github.com/sirupsen/logrus"
)

// Logger is implemented by anything that can take leveled, printf-style
// messages. Components accept this interface rather than a concrete
// logrus entry so tests can swap in a silent implementation.
type Logger interface {
	Error(message string, args ...interface{})
	Warn(message string, args ...interface{})
	Debug(message string, args ...interface{})
	Trace(message string, args ...interface{})
}

// Logrus wraps the package-level logrus logger.
type Logrus struct{}

func (Logrus) Error(message string, args ...interface{}) { log.Errorf(message, args...) }
func (Logrus) Warn(message string, args ...interface{})  { log.Warnf(message, args...) }
func (Logrus) Debug(message string, args ...interface{}) { log.Debugf(message, args...) }
func (Logrus) Trace(message string, args ...interface{}) { log.Tracef(message, args...) }

// Nop discards everything; used by tests that don't care about log output.
type Nop struct{}

func (Nop) Error(string, ...interface{}) {}
func (Nop) Warn(string, ...interface{})  {}
func (Nop) Debug(string, ...interface{}) {}
func (Nop) Trace(string, ...interface{}) {}
