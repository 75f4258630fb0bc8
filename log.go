package adapter

import (
	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate"
)

// replaceableLogger is a thin wrapper around a logger that is used so the
// logger can be swapped out for the real one once logging is initialized,
// without forcing every package to take a *btclog.Logger at construction
// time.
type replaceableLogger struct {
	btclog.Logger
	subsystem string
}

// pkgLoggers is the list of all subsystem loggers that have registered
// themselves via AddSubLogger. They're tracked here so SetupLoggers can
// replace their backing logger once the rotating log file is ready.
var pkgLoggers []*replaceableLogger

// AddSubLogger registers a new subsystem logger and returns it. Call this
// once per package at init time; the returned logger starts disabled and
// becomes live once SetupLoggers runs.
func AddSubLogger(subsystem string) btclog.Logger {
	rl := &replaceableLogger{
		Logger:    btclog.Disabled,
		subsystem: subsystem,
	}
	pkgLoggers = append(pkgLoggers, rl)
	return rl
}

// SetupLoggers initializes the logging subsystem: it opens (and rotates) the
// given log file and points every registered subsystem logger at it with
// the requested level.
func SetupLoggers(logFile string, level btclog.Level) (*logrotate.Rotator, error) {
	rotator, err := logrotate.NewRotator(logFile, 10*1024)
	if err != nil {
		return nil, err
	}

	backend := btclog.NewBackend(rotator)
	for _, l := range pkgLoggers {
		l.Logger = backend.Logger(l.subsystem)
		l.Logger.SetLevel(level)
	}

	return rotator, nil
}
