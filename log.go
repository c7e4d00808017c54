package amqp

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// pkgLogger is the base logger every connection derives its scoped
// sub-loggers from. It writes to stderr at info level by default; callers
// override the level with ConnLogLevel or SetLogOutput.
var pkgLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
	With().Timestamp().Logger().Level(zerolog.InfoLevel)

// SetLogOutput redirects every connection's log output to w. Intended for
// tests that want to assert on log content or silence it entirely
// (io.Discard).
func SetLogOutput(w io.Writer) {
	pkgLogger = pkgLogger.Output(w)
}

// SetLogLevel adjusts the package-wide minimum log level.
func SetLogLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	pkgLogger = pkgLogger.Level(lvl)
	return nil
}

// connLogger returns a logger scoped to one connection, identified by the
// container it dialed.
func connLogger(container string) zerolog.Logger {
	return pkgLogger.With().Str("container", container).Logger()
}

// sessionLogger returns a logger scoped to one session's local channel.
func sessionLogger(base zerolog.Logger, channel uint16) zerolog.Logger {
	return base.With().Uint16("chan", channel).Logger()
}

// linkLogger returns a logger scoped to one link's handle within a session.
func linkLogger(base zerolog.Logger, name string, handle uint32) zerolog.Logger {
	return base.With().Str("link", name).Uint32("handle", handle).Logger()
}
