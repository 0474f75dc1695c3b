//go:build !windows
// +build !windows

package logging

import (
	"io"
	"log/syslog"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func InitLogging(reqdebug bool, reqsyslog bool, reqstructlog bool) zerolog.Logger {
	var level zerolog.Level
	if reqdebug {
		level = zerolog.DebugLevel
	} else {
		level = zerolog.InfoLevel
	}

	var mainWriter io.Writer
	if reqsyslog {
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "ldapbridge")
		if err == nil {
			mainWriter = zerolog.SyslogLevelWriter(w)
		} else {
			mainWriter = os.Stderr
		}
		zerolog.TimeFieldFormat = time.RFC1123Z
	} else if reqstructlog {
		mainWriter = os.Stderr
		zerolog.TimeFieldFormat = time.RFC1123Z
	} else {
		mainWriter = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC1123Z}
	}

	logr := zerolog.New(mainWriter).Level(level).With().Timestamp().Logger()

	RewireLogging(logr, reqstructlog)

	return logr
}
