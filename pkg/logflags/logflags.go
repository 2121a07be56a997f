package logflags

import (
	"errors"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var scanner = false
var gen = false
var debugInfo = false
var frameTables = false

var logOut io.Writer = os.Stderr

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Out = logOut
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Scanner returns true if the script scanner should log each classified line.
func Scanner() bool {
	return scanner
}

// ScannerLogger returns a configured logger for the script scanner.
func ScannerLogger() *logrus.Entry {
	return makeLogger(scanner, logrus.Fields{"layer": "scanner"})
}

// Gen returns true if the code generator should log.
func Gen() bool {
	return gen
}

// GenLogger returns a logger for the directive interpreter and code generator.
func GenLogger() *logrus.Entry {
	return makeLogger(gen, logrus.Fields{"layer": "gen"})
}

// DebugInfo returns true if the debug-info backend should log its lookups.
func DebugInfo() bool {
	return debugInfo
}

// DebugInfoLogger returns a logger for the debug-info backend.
func DebugInfoLogger() *logrus.Entry {
	return makeLogger(debugInfo, logrus.Fields{"layer": "debuginfo"})
}

// FrameTables returns true if call-frame table evaluation should be logged.
func FrameTables() bool {
	return frameTables
}

// FrameTablesLogger returns a logger for call-frame table evaluation.
func FrameTablesLogger() *logrus.Entry {
	return makeLogger(frameTables, logrus.Fields{"layer": "frame"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component tracing flags based on the contents of logstr.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "adbicc-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return err
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "gen"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "scanner":
			scanner = true
		case "gen":
			gen = true
		case "debuginfo":
			debugInfo = true
		case "frame":
			frameTables = true
		}
	}
	return nil
}
