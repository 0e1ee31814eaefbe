package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

var (
	logSession = logging.MustGetLogger("session")
	logDave    = logging.MustGetLogger("dave")
	logMLS     = logging.MustGetLogger("mls")
	logCourier = logging.MustGetLogger("courier")
)

func setupLogging(level string) error {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(logFormat))
	leveled := logging.AddModuleLevel(formatted)

	lvl, err := logging.LogLevel(strings.ToUpper(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
	return nil
}
