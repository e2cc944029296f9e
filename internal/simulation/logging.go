package simulation

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/okian/ritual/pkg/logger"
)

const logFilePermission = 0600

// SetupLogging sends logs to stdout and logFile. An empty logFile gets a
// timestamped name; "-" logs to stdout only. The returned func closes the
// file.
func SetupLogging(logFile string, verbose bool) (func() error, error) {
	closeFn := func() error { return nil }
	var w io.Writer = os.Stdout

	if logFile != "-" {
		if logFile == "" {
			logFile = "simulation_" + time.Now().Format("20060102_150405") + ".log"
		}
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
		if err != nil {
			return closeFn, fmt.Errorf("failed to create log file: %w", err)
		}
		w = io.MultiWriter(os.Stdout, file)
		closeFn = file.Close
	}

	if err := logger.Init(logger.WithWriter(w)); err != nil {
		_ = closeFn()
		return func() error { return nil }, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if verbose {
		_ = logger.SetLevelString("debug")
	}
	if logFile != "-" {
		logger.Get().Info(context.Background(), "logging to file", logger.String("logFile", logFile))
	}
	return closeFn, nil
}
