// Package shimlog centralizes the logrus setup shared by every
// subcommand of the shim binary, mirroring hcsshim's own
// internal/log package split from its CLI entrypoints.
package shimlog

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// TimeFormat matches the timestamp format hcsshim's logger uses, kept
// here so log lines look the same whether emitted by the CLI bootstrap
// or by the serving ttrpc process.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Setup configures logrus output and level, returning an error if level
// doesn't parse. An empty level leaves logrus's default (Info).
func Setup(out io.Writer, level string) error {
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: TimeFormat,
		FullTimestamp:   true,
	})
	if out != nil {
		logrus.SetOutput(out)
	}
	if level == "" {
		return nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("shimlog: parse level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)
	return nil
}
