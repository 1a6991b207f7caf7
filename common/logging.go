// Package common provides the shared logging infrastructure for UAEF services.
// The logger routes error-level output to stderr and everything else to stdout
// so that container platforms and log aggregators can treat the streams
// differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level. It operates on the final formatted output, so it works with
// both the text and JSON formatters.
type OutputSplitter struct{}

// Write sends lines containing an error level marker to stderr and all other
// lines to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte(`level=error`)) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance used across all UAEF packages.
// Services attach context with WithFields; the output splitter is installed
// at init time.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// SetLevel configures the global log level from its string form. Unknown
// levels fall back to info.
func SetLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	Logger.SetLevel(parsed)
}

// UseJSONFormat switches the global logger to JSON output for production
// deployments.
func UseJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{})
}
