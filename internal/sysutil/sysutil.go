// Package sysutil holds process-level helpers for the CLI: logger setup,
// truthy parsing of operator input and the device identity sent to the
// authority.
package sysutil

import (
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel configures the global zerolog level from a string value and
// returns the level applied. Supported values (case-insensitive): debug,
// info, warn, error, fatal, panic. Anything else means info.
func SetLogLevel(lvl string) zerolog.Level {
	level := zerolog.InfoLevel
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "fatal":
		level = zerolog.FatalLevel
	case "panic":
		level = zerolog.PanicLevel
	}
	zerolog.SetGlobalLevel(level)
	return level
}

// ConfigureLogging points the global logger at w, as JSON or as a console
// writer when pretty, and applies level.
func ConfigureLogging(level string, pretty bool, w io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	SetLogLevel(level)
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// IsTruthy reports whether operator input should be considered a yes.
// Accepted values (case-insensitive): "1", "true", "yes", "y", "on".
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// FirstNonEmpty returns the first value that is not blank, or "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._~:\-]+`)

// DeviceID picks the client id sent as X-Client-ID: the configured value,
// else the host name, else "device". Characters outside the id alphabet
// become '-' and the result is capped at 128 bytes.
func DeviceID(configured string) string {
	host, _ := os.Hostname()
	id := strings.TrimSpace(FirstNonEmpty(configured, host, "device"))
	id = strings.Trim(unsafeIDChars.ReplaceAllString(id, "-"), "-")
	if id == "" {
		id = "device"
	}
	if len(id) > 128 {
		id = id[:128]
	}
	return id
}
