// Package logging builds the process logger.
package logging

import (
	"fmt"
	"regexp"

	"go.uber.org/zap"
)

const RedactedText = "[REDACTED]"

var (
	connStringPattern = regexp.MustCompile(`://[^:/@\s]*:[^@\s]+@`)
	passwordPattern   = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)
)

// New returns a console logger for local runs and a JSON production logger
// everywhere else.
func New(environment string) (*zap.Logger, error) {
	var cfg zap.Config
	if environment == "local" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.With(zap.String("env", environment)), nil
}

// RedactURL hides credentials in database and redis URLs before logging.
func RedactURL(raw string) string {
	if raw == "" {
		return ""
	}
	out := connStringPattern.ReplaceAllString(raw, "://"+RedactedText+"@")
	return passwordPattern.ReplaceAllString(out, "${1}="+RedactedText)
}
