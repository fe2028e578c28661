// Package logging configures the process-wide structured logger.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// EnvOverride is the environment variable that overrides the
// configured --log-level flag, for ad-hoc debugging without a
// redeploy.
const EnvOverride = "PROVIDER_PROXY_LOG_LEVEL"

// New builds a logrus.Logger writing JSON-free text to stderr, at the
// level named by levelName unless EnvOverride is set.
func New(levelName string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	if v := os.Getenv(EnvOverride); v != "" {
		levelName = v
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
