// Package logger configures the process-wide logrus logger.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Init sets the output format and level. Production logs are JSON; every
// other environment gets the text formatter with full timestamps.
func Init(env string, debug bool) {
	logrus.SetOutput(os.Stdout)
	if env == "prod" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logrus.SetLevel(logrus.InfoLevel)
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

// For returns an entry tagged with the component name, the way every package
// in this module logs.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
