package config

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogging sets the global logrus level and formatter. format is "text" or "json".
func ConfigureLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	switch format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("config: LOG_FORMAT must be text or json, got %q", format)
	}
	return nil
}
