package common

import (
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogging applies the logging part of the config to the global logrus logger.
// When LogFile is set the output goes to a size rotated file.
func SetupLogging(conf *LizardConfig) error {
	level, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})

	if conf.LogFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   conf.LogFile,
			MaxSize:    128, // megabytes
			MaxBackups: 8,
			Compress:   true,
		})
	}

	log.WithFields(log.Fields{"level": conf.LogLevel, "file": conf.LogFile}).Info("common::logging::SetupLogging; done")
	return nil
}
