/*
Package log provides structured logging for Cumulus using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level.

# Usage

Initializing the Logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Simple Logging:

	log.Info("volume opened")
	log.Error("upload failed")

Component Loggers:

	nbdLog := log.WithComponent("nbd")
	nbdLog.Info().Int("port", 7323).Msg("listening")

	volLog := log.WithVolume("s3", "bucket/vol")
	volLog.Warn().Err(err).Msg("retrying upload")

Log output defaults to stderr so it never mixes with command output on
stdout; the serving daemon typically runs with JSON output under a
process supervisor.
*/
package log
