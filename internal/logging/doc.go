// Package logging sets up the program's slog loggers.
//
// Each module gets its own logger from [GetLogger], tagged with a "module"
// attribute and carrying its own level so it can be tuned independently:
//
//	logger := logging.GetLogger("process")
//	logger.Info("Process started", "pid", pid)
//
// [Initialize] applies a [Config] and may be called again; loggers already
// handed out follow the new levels. Records are written to stderr (text or
// JSON), to journald under the "procexec" identifier when it is reachable,
// and to a bounded [History] that the metrics server exposes at /logs.
// stdout is left alone for the output of the commands being run.
//
// Levels come from the [logging] table of the config file:
//
//	[logging]
//	level = "info"
//	format = "text"
//	history = 500
//
//	[logging.modules]
//	process = "debug"
//
// Journal fields are the upper-cased attribute keys, so entries can be
// filtered with, for example:
//
//	journalctl -t procexec MODULE=process
package logging
