/*
Package log provides structured logging for Foundry using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init() from the service entrypoint
  - Thread-safe concurrent writes

Log Levels:
  - Debug: per-message scheduling and wire traffic detail
  - Info: lifecycle events (group dispatched, worker registered)
  - Warn: recoverable anomalies (dropped log chunk, stale heartbeat)
  - Error: failed operations with their cause chains
  - Fatal: startup failures (process exits)

Context Loggers:
  - WithComponent: component name on every line ("scheduler", "workermgr")
  - WithGroupID: group id context on scheduling paths
  - WithJobID: job id context on dispatch and log-pipeline paths
  - WithWorker: worker ident on heartbeat and command paths

# Usage

Initialization (once, in the entrypoint):

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers:

	logger := log.WithComponent("scheduler")
	logger.Info().Int64("group_id", g.ID).Msg("group dispatching")

Error logging keeps the cause chain:

	logger.Error().Err(err).Int64("job_id", job.ID).Msg("dispatch failed")

# Output Formats

JSON (production):

	{"level":"info","component":"workermgr","worker":"worker-7f2a",
	 "time":"2026-03-02T10:30:00Z","message":"worker registered"}

Console (development):

	10:30AM INF worker registered component=workermgr worker=worker-7f2a

# Integration Points

Every long-running component takes a child logger at construction:
pkg/scheduler, pkg/workermgr, pkg/logs, pkg/rpc, pkg/storage, pkg/objstore.
Correlation ids minted by pkg/errs appear as the correlation_id field so an
RPC error response can be joined to its server-side cause.
*/
package log
