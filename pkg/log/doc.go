/*
Package log provides structured logging for burrow using zerolog.

A single package-level Logger is configured once by Init and shared by every
package. Components derive child loggers carrying context fields:

	logger := log.ForCluster(log.WithComponent("provision"), cluster.ID)
	logger.Info().Str("container", name).Msg("Container created")

Init selects JSON output for production or a human-readable console writer for
development:

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stdout,
	})

Conventions used across burrow:

  - component: the engine or subsystem emitting the log (provision, health, failover)
  - cluster_id: the cluster being operated on
  - container: the container name, never the password-bearing command line
  - step: the workflow step name for asynchronous chains

Best-effort failures (registrar calls, cleanup) are logged at Warn with Err.
Failures that mark a cluster FAILED are logged at Error. Credentials are never
logged.
*/
package log
