/*
Package config loads and validates Foundry's service configuration.

Configuration comes from a single YAML file layered over Default(). Every
tunable the actors read (tick intervals, heartbeat and job timeouts, inbox
depth, tail ring size, archive retry policy) lives here so operational
changes never require code changes.

	cfg, err := config.Load("/etc/foundry/foundry.yaml")

The store driver selects between the production Postgres store and the
embedded bolt store used for single-binary development; the archive backend
selects between S3 and a local directory. Validate rejects unknown targets,
drivers, and non-positive intervals up front so startup fails loudly rather
than misbehaving later.
*/
package config
