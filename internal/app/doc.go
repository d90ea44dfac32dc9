// Package app wires the service together: configuration loading, logging
// and telemetry initialization, store selection (Postgres or in-memory),
// service construction, the chi router, and graceful shutdown.
//
// The initialization sequence:
//
//	1. Load configuration from environment and optional YAML file
//	2. Initialize the slog logger and OpenTelemetry providers
//	3. Open the backing stores (Postgres when a database URL is set)
//	4. Construct the registry, codec, replay guard, verify service and gate
//	5. Set up HTTP handlers and the middleware chain
//	6. Start the server and the nonce sweeper
//
// Shutdown handles SIGINT and SIGTERM: the HTTP server drains within the
// configured timeout, the sweeper stops, the database pool and telemetry
// providers close. Initialization errors are returned to main rather than
// calling os.Exit, so the process exit stays in one place.
package app
