// Package config loads the semflow process configuration.
//
// Configuration is layered: Defaults, then each file added with AddLayer in
// order, then SEMFLOW_* environment variables. Files may be JSON or YAML
// (.yaml, .yml); a layer only overrides the keys it sets. Durations accept
// Go duration strings plus a day suffix ("15s", "2d").
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/semflow/semflow.yaml")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Recognized environment variables:
//
//	SEMFLOW_CREDENTIAL_SECRET   runtime.credential_secret
//	SEMFLOW_NODE_CLOSE_TIMEOUT  runtime.node_close_timeout
//	SEMFLOW_STORAGE_MODE        storage.mode (memory, file, kv)
//	SEMFLOW_STORAGE_PATH        storage.path
//	SEMFLOW_STORAGE_BUCKET      storage.bucket.name
//	SEMFLOW_NATS_URLS           nats.urls, comma separated
//	SEMFLOW_NATS_USERNAME, SEMFLOW_NATS_PASSWORD, SEMFLOW_NATS_TOKEN, SEMFLOW_NATS_CREDS_FILE
//	SEMFLOW_HTTP_HOST, SEMFLOW_HTTP_PORT, SEMFLOW_HTTP_ADMIN_ROOT
//	SEMFLOW_EVENTS_BRIDGE, SEMFLOW_EVENTS_PREFIX
//
// Config files are read with size, nesting depth and path traversal limits.
// SafeConfig wraps a Config for concurrent readers; Get returns deep copies
// and Update validates before swapping.
package config
