// Package natsclient wraps the NATS Go client with a circuit breaker, slog
// logging and typed key-value helpers.
//
// The flow runtime uses NATS for two optional concerns: persisting the deployed
// flow document and module settings in JetStream KV buckets, and forwarding
// runtime events to subjects for external observers. Both share one Client.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("semflow"),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
// # Circuit breaker
//
// After five consecutive failures (configurable) the client reports
// StatusCircuitOpen and fails fast with ErrCircuitOpen until the backoff has
// elapsed. The backoff doubles on each opening up to WithMaxBackoff.
//
// # Key-value
//
// KVStore maps JetStream KV errors onto ErrKVKeyNotFound, ErrKVKeyExists and
// ErrKVRevisionMismatch and provides UpdateWithRetry for read-modify-write with
// compare-and-swap:
//
//	bucket, _ := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "semflow_flows"})
//	kv := client.NewKVStore(bucket)
//	rev, err := kv.UpdateWithRetry(ctx, "flows", func(current []byte) ([]byte, error) {
//	    return json.Marshal(next)
//	})
//
// # Testing
//
// NewTestClient starts a nats container through testcontainers-go. Tests that
// use it carry the integration build tag and skip under -short.
package natsclient
