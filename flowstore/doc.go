// Package flowstore persists the runtime's deploy document.
//
// # Overview
//
// A Document is the flat list of flow records as last deployed, the
// exported credentials and a revision string. The revision is the SHA-256
// of the flows JSON, so two stores holding the same flows agree on it and
// API clients can detect that the deployed flows changed under them.
//
// # Backends
//
// MemoryStore keeps the document in process memory. It is the default for
// tests and for runtimes started without persistence.
//
// FileStore writes flows.json and flows_cred.json next to each other. Each
// file is replaced atomically through a temp file and rename, so a crash
// mid-save leaves the previous version intact.
//
// KVStore keeps the whole document as one entry in a NATS JetStream KV
// bucket. Saves are compare-and-swap against the revision the store last
// read or wrote:
//
//	kv, err := flowstore.OpenBucket(ctx, natsClient, flowstore.DefaultBucket, 10)
//	if err != nil {
//		return err
//	}
//	store := flowstore.NewKVStore(kv)
//	doc, err := store.GetFlows(ctx)
//	...
//	rev, err := store.SaveFlows(ctx, doc)
//	if flowstore.IsConflict(err) {
//		// another runtime deployed in between; reload and retry
//	}
//
// # Settings
//
// FileSettings and KVSettings implement registry.Settings, persisting module
// enable state alongside the flows.
//
// # Credentials
//
// Credentials are stored as exported by the credential store, which
// encrypts them when a secret is configured. SaveFlows with a nil
// Credentials map keeps whatever credentials are already stored.
package flowstore
