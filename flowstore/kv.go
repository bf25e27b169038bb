package flowstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/natsclient"
)

// DefaultBucket is the KV bucket flows and settings are kept in
const DefaultBucket = "semflow_flows"

const (
	flowsKey       = "flows"
	settingsPrefix = "settings."
)

// KV is the subset of natsclient.KVStore the stores use
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
}

// OpenBucket creates or opens the flows bucket on client, keeping the last
// history revisions of each key
func OpenBucket(ctx context.Context, client *natsclient.Client, bucket string, history uint8) (*natsclient.KVStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "flowstore", "OpenBucket", "nats client validation")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}
	if history == 0 {
		history = 10
	}
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Flow deploy documents and runtime settings",
		History:     history,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "flowstore", "OpenBucket", "create KV bucket")
	}
	return client.NewKVStore(kv), nil
}

// KVStore keeps the deploy document as a single JetStream KV entry. Writes
// are compare-and-swap against the revision this store last saw, so two
// runtimes sharing a bucket cannot silently overwrite each other.
type KVStore struct {
	kv KV

	mu       sync.Mutex
	revision uint64
}

// NewKVStore returns a store on kv
func NewKVStore(kv KV) *KVStore {
	return &KVStore{kv: kv}
}

// GetFlows implements Storage
func (s *KVStore) GetFlows(ctx context.Context) (Document, error) {
	entry, err := s.kv.Get(ctx, flowsKey)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			s.mu.Lock()
			s.revision = 0
			s.mu.Unlock()
			rev, _ := Revision(nil)
			return Document{Flows: []*flowconfig.NodeConfig{}, Rev: rev}, nil
		}
		return Document{}, errors.WrapTransient(err, "flowstore", "GetFlows", "get from KV")
	}

	var doc Document
	if err := json.Unmarshal(entry.Value, &doc); err != nil {
		return Document{}, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err),
			"flowstore", "GetFlows", "unmarshal document")
	}
	if doc.Flows == nil {
		doc.Flows = []*flowconfig.NodeConfig{}
	}

	s.mu.Lock()
	s.revision = entry.Revision
	s.mu.Unlock()
	return doc, nil
}

// SaveFlows implements Storage. It fails with ErrConflict when another
// writer changed the entry since the last GetFlows or SaveFlows.
func (s *KVStore) SaveFlows(ctx context.Context, doc Document) (string, error) {
	if doc.Flows == nil {
		doc.Flows = []*flowconfig.NodeConfig{}
	}
	rev, err := Revision(doc.Flows)
	if err != nil {
		return "", err
	}
	doc.Rev = rev

	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.Credentials == nil {
		prev, err := s.currentLocked(ctx)
		if err != nil {
			return "", err
		}
		doc.Credentials = prev.Credentials
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", errors.WrapInvalid(err, "flowstore", "SaveFlows", "marshal document")
	}

	var next uint64
	if s.revision == 0 {
		next, err = s.kv.Create(ctx, flowsKey, data)
	} else {
		next, err = s.kv.Update(ctx, flowsKey, data, s.revision)
	}
	if err != nil {
		if natsclient.IsKVConflictError(err) {
			return "", errors.WrapInvalid(fmt.Errorf("%w: %v", ErrConflict, err), "flowstore", "SaveFlows", "compare and swap")
		}
		return "", errors.WrapTransient(err, "flowstore", "SaveFlows", "write to KV")
	}
	s.revision = next
	return rev, nil
}

// currentLocked reads the stored document at the revision this store
// knows. A newer entry is a conflict.
func (s *KVStore) currentLocked(ctx context.Context) (Document, error) {
	if s.revision == 0 {
		return Document{}, nil
	}
	entry, err := s.kv.Get(ctx, flowsKey)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return Document{}, nil
		}
		return Document{}, errors.WrapTransient(err, "flowstore", "SaveFlows", "read current document")
	}
	if entry.Revision != s.revision {
		return Document{}, errors.WrapInvalid(ErrConflict, "flowstore", "SaveFlows", "revision check")
	}
	var doc Document
	if err := json.Unmarshal(entry.Value, &doc); err != nil {
		return Document{}, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err),
			"flowstore", "SaveFlows", "unmarshal current document")
	}
	return doc, nil
}

// KVSettings persists runtime settings in the flows bucket under a
// "settings." key prefix
type KVSettings struct {
	kv KV
}

// NewKVSettings returns settings stored in kv
func NewKVSettings(kv KV) *KVSettings {
	return &KVSettings{kv: kv}
}

// Get implements registry.Settings
func (s *KVSettings) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, settingsPrefix+key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "flowstore", "Get", "get setting "+key)
	}
	return entry.Value, nil
}

// Set implements registry.Settings
func (s *KVSettings) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.kv.Put(ctx, settingsPrefix+key, value); err != nil {
		return errors.WrapTransient(err, "flowstore", "Set", "put setting "+key)
	}
	return nil
}

// IsConflict reports whether err is a SaveFlows revision conflict
func IsConflict(err error) bool {
	return stderrors.Is(err, ErrConflict)
}
