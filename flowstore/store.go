package flowstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"maps"
	"sync"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
)

// ErrConflict is returned by SaveFlows when the stored document changed
// since this process last read or wrote it
var ErrConflict = stderrors.New("flows were modified by another writer")

// Document is the persisted deploy document: the flat records, the
// exported (possibly encrypted) credentials and the revision of the flows.
type Document struct {
	Flows       []*flowconfig.NodeConfig `json:"flows"`
	Credentials map[string]any           `json:"credentials,omitempty"`
	Rev         string                   `json:"rev,omitempty"`
}

// Storage persists the deploy document
type Storage interface {
	// GetFlows returns the stored document. A store that was never written
	// returns an empty document and no error.
	GetFlows(ctx context.Context) (Document, error)
	// SaveFlows stores doc and returns the revision of its flows. A nil
	// Credentials map leaves the stored credentials untouched.
	SaveFlows(ctx context.Context, doc Document) (string, error)
}

// Revision returns the revision of flows: the hex SHA-256 of their JSON
func Revision(flows []*flowconfig.NodeConfig) (string, error) {
	if flows == nil {
		flows = []*flowconfig.NodeConfig{}
	}
	data, err := json.Marshal(flows)
	if err != nil {
		return "", errors.WrapInvalid(err, "flowstore", "Revision", "marshal flows")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func cloneFlows(in []*flowconfig.NodeConfig) []*flowconfig.NodeConfig {
	out := make([]*flowconfig.NodeConfig, len(in))
	for i, n := range in {
		out[i] = n.Clone()
	}
	return out
}

// MemoryStore keeps the document in process memory
type MemoryStore struct {
	mu    sync.RWMutex
	doc   Document
	saves int
}

// NewMemoryStore returns a store holding doc. Pass a zero Document for an
// empty store.
func NewMemoryStore(doc Document) *MemoryStore {
	s := &MemoryStore{}
	s.doc.Flows = cloneFlows(doc.Flows)
	s.doc.Credentials = maps.Clone(doc.Credentials)
	s.doc.Rev, _ = Revision(s.doc.Flows)
	return s
}

// GetFlows implements Storage
func (s *MemoryStore) GetFlows(context.Context) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Document{
		Flows:       cloneFlows(s.doc.Flows),
		Credentials: maps.Clone(s.doc.Credentials),
		Rev:         s.doc.Rev,
	}, nil
}

// SaveFlows implements Storage
func (s *MemoryStore) SaveFlows(_ context.Context, doc Document) (string, error) {
	rev, err := Revision(doc.Flows)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Flows = cloneFlows(doc.Flows)
	if doc.Credentials != nil {
		s.doc.Credentials = maps.Clone(doc.Credentials)
	}
	s.doc.Rev = rev
	s.saves++
	return rev, nil
}

// Saves reports how many times SaveFlows succeeded
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
