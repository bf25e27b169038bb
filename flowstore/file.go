package flowstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
)

// FileStore keeps flows and credentials in two JSON files next to each
// other, replacing them atomically on save
type FileStore struct {
	flowsPath string
	credsPath string
	pretty    bool

	mu sync.Mutex
}

// FileOption configures a FileStore
type FileOption func(*FileStore)

// WithPrettyPrint indents the flows file
func WithPrettyPrint() FileOption {
	return func(s *FileStore) { s.pretty = true }
}

// WithCredentialsFile overrides the credentials file path. It defaults to
// the flows file with a "_cred" suffix, so flows.json pairs with
// flows_cred.json.
func WithCredentialsFile(path string) FileOption {
	return func(s *FileStore) { s.credsPath = path }
}

// NewFileStore returns a store backed by the flows file at path
func NewFileStore(path string, opts ...FileOption) (*FileStore, error) {
	if path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "flowstore", "NewFileStore", "flows file path")
	}
	ext := filepath.Ext(path)
	s := &FileStore{
		flowsPath: path,
		credsPath: strings.TrimSuffix(path, ext) + "_cred" + ext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the flows file path
func (s *FileStore) Path() string { return s.flowsPath }

// GetFlows implements Storage
func (s *FileStore) GetFlows(context.Context) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc Document
	data, err := os.ReadFile(s.flowsPath)
	switch {
	case stderrors.Is(err, fs.ErrNotExist):
		doc.Flows = []*flowconfig.NodeConfig{}
	case err != nil:
		return Document{}, errors.WrapTransient(err, "flowstore", "GetFlows", "read flows file")
	default:
		if len(strings.TrimSpace(string(data))) > 0 {
			if err := json.Unmarshal(data, &doc.Flows); err != nil {
				return Document{}, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err),
					"flowstore", "GetFlows", "parse "+s.flowsPath)
			}
		}
		if doc.Flows == nil {
			doc.Flows = []*flowconfig.NodeConfig{}
		}
	}

	creds, err := os.ReadFile(s.credsPath)
	switch {
	case stderrors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Document{}, errors.WrapTransient(err, "flowstore", "GetFlows", "read credentials file")
	default:
		if err := json.Unmarshal(creds, &doc.Credentials); err != nil {
			return Document{}, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err),
				"flowstore", "GetFlows", "parse "+s.credsPath)
		}
	}

	doc.Rev, err = Revision(doc.Flows)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

// SaveFlows implements Storage
func (s *FileStore) SaveFlows(_ context.Context, doc Document) (string, error) {
	flows := doc.Flows
	if flows == nil {
		flows = []*flowconfig.NodeConfig{}
	}
	var (
		data []byte
		err  error
	)
	if s.pretty {
		data, err = json.MarshalIndent(flows, "", "    ")
	} else {
		data, err = json.Marshal(flows)
	}
	if err != nil {
		return "", errors.WrapInvalid(err, "flowstore", "SaveFlows", "marshal flows")
	}
	rev, err := Revision(flows)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.flowsPath, data); err != nil {
		return "", errors.WrapTransient(err, "flowstore", "SaveFlows", "write flows file")
	}
	if doc.Credentials != nil {
		creds, err := json.Marshal(doc.Credentials)
		if err != nil {
			return "", errors.WrapInvalid(err, "flowstore", "SaveFlows", "marshal credentials")
		}
		if err := writeAtomic(s.credsPath, creds); err != nil {
			return "", errors.WrapTransient(err, "flowstore", "SaveFlows", "write credentials file")
		}
	}
	return rev, nil
}

// writeAtomic replaces path with data through a synced temp file in the
// same directory
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// FileSettings persists runtime settings as one JSON object in a file
type FileSettings struct {
	path string

	mu     sync.Mutex
	values map[string]json.RawMessage
}

// NewFileSettings loads the settings file at path. A missing file is an
// empty settings store.
func NewFileSettings(path string) (*FileSettings, error) {
	s := &FileSettings{path: path, values: make(map[string]json.RawMessage)}
	data, err := os.ReadFile(path)
	switch {
	case stderrors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, errors.WrapTransient(err, "flowstore", "NewFileSettings", "read settings file")
	default:
		if err := json.Unmarshal(data, &s.values); err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err),
				"flowstore", "NewFileSettings", "parse "+path)
		}
	}
	return s, nil
}

// Get implements registry.Settings
func (s *FileSettings) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	return []byte(v), nil
}

// Set implements registry.Settings. value must be JSON.
func (s *FileSettings) Set(_ context.Context, key string, value []byte) error {
	if !json.Valid(value) {
		return errors.WrapInvalid(errors.ErrInvalidData, "flowstore", "Set", "settings value must be JSON")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := maps.Clone(s.values)
	if next == nil {
		next = make(map[string]json.RawMessage)
	}
	next[key] = json.RawMessage(value)
	data, err := json.MarshalIndent(next, "", "    ")
	if err != nil {
		return errors.WrapInvalid(err, "flowstore", "Set", "marshal settings")
	}
	if err := writeAtomic(s.path, data); err != nil {
		return errors.WrapTransient(err, "flowstore", "Set", "write settings file")
	}
	s.values = next
	return nil
}
