// Package credentials keeps the secrets attached to node configs out of the
// persisted flow document.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"sync"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
)

// PasswordPlaceholder stands for an unchanged secret in a deploy. A field
// carrying it keeps its stored value.
const PasswordPlaceholder = "__PWRD__"

// encryptedKey is the single key of an encrypted export
const encryptedKey = "$"

const ivHexLen = 32

// Store holds decrypted credentials keyed by node id
type Store interface {
	// Load replaces the store contents with a blob produced by Export
	Load(ctx context.Context, blob map[string]any) error
	// Clean moves the credentials fields of nodes into the store, strips
	// them from the records and forgets ids absent from nodes
	Clean(ctx context.Context, nodes []*flowconfig.NodeConfig) error
	Add(ctx context.Context, id string, creds map[string]any) error
	Get(id string) map[string]any
	Delete(id string)
	// Export returns the blob to persist next to the flows
	Export(ctx context.Context) (map[string]any, error)
	// Decrypt opens one encrypted entry
	Decrypt(entry string) (map[string]any, error)
	Dirty() bool
}

// Crypto is the Store implementation that encrypts exports with
// AES-256-CTR. The key is the SHA-256 of the secret and an encrypted value is
// the hex IV followed by the base64 ciphertext. An empty secret exports
// plaintext.
type Crypto struct {
	key []byte

	mu    sync.RWMutex
	creds map[string]map[string]any
	dirty bool
}

var _ Store = (*Crypto)(nil)

// NewCrypto returns a store using secret for encryption
func NewCrypto(secret string) *Crypto {
	c := &Crypto{creds: make(map[string]map[string]any)}
	if secret != "" {
		sum := sha256.Sum256([]byte(secret))
		c.key = sum[:]
	}
	return c
}

// Encrypted reports whether exports are encrypted
func (c *Crypto) Encrypted() bool {
	return c.key != nil
}

// Load implements Store
func (c *Crypto) Load(_ context.Context, blob map[string]any) error {
	creds := make(map[string]map[string]any)

	if enc, ok := blob[encryptedKey].(string); ok && len(blob) == 1 {
		plain, err := c.decrypt(enc)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(plain, &creds); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrCredentialDecrypt, err),
				"credentials", "Load", "decode credentials")
		}
	} else {
		for id, v := range blob {
			if m, ok := v.(map[string]any); ok {
				creds[id] = m
			}
		}
	}

	c.mu.Lock()
	c.creds = creds
	c.dirty = false
	c.mu.Unlock()
	return nil
}

// Clean implements Store
func (c *Crypto) Clean(_ context.Context, nodes []*flowconfig.NodeConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		live[n.ID] = struct{}{}
		if n.Credentials == nil {
			continue
		}
		c.mergeLocked(n.ID, n.Credentials)
		n.Credentials = nil
	}
	for id := range c.creds {
		if _, ok := live[id]; !ok {
			delete(c.creds, id)
			c.dirty = true
		}
	}
	return nil
}

func (c *Crypto) mergeLocked(id string, incoming map[string]any) {
	existing := c.creds[id]
	merged := make(map[string]any, len(incoming))
	for k, v := range incoming {
		if v == PasswordPlaceholder {
			if old, ok := existing[k]; ok {
				merged[k] = old
			}
			continue
		}
		merged[k] = v
	}
	if existing == nil || !reflect.DeepEqual(existing, merged) {
		c.dirty = true
	}
	c.creds[id] = merged
}

// Add implements Store
func (c *Crypto) Add(_ context.Context, id string, creds map[string]any) error {
	if id == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "credentials", "Add", "node id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mergeLocked(id, creds)
	return nil
}

// Get returns a copy of the credentials of id, nil if there are none
func (c *Crypto) Get(id string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.creds[id]; ok {
		return maps.Clone(m)
	}
	return nil
}

// Delete implements Store
func (c *Crypto) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.creds[id]; ok {
		delete(c.creds, id)
		c.dirty = true
	}
}

// Dirty reports whether the store changed since the last Load or Export
func (c *Crypto) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// Export implements Store
func (c *Crypto) Export(_ context.Context) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key == nil {
		out := make(map[string]any, len(c.creds))
		for id, m := range c.creds {
			out[id] = maps.Clone(m)
		}
		c.dirty = false
		return out, nil
	}

	plain, err := json.Marshal(c.creds)
	if err != nil {
		return nil, errors.WrapInvalid(err, "credentials", "Export", "encode credentials")
	}
	enc, err := c.encrypt(plain)
	if err != nil {
		return nil, err
	}
	c.dirty = false
	return map[string]any{encryptedKey: enc}, nil
}

// Encrypt seals one credentials record in the export format
func (c *Crypto) Encrypt(creds map[string]any) (string, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return "", errors.WrapInvalid(err, "credentials", "Encrypt", "encode credentials")
	}
	if c.key == nil {
		return string(plain), nil
	}
	return c.encrypt(plain)
}

// Decrypt implements Store. Without a secret the entry is plain JSON.
func (c *Crypto) Decrypt(entry string) (map[string]any, error) {
	plain := []byte(entry)
	if c.key != nil {
		var err error
		if plain, err = c.decrypt(entry); err != nil {
			return nil, err
		}
	}
	var out map[string]any
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrCredentialDecrypt, err),
			"credentials", "Decrypt", "decode credentials")
	}
	return out, nil
}

func (c *Crypto) encrypt(plain []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", errors.WrapFatal(err, "credentials", "encrypt", "create cipher")
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", errors.WrapTransient(err, "credentials", "encrypt", "generate iv")
	}
	out := make([]byte, len(plain))
	cipher.NewCTR(block, iv).XORKeyStream(out, plain)
	return hex.EncodeToString(iv) + base64.StdEncoding.EncodeToString(out), nil
}

func (c *Crypto) decrypt(enc string) ([]byte, error) {
	fail := func(err error) ([]byte, error) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrCredentialDecrypt, err),
			"credentials", "decrypt", "open credentials")
	}
	if c.key == nil {
		return fail(fmt.Errorf("no credential secret configured"))
	}
	if len(enc) < ivHexLen {
		return fail(fmt.Errorf("value too short"))
	}
	iv, err := hex.DecodeString(enc[:ivHexLen])
	if err != nil {
		return fail(err)
	}
	data, err := base64.StdEncoding.DecodeString(enc[ivHexLen:])
	if err != nil {
		return fail(err)
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return fail(err)
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	if !json.Valid(out) {
		return fail(fmt.Errorf("wrong secret or corrupted value"))
	}
	return out, nil
}
