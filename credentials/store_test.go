package credentials

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
)

func TestCrypto_ExportLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewCrypto("s3cret")
	require.NoError(t, c.Add(ctx, "n1", map[string]any{"user": "bob", "password": "pw"}))
	assert.True(t, c.Dirty())

	blob, err := c.Export(ctx)
	require.NoError(t, err)
	assert.False(t, c.Dirty())
	require.Len(t, blob, 1)
	enc, ok := blob["$"].(string)
	require.True(t, ok)
	assert.NotContains(t, enc, "bob")

	other := NewCrypto("s3cret")
	require.NoError(t, other.Load(ctx, blob))
	assert.Equal(t, map[string]any{"user": "bob", "password": "pw"}, other.Get("n1"))
}

func TestCrypto_LoadWrongSecretFails(t *testing.T) {
	ctx := context.Background()
	c := NewCrypto("right")
	require.NoError(t, c.Add(ctx, "n1", map[string]any{"password": "a fairly long password value"}))
	blob, err := c.Export(ctx)
	require.NoError(t, err)

	err = NewCrypto("wrong").Load(ctx, blob)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCredentialDecrypt)
	assert.Equal(t, "credentials_decrypt_failed", errors.CodeOf(err))
}

func TestCrypto_PlaintextWithoutSecret(t *testing.T) {
	ctx := context.Background()
	c := NewCrypto("")
	assert.False(t, c.Encrypted())
	require.NoError(t, c.Add(ctx, "n1", map[string]any{"token": "t"}))

	blob, err := c.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n1": map[string]any{"token": "t"}}, blob)

	entry, err := c.Encrypt(map[string]any{"k": "v"})
	require.NoError(t, err)
	got, err := c.Decrypt(entry)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, got)
}

func TestCrypto_EntryEncryptDecrypt(t *testing.T) {
	c := NewCrypto("key")
	entry, err := c.Encrypt(map[string]any{"apiKey": "xyz"})
	require.NoError(t, err)
	assert.Len(t, entry[:32], 32)

	got, err := c.Decrypt(entry)
	require.NoError(t, err)
	assert.Equal(t, "xyz", got["apiKey"])

	_, err = c.Decrypt("not-hex-at-all-and-too-short")
	assert.ErrorIs(t, err, errors.ErrCredentialDecrypt)
	_, err = c.Decrypt(strings.Repeat("0", 32) + "!!!")
	assert.ErrorIs(t, err, errors.ErrCredentialDecrypt)
}

func TestCrypto_Clean(t *testing.T) {
	ctx := context.Background()
	c := NewCrypto("k")
	require.NoError(t, c.Add(ctx, "keep", map[string]any{"password": "old", "user": "u"}))
	require.NoError(t, c.Add(ctx, "gone", map[string]any{"password": "x"}))
	_, err := c.Export(ctx)
	require.NoError(t, err)

	nodes := []*flowconfig.NodeConfig{
		{ID: "keep", Type: "mqtt", Credentials: map[string]any{"password": PasswordPlaceholder, "user": "u2"}},
		{ID: "fresh", Type: "http", Credentials: map[string]any{"token": "t"}},
		{ID: "plain", Type: "inject"},
	}
	require.NoError(t, c.Clean(ctx, nodes))

	assert.True(t, c.Dirty())
	for _, n := range nodes {
		assert.Nil(t, n.Credentials, n.ID)
	}
	assert.Equal(t, map[string]any{"password": "old", "user": "u2"}, c.Get("keep"))
	assert.Equal(t, map[string]any{"token": "t"}, c.Get("fresh"))
	assert.Nil(t, c.Get("gone"))
	assert.Nil(t, c.Get("plain"))
}

func TestCrypto_CleanUnchangedIsNotDirty(t *testing.T) {
	ctx := context.Background()
	c := NewCrypto("k")
	require.NoError(t, c.Add(ctx, "n1", map[string]any{"password": "p"}))
	_, err := c.Export(ctx)
	require.NoError(t, err)

	nodes := []*flowconfig.NodeConfig{{ID: "n1", Type: "x", Credentials: map[string]any{"password": PasswordPlaceholder}}}
	require.NoError(t, c.Clean(ctx, nodes))
	assert.False(t, c.Dirty())
}

func TestCrypto_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	c := NewCrypto("")
	require.NoError(t, c.Add(ctx, "n1", map[string]any{"a": "b"}))
	got := c.Get("n1")
	got["a"] = "changed"
	assert.Equal(t, "b", c.Get("n1")["a"])

	c.Delete("n1")
	assert.Nil(t, c.Get("n1"))
	assert.Error(t, c.Add(ctx, "", nil))
}
