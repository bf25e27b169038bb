package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct{ path string }

func TestNew_AssignsID(t *testing.T) {
	a, b := New(), New()
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestEnsureID_KeepsExisting(t *testing.T) {
	m := Message{IDKey: "abc"}
	assert.Equal(t, "abc", m.EnsureID())

	empty := Message{}
	id := empty.EnsureID()
	assert.NotEmpty(t, id)
	assert.Equal(t, id, empty.ID())
}

func TestClone_DeepCopiesNestedValues(t *testing.T) {
	orig := Message{
		IDKey:     "id-1",
		"payload": map[string]any{"list": []any{1.0, "two", map[string]any{"x": true}}},
		"topic":   "t",
	}

	c := orig.Clone()
	require.Equal(t, orig, c)

	c["payload"].(map[string]any)["list"].([]any)[2].(map[string]any)["x"] = false
	c["topic"] = "changed"

	assert.Equal(t, true, orig["payload"].(map[string]any)["list"].([]any)[2].(map[string]any)["x"])
	assert.Equal(t, "t", orig["topic"])
}

func TestClone_OpaqueKeysShared(t *testing.T) {
	req := &request{path: "/in"}
	res := map[string]any{"status": 200}
	orig := Message{"req": req, "res": res, "payload": 1.0}

	c := orig.Clone()
	assert.Same(t, req, c["req"])
	c["res"].(map[string]any)["status"] = 500
	assert.Equal(t, 500, res["status"], "res is carried by reference")
}

func TestClone_NestedOpaqueNamesAreCopied(t *testing.T) {
	orig := Message{"payload": map[string]any{
		"res": map[string]any{"a": 1},
		"req": []any{"x"},
	}}

	c := orig.Clone()
	nested := c["payload"].(map[string]any)
	nested["res"].(map[string]any)["a"] = 2
	nested["req"].([]any)[0] = "y"

	inner := orig["payload"].(map[string]any)
	assert.Equal(t, 1, inner["res"].(map[string]any)["a"])
	assert.Equal(t, "x", inner["req"].([]any)[0])
}

func TestClone_BuffersShared(t *testing.T) {
	buf := []byte("raw")
	orig := Message{"payload": buf, "parts": map[string]any{"chunk": buf}}

	c := orig.Clone()
	c["payload"].([]byte)[0] = 'R'
	assert.Equal(t, "Raw", string(buf))
	assert.Equal(t, "Raw", string(c["parts"].(map[string]any)["chunk"].([]byte)))
}

func TestRegisterOpaqueKey(t *testing.T) {
	RegisterOpaqueKey("socket")
	assert.True(t, IsOpaque("socket"))
	assert.True(t, IsOpaque("req"))
	assert.False(t, IsOpaque("payload"))

	conn := &request{path: "ws"}
	c := Message{"socket": conn}.Clone()
	assert.Same(t, conn, c["socket"])
}

func TestClone_Nil(t *testing.T) {
	var m Message
	assert.Nil(t, m.Clone())
}
