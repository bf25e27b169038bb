package nodes_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semflow/events"
	"github.com/c360/semflow/flow"
	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/message"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/nodes"
	"github.com/c360/semflow/registry"
	"github.com/c360/semflow/testutil"
)

const wait = 2 * time.Second

type harness struct {
	t   *testing.T
	reg *registry.Registry
	bus *events.Bus

	mu        sync.Mutex
	recorders map[string]*testutil.Recorder
	flows     []*flow.Flow
}

func newHarness(t *testing.T, deps nodes.Deps) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		bus:       events.NewBus(nil),
		recorders: make(map[string]*testutil.Recorder),
	}
	h.reg = registry.New(registry.WithEvents(h.bus))
	require.NoError(t, nodes.Register(h.reg, deps))
	require.NoError(t, h.reg.RegisterNodeConstructor("test", "rec", func(n *node.Node, cfg *flowconfig.NodeConfig) (node.Behavior, error) {
		r := testutil.NewRecorder(n)
		r.Forward = cfg.BoolProp("forward")
		h.mu.Lock()
		h.recorders[n.ID()] = r
		h.mu.Unlock()
		return r, nil
	}))
	require.NoError(t, h.reg.RegisterNodeConstructor("test", "fail", func(*node.Node, *flowconfig.NodeConfig) (node.Behavior, error) {
		return &testutil.Failing{Err: stderrors.New("boom")}, nil
	}))
	t.Cleanup(func() { _ = h.reg.Close() })
	return h
}

func (h *harness) recorder(id string) *testutil.Recorder {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.recorders[id]
	require.NotNil(h.t, r, "no recorder %s", id)
	return r
}

// lookup resolves ids across every flow the harness started
func (h *harness) lookup(id string) *node.Node {
	h.mu.Lock()
	flows := append([]*flow.Flow(nil), h.flows...)
	h.mu.Unlock()
	for _, f := range flows {
		if n := f.LocalNode(id); n != nil {
			return n
		}
	}
	return nil
}

func (h *harness) start(id string, cfg *flowconfig.Config) *flow.Flow {
	h.t.Helper()
	f := flow.New(flow.Options{ID: id, Config: cfg, Types: h.reg, Events: h.bus, Lookup: h.lookup})
	require.NoError(h.t, f.Start(context.Background()))
	h.mu.Lock()
	h.flows = append(h.flows, f)
	h.mu.Unlock()
	h.t.Cleanup(func() { _ = f.Stop(context.Background(), nil, nil) })
	return f
}

func settle(t *testing.T, flows ...*flow.Flow) {
	t.Helper()
	for range 5 {
		for _, f := range flows {
			require.NoError(t, f.Sync(context.Background()))
		}
	}
}

func inject(f *flow.Flow, id string, msg message.Message) {
	f.Deliver(f.LocalNode(id), msg)
}

func TestRegister(t *testing.T) {
	h := newHarness(t, nodes.Deps{})

	core, ok := h.reg.GetModule(nodes.Module)
	require.True(t, ok)
	assert.True(t, core.Local)
	assert.True(t, core.Enabled)
	assert.Equal(t, nodes.Version, core.Version)

	for _, typ := range []string{"catch", "status", "complete", "junction", "link in", "link out", "link call", "debug"} {
		info, ok := h.reg.TypeInfo(typ)
		require.True(t, ok, typ)
		assert.Equal(t, nodes.Module+"/"+nodes.SetCommon, info.Set, typ)
	}
	info, ok := h.reg.TypeInfo(nodes.TypeFilter)
	require.True(t, ok)
	assert.Equal(t, nodes.Module+"/"+nodes.SetFunction, info.Set)
	assert.True(t, info.HasSchema)

	sets := h.reg.GetNodeList(func(s registry.NodeSet) bool { return s.Module == nodes.Module })
	assert.Len(t, sets, 4)

	// registering again rebinds the same module's types
	require.NoError(t, nodes.Register(h.reg, nodes.Deps{}))
	assert.Error(t, nodes.Register(nil, nodes.Deps{}))
}

func TestCatchAndJunctionPassThrough(t *testing.T) {
	h := newHarness(t, nodes.Deps{})
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("a", "fail").In("t1").Build(),
		testutil.NewNode("c", "catch").In("t1").To("j").Build(),
		testutil.NewNode("j", nodes.TypeJunction).In("t1").To("out").Build(),
		testutil.NewNode("out", "rec").In("t1").Build(),
	)
	f := h.start("t1", cfg)

	inject(f, "a", message.Message{"payload": "x"})
	got := h.recorder("out").WaitFor(t, 1, wait)
	e, ok := got[0]["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "boom", e["message"])
	assert.Equal(t, "x", got[0]["payload"])
}

func TestLinkAcrossFlows(t *testing.T) {
	h := newHarness(t, nodes.Deps{})
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("lo", nodes.TypeLinkOut).In("t1").Prop("links", []any{"li", "li2", "missing"}).Build(),
		testutil.Tab("t2"),
		testutil.NewNode("li", nodes.TypeLinkIn).In("t2").To("out").Build(),
		testutil.NewNode("li2", nodes.TypeLinkIn).In("t2").To("out").Build(),
		testutil.NewNode("out", "rec").In("t2").Build(),
	)
	f1 := h.start("t1", cfg)
	h.start("t2", cfg)

	sent := message.Message{"payload": map[string]any{"n": 1}}
	inject(f1, "lo", sent)

	got := h.recorder("out").WaitFor(t, 2, wait)
	assert.Equal(t, got[0]["payload"], got[1]["payload"])
	assert.Equal(t, got[0].ID(), got[1].ID())
}

func TestLinkCallReturn(t *testing.T) {
	h := newHarness(t, nodes.Deps{})
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("lc", nodes.TypeLinkCall).In("t1").Prop("links", []any{"li"}).To("final").Build(),
		testutil.NewNode("final", "rec").In("t1").Build(),
		testutil.Tab("t2"),
		testutil.NewNode("li", nodes.TypeLinkIn).In("t2").To("work").Build(),
		testutil.NewNode("work", "rec").In("t2").Prop("forward", true).To("ret").Build(),
		testutil.NewNode("ret", nodes.TypeLinkOut).In("t2").Prop("mode", "return").Build(),
	)
	f1 := h.start("t1", cfg)
	h.start("t2", cfg)

	inject(f1, "lc", message.Message{"payload": "call"})

	got := h.recorder("final").WaitFor(t, 1, wait)
	assert.Equal(t, "call", got[0]["payload"])
	assert.NotContains(t, got[0], "_linkSource")
	assert.Len(t, h.recorder("work").Messages(), 1)
}

func TestLinkReturnWithoutCaller(t *testing.T) {
	h := newHarness(t, nodes.Deps{})
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("ret", nodes.TypeLinkOut).In("t1").Prop("mode", "return").Build(),
		testutil.NewNode("c", "catch").In("t1").To("out").Build(),
		testutil.NewNode("out", "rec").In("t1").Build(),
	)
	f := h.start("t1", cfg)

	inject(f, "ret", message.Message{"payload": 1})
	got := h.recorder("out").WaitFor(t, 1, wait)
	e := got[0]["error"].(map[string]any)
	assert.Contains(t, e["message"], "not sent by a link call node")
}

func TestLinkOutRejectsUnknownMode(t *testing.T) {
	h := newHarness(t, nodes.Deps{})
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("lo", nodes.TypeLinkOut).In("t1").Prop("mode", "teleport").Build(),
	)
	f := h.start("t1", cfg)
	assert.Nil(t, f.LocalNode("lo"))
}

func TestDebug(t *testing.T) {
	h := newHarness(t, nodes.Deps{})

	var (
		mu  sync.Mutex
		out []events.DebugPayload
	)
	h.bus.On(events.Debug, func(p any) {
		mu.Lock()
		defer mu.Unlock()
		out = append(out, p.(events.DebugPayload))
	})
	collected := func() []events.DebugPayload {
		mu.Lock()
		defer mu.Unlock()
		return append([]events.DebugPayload(nil), out...)
	}

	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("d", nodes.TypeDebug).In("t1").Named("temps").Prop("complete", "payload.temp").Build(),
		testutil.NewNode("whole", nodes.TypeDebug).In("t1").Prop("complete", "true").Build(),
		testutil.NewNode("off", nodes.TypeDebug).In("t1").Prop("active", false).Build(),
		testutil.NewNode("slow", nodes.TypeDebug).In("t1").Prop("rate", 0.001).Prop("burst", 1).Build(),
	)
	f := h.start("t1", cfg)

	inject(f, "d", message.Message{"topic": "kitchen", "payload": map[string]any{"temp": 21}})
	inject(f, "whole", message.Message{"payload": "all"})
	inject(f, "off", message.Message{"payload": "hidden"})
	for range 3 {
		inject(f, "slow", message.Message{"payload": "limited"})
	}
	settle(t, f)

	got := collected()
	require.Len(t, got, 3)

	assert.Equal(t, "d", got[0].ID)
	assert.Equal(t, "t1", got[0].Flow)
	assert.Equal(t, "temps", got[0].Name)
	assert.Equal(t, "kitchen", got[0].Topic)
	assert.Equal(t, "payload.temp", got[0].Property)
	assert.Equal(t, 21, got[0].Value)

	whole, ok := got[1].Value.(message.Message)
	require.True(t, ok)
	assert.Equal(t, "all", whole["payload"])

	assert.Equal(t, "slow", got[2].ID)
	assert.Equal(t, "limited", got[2].Value)
}

func TestFilter(t *testing.T) {
	h := newHarness(t, nodes.Deps{})
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("f", nodes.TypeFilter).In("t1").
			Prop("rules", []any{
				map[string]any{"field": "payload.temp", "operator": "gt", "value": 20},
				map[string]any{"field": "payload.room", "operator": "contains", "value": "kit"},
			}).
			Prop("otherwise", true).
			Wires([]string{"hot"}, []string{"cold"}).Build(),
		testutil.NewNode("any", nodes.TypeFilter).In("t1").
			Prop("rules", []any{
				map[string]any{"field": "payload.alarm", "operator": "exists"},
				map[string]any{"field": "payload.temp", "operator": "gte", "value": "30"},
			}).
			Prop("any", true).
			To("alerts").Build(),
		testutil.NewNode("hot", "rec").In("t1").Build(),
		testutil.NewNode("cold", "rec").In("t1").Build(),
		testutil.NewNode("alerts", "rec").In("t1").Build(),
	)
	f := h.start("t1", cfg)

	inject(f, "f", message.Message{"payload": map[string]any{"temp": 25, "room": "kitchen"}})
	inject(f, "f", message.Message{"payload": map[string]any{"temp": 25, "room": "garage"}})
	inject(f, "f", message.Message{"payload": map[string]any{"temp": 15.5, "room": "kitchen"}})
	inject(f, "f", message.Message{"payload": "not an object"})

	inject(f, "any", message.Message{"payload": map[string]any{"alarm": true}})
	inject(f, "any", message.Message{"payload": map[string]any{"temp": 31}})
	inject(f, "any", message.Message{"payload": map[string]any{"temp": 29}})

	h.recorder("hot").WaitFor(t, 1, wait)
	h.recorder("cold").WaitFor(t, 3, wait)
	h.recorder("alerts").WaitFor(t, 2, wait)
	settle(t, f)

	assert.Len(t, h.recorder("hot").Messages(), 1)
	assert.Len(t, h.recorder("cold").Messages(), 3)
	assert.Len(t, h.recorder("alerts").Messages(), 2)
}

func TestFilterValidation(t *testing.T) {
	h := newHarness(t, nodes.Deps{})

	bad := map[string]any{"rules": []any{map[string]any{"field": "payload", "operator": "near"}}}
	err := h.reg.ValidateConfig(nodes.TypeFilter, bad)
	require.Error(t, err)
	var schemaErr *registry.SchemaError
	assert.ErrorAs(t, err, &schemaErr)

	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("f", nodes.TypeFilter).In("t1").Prop("rules", bad["rules"]).Build(),
	)
	f := h.start("t1", cfg)
	assert.Nil(t, f.LocalNode("f"), "a filter with an unknown operator is not created")
}

func TestNATSNodes(t *testing.T) {
	client := testutil.NewMockNATSClient()
	h := newHarness(t, nodes.Deps{NATS: client})
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("in", nodes.TypeNATSIn).In("t1").Prop("subject", "sensors.temp").To("out").Build(),
		testutil.NewNode("out", "rec").In("t1").Build(),
		testutil.NewNode("pub", nodes.TypeNATSOut).In("t1").Prop("subject", "alerts").Build(),
		testutil.NewNode("topic", nodes.TypeNATSOut).In("t1").Build(),
	)
	f := h.start("t1", cfg)
	ctx := context.Background()

	require.NoError(t, client.Publish(ctx, "sensors.temp", []byte(`{"v":1}`)))
	require.NoError(t, client.Publish(ctx, "sensors.temp", []byte(`plain text`)))
	got := h.recorder("out").WaitFor(t, 2, wait)
	assert.Equal(t, "sensors.temp", got[0]["topic"])
	assert.Equal(t, map[string]any{"v": float64(1)}, got[0]["payload"])
	assert.Equal(t, "plain text", got[1]["payload"])

	inject(f, "pub", message.Message{"payload": "hi"})
	inject(f, "topic", message.Message{"topic": "dynamic", "payload": map[string]any{"a": 1}})
	testutil.WaitForMessageCount(t, client, "alerts", 1, wait)
	testutil.WaitForMessageCount(t, client, "dynamic", 1, wait)
	assert.Equal(t, [][]byte{[]byte("hi")}, client.GetMessages("alerts"))
	assert.JSONEq(t, `{"a":1}`, string(client.GetMessages("dynamic")[0]))

	require.NoError(t, f.Stop(ctx, nil, nil))
	require.NoError(t, client.Publish(ctx, "sensors.temp", []byte(`{"v":2}`)))
	assert.Len(t, h.recorder("out").Messages(), 2, "closed nats in nodes unsubscribe")
}

func TestNATSNodesWithoutClient(t *testing.T) {
	h := newHarness(t, nodes.Deps{})
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("in", nodes.TypeNATSIn).In("t1").Prop("subject", "x").Build(),
		testutil.NewNode("ok", "rec").In("t1").Build(),
	)
	f := h.start("t1", cfg)
	assert.Nil(t, f.LocalNode("in"))
	assert.NotNil(t, f.LocalNode("ok"))
}

func TestFileNode(t *testing.T) {
	h := newHarness(t, nodes.Deps{})
	path := filepath.Join(t.TempDir(), "nested", "out.jsonl")
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("w", nodes.TypeFile).In("t1").
			Prop("filename", path).Prop("createDir", true).To("done").Build(),
		testutil.NewNode("done", "rec").In("t1").Build(),
	)
	f := h.start("t1", cfg)

	inject(f, "w", message.Message{"payload": map[string]any{"a": 1}})
	inject(f, "w", message.Message{"payload": "line"})
	h.recorder("done").WaitFor(t, 2, wait)
	require.NoError(t, f.Stop(context.Background(), nil, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\nline\n", string(data))
}

func TestFileNodeValidation(t *testing.T) {
	h := newHarness(t, nodes.Deps{})
	err := h.reg.ValidateConfig(nodes.TypeFile, map[string]any{"format": "xml"})
	assert.Error(t, err)

	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("w", nodes.TypeFile).In("t1").Build(),
	)
	f := h.start("t1", cfg)
	assert.Nil(t, f.LocalNode("w"))
}

func TestHTTPRequest(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/fail":
			w.WriteHeader(http.StatusInternalServerError)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"method": r.Method,
				"body":   string(body),
				"token":  r.Header.Get("X-Token"),
			})
		}
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, nodes.Deps{HTTPClient: srv.Client()})
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("req", nodes.TypeHTTPRequest).In("t1").
			Prop("url", srv.URL+"/echo").Prop("headers", map[string]any{"X-Token": "t0k"}).To("out").Build(),
		testutil.NewNode("fail", nodes.TypeHTTPRequest).In("t1").
			Prop("url", srv.URL+"/fail").Prop("retries", 1).Build(),
		testutil.NewNode("missing", nodes.TypeHTTPRequest).In("t1").
			Prop("url", srv.URL+"/missing").Prop("retries", 3).Build(),
		testutil.NewNode("c", "catch").In("t1").To("errs").Build(),
		testutil.NewNode("out", "rec").In("t1").Build(),
		testutil.NewNode("errs", "rec").In("t1").Build(),
	)
	f := h.start("t1", cfg)

	inject(f, "req", message.Message{"payload": map[string]any{"x": 1}})
	got := h.recorder("out").WaitFor(t, 1, wait)
	assert.Equal(t, 200, got[0]["statusCode"])
	payload := got[0]["payload"].(map[string]any)
	assert.Equal(t, "POST", payload["method"])
	assert.JSONEq(t, `{"x":1}`, payload["body"].(string))
	assert.Equal(t, "t0k", payload["token"])

	hits.Store(0)
	inject(f, "fail", message.Message{"payload": "x"})
	errs := h.recorder("errs").WaitFor(t, 1, wait)
	assert.Contains(t, errs[0]["error"].(map[string]any)["message"], "HTTP 500")
	assert.Equal(t, int64(2), hits.Load(), "server errors are retried")

	hits.Store(0)
	inject(f, "missing", message.Message{"payload": "x"})
	h.recorder("errs").WaitFor(t, 2, wait)
	assert.Equal(t, int64(1), hits.Load(), "client errors are not retried")
}

func TestLinkCallTimeout(t *testing.T) {
	h := newHarness(t, nodes.Deps{})
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("lc", nodes.TypeLinkCall).In("t1").Prop("links", []any{"li"}).Prop("timeout", 0.05).To("final").Build(),
		testutil.NewNode("final", "rec").In("t1").Build(),
		testutil.NewNode("c", "catch").In("t1").To("caught").Build(),
		testutil.NewNode("caught", "rec").In("t1").Build(),
		testutil.NewNode("li", nodes.TypeLinkIn).In("t1").To("sink").Build(),
		testutil.NewNode("sink", "rec").In("t1").Build(),
	)
	f := h.start("t1", cfg)

	inject(f, "lc", message.Message{"payload": "lost"})

	got := h.recorder("caught").WaitFor(t, 1, wait)
	e := got[0]["error"].(map[string]any)
	assert.Equal(t, "timeout", e["message"])
	assert.Equal(t, "lost", got[0]["payload"])
	assert.Empty(t, h.recorder("final").Messages())
}
