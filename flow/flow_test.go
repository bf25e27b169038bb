package flow_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flow"
	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/message"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/testutil"
)

const wait = 2 * time.Second

func newTypes() *testutil.Types {
	types := testutil.NewTypes()
	types.RegisterRecorder("rec")
	types.RegisterRecorder(flow.TypeCatch)
	types.RegisterRecorder(flow.TypeStatus)
	types.RegisterRecorder(flow.TypeComplete)
	types.Register("fail", func(*node.Node, *flowconfig.NodeConfig) (node.Behavior, error) {
		return &testutil.Failing{Err: stderrors.New("boom")}, nil
	})
	return types
}

func startFlow(t *testing.T, id string, cfg *flowconfig.Config, types *testutil.Types, mod ...func(*flow.Options)) *flow.Flow {
	t.Helper()
	opts := flow.Options{ID: id, Config: cfg, Types: types}
	for _, m := range mod {
		m(&opts)
	}
	f := flow.New(opts)
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(func() { _ = f.Stop(context.Background(), nil, nil) })
	return f
}

// settle drains the mailbox a few times so chains of sends have run
func settle(t *testing.T, f *flow.Flow) {
	t.Helper()
	for range 5 {
		require.NoError(t, f.Sync(context.Background()))
	}
}

func inject(f *flow.Flow, types *testutil.Types, id string, msg message.Message) {
	f.Deliver(types.Node(id), msg)
}

func errorOf(t *testing.T, msg message.Message) (string, map[string]any) {
	t.Helper()
	e, ok := msg["error"].(map[string]any)
	require.True(t, ok, "message has no error: %v", msg)
	text, _ := e["message"].(string)
	source, _ := e["source"].(map[string]any)
	return text, source
}

func TestFlow_StartWiresNodes(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("a", "rec").In("t1").Prop("forward", true).To("b").Build(),
		testutil.NewNode("b", "rec").In("t1").Build(),
	)
	f := startFlow(t, "t1", cfg, types)

	assert.Equal(t, flow.StateStarted, f.State())
	assert.Equal(t, 2, f.ActiveNodes())
	assert.ElementsMatch(t, []string{"a", "b"}, f.NodeIDs())

	inject(f, types, "a", message.Message{"payload": "hello"})
	got := types.Recorder("b").WaitFor(t, 1, wait)
	assert.Equal(t, "hello", got[0]["payload"])
	assert.NotEmpty(t, got[0].ID())
}

func TestFlow_StartTwice(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t, testutil.Tab("t1"))
	f := startFlow(t, "t1", cfg, types)

	err := f.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestFlow_StartUnknownScope(t *testing.T) {
	f := flow.New(flow.Options{ID: "nope", Config: flowconfig.Empty(), Types: newTypes()})
	assert.Equal(t, flow.StateUninitialized, f.State())

	err := f.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrFlowNotFound)
}

func TestFlow_StartMissingTypes(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("a", "rec").In("t1").Build(),
		testutil.NewNode("b", "mystery").In("t1").Build(),
		testutil.NewNode("c", "other-mystery").In("t1").Build(),
	)
	f := flow.New(flow.Options{ID: "t1", Config: cfg, Types: types})

	err := f.Start(context.Background())
	require.Error(t, err)

	var missing *errors.MissingTypesError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"mystery", "other-mystery"}, missing.Types)
	assert.Equal(t, 0, f.ActiveNodes())
	assert.Nil(t, types.Node("a"), "nothing may be created when a type is missing")
	assert.Equal(t, flow.StateLoaded, f.State())
}

func TestFlow_StartMissingSubflowType(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.SubflowDef("sf1", []string{"s1"}),
		testutil.NewNode("s1", "mystery").In("sf1").Build(),
		testutil.NewNode("i1", "subflow:sf1").In("t1").Build(),
	)
	f := flow.New(flow.Options{ID: "t1", Config: cfg, Types: types})

	err := f.Start(context.Background())
	var missing *errors.MissingTypesError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"mystery"}, missing.Types)
}

func TestFlow_StartMissingModules(t *testing.T) {
	types := newTypes()
	types.MissingModules("node-red-contrib-x")
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("a", "rec").In("t1").Build(),
	)
	f := flow.New(flow.Options{ID: "t1", Config: cfg, Types: types})

	err := f.Start(context.Background())
	require.ErrorIs(t, err, errors.ErrMissingModules)
	assert.Equal(t, "missing_modules", errors.CodeOf(err))
	assert.Nil(t, types.Node("a"))
}

func TestFlow_ConstructorFailureSkipsNode(t *testing.T) {
	types := newTypes()
	types.Register("broken", func(*node.Node, *flowconfig.NodeConfig) (node.Behavior, error) {
		return nil, stderrors.New("bad config")
	})
	types.Register("panicky", func(*node.Node, *flowconfig.NodeConfig) (node.Behavior, error) {
		panic("oops")
	})
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("c", flow.TypeCatch).In("t1").Build(),
		testutil.NewNode("a", "broken").In("t1").Build(),
		testutil.NewNode("p", "panicky").In("t1").Build(),
		testutil.NewNode("b", "rec").In("t1").Build(),
	)
	f := startFlow(t, "t1", cfg, types)

	assert.ElementsMatch(t, []string{"c", "b"}, f.NodeIDs())

	caught := types.Recorder("c").WaitFor(t, 2, wait)
	sources := map[string]string{}
	for _, msg := range caught {
		text, source := errorOf(t, msg)
		sources[source["id"].(string)] = text
	}
	assert.Contains(t, sources["a"], "failed to create node: bad config")
	assert.Contains(t, sources["p"], "failed to create node")
}

func TestFlow_DisabledFlowAndNodes(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.DisabledTab("t1"),
		testutil.NewNode("a", "rec").In("t1").Build(),
		testutil.Tab("t2"),
		testutil.NewNode("b", "rec").In("t2").Build(),
		testutil.NewNode("c", "rec").In("t2").Disabled().Build(),
	)

	off := startFlow(t, "t1", cfg, types)
	assert.Equal(t, 0, off.ActiveNodes())
	assert.Equal(t, flow.StateStarted, off.State())

	on := startFlow(t, "t2", cfg, types)
	assert.Equal(t, []string{"b"}, on.NodeIDs())
}

func TestFlow_Credentials(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("a", "rec").In("t1").Build(),
	)
	startFlow(t, "t1", cfg, types, func(o *flow.Options) {
		o.Credentials = func(id string) map[string]any {
			if id == "a" {
				return map[string]any{"password": "secret"}
			}
			return nil
		}
	})
	assert.Equal(t, "secret", types.Node("a").Credentials()["password"])
}

func TestFlow_CatchRouting(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("g1", flowconfig.TypeGroup).In("t1").Build(),
		testutil.NewNode("a", "fail").In("t1").Group("g1").Build(),
		testutil.NewNode("b", "fail").In("t1").Build(),
		testutil.NewNode("all", flow.TypeCatch).In("t1").Build(),
		testutil.NewNode("only-b", flow.TypeCatch).In("t1").Prop("scope", []any{"b"}).Build(),
		testutil.NewNode("grp", flow.TypeCatch).In("t1").Group("g1").Prop("scope", "group").Build(),
	)
	f := startFlow(t, "t1", cfg, types)

	inject(f, types, "a", message.Message{"payload": 1})
	inject(f, types, "b", message.Message{"payload": 2})

	all := types.Recorder("all").WaitFor(t, 2, wait)
	onlyB := types.Recorder("only-b").WaitFor(t, 1, wait)
	grp := types.Recorder("grp").WaitFor(t, 1, wait)
	settle(t, f)

	assert.Len(t, types.Recorder("all").Messages(), 2)
	assert.Len(t, types.Recorder("only-b").Messages(), 1)
	assert.Len(t, types.Recorder("grp").Messages(), 1)

	text, source := errorOf(t, onlyB[0])
	assert.Equal(t, "boom", text)
	assert.Equal(t, "b", source["id"])
	assert.Equal(t, "fail", source["type"])
	assert.Equal(t, 1, source["count"])
	assert.Equal(t, 2, onlyB[0]["payload"])

	_, source = errorOf(t, grp[0])
	assert.Equal(t, "a", source["id"])

	var ids []any
	for _, msg := range all {
		_, source := errorOf(t, msg)
		ids = append(ids, source["id"])
	}
	assert.ElementsMatch(t, []any{"a", "b"}, ids)
}

func TestFlow_UncaughtCatch(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("fallback", flow.TypeCatch).In("t1").Prop("uncaught", true).Build(),
		testutil.NewNode("a", "fail").In("t1").Build(),
		testutil.NewNode("b", "fail").In("t1").Build(),
		testutil.NewNode("only-a", flow.TypeCatch).In("t1").Prop("scope", []any{"a"}).Build(),
	)
	f := startFlow(t, "t1", cfg, types)

	inject(f, types, "a", message.Message{"payload": "a"})
	inject(f, types, "b", message.Message{"payload": "b"})

	types.Recorder("only-a").WaitFor(t, 1, wait)
	fallback := types.Recorder("fallback").WaitFor(t, 1, wait)
	settle(t, f)

	require.Len(t, types.Recorder("fallback").Messages(), 1)
	_, source := errorOf(t, fallback[0])
	assert.Equal(t, "b", source["id"])
	assert.Len(t, types.Recorder("only-a").Messages(), 1)
}

func TestFlow_CatchLoopGuard(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("a", "rec").In("t1").Build(),
		testutil.NewNode("c", flow.TypeCatch).In("t1").Build(),
	)
	f := startFlow(t, "t1", cfg, types)
	a := types.Node("a")

	looping := message.Message{"error": map[string]any{
		"message": "boom",
		"source":  map[string]any{"id": "a", "count": flow.MaxCatchPasses},
	}}
	assert.True(t, f.HandleError(a, "boom", looping), "dropped errors count as handled")
	settle(t, f)
	assert.Empty(t, types.Recorder("c").Messages())

	again := message.Message{"error": map[string]any{
		"message": "boom",
		"source":  map[string]any{"id": "a", "count": float64(flow.MaxCatchPasses - 1)},
	}}
	assert.True(t, f.HandleError(a, "boom again", again))
	got := types.Recorder("c").WaitFor(t, 1, wait)

	text, source := errorOf(t, got[0])
	assert.Equal(t, "boom again", text)
	assert.Equal(t, flow.MaxCatchPasses, source["count"])
	assert.Equal(t, again["error"], got[0]["_error"])
}

func TestFlow_ErrorsBubbleToParent(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.NewNode("gc", flow.TypeCatch).Build(),
		testutil.Tab("t1"),
		testutil.NewNode("a", "fail").In("t1").Build(),
	)
	global := startFlow(t, flowconfig.GlobalID, cfg, types)
	f := startFlow(t, "t1", cfg, types, func(o *flow.Options) { o.Parent = global })

	inject(f, types, "a", message.Message{"payload": 1})
	got := types.Recorder("gc").WaitFor(t, 1, wait)
	_, source := errorOf(t, got[0])
	assert.Equal(t, "a", source["id"])

	assert.Same(t, types.Node("gc"), f.GetNode("gc"), "nodes of the parent resolve through the flow")
}

func TestFlow_UnhandledErrorWithoutParent(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("a", "rec").In("t1").Build(),
	)
	f := startFlow(t, "t1", cfg, types)
	assert.False(t, f.HandleError(types.Node("a"), "boom", nil))
}

func TestFlow_StatusRouting(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("a", "rec").In("t1").Named("source").Build(),
		testutil.NewNode("s", flow.TypeStatus).In("t1").Build(),
		testutil.NewNode("other", flow.TypeStatus).In("t1").Prop("scope", []any{"zzz"}).Build(),
	)
	f := startFlow(t, "t1", cfg, types)

	types.Node("a").Status(node.Status{Fill: "green", Shape: "dot", Text: "connected"})
	types.Node("s").Status("talking to myself")

	got := types.Recorder("s").WaitFor(t, 1, wait)
	settle(t, f)
	require.Len(t, types.Recorder("s").Messages(), 1, "status nodes do not report on themselves")
	assert.Empty(t, types.Recorder("other").Messages())

	status, ok := got[0]["status"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "green", status["fill"])
	assert.Equal(t, "dot", status["shape"])
	assert.Equal(t, "connected", status["text"])
	assert.Equal(t, map[string]any{"id": "a", "type": "rec", "name": "source"}, status["source"])
}

func TestFlow_CompleteRouting(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("a", "rec").In("t1").Build(),
		testutil.NewNode("b", "rec").In("t1").Build(),
		testutil.NewNode("done", flow.TypeComplete).In("t1").Prop("scope", []any{"a"}).Build(),
		testutil.NewNode("unscoped", flow.TypeComplete).In("t1").Build(),
	)
	f := startFlow(t, "t1", cfg, types)

	sent := message.Message{"payload": "x"}
	inject(f, types, "a", sent)
	inject(f, types, "b", message.Message{"payload": "y"})

	got := types.Recorder("done").WaitFor(t, 1, wait)
	settle(t, f)
	require.Len(t, types.Recorder("done").Messages(), 1)
	assert.Equal(t, "x", got[0]["payload"])
	assert.Empty(t, types.Recorder("unscoped").Messages())
}

func TestFlow_UpdateIdenticalIsNoop(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("a", "rec").In("t1").To("b").Build(),
		testutil.NewNode("b", "rec").In("t1").Build(),
	)
	f := startFlow(t, "t1", cfg, types)
	before := types.Node("a")

	require.NoError(t, f.Update(context.Background(), cfg.Clone(), nil))

	assert.Same(t, before, f.LocalNode("a"))
	assert.Len(t, types.Built("a"), 1)
	assert.Len(t, types.Built("b"), 1)
	assert.Empty(t, types.Recorder("a").Closes())
}

func TestFlow_UpdateApplyDiff(t *testing.T) {
	types := newTypes()
	old := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("same", "rec").In("t1").Build(),
		testutil.NewNode("changed", "rec").In("t1").Prop("v", 1).Build(),
		testutil.NewNode("gone", "rec").In("t1").Build(),
		testutil.NewNode("rewired", "rec").In("t1").Prop("forward", true).To("same").Build(),
	)
	f := startFlow(t, "t1", old, types)

	oldChanged := types.Recorder("changed")
	oldGone := types.Recorder("gone")
	oldRewired := types.Node("rewired")
	oldSame := types.Node("same")

	next := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("same", "rec").In("t1").Build(),
		testutil.NewNode("changed", "rec").In("t1").Prop("v", 2).Build(),
		testutil.NewNode("rewired", "rec").In("t1").Prop("forward", true).To("added").Build(),
		testutil.NewNode("added", "rec").In("t1").Build(),
	)
	diff := flowconfig.Compute(old, next)
	require.NoError(t, f.Update(context.Background(), next, diff))

	assert.ElementsMatch(t, []string{"same", "changed", "rewired", "added"}, f.NodeIDs())

	assert.Same(t, oldSame, f.LocalNode("same"))
	assert.Same(t, oldRewired, f.LocalNode("rewired"))
	assert.Equal(t, [][]string{{"added"}}, f.LocalNode("rewired").Wires())

	assert.Equal(t, []bool{false}, oldChanged.Closes(), "changed nodes restart")
	assert.Len(t, types.Built("changed"), 2)
	assert.Equal(t, []bool{true}, oldGone.Closes(), "removed nodes are told so")
	assert.Nil(t, f.LocalNode("gone"))

	inject(f, types, "rewired", message.Message{"payload": 1})
	types.Recorder("added").WaitFor(t, 1, wait)
	settle(t, f)
	assert.Empty(t, types.Recorder("same").Messages())
}

func TestFlow_UpdateLinkedNodeRestarts(t *testing.T) {
	types := newTypes()
	types.RegisterRecorder("config")
	old := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("broker", "config").Prop("host", "a").Build(),
		testutil.NewNode("user", "rec").In("t1").Prop("broker", "broker").Build(),
	)
	f := startFlow(t, "t1", old, types)

	next := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("broker", "config").Prop("host", "b").Build(),
		testutil.NewNode("user", "rec").In("t1").Prop("broker", "broker").Build(),
	)
	require.NoError(t, f.Update(context.Background(), next, nil))
	assert.Len(t, types.Built("user"), 2)
}

func TestFlow_UpdateRefusesMissingTypes(t *testing.T) {
	types := newTypes()
	old := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("a", "rec").In("t1").Prop("v", 1).Build(),
	)
	f := startFlow(t, "t1", old, types)

	next := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("a", "rec").In("t1").Prop("v", 2).Build(),
		testutil.NewNode("b", "mystery").In("t1").Build(),
	)
	err := f.Update(context.Background(), next, nil)
	require.ErrorIs(t, err, errors.ErrMissingTypes)

	assert.Len(t, types.Built("a"), 1, "running nodes stay untouched")
	assert.Equal(t, float64(1), toFloat(f.Scope().Nodes["a"].Props["v"]))
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func TestFlow_UpdateBeforeStart(t *testing.T) {
	types := newTypes()
	old := testutil.Document(t, testutil.Tab("t1"))
	f := flow.New(flow.Options{ID: "t1", Config: old, Types: types})

	next := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("a", "rec").In("t1").Build(),
	)
	require.NoError(t, f.Update(context.Background(), next, nil))
	assert.Nil(t, types.Node("a"))

	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(func() { _ = f.Stop(context.Background(), nil, nil) })
	assert.NotNil(t, f.LocalNode("a"))
}

func TestFlow_StopLists(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("a", "rec").In("t1").Build(),
		testutil.NewNode("b", "rec").In("t1").Build(),
		testutil.NewNode("c", "rec").In("t1").Build(),
	)
	f := startFlow(t, "t1", cfg, types)
	a, b, c := types.Recorder("a"), types.Recorder("b"), types.Recorder("c")

	require.NoError(t, f.Stop(context.Background(), []string{"a", "b"}, []string{"a"}))
	assert.Equal(t, []bool{true}, a.Closes())
	assert.Equal(t, []bool{false}, b.Closes())
	assert.Empty(t, c.Closes())
	assert.Equal(t, []string{"c"}, f.NodeIDs())
	assert.Equal(t, flow.StateStarted, f.State())

	require.NoError(t, f.Stop(context.Background(), nil, nil))
	assert.Equal(t, []bool{false}, c.Closes())
	assert.Equal(t, flow.StateStopped, f.State())
	assert.Equal(t, 0, f.ActiveNodes())

	// stopping twice is harmless
	require.NoError(t, f.Stop(context.Background(), nil, nil))
}

func TestFlow_StopJoinsCloseErrors(t *testing.T) {
	types := newTypes()
	slow := &testutil.SlowCloser{Delay: 20 * time.Millisecond}
	types.Register("bad-close", func(*node.Node, *flowconfig.NodeConfig) (node.Behavior, error) {
		return &testutil.SlowCloser{Err: stderrors.New("close failed")}, nil
	})
	types.Register("slow", func(*node.Node, *flowconfig.NodeConfig) (node.Behavior, error) {
		return slow, nil
	})
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("bad", "bad-close").In("t1").Build(),
		testutil.NewNode("s", "slow").In("t1").Build(),
	)
	f := flow.New(flow.Options{ID: "t1", Config: cfg, Types: types})
	require.NoError(t, f.Start(context.Background()))

	err := f.Stop(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close failed")
	assert.True(t, slow.Closed(), "every node is waited for")
}

func TestFlow_StopDiscardsPendingDeliveries(t *testing.T) {
	types := newTypes()
	async := &testutil.Async{}
	types.Register("async", func(*node.Node, *flowconfig.NodeConfig) (node.Behavior, error) {
		return async, nil
	})
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("a", "async").In("t1").Build(),
	)
	f := flow.New(flow.Options{ID: "t1", Config: cfg, Types: types})
	require.NoError(t, f.Start(context.Background()))

	inject(f, types, "a", message.Message{})
	settle(t, f)
	assert.Equal(t, 1, async.Pending())

	require.NoError(t, f.Stop(context.Background(), nil, nil))
	inject(f, types, "a", message.Message{})
	assert.Equal(t, 1, async.Pending(), "a stopped flow drops deliveries")
	assert.True(t, async.Complete(nil), "late completion must not panic")
}

func TestFlow_Subflow(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.SubflowDef("sf1", []string{"s1"}, []testutil.PortRef{{ID: "s1", Port: 0}}),
		testutil.NewNode("s1", "rec").In("sf1").Prop("forward", true).Build(),
		testutil.NewNode("src", "rec").In("t1").Prop("forward", true).To("i1").Build(),
		testutil.NewNode("i1", "subflow:sf1").In("t1").To("out").Build(),
		testutil.NewNode("out", "rec").In("t1").Build(),
	)
	f := startFlow(t, "t1", cfg, types)

	assert.ElementsMatch(t, []string{"src", "i1", "i1-s1", "out"}, f.NodeIDs())
	inner := f.LocalNode("i1-s1")
	require.NotNil(t, inner)
	assert.Equal(t, "s1", inner.Alias())
	assert.Equal(t, "t1", inner.Z())

	inject(f, types, "src", message.Message{"payload": "through"})
	got := types.Recorder("out").WaitFor(t, 1, wait)
	assert.Equal(t, "through", got[0]["payload"])
	assert.Len(t, types.Recorder("i1-s1").Messages(), 1)
}

func TestFlow_SubflowErrors(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.SubflowDef("inner", []string{"f"}),
		testutil.NewNode("f", "fail").In("inner").Build(),
		testutil.SubflowDef("guarded", []string{"g"}),
		testutil.NewNode("g", "fail").In("guarded").Build(),
		testutil.NewNode("gc", flow.TypeCatch).In("guarded").Build(),
		testutil.NewNode("i1", "subflow:inner").In("t1").Build(),
		testutil.NewNode("i2", "subflow:guarded").In("t1").Build(),
		testutil.NewNode("c", flow.TypeCatch).In("t1").Build(),
	)
	f := startFlow(t, "t1", cfg, types)

	f.Deliver(f.LocalNode("i1"), message.Message{"payload": 1})
	outside := types.Recorder("c").WaitFor(t, 1, wait)
	_, source := errorOf(t, outside[0])
	assert.Equal(t, "i1", source["id"], "errors surface on the instance node")

	f.Deliver(f.LocalNode("i2"), message.Message{"payload": 2})
	inside := types.Recorder("i2-gc").WaitFor(t, 1, wait)
	_, source = errorOf(t, inside[0])
	assert.Equal(t, "i2-g", source["id"])
	settle(t, f)
	assert.Len(t, types.Recorder("c").Messages(), 1, "errors caught inside the subflow stay there")
}

func TestFlow_SubflowRewiredInstanceRestarts(t *testing.T) {
	types := newTypes()
	build := func(target string) *flowconfig.Config {
		return testutil.Document(t,
			testutil.Tab("t1"),
			testutil.SubflowDef("sf1", []string{"s1"}, []testutil.PortRef{{ID: "s1"}}),
			testutil.NewNode("s1", "rec").In("sf1").Prop("forward", true).Build(),
			testutil.NewNode("i1", "subflow:sf1").In("t1").To(target).Build(),
			testutil.NewNode("x", "rec").In("t1").Build(),
			testutil.NewNode("y", "rec").In("t1").Build(),
		)
	}
	old := build("x")
	f := startFlow(t, "t1", old, types)
	first := types.Recorder("i1-s1")

	next := build("y")
	require.NoError(t, f.Update(context.Background(), next, flowconfig.Compute(old, next)))
	assert.Equal(t, []bool{false}, first.Closes())
	assert.Len(t, types.Built("i1-s1"), 2)

	f.Deliver(f.LocalNode("i1"), message.Message{"payload": 1})
	types.Recorder("y").WaitFor(t, 1, wait)
	settle(t, f)
	assert.Empty(t, types.Recorder("x").Messages())
}

func TestFlow_SubflowRemovedClosesInternals(t *testing.T) {
	types := newTypes()
	old := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.SubflowDef("sf1", []string{"s1"}),
		testutil.NewNode("s1", "rec").In("sf1").Build(),
		testutil.NewNode("i1", "subflow:sf1").In("t1").Build(),
	)
	f := startFlow(t, "t1", old, types)
	inner := types.Recorder("i1-s1")

	next := testutil.Document(t, testutil.Tab("t1"))
	require.NoError(t, f.Update(context.Background(), next, nil))
	assert.Equal(t, []bool{true}, inner.Closes())
	assert.Empty(t, f.NodeIDs())
}

func TestFlow_GetNodeLookup(t *testing.T) {
	types := newTypes()
	cfg := testutil.Document(t,
		testutil.Tab("t1"),
		testutil.NewNode("a", "rec").In("t1").Build(),
	)
	remote := node.New(node.Config{Record: testutil.NewNode("far", "rec").Build()})
	f := startFlow(t, "t1", cfg, types, func(o *flow.Options) {
		o.Lookup = func(id string) *node.Node {
			if id == "far" {
				return remote
			}
			return nil
		}
	})

	assert.Same(t, types.Node("a"), f.GetNode("a"))
	assert.Same(t, remote, f.GetNode("far"))
	assert.Nil(t, f.GetNode("nowhere"))
}
