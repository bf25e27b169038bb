package testutil

import (
	"context"
	"sync"

	flowengine "github.com/c360/semflow/engine"
	"github.com/c360/semflow/flow"
	"github.com/c360/semflow/flowconfig"
)

// FlowCall is one lifecycle call the engine made on a flow
type FlowCall struct {
	Flow string
	Op   string // start, update or stop
}

// FlowRecorder builds real flows and records the lifecycle calls made on
// them. Pass Factory as the engine's FlowFactory.
type FlowRecorder struct {
	mu    sync.Mutex
	calls []FlowCall
}

// Factory implements flowengine.FlowFactory
func (r *FlowRecorder) Factory(opts flow.Options) flowengine.FlowRunner {
	return &recordingFlow{Flow: flow.New(opts), rec: r}
}

// Calls returns the calls made so far in order
func (r *FlowRecorder) Calls() []FlowCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FlowCall(nil), r.calls...)
}

// Ops returns the operations made on flow id in order
func (r *FlowRecorder) Ops(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if c.Flow == id {
			out = append(out, c.Op)
		}
	}
	return out
}

// Reset forgets the recorded calls
func (r *FlowRecorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

// Mark records a call with no flow, used to delimit calls in a test
func (r *FlowRecorder) Mark(op string) {
	r.record("", op)
}

func (r *FlowRecorder) record(id, op string) {
	r.mu.Lock()
	r.calls = append(r.calls, FlowCall{Flow: id, Op: op})
	r.mu.Unlock()
}

// recordingFlow embeds the real flow so routing and lookups keep working
type recordingFlow struct {
	*flow.Flow
	rec *FlowRecorder
}

func (f *recordingFlow) Start(ctx context.Context) error {
	f.rec.record(f.ID(), "start")
	return f.Flow.Start(ctx)
}

func (f *recordingFlow) Update(ctx context.Context, cfg *flowconfig.Config, diff *flowconfig.Diff) error {
	f.rec.record(f.ID(), "update")
	return f.Flow.Update(ctx, cfg, diff)
}

func (f *recordingFlow) Stop(ctx context.Context, stopList, removedList []string) error {
	f.rec.record(f.ID(), "stop")
	return f.Flow.Stop(ctx, stopList, removedList)
}
