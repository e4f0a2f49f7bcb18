package orchestrator

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/munlucky/moonbot/internal/approvals"
	"github.com/munlucky/moonbot/internal/bus"
	"github.com/munlucky/moonbot/internal/queue"
	"github.com/munlucky/moonbot/internal/sessions"
	"github.com/munlucky/moonbot/internal/tools"
	"github.com/munlucky/moonbot/pkg/protocol"
)

type stubTool struct {
	name string
	fn   func(ctx context.Context, args map[string]interface{}) *tools.Result
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return s.fn(ctx, args)
}

type gatedStub struct{ stubTool }

func (g *gatedStub) Decide(args map[string]interface{}) tools.GateDecision {
	return tools.GateAsk
}

type stepsPlanner struct{ steps []Step }

func (p stepsPlanner) Plan(ctx context.Context, msg Message) ([]Step, error) {
	return p.steps, nil
}

func newTestOrch(t *testing.T, planner Planner, opts Options, toolList ...tools.Tool) (*Orchestrator, *approvals.Manager, *bus.MessageBus) {
	t.Helper()
	store, err := approvals.NewStore(filepath.Join(t.TempDir(), "pending-approvals.json"))
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	t.Cleanup(b.Close)
	mgr := approvals.NewManager(store, b, time.Minute)

	reg := tools.NewRegistry()
	for _, tool := range toolList {
		if err := reg.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	rt := tools.NewRuntime(reg, mgr, tools.RuntimeConfig{Timeout: 5 * time.Second})
	sess := sessions.NewManager("", 50)

	o := New(rt, mgr, sess, b, planner, opts)
	t.Cleanup(o.Shutdown)
	return o, mgr, b
}

func waitState(t *testing.T, o *Orchestrator, id, want string) Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := o.GetTask(id)
		if err != nil {
			t.Fatal(err)
		}
		if task.State == want {
			return task
		}
		if terminal(task.State) && task.State != want {
			t.Fatalf("task reached %s (error: %+v), want %s", task.State, task.Error, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task never reached %s", want)
	return Task{}
}

func TestHappyPath(t *testing.T) {
	lister := &stubTool{name: "fs.list", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		return tools.NewResult("README.md\nmain.go")
	}}
	o, _, b := newTestOrch(t, nil, Options{}, lister)

	responses := make(chan map[string]any, 4)
	b.Subscribe("test", func(ev bus.Event) {
		if ev.Name == protocol.EventChatResponse {
			responses <- ev.Payload.(map[string]any)
		}
	})

	resp, err := o.CreateTask(Message{ChannelID: "c1", UserID: "u1", Text: "/ls"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "pending" || resp.TaskID == "" {
		t.Fatalf("resp = %+v", resp)
	}

	task := waitState(t, o, resp.TaskID, StateDone)
	if task.Result != "README.md\nmain.go" {
		t.Errorf("result = %q", task.Result)
	}

	select {
	case payload := <-responses:
		if payload["taskId"] != resp.TaskID || payload["status"] != "success" || payload["channelId"] != "c1" {
			t.Errorf("payload = %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no chat.response delivered")
	}
}

func TestPlainTextEchoes(t *testing.T) {
	o, _, _ := newTestOrch(t, nil, Options{})
	resp, err := o.CreateTask(Message{ChannelID: "c1", UserID: "u1", Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	task := waitState(t, o, resp.TaskID, StateDone)
	if task.Result != "hello" {
		t.Errorf("result = %q", task.Result)
	}
}

func TestQueueFullSurfaces(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	blocker := &stubTool{name: "fs.list", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return tools.NewResult("done")
	}}
	o, _, _ := newTestOrch(t, nil, Options{QueueDepth: 1, Workers: 1}, blocker)

	// First task occupies the channel slot, second fills the backlog.
	if _, err := o.CreateTask(Message{ChannelID: "c1", UserID: "u1", Text: "/ls"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := o.CreateTask(Message{ChannelID: "c1", UserID: "u1", Text: "/ls"}); err != nil {
		t.Fatal(err)
	}

	if _, err := o.CreateTask(Message{ChannelID: "c1", UserID: "u1", Text: "/ls"}); err != queue.ErrQueueFull {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}

func TestAbortRunning(t *testing.T) {
	started := make(chan struct{})
	blocker := &stubTool{name: "fs.list", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		close(started)
		<-ctx.Done()
		return tools.ErrorResult("cancelled")
	}}
	o, _, _ := newTestOrch(t, nil, Options{}, blocker)

	resp, err := o.CreateTask(Message{ChannelID: "c1", UserID: "u1", Text: "/ls"})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if err := o.AbortTask(resp.TaskID); err != nil {
		t.Fatal(err)
	}

	task := waitState(t, o, resp.TaskID, StateAborted)
	if task.Error == nil || task.Error.Code != protocol.CodeAbortedByUser {
		t.Errorf("error = %+v", task.Error)
	}
}

func TestAbortPending(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	blocker := &stubTool{name: "fs.list", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return tools.NewResult("done")
	}}
	o, _, _ := newTestOrch(t, nil, Options{Workers: 1}, blocker)

	first, _ := o.CreateTask(Message{ChannelID: "c1", UserID: "u1", Text: "/ls"})
	time.Sleep(50 * time.Millisecond)
	second, _ := o.CreateTask(Message{ChannelID: "c1", UserID: "u1", Text: "/ls"})

	if err := o.AbortTask(second.TaskID); err != nil {
		t.Fatal(err)
	}
	task := waitState(t, o, second.TaskID, StateAborted)
	if task.Error == nil || task.Error.Code != protocol.CodeAbortedByUser {
		t.Errorf("error = %+v", task.Error)
	}
	_ = first
}

func TestApprovalApproveResumes(t *testing.T) {
	gated := &gatedStub{stubTool{name: "system.run", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		return tools.NewResult("ran it")
	}}}
	o, mgr, b := newTestOrch(t, nil, Options{}, gated)

	requested := make(chan approvals.Request, 1)
	b.Subscribe("test", func(ev bus.Event) {
		if ev.Name == protocol.EventApprovalRequested {
			requested <- ev.Payload.(approvals.Request)
		}
	})

	resp, err := o.CreateTask(Message{ChannelID: "c1", UserID: "u1", Text: "/run git status"})
	if err != nil {
		t.Fatal(err)
	}

	var req approvals.Request
	select {
	case req = <-requested:
	case <-time.After(2 * time.Second):
		t.Fatal("no approval.requested event")
	}

	got, _ := o.GetTask(resp.TaskID)
	if got.State != StateAwaitingApproval {
		t.Errorf("state = %s, want awaiting approval", got.State)
	}

	if err := o.GrantApproval(req.ID, true, "admin"); err != nil {
		t.Fatal(err)
	}
	task := waitState(t, o, resp.TaskID, StateDone)
	if task.Result != "ran it" {
		t.Errorf("result = %q", task.Result)
	}
	_ = mgr
}

func TestApprovalRejectedFails(t *testing.T) {
	gated := &gatedStub{stubTool{name: "system.run", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		return tools.NewResult("should not run")
	}}}
	o, _, b := newTestOrch(t, nil, Options{}, gated)

	requested := make(chan approvals.Request, 1)
	b.Subscribe("test", func(ev bus.Event) {
		if ev.Name == protocol.EventApprovalRequested {
			requested <- ev.Payload.(approvals.Request)
		}
	})

	resp, _ := o.CreateTask(Message{ChannelID: "c1", UserID: "u1", Text: "/run make"})
	req := <-requested
	if err := o.GrantApproval(req.ID, false, "admin"); err != nil {
		t.Fatal(err)
	}

	task := waitState(t, o, resp.TaskID, StateFailed)
	if task.Error == nil || task.Error.Code != protocol.CodeApprovalDenied {
		t.Errorf("error = %+v", task.Error)
	}
}

func TestRetryBudgetThenFail(t *testing.T) {
	var calls int64
	flaky := &stubTool{name: "flaky", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		atomic.AddInt64(&calls, 1)
		return tools.CodedError(protocol.CodeTimeout, "deadline exceeded")
	}}
	planner := stepsPlanner{steps: []Step{{ID: "s1", Description: "flaky step", ToolID: "flaky"}}}
	o, _, _ := newTestOrch(t, planner, Options{}, flaky)

	resp, _ := o.CreateTask(Message{ChannelID: "c1", UserID: "u1", Text: "x"})
	task := waitState(t, o, resp.TaskID, StateFailed)
	if task.Error == nil || task.Error.Code != protocol.CodeTimeout {
		t.Errorf("error = %+v", task.Error)
	}
	if n := atomic.LoadInt64(&calls); n != 1+maxStepRetries {
		t.Errorf("calls = %d, want %d", n, 1+maxStepRetries)
	}

	// Every replanner decision lands in the recovery log: the retries, then
	// the abort that ends the step.
	if len(task.Recovery) != maxStepRetries+1 {
		t.Fatalf("recovery records = %d, want %d", len(task.Recovery), maxStepRetries+1)
	}
	for i, rec := range task.Recovery {
		if rec.TaskID != task.ID || rec.StepID != "s1" || rec.Class != ClassTimeout {
			t.Errorf("record %d = %+v", i, rec)
		}
		want := DirectiveRetry
		if i == len(task.Recovery)-1 {
			want = DirectiveAbort
		}
		if rec.Directive != want {
			t.Errorf("record %d directive = %s, want %s", i, rec.Directive, want)
		}
	}
}

func TestAlternativeToolUsed(t *testing.T) {
	broken := &stubTool{name: "primary", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		return tools.CodedError(protocol.CodeNotFound, "missing resource")
	}}
	backup := &stubTool{name: "backup", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		return tools.NewResult("recovered")
	}}
	planner := stepsPlanner{steps: []Step{{ID: "s1", Description: "step", ToolID: "primary"}}}
	opts := Options{Alternatives: map[string][]string{"primary": {"backup"}}}
	o, _, _ := newTestOrch(t, planner, opts, broken, backup)

	resp, _ := o.CreateTask(Message{ChannelID: "c1", UserID: "u1", Text: "x"})
	task := waitState(t, o, resp.TaskID, StateDone)
	if task.Result != "recovered" {
		t.Errorf("result = %q", task.Result)
	}
	if len(task.Recovery) != 1 || task.Recovery[0].Directive != DirectiveUseAlternative {
		t.Errorf("recovery = %+v, want one USE_ALTERNATIVE record", task.Recovery)
	}
}

func TestMultiStepSequential(t *testing.T) {
	var order []string
	mk := func(name string) *stubTool {
		return &stubTool{name: name, fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
			order = append(order, name) // single worker channel, no race
			return tools.NewResult(name + " done")
		}}
	}
	planner := stepsPlanner{steps: []Step{
		{ID: "s1", ToolID: "one"},
		{ID: "s2", ToolID: "two", DependsOn: []string{"s1"}},
		{ID: "s3", ToolID: "three", DependsOn: []string{"s2"}},
	}}
	o, _, _ := newTestOrch(t, planner, Options{}, mk("one"), mk("two"), mk("three"))

	resp, _ := o.CreateTask(Message{ChannelID: "c1", UserID: "u1", Text: "x"})
	task := waitState(t, o, resp.TaskID, StateDone)
	if task.Result != "three done" {
		t.Errorf("result = %q", task.Result)
	}
	if len(order) != 3 || order[0] != "one" || order[1] != "two" || order[2] != "three" {
		t.Errorf("order = %v", order)
	}
}

func TestValidationFailureNoRetry(t *testing.T) {
	var calls int64
	tool := &stubTool{name: "strict", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		atomic.AddInt64(&calls, 1)
		return tools.CodedError(protocol.CodeValidationError, "bad input")
	}}
	planner := stepsPlanner{steps: []Step{{ID: "s1", ToolID: "strict"}}}
	o, _, _ := newTestOrch(t, planner, Options{}, tool)

	resp, _ := o.CreateTask(Message{ChannelID: "c1", UserID: "u1", Text: "x"})
	waitState(t, o, resp.TaskID, StateFailed)
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", n)
	}
}
