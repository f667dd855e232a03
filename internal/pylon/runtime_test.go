package pylon

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
	"github.com/pylonmesh/pylonmesh/internal/events/bus"
	"github.com/pylonmesh/pylonmesh/internal/persistence"
	"github.com/pylonmesh/pylonmesh/internal/pylon/claude"
	"github.com/pylonmesh/pylonmesh/pkg/entity"
	"github.com/pylonmesh/pylonmesh/pkg/fabric"
)

// recordingBus captures published events synchronously so tests can assert
// on emission order.
type recordingBus struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (b *recordingBus) Publish(_ context.Context, _ string, event *bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) Subscribe(string, bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}
func (b *recordingBus) Close()            {}
func (b *recordingBus) IsConnected() bool { return true }

func (b *recordingBus) typesOf(eventTypes ...string) []string {
	want := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		want[t] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.events {
		if len(want) == 0 || want[e.Type] {
			out = append(out, e.Type)
		}
	}
	return out
}

func (b *recordingBus) find(eventType string) *bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e.Type == eventType {
			return e
		}
	}
	return nil
}

// fakeAdapter runs a scripted stream per query.
type fakeAdapter struct {
	mu       sync.Mutex
	lastOpts claude.Options
	script   func(ctx context.Context, opts claude.Options, out chan<- *claude.Message)
}

func (f *fakeAdapter) Query(ctx context.Context, opts claude.Options) (<-chan *claude.Message, error) {
	f.mu.Lock()
	f.lastOpts = opts
	f.mu.Unlock()

	out := make(chan *claude.Message)
	go func() {
		defer close(out)
		f.script(ctx, opts, out)
	}()
	return out, nil
}

func (f *fakeAdapter) options() claude.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOpts
}

type runtimeFixture struct {
	runtime *Runtime
	store   *WorkspaceStore
	bus     *recordingBus
	adapter *fakeAdapter
	conv    entity.EntityID
}

func newRuntimeFixture(t *testing.T) *runtimeFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	store, err := NewWorkspaceStore(1, persistence.NewStore(t.TempDir(), log), log)
	if err != nil {
		t.Fatalf("NewWorkspaceStore() error = %v", err)
	}
	ws, err := store.AddWorkspace("work", t.TempDir())
	if err != nil {
		t.Fatalf("AddWorkspace() error = %v", err)
	}
	conv, err := store.AddConversation(ws.EntityID, "conv")
	if err != nil {
		t.Fatalf("AddConversation() error = %v", err)
	}

	rb := &recordingBus{}
	adapter := &fakeAdapter{}
	rt := NewRuntime(RuntimeOptions{
		Store:              store,
		Adapter:            adapter,
		Bus:                rb,
		AllowAllRaisesMode: true,
		Logger:             log,
	})
	return &runtimeFixture{runtime: rt, store: store, bus: rb, adapter: adapter, conv: conv.EntityID}
}

func (f *runtimeFixture) send(t *testing.T, message string) {
	t.Helper()
	if err := f.runtime.Send(fabric.ClaudeSendPayload{ConversationID: uint32(f.conv), Message: message}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func (f *runtimeFixture) waitIdle(t *testing.T) {
	t.Helper()
	waitFor(t, func() bool {
		var status Status
		_ = f.store.View(f.conv, func(c *Conversation) error {
			status = c.Status
			return nil
		})
		f.runtime.mu.Lock()
		_, busy := f.runtime.queries[f.conv]
		f.runtime.mu.Unlock()
		return status == StatusIdle && !busy
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestRuntime_StreamTranslation(t *testing.T) {
	f := newRuntimeFixture(t)
	f.adapter.script = func(_ context.Context, _ claude.Options, out chan<- *claude.Message) {
		out <- &claude.Message{Type: claude.MessageTypeSystem, Subtype: claude.SubtypeInit, SessionID: "sess-42"}
		out <- &claude.Message{Type: claude.MessageTypeStreamEvent, Event: &claude.StreamEvent{
			Type:         "content_block_start",
			ContentBlock: &claude.ContentBlock{Type: "tool_use", ID: "toolu_X", Name: "Read", Input: map[string]any{"file_path": "go.mod"}},
		}}
		out <- &claude.Message{Type: claude.MessageTypeStreamEvent, Event: &claude.StreamEvent{
			Type: "content_block_delta", Delta: &claude.Delta{Type: "text_delta", Text: "Hello, "},
		}}
		out <- &claude.Message{Type: claude.MessageTypeStreamEvent, Event: &claude.StreamEvent{
			Type: "content_block_delta", Delta: &claude.Delta{Type: "text_delta", Text: "world"},
		}}
		out <- &claude.Message{Type: claude.MessageTypeUser, Message: &claude.ChatMessage{
			Role:    "user",
			Content: []claude.ContentBlock{{Type: "tool_result", ToolUseID: "toolu_X", Content: "module pylonmesh"}},
		}}
		out <- &claude.Message{Type: claude.MessageTypeAssistant, Message: &claude.ChatMessage{Role: "assistant"}}
		out <- &claude.Message{Type: claude.MessageTypeResult, DurationMS: 1234, Usage: &claude.Usage{
			InputTokens: 10, OutputTokens: 20, CacheReadInputTokens: 5,
		}}
	}

	f.send(t, "hi")
	f.waitIdle(t)

	var kinds []string
	var sessionID string
	var assistantText string
	var stats *fabric.ResultStats
	_ = f.store.View(f.conv, func(c *Conversation) error {
		sessionID = c.SDKSessionID
		for _, e := range c.Log {
			kinds = append(kinds, e.Kind)
			if e.Kind == fabric.EntryText && e.Role == fabric.RoleAssistant {
				assistantText = e.Text
			}
			if e.Kind == fabric.EntryResult {
				stats = e.Result
			}
		}
		if c.BufferedText() != "" {
			t.Error("textBuffer not empty while idle")
		}
		return nil
	})

	if sessionID != "sess-42" {
		t.Errorf("sdkSessionId = %q, want sess-42", sessionID)
	}
	want := []string{fabric.EntryText, fabric.EntryToolStart, fabric.EntryToolComplete, fabric.EntryText, fabric.EntryResult}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("log kinds = %v, want %v", kinds, want)
	}
	if assistantText != "Hello, world" {
		t.Errorf("assistant text = %q, want concatenated deltas", assistantText)
	}
	if stats == nil || stats.DurationMs != 1234 || stats.InputTokens != 10 || stats.OutputTokens != 20 || stats.CacheReadTokens != 5 {
		t.Errorf("result stats = %+v", stats)
	}

	// Tool-context monotonicity: the tool_start registration precedes the
	// tool_complete and remains resolvable.
	if ctx, ok := f.runtime.ToolContext().Get("toolu_X"); !ok || ctx.EntityID != f.conv {
		t.Errorf("tool context missing: %+v", ctx)
	}

	if f.bus.find(bus.EventSessionStart) == nil {
		t.Error("sessionStart not emitted")
	}
	deltas := f.bus.typesOf(bus.EventTextDelta)
	if len(deltas) != 2 {
		t.Errorf("textDelta events = %d, want 2", len(deltas))
	}
}

func TestRuntime_CompactSequence(t *testing.T) {
	f := newRuntimeFixture(t)
	f.adapter.script = func(_ context.Context, _ claude.Options, out chan<- *claude.Message) {
		out <- &claude.Message{Type: claude.MessageTypeSystem, Subtype: claude.SubtypeStatus, Status: "compacting"}
		out <- &claude.Message{Type: claude.MessageTypeSystem, Subtype: claude.SubtypeCompactBoundary,
			CompactMetadata: &claude.CompactMetadata{Trigger: "auto", PreTokens: 168833}}
		out <- &claude.Message{Type: claude.MessageTypeResult}
	}

	f.send(t, "/compact")
	f.waitIdle(t)

	got := f.bus.typesOf(bus.EventCompactStart, bus.EventCompactComplete)
	if len(got) != 2 || got[0] != bus.EventCompactStart || got[1] != bus.EventCompactComplete {
		t.Fatalf("compact events = %v, want [compactStart compactComplete]", got)
	}

	complete := f.bus.find(bus.EventCompactComplete)
	if complete.Data["trigger"] != "auto" {
		t.Errorf("trigger = %v, want auto", complete.Data["trigger"])
	}
	if tokens, ok := complete.Data["preTokens"].(int64); !ok || tokens != 168833 {
		t.Errorf("preTokens = %v, want 168833", complete.Data["preTokens"])
	}
}

func TestRuntime_AskThenAllow(t *testing.T) {
	f := newRuntimeFixture(t)
	results := make(chan claude.PermissionResult, 1)
	f.adapter.script = func(ctx context.Context, opts claude.Options, out chan<- *claude.Message) {
		out <- &claude.Message{Type: claude.MessageTypeSystem, Subtype: claude.SubtypeInit, SessionID: "s"}
		res, err := opts.CanUseTool(ctx, "Edit", map[string]any{
			"file_path":   "src/main.ts",
			"tool_use_id": "toolu_01",
		})
		if err == nil {
			results <- res
		}
		out <- &claude.Message{Type: claude.MessageTypeResult}
	}

	f.send(t, "edit the file")

	// The ask parks a pending request and flips status to permission.
	waitFor(t, func() bool {
		var pending bool
		_ = f.store.View(f.conv, func(c *Conversation) error {
			pending = len(c.Pending) == 1 && c.Status == StatusPermission
			return nil
		})
		return pending
	})
	_ = f.store.View(f.conv, func(c *Conversation) error {
		req := c.Pending[0]
		if req.Kind != RequestKindPermission || req.ToolUseID != "toolu_01" || req.ToolName != "Edit" {
			t.Errorf("pending request = %+v", req)
		}
		return nil
	})
	if f.bus.find(bus.EventPermissionRequested) == nil {
		t.Error("permissionRequested not emitted")
	}

	if err := f.runtime.AnswerPermission(fabric.ClaudePermissionPayload{
		ConversationID: uint32(f.conv), ToolUseID: "toolu_01", Decision: fabric.DecisionAllow,
	}); err != nil {
		t.Fatalf("AnswerPermission() error = %v", err)
	}

	res := <-results
	if res.Behavior != claude.BehaviorAllow {
		t.Errorf("callback resolved to %q, want allow", res.Behavior)
	}

	_ = f.store.View(f.conv, func(c *Conversation) error {
		if len(c.Pending) != 0 {
			t.Errorf("pending requests not removed: %+v", c.Pending)
		}
		return nil
	})
	f.waitIdle(t)
}

func TestRuntime_AutoDenyCreatesNoPending(t *testing.T) {
	f := newRuntimeFixture(t)
	results := make(chan claude.PermissionResult, 1)
	f.adapter.script = func(ctx context.Context, opts claude.Options, out chan<- *claude.Message) {
		res, err := opts.CanUseTool(ctx, "Write", map[string]any{"file_path": ".env.local"})
		if err == nil {
			results <- res
		}
		out <- &claude.Message{Type: claude.MessageTypeResult}
	}

	f.send(t, "write secrets")
	res := <-results
	f.waitIdle(t)

	if res.Behavior != claude.BehaviorDeny || !strings.Contains(res.Message, "Protected file") {
		t.Errorf("auto-deny result = %+v", res)
	}
	_ = f.store.View(f.conv, func(c *Conversation) error {
		if len(c.Pending) != 0 {
			t.Error("auto-deny created a pending request")
		}
		return nil
	})
	if f.bus.find(bus.EventPermissionRequested) != nil {
		t.Error("auto-deny emitted permissionRequested")
	}
}

func TestRuntime_AllowAllRaisesMode(t *testing.T) {
	f := newRuntimeFixture(t)
	results := make(chan claude.PermissionResult, 1)
	f.adapter.script = func(ctx context.Context, opts claude.Options, out chan<- *claude.Message) {
		res, err := opts.CanUseTool(ctx, "Bash", map[string]any{
			"command":     "go build ./...",
			"tool_use_id": "toolu_02",
		})
		if err == nil {
			results <- res
		}
		out <- &claude.Message{Type: claude.MessageTypeResult}
	}

	f.send(t, "build it")
	waitFor(t, func() bool {
		var pending bool
		_ = f.store.View(f.conv, func(c *Conversation) error {
			pending = len(c.Pending) == 1
			return nil
		})
		return pending
	})

	if err := f.runtime.AnswerPermission(fabric.ClaudePermissionPayload{
		ConversationID: uint32(f.conv), ToolUseID: "toolu_02", Decision: fabric.DecisionAllowAll,
	}); err != nil {
		t.Fatalf("AnswerPermission() error = %v", err)
	}

	res := <-results
	if res.Behavior != claude.BehaviorAllow {
		t.Errorf("allowAll resolved to %q", res.Behavior)
	}
	f.waitIdle(t)

	_ = f.store.View(f.conv, func(c *Conversation) error {
		if c.PermissionMode != fabric.ModeAcceptEdits {
			t.Errorf("permissionMode = %q, want acceptEdits after allowAll", c.PermissionMode)
		}
		return nil
	})
}

func TestRuntime_QuestionAnswerLogged(t *testing.T) {
	f := newRuntimeFixture(t)
	results := make(chan claude.PermissionResult, 1)
	f.adapter.script = func(ctx context.Context, opts claude.Options, out chan<- *claude.Message) {
		res, err := opts.CanUseTool(ctx, "AskUserQuestion", map[string]any{
			"tool_use_id": "toolu_q1",
			"questions":   []any{"Ship now or wait?"},
		})
		if err == nil {
			results <- res
		}
		out <- &claude.Message{Type: claude.MessageTypeResult}
	}

	f.send(t, "decide")
	waitFor(t, func() bool {
		var pending bool
		_ = f.store.View(f.conv, func(c *Conversation) error {
			pending = len(c.Pending) == 1 && c.Pending[0].Kind == RequestKindQuestion
			return nil
		})
		return pending
	})
	if f.bus.find(bus.EventQuestionRequested) == nil {
		t.Error("questionRequested not emitted")
	}

	if err := f.runtime.AnswerQuestion(fabric.ClaudeAnswerPayload{
		ConversationID: uint32(f.conv), ToolUseID: "toolu_q1", Answer: "Ship now",
	}); err != nil {
		t.Fatalf("AnswerQuestion() error = %v", err)
	}

	res := <-results
	if res.Behavior != claude.BehaviorAllow || res.UpdatedInput["answer"] != "Ship now" {
		t.Errorf("callback resolved to %+v", res)
	}
	f.waitIdle(t)

	// The answer is part of the durable log.
	_ = f.store.View(f.conv, func(c *Conversation) error {
		var entry *fabric.LogEntry
		for i := range c.Log {
			if c.Log[i].Kind == fabric.EntryUserResponse {
				entry = &c.Log[i]
			}
		}
		if entry == nil {
			t.Fatal("no user_response entry in log")
		}
		if entry.Text != "Ship now" || entry.Role != fabric.RoleUser || entry.ToolUseID != "toolu_q1" {
			t.Errorf("user_response entry = %+v", entry)
		}
		return nil
	})
}

func TestRuntime_StopAbortsStartedQuery(t *testing.T) {
	f := newRuntimeFixture(t)
	started := make(chan struct{})
	f.adapter.script = func(ctx context.Context, _ claude.Options, out chan<- *claude.Message) {
		out <- &claude.Message{Type: claude.MessageTypeSystem, Subtype: claude.SubtypeInit, SessionID: "s"}
		close(started)
		<-ctx.Done()
	}

	f.send(t, "long task")
	<-started
	f.runtime.Stop(f.conv)
	f.waitIdle(t)

	aborted := false
	_ = f.store.View(f.conv, func(c *Conversation) error {
		for _, e := range c.Log {
			if e.Kind == fabric.EntryAborted {
				aborted = true
			}
			if e.Kind == fabric.EntryResult {
				t.Error("cancelled query produced a result entry")
			}
		}
		return nil
	})
	if !aborted {
		t.Error("no aborted entry after stop on a started query")
	}
}

func TestRuntime_RejectsConcurrentQuery(t *testing.T) {
	f := newRuntimeFixture(t)
	release := make(chan struct{})
	f.adapter.script = func(ctx context.Context, _ claude.Options, out chan<- *claude.Message) {
		out <- &claude.Message{Type: claude.MessageTypeSystem, Subtype: claude.SubtypeInit, SessionID: "s"}
		select {
		case <-release:
		case <-ctx.Done():
		}
		out <- &claude.Message{Type: claude.MessageTypeResult}
	}

	f.send(t, "first")
	err := f.runtime.Send(fabric.ClaudeSendPayload{ConversationID: uint32(f.conv), Message: "second"})
	if err == nil {
		t.Error("second Send() accepted while a query was in flight")
	}
	close(release)
	f.waitIdle(t)
}

func TestRuntime_NewSessionAndClear(t *testing.T) {
	f := newRuntimeFixture(t)
	f.adapter.script = func(_ context.Context, _ claude.Options, out chan<- *claude.Message) {
		out <- &claude.Message{Type: claude.MessageTypeSystem, Subtype: claude.SubtypeInit, SessionID: "sess-1"}
		out <- &claude.Message{Type: claude.MessageTypeResult}
	}
	f.send(t, "hello")
	f.waitIdle(t)

	if err := f.runtime.NewSession(f.conv); err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	_ = f.store.View(f.conv, func(c *Conversation) error {
		if c.SDKSessionID != "" {
			t.Error("sdkSessionId survived new_session")
		}
		if len(c.Log) == 0 {
			t.Error("message log not preserved across new_session")
		}
		return nil
	})

	// The next send starts fresh: no resume.
	f.send(t, "again")
	f.waitIdle(t)
	if f.adapter.options().Resume != "" {
		t.Errorf("resume = %q after new_session, want empty", f.adapter.options().Resume)
	}

	if err := f.runtime.Clear(f.conv); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	_ = f.store.View(f.conv, func(c *Conversation) error {
		if len(c.Log) != 0 {
			t.Errorf("log length after clear = %d, want 0", len(c.Log))
		}
		return nil
	})
}

func TestRuntime_ResumeCarriesSessionID(t *testing.T) {
	f := newRuntimeFixture(t)
	f.adapter.script = func(_ context.Context, _ claude.Options, out chan<- *claude.Message) {
		out <- &claude.Message{Type: claude.MessageTypeSystem, Subtype: claude.SubtypeInit, SessionID: "sess-9"}
		out <- &claude.Message{Type: claude.MessageTypeResult}
	}

	f.send(t, "first")
	f.waitIdle(t)
	f.send(t, "second")
	f.waitIdle(t)

	if got := f.adapter.options().Resume; got != "sess-9" {
		t.Errorf("resume = %q, want sess-9", got)
	}
}

func TestRuntime_AdapterErrorSettlesIdle(t *testing.T) {
	f := newRuntimeFixture(t)
	f.adapter.script = func(_ context.Context, _ claude.Options, out chan<- *claude.Message) {
		out <- &claude.Message{Type: claude.MessageTypeSystem, Subtype: claude.SubtypeInit, SessionID: "s"}
		out <- &claude.Message{Err: "backend exploded"}
	}

	f.send(t, "boom")
	f.waitIdle(t)

	var sawError bool
	_ = f.store.View(f.conv, func(c *Conversation) error {
		for _, e := range c.Log {
			if e.Kind == fabric.EntryError && e.Text == "backend exploded" {
				sawError = true
			}
		}
		return nil
	})
	if !sawError {
		t.Error("no error entry after adapter failure")
	}
	if f.bus.find(bus.EventError) == nil {
		t.Error("error event not emitted")
	}
}
