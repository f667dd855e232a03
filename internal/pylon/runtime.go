package pylon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
	"github.com/pylonmesh/pylonmesh/internal/events/bus"
	"github.com/pylonmesh/pylonmesh/internal/pylon/claude"
	"github.com/pylonmesh/pylonmesh/pkg/entity"
	"github.com/pylonmesh/pylonmesh/pkg/fabric"
)

var requestSeq atomic.Uint64

func nextRequestSeq() uint64 { return requestSeq.Add(1) }

// FileSystem is the capability used to read prompt and linked-document files.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
}

// MCPServerLoader enumerates the tool-server configs for a workspace
// directory; the adapter consumes them opaquely.
type MCPServerLoader func(workspacePath string) map[string]claude.MCPServerConfig

// query tracks one in-flight adapter stream.
type query struct {
	cancel    context.CancelFunc
	done      chan struct{}
	started   bool
	sawResult bool
}

// Runtime drives the AI backend for every conversation on this pylon: one
// stream reader per conversation translates backend messages into log entries
// and bus events. At most one query is in flight per conversation.
type Runtime struct {
	store      *WorkspaceStore
	adapter    claude.Adapter
	bus        bus.EventBus
	toolCtx    *ToolContextMap
	fs         FileSystem
	loadMCP    MCPServerLoader
	shareStore *ShareStore

	allowAllRaisesMode bool

	mu      sync.Mutex
	queries map[entity.EntityID]*query
	waiters map[string]chan answer

	logger *logger.Logger
}

// RuntimeOptions bundles the runtime's collaborators.
type RuntimeOptions struct {
	Store              *WorkspaceStore
	Adapter            claude.Adapter
	Bus                bus.EventBus
	ToolContext        *ToolContextMap
	FileSystem         FileSystem
	MCPServers         MCPServerLoader
	Shares             *ShareStore
	AllowAllRaisesMode bool
	Logger             *logger.Logger
}

// NewRuntime creates the workstation runtime.
func NewRuntime(opts RuntimeOptions) *Runtime {
	toolCtx := opts.ToolContext
	if toolCtx == nil {
		toolCtx = NewToolContextMap()
	}
	return &Runtime{
		store:              opts.Store,
		adapter:            opts.Adapter,
		bus:                opts.Bus,
		toolCtx:            toolCtx,
		fs:                 opts.FileSystem,
		loadMCP:            opts.MCPServers,
		shareStore:         opts.Shares,
		allowAllRaisesMode: opts.AllowAllRaisesMode,
		queries:            make(map[entity.EntityID]*query),
		waiters:            make(map[string]chan answer),
		logger:             opts.Logger.WithFields(zap.String("component", "pylon_runtime")),
	}
}

// ToolContext exposes the tool-use map for the beacon integration.
func (r *Runtime) ToolContext() *ToolContextMap { return r.toolCtx }

// Send starts a query for a conversation. The prompt is appended to the log
// as a user entry; the stream is consumed by a dedicated goroutine.
func (r *Runtime) Send(p fabric.ClaudeSendPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	id := entity.EntityID(p.ConversationID)

	r.mu.Lock()
	if _, busy := r.queries[id]; busy {
		r.mu.Unlock()
		return fmt.Errorf("conversation %s already has a query in flight", id)
	}
	// Reserve the slot before releasing the lock.
	q := &query{done: make(chan struct{})}
	r.queries[id] = q
	r.mu.Unlock()

	opts := claude.Options{
		Prompt:         p.Message,
		SettingSources: claude.DefaultSettingSources,
		CanUseTool:     r.canUseToolFunc(id),
	}

	err := r.store.Update(id, func(c *Conversation) error {
		c.Append(fabric.LogEntry{
			ID:        uuid.New().String(),
			Kind:      fabric.EntryText,
			Role:      fabric.RoleUser,
			Timestamp: time.Now().UnixMilli(),
			Text:      p.Message,
		})
		for _, blobID := range p.Attachments {
			c.Append(fabric.LogEntry{
				ID:        uuid.New().String(),
				Kind:      fabric.EntryFileAttachment,
				Role:      fabric.RoleUser,
				Timestamp: time.Now().UnixMilli(),
				BlobID:    blobID,
			})
		}
		c.WorkStartTime = time.Now().UnixMilli()
		c.Usage = RealtimeUsage{}
		opts.Resume = c.SDKSessionID
		opts.CustomSystemPrompt = c.CustomSystemPrompt
		opts.PermissionMode = c.PermissionMode
		return nil
	})
	if err != nil {
		r.dropQuery(id)
		return err
	}

	if r.loadMCP != nil {
		if path := r.workspacePathOf(id); path != "" {
			opts.Cwd = path
			opts.MCPServers = r.loadMCP(path)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	stream, err := r.adapter.Query(ctx, opts)
	if err != nil {
		cancel()
		r.dropQuery(id)
		r.appendError(id, err.Error())
		return fmt.Errorf("start query: %w", err)
	}

	go r.consume(ctx, id, q, stream)
	return nil
}

// Stop cancels the in-flight query for a conversation, if any.
func (r *Runtime) Stop(id entity.EntityID) {
	r.mu.Lock()
	q, ok := r.queries[id]
	r.mu.Unlock()
	if !ok || q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
}

// Shutdown cancels every in-flight query.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	var pending []*query
	for _, q := range r.queries {
		if q.cancel != nil {
			q.cancel()
			pending = append(pending, q)
		}
	}
	r.mu.Unlock()
	for _, q := range pending {
		<-q.done
	}
}

func (r *Runtime) dropQuery(id entity.EntityID) {
	r.mu.Lock()
	delete(r.queries, id)
	r.mu.Unlock()
}

// consume is the single reader of one adapter stream. It owns every status
// transition for its conversation while the query runs.
func (r *Runtime) consume(ctx context.Context, id entity.EntityID, q *query, stream <-chan *claude.Message) {
	defer close(q.done)
	defer r.dropQuery(id)

	for msg := range stream {
		q.started = true
		r.handleMessage(id, q, msg)
	}

	if q.sawResult {
		return
	}
	// The stream ended without a result: a cancellation after the stream
	// started leaves an aborted marker; anything else just settles to idle.
	if ctx.Err() != nil && q.started {
		_ = r.store.Update(id, func(c *Conversation) error {
			c.Append(fabric.LogEntry{
				ID:        uuid.New().String(),
				Kind:      fabric.EntryAborted,
				Role:      fabric.RoleSystem,
				Timestamp: time.Now().UnixMilli(),
			})
			return nil
		})
	}
	r.setStatus(id, StatusIdle)
}

// handleMessage applies one backend message to conversation state and emits
// the corresponding events.
func (r *Runtime) handleMessage(id entity.EntityID, q *query, msg *claude.Message) {
	switch msg.Type {
	case claude.MessageTypeSystem:
		r.handleSystem(id, msg)

	case claude.MessageTypeStreamEvent:
		r.handleStreamEvent(id, msg.Event)

	case claude.MessageTypeAssistant:
		r.finalizeAssistant(id, msg.Message)

	case claude.MessageTypeUser:
		r.handleToolResults(id, msg.Message)

	case claude.MessageTypeResult:
		q.sawResult = true
		r.handleResult(id, msg)

	default:
		if msg.Err != "" {
			r.appendError(id, msg.Err)
			r.setStatus(id, StatusIdle)
			r.emit(id, bus.EventError, map[string]any{"error": msg.Err})
		}
	}
}

func (r *Runtime) handleSystem(id entity.EntityID, msg *claude.Message) {
	switch msg.Subtype {
	case claude.SubtypeInit:
		_ = r.store.Update(id, func(c *Conversation) error {
			c.SDKSessionID = msg.SessionID
			return nil
		})
		r.setStatus(id, StatusWorking)
		r.emit(id, bus.EventSessionStart, map[string]any{"sessionId": msg.SessionID})

	case claude.SubtypeStatus:
		if msg.Status == "compacting" {
			r.emit(id, bus.EventCompactStart, nil)
		}

	case claude.SubtypeCompactBoundary:
		data := map[string]any{}
		if md := msg.CompactMetadata; md != nil {
			if md.Trigger != "" {
				data["trigger"] = md.Trigger
			}
			if md.PreTokens > 0 {
				data["preTokens"] = md.PreTokens
			}
		}
		r.emit(id, bus.EventCompactComplete, data)
	}
}

func (r *Runtime) handleStreamEvent(id entity.EntityID, ev *claude.StreamEvent) {
	if ev == nil {
		return
	}
	switch ev.Type {
	case "content_block_start":
		block := ev.ContentBlock
		if block == nil || block.Type != "tool_use" {
			return
		}
		r.toolCtx.Set(block.ID, id, ToolUseRaw{
			Type:  block.Type,
			ID:    block.ID,
			Name:  block.Name,
			Input: block.Input,
		})
		_ = r.store.Update(id, func(c *Conversation) error {
			c.Append(fabric.LogEntry{
				ID:        uuid.New().String(),
				Kind:      fabric.EntryToolStart,
				Role:      fabric.RoleAssistant,
				Timestamp: time.Now().UnixMilli(),
				ToolUseID: block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
			})
			return nil
		})

	case "content_block_delta":
		if ev.Delta == nil || ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
			return
		}
		_ = r.store.Update(id, func(c *Conversation) error {
			c.AppendText(ev.Delta.Text)
			return nil
		})
		r.emit(id, bus.EventTextDelta, map[string]any{"text": ev.Delta.Text})

	case "message_delta":
		if ev.Usage == nil {
			return
		}
		_ = r.store.Update(id, func(c *Conversation) error {
			c.ApplyUsage(ev.Usage.InputTokens, ev.Usage.OutputTokens,
				ev.Usage.CacheReadInputTokens, ev.Usage.CacheCreationInputTokens)
			return nil
		})
	}
}

// finalizeAssistant turns the buffered deltas into a durable text entry.
func (r *Runtime) finalizeAssistant(id entity.EntityID, msg *claude.ChatMessage) {
	_ = r.store.Update(id, func(c *Conversation) error {
		c.FinalizeText(fabric.LogEntry{
			ID:        uuid.New().String(),
			Kind:      fabric.EntryText,
			Role:      fabric.RoleAssistant,
			Timestamp: time.Now().UnixMilli(),
		})
		return nil
	})
	if msg != nil && msg.Usage != nil {
		_ = r.store.Update(id, func(c *Conversation) error {
			c.ApplyUsage(msg.Usage.InputTokens, msg.Usage.OutputTokens,
				msg.Usage.CacheReadInputTokens, msg.Usage.CacheCreationInputTokens)
			return nil
		})
	}
}

func (r *Runtime) handleToolResults(id entity.EntityID, msg *claude.ChatMessage) {
	if msg == nil {
		return
	}
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		toolName := ""
		if ctx, ok := r.toolCtx.Get(block.ToolUseID); ok {
			toolName = ctx.Raw.Name
		}
		_ = r.store.Update(id, func(c *Conversation) error {
			c.Append(fabric.LogEntry{
				ID:        uuid.New().String(),
				Kind:      fabric.EntryToolComplete,
				Role:      fabric.RoleUser,
				Timestamp: time.Now().UnixMilli(),
				ToolUseID: block.ToolUseID,
				ToolName:  toolName,
				Text:      block.Content,
				IsError:   block.IsError,
			})
			return nil
		})
	}
}

// handleResult renames the backend's snake_case accounting into the wire
// form and settles the conversation to idle.
func (r *Runtime) handleResult(id entity.EntityID, msg *claude.Message) {
	stats := &fabric.ResultStats{DurationMs: msg.DurationMS}
	if msg.Usage != nil {
		stats.InputTokens = msg.Usage.InputTokens
		stats.OutputTokens = msg.Usage.OutputTokens
		stats.CacheReadTokens = msg.Usage.CacheReadInputTokens
	}
	_ = r.store.Update(id, func(c *Conversation) error {
		c.Append(fabric.LogEntry{
			ID:        uuid.New().String(),
			Kind:      fabric.EntryResult,
			Role:      fabric.RoleSystem,
			Timestamp: time.Now().UnixMilli(),
			Text:      msg.Result,
			IsError:   msg.IsError,
			Result:    stats,
		})
		return nil
	})
	r.setStatus(id, StatusIdle)
}

func (r *Runtime) appendError(id entity.EntityID, text string) {
	_ = r.store.Update(id, func(c *Conversation) error {
		c.Append(fabric.LogEntry{
			ID:        uuid.New().String(),
			Kind:      fabric.EntryError,
			Role:      fabric.RoleSystem,
			Timestamp: time.Now().UnixMilli(),
			Text:      text,
		})
		return nil
	})
}

func (r *Runtime) workspacePathOf(id entity.EntityID) string {
	for _, w := range r.store.Workspaces() {
		for _, c := range w.Conversations {
			if c.EntityID == id {
				return w.Path
			}
		}
	}
	return ""
}
