package pylon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/events/bus"
	"github.com/pylonmesh/pylonmesh/internal/pylon/claude"
	"github.com/pylonmesh/pylonmesh/pkg/entity"
	"github.com/pylonmesh/pylonmesh/pkg/fabric"
)

// answer resolves a suspended canUseTool callback.
type answer struct {
	decision string // allow, deny, allowAll
	text     string // for question requests
}

// canUseToolFunc builds the adapter callback for one conversation. An ask
// decision suspends the callback until the user answers or the query is
// cancelled.
func (r *Runtime) canUseToolFunc(id entity.EntityID) claude.CanUseToolFunc {
	return func(ctx context.Context, toolName string, input map[string]any) (claude.PermissionResult, error) {
		mode := fabric.ModeDefault
		_ = r.store.View(id, func(c *Conversation) error {
			mode = c.PermissionMode
			return nil
		})

		switch CheckPermission(toolName, input, mode) {
		case DecisionAllow:
			return claude.PermissionResult{Behavior: claude.BehaviorAllow, UpdatedInput: input}, nil
		case DecisionDeny:
			return claude.PermissionResult{Behavior: claude.BehaviorDeny, Message: DenyMessage(toolName, input)}, nil
		}
		return r.ask(ctx, id, toolName, input)
	}
}

// ask parks the callback behind a pending request and waits for the user.
func (r *Runtime) ask(ctx context.Context, id entity.EntityID, toolName string, input map[string]any) (claude.PermissionResult, error) {
	toolUseID := toolUseIDFromInput(input)

	req := PendingRequest{Kind: RequestKindPermission, ToolUseID: toolUseID, ToolName: toolName, ToolInput: input}
	eventType := bus.EventPermissionRequested
	if toolName == "AskUserQuestion" {
		req = PendingRequest{Kind: RequestKindQuestion, ToolUseID: toolUseID, Questions: questionsFromInput(input)}
		eventType = bus.EventQuestionRequested
	}

	wait := make(chan answer, 1)
	r.mu.Lock()
	r.waiters[toolUseID] = wait
	r.mu.Unlock()

	if err := r.store.Update(id, func(c *Conversation) error {
		c.AddPending(req)
		return nil
	}); err != nil {
		return claude.PermissionResult{}, err
	}
	r.setStatus(id, StatusPermission)
	r.emit(id, eventType, map[string]any{
		"toolUseId": toolUseID,
		"toolName":  toolName,
		"toolInput": input,
	})

	defer func() {
		r.mu.Lock()
		delete(r.waiters, toolUseID)
		r.mu.Unlock()
	}()

	select {
	case a := <-wait:
		r.setStatus(id, StatusWorking)
		switch a.decision {
		case fabric.DecisionAllow, fabric.DecisionAllowAll:
			if a.decision == fabric.DecisionAllowAll && r.allowAllRaisesMode {
				_ = r.store.Update(id, func(c *Conversation) error {
					c.PermissionMode = fabric.ModeAcceptEdits
					return nil
				})
			}
			if a.text != "" {
				return claude.PermissionResult{
					Behavior:     claude.BehaviorAllow,
					UpdatedInput: map[string]any{"answer": a.text},
				}, nil
			}
			return claude.PermissionResult{Behavior: claude.BehaviorAllow, UpdatedInput: input}, nil
		default:
			return claude.PermissionResult{Behavior: claude.BehaviorDeny, Message: "Denied by user"}, nil
		}

	case <-ctx.Done():
		// Query cancelled while waiting; drop the request.
		_ = r.store.Update(id, func(c *Conversation) error {
			c.TakePending(toolUseID)
			return nil
		})
		return claude.PermissionResult{Behavior: claude.BehaviorDeny, Message: "Cancelled"}, ctx.Err()
	}
}

// AnswerPermission resolves a pending permission request with a user
// decision.
func (r *Runtime) AnswerPermission(p fabric.ClaudePermissionPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return r.resolve(entity.EntityID(p.ConversationID), p.ToolUseID, answer{decision: p.Decision})
}

// AnswerQuestion resolves a pending question request with the user's answer
// text.
func (r *Runtime) AnswerQuestion(p fabric.ClaudeAnswerPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return r.resolve(entity.EntityID(p.ConversationID), p.ToolUseID, answer{decision: fabric.DecisionAllow, text: p.Answer})
}

func (r *Runtime) resolve(id entity.EntityID, toolUseID string, a answer) error {
	removed := false
	if err := r.store.Update(id, func(c *Conversation) error {
		var req PendingRequest
		req, removed = c.TakePending(toolUseID)
		// The answer to a question is part of the durable log; permission
		// decisions surface as the tool's own start/complete entries.
		if removed && req.Kind == RequestKindQuestion {
			c.Append(fabric.LogEntry{
				ID:        uuid.New().String(),
				Kind:      fabric.EntryUserResponse,
				Role:      fabric.RoleUser,
				Timestamp: time.Now().UnixMilli(),
				ToolUseID: toolUseID,
				Text:      a.text,
			})
		}
		return nil
	}); err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no pending request for toolUseId %s", toolUseID)
	}

	r.mu.Lock()
	wait, ok := r.waiters[toolUseID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no suspended callback for toolUseId %s", toolUseID)
	}

	wait <- a
	r.logger.Debug("Pending request resolved",
		zap.String("tool_use_id", toolUseID),
		zap.String("decision", a.decision))
	return nil
}

// toolUseIDFromInput recovers the backend-issued id when the callback input
// carries one; otherwise a synthetic id keeps the pending bookkeeping keyed.
func toolUseIDFromInput(input map[string]any) string {
	if id, ok := input["tool_use_id"].(string); ok && id != "" {
		return id
	}
	if id, ok := input["toolUseId"].(string); ok && id != "" {
		return id
	}
	return fmt.Sprintf("pending_%d", nextRequestSeq())
}

func questionsFromInput(input map[string]any) []string {
	raw, ok := input["questions"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, q := range raw {
		if s, ok := q.(string); ok {
			out = append(out, s)
			continue
		}
		if m, ok := q.(map[string]any); ok {
			if s, ok := m["question"].(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
