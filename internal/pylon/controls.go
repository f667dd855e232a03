package pylon

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/pkg/entity"
	"github.com/pylonmesh/pylonmesh/pkg/fabric"
)

// Control dispatches a session control action.
func (r *Runtime) Control(p fabric.ClaudeControlPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	id := entity.EntityID(p.ConversationID)

	switch p.Action {
	case fabric.ActionStop:
		r.Stop(id)
		return nil
	case fabric.ActionNewSession:
		return r.NewSession(id)
	case fabric.ActionClear:
		return r.Clear(id)
	case fabric.ActionCompact:
		return r.Compact(id)
	default:
		return fmt.Errorf("unknown control action %q", p.Action)
	}
}

// NewSession aborts any in-flight query, forgets the backend session token
// and drops pending requests. The message log is preserved; the next send
// starts fresh with no resume.
func (r *Runtime) NewSession(id entity.EntityID) error {
	r.Stop(id)
	return r.store.Update(id, func(c *Conversation) error {
		c.SDKSessionID = ""
		c.ClearPending()
		c.ResetBuffer()
		return nil
	})
}

// Clear is NewSession plus message-log truncation.
func (r *Runtime) Clear(id entity.EntityID) error {
	if err := r.NewSession(id); err != nil {
		return err
	}
	return r.store.Update(id, func(c *Conversation) error {
		c.Log = nil
		c.TotalCount = 0
		c.HasMore = false
		return nil
	})
}

// Compact asks the backend to compact the session. The streaming path emits
// the compactStart/compactComplete events as the backend reports progress.
func (r *Runtime) Compact(id entity.EntityID) error {
	return r.Send(fabric.ClaudeSendPayload{
		ConversationID: uint32(id),
		Message:        "/compact",
	})
}

// SetPermissionMode mutates the conversation's permission mode; it takes
// effect on the next permission check.
func (r *Runtime) SetPermissionMode(id entity.EntityID, p fabric.SetPermissionModePayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return r.store.Update(id, func(c *Conversation) error {
		c.PermissionMode = p.Mode
		return nil
	})
}

// AddPrompt reads a file through the FileSystem capability and installs it as
// the conversation's custom system prompt. The session is implicitly
// replaced so the prompt applies from the next send.
func (r *Runtime) AddPrompt(id entity.EntityID, path string) error {
	if r.fs == nil {
		return fmt.Errorf("no filesystem capability configured")
	}
	data, err := r.fs.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read prompt file: %w", err)
	}

	if err := r.NewSession(id); err != nil {
		return err
	}
	err = r.store.Update(id, func(c *Conversation) error {
		c.CustomSystemPrompt = string(data)
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("Custom system prompt installed",
		zap.String("conversation", id.String()),
		zap.String("path", path))
	return nil
}

// AddLinkedDoc links a document path to a conversation.
func (r *Runtime) AddLinkedDoc(id entity.EntityID, path string) error {
	return r.store.Update(id, func(c *Conversation) error {
		if !c.AddLinkedDoc(path) {
			return fmt.Errorf("document %s already linked", path)
		}
		return nil
	})
}

// RemoveLinkedDoc unlinks a document path from a conversation.
func (r *Runtime) RemoveLinkedDoc(id entity.EntityID, path string) error {
	return r.store.Update(id, func(c *Conversation) error {
		if !c.RemoveLinkedDoc(path) {
			return fmt.Errorf("document %s not linked", path)
		}
		return nil
	})
}
