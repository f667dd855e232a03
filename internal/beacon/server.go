package beacon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
	"github.com/pylonmesh/pylonmesh/internal/pylon"
	"github.com/pylonmesh/pylonmesh/internal/pylon/claude"
	"github.com/pylonmesh/pylonmesh/pkg/entity"
)

// maxLineBytes bounds one NDJSON frame.
const maxLineBytes = 1 << 20

// Server is the beacon: pylon registration, tool-use lookup and query
// delegation over newline-delimited JSON. Each connection is handled
// independently; frames within one connection are serialised.
type Server struct {
	addr     string
	registry *Registry
	toolCtx  *pylon.ToolContextMap
	adapter  claude.Adapter

	mu       sync.Mutex
	listener net.Listener

	logger *logger.Logger
}

// NewServer creates a beacon server. adapter may be nil when query
// delegation is not offered.
func NewServer(addr string, toolCtx *pylon.ToolContextMap, adapter claude.Adapter, log *logger.Logger) *Server {
	if toolCtx == nil {
		toolCtx = pylon.NewToolContextMap()
	}
	return &Server{
		addr:     addr,
		registry: NewRegistry(),
		toolCtx:  toolCtx,
		adapter:  adapter,
		logger:   log.WithFields(zap.String("component", "beacon")),
	}
}

// Registry exposes the pylon registry.
func (s *Server) Registry() *Registry { return s.registry }

// ToolContext exposes the beacon-side tool-use map.
func (s *Server) ToolContext() *pylon.ToolContextMap { return s.toolCtx }

// Run listens and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Beacon listening", zap.String("addr", listener.Addr().String()))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// Addr returns the bound address, for tests that listen on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	log := s.logger.WithFields(zap.String("remote", conn.RemoteAddr().String()))
	log.Debug("Connection opened")
	defer log.Debug("Connection closed")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = encoder.Encode(Response{Success: false, Error: "malformed request"})
			continue
		}
		if err := req.Validate(); err != nil {
			_ = encoder.Encode(Response{Success: false, Error: err.Error()})
			continue
		}

		s.handleRequest(ctx, &req, encoder, log)
	}
}

func (s *Server) handleRequest(ctx context.Context, req *Request, encoder *json.Encoder, log *logger.Logger) {
	switch req.Action {
	case ActionRegister:
		err := s.registry.Register(Registration{
			PylonID: req.PylonID,
			MCPHost: req.MCPHost,
			MCPPort: req.MCPPort,
			Env:     req.Env,
		}, req.Force)
		if err != nil {
			_ = encoder.Encode(Response{Success: false, Error: err.Error()})
			return
		}
		log.Info("Pylon registered",
			zap.Int("pylon_id", req.PylonID),
			zap.String("env", req.Env))
		_ = encoder.Encode(Response{Success: true})

	case ActionUnregister:
		if err := s.registry.Unregister(req.PylonID); err != nil {
			_ = encoder.Encode(Response{Success: false, Error: err.Error()})
			return
		}
		_ = encoder.Encode(Response{Success: true})

	case ActionLookup:
		toolCtx, ok := s.toolCtx.Get(req.ToolUseID)
		if !ok {
			_ = encoder.Encode(Response{Success: false, Error: fmt.Sprintf("toolUseId %s not found", req.ToolUseID)})
			return
		}
		resp := Response{Success: true, EntityID: &toolCtx.EntityID, Raw: &toolCtx.Raw}
		pylonID, _, _ := toolCtx.EntityID.Decode()
		if reg, ok := s.registry.Get(pylonID); ok {
			resp.PylonAddress = reg.Address()
		}
		_ = encoder.Encode(resp)

	case ActionQuery:
		s.handleQuery(ctx, req, encoder)

	case ActionCleanup:
		removed := s.toolCtx.Cleanup(30 * time.Minute)
		_ = encoder.Encode(Response{Success: true, Removed: removed})
	}
}

// handleQuery delegates to the injected adapter and streams each backend
// message back as an event frame. Stream failures surface as error frames,
// never as connection teardown.
func (s *Server) handleQuery(ctx context.Context, req *Request, encoder *json.Encoder) {
	conv := entity.EntityID(req.ConversationID)
	pylonID, _, _ := conv.Decode()
	if _, ok := s.registry.Get(pylonID); !ok {
		_ = encoder.Encode(Response{Success: false, Error: "pylon not registered"})
		return
	}
	if s.adapter == nil {
		_ = encoder.Encode(Response{Success: false, Error: "query delegation not available"})
		return
	}

	opts := claude.Options{}
	if prompt, ok := req.Options["prompt"].(string); ok {
		opts.Prompt = prompt
	}
	if cwd, ok := req.Options["cwd"].(string); ok {
		opts.Cwd = cwd
	}
	if resume, ok := req.Options["resume"].(string); ok {
		opts.Resume = resume
	}

	stream, err := s.adapter.Query(ctx, opts)
	if err != nil {
		_ = encoder.Encode(Response{Type: FrameError, Error: err.Error()})
		return
	}

	for msg := range stream {
		if msg.Err != "" {
			_ = encoder.Encode(Response{Type: FrameError, Error: msg.Err})
			continue
		}
		s.registerToolUses(conv, msg)
		_ = encoder.Encode(Response{Type: FrameEvent, ConversationID: req.ConversationID, Message: msg})
	}

	// Terminal frame so callers can tell the stream from the next reply.
	_ = encoder.Encode(Response{Success: true})
}

// registerToolUses feeds tool_use starts into the beacon-side map so
// cross-pylon lookups resolve.
func (s *Server) registerToolUses(conv entity.EntityID, msg *claude.Message) {
	if msg.Type != claude.MessageTypeStreamEvent || msg.Event == nil {
		return
	}
	ev := msg.Event
	if ev.Type != "content_block_start" || ev.ContentBlock == nil || ev.ContentBlock.Type != "tool_use" {
		return
	}
	block := ev.ContentBlock
	s.toolCtx.Set(block.ID, conv, pylon.ToolUseRaw{
		Type:  block.Type,
		ID:    block.ID,
		Name:  block.Name,
		Input: block.Input,
	})
}
