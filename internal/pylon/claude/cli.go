package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
)

// DefaultBinary is the backend CLI spawned per query.
const DefaultBinary = "claude"

// Control protocol frame types exchanged over the CLI's stdin/stdout.
const (
	frameTypeControlRequest  = "control_request"
	frameTypeControlResponse = "control_response"
	subtypeCanUseTool        = "can_use_tool"
)

// cliFrame is the superset of one stdout line: stream messages plus control
// requests.
type cliFrame struct {
	Message
	RequestID string           `json:"request_id,omitempty"`
	Request   *controlRequest  `json:"request,omitempty"`
	Response  *json.RawMessage `json:"response,omitempty"`
}

type controlRequest struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

type controlResponseFrame struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Response  *controlResponse `json:"response"`
}

type controlResponse struct {
	Subtype string            `json:"subtype"` // success, error
	Result  *PermissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type userFrame struct {
	Type    string        `json:"type"`
	Message userFrameBody `json:"message"`
}

type userFrameBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CLIAdapter runs the backend CLI in stream-json mode, one process per query.
// Stream messages flow out on the returned channel; can_use_tool control
// requests are answered inline through opts.CanUseTool.
type CLIAdapter struct {
	binary string
	logger *logger.Logger
}

// NewCLIAdapter creates an adapter spawning the given binary. An empty binary
// selects the default.
func NewCLIAdapter(binary string, log *logger.Logger) *CLIAdapter {
	if binary == "" {
		binary = DefaultBinary
	}
	return &CLIAdapter{
		binary: binary,
		logger: log.WithFields(zap.String("component", "claude_cli")),
	}
}

// Query starts the CLI and returns its message stream. The channel closes
// when the process's stdout ends; a spawn failure is returned synchronously.
func (a *CLIAdapter) Query(ctx context.Context, opts Options) (<-chan *Message, error) {
	args, err := buildArgs(opts)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, a.binary, args...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", a.binary, err)
	}

	a.logger.Debug("backend started",
		zap.String("binary", a.binary),
		zap.String("cwd", opts.Cwd),
		zap.Bool("resume", opts.Resume != ""))

	q := &cliQuery{
		stdin:      stdin,
		canUseTool: opts.CanUseTool,
		logger:     a.logger,
	}

	// Stream-json input carries the prompt as a user frame.
	if err := q.send(&userFrame{
		Type:    MessageTypeUser,
		Message: userFrameBody{Role: "user", Content: opts.Prompt},
	}); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	out := make(chan *Message, 64)
	go func() {
		defer close(out)
		defer func() {
			stdin.Close()
			if err := cmd.Wait(); err != nil && ctx.Err() == nil {
				a.logger.Warn("backend exited with error", zap.Error(err))
			}
		}()
		q.readLoop(ctx, stdout, out)
	}()
	return out, nil
}

// cliQuery is the per-process state: serialised stdin writes and the
// permission callback.
type cliQuery struct {
	mu         sync.Mutex
	stdin      io.WriteCloser
	canUseTool CanUseToolFunc
	logger     *logger.Logger
}

func (q *cliQuery) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err = q.stdin.Write(append(data, '\n'))
	return err
}

func (q *cliQuery) readLoop(ctx context.Context, stdout io.Reader, out chan<- *Message) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame cliFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			q.logger.Warn("unparseable backend line", zap.Error(err))
			continue
		}

		if frame.Type == frameTypeControlRequest && frame.Request != nil {
			go q.handleControlRequest(ctx, frame.RequestID, frame.Request)
			continue
		}
		if frame.Type == frameTypeControlResponse {
			continue
		}

		msg := frame.Message
		select {
		case out <- &msg:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		select {
		case out <- &Message{Err: err.Error()}:
		default:
		}
	}
}

// handleControlRequest answers a can_use_tool request through the query's
// callback. The callback may block on the user; denial is the fallback for
// every failure path.
func (q *cliQuery) handleControlRequest(ctx context.Context, requestID string, req *controlRequest) {
	if req.Subtype != subtypeCanUseTool {
		q.reply(requestID, &controlResponse{Subtype: "error", Error: fmt.Sprintf("unsupported control request %q", req.Subtype)})
		return
	}
	if q.canUseTool == nil {
		q.reply(requestID, &controlResponse{
			Subtype: "success",
			Result:  &PermissionResult{Behavior: BehaviorDeny, Message: "no permission handler"},
		})
		return
	}

	result, err := q.canUseTool(ctx, req.ToolName, req.Input)
	if err != nil {
		q.reply(requestID, &controlResponse{
			Subtype: "success",
			Result:  &PermissionResult{Behavior: BehaviorDeny, Message: err.Error()},
		})
		return
	}
	q.reply(requestID, &controlResponse{Subtype: "success", Result: &result})
}

func (q *cliQuery) reply(requestID string, resp *controlResponse) {
	frame := &controlResponseFrame{
		Type:      frameTypeControlResponse,
		RequestID: requestID,
		Response:  resp,
	}
	if err := q.send(frame); err != nil {
		q.logger.Warn("failed to send control response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// buildArgs maps Options to the CLI's stream-json invocation.
func buildArgs(opts Options) ([]string, error) {
	if opts.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if opts.IncludePartialMessages == nil || *opts.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.CustomSystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.CustomSystemPrompt)
	}

	sources := opts.SettingSources
	if sources == nil {
		sources = DefaultSettingSources
	}
	args = append(args, "--setting-sources", strings.Join(sources, ","))

	if len(opts.MCPServers) > 0 {
		doc, err := json.Marshal(map[string]any{"mcpServers": opts.MCPServers})
		if err != nil {
			return nil, fmt.Errorf("marshal mcp servers: %w", err)
		}
		args = append(args, "--mcp-config", string(doc))
	}
	return args, nil
}
