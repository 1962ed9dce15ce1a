// Package server answers protocol messages on behalf of the operation engine.
//
// A Handler is shared by every transport. It opens sessions, lists the
// engine's operations and invokes them after validating their arguments.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/localrivet/opgate/engine"
	"github.com/localrivet/opgate/events"
	"github.com/localrivet/opgate/mcp"
	"github.com/localrivet/opgate/security"
)

// DefaultInstructions is sent to clients in the initialize reply.
const DefaultInstructions = "Call tools/list to discover the available operations, then tools/call to invoke one."

// Option configures a Handler.
type Option func(*Handler)

// WithVersion sets the version reported in initialize replies.
func WithVersion(version string) Option {
	return func(h *Handler) {
		h.info.Version = version
	}
}

// WithInstructions replaces the initialize instructions.
func WithInstructions(text string) Option {
	return func(h *Handler) {
		h.instructions = text
	}
}

// WithValidator sets the validator applied to operation arguments.
func WithValidator(v *security.Validator) Option {
	return func(h *Handler) {
		h.validator = v
	}
}

// WithEvents sets the subject session and operation events are published on.
func WithEvents(s *events.Subject) Option {
	return func(h *Handler) {
		h.events = s
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// Handler implements transport.Handler on top of an engine handle.
type Handler struct {
	info         mcp.ServerInfo
	instructions string
	engine       *engine.Handle
	validator    *security.Validator
	events       *events.Subject
	logger       *slog.Logger
}

// NewHandler creates a handler named name serving the engine behind eng.
func NewHandler(name string, eng *engine.Handle, opts ...Option) *Handler {
	h := &Handler{
		info:         mcp.ServerInfo{Name: name, Version: "dev"},
		instructions: DefaultInstructions,
		engine:       eng,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.validator == nil {
		h.validator = security.NewValidator(security.DefaultValidationConfig())
	}
	if h.logger == nil {
		h.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	h.logger = h.logger.With("component", "handler")
	return h
}

// Info returns the server identity sent in initialize replies.
func (h *Handler) Info() mcp.ServerInfo {
	return h.info
}

// Handle answers msg. Requests always get a Reply, failures included;
// notifications and replies return nil.
func (h *Handler) Handle(ctx context.Context, msg mcp.Message) (mcp.Message, error) {
	switch m := msg.(type) {
	case mcp.Initialize:
		return h.initialize(ctx, m)
	case mcp.ListOperations:
		return h.listOperations(ctx, m)
	case mcp.InvokeOperation:
		return h.invoke(ctx, m)
	case mcp.Notify:
		h.logger.Debug("received notification", "method", m.Method)
		return nil, nil
	case mcp.Reply:
		h.logger.Warn("received unexpected response", "id", m.ID)
		return nil, nil
	default:
		return nil, errors.New("unsupported message type")
	}
}

func (h *Handler) initialize(ctx context.Context, m mcp.Initialize) (mcp.Message, error) {
	var params mcp.InitializeParams
	if len(m.Params) > 0 {
		if err := json.Unmarshal(m.Params, &params); err != nil {
			return h.fail(mcp.MethodInitialize, m.ID, mcp.CodeInvalidParams, "invalid initialize params", nil), nil
		}
	}
	h.logger.Info("session initialized",
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"protocol_version", params.ProtocolVersion,
	)
	_ = events.Publish(h.events, events.TopicSessionInitialized, events.SessionInitializedEvent{
		ClientName:      params.ClientInfo.Name,
		ClientVersion:   params.ClientInfo.Version,
		ProtocolVersion: params.ProtocolVersion,
		Subject:         subjectOf(ctx),
	})

	return mcp.NewResultReply(m.ID, mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		ServerInfo:      h.info,
		Capabilities: map[string]interface{}{
			"tools": map[string]interface{}{"listChanged": false},
		},
		Instructions: h.instructions,
	})
}

func (h *Handler) listOperations(ctx context.Context, m mcp.ListOperations) (mcp.Message, error) {
	eng, release, err := h.engine.Acquire()
	if err != nil {
		h.logger.Error("engine unavailable", "error", err)
		return h.fail(mcp.MethodToolsList, m.ID, mcp.CodeInternalError, err.Error(), nil), nil
	}
	defer release()

	tools := eng.Operations()
	if tools == nil {
		tools = []mcp.Tool{}
	}
	return mcp.NewResultReply(m.ID, mcp.ListToolsResult{Tools: tools})
}

type operationErrorData struct {
	Operation   string   `json:"operation"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

func (h *Handler) invoke(ctx context.Context, m mcp.InvokeOperation) (mcp.Message, error) {
	if err := h.validator.ValidateArguments(m.Arguments); err != nil {
		h.logger.Warn("arguments rejected", "operation", m.Name, "error", err)
		return h.fail(mcp.MethodToolsCall, m.ID, mcp.CodeValidationError, err.Error(), nil), nil
	}

	eng, release, err := h.engine.Acquire()
	if err != nil {
		h.logger.Error("engine unavailable", "error", err)
		return h.fail(mcp.MethodToolsCall, m.ID, mcp.CodeInternalError, err.Error(), nil), nil
	}
	defer release()

	start := time.Now()
	result, err := eng.Invoke(ctx, m.Name, m.Arguments)
	elapsed := time.Since(start)
	if err != nil {
		var opErr *engine.OperationError
		if errors.As(err, &opErr) {
			h.logger.Info("operation failed", "operation", m.Name, "error", opErr.Message)
			return h.fail(mcp.MethodToolsCall, m.ID, mcp.CodeOperationError, opErr.Message, operationErrorData{
				Operation:   opErr.Operation,
				Diagnostics: opErr.Diagnostics,
			}), nil
		}
		h.logger.Error("operation error", "operation", m.Name, "error", err)
		return h.fail(mcp.MethodToolsCall, m.ID, mcp.CodeInternalError, err.Error(), nil), nil
	}

	var structured interface{}
	if err := json.Unmarshal(result, &structured); err != nil {
		h.logger.Error("operation returned invalid json", "operation", m.Name, "error", err)
		return h.fail(mcp.MethodToolsCall, m.ID, mcp.CodeInternalError, "operation returned invalid json", nil), nil
	}

	h.logger.Debug("operation executed", "operation", m.Name, "duration", elapsed)
	_ = events.Publish(h.events, events.TopicOperationExecuted, events.OperationExecutedEvent{
		Operation:  m.Name,
		Subject:    subjectOf(ctx),
		Duration:   elapsed,
		ResultSize: len(result),
	})

	return mcp.NewResultReply(m.ID, mcp.CallToolResult{
		Content:           []mcp.Content{{Type: "text", Text: string(result)}},
		StructuredContent: structured,
	})
}

// fail builds an error reply and reports it on the event subject.
func (h *Handler) fail(method string, id int64, code int, message string, data interface{}) mcp.Reply {
	_ = events.Publish(h.events, events.TopicRequestFailed, events.RequestFailedEvent{
		Method: method,
		Code:   code,
		Error:  message,
	})
	return mcp.NewErrorReply(id, code, message, data)
}

func subjectOf(ctx context.Context) string {
	if id, ok := security.IdentityFrom(ctx); ok && id != nil {
		return id.Subject
	}
	return ""
}
