package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/localrivet/opgate/mcp"
	"github.com/localrivet/opgate/metrics"
	"github.com/localrivet/opgate/security"
	"github.com/localrivet/opgate/transport"
	"github.com/localrivet/opgate/transport/sse"
)

// Response is the body of /invoke replies and of every error reply.
type Response struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type invokeRequest struct {
	Arguments json.RawMessage `json:"arguments"`
}

type handlers struct {
	t       *Transport
	h       transport.Handler
	streams *sse.Manager
}

func (a *handlers) invoke(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	logger := a.t.GetLogger()
	logger.Debug("HTTP operation call", "operation", op)

	var req invokeRequest
	body, _ := io.ReadAll(r.Body)
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Request body must be a JSON object")
			return
		}
	}
	args := req.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	msg := mcp.InvokeOperation{ID: a.t.nextID.Add(1), Name: op, Arguments: args}
	reply, err := a.h.Handle(r.Context(), msg)
	if err != nil {
		logger.Error("operation call failed", "operation", op, "error", err)
		writeError(w, http.StatusInternalServerError, a.internalMessage(err))
		return
	}
	rep, ok := reply.(mcp.Reply)
	if !ok {
		writeError(w, http.StatusInternalServerError, "No response generated")
		return
	}
	if rep.Error != nil {
		status := statusForCode(rep.Error.Code)
		writeJSON(w, status, Response{Success: false, Error: a.replyMessage(rep.Error)})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Result: rep.Result})
}

func (a *handlers) operations(w http.ResponseWriter, r *http.Request) {
	reply, err := a.h.Handle(r.Context(), mcp.ListOperations{ID: a.t.nextID.Add(1)})
	if err != nil {
		a.t.GetLogger().Error("operation listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, a.internalMessage(err))
		return
	}
	rep, ok := reply.(mcp.Reply)
	if !ok {
		writeError(w, http.StatusInternalServerError, "No response generated")
		return
	}
	if rep.Error != nil {
		writeError(w, statusForCode(rep.Error.Code), a.replyMessage(rep.Error))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rep.Result)
}

// streamMessage accepts an envelope for a connected stream client and
// queues the reply on that client's stream. The caller must authenticate
// with the stream credential rules as the subject that opened the stream.
func (a *handlers) streamMessage(w http.ResponseWriter, r *http.Request) {
	logger := a.t.GetLogger()
	p, err := sse.ParseParams(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid stream parameters")
		return
	}
	id, err := sse.AuthenticateRequest(a.t.auth, r, p)
	if err != nil {
		logger.Warn("stream message rejected", "client_id", p.ClientID, "error", err)
		w.Header().Set("WWW-Authenticate", `Bearer realm="opgate"`)
		writeError(w, http.StatusUnauthorized, security.SanitizeAuthError(err))
		return
	}

	clientID := p.ClientID
	conn, ok := a.streams.Connection(clientID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown client")
		return
	}
	if conn.Identity == nil || conn.Identity.Subject != id.Subject {
		logger.Warn("stream message rejected", "client_id", clientID, "subject", id.Subject, "error", "subject mismatch")
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	a.streams.Touch(clientID)

	body, _ := io.ReadAll(r.Body)
	ctx := security.WithIdentity(r.Context(), conn.Identity)
	out, err := transport.Dispatch(ctx, a.h, body)
	if err != nil {
		logger.Warn("stream message failed", "client_id", clientID, "error", err)
		if out == nil {
			status := dispatchStatus(err)
			if status == http.StatusBadRequest {
				writeError(w, status, security.SanitizeError(err, a.t.debugErrors))
				return
			}
			writeError(w, status, a.internalMessage(err))
			return
		}
	}
	if out == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := a.streams.SendTo(clientID, sse.Event{Name: sse.EventResponse, Data: out}); err != nil {
		writeError(w, http.StatusNotFound, "Unknown client")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *handlers) health(w http.ResponseWriter, r *http.Request) {
	report := a.t.monitor.Health()
	status := http.StatusOK
	if report.Status == metrics.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (a *handlers) ready(w http.ResponseWriter, r *http.Request) {
	report := a.t.monitor.Readiness()
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (a *handlers) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.t.monitor.Snapshot())
}

// replyMessage renders an error reply for an HTTP client. Validation and
// internal failures are generic unless debug errors are enabled.
func (a *handlers) replyMessage(e *mcp.Error) string {
	switch e.Code {
	case mcp.CodeValidationError, mcp.CodeInvalidParams, mcp.CodeInvalidRequest:
		return security.SanitizeMessage(e.Message, a.t.debugErrors)
	case mcp.CodeInternalError:
		if !a.t.debugErrors {
			return "Internal server error"
		}
	}
	return e.Message
}

func (a *handlers) internalMessage(err error) string {
	if a.t.debugErrors {
		return err.Error()
	}
	return "Internal server error"
}

// statusForCode maps reply error codes to HTTP statuses. Operation failures
// are reported in the body of a 200.
func statusForCode(code int) int {
	switch code {
	case mcp.CodeValidationError, mcp.CodeInvalidParams, mcp.CodeInvalidRequest, mcp.CodeParseError:
		return http.StatusBadRequest
	case mcp.CodeAuthError:
		return http.StatusUnauthorized
	case mcp.CodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

func dispatchStatus(err error) int {
	var fe *mcp.FramingError
	var pe *mcp.ProtocolError
	if errors.As(err, &fe) || errors.As(err, &pe) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Response{Success: false, Error: message})
}
