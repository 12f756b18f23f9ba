// Package gateway is the HTTP surface: the chat/automation endpoint, the
// remote session control endpoint, and the operational endpoints.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prompterhq/prompter/internal/auth"
	"github.com/prompterhq/prompter/internal/cast"
	"github.com/prompterhq/prompter/internal/catalog"
	"github.com/prompterhq/prompter/internal/props"
	"github.com/prompterhq/prompter/pkg/models"
)

// Handler serves the HTTP API.
type Handler struct {
	engine  *cast.Engine
	catalog *catalog.Catalog
	props   *props.Manager
	auth    *auth.Service
	logger  *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(engine *cast.Engine, cat *catalog.Catalog, propsMgr *props.Manager, authSvc *auth.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:  engine,
		catalog: cat,
		props:   propsMgr,
		auth:    authSvc,
		logger:  logger,
	}
}

// Routes mounts the API on a fresh mux. gatherer supplies /metrics; it may
// be nil.
func (h *Handler) Routes(gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cast", h.handleCast)
	mux.HandleFunc("POST /session", h.handleSessionAction)
	mux.HandleFunc("GET /session", h.handleSessionStatus)
	mux.HandleFunc("/healthz", h.handleHealthz)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// castRequest is the POST /cast body.
type castRequest struct {
	Messages   []*models.Message `json:"messages"`
	Model      string            `json:"model"`
	Tools      []string          `json:"tools"`
	CustomInfo string            `json:"customInfo"`
	SessionID  string            `json:"sessionId"`
}

// castEvent is one NDJSON line of the /cast response stream.
type castEvent struct {
	Type       string                 `json:"type"`
	Text       string                 `json:"text,omitempty"`
	ToolCall   *models.ToolInvocation `json:"toolCall,omitempty"`
	ToolResult *models.ToolInvocation `json:"toolResult,omitempty"`
	StopReason models.StopReason      `json:"stopReason,omitempty"`
	Messages   []*models.Message      `json:"messages,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// handleCast validates the request, starts a run, and relays its chunk
// stream as NDJSON. Validation and tool-load failures surface as structured
// errors before any stream output.
func (h *Handler) handleCast(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.UserFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	var req castRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages cannot be empty")
		return
	}
	model, err := h.catalog.Model(req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conversationID := req.SessionID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	chunks, err := h.engine.Run(r.Context(), &cast.Request{
		ConversationID: conversationID,
		UserID:         userID,
		Model:          model,
		System:         systemPrompt(req.CustomInfo),
		Messages:       req.Messages,
		ToolKeys:       req.Tools,
	})
	if err != nil {
		switch {
		case errors.Is(err, cast.ErrEmptyMessages), errors.Is(err, cast.ErrUnknownTool):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			// Tool-load and provider wiring failures reject the run
			// before streaming starts.
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Session-Id", conversationID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for chunk := range chunks {
		var event castEvent
		switch {
		case chunk.Text != "":
			event = castEvent{Type: "text", Text: chunk.Text}
		case chunk.ToolCall != nil:
			event = castEvent{Type: "toolCall", ToolCall: chunk.ToolCall}
		case chunk.ToolResult != nil:
			event = castEvent{Type: "toolResult", ToolResult: chunk.ToolResult}
		case chunk.Err != nil:
			event = castEvent{Type: "error", Error: chunk.Err.Error()}
		case chunk.Result != nil:
			event = castEvent{
				Type:       "result",
				StopReason: chunk.Result.StopReason,
				Messages:   chunk.Result.FinalMessages,
			}
		default:
			continue
		}
		if err := enc.Encode(event); err != nil {
			h.logger.Debug("cast stream write failed", "error", err)
			// Keep draining so the run finalizes.
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func systemPrompt(customInfo string) string {
	const base = "You are a capable assistant with access to the user's tools. Use them when they help, and report results faithfully."
	if customInfo == "" {
		return base
	}
	return base + "\n\nAdditional context from the user:\n" + customInfo
}

// sessionAction selects one remote-session operation on POST /session.
type sessionAction string

const (
	actionInitialize sessionAction = "initialize"
	actionExecute    sessionAction = "execute"
	actionEditFile   sessionAction = "editFile"
	actionReadFile   sessionAction = "readFile"
	actionDisconnect sessionAction = "disconnect"
)

// sessionRequest is the POST /session body.
type sessionRequest struct {
	Action         sessionAction `json:"action"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Username       string        `json:"username"`
	Password       string        `json:"password"`
	PrivateKeyPath string        `json:"privateKeyPath"`
	Command        string        `json:"command"`
	Path           string        `json:"path"`
	Content        string        `json:"content"`
}

// handleSessionAction dispatches remote-session operations. Every action
// requires an authenticated user and operates on that user's session only.
func (h *Handler) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.UserFromRequest(r)
	if err != nil || userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	switch req.Action {
	case actionInitialize:
		err := h.props.Initialize(r.Context(), userID, props.Credentials{
			Host:           req.Host,
			Port:           req.Port,
			Username:       req.Username,
			Password:       req.Password,
			PrivateKeyPath: req.PrivateKeyPath,
		})
		if err != nil {
			h.writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.props.UserStatus(userID))

	case actionExecute:
		if req.Command == "" {
			writeError(w, http.StatusBadRequest, "command is required")
			return
		}
		result, err := h.props.ExecuteCommand(r.Context(), userID, req.Command)
		if err != nil {
			h.writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case actionEditFile:
		if req.Path == "" {
			writeError(w, http.StatusBadRequest, "path is required")
			return
		}
		if err := h.props.EditRemoteFile(r.Context(), userID, req.Path, req.Content); err != nil {
			h.writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "path": req.Path})

	case actionReadFile:
		if req.Path == "" {
			writeError(w, http.StatusBadRequest, "path is required")
			return
		}
		data, err := h.props.ReadRemoteFile(r.Context(), userID, req.Path)
		if err != nil {
			h.writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"path": req.Path, "content": string(data)})

	case actionDisconnect:
		h.props.Disconnect(userID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})

	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
	}
}

// writeSessionError maps session manager failures to status codes: bad
// input and missing sessions are client errors, transport failures are
// server errors.
func (h *Handler) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, props.ErrInvalidCredentials), errors.Is(err, props.ErrNotConnected):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("session operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleSessionStatus returns the caller's own session status when a user
// identity is present, or the aggregate manager status otherwise.
func (h *Handler) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.UserFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if userID != "" {
		writeJSON(w, http.StatusOK, h.props.UserStatus(userID))
		return
	}
	writeJSON(w, http.StatusOK, h.props.ManagerStatus())
}
