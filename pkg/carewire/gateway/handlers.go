package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rfontaine/carewire/pkg/carewire/assist"
	"github.com/rfontaine/carewire/pkg/carewire/conversation"
	"github.com/rfontaine/carewire/pkg/carewire/generation"
	"github.com/rfontaine/carewire/pkg/carewire/nlu"
)

const version = "1.0.0"

// maxBodyBytes caps request bodies to prevent OOM from oversized payloads.
const maxBodyBytes = 1 << 20

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	_ = enc.Encode(errorResponse{Error: struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}{Message: msg, Code: code}})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

// decodeJSON reads and unmarshals a request body, bounded by maxBodyBytes.
func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("parsing request body: %w", err)
	}
	return nil
}

func (g *Gateway) auditEvent(ctx context.Context, action, resource string, fields map[string]any) {
	if g.audit == nil {
		return
	}
	g.audit.Event(ctx, action, resource, fields)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func (g *Gateway) handleNotFound(w http.ResponseWriter, r *http.Request) {
	g.writeError(w, "not found", 404)
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}

	status := "healthy"
	components := map[string]string{
		"conversation_store": "ok",
		"nlu":                g.nlu.Provider(),
		"crm":                g.crm.Name(),
	}
	if g.storage != nil {
		if err := g.storage.Ping(r.Context()); err != nil {
			components["storage"] = "unavailable"
			status = "degraded"
		} else {
			components["storage"] = "ok"
		}
	}
	if g.telephony != nil {
		components["telephony"] = "configured"
	}

	g.writeJSON(w, 200, map[string]any{
		"status":     status,
		"service":    g.cfg.App.Name,
		"version":    version,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"components": components,
	})
}

type detectIntentRequest struct {
	SessionID    string `json:"session_id"`
	Text         string `json:"text"`
	LanguageCode string `json:"language_code"`
}

type detectIntentResponse struct {
	*nlu.Result
	Clarification *generation.ClarificationResult `json:"clarification,omitempty"`
}

// handleDetectIntent implements POST /api/v1/conversations/detect-intent.
// When the detected intent scores below the configured confidence threshold
// and a generation backend is available, a clarifying question is attached;
// clarification failures degrade silently.
func (g *Gateway) handleDetectIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}

	var req detectIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, "invalid JSON body", 400)
		return
	}
	if req.SessionID == "" || req.Text == "" {
		g.writeError(w, "session_id and text are required", 400)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.requestTimeout)
	defer cancel()

	result, err := g.nlu.DetectIntent(ctx, req.SessionID, req.Text, req.LanguageCode)
	if err != nil {
		g.logger.Error("intent detection failed",
			"session_id", req.SessionID, "error", err,
			"request_id", RequestIDFrom(r.Context()))
		g.writeError(w, "intent detection failed", 502)
		return
	}

	resp := detectIntentResponse{Result: result}
	if g.generator != nil && result.Intent.Confidence < g.cfg.Generation.ConfidenceThreshold {
		clar, clarErr := g.generator.ClarifyIntent(ctx, req.Text, result.Intent.Name, result.Intent.Confidence)
		if clarErr != nil {
			g.logger.Debug("clarification unavailable",
				"session_id", req.SessionID, "error", clarErr)
		} else {
			resp.Clarification = clar
		}
	}

	g.auditEvent(r.Context(), "intent.detect", req.SessionID, map[string]any{
		"intent":      result.Intent.Name,
		"confidence":  result.Intent.Confidence,
		"text_length": len(req.Text),
		"clarified":   resp.Clarification != nil,
	})

	g.writeJSON(w, 200, resp)
}

type agentAssistRequest struct {
	ConversationID      string `json:"conversation_id"`
	IncludeSummary      *bool  `json:"include_summary"`
	IncludeSmartReplies *bool  `json:"include_smart_replies"`
	IncludeKnowledge    *bool  `json:"include_knowledge"`
}

// handleAgentAssist implements POST /api/v1/agent-assist. Include flags
// default to true when omitted.
func (g *Gateway) handleAgentAssist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}

	var req agentAssistRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, "invalid JSON body", 400)
		return
	}
	if req.ConversationID == "" {
		g.writeError(w, "conversation_id is required", 400)
		return
	}

	opts := assist.Options{
		IncludeSummary:      boolOr(req.IncludeSummary, true),
		IncludeSmartReplies: boolOr(req.IncludeSmartReplies, true),
		IncludeKnowledge:    boolOr(req.IncludeKnowledge, true),
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.requestTimeout)
	defer cancel()

	resp, err := g.assist.Generate(ctx, req.ConversationID, opts)
	if err != nil {
		g.logger.Error("assist generation failed",
			"conversation_id", req.ConversationID, "error", err,
			"request_id", RequestIDFrom(r.Context()))
		g.writeError(w, "assist generation failed", 500)
		return
	}

	if g.telephony != nil {
		g.telephony.NotifyAgentAssist(ctx, req.ConversationID, map[string]any{
			"summary":          resp.Summary,
			"next_best_action": resp.NextBestAction,
			"confidence_score": resp.Confidence,
			"reply_count":      len(resp.SmartReplies),
		})
	}

	g.auditEvent(r.Context(), "assist.generate", req.ConversationID, map[string]any{
		"confidence":  resp.Confidence,
		"has_summary": resp.Summary != "",
		"reply_count": len(resp.SmartReplies),
	})

	g.writeJSON(w, 200, resp)
}

// handleConversationByID routes /api/v1/conversations/{id}/messages.
func (g *Gateway) handleConversationByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/conversations/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" || sub != "messages" {
		g.writeError(w, "not found", 404)
		return
	}

	switch r.Method {
	case http.MethodPost:
		g.handleAddMessage(w, r, id)
	case http.MethodGet:
		g.handleGetMessages(w, r, id)
	default:
		g.writeError(w, "method not allowed", 405)
	}
}

type addMessageRequest struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

func (g *Gateway) handleAddMessage(w http.ResponseWriter, r *http.Request, conversationID string) {
	var req addMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, "invalid JSON body", 400)
		return
	}
	if req.Role == "" || req.Text == "" {
		g.writeError(w, "role and text are required", 400)
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			g.writeError(w, "invalid timestamp, want RFC3339", 400)
			return
		}
		ts = parsed
	}

	g.store.Append(conversationID, req.Role, req.Text, ts)

	g.writeJSON(w, 201, map[string]string{
		"status":          "added",
		"conversation_id": conversationID,
	})
}

func (g *Gateway) handleGetMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	limit := g.cfg.App.MaxConversationHistory
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			g.writeError(w, "invalid limit", 400)
			return
		}
		limit = parsed
	}

	messages := g.store.History(conversationID, limit)
	if messages == nil {
		messages = []conversation.Message{}
	}

	g.writeJSON(w, 200, map[string]any{
		"conversation_id": conversationID,
		"messages":        messages,
	})
}

// handleMetrics implements GET /api/v1/metrics.
func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}

	g.writeJSON(w, 200, map[string]any{
		"service":       g.cfg.App.Name,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"conversations": g.store.Metrics(),
		"assist":        g.assist.Counters(),
	})
}
