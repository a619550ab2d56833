package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rfontaine/carewire/pkg/carewire/conversation"
	"github.com/rfontaine/carewire/pkg/carewire/telephony"
)

// handleTelephonyWebhook implements POST /webhooks/telephony. The signature
// is verified over the raw body before any store mutation; unknown event
// types are acknowledged and ignored so the platform does not retry them.
func (g *Gateway) handleTelephonyWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		g.writeError(w, "reading request body failed", 400)
		return
	}

	signature := r.Header.Get(telephony.SignatureHeader)
	if err := telephony.VerifySignature(g.cfg.Telephony.WebhookSecret, signature, body); err != nil {
		g.logger.Warn("webhook signature rejected",
			"error", err, "request_id", RequestIDFrom(r.Context()))
		g.writeError(w, "invalid webhook signature", 401)
		return
	}

	var evt telephony.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		g.writeError(w, "invalid JSON payload", 400)
		return
	}

	switch evt.EventType {
	case telephony.EventConversationStart:
		g.webhookConversationStart(w, r, &evt)
	case telephony.EventMessageCreated:
		g.webhookMessageCreated(w, r, &evt)
	case telephony.EventAgentJoined:
		g.webhookAgentJoined(w, r, &evt)
	case telephony.EventConversationEnd:
		g.webhookConversationEnd(w, r, &evt)
	default:
		g.logger.Warn("unknown webhook event type", "event_type", evt.EventType)
		g.writeJSON(w, 200, map[string]string{
			"status":     "ignored",
			"event_type": evt.EventType,
		})
	}
}

func (g *Gateway) webhookConversationStart(w http.ResponseWriter, r *http.Request, evt *telephony.Event) {
	if evt.ID == "" {
		g.writeError(w, "no conversation id", 400)
		return
	}

	g.store.Register(evt.ID)
	g.logger.Info("conversation started", "conversation_id", evt.ID)
	g.auditEvent(r.Context(), "webhook.conversation.start", evt.ID, map[string]any{
		"participants": len(evt.Participants),
	})

	g.writeJSON(w, 200, map[string]string{
		"status":          "processed",
		"conversation_id": evt.ID,
		"action":          "registered",
	})
}

func (g *Gateway) webhookMessageCreated(w http.ResponseWriter, r *http.Request, evt *telephony.Event) {
	if evt.ConversationID == "" || evt.Message == nil {
		g.writeError(w, "invalid payload", 400)
		return
	}

	role := telephony.RoleForSender(evt.Message.Type)
	ts := time.Now().UTC()
	if evt.Message.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, evt.Message.Timestamp); err == nil {
			ts = parsed
		}
	}

	g.store.Append(evt.ConversationID, role, evt.Message.Text, ts)
	g.auditEvent(r.Context(), "webhook.message.created", evt.ConversationID, map[string]any{
		"role":        role,
		"text_length": len(evt.Message.Text),
	})

	if role == conversation.RolePatient {
		// Patient turns are what make an assist request worthwhile; the
		// agent desktop polls /api/v1/agent-assist on this signal.
		g.logger.Debug("patient message recorded, assist eligible",
			"conversation_id", evt.ConversationID)
	}

	g.writeJSON(w, 200, map[string]string{
		"status":          "processed",
		"conversation_id": evt.ConversationID,
		"message_role":    role,
	})
}

func (g *Gateway) webhookAgentJoined(w http.ResponseWriter, r *http.Request, evt *telephony.Event) {
	if evt.ConversationID == "" || evt.Participant == nil {
		g.writeError(w, "invalid payload", 400)
		return
	}

	note := telephony.AgentJoinedNote(evt.Participant.Name)
	g.store.Append(evt.ConversationID, conversation.RoleSystem, note, time.Now().UTC())

	g.logger.Info("agent joined conversation",
		"conversation_id", evt.ConversationID, "agent_id", evt.Participant.UserID)
	g.auditEvent(r.Context(), "webhook.agent.joined", evt.ConversationID, map[string]any{
		"agent_id": evt.Participant.UserID,
	})

	g.writeJSON(w, 200, map[string]string{
		"status":          "processed",
		"conversation_id": evt.ConversationID,
		"agent_id":        evt.Participant.UserID,
		"action":          "agent_joined",
	})
}

func (g *Gateway) webhookConversationEnd(w http.ResponseWriter, r *http.Request, evt *telephony.Event) {
	if evt.ID == "" {
		g.writeError(w, "no conversation id", 400)
		return
	}

	rec, ok := g.store.Close(evt.ID)
	if ok {
		g.archiveRecord(r, rec)
		g.wrapUpConversation(r, evt.ID)
	}

	g.logger.Info("conversation ended", "conversation_id", evt.ID)
	g.auditEvent(r.Context(), "webhook.conversation.end", evt.ID, map[string]any{
		"message_count": len(rec.Messages),
		"known":         ok,
	})

	g.writeJSON(w, 200, map[string]string{
		"status":          "processed",
		"conversation_id": evt.ID,
		"action":          "closed",
	})
}

// archiveRecord persists a closed conversation when archiving is wired.
// Failures are logged; the webhook is still acknowledged so the platform
// does not redeliver.
func (g *Gateway) archiveRecord(r *http.Request, rec conversation.Record) {
	if g.archiver == nil {
		return
	}
	archiveID, err := g.archiver.ArchiveConversation(r.Context(), rec)
	if err != nil {
		g.logger.Error("archiving conversation failed",
			"conversation_id", rec.ID, "error", err)
		return
	}
	g.auditEvent(r.Context(), "archive.write", rec.ID, map[string]any{
		"archive_id":    archiveID,
		"message_count": len(rec.Messages),
	})
}

// wrapUpConversation applies the configured wrap-up code on the platform
// side when a conversation ends. Skipped unless both a client and a code
// are configured.
func (g *Gateway) wrapUpConversation(r *http.Request, conversationID string) {
	if g.telephony == nil || g.cfg.Telephony.WrapupCode == "" {
		return
	}
	err := g.telephony.WrapUpConversation(r.Context(), conversationID,
		g.cfg.Telephony.WrapupCode, "closed by "+g.cfg.App.Name)
	if err != nil {
		g.logger.Warn("wrap-up failed",
			"conversation_id", conversationID, "error", err)
	}
}
