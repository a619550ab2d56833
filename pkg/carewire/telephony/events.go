package telephony

import "fmt"

// Webhook event types delivered by the platform.
const (
	EventConversationStart = "v2.conversations.start"
	EventMessageCreated    = "v2.conversations.messages.created"
	EventAgentJoined       = "v2.conversations.participants.agent.joined"
	EventConversationEnd   = "v2.conversations.end"
)

// Event is one webhook delivery. The payload fields sit alongside the event
// type in a single flat object; which of them are populated depends on the
// type. Start and end events carry the conversation in ID, message and
// agent-joined events carry it in ConversationID.
type Event struct {
	EventType      string        `json:"eventType"`
	ID             string        `json:"id,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	StartTime      string        `json:"startTime,omitempty"`
	EndTime        string        `json:"endTime,omitempty"`
	Participants   []Participant `json:"participants,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	Participant    *Participant  `json:"participant,omitempty"`
}

// RoleForSender maps a platform sender type onto the conversation roles the
// assist pipeline understands. Agents keep their role; every other sender
// type ("customer", unknown, empty) is the patient side of the call.
func RoleForSender(senderType string) string {
	if senderType == "agent" {
		return "agent"
	}
	return "patient"
}

// AgentJoinedNote renders the system line recorded when a human agent joins
// a conversation.
func AgentJoinedNote(name string) string {
	if name == "" {
		return "Agent joined the conversation"
	}
	return fmt.Sprintf("Agent %s joined the conversation", name)
}
