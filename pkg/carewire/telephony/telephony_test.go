package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newPlatformServer serves a stub token endpoint plus the given API handler.
// Tokens are numbered tok-1, tok-2, ... so tests can watch cache behavior.
func newPlatformServer(t *testing.T, api http.HandlerFunc) (*httptest.Server, *int) {
	t.Helper()
	tokenCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			tokenCalls++
			user, pass, ok := r.BasicAuth()
			if !ok || user != "client-1" || pass != "secret-1" {
				t.Errorf("token request basic auth = %q/%q, want client-1/secret-1", user, pass)
			}
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse token form: %v", err)
			} else if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
				t.Errorf("grant_type = %q, want client_credentials", got)
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"bearer","expires_in":3600}`, tokenCalls)
			return
		}
		api(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &tokenCalls
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(Config{
		AuthBase:     srv.URL,
		APIBase:      srv.URL + "/api/v2",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
	}, testLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	if _, err := NewClient(Config{ClientID: "client-1"}, testLogger()); err == nil {
		t.Error("expected error when client_secret is missing")
	}
	if _, err := NewClient(Config{ClientSecret: "secret-1"}, testLogger()); err == nil {
		t.Error("expected error when client_id is missing")
	}
}

func TestConfig_Effective(t *testing.T) {
	cfg := Config{}.Effective()
	if cfg.AuthBase != "https://login.mypurecloud.com" {
		t.Errorf("AuthBase = %q", cfg.AuthBase)
	}
	if cfg.APIBase != "https://api.mypurecloud.com/api/v2" {
		t.Errorf("APIBase = %q", cfg.APIBase)
	}
	if cfg.TimeoutSeconds != 30 {
		t.Errorf("TimeoutSeconds = %d, want 30", cfg.TimeoutSeconds)
	}

	custom := Config{AuthBase: "https://login.example.com", TimeoutSeconds: 5}.Effective()
	if custom.AuthBase != "https://login.example.com" {
		t.Errorf("AuthBase = %q, want override kept", custom.AuthBase)
	}
	if custom.TimeoutSeconds != 5 {
		t.Errorf("TimeoutSeconds = %d, want 5", custom.TimeoutSeconds)
	}
}

func TestClient_TokenCachedUntilBuffer(t *testing.T) {
	srv, tokenCalls := newPlatformServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"conv-1"}`)
	})
	client := newTestClient(t, srv)

	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return current }

	ctx := context.Background()
	if _, err := client.GetConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if _, err := client.GetConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if *tokenCalls != 1 {
		t.Errorf("token calls = %d, want 1 while cached", *tokenCalls)
	}

	// 3600s lifetime minus the 300s buffer leaves 3300s of usable life.
	current = current.Add(3301 * time.Second)
	if _, err := client.GetConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if *tokenCalls != 2 {
		t.Errorf("token calls = %d, want 2 after expiry", *tokenCalls)
	}
}

func TestClient_RefreshToken(t *testing.T) {
	srv, tokenCalls := newPlatformServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"conv-1"}`)
	})
	client := newTestClient(t, srv)

	ctx := context.Background()
	if _, err := client.GetConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if err := client.RefreshToken(ctx); err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if *tokenCalls != 2 {
		t.Errorf("token calls = %d, want 2 after forced refresh", *tokenCalls)
	}
	if _, err := client.GetConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if *tokenCalls != 2 {
		t.Errorf("token calls = %d, want refreshed token reused", *tokenCalls)
	}
}

func TestClient_GetConversation(t *testing.T) {
	var gotPath, gotAuth string
	srv, _ := newPlatformServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"conv-7","startTime":"2026-03-01T10:00:00Z","participants":[{"id":"p1","purpose":"customer"}]}`)
	})
	client := newTestClient(t, srv)

	conv, err := client.GetConversation(context.Background(), "conv-7")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if gotPath != "/api/v2/conversations/conv-7" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("authorization = %q, want Bearer tok-1", gotAuth)
	}
	if conv.ID != "conv-7" || len(conv.Participants) != 1 {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestClient_GetMessages(t *testing.T) {
	var gotPageSize string
	srv, _ := newPlatformServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPageSize = r.URL.Query().Get("pageSize")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"entities":[{"id":"m1","type":"customer","text":"hi"},{"id":"m2","type":"agent","text":"hello"}]}`)
	})
	client := newTestClient(t, srv)

	messages, err := client.GetMessages(context.Background(), "conv-7", 5)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if gotPageSize != "5" {
		t.Errorf("pageSize = %q, want 5", gotPageSize)
	}
	if len(messages) != 2 || messages[0].ID != "m1" || messages[1].Type != "agent" {
		t.Errorf("messages = %+v", messages)
	}
}

func TestClient_WrapUpConversation(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]string
	srv, _ := newPlatformServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode wrapup body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})
	client := newTestClient(t, srv)

	err := client.WrapUpConversation(context.Background(), "conv-2", "resolved", "handled by assist")
	if err != nil {
		t.Fatalf("WrapUpConversation: %v", err)
	}
	if gotMethod != http.MethodPatch {
		t.Errorf("method = %q, want PATCH", gotMethod)
	}
	if gotPath != "/api/v2/conversations/conv-2/participants/wrapup" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["code"] != "resolved" || gotBody["notes"] != "handled by assist" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestClient_SearchConversations(t *testing.T) {
	var gotQuery map[string]any
	srv, _ := newPlatformServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotQuery); err != nil {
			t.Errorf("decode query body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"conversations":[{"id":"c1"},{"id":"c2"}]}`)
	})
	client := newTestClient(t, srv)

	convs, err := client.SearchConversations(context.Background(),
		"2026-03-01T00:00:00Z", "2026-03-02T00:00:00Z",
		map[string]any{"mediaType": "message"})
	if err != nil {
		t.Fatalf("SearchConversations: %v", err)
	}
	if len(convs) != 2 || convs[0].ID != "c1" {
		t.Errorf("conversations = %+v", convs)
	}
	if gotQuery["interval"] != "2026-03-01T00:00:00Z/2026-03-02T00:00:00Z" {
		t.Errorf("interval = %v", gotQuery["interval"])
	}
	if gotQuery["order"] != "desc" || gotQuery["orderBy"] != "conversationStart" {
		t.Errorf("ordering = %v/%v", gotQuery["order"], gotQuery["orderBy"])
	}
	if gotQuery["mediaType"] != "message" {
		t.Errorf("filter mediaType = %v, want merged into query", gotQuery["mediaType"])
	}
}

func TestClient_NotFound(t *testing.T) {
	srv, _ := newPlatformServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"conversation not found"}`)
	})
	client := newTestClient(t, srv)

	_, err := client.GetConversation(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false, want true", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Errorf("err = %v, want *APIError with status 404", err)
	}
}

func TestClient_TokenExchangeFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid_client"}`)
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		AuthBase:     srv.URL,
		APIBase:      srv.URL,
		ClientID:     "client-1",
		ClientSecret: "wrong",
	}, testLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.GetConversation(context.Background(), "conv-1")
	if err == nil || !strings.Contains(err.Error(), "token exchange failed with status 401") {
		t.Errorf("err = %v, want token exchange failure", err)
	}
}

func TestClient_NotifyAgentAssist(t *testing.T) {
	srv, _ := newPlatformServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected API call %s %s", r.Method, r.URL.Path)
	})
	client := newTestClient(t, srv)
	client.now = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC) }

	note := client.NotifyAgentAssist(context.Background(), "conv-3", map[string]any{"summary": "ok"})
	if note["conversationId"] != "conv-3" {
		t.Errorf("conversationId = %v", note["conversationId"])
	}
	if note["timestamp"] != "2026-03-01T12:30:00Z" {
		t.Errorf("timestamp = %v", note["timestamp"])
	}
	data, ok := note["assistData"].(map[string]any)
	if !ok || data["summary"] != "ok" {
		t.Errorf("assistData = %v", note["assistData"])
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"eventType":"v2.conversations.start","id":"conv-1"}`)
	secret := "hook-secret"

	tests := []struct {
		name      string
		secret    string
		signature string
		body      []byte
		wantErr   error
	}{
		{"valid", secret, Sign(secret, body), body, nil},
		{"no secret skips", "", "", body, nil},
		{"missing signature", secret, "", body, ErrMissingSignature},
		{"wrong signature", secret, "deadbeef", body, ErrInvalidSignature},
		{"tampered body", secret, Sign(secret, body), []byte(`{"id":"conv-2"}`), ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(tt.secret, tt.signature, tt.body)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifySignature() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEvent_Decode(t *testing.T) {
	raw := `{
		"eventType": "v2.conversations.messages.created",
		"conversationId": "conv-5",
		"message": {"id": "m1", "type": "customer", "text": "I need to reschedule", "timestamp": "2026-03-01T10:00:00Z"}
	}`
	var evt Event
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.EventType != EventMessageCreated {
		t.Errorf("EventType = %q", evt.EventType)
	}
	if evt.ConversationID != "conv-5" {
		t.Errorf("ConversationID = %q", evt.ConversationID)
	}
	if evt.Message == nil || evt.Message.Text != "I need to reschedule" {
		t.Errorf("Message = %+v", evt.Message)
	}

	rawEnd := `{"eventType":"v2.conversations.end","id":"conv-5","endTime":"2026-03-01T11:00:00Z"}`
	var end Event
	if err := json.Unmarshal([]byte(rawEnd), &end); err != nil {
		t.Fatalf("unmarshal end event: %v", err)
	}
	if end.EventType != EventConversationEnd || end.ID != "conv-5" {
		t.Errorf("end event = %+v", end)
	}
}

func TestRoleForSender(t *testing.T) {
	tests := []struct {
		senderType string
		want       string
	}{
		{"agent", "agent"},
		{"customer", "patient"},
		{"unknown", "patient"},
		{"", "patient"},
	}
	for _, tt := range tests {
		if got := RoleForSender(tt.senderType); got != tt.want {
			t.Errorf("RoleForSender(%q) = %q, want %q", tt.senderType, got, tt.want)
		}
	}
}

func TestAgentJoinedNote(t *testing.T) {
	if got := AgentJoinedNote("Dr. Smith"); got != "Agent Dr. Smith joined the conversation" {
		t.Errorf("note = %q", got)
	}
	if got := AgentJoinedNote(""); got != "Agent joined the conversation" {
		t.Errorf("note with empty name = %q", got)
	}
}
