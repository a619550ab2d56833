// Package telephony integrates with the cloud contact-center platform. It
// provides an OAuth2 client-credentials API client for conversation lookups,
// wrap-up codes and analytics queries, plus the webhook payload types and
// signature verification for the events the platform delivers.
package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// tokenExpiryBuffer is subtracted from the platform's token lifetime; a
// cached token inside the buffer is treated as already expired.
const tokenExpiryBuffer = 300 * time.Second

// Config controls the platform connection.
type Config struct {
	AuthBase       string `yaml:"auth_base"`
	APIBase        string `yaml:"api_base"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	WebhookSecret  string `yaml:"webhook_secret"`
	WrapupCode     string `yaml:"wrapup_code"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Effective returns the config with defaults applied.
func (c Config) Effective() Config {
	out := c
	if out.AuthBase == "" {
		out.AuthBase = "https://login.mypurecloud.com"
	}
	if out.APIBase == "" {
		out.APIBase = "https://api.mypurecloud.com/api/v2"
	}
	if out.TimeoutSeconds <= 0 {
		out.TimeoutSeconds = 30
	}
	return out
}

// APIError is a non-2xx platform response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform request failed with status %d: %s", e.Status, e.Body)
}

// IsNotFound reports whether err is a 404 platform response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Participant is one party on a conversation.
type Participant struct {
	ID      string `json:"id,omitempty"`
	UserID  string `json:"userId,omitempty"`
	Name    string `json:"name,omitempty"`
	Purpose string `json:"purpose,omitempty"`
	State   string `json:"state,omitempty"`
}

// Conversation is the platform's record of a call or chat.
type Conversation struct {
	ID           string        `json:"id"`
	StartTime    string        `json:"startTime,omitempty"`
	EndTime      string        `json:"endTime,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}

// Message is a single conversation message as the platform stores it.
type Message struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// User is a platform user, normally an agent.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	State string `json:"state,omitempty"`
}

// Client calls the contact-center platform REST API. Access tokens are
// fetched with the client-credentials grant and cached until they enter the
// expiry buffer; Client is safe for concurrent use.
type Client struct {
	authBase     string
	apiBase      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	now func() time.Time
}

// NewClient builds a platform client from cfg.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg = cfg.Effective()
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("telephony client requires client_id and client_secret")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		authBase:     strings.TrimRight(cfg.AuthBase, "/"),
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		logger:       logger.With("component", "telephony"),
		now:          time.Now,
	}, nil
}

// ensureToken returns a valid access token, fetching a fresh one when the
// cached token is missing or inside the expiry buffer.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiresAt) {
		return c.token, nil
	}

	data := url.Values{"grant_type": {"client_credentials"}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authBase+"/oauth/token", strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.clientID, c.clientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}

	c.token = tokenResp.AccessToken
	c.expiresAt = c.now().Add(time.Duration(tokenResp.ExpiresIn)*time.Second - tokenExpiryBuffer)
	c.logger.Info("platform token refreshed", "expires_at", c.expiresAt.Format(time.RFC3339))

	return c.token, nil
}

// RefreshToken discards the cached token and fetches a fresh one.
func (c *Client) RefreshToken(ctx context.Context) error {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()

	_, err := c.ensureToken(ctx)
	return err
}

// do issues an authenticated API request. A nil payload sends no body; a
// nil out discards the response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	reqURL := c.apiBase + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// GetConversation fetches the platform record for a conversation.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetMessages fetches up to limit messages for a conversation, oldest first.
func (c *Client) GetMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := url.Values{"pageSize": {strconv.Itoa(limit)}}
	var page struct {
		Entities []Message `json:"entities"`
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, query, nil, &page); err != nil {
		return nil, err
	}
	return page.Entities, nil
}

// GetUser fetches a platform user by id.
func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// WrapUpConversation applies a wrap-up code to an ended conversation.
func (c *Client) WrapUpConversation(ctx context.Context, conversationID, code, notes string) error {
	payload := map[string]string{"code": code, "notes": notes}
	path := "/conversations/" + url.PathEscape(conversationID) + "/participants/wrapup"
	return c.do(ctx, http.MethodPatch, path, nil, payload, nil)
}

// SearchConversations queries the analytics API for conversations between
// startDate and endDate (RFC3339), newest first. Any filters are merged into
// the query body as-is.
func (c *Client) SearchConversations(ctx context.Context, startDate, endDate string, filters map[string]any) ([]Conversation, error) {
	query := map[string]any{
		"interval": fmt.Sprintf("%s/%s", startDate, endDate),
		"order":    "desc",
		"orderBy":  "conversationStart",
	}
	for k, v := range filters {
		query[k] = v
	}

	var result struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodPost, "/analytics/conversations/details/query", nil, query, &result); err != nil {
		return nil, err
	}
	return result.Conversations, nil
}

// NotifyAgentAssist assembles the assist notification for an agent desktop
// and returns it to the caller.
// TODO: deliver over the platform notification channel once one is provisioned.
func (c *Client) NotifyAgentAssist(ctx context.Context, conversationID string, assistData map[string]any) map[string]any {
	payload := map[string]any{
		"conversationId": conversationID,
		"assistData":     assistData,
		"timestamp":      c.now().UTC().Format(time.RFC3339),
	}
	c.logger.Info("agent assist notification prepared", "conversation_id", conversationID)
	return payload
}
