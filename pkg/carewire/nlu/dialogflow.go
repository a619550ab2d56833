package nlu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// dialogflowEngine calls a Dialogflow-CX-style REST detectIntent endpoint.
type dialogflowEngine struct {
	endpoint   string
	project    string
	location   string
	agent      string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func newDialogflowEngine(cfg Config, logger *slog.Logger) (*dialogflowEngine, error) {
	if cfg.Project == "" || cfg.Agent == "" {
		return nil, fmt.Errorf("dialogflow nlu requires project and agent")
	}
	return &dialogflowEngine{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		project:    cfg.Project,
		location:   cfg.Location,
		agent:      cfg.Agent,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		logger:     logger.With("component", "nlu"),
	}, nil
}

func (e *dialogflowEngine) Provider() string { return "dialogflow" }

type detectIntentRequest struct {
	QueryInput queryInput `json:"queryInput"`
}

type queryInput struct {
	Text         textInput `json:"text"`
	LanguageCode string    `json:"languageCode"`
}

type textInput struct {
	Text string `json:"text"`
}

type detectIntentResponse struct {
	ResponseID  string `json:"responseId"`
	QueryResult struct {
		Text             string `json:"text"`
		ResponseMessages []struct {
			Text struct {
				Text []string `json:"text"`
			} `json:"text"`
		} `json:"responseMessages"`
		CurrentPage struct {
			DisplayName string `json:"displayName"`
		} `json:"currentPage"`
		Intent struct {
			DisplayName string `json:"displayName"`
		} `json:"intent"`
		IntentDetectionConfidence float64        `json:"intentDetectionConfidence"`
		Parameters                map[string]any `json:"parameters"`
	} `json:"queryResult"`
}

func (e *dialogflowEngine) DetectIntent(ctx context.Context, sessionID, text, languageCode string) (*Result, error) {
	if languageCode == "" {
		languageCode = DefaultLanguageCode
	}

	payload, err := json.Marshal(detectIntentRequest{
		QueryInput: queryInput{
			Text:         textInput{Text: text},
			LanguageCode: languageCode,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode detect-intent request: %w", err)
	}

	reqURL := fmt.Sprintf("%s/v3/projects/%s/locations/%s/agents/%s/sessions/%s:detectIntent",
		e.endpoint, e.project, e.location, e.agent, url.PathEscape(sessionID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create detect-intent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detect-intent request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read detect-intent response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detect-intent failed with status %d: %s", resp.StatusCode, string(body))
	}

	var parsed detectIntentResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse detect-intent response: %w", err)
	}

	qr := parsed.QueryResult
	messages := make([]string, 0, len(qr.ResponseMessages))
	for _, msg := range qr.ResponseMessages {
		if len(msg.Text.Text) > 0 {
			messages = append(messages, msg.Text.Text[0])
		} else {
			messages = append(messages, "")
		}
	}

	result := &Result{
		ResponseID: parsed.ResponseID,
		QueryText:  qr.Text,
		Intent: Intent{
			Name:       qr.Intent.DisplayName,
			Confidence: qr.IntentDetectionConfidence,
		},
		Parameters:          qr.Parameters,
		FulfillmentMessages: messages,
		CurrentPage:         qr.CurrentPage.DisplayName,
	}

	e.logger.Info("intent detected",
		"session_id", sessionID,
		"intent", result.Intent.Name,
		"confidence", result.Intent.Confidence)

	return result, nil
}
