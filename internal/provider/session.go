package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionProvider sends through an unofficial, QR-paired session gateway
// exposing one HTTP endpoint per connected instance.
type SessionProvider struct {
	log        *logrus.Entry
	httpClient *http.Client
	baseURL    string
	apiKey     string
	instance   string
}

func NewSessionProvider(log *logrus.Entry, baseURL, apiKey, instance string, httpClient *http.Client) *SessionProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &SessionProvider{
		log:        log.WithFields(logrus.Fields{"provider": "session", "instance": instance}),
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		instance:   instance,
	}
}

type sessionTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sessionMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
}

type sessionResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Status   any    `json:"status"`
	Error    string `json:"error"`
	Message  any    `json:"message"`
	Response struct {
		Message any `json:"message"`
	} `json:"response"`
}

func (p *SessionProvider) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	var (
		path    string
		payload any
	)
	switch msg.Kind {
	case KindText:
		path = "/message/sendText/"
		payload = sessionTextRequest{Number: msg.To, Text: msg.Text}
	case KindMedia:
		path = "/message/sendMedia/"
		payload = sessionMediaRequest{Number: msg.To, MediaType: msg.MediaType, Media: msg.MediaURL, Caption: msg.Caption}
	default:
		return nil, newSendError(ErrRejected, 0, "session gateway cannot send %s messages", msg.Kind)
	}

	reqBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal session request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path+p.instance, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("apikey", p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read session response (status %d): %w", httpResp.StatusCode, err)
	}
	var parsed sessionResponse
	_ = json.Unmarshal(respBytes, &parsed)

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		p.log.WithField("to", msg.To).Debug("session send accepted")
		return &SendResult{ProviderMessageID: parsed.Key.ID}, nil
	}

	errMsg := sessionErrorMessage(&parsed, respBytes, httpResp.StatusCode)
	kind := classifyStatus(httpResp.StatusCode)
	if httpResp.StatusCode == http.StatusNotFound || isDisconnected(errMsg) {
		kind = ErrUnavailable
	}
	return nil, newSendError(kind, httpResp.StatusCode, "%s", errMsg)
}

func sessionErrorMessage(parsed *sessionResponse, raw []byte, status int) string {
	for _, m := range []any{parsed.Response.Message, parsed.Message} {
		switch v := m.(type) {
		case string:
			if v != "" {
				return v
			}
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			if len(parts) > 0 {
				return strings.Join(parts, "; ")
			}
		}
	}
	if parsed.Error != "" {
		return parsed.Error
	}
	if len(raw) > 0 && len(raw) < 200 {
		return fmt.Sprintf("session gateway error: status %d, body: %s", status, string(raw))
	}
	return fmt.Sprintf("session gateway error: status %d", status)
}

func isDisconnected(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "connection closed") || strings.Contains(m, "disconnected") || strings.Contains(m, "not connected")
}

func (p *SessionProvider) Type() Type { return TypeSession }

func (p *SessionProvider) InstanceID() string { return "session:" + p.instance }
