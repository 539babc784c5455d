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

// CloudProvider sends through the official WhatsApp Cloud API.
type CloudProvider struct {
	log           *logrus.Entry
	httpClient    *http.Client
	baseURL       string
	accessToken   string
	phoneNumberID string
}

func NewCloudProvider(log *logrus.Entry, baseURL, accessToken, phoneNumberID string, httpClient *http.Client) *CloudProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &CloudProvider{
		log:           log.WithField("provider", "cloud"),
		httpClient:    httpClient,
		baseURL:       strings.TrimRight(baseURL, "/"),
		accessToken:   accessToken,
		phoneNumberID: phoneNumberID,
	}
}

type cloudMedia struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type cloudParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cloudComponent struct {
	Type       string       `json:"type"`
	Parameters []cloudParam `json:"parameters"`
}

type cloudTemplate struct {
	Name     string `json:"name"`
	Language struct {
		Code string `json:"code"`
	} `json:"language"`
	Components []cloudComponent `json:"components,omitempty"`
}

type cloudRequest struct {
	MessagingProduct string         `json:"messaging_product"`
	RecipientType    string         `json:"recipient_type"`
	To               string         `json:"to"`
	Type             string         `json:"type"`
	Text             *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image    *cloudMedia    `json:"image,omitempty"`
	Video    *cloudMedia    `json:"video,omitempty"`
	Audio    *cloudMedia    `json:"audio,omitempty"`
	Document *cloudMedia    `json:"document,omitempty"`
	Template *cloudTemplate `json:"template,omitempty"`
}

type cloudResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func buildCloudRequest(msg *Message) (*cloudRequest, error) {
	req := &cloudRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.To,
	}
	switch msg.Kind {
	case KindText:
		req.Type = "text"
		req.Text = &struct {
			Body string `json:"body"`
		}{Body: msg.Text}
	case KindMedia:
		media := &cloudMedia{Link: msg.MediaURL}
		if msg.MediaType != "audio" {
			media.Caption = msg.Caption
		}
		req.Type = msg.MediaType
		switch msg.MediaType {
		case "image":
			req.Image = media
		case "video":
			req.Video = media
		case "audio":
			req.Audio = media
		case "document":
			req.Document = media
		default:
			return nil, newSendError(ErrRejected, 0, "unsupported media type %q", msg.MediaType)
		}
	case KindTemplate:
		tpl := &cloudTemplate{Name: msg.TemplateName}
		tpl.Language.Code = msg.TemplateLanguage
		if len(msg.TemplateParams) > 0 {
			params := make([]cloudParam, 0, len(msg.TemplateParams))
			for _, p := range msg.TemplateParams {
				params = append(params, cloudParam{Type: "text", Text: p})
			}
			tpl.Components = []cloudComponent{{Type: "body", Parameters: params}}
		}
		req.Type = "template"
		req.Template = tpl
	default:
		return nil, newSendError(ErrRejected, 0, "unsupported message kind %q", msg.Kind)
	}
	return req, nil
}

func (p *CloudProvider) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	body, err := buildCloudRequest(msg)
	if err != nil {
		return nil, err
	}
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal cloud request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", p.baseURL, p.phoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("build cloud request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.accessToken)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read cloud response (status %d): %w", httpResp.StatusCode, err)
	}

	var parsed cloudResponse
	_ = json.Unmarshal(respBytes, &parsed)

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		res := &SendResult{}
		if len(parsed.Messages) > 0 {
			res.ProviderMessageID = parsed.Messages[0].ID
		}
		p.log.WithFields(logrus.Fields{"to": msg.To, "message_id": res.ProviderMessageID}).Debug("cloud send accepted")
		return res, nil
	}

	errMsg := fmt.Sprintf("cloud api error: status %d", httpResp.StatusCode)
	if parsed.Error != nil && parsed.Error.Message != "" {
		errMsg = parsed.Error.Message
	} else if len(respBytes) > 0 && len(respBytes) < 200 {
		errMsg = fmt.Sprintf("cloud api error: status %d, body: %s", httpResp.StatusCode, string(respBytes))
	}
	return nil, newSendError(classifyStatus(httpResp.StatusCode), httpResp.StatusCode, "%s", errMsg)
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnavailable
	case status == http.StatusTooManyRequests || status >= 500:
		return ErrTransient
	default:
		return ErrRejected
	}
}

func (p *CloudProvider) Type() Type { return TypeCloud }

func (p *CloudProvider) InstanceID() string { return "cloud:" + p.phoneNumberID }
