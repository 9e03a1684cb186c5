package outbound

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
	"strings"
	"time"

	"inboxbot/internal/domain"
)

const (
	defaultGraphBase    = "https://graph.facebook.com"
	defaultGraphVersion = "v19.0"
	maxErrorBody        = 64 << 10
)

// GraphConfig configures a Graph Send API transport.
type GraphConfig struct {
	Channel     domain.Channel // messenger or instagram
	BaseURL     string
	Version     string
	AccessToken string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// GraphTransport calls POST /{version}/me/messages on the Graph API.
type GraphTransport struct {
	channel  domain.Channel
	endpoint string
	token    string
	client   *http.Client
	logger   *slog.Logger
}

func NewGraphTransport(cfg GraphConfig) *GraphTransport {
	if cfg.Channel == "" {
		cfg.Channel = domain.ChannelMessenger
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGraphBase
	}
	if cfg.Version == "" {
		cfg.Version = defaultGraphVersion
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &GraphTransport{
		channel:  cfg.Channel,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.Trim(cfg.Version, "/") + "/me/messages",
		token:    cfg.AccessToken,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
	}
}

func (g *GraphTransport) Channel() domain.Channel { return g.channel }

// --- Send API payload types ---

type graphRecipient struct {
	ID string `json:"id"`
}

type graphAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL        string `json:"url"`
		IsReusable bool   `json:"is_reusable"`
	} `json:"payload"`
}

type graphMessage struct {
	Text       string           `json:"text,omitempty"`
	Attachment *graphAttachment `json:"attachment,omitempty"`
}

type graphRequest struct {
	Recipient     graphRecipient `json:"recipient"`
	MessagingType string         `json:"messaging_type,omitempty"`
	Message       *graphMessage  `json:"message,omitempty"`
	SenderAction  string         `json:"sender_action,omitempty"`
}

type graphResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

type graphError struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// Send delivers msg and returns the Graph message id.
func (g *GraphTransport) Send(ctx context.Context, msg domain.OutboundMessage) (string, error) {
	body := graphRequest{
		Recipient:     graphRecipient{ID: msg.RecipientID},
		MessagingType: msg.MessagingType,
		Message:       &graphMessage{Text: msg.Text},
	}
	if body.MessagingType == "" {
		body.MessagingType = "RESPONSE"
	}
	if msg.Attachment != nil {
		a := &graphAttachment{Type: msg.Attachment.Type}
		a.Payload.URL = msg.Attachment.URL
		a.Payload.IsReusable = true
		body.Message = &graphMessage{Attachment: a}
	}

	var out graphResponse
	if err := g.post(ctx, body, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

// SenderAction sends typing_on, typing_off or mark_seen.
func (g *GraphTransport) SenderAction(ctx context.Context, recipientID string, action domain.SenderAction) error {
	return g.post(ctx, graphRequest{
		Recipient:    graphRecipient{ID: recipientID},
		SenderAction: string(action),
	}, nil)
}

func (g *GraphTransport) post(ctx context.Context, payload graphRequest, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	u := g.endpoint + "?access_token=" + url.QueryEscape(g.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Drop the URL from the message: it carries the access token.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return &domain.SendError{Status: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &domain.SendError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var ge graphError
		if json.Unmarshal(respBody, &ge) == nil && ge.Error.Message != "" {
			se.Message = ge.Error.Message
			se.Type = ge.Error.Type
			se.Code = ge.Error.Code
			se.TraceID = ge.Error.FBTraceID
		}
		g.logger.Warn("graph send api error",
			"channel", g.channel,
			"status", se.Status,
			"code", se.Code,
			"fbtrace_id", se.TraceID,
		)
		return se
	}

	if out != nil {
		// The message went out; an unreadable body only loses its id.
		if err := json.Unmarshal(respBody, out); err != nil {
			g.logger.Warn("graph send api: undecodable response", "channel", g.channel, "err", err)
		}
	}
	return nil
}
