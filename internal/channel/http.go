// Package channel talks to the external messaging gateway over JSON/HTTP.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reachflow/internal/domain"
)

// HTTPGateway implements dispatch.Channel against a gateway exposing
// POST {base}/accounts/{account}/{op}.
type HTTPGateway struct {
	base   string
	token  string
	client *http.Client
}

type Option func(*HTTPGateway)

// WithToken sends a bearer token on every request.
func WithToken(token string) Option { return func(g *HTTPGateway) { g.token = token } }

func WithHTTPClient(c *http.Client) Option { return func(g *HTTPGateway) { g.client = c } }

func NewHTTPGateway(base string, timeout time.Duration, opts ...Option) *HTTPGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	g := &HTTPGateway{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

type request struct {
	Target  string `json:"target,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
	Tag     string `json:"tag,omitempty"`
}

type response struct {
	MessageID string `json:"message_id,omitempty"`
	UID       string `json:"uid,omitempty"`
	Friend    bool   `json:"friend"`
	Error     string `json:"error,omitempty"`
}

func (g *HTTPGateway) SendMessage(ctx context.Context, account domain.Account, target, text string) (string, error) {
	resp, err := g.call(ctx, account, "messages", request{Target: target, Text: text})
	return resp.MessageID, err
}

func (g *HTTPGateway) AddFriend(ctx context.Context, account domain.Account, target, message string) error {
	_, err := g.call(ctx, account, "friends", request{Target: target, Message: message})
	return err
}

func (g *HTTPGateway) LookupIdentifier(ctx context.Context, account domain.Account, phone string) (string, error) {
	resp, err := g.call(ctx, account, "lookup", request{Phone: phone})
	return resp.UID, err
}

func (g *HTTPGateway) CheckFriendStatus(ctx context.Context, account domain.Account, target string) (bool, error) {
	resp, err := g.call(ctx, account, "friends/status", request{Target: target})
	return resp.Friend, err
}

func (g *HTTPGateway) Tag(ctx context.Context, account domain.Account, target, tag string) error {
	_, err := g.call(ctx, account, "tags", request{Target: target, Tag: tag})
	return err
}

func (g *HTTPGateway) call(ctx context.Context, account domain.Account, op string, body request) (response, error) {
	var out response
	payload, err := json.Marshal(body)
	if err != nil {
		return out, fmt.Errorf("encode %s request: %w", op, err)
	}

	endpoint := g.base + "/accounts/" + url.PathEscape(account.ID) + "/" + op
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return out, fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return out, fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return out, fmt.Errorf("read %s response: %w", op, err)
	}
	if len(raw) > 0 {
		// Error bodies are not always JSON.
		_ = json.Unmarshal(raw, &out)
	}

	if resp.StatusCode >= 400 {
		detail := out.Error
		if detail == "" {
			detail = strings.TrimSpace(string(raw))
		}
		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
			return out, fmt.Errorf("%s HTTP %d %s: %w", op, resp.StatusCode, detail, domain.ErrInvalidTarget)
		case http.StatusTooManyRequests:
			return out, fmt.Errorf("%s HTTP %d %s: %w", op, resp.StatusCode, detail, domain.ErrChannelThrottled)
		default:
			return out, fmt.Errorf("%s HTTP %d error: %s", op, resp.StatusCode, detail)
		}
	}
	return out, nil
}
