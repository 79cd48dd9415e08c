// Package restapi is the client for the dispatch server's REST fallback
// endpoints.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
)

var ErrUnauthorized = errors.New("unauthorized")

// StatusError is returned for any non-2xx response other than 401/403.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Endpoint, e.Code, e.Body)
}

// TokenSource supplies the bearer token attached to each request.
type TokenSource interface {
	Token() string
}

type Client struct {
	base   string
	tokens TokenSource
	http   *http.Client
}

func NewClient(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		tokens: tokens,
		http:   &http.Client{Timeout: timeout},
	}
}

// SetTokenSource replaces the token source. The credential store is built
// with this client as its refresher, so the two are wired after construction.
func (c *Client) SetTokenSource(tokens TokenSource) { c.tokens = tokens }

type listEnvelope[T any] struct {
	Data []T `json:"data"`
}

// FetchOpenOffers lists offers with the given status ("open" for the
// fulfiller's catch-up poll).
func (c *Client) FetchOpenOffers(ctx context.Context, status string) ([]models.Offer, error) {
	q := url.Values{"status": {status}}
	var out listEnvelope[models.Offer]
	if err := c.do(ctx, http.MethodGet, "offers", "/offers?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// FetchActiveRides lists the caller's own non-terminal rides.
func (c *Client) FetchActiveRides(ctx context.Context) ([]models.Ride, error) {
	var out listEnvelope[models.Ride]
	if err := c.do(ctx, http.MethodGet, "active_rides", "/rides/active", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ListConversations lists the caller's conversations with per-role unread
// counts.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out listEnvelope[models.Conversation]
	if err := c.do(ctx, http.MethodGet, "conversations", "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// RefreshToken exchanges a refresh token for a new pair. It never sends the
// current access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (string, string, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.do(ctx, http.MethodPost, "refresh", "/auth/refresh", body, &out); err != nil {
		return "", "", err
	}
	if out.AccessToken == "" {
		return "", "", fmt.Errorf("refresh: empty access token")
	}
	return out.AccessToken, out.RefreshToken, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, path string, body, out any) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		observability.RESTFetches.WithLabelValues(endpoint, result).Inc()
	}()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", endpoint, err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if endpoint != "refresh" && c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", endpoint, ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", endpoint, err)
	}
	return nil
}
