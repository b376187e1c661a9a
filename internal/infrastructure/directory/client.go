// Package directory talks to the identity and room backend over HTTP.
package directory

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

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"

	"go.uber.org/zap"
)

// maxBody caps how much of a response is read.
const maxBody = 1 << 20

// ErrMalformedResponse marks a 2xx answer that could not be decoded. The
// resolver treats it like a network failure.
var ErrMalformedResponse = errors.New("malformed directory response")

// StatusError is a non-2xx answer.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s: backend answered %d", e.Op, e.StatusCode)
}

// Client implements ports.TokenSource and ports.DirectoryAPI.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *zap.SugaredLogger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid directory url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid directory url %q", baseURL)
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

type tokenResponse struct {
	Token string `json:"token"`
}

// FetchToken calls POST /token. A missing token field yields "" and no error;
// the caller decides what an empty token means.
func (c *Client) FetchToken(ctx context.Context) (string, error) {
	var resp tokenResponse
	if err := c.do(ctx, "token", http.MethodPost, "/token", nil, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (c *Client) GetRoom(ctx context.Context, logicalID string) (*ports.RoomRecord, error) {
	var resp roomResponse
	err := c.do(ctx, "get room", http.MethodGet, "/room/"+url.PathEscape(logicalID), nil, &resp)
	var se *StatusError
	if errors.As(err, &se) {
		// Any non-2xx answer means the room has to be created.
		return nil, fmt.Errorf("%w: %v", domain.ErrRoomNotFound, se)
	}
	if err != nil {
		return nil, err
	}
	return resp.record(), nil
}

func (c *Client) CreateRoom(ctx context.Context, logicalID string) (*ports.RoomRecord, error) {
	var resp roomResponse
	body := map[string]string{"roomId": logicalID}
	if err := c.do(ctx, "create room", http.MethodPost, "/room", body, &resp); err != nil {
		return nil, err
	}
	return resp.record(), nil
}

func (c *Client) AddParticipant(ctx context.Context, logicalID string, id domain.ParticipantID) error {
	body := map[string]string{
		"participantId":       string(id),
		"communicationUserId": string(id),
	}
	return c.do(ctx, "add participant", http.MethodPost, "/room/"+url.PathEscape(logicalID)+"/add-participant", body, nil)
}

type userIDResponse struct {
	ParticipantID       string `json:"participantId"`
	CommunicationUserID string `json:"communicationUserId"`
}

func (c *Client) MyUserID(ctx context.Context) (domain.ParticipantID, error) {
	var resp userIDResponse
	if err := c.do(ctx, "my user id", http.MethodGet, "/my-user-id", nil, &resp); err != nil {
		return "", err
	}
	id := firstNonEmpty(resp.ParticipantID, resp.CommunicationUserID)
	if id == "" {
		return "", fmt.Errorf("%w: no participant id", ErrMalformedResponse)
	}
	return domain.ParticipantID(id), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	c.logger.Debugw("directory request",
		"op", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Op: op, StatusCode: resp.StatusCode}
		var eb struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &eb) == nil {
			se.Message = eb.Error
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrMalformedResponse, err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var (
	_ ports.TokenSource  = (*Client)(nil)
	_ ports.DirectoryAPI = (*Client)(nil)
)
