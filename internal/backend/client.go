// Package backend is the HTTP client for the support backend's widget API:
// sending visitor messages, polling for agent messages, ending a session and
// resetting a conversation.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/siacasa/widget-sync/internal/chat"
)

// StatusSuccess is the value of the "status" field on successful responses.
const StatusSuccess = "success"

var (
	// ErrRejected is returned when the backend answers with a non-success
	// status, either at the HTTP level or in the JSON body.
	ErrRejected = errors.New("backend: request rejected")

	// ErrMalformed is returned when a response body does not have the
	// expected shape.
	ErrMalformed = errors.New("backend: malformed response")
)

// Endpoints holds the API paths relative to the base URL.
type Endpoints struct {
	Send       string
	Poll       string
	EndSession string
	Reset      string
}

// DefaultEndpoints returns the paths served by the SIACASA backend.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Send:       "/api/mensaje",
		Poll:       "/api/mensajes",
		EndSession: "/api/finalizar-sesion",
		Reset:      "/api/reiniciar",
	}
}

// Config holds backend client settings.
type Config struct {
	BaseURL   string
	Endpoints Endpoints
	Timeout   time.Duration
}

// Client talks to the widget API.
type Client struct {
	baseURL    string
	endpoints  Endpoints
	httpClient *http.Client
}

// New creates a client. Zero-value endpoint paths fall back to the defaults.
func New(cfg Config) *Client {
	ep := cfg.Endpoints
	def := DefaultEndpoints()
	if ep.Send == "" {
		ep.Send = def.Send
	}
	if ep.Poll == "" {
		ep.Poll = def.Poll
	}
	if ep.EndSession == "" {
		ep.EndSession = def.EndSession
	}
	if ep.Reset == "" {
		ep.Reset = def.Reset
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		endpoints:  ep,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SendRequest is a visitor message sent over HTTP.
type SendRequest struct {
	Message   string `json:"mensaje"`
	SessionID string `json:"usuario_id"`
	BankCode  string `json:"bank_code,omitempty"`
}

// SendResponse is the backend's answer to a visitor message. SessionID and
// TicketID are set when the backend assigns or replaces them.
type SendResponse struct {
	Status     string         `json:"status"`
	Reply      string         `json:"respuesta"`
	SessionID  string         `json:"usuario_id,omitempty"`
	TicketID   string         `json:"ticket_id,omitempty"`
	SenderName string         `json:"sender_name,omitempty"`
	Timestamp  chat.Timestamp `json:"timestamp"`
	Error      string         `json:"error,omitempty"`
}

// PollRequest asks for agent messages newer than Since.
type PollRequest struct {
	SessionID string
	TicketID  string
	Since     chat.Timestamp
}

// PollResponse lists agent messages in server order.
type PollResponse struct {
	Status   string         `json:"status"`
	Messages []chat.Message `json:"mensajes"`
}

// SendMessage posts a visitor message.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*SendResponse, error) {
	var resp SendResponse
	if err := c.postJSON(ctx, c.endpoints.Send, req, &resp); err != nil {
		// The backend answers failures with a JSON body too; surface its
		// error text when there is one.
		if resp.Error != "" {
			return nil, fmt.Errorf("backend: send: %w: %s", err, resp.Error)
		}
		return nil, fmt.Errorf("backend: send: %w", err)
	}
	if resp.Status != StatusSuccess {
		return nil, fmt.Errorf("backend: send: %w: status %q %s", ErrRejected, resp.Status, resp.Error)
	}
	return &resp, nil
}

// PollMessages fetches agent messages for the session's ticket.
func (c *Client) PollMessages(ctx context.Context, req PollRequest) (*PollResponse, error) {
	q := url.Values{}
	q.Set("usuario_id", req.SessionID)
	q.Set("ticket_id", req.TicketID)
	q.Set("ultimo_mensaje", strconv.FormatInt(req.Since.Millis(), 10))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.endpoints.Poll+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("backend: poll: creating request: %w", err)
	}

	var raw struct {
		Status   string          `json:"status"`
		Messages json.RawMessage `json:"mensajes"`
	}
	if err := c.do(httpReq, &raw); err != nil {
		return nil, fmt.Errorf("backend: poll: %w", err)
	}
	if raw.Status != StatusSuccess {
		return nil, fmt.Errorf("backend: poll: %w: status %q", ErrRejected, raw.Status)
	}

	resp := &PollResponse{Status: raw.Status}
	if len(raw.Messages) == 0 || string(raw.Messages) == "null" {
		return nil, fmt.Errorf("backend: poll: %w: missing mensajes", ErrMalformed)
	}
	if err := json.Unmarshal(raw.Messages, &resp.Messages); err != nil {
		return nil, fmt.Errorf("backend: poll: %w: %v", ErrMalformed, err)
	}
	return resp, nil
}

// EndSession tells the backend the visitor left.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	body := struct {
		SessionID string `json:"usuario_id"`
	}{SessionID: sessionID}
	if err := c.postJSON(ctx, c.endpoints.EndSession, body, nil); err != nil {
		return fmt.Errorf("backend: end session: %w", err)
	}
	return nil
}

// ResetConversation asks the backend to forget the conversation.
func (c *Client) ResetConversation(ctx context.Context, sessionID string) error {
	body := struct {
		SessionID string `json:"usuario_id"`
	}{SessionID: sessionID}
	if err := c.postJSON(ctx, c.endpoints.Reset, body, nil); err != nil {
		return fmt.Errorf("backend: reset: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

// do executes req and decodes a JSON body into out (when non-nil). Non-2xx
// responses yield ErrRejected; out is still decoded best-effort so callers can
// read the backend's error text.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return fmt.Errorf("%w: http status %d", ErrRejected, resp.StatusCode)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
