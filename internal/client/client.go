// Package hubclient is the Go SDK for the collaboration hub: thin REST
// calls for the introspection surface plus WS envelope round-trip helpers
// for driving a live session. Grounded on the teacher's sdk/go/client.go
// Client{BaseURL, HTTPClient, Timeout} shape and do() helper.
package hubclient

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

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/opencode-hub/hub/internal/store"
	"github.com/opencode-hub/hub/internal/wire"
)

// Client is a minimal hub API client covering both the REST introspection
// surface and the WS protocol.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Timeout: 10 * time.Second}
}

// APIError wraps non-2xx REST responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps the event log listing with a cursor.
type PaginatedEvents struct {
	Items      []store.Event `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

// ListJournals returns every journal summary.
func (c *Client) ListJournals(ctx context.Context) ([]store.JournalSummary, error) {
	var resp struct {
		Items []store.JournalSummary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/journals", nil, &resp)
	return resp.Items, err
}

// CreateJournal creates a journal with the given title.
func (c *Client) CreateJournal(ctx context.Context, title string) (store.Journal, error) {
	var resp struct {
		Journal store.Journal `json:"journal"`
	}
	err := c.do(ctx, http.MethodPost, "v0/journals", map[string]any{"title": title}, &resp)
	return resp.Journal, err
}

// GetJournal fetches a journal and its blocks.
func (c *Client) GetJournal(ctx context.Context, id string) (store.Journal, []store.Block, error) {
	var resp struct {
		Journal store.Journal `json:"journal"`
		Blocks  []store.Block `json:"blocks"`
	}
	err := c.do(ctx, http.MethodGet, "v0/journals/"+url.PathEscape(id), nil, &resp)
	return resp.Journal, resp.Blocks, err
}

// WorkQueue returns the work items assigned to participantID.
func (c *Client) WorkQueue(ctx context.Context, participantID string) ([]store.WorkItem, error) {
	var resp struct {
		Items []store.WorkItem `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/participants/%s/work-queue", url.PathEscape(participantID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ApprovalQueue returns the approval requests awaiting participantID.
func (c *Client) ApprovalQueue(ctx context.Context, participantID string) ([]store.ApprovalRequest, error) {
	var resp struct {
		Items []store.ApprovalRequest `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/participants/%s/approval-queue", url.PathEscape(participantID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// AvailableParticipants lists participants currently accepting work.
func (c *Client) AvailableParticipants(ctx context.Context) ([]store.Participant, error) {
	var resp struct {
		Items []store.Participant `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/participants/available", nil, &resp)
	return resp.Items, err
}

// Events returns the first page of the event log (oldest first, at most
// limit events), optionally scoped to journalID.
func (c *Client) Events(ctx context.Context, journalID string, limit int) (PaginatedEvents, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if journalID != "" {
		q.Set("journal_id", journalID)
	}
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	reqURL := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) wsURL() string {
	u := c.base()
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	return u + "/ws"
}

// Dial opens a WS session against the hub, authenticating with whichever
// of BearerToken/APIKey is set on c.
func (c *Client) Dial(ctx context.Context) (*WSSession, error) {
	dialURL := c.wsURL()
	q := url.Values{}
	var d ws.Dialer
	switch {
	case c.BearerToken != "":
		q.Set("token", c.BearerToken)
	case c.APIKey != "":
		d.Header = ws.HandshakeHeaderHTTP(http.Header{"X-Api-Key": []string{c.APIKey}})
	}
	if enc := q.Encode(); enc != "" {
		dialURL += "?" + enc
	}
	conn, _, _, err := d.Dial(ctx, dialURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", dialURL, err)
	}
	return &WSSession{conn: conn}, nil
}

// WSSession is one open, authenticated WS connection to the hub.
type WSSession struct {
	conn io.ReadWriteCloser
}

// Send marshals fields as a client->server envelope of the given type and
// writes it as a single text frame.
func (s *WSSession) Send(envelopeType string, fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["type"] = envelopeType
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return wsutil.WriteClientText(s.conn, data)
}

// Recv blocks for the next server->client envelope.
func (s *WSSession) Recv() (wire.Decoded, error) {
	data, _, err := wsutil.ReadServerData(s.conn)
	if err != nil {
		return wire.Decoded{}, err
	}
	return wire.Decode(data)
}

// Close closes the underlying WS connection.
func (s *WSSession) Close() error {
	return s.conn.Close()
}
