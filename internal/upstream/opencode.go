package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/opencode-hub/hub/internal/apperr"
)

// OpenCode is the production adapter to a single-user OpenCode server,
// grounded on the teacher's sdk/go client's net/http style and the SSE
// framing recovered from original_source/src/opencode.rs.
type OpenCode struct {
	BaseURL    string
	HTTPClient *http.Client

	mu       sync.Mutex
	sessions map[string]string // journalID -> sessionID
}

// NewOpenCode builds an OpenCode client against baseURL.
func NewOpenCode(baseURL string) *OpenCode {
	return &OpenCode{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 0}, // streaming: no blanket timeout
		sessions:   make(map[string]string),
	}
}

func (c *OpenCode) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// EnsureSession implements spec §4.2 ensure_session.
func (c *OpenCode) EnsureSession(ctx context.Context, journalID string) (string, error) {
	c.mu.Lock()
	if id, ok := c.sessions[journalID]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/session", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", apperr.Wrap(apperr.UpstreamFailure, "build session request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.UpstreamFailure, "create upstream session", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", apperr.Newf(apperr.UpstreamFailure, "upstream session create: status %d", resp.StatusCode)
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperr.Wrap(apperr.UpstreamFailure, "decode session response", err)
	}

	c.mu.Lock()
	c.sessions[journalID] = parsed.ID
	c.mu.Unlock()
	return parsed.ID, nil
}

// ForkSession implements spec §4.2 fork_session.
func (c *OpenCode) ForkSession(ctx context.Context, parentSessionID, forkPointMarker string) (string, error) {
	body, _ := json.Marshal(map[string]string{"at": forkPointMarker})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/session/%s/fork", c.BaseURL, parentSessionID), bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(apperr.UpstreamFailure, "build fork request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.UpstreamFailure, "fork upstream session", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", apperr.Newf(apperr.UpstreamFailure, "upstream session fork: status %d", resp.StatusCode)
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperr.Wrap(apperr.UpstreamFailure, "decode fork response", err)
	}
	return parsed.ID, nil
}

// Send implements spec §4.2 send: subscribes to the SSE event stream
// filtered by session, posts the prompt, and translates events into
// Fragments on the returned channel.
func (c *OpenCode) Send(ctx context.Context, sessionID, prompt string) (<-chan Fragment, error) {
	eventReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/event", nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamFailure, "build event request", err)
	}
	eventResp, err := c.httpClient().Do(eventReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamFailure, "subscribe to upstream events", err)
	}
	if eventResp.StatusCode/100 != 2 {
		eventResp.Body.Close()
		return nil, apperr.Newf(apperr.UpstreamFailure, "subscribe to upstream events: status %d", eventResp.StatusCode)
	}

	promptBody, _ := json.Marshal(map[string]any{
		"parts": []map[string]string{{"type": "text", "text": prompt}},
	})
	promptReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/session/%s/prompt_async", c.BaseURL, sessionID), bytes.NewReader(promptBody))
	if err != nil {
		eventResp.Body.Close()
		return nil, apperr.Wrap(apperr.UpstreamFailure, "build prompt request", err)
	}
	promptReq.Header.Set("Content-Type", "application/json")
	promptResp, err := c.httpClient().Do(promptReq)
	if err != nil {
		eventResp.Body.Close()
		return nil, apperr.Wrap(apperr.UpstreamFailure, "send prompt", err)
	}
	promptResp.Body.Close()
	if promptResp.StatusCode/100 != 2 {
		eventResp.Body.Close()
		return nil, apperr.Newf(apperr.UpstreamFailure, "send prompt: status %d", promptResp.StatusCode)
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)
		defer eventResp.Body.Close()
		c.pumpSSE(ctx, eventResp.Body, sessionID, out)
	}()
	return out, nil
}

// pumpSSE scans an SSE byte stream line by line, accumulating event/data
// fields, and emits translated Fragments. Framing grounded on
// original_source/src/opencode.rs's parse_sse_stream.
func (c *OpenCode) pumpSSE(ctx context.Context, body io.Reader, sessionID string, out chan<- Fragment) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType, data string
	emit := func() bool {
		if data == "" {
			return true
		}
		frag, ok := parseEvent(eventType, data, sessionID)
		eventType, data = "", ""
		if !ok {
			return true
		}
		select {
		case out <- frag:
		case <-ctx.Done():
			return false
		}
		return frag.Kind != End && frag.Kind != FragError
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		switch {
		case line == "":
			if !emit() {
				return
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data != "" {
				data += "\n"
			}
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	msg := "upstream event stream ended before session.idle"
	if err := scanner.Err(); err != nil {
		msg = err.Error()
	}
	select {
	case out <- Fragment{Kind: FragError, Text: msg}:
	case <-ctx.Done():
	}
}

// parseEvent mirrors original_source/src/opencode.rs's parse_event: it
// filters by sessionID and maps OpenCode's event vocabulary onto Fragment.
func parseEvent(eventType, data, sessionID string) (Fragment, bool) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return Fragment{}, false
	}
	payloadType, _ := payload["type"].(string)
	if payloadType == "" {
		payloadType = eventType
	}
	props, _ := payload["properties"].(map[string]any)

	if props != nil && sessionID != "" {
		if sid, ok := props["sessionID"].(string); ok && sid != sessionID {
			return Fragment{}, false
		}
		if part, ok := props["part"].(map[string]any); ok {
			if sid, ok := part["sessionID"].(string); ok && sid != sessionID {
				return Fragment{}, false
			}
		}
	}

	switch payloadType {
	case "message.part.updated":
		if props == nil {
			return Fragment{}, false
		}
		if delta, ok := props["delta"].(string); ok && delta != "" {
			return Fragment{Kind: TextDelta, Text: delta}, true
		}
		if part, ok := props["part"].(map[string]any); ok {
			if content, ok := part["content"].(string); ok && content != "" {
				return Fragment{Kind: TextDelta, Text: content}, true
			}
		}
		return Fragment{}, false
	case "session.idle":
		return Fragment{Kind: End}, true
	case "session.error":
		msg := "upstream session error"
		if props != nil {
			if e, ok := props["error"].(map[string]any); ok {
				if m, ok := e["message"].(string); ok {
					msg = m
				}
			}
		}
		return Fragment{Kind: FragError, Text: msg}, true
	default:
		return Fragment{}, false
	}
}
