package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const defaultClaudeBase = "https://api.anthropic.com"

// newAnthropicStreamFunc builds the raw upstream call: one streaming POST to
// the messages endpoint per invocation, translated into StreamEvents. The
// X-Pool-Account header identifies which pooled account made the call for
// upstream-side diagnostics.
func newAnthropicStreamFunc(base string, client *http.Client) UpstreamStreamFunc {
	if base == "" {
		base = defaultClaudeBase
	}
	if client == nil {
		client = http.DefaultClient
	}

	return func(ctx context.Context, token string, acc Account, req StreamRequest) (<-chan StreamEvent, error) {
		body := req.Body
		if len(body) == 0 {
			body = []byte("{}")
		}
		var err error
		if req.Model != "" {
			if body, err = sjson.SetBytes(body, "model", req.Model); err != nil {
				return nil, err
			}
		}
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Authorization", "Bearer "+token)
		httpReq.Header.Set("anthropic-version", "2023-06-01")
		httpReq.Header.Set("anthropic-beta", "oauth-2025-04-20")
		httpReq.Header.Set("X-Pool-Account", acc.Email)

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
			resp.Body.Close()
			// Status text stays in the message so quota classification
			// sees the 429.
			return nil, fmt.Errorf("upstream %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
		}

		events := make(chan StreamEvent)
		go func() {
			defer close(events)
			defer resp.Body.Close()

			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := scanner.Text()
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if data == "" || data == "[DONE]" {
					continue
				}

				ev := translateUpstreamEvent([]byte(data))
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Kind == eventDone || ev.Kind == eventError {
					return
				}
			}
		}()
		return events, nil
	}
}

// translateUpstreamEvent maps one upstream SSE payload to a StreamEvent.
func translateUpstreamEvent(data []byte) StreamEvent {
	switch gjson.GetBytes(data, "type").String() {
	case "error":
		msg := gjson.GetBytes(data, "error.message").String()
		if msg == "" {
			msg = string(data)
		}
		return StreamEvent{Kind: eventError, Message: msg}
	case "message_stop":
		return StreamEvent{Kind: eventDone, Data: data}
	default:
		return StreamEvent{Kind: eventPartial, Data: data}
	}
}
