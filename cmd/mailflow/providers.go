package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/venueos/mailflow/internal/handlers"
	"github.com/venueos/mailflow/pkg/schema"
)

// httpAgentClient dispatches agent requests to an external agent service
// over HTTP. The service owns the prompt/LLM mechanics; this side only
// carries the resolved payload.
type httpAgentClient struct {
	endpoint string
	client   *http.Client
}

func newHTTPAgentClient(endpoint string) *httpAgentClient {
	return &httpAgentClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *httpAgentClient) Invoke(ctx context.Context, req *handlers.AgentRequest) (map[string]any, error) {
	if c.endpoint == "" {
		return nil, schema.NewError(schema.ErrCodeExecution, "agent endpoint not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "marshal agent request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "build agent request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "agent call failed").WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "read agent response").WithCause(err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "agent returned %d: %s", resp.StatusCode, string(data))
	}

	var output map[string]any
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "decode agent response").WithCause(err)
	}
	return output, nil
}

// agentJudge scores guardrail prompts through the same agent service.
type agentJudge struct {
	client *httpAgentClient
}

func (j *agentJudge) Score(ctx context.Context, prompt, content string) (float64, error) {
	output, err := j.client.Invoke(ctx, &handlers.AgentRequest{
		Kind:   "guardrail_judge",
		Prompt: prompt,
		Input:  map[string]any{"content": content},
	})
	if err != nil {
		return 0, err
	}
	confidence, ok := output["confidence"].(float64)
	if !ok {
		return 0, schema.NewError(schema.ErrCodeExecution, "judge response missing confidence")
	}
	return confidence, nil
}

// httpMailbox files emails via an external mailbox service.
type httpMailbox struct {
	endpoint string
	client   *http.Client
}

func newHTTPMailbox(endpoint string) *httpMailbox {
	return &httpMailbox{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (m *httpMailbox) MoveEmail(ctx context.Context, venueID, messageID, folderPath string, markAsSeen bool) error {
	if m.endpoint == "" {
		return schema.NewError(schema.ErrCodeExecution, "mailbox endpoint not configured")
	}

	body, _ := json.Marshal(map[string]any{
		"venue_id":     venueID,
		"message_id":   messageID,
		"folder_path":  folderPath,
		"mark_as_seen": markAsSeen,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+"/move", bytes.NewReader(body))
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "build mailbox request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "mailbox call failed").WithCause(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("mailbox returned %d", resp.StatusCode)
	}
	return nil
}
