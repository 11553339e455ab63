// Package gateway is the stateless request/response bridge to the
// external inference engine. It forwards canonical state and raw user
// text; the engine's question logic is a black box behind a fixed
// HTTP contract.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bhzitouni/intake/internal/fault"
	"github.com/bhzitouni/intake/internal/state"
)

// StepResult is the engine's answer to an initialize or step call.
type StepResult struct {
	Reply string
	State state.State
	Done  bool
}

// Client talks to the engine over HTTP. It retains no state between
// calls; retry policy belongs to the caller.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient creates an engine client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}
}

type stepRequest struct {
	ConversationID string      `json:"conversation_id"`
	UserInput      string      `json:"user_input"`
	State          state.State `json:"state"`
}

type engineResponse struct {
	Reply string          `json:"reply"`
	State json.RawMessage `json:"state"`
	Done  bool            `json:"done"`
}

type generateRequest struct {
	Answers        map[string]string `json:"answers"`
	ConversationID string            `json:"conversation_id"`
}

type generateResponse struct {
	Message string   `json:"message"`
	Files   []string `json:"files"`
}

// Initialize starts a fresh question sequence. The engine takes no
// input state.
func (c *Client) Initialize(ctx context.Context) (*StepResult, error) {
	var resp engineResponse
	if err := c.post(ctx, "/initialize", nil, &resp); err != nil {
		return nil, err
	}
	return resultFromResponse(resp)
}

// Step forwards the caller's current canonical state plus raw user
// text and returns the engine's next reply, the possibly fully
// rewritten state, and a completion flag. An empty userInput asks for
// the current question without answering.
func (c *Client) Step(ctx context.Context, conversationID, userInput string, st state.State) (*StepResult, error) {
	req := stepRequest{
		ConversationID: conversationID,
		UserInput:      userInput,
		State:          st.Normalized(),
	}
	var resp engineResponse
	if err := c.post(ctx, "/chat-step", req, &resp); err != nil {
		return nil, err
	}
	return resultFromResponse(resp)
}

// GeneratePDFs asks the artifact generator to render documents from a
// finished answer set and returns the generated file names.
func (c *Client) GeneratePDFs(ctx context.Context, answers map[string]string, conversationID string) ([]string, error) {
	req := generateRequest{Answers: answers, ConversationID: conversationID}
	var resp generateResponse
	if err := c.post(ctx, "/generate-pdfs", req, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

func resultFromResponse(resp engineResponse) (*StepResult, error) {
	st, err := state.FromWire(resp.State)
	if err != nil {
		return nil, fault.Wrap(fault.EngineUnavailable, fmt.Errorf("engine returned malformed state: %w", err))
	}
	return &StepResult{Reply: resp.Reply, State: st, Done: resp.Done}, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fault.Wrap(fault.Internal, fmt.Errorf("failed to encode %s request: %w", path, err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fault.Wrap(fault.Internal, fmt.Errorf("failed to build %s request: %w", path, err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fault.Wrap(fault.EngineUnavailable, fmt.Errorf("engine call %s failed: %w", path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fault.New(fault.EngineUnavailable, "engine call %s returned %d: %s", path, resp.StatusCode, string(snippet))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.Wrap(fault.EngineUnavailable, fmt.Errorf("failed to decode %s response: %w", path, err))
	}
	return nil
}
