package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/batalabs/lcm/internal/config"
)

// sharedHTTPClient is reused across every Anthropic call, matching the
// teacher's streamHTTPClient: one shared Transport avoids ephemeral port
// exhaustion and gives idle-connection reuse across the many small
// summarize/classify calls compaction makes.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
	},
}

// CloseIdleConnections drops the shared client's pooled idle connections, so
// the next request opens a fresh connection. withRetry does not call it.
func CloseIdleConnections() { sharedHTTPClient.CloseIdleConnections() }

// TestAPIURL overrides the Anthropic Messages endpoint in tests.
var TestAPIURL string

const defaultMessagesURL = "https://api.anthropic.com/v1/messages"

// callTimeout is the hard per-call deadline (spec §5 "LLM call: 60s default").
const callTimeout = 60 * time.Second

// AnthropicClient implements Client against the Anthropic Messages API.
type AnthropicClient struct {
	APIKey string
	Model  string
	Logger *config.Logger
}

// NewAnthropicClient builds a Client using the given API key and model.
func NewAnthropicClient(apiKey, model string, logger *config.Logger) *AnthropicClient {
	if model == "" {
		model = "claude-haiku-4-5-20251001"
	}
	return &AnthropicClient{APIKey: apiKey, Model: model, Logger: logger}
}

func (c *AnthropicClient) url() string {
	if TestAPIURL != "" {
		return TestAPIURL
	}
	return defaultMessagesURL
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// complete issues one non-streaming Messages API call and returns the
// concatenated text content.
func (c *AnthropicClient) complete(ctx context.Context, system, user string, maxTokens int) (string, Usage, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	reqBody := anthropicRequest{
		Model:     c.Model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: user}},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", Usage{}, err
	}

	var text string
	var usage Usage
	err = withRetry(ctx, c.Logger, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.url(), bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		req.Header.Set("x-api-key", c.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := sharedHTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 400 {
			var errType, errMsg string
			var parsed anthropicResponse
			if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
				errType = parsed.Error.Type
				errMsg = parsed.Error.Message
			} else {
				errMsg = string(raw)
			}
			return NewAPIError(resp.StatusCode, errType, errMsg, resp.Header)
		}

		var parsed anthropicResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("parsing anthropic response: %w", err)
		}
		var sb []byte
		for _, block := range parsed.Content {
			if block.Type == "text" {
				sb = append(sb, block.Text...)
			}
		}
		text = string(sb)
		usage = Usage{InputTokens: parsed.Usage.InputTokens, OutputTokens: parsed.Usage.OutputTokens}
		return nil
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm unavailable: %w", err)
	}
	return text, usage, nil
}

// Summarize implements Client.
func (c *AnthropicClient) Summarize(ctx context.Context, systemPrompt, blockText string, maxTokens int) (string, Usage, error) {
	return c.complete(ctx, systemPrompt, blockText, maxTokens)
}

// Classify implements Client by asking the model to pick one label, then
// mapping the reply onto labels with trimLabel: the first label the reply
// begins with, or labels[0] when none matches.
func (c *AnthropicClient) Classify(ctx context.Context, text string, labels []string) (string, error) {
	system := "Reply with exactly one of these labels and nothing else: " + fmt.Sprint(labels)
	result, _, err := c.complete(ctx, system, text, 32)
	if err != nil {
		return "", err
	}
	return trimLabel(result, labels), nil
}

func trimLabel(result string, labels []string) string {
	for _, l := range labels {
		if len(result) >= len(l) && result[:len(l)] == l {
			return l
		}
	}
	if len(labels) > 0 {
		return labels[0]
	}
	return result
}

// AgentLoop implements Client with a minimal bounded tool-calling loop used
// only by the agentic_map operator (spec §4.B, §9 "three-tier explorer
// dispatch"). Each turn the model either replies with final text or names a
// tool call by starting its reply with a "TOOL: name {json-args}" line, since the
// non-streaming Messages API call here doesn't negotiate native tool_use
// blocks the way the teacher's streaming provider does.
func (c *AnthropicClient) AgentLoop(ctx context.Context, system string, tools []Tool, exec ToolExecutor, initial string, maxTurns int) (string, error) {
	if maxTurns <= 0 {
		maxTurns = 6
	}
	toolDoc := renderToolDoc(tools)
	transcript := initial
	for turn := 0; turn < maxTurns; turn++ {
		reply, _, err := c.complete(ctx, system+toolDoc, transcript, 2048)
		if err != nil {
			return "", err
		}
		name, args, rest, isCall := parseToolCall(reply)
		if !isCall {
			return reply, nil
		}
		result, err := exec(ctx, ToolCall{Name: name, Input: args})
		if err != nil {
			result = "error: " + err.Error()
		}
		transcript = transcript + "\n" + rest + "\nTOOL RESULT: " + result
	}
	return "", fmt.Errorf("agent loop exceeded %d turns without finishing", maxTurns)
}

func renderToolDoc(tools []Tool) string {
	if len(tools) == 0 {
		return ""
	}
	doc := "\n\nAvailable tools (reply with a line `TOOL: name {json-args}` to call one, or final text to finish):\n"
	for _, t := range tools {
		doc += fmt.Sprintf("- %s: %s\n", t.Name, t.Description)
	}
	return doc
}

func parseToolCall(reply string) (name string, args map[string]any, rest string, ok bool) {
	const prefix = "TOOL: "
	if len(reply) < len(prefix) || reply[:len(prefix)] != prefix {
		return "", nil, "", false
	}
	line := reply[len(prefix):]
	sp := -1
	for i, r := range line {
		if r == ' ' || r == '{' {
			sp = i
			break
		}
	}
	if sp < 0 {
		return line, map[string]any{}, reply, true
	}
	name = line[:sp]
	jsonPart := line[sp:]
	args = map[string]any{}
	_ = json.Unmarshal([]byte(jsonPart), &args)
	return name, args, reply, true
}
