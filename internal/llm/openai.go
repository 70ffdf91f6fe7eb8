package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/almanac-ai/almanac/internal/config"
	"github.com/almanac-ai/almanac/internal/httpkit"
)

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a completion service client. Per-request deadlines
// are the caller's responsibility via ctx; the HTTP client itself only
// bounds connection establishment and response headers.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Completions can take a while before headers arrive (long prompts,
	// tool deliberation). Loosen the shared transport's header timeout.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		logger:  logger.With("component", "llm"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Wire types for the chat completions API.

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Tools          []wireTool      `json:"tools,omitempty"`
	ToolChoice     string          `json:"tool_choice,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type wireTool struct {
	Type     string     `json:"type"`
	Function ToolSchema `json:"function"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Chat sends one chat completion request. No retries: callers decide
// whether a failure is advisory (time-range extraction) or fatal (the
// main loop), and a silent retry would stall both.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	wire := chatCompletionRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != 0 || req.JSONOnly {
		temp := req.Temperature
		wire.Temperature = &temp
	}
	if len(req.Tools) > 0 {
		wire.Tools = make([]wireTool, len(req.Tools))
		for i, t := range req.Tools {
			wire.Tools[i] = wireTool{Type: "function", Function: t}
		}
		wire.ToolChoice = "auto"
	}
	if req.JSONOnly {
		wire.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		var ae apiError
		if json.Unmarshal([]byte(body), &ae) == nil && ae.Error.Message != "" {
			return nil, fmt.Errorf("completion API %d: %s", resp.StatusCode, ae.Error.Message)
		}
		return nil, fmt.Errorf("completion API %d: %s", resp.StatusCode, body)
	}

	var wireResp chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &ChatResponse{
		Model:        wireResp.Model,
		InputTokens:  wireResp.Usage.PromptTokens,
		OutputTokens: wireResp.Usage.CompletionTokens,
	}
	if len(wireResp.Choices) > 0 {
		choice := wireResp.Choices[0]
		msg := choice.Message
		out.Message = &msg
		out.FinishReason = choice.FinishReason
	}

	c.logger.Debug("completion received",
		"model", out.Model,
		"finish_reason", out.FinishReason,
		"tokens_in", out.InputTokens,
		"tokens_out", out.OutputTokens,
	)

	return out, nil
}
