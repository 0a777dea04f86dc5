package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client implements Gateway against any OpenAI-compatible chat completions
// endpoint. vLLM, Ollama, and OpenAI itself all speak this protocol.
type Client struct {
	opts   Options
	client *http.Client
	logger *zap.Logger
}

// New creates a provider client from resolved options.
func New(opts Options, logger *zap.Logger) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.APIKey == "" {
		opts.APIKey = "not-needed"
	}
	return &Client{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger,
	}
}

func (c *Client) Info() ProviderInfo {
	return ProviderInfo{
		Provider: c.opts.Provider,
		Endpoint: c.opts.Endpoint,
		Model:    c.opts.Model,
	}
}

// chatPayload is the wire request body.
type chatPayload struct {
	Model            string    `json:"model"`
	Messages         []wireMsg `json:"messages"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
	Temperature      float64   `json:"temperature,omitempty"`
	TopP             float64   `json:"top_p,omitempty"`
	FrequencyPenalty float64   `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64   `json:"presence_penalty,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
}

type wireMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponseBody struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// formatMessages maps a ChatRequest onto wire messages. Flattening mode folds
// the system prompt and the whole transcript into one user message; standard
// mode emits a system message followed by the role-tagged history.
func (c *Client) formatMessages(req *ChatRequest) []wireMsg {
	if c.opts.FlattenMessages {
		var sb strings.Builder
		sb.WriteString(req.SystemPrompt)
		sb.WriteString("\n\n")
		for _, m := range req.Messages {
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
		return []wireMsg{{Role: "user", Content: strings.TrimSpace(sb.String())}}
	}

	msgs := make([]wireMsg, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, wireMsg{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, wireMsg{Role: m.Role, Content: m.Content})
	}
	return msgs
}

func (c *Client) payload(req *ChatRequest, stream bool) *chatPayload {
	return &chatPayload{
		Model:            c.opts.Model,
		Messages:         c.formatMessages(req),
		MaxTokens:        c.opts.MaxTokens,
		Temperature:      c.opts.Temperature,
		TopP:             c.opts.TopP,
		FrequencyPenalty: c.opts.FrequencyPenalty,
		PresencePenalty:  c.opts.PresencePenalty,
		Stream:           stream,
	}
}

func (c *Client) post(ctx context.Context, op string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, newError(KindMalformed, op, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.opts.Endpoint+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, newError(KindNetwork, op, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, newError(KindNetwork, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, newError(KindProvider, op,
			fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody)))
	}
	return resp, nil
}

// Generate sends a non-streaming chat request.
func (c *Client) Generate(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	const op = "generate"

	resp, err := c.post(ctx, op, c.payload(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body chatResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, newError(KindMalformed, op, fmt.Errorf("decode response: %w", err))
	}
	if len(body.Choices) == 0 {
		return nil, newError(KindMalformed, op, fmt.Errorf("empty choices in response"))
	}

	c.logger.Debug("generation complete",
		zap.String("provider", c.opts.Provider),
		zap.Int("total_tokens", body.Usage.TotalTokens))

	return &ChatResponse{
		Content: body.Choices[0].Message.Content,
		Model:   body.Model,
		Usage:   body.Usage,
	}, nil
}

// GenerateStream sends a streaming chat request and decodes the SSE reply.
func (c *Client) GenerateStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	const op = "generate_stream"

	resp, err := c.post(ctx, op, c.payload(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk, 64)
	go c.readSSEStream(resp.Body, ch)
	return ch, nil
}

func (c *Client) readSSEStream(body io.ReadCloser, ch chan<- StreamChunk) {
	defer close(ch)
	defer body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 1024)
	for {
		n, err := body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				idx := bytes.Index(buf, []byte("\n\n"))
				if idx < 0 {
					break
				}
				line := string(buf[:idx])
				buf = buf[idx+2:]

				if len(line) > 6 && line[:6] == "data: " {
					data := line[6:]
					if data == "[DONE]" {
						ch <- StreamChunk{Done: true}
						return
					}
					var chunk struct {
						Choices []struct {
							Delta struct {
								Content string `json:"content"`
							} `json:"delta"`
						} `json:"choices"`
					}
					if json.Unmarshal([]byte(data), &chunk) == nil && len(chunk.Choices) > 0 {
						if content := chunk.Choices[0].Delta.Content; content != "" {
							ch <- StreamChunk{Content: content}
						}
					}
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				ch <- StreamChunk{Err: newError(KindNetwork, "generate_stream", err)}
			} else {
				// Stream ended without a [DONE] marker.
				ch <- StreamChunk{Err: newError(KindMalformed, "generate_stream",
					fmt.Errorf("stream closed before completion"))}
			}
			return
		}
	}
}

// TestConnection sends a tiny probe request and reports the outcome.
func (c *Client) TestConnection(ctx context.Context) *ConnectionInfo {
	info := &ConnectionInfo{
		Provider: c.opts.Provider,
		Details: map[string]any{
			"endpoint": c.opts.Endpoint,
			"model":    c.opts.Model,
		},
	}

	resp, err := c.Generate(ctx, &ChatRequest{
		Messages: []Message{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		info.Error = err.Error()
		c.logger.Warn("LLM connection test failed",
			zap.String("provider", c.opts.Provider), zap.Error(err))
		return info
	}

	info.Success = true
	info.Details["response"] = resp.Content
	info.Details["usage"] = resp.Usage
	c.logger.Info("LLM connection test succeeded", zap.String("provider", c.opts.Provider))
	return info
}
