package provider

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

	"github.com/pario-ai/helmsman/pkg/models"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4096

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type promptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

type chatUsage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	PromptTokensDetails *promptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// OpenAI talks to any chat-completions compatible endpoint.
type OpenAI struct {
	baseURL string
	apiKey  string
	client  *http.Client
	now     func() time.Time
}

// NewOpenAI returns a provider for baseURL, e.g. "https://api.openai.com/v1".
// A nil client uses http.DefaultClient.
func NewOpenAI(baseURL, apiKey string, client *http.Client) (*OpenAI, error) {
	target, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid provider URL %q", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAI{
		baseURL: strings.TrimRight(target.String(), "/"),
		apiKey:  apiKey,
		client:  client,
		now:     time.Now,
	}, nil
}

// Complete implements Provider.
func (o *OpenAI) Complete(ctx context.Context, req Request) (*Result, error) {
	wire := chatRequest{Model: req.Model}
	if req.System != "" {
		wire.Messages = append(wire.Messages, chatMessage{Role: string(models.RoleSystem), Content: req.System})
	}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	temp := req.Temperature
	wire.Temperature = &temp
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		wire.MaxTokens = &maxTokens
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, o.providerError(resp)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	res := &Result{
		Text:  out.Choices[0].Message.Content,
		Model: out.Model,
	}
	if res.Model == "" {
		res.Model = req.Model
	}
	if out.Usage != nil {
		res.InputTokens = out.Usage.PromptTokens
		res.OutputTokens = out.Usage.CompletionTokens
		if out.Usage.PromptTokensDetails != nil {
			res.CachedTokens = out.Usage.PromptTokensDetails.CachedTokens
		}
	}
	return res, nil
}

func (o *OpenAI) providerError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	perr := &ProviderError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), o.now()),
	}
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error.Message != "" {
		perr.Message = er.Error.Message
	} else {
		perr.Message = strings.TrimSpace(string(raw))
	}
	return perr
}
