// Package anthropic 基于官方 anthropic-sdk-go 实现 contract.StructuredClient（Messages API）。
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"

	"llmcorrupt/pkg/contract"
	"llmcorrupt/pkg/schema"
)

const (
	provider = "anthropic"
	// 529 overloaded：与 429 同按限流处理
	statusOverloaded = 529
	systemPrompt     = "Respond with a single JSON object and nothing else."
)

// Options: 最小必需配置。
type Options struct {
	BaseURL        string   `json:"base_url"` // 留空用 SDK 默认
	Model          string   `json:"model"`
	APIKeyEnv      string   `json:"api_key_env"`
	APIKey         string   `json:"api_key"`
	MaxTokens      int      `json:"max_tokens"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	Temperature    *float64 `json:"temperature,omitempty"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = string(anthropic.ModelClaudeSonnet4_5)
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "CLAUDE_API_KEY"
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
}

// Client: SDK 客户端 + 固定模型参数。SDK 自身重试关闭（重试由 dispatch 决定）。
type Client struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
	temp      *float64
}

var _ contract.StructuredClient = (*Client)(nil)

// New 从原样 JSON 选项构造客户端；缺少 key 返回 ErrMissingCredential。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("anthropic options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: %s: %w", opts.APIKeyEnv, contract.ErrMissingCredential)
	}
	ro := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}),
	}
	if opts.BaseURL != "" {
		ro = append(ro, option.WithBaseURL(opts.BaseURL))
	}
	return &Client{
		sdk:       anthropic.NewClient(ro...),
		model:     opts.Model,
		maxTokens: int64(opts.MaxTokens),
		temp:      opts.Temperature,
	}, nil
}

// Call: 单次调用；文本块拼接后按 q.Schema 提取并校验 JSON 对象。
func (c *Client) Call(ctx context.Context, q contract.Query) (contract.Structured, error) {
	v, err := schema.Compile(q.Schema)
	if err != nil {
		return contract.Structured{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(q.Prompt))},
	}
	if c.temp != nil {
		params.Temperature = anthropic.Float(*c.temp)
	}
	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return contract.Structured{}, mapError(err)
	}
	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return contract.Structured{}, contract.NewServiceError(provider, contract.ErrMalformedOutput, 0, "empty content", nil)
	}
	out, err := v.Parse(text.String())
	if err != nil {
		return contract.Structured{}, contract.NewServiceError(provider, contract.ErrMalformedOutput, 0, "", err)
	}
	return out, nil
}

// mapError: 429/529 → rate-limited；408/5xx → transport；其他 4xx → invalid-input；ctx 错误 → timeout。
func mapError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		status := apierr.StatusCode
		msg := gjson.Get(apierr.RawJSON(), "error.message").String()
		switch {
		case status == http.StatusTooManyRequests || status == statusOverloaded:
			return contract.NewServiceError(provider, contract.ErrRateLimited, status, msg, nil)
		case status == http.StatusRequestTimeout || status/100 == 5:
			return contract.NewServiceError(provider, contract.ErrTransport, status, msg, nil)
		default:
			return contract.NewServiceError(provider, contract.ErrInvalidInput, status, msg, nil)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return contract.NewServiceError(provider, contract.ErrTimeout, 0, "", err)
	}
	return contract.NewServiceError(provider, contract.ErrTransport, 0, "", err)
}
