// Package openai 基于官方 openai-go SDK 实现 contract.StructuredClient（JSON object 模式）。
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"llmcorrupt/pkg/contract"
	"llmcorrupt/pkg/schema"
)

const provider = "openai"

// Options: 最小必需配置。
type Options struct {
	BaseURL        string            `json:"base_url"`        // 例如 https://api.openai.com/v1；留空用 SDK 默认
	Model          string            `json:"model"`           // 为空则使用默认
	APIKeyEnv      string            `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string            `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int               `json:"timeout_seconds"` // 可选 client 级超时（秒）
	Temperature    *float64          `json:"temperature,omitempty"`
	ExtraHeaders   map[string]string `json:"extra_headers"` // 追加请求头（OpenAI 兼容服务）
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gpt-4o"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
}

// Client: SDK 客户端 + 固定模型/温度。SDK 自身重试关闭（重试由 dispatch 决定）。
type Client struct {
	sdk   openai.Client
	model string
	temp  float64
}

var _ contract.StructuredClient = (*Client)(nil)

// New 从原样 JSON 选项构造客户端；缺少 key 返回 ErrMissingCredential。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("openai: %s: %w", opts.APIKeyEnv, contract.ErrMissingCredential)
	}
	timeout := time.Duration(opts.TimeoutSeconds) * time.Second
	ro := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if opts.BaseURL != "" {
		ro = append(ro, option.WithBaseURL(opts.BaseURL))
	}
	for k, v := range opts.ExtraHeaders {
		if k == "" {
			continue
		}
		ro = append(ro, option.WithHeader(k, v))
	}
	var temp float64
	if opts.Temperature != nil {
		temp = *opts.Temperature
	}
	return &Client{sdk: openai.NewClient(ro...), model: opts.Model, temp: temp}, nil
}

// Call: 单次调用，同步返回；输出按 q.Schema 校验。
func (c *Client) Call(ctx context.Context, q contract.Query) (contract.Structured, error) {
	v, err := schema.Compile(q.Schema)
	if err != nil {
		return contract.Structured{}, err
	}
	resp, err := c.sdk.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    []openai.ChatCompletionMessageParamUnion{openai.UserMessage(q.Prompt)},
		Temperature: openai.Float(c.temp),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return contract.Structured{}, mapError(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return contract.Structured{}, contract.NewServiceError(provider, contract.ErrMalformedOutput, 0, "empty choices", nil)
	}
	out, err := v.Parse(resp.Choices[0].Message.Content)
	if err != nil {
		return contract.Structured{}, contract.NewServiceError(provider, contract.ErrMalformedOutput, 0, "", err)
	}
	return out, nil
}

// mapError: 429 → rate-limited；408/5xx → transport；其他 4xx → invalid-input；ctx 错误 → timeout。
func mapError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		status := apierr.StatusCode
		msg := apierr.Message
		switch {
		case status == http.StatusTooManyRequests:
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
