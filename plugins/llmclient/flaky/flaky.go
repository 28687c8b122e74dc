package flaky

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"

	"llmcorrupt/pkg/contract"
	"llmcorrupt/plugins/llmclient/mock"
)

// Options 定义可选项；其余键透传给内部 mock。
type Options struct {
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string          `json:"log_path,omitempty"`
	Mock    json.RawMessage `json:"mock,omitempty"`
}

// Client 是带状态的 StructuredClient：
// 第一次 Call 返回限流错误；
// 第二次返回无法通过 Schema 的输出；
// 之后委托给 mock。
type Client struct {
	inner   *mock.Client
	logPath string
	count   atomic.Int32
}

var _ contract.StructuredClient = (*Client)(nil)

// New 构造 Client。
func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	inner, err := mock.New(o.Mock)
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner, logPath: o.LogPath}, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Call 实现 contract.StructuredClient。
func (c *Client) Call(ctx context.Context, q contract.Query) (contract.Structured, error) {
	switch c.count.Add(1) {
	case 1:
		c.log("rate_limited")
		return contract.Structured{}, contract.NewServiceError("flaky", contract.ErrRateLimited, 429, "first call", nil)
	case 2:
		c.log("invalid_json")
		return contract.Structured{}, contract.NewServiceError("flaky", contract.ErrMalformedOutput, 0, "invalid", nil)
	default:
		c.log("ok")
		return c.inner.Call(ctx, q)
	}
}
