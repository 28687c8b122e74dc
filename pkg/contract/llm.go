package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Query: 一次结构化调用的参数元组。
// ID 用于跨阶段关联（不得依赖位置序号）；Inputs 为构造提示词时使用的命名字段，供 mock/诊断读取。
type Query struct {
	ID     RecordID
	Stage  string
	Prompt string
	Schema Schema
	Inputs map[string]string
}

// Structured: 已通过 Schema 校验的结构化结果（原样 JSON 对象）。
type Structured struct {
	JSON json.RawMessage
}

// Decode 将结构化结果解码到 v。
func (s Structured) Decode(v any) error {
	if len(s.JSON) == 0 {
		return fmt.Errorf("structured: empty: %w", ErrMalformedOutput)
	}
	if err := json.Unmarshal(s.JSON, v); err != nil {
		return fmt.Errorf("structured: %v: %w", err, ErrMalformedOutput)
	}
	return nil
}

// StructuredClient: 以 (prompt, schema) 调用外部 LLM，返回符合 Schema 的结构化记录。
// 单次调用、同步返回；尊重 ctx 取消/超时；客户端自身不重试。
// 失败时返回 *ServiceError（timeout | malformed-output | transport）。
type StructuredClient interface {
	Call(ctx context.Context, q Query) (Structured, error)
}

// 最小错误分类（用于上层策略判定）。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrTimeout         = errors.New("service timeout")
	ErrMalformedOutput = errors.New("malformed structured output")
	ErrTransport       = errors.New("transport error")
	ErrInvalidInput    = errors.New("invalid input")
)

// Query.Inputs 的键名。
const (
	InputProblem    = "problem"
	InputResponse   = "response"
	InputCorrupted  = "corrupted"
	InputCategories = "categories" // 以 "\n" 连接的类别名
)

// 阶段名（Query.Stage，与 Schema.Name 一一对应）。
const (
	StageRectify  = "rectify"
	StageTag      = "tag"
	StageEmbed    = "embed"
	StageLocalize = "localize"
)
