package contract

import (
	"context"
	"errors"
	"fmt"
)

// 存储/关联/配置相关最小错误分类。
var (
	// ErrPathInvalid: 文档名映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrNotFound: 文档不存在。
	ErrNotFound = errors.New("document not found")
	// ErrJoinMiss: 结果 ID 在输入中无对应记录。
	ErrJoinMiss = errors.New("join miss")
	// ErrDuplicateID: 输入存在重复 ID（严格模式下快速失败）。
	ErrDuplicateID = errors.New("duplicate record id")
	// ErrMissingCredential: 阶段所需的凭据缺失。
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// ServiceError: 远程调用失败（timeout / transport / malformed-output）。
// Kind 为上述哨兵之一；errors.Is 同时匹配 Kind 与底层 Err。
type ServiceError struct {
	Kind     error
	Provider string
	Status   int
	Msg      string
	Err      error
}

func (e *ServiceError) Error() string {
	s := e.Provider
	if s == "" {
		s = "service"
	}
	if e.Status > 0 {
		s = fmt.Sprintf("%s %d", s, e.Status)
	}
	kind := "error"
	if e.Kind != nil {
		kind = e.Kind.Error()
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", s, kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", s, kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", s, kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", s, kind)
}

func (e *ServiceError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// UpstreamStatus/UpstreamMessage 实现 UpstreamError。
func (e *ServiceError) UpstreamStatus() int     { return e.Status }
func (e *ServiceError) UpstreamMessage() string { return e.Msg }

var _ UpstreamError = (*ServiceError)(nil)

// NewServiceError 构造 ServiceError；ctx 超时/取消优先归为 timeout。
func NewServiceError(provider string, kind error, status int, msg string, err error) *ServiceError {
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		kind = ErrTimeout
	}
	return &ServiceError{Kind: kind, Provider: provider, Status: status, Msg: msg, Err: err}
}

// UpstreamError 承载 HTTP 上游错误的最小诊断信息（状态码与简短消息），
// 便于 dispatch 记录结构化日志字段。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}
