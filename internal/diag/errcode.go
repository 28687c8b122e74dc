package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"llmcorrupt/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeBudget    Code = "budget"
	CodeCancel    Code = "cancel"
	CodeTimeout   Code = "timeout"
	CodeConfig    Code = "config"
	CodeIO        Code = "io"
)

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 单次调用超时优先于取消：ServiceError 已将 DeadlineExceeded 归为 ErrTimeout
	if errors.Is(err, contract.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	if errors.Is(err, contract.ErrMalformedOutput) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrMissingCredential) {
		return CodeConfig
	}
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrJoinMiss) ||
		errors.Is(err, contract.ErrDuplicateID) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	if errors.Is(err, contract.ErrTransport) {
		return CodeNetwork
	}
	var perr *os.PathError
	if errors.As(err, &perr) || errors.Is(err, contract.ErrNotFound) {
		return CodeIO
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间字符串（用于结构化日志字段 ts）。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
