package diag

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 指标命名：
// - llmcorrupt_op_total{comp,stage,result}
// - llmcorrupt_error_total{comp,code}
// - llmcorrupt_op_duration_ms{comp,stage}
// - llmcorrupt_quota_count{category}
// - llmcorrupt_calls_in_flight
var (
	OpTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llmcorrupt_op_total",
		Help: "Operations by component, stage and result.",
	}, []string{"comp", "stage", "result"})

	ErrorTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llmcorrupt_error_total",
		Help: "Errors by component and classification code.",
	}, []string{"comp", "code"})

	OpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llmcorrupt_op_duration_ms",
		Help:    "Operation duration in milliseconds.",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
	}, []string{"comp", "stage"})

	QuotaCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "llmcorrupt_quota_count",
		Help: "Accepted examples per tracked category.",
	}, []string{"category"})

	CallsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "llmcorrupt_calls_in_flight",
		Help: "Structured calls currently executing.",
	})
)

// IncOp 累加操作计数（result=success|error|skip）。
func IncOp(comp, stage, result string) {
	OpTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	ErrorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	OpDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// SetQuota 覆盖某类别的当前计数。
func SetQuota(category string, n int) {
	QuotaCount.WithLabelValues(category).Set(float64(n))
}

// Handler 暴露默认注册表（--metrics-addr 启用时挂载到 /metrics）。
func Handler() http.Handler { return promhttp.Handler() }
