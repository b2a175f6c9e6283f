// Package observe 暴露 Prometheus 指标
package observe

import (
	"LinguaLearn/internal/core/domain"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 指标定义
var (
	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lingualearn_http_request_duration_seconds",
		Help:    "HTTP 请求处理耗时",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method", "code"})

	dbOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lingualearn_db_operations_total",
		Help: "数据库操作次数，按后端、操作与结果分类",
	}, []string{"backend", "op", "outcome"})

	dbOperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lingualearn_db_operation_duration_seconds",
		Help:    "单次数据库操作 (含事务) 耗时",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
	}, []string{"backend", "op"})

	dbRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lingualearn_db_retries_total",
		Help: "数据库操作重试次数，按原因分类",
	}, []string{"reason"})

	schemaColumnsAdded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lingualearn_schema_columns_added_total",
		Help: "结构协调过程中新增的列数",
	}, []string{"table"})

	activeBackend = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lingualearn_db_active_backend",
		Help: "当前生效的存储后端 (值恒为 1)",
	}, []string{"kind", "in_memory"})
)

// Register 必须在 main 调用一次
func Register() {
	prometheus.MustRegister(
		httpRequestDuration,
		dbOperations,
		dbOperationDuration,
		dbRetries,
		schemaColumnsAdded,
		activeBackend,
	)
}

// Handler 返回 HTTP 处理器
func Handler() http.Handler { return promhttp.Handler() }

// PrometheusMiddleware 记录每个请求的耗时，path 使用路由模板以控制基数
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequestDuration.
			WithLabelValues(path, c.Request.Method, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

// ObserveDBOperation 记录一次数据库操作的结果
func ObserveDBOperation(backend domain.BackendKind, op, outcome string, elapsed time.Duration) {
	dbOperations.WithLabelValues(string(backend), op, outcome).Inc()
	dbOperationDuration.WithLabelValues(string(backend), op).Observe(elapsed.Seconds())
}

// CountRetry 记录一次重试
func CountRetry(reason string) {
	dbRetries.WithLabelValues(reason).Inc()
}

// CountColumnAdded 记录结构协调新增的列
func CountColumnAdded(table string) {
	schemaColumnsAdded.WithLabelValues(table).Inc()
}

// SetActiveBackend 切换当前后端的指标
func SetActiveBackend(d domain.BackendDescriptor) {
	activeBackend.Reset()
	activeBackend.WithLabelValues(string(d.Kind), strconv.FormatBool(d.InMemory)).Set(1)
}
