// Package metrics 提供 Prometheus 指标定义与业务指标收集器
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/referral/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	TradesProcessed  prometheus.Counter
	TradesDuplicated prometheus.Counter
	TradesFailed     prometheus.Counter
	SplitsRecorded   *prometheus.CounterVec
	CommissionAmount *prometheus.CounterVec

	TreeBuildDuration *prometheus.HistogramVec
	TreeLeaves        *prometheus.GaugeVec
	RootsPublished    *prometheus.CounterVec
	RootConflicts     *prometheus.CounterVec
	ProofRequests     *prometheus.CounterVec
}

// New 创建指标实例
func New(namespace string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		TradesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_processed_total",
			Help:      "Trades whose commission splits were recorded",
		}),
		TradesDuplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_duplicated_total",
			Help:      "Trades rejected by the idempotency guard",
		}),
		TradesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_failed_total",
			Help:      "Trades that failed processing",
		}),
		SplitsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "splits_recorded_total",
			Help:      "Commission splits written to the ledger",
		}, []string{"level", "destination"}),
		CommissionAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commission_amount_total",
			Help:      "Commission amount attributed, by token",
		}, []string{"token"}),

		TreeBuildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merkle_tree_build_seconds",
			Help:      "Merkle tree build duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain"}),
		TreeLeaves: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "merkle_tree_leaves",
			Help:      "Leaf count of the latest published tree",
		}, []string{"chain", "token"}),
		RootsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merkle_roots_published_total",
			Help:      "Merkle roots stored",
		}, []string{"chain", "token"}),
		RootConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merkle_root_conflicts_total",
			Help:      "Root publish attempts rejected by version check",
		}, []string{"chain", "token"}),
		ProofRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merkle_proof_requests_total",
			Help:      "Proof generation requests",
		}, []string{"chain", "result"}),
	}
}

// Collectors 全部指标
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TradesProcessed,
		m.TradesDuplicated,
		m.TradesFailed,
		m.SplitsRecorded,
		m.CommissionAmount,
		m.TreeBuildDuration,
		m.TreeLeaves,
		m.RootsPublished,
		m.RootConflicts,
		m.ProofRequests,
	}
}

// Register 注册所有指标
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}
	logger.Info(context.Background(), "Metrics registered successfully")
	return nil
}

// Handler Prometheus 抓取端点
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NewServer 创建独立的指标 HTTP 服务
func NewServer(port int, path string, gatherer prometheus.Gatherer) *http.Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, Handler(gatherer))
	return &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
}

// Collector 业务指标收集接口
type Collector interface {
	RecordHTTPRequest(method, path string, status int, seconds float64)
	RecordTradeProcessed(token string, amount float64)
	RecordTradeDuplicated()
	RecordTradeFailed()
	RecordSplit(level int, destination string)
	ObserveTreeBuild(chain string, seconds float64)
	RecordRootPublished(chain, token string, leafCount int)
	RecordRootConflict(chain, token string)
	RecordProofRequest(chain, result string)
}

// PrometheusCollector 基于 Prometheus 的收集器
type PrometheusCollector struct {
	metrics *Metrics
}

var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheusCollector 创建收集器
func NewPrometheusCollector(m *Metrics) *PrometheusCollector {
	return &PrometheusCollector{metrics: m}
}

func (c *PrometheusCollector) RecordHTTPRequest(method, path string, status int, seconds float64) {
	c.metrics.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

func (c *PrometheusCollector) RecordTradeProcessed(token string, amount float64) {
	c.metrics.TradesProcessed.Inc()
	c.metrics.CommissionAmount.WithLabelValues(token).Add(amount)
}

func (c *PrometheusCollector) RecordTradeDuplicated() { c.metrics.TradesDuplicated.Inc() }

func (c *PrometheusCollector) RecordTradeFailed() { c.metrics.TradesFailed.Inc() }

func (c *PrometheusCollector) RecordSplit(level int, destination string) {
	c.metrics.SplitsRecorded.WithLabelValues(strconv.Itoa(level), destination).Inc()
}

func (c *PrometheusCollector) ObserveTreeBuild(chain string, seconds float64) {
	c.metrics.TreeBuildDuration.WithLabelValues(chain).Observe(seconds)
}

func (c *PrometheusCollector) RecordRootPublished(chain, token string, leafCount int) {
	c.metrics.RootsPublished.WithLabelValues(chain, token).Inc()
	c.metrics.TreeLeaves.WithLabelValues(chain, token).Set(float64(leafCount))
}

func (c *PrometheusCollector) RecordRootConflict(chain, token string) {
	c.metrics.RootConflicts.WithLabelValues(chain, token).Inc()
}

func (c *PrometheusCollector) RecordProofRequest(chain, result string) {
	c.metrics.ProofRequests.WithLabelValues(chain, result).Inc()
}

// Noop 空实现
type Noop struct{}

var _ Collector = Noop{}

func (Noop) RecordHTTPRequest(string, string, int, float64) {}
func (Noop) RecordTradeProcessed(string, float64)           {}
func (Noop) RecordTradeDuplicated()                         {}
func (Noop) RecordTradeFailed()                             {}
func (Noop) RecordSplit(int, string)                        {}
func (Noop) ObserveTreeBuild(string, float64)               {}
func (Noop) RecordRootPublished(string, string, int)        {}
func (Noop) RecordRootConflict(string, string)              {}
func (Noop) RecordProofRequest(string, string)              {}
