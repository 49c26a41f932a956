package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// 采集周期指标
	CyclesTotal   *prometheus.CounterVec
	CycleDuration prometheus.Histogram

	// 邮件处理指标
	MessagesProcessed *prometheus.CounterVec

	// 业务指标
	LinksStored     prometheus.Counter
	ServicesCreated prometheus.Counter
	LinksSwept      prometheus.Counter

	// JMAP 连接指标
	SessionRenegotiations prometheus.Counter
	StreamReconnects      prometheus.Counter

	// WebSocket 指标
	WebSocketClients prometheus.Gauge
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		// 采集周期指标
		CyclesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maglink_ingest_cycles_total",
				Help: "Total number of ingestion cycles by result",
			},
			[]string{"result"},
		),

		CycleDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "maglink_ingest_cycle_duration_seconds",
				Help:    "Ingestion cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		// 邮件处理指标
		MessagesProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maglink_messages_processed_total",
				Help: "Total number of messages processed by outcome",
			},
			[]string{"outcome"},
		),

		// 业务指标
		LinksStored: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "maglink_links_stored_total",
				Help: "Total number of magic links stored",
			},
		),

		ServicesCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "maglink_services_created_total",
				Help: "Total number of services created",
			},
		),

		LinksSwept: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "maglink_links_swept_total",
				Help: "Total number of expired links removed by retention sweep",
			},
		),

		// JMAP 连接指标
		SessionRenegotiations: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "maglink_jmap_session_renegotiations_total",
				Help: "Total number of JMAP session renegotiations",
			},
		),

		StreamReconnects: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "maglink_jmap_stream_reconnects_total",
				Help: "Total number of JMAP event stream reconnects",
			},
		),

		// WebSocket 指标
		WebSocketClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "maglink_websocket_clients",
				Help: "Number of connected WebSocket clients",
			},
		),
	}
}

// RecordCycle 记录一次采集周期
func (m *Metrics) RecordCycle(result string, duration time.Duration) {
	m.CyclesTotal.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(duration.Seconds())
}

// RecordMessageOutcome 记录单封邮件的处理结果
func (m *Metrics) RecordMessageOutcome(outcome string) {
	m.MessagesProcessed.WithLabelValues(outcome).Inc()
}

// RecordLinkStored 记录链接入库
func (m *Metrics) RecordLinkStored() {
	m.LinksStored.Inc()
}

// RecordServiceCreated 记录服务创建
func (m *Metrics) RecordServiceCreated() {
	m.ServicesCreated.Inc()
}

// RecordLinksSwept 记录清理掉的过期链接数
func (m *Metrics) RecordLinksSwept(count int) {
	m.LinksSwept.Add(float64(count))
}

// RecordSessionRenegotiation 记录 JMAP 会话重新协商
func (m *Metrics) RecordSessionRenegotiation() {
	m.SessionRenegotiations.Inc()
}

// RecordStreamReconnect 记录事件流重连
func (m *Metrics) RecordStreamReconnect() {
	m.StreamReconnects.Inc()
}

// UpdateWebSocketClients 更新 WebSocket 连接数
func (m *Metrics) UpdateWebSocketClients(count int) {
	m.WebSocketClients.Set(float64(count))
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
