package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metrics groups every collector the settlement core reports. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	RFQVolume            *prometheus.CounterVec
	SettlementQueueSize  prometheus.Gauge
	FlaggedOffTotal      prometheus.Gauge
	SettlementFlagged    *prometheus.CounterVec
	AutoSettlementStatus prometheus.Gauge
	WalletBalance        *prometheus.GaugeVec
	BackendError         *prometheus.GaugeVec
	AlertRate            *prometheus.CounterVec
	AlertThrottle        *prometheus.CounterVec
	QueueLatency         *prometheus.GaugeVec
}

// New builds the collectors and registers them on registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		RFQVolume: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rfq_volume_total",
				Help: "RFQs created.",
			},
			[]string{"asset", "side"},
		),
		SettlementQueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "settlement_queue_size",
				Help: "Settlement jobs waiting in the queued state.",
			},
		),
		FlaggedOffTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flagged_off_total",
				Help: "Settlement flagged events recorded while auto-settlement was off.",
			},
		),
		SettlementFlagged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_flagged_total",
				Help: "Settlements diverted to manual handling.",
			},
			[]string{"reason"},
		),
		AutoSettlementStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "auto_settlement_status",
				Help: "1 when auto-settlement is enabled, 0 otherwise.",
			},
		),
		WalletBalance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wallet_balance_total",
				Help: "Sum of wallet balances per network.",
			},
			[]string{"network"},
		),
		BackendError: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "backend_error_gauge",
				Help: "Set to 1 when a module reports an error.",
			},
			[]string{"module"},
		),
		AlertRate: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alert_rate_total",
				Help: "Alert events emitted.",
			},
			[]string{"severity"},
		),
		AlertThrottle: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alert_throttle_total",
				Help: "Alert emits suppressed by the debounce window.",
			},
			[]string{"rule_id"},
		),
		QueueLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "settlement_queue_latency_ms",
				Help: "Age of the oldest queued item per queue.",
			},
			[]string{"queue"},
		),
	}

	registry.MustRegister(
		m.RFQVolume,
		m.SettlementQueueSize,
		m.FlaggedOffTotal,
		m.SettlementFlagged,
		m.AutoSettlementStatus,
		m.WalletBalance,
		m.BackendError,
		m.AlertRate,
		m.AlertThrottle,
		m.QueueLatency,
	)
	return m
}

func (m *Metrics) IncRFQ(asset, side string) {
	if m == nil {
		return
	}
	m.RFQVolume.WithLabelValues(asset, side).Inc()
}

func (m *Metrics) SetQueueSize(n int64) {
	if m == nil {
		return
	}
	m.SettlementQueueSize.Set(float64(n))
}

func (m *Metrics) SetFlaggedOff(n int64) {
	if m == nil {
		return
	}
	m.FlaggedOffTotal.Set(float64(n))
}

func (m *Metrics) IncFlagged(reason string) {
	if m == nil {
		return
	}
	m.SettlementFlagged.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetAutoSettlement(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.AutoSettlementStatus.Set(1)
		return
	}
	m.AutoSettlementStatus.Set(0)
}

// SetWalletBalances replaces the per-network balance series.
func (m *Metrics) SetWalletBalances(totals map[string]decimal.Decimal) {
	if m == nil {
		return
	}
	m.WalletBalance.Reset()
	for network, total := range totals {
		m.WalletBalance.WithLabelValues(network).Set(total.InexactFloat64())
	}
}

func (m *Metrics) MarkBackendError(module string) {
	if m == nil {
		return
	}
	m.BackendError.WithLabelValues(module).Set(1)
}

func (m *Metrics) IncAlert(severity string) {
	if m == nil {
		return
	}
	m.AlertRate.WithLabelValues(severity).Inc()
}

func (m *Metrics) IncThrottle(ruleID string) {
	if m == nil {
		return
	}
	m.AlertThrottle.WithLabelValues(ruleID).Inc()
}

func (m *Metrics) SetQueueLatency(queue string, age time.Duration) {
	if m == nil {
		return
	}
	m.QueueLatency.WithLabelValues(queue).Set(float64(age.Milliseconds()))
}
