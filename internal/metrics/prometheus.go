package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollectors holds all prometheus metric collectors. Each is bound
// directly to the atomic fields on Collector via NewCounterFunc/NewGaugeFunc
// so there is no separate "sync" step to keep consistent.
type PrometheusCollectors struct {
	SharesOK           prometheus.CounterFunc
	SharesBad          prometheus.CounterFunc
	ClientsActive      prometheus.GaugeFunc
	ChannelsActive     prometheus.GaugeFunc
	UpConnected        prometheus.GaugeFunc
	LastSetDiff        prometheus.GaugeFunc
	LastNotify         prometheus.GaugeFunc
	VardiffAdjustments prometheus.CounterFunc
}

// InitPrometheus registers a PrometheusCollectors reading live values from c.
func InitPrometheus(namespace string, c *Collector) *PrometheusCollectors {
	register := func(coll prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(coll); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			return coll
		}
		return coll
	}

	pc := &PrometheusCollectors{}

	pc.SharesOK = register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "shares_accepted_total", Help: "Total number of accepted shares",
	}, func() float64 { return float64(c.SharesOK.Load()) })).(prometheus.CounterFunc)

	pc.SharesBad = register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "shares_rejected_total", Help: "Total number of rejected shares",
	}, func() float64 { return float64(c.SharesBad.Load()) })).(prometheus.CounterFunc)

	pc.ClientsActive = register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "clients_active_count", Help: "Number of currently connected V1 sessions",
	}, func() float64 { return float64(c.ClientsActive.Load()) })).(prometheus.GaugeFunc)

	pc.ChannelsActive = register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "bridge_channels_active", Help: "Number of currently open bridge channels",
	}, func() float64 { return float64(c.ChannelsActive.Load()) })).(prometheus.GaugeFunc)

	pc.UpConnected = register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "upstream_connected", Help: "Upstream connection status (1 = connected, 0 = disconnected)",
	}, func() float64 {
		if c.UpConnected.Load() {
			return 1
		}
		return 0
	})).(prometheus.GaugeFunc)

	pc.LastSetDiff = register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "upstream_difficulty", Help: "Current difficulty set by upstream",
	}, func() float64 { return float64(c.LastSetDiff.Load()) })).(prometheus.GaugeFunc)

	pc.LastNotify = register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "last_notify_timestamp_seconds", Help: "Unix timestamp of last mining.notify received",
	}, func() float64 { return float64(c.LastNotifyUnix.Load()) })).(prometheus.GaugeFunc)

	pc.VardiffAdjustments = register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "vardiff_adjustments_total", Help: "Total number of vardiff retarget decisions",
	}, func() float64 { return float64(c.VardiffAdjustments.Load()) })).(prometheus.CounterFunc)

	return pc
}
