package cmd

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowsim/flowsim/sim"
)

// promNotifier mirrors notifications into Prometheus metrics.
type promNotifier struct {
	progress    prometheus.Gauge
	simTime     prometheus.Gauge
	exportRows  prometheus.Gauge
	advisories  *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

func newPromNotifier(reg prometheus.Registerer) *promNotifier {
	p := &promNotifier{
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowsim_run_progress_percent",
			Help: "Percent of the simulated duration reached by the current run",
		}),
		simTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowsim_run_sim_time",
			Help: "Simulated time reached by the current run",
		}),
		exportRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowsim_export_rows",
			Help: "Rows written by the current export",
		}),
		advisories: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowsim_capacity_advisories_total",
			Help: "Capacity advisories raised, by threshold",
		}, []string{"threshold"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowsim_notifications_total",
			Help: "Run and export notifications, by kind",
		}, []string{"kind"}),
	}
	reg.MustRegister(p.progress, p.simTime, p.exportRows, p.advisories, p.transitions)
	return p
}

func (p *promNotifier) Notify(n sim.Notification) {
	switch n.Kind {
	case sim.NotifyProgress:
		p.progress.Set(n.Percent)
		p.simTime.Set(n.SimTime)
		return
	case sim.NotifyExportProgress:
		p.exportRows.Set(float64(n.Rows))
		return
	case sim.NotifyStarted:
		p.progress.Set(0)
		p.simTime.Set(0)
		p.exportRows.Set(0)
	case sim.NotifyCompleted:
		p.progress.Set(100)
	case sim.NotifyCapacityThreshold:
		p.advisories.WithLabelValues(thresholdLabel(n.Threshold)).Inc()
	case sim.NotifyExportSucceeded:
		p.exportRows.Set(float64(n.Rows))
	}
	p.transitions.WithLabelValues(string(n.Kind)).Inc()
}

func thresholdLabel(t int) string {
	switch t {
	case 80:
		return "80"
	case 90:
		return "90"
	case 100:
		return "100"
	}
	return "other"
}

// metricsMux serves the registry on /metrics.
func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
