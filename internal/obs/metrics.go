package obs

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine counters. They are registered on the given
// registerer so several servers in one process don't collide; pass nil to
// keep the metrics unregistered (tests).
type Metrics struct {
	ConnsAccepted prometheus.Counter
	ConnsClosed   prometheus.Counter
	Requests      prometheus.Counter
	Responses     *prometheus.CounterVec // labeled by status class: 2xx, 3xx, ...
	ParseErrors   prometheus.Counter
	TLSFailures   prometheus.Counter
	QueueFull     prometheus.Counter
	IdleTimeouts  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "httpcore_connections_accepted_total",
			Help: "Connections accepted by the server loop.",
		}),
		ConnsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "httpcore_connections_closed_total",
			Help: "Connections closed for any reason.",
		}),
		Requests: f.NewCounter(prometheus.CounterOpts{
			Name: "httpcore_requests_total",
			Help: "Fully parsed requests handed to the worker pool.",
		}),
		Responses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "httpcore_responses_total",
			Help: "Responses written, by status class.",
		}, []string{"class"}),
		ParseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "httpcore_parse_errors_total",
			Help: "Malformed requests answered with 4xx and closed.",
		}),
		TLSFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "httpcore_tls_failures_total",
			Help: "TLS handshake or record failures.",
		}),
		QueueFull: f.NewCounter(prometheus.CounterOpts{
			Name: "httpcore_queue_full_total",
			Help: "Worker submissions rejected by a full queue.",
		}),
		IdleTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "httpcore_idle_timeouts_total",
			Help: "Connections closed by the idle deadline sweep.",
		}),
	}
}

// ObserveResponse bumps the per-class response counter for a status code.
func (m *Metrics) ObserveResponse(code int) {
	if m == nil {
		return
	}
	m.Responses.WithLabelValues(strconv.Itoa(code/100) + "xx").Inc()
}
