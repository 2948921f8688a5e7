package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BrokerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capstone_broker_messages_total",
		Help: "Inbound broker messages by channel tag.",
	}, []string{"channel"})

	FanoutEmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capstone_fanout_emissions_total",
		Help: "Events delivered to websocket clients.",
	})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capstone_ws_connections",
		Help: "Live websocket connections.",
	})
)

func Handler() http.Handler { return promhttp.Handler() }
