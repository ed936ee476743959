package transfer

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_api_requests_total",
			Help: "Total number of Transfer API requests issued by the client.",
		},
		[]string{"method", "code"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
}
