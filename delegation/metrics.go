package delegation

import "github.com/prometheus/client_golang/prometheus"

var (
	delegationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transfer_delegation_duration_seconds",
			Help:    "Time spent running the signing helper, by result.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(delegationDuration)
}
