package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inboundUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "inbound_updates_total",
		Help:      "Inbound webhook updates by outcome.",
	}, []string{"outcome"})

	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "deliveries_total",
		Help:      "Outbound delivery attempts by kind and final status.",
	}, []string{"kind", "status"})

	deliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "delivery_duration_seconds",
		Help:      "Wall time of outbound deliveries including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	forwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "forwards_total",
		Help:      "Inbound events forwarded to the backend by outcome.",
	}, []string{"outcome"})

	resolverCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "resolver_cache_total",
		Help:      "Business-account resolver lookups by cache outcome.",
	}, []string{"outcome"})
)
