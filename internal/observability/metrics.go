package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_sync"

var (
	EventsReceived  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_received_total", Help: "Inbound realtime events by name"}, []string{"event"})
	EventsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_discarded_total", Help: "Inbound events dropped as stale or cross-entity"}, []string{"component", "event"})
	EmitsDropped    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "emits_dropped_total", Help: "Outbound events dropped while disconnected"}, []string{"event"})

	Reconnects    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reconnects_total", Help: "Transport reconnect attempts"})
	AuthRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "auth_refreshes_total", Help: "Credential refreshes by result"}, []string{"result"})
	Connected     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connected", Help: "1 while the transport session is connected"})

	ChannelDegraded = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "push_channel_degraded", Help: "1 while the offer push channel is assumed failed"})
	RESTFetches     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "rest_fetches_total", Help: "REST fallback requests by endpoint and result"}, []string{"endpoint", "result"})
	OpenOffers      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "open_offers", Help: "Offers currently in the local set"})
	OfferExpiries   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offer_expiries_total", Help: "Offers removed by the local expiry countdown"})

	RideExits   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ride_exits_total", Help: "Ride session exits by reason"}, []string{"reason"})
	UnreadCount = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "unread_messages", Help: "Current unread message count"})

	JournalWrites  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "journal_writes_total", Help: "Journal entries written by sink and result"}, []string{"sink", "result"})
	JournalDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "journal_dropped_total", Help: "Journal entries dropped because the buffer was full"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
