package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const collectTimeout = 2 * time.Second

var (
	requestsDesc = prometheus.NewDesc("turnstile_limiter_requests_total",
		"Requests seen by the limiter pool in this process.", nil, nil)
	blockedDesc = prometheus.NewDesc("turnstile_limiter_blocked_total",
		"Requests denied by quota in this process.", nil, nil)
	degradedDesc = prometheus.NewDesc("turnstile_limiter_degraded_total",
		"Decisions served while the shared store was unavailable.", nil, nil)
	activeKeysDesc = prometheus.NewDesc("turnstile_limiter_active_keys",
		"Limiter keys with a live window.", nil, nil)
	breakerStateDesc = prometheus.NewDesc("turnstile_breaker_state",
		"Breaker state: 0 closed, 1 open, 2 half-open.", []string{"name"}, nil)
	breakerFailuresDesc = prometheus.NewDesc("turnstile_breaker_failure_count",
		"Failures counted toward the threshold in the current period.", []string{"name"}, nil)
	breakerSuccessDesc = prometheus.NewDesc("turnstile_breaker_successes_total",
		"Successful calls through the breaker.", []string{"name"}, nil)
	breakerRejectedDesc = prometheus.NewDesc("turnstile_breaker_rejected_total",
		"Calls short-circuited by the breaker.", []string{"name"}, nil)
	listSizeDesc = prometheus.NewDesc("turnstile_access_list_entries",
		"Live entries per override list.", []string{"list"}, nil)
	behaviorBlocksDesc = prometheus.NewDesc("turnstile_behavior_blocks_total",
		"Automatic blacklistings by the behavior tracker.", nil, nil)
	behaviorDroppedDesc = prometheus.NewDesc("turnstile_behavior_dropped_events_total",
		"Behavior events dropped because the queue was full.", nil, nil)
)

// Describe implements prometheus.Collector.
func (a *Aggregator) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		requestsDesc, blockedDesc, degradedDesc, activeKeysDesc,
		breakerStateDesc, breakerFailuresDesc, breakerSuccessDesc, breakerRejectedDesc,
		listSizeDesc, behaviorBlocksDesc, behaviorDroppedDesc,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector by rendering a fresh snapshot.
func (a *Aggregator) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()
	s := a.Snapshot(ctx)

	ch <- prometheus.MustNewConstMetric(requestsDesc, prometheus.CounterValue, float64(s.Limiter.TotalRequests))
	ch <- prometheus.MustNewConstMetric(blockedDesc, prometheus.CounterValue, float64(s.Limiter.BlockedRequests))
	ch <- prometheus.MustNewConstMetric(degradedDesc, prometheus.CounterValue, float64(s.Limiter.DegradedRequests))
	ch <- prometheus.MustNewConstMetric(activeKeysDesc, prometheus.GaugeValue, float64(s.Limiter.ActiveKeys))

	for _, b := range s.Breakers {
		ch <- prometheus.MustNewConstMetric(breakerStateDesc, prometheus.GaugeValue, float64(b.State), b.Name)
		ch <- prometheus.MustNewConstMetric(breakerFailuresDesc, prometheus.GaugeValue, float64(b.FailureCount), b.Name)
		ch <- prometheus.MustNewConstMetric(breakerSuccessDesc, prometheus.CounterValue, float64(b.SuccessCount), b.Name)
		ch <- prometheus.MustNewConstMetric(breakerRejectedDesc, prometheus.CounterValue, float64(b.Rejected), b.Name)
	}

	if s.ListStoreError == "" {
		ch <- prometheus.MustNewConstMetric(listSizeDesc, prometheus.GaugeValue, float64(s.BlacklistSize), "blacklist")
		ch <- prometheus.MustNewConstMetric(listSizeDesc, prometheus.GaugeValue, float64(s.WhitelistSize), "whitelist")
	}

	if s.Behavior != nil {
		ch <- prometheus.MustNewConstMetric(behaviorBlocksDesc, prometheus.CounterValue, float64(s.Behavior.Blocks))
		ch <- prometheus.MustNewConstMetric(behaviorDroppedDesc, prometheus.CounterValue, float64(s.Behavior.Dropped))
	}
}
