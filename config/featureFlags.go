package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func envFlag(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// AutoRematchOnDelivery re-runs matching for every open invoice of a PO when
// one of its deliveries is recorded or changed. Without it the invoices are
// only marked stale and re-matched on approval or explicit request.
//
// Set via env:
// - AUTO_REMATCH_ON_DELIVERY=true
func AutoRematchOnDelivery() bool {
	return envFlag("AUTO_REMATCH_ON_DELIVERY")
}

// MatchSummaryCacheEnabled caches invoice match summaries in Redis.
//
// Set via env:
// - MATCH_SUMMARY_CACHE=true
func MatchSummaryCacheEnabled() bool {
	return envFlag("MATCH_SUMMARY_CACHE")
}

// OutboxDirectProcessing processes outbox rows in-process instead of
// publishing them to Pub/Sub. Used for local development and single-instance deployments.
//
// Set via env:
// - OUTBOX_DIRECT_PROCESSING=true
func OutboxDirectProcessing() bool {
	return envFlag("OUTBOX_DIRECT_PROCESSING")
}

// PubSubPullWorker starts a streaming pull subscriber next to the push endpoint.
//
// Set via env:
// - PUBSUB_PULL_WORKER=true
// - PUBSUB_SUBSCRIPTION=<name>
func PubSubPullWorker() bool {
	return envFlag("PUBSUB_PULL_WORKER")
}

// RateLimit reports whether per-client request limiting is on, with the
// allowed requests per window.
//
// Set via env:
// - RATE_LIMIT_ENABLED=true
// - RATE_LIMIT_MAX_REQUESTS=600
// - RATE_LIMIT_WINDOW_SECONDS=60
func RateLimit() (enabled bool, limit int64, window time.Duration) {
	enabled = boolFromEnv("RATE_LIMIT_ENABLED", false)
	limit = int64(intFromEnv("RATE_LIMIT_MAX_REQUESTS", 600))
	if limit <= 0 {
		limit = 600
	}
	seconds := intFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)
	if seconds <= 0 {
		seconds = 60
	}
	return enabled, limit, time.Duration(seconds) * time.Second
}

func boolFromEnv(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
