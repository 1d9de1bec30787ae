// Package metrics defines the Prometheus metrics exported by a quorumd
// node and a small health-check registry used by the HTTP health endpoint.
//
// Counters and histograms are updated inline by the engine that owns them;
// Collector exists only for gauges that reflect point-in-time state and
// must be sampled (the Raft leader, last log index and applied index that
// the lock engine reports); other gauges are set inline by their engine.
package metrics
