package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu                 sync.RWMutex
	endpoint           map[string]*EndpointStat
	eventType          map[string]int64
	debateStatus       map[string]int64
	providerOutcome    map[string]int64
	gauges             map[string]float64
	sequencerFallbacks int64
	pushFailures       int64
	turnLatency        TurnLatencyStat
	Histograms         *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type TurnLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt        string                  `json:"generated_at"`
	Endpoints          map[string]EndpointStat `json:"endpoints"`
	Events             map[string]int64        `json:"events"`
	DebateStatuses     map[string]int64        `json:"debate_statuses"`
	ProviderOutcomes   map[string]int64        `json:"provider_outcomes"`
	Gauges             map[string]float64      `json:"gauges"`
	SequencerFallbacks int64                   `json:"sequencer_fallbacks_total"`
	PushFailures       int64                   `json:"push_failures_total"`
	TurnLatencyMS      TurnLatencyStat         `json:"turn_latency_ms"`
	Histograms         []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:        map[string]*EndpointStat{},
		eventType:       map[string]int64{},
		debateStatus:    map[string]int64{},
		providerOutcome: map[string]int64{},
		gauges:          map[string]float64{},
		Histograms:      NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncEvent(eventType string) {
	if eventType == "" {
		return
	}
	r.mu.Lock()
	r.eventType[eventType]++
	r.mu.Unlock()
}

func (r *Registry) IncDebateStatus(status string) {
	status = strings.TrimSpace(status)
	if status == "" {
		return
	}
	r.mu.Lock()
	r.debateStatus[status]++
	r.mu.Unlock()
}

// IncProviderOutcome counts one finished provider call. outcome is either
// "ok" or a failure class.
func (r *Registry) IncProviderOutcome(provider, outcome string) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	key := provider + "|" + outcome
	r.mu.Lock()
	r.providerOutcome[key]++
	r.mu.Unlock()
}

func (r *Registry) ObserveTurnLatency(d time.Duration) {
	r.Histograms.ObserveDuration("turn", d)
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turnLatency.Count++
	r.turnLatency.TotalMS += ms
	r.turnLatency.LastMS = ms
	if ms > r.turnLatency.MaxMS {
		r.turnLatency.MaxMS = ms
	}
	r.turnLatency.AvgMS = float64(r.turnLatency.TotalMS) / float64(r.turnLatency.Count)
}

func (r *Registry) IncSequencerFallback() {
	r.mu.Lock()
	r.sequencerFallbacks++
	r.mu.Unlock()
}

func (r *Registry) IncPushFailure() {
	r.mu.Lock()
	r.pushFailures++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:        time.Now().UTC().Format(time.RFC3339),
		Endpoints:          make(map[string]EndpointStat, len(r.endpoint)),
		Events:             make(map[string]int64, len(r.eventType)),
		DebateStatuses:     make(map[string]int64, len(r.debateStatus)),
		ProviderOutcomes:   make(map[string]int64, len(r.providerOutcome)),
		Gauges:             make(map[string]float64, len(r.gauges)),
		SequencerFallbacks: r.sequencerFallbacks,
		PushFailures:       r.pushFailures,
		TurnLatencyMS: TurnLatencyStat{
			Count:   r.turnLatency.Count,
			TotalMS: r.turnLatency.TotalMS,
			MaxMS:   r.turnLatency.MaxMS,
			LastMS:  r.turnLatency.LastMS,
			AvgMS:   r.turnLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.eventType {
		out.Events[k] = v
	}
	for k, v := range r.debateStatus {
		out.DebateStatuses[k] = v
	}
	for k, v := range r.providerOutcome {
		out.ProviderOutcomes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP debatelab_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE debatelab_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "debatelab_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP debatelab_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE debatelab_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "debatelab_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP debatelab_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE debatelab_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "debatelab_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP debatelab_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE debatelab_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "debatelab_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}

		b.WriteString("# HELP debatelab_event_total debate events emitted by type\n")
		b.WriteString("# TYPE debatelab_event_total counter\n")
		for _, typ := range SortedKeys(snap.Events) {
			fmt.Fprintf(b, "debatelab_event_total{type=%q} %d\n", typ, snap.Events[typ])
		}

		b.WriteString("# HELP debatelab_debate_status_total debate status transitions\n")
		b.WriteString("# TYPE debatelab_debate_status_total counter\n")
		for _, status := range SortedKeys(snap.DebateStatuses) {
			fmt.Fprintf(b, "debatelab_debate_status_total{status=%q} %d\n", status, snap.DebateStatuses[status])
		}

		b.WriteString("# HELP debatelab_provider_outcome_total provider calls by provider and outcome\n")
		b.WriteString("# TYPE debatelab_provider_outcome_total counter\n")
		for _, key := range SortedKeys(snap.ProviderOutcomes) {
			parts := strings.SplitN(key, "|", 2)
			provider := parts[0]
			outcome := "unknown"
			if len(parts) == 2 {
				outcome = parts[1]
			}
			fmt.Fprintf(b, "debatelab_provider_outcome_total{provider=%q,outcome=%q} %d\n", provider, outcome, snap.ProviderOutcomes[key])
		}

		b.WriteString("# HELP debatelab_turn_latency_ms turn latency in ms\n")
		b.WriteString("# TYPE debatelab_turn_latency_ms gauge\n")
		fmt.Fprintf(b, "debatelab_turn_latency_ms{stat=%q} %d\n", "last", snap.TurnLatencyMS.LastMS)
		fmt.Fprintf(b, "debatelab_turn_latency_ms{stat=%q} %.3f\n", "avg", snap.TurnLatencyMS.AvgMS)
		fmt.Fprintf(b, "debatelab_turn_latency_ms{stat=%q} %d\n", "max", snap.TurnLatencyMS.MaxMS)

		b.WriteString("# HELP debatelab_sequencer_fallback_total sequencer degradations to the local counter\n")
		b.WriteString("# TYPE debatelab_sequencer_fallback_total counter\n")
		fmt.Fprintf(b, "debatelab_sequencer_fallback_total %d\n", snap.SequencerFallbacks)

		b.WriteString("# HELP debatelab_push_failure_total push transport publish failures\n")
		b.WriteString("# TYPE debatelab_push_failure_total counter\n")
		fmt.Fprintf(b, "debatelab_push_failure_total %d\n", snap.PushFailures)

		b.WriteString("# HELP debatelab_gauge operational gauge metrics\n")
		b.WriteString("# TYPE debatelab_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "debatelab_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP debatelab_latency_seconds latency histogram\n")
			b.WriteString("# TYPE debatelab_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "debatelab_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "debatelab_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "debatelab_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "debatelab_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "debatelab_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "debatelab_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "debatelab_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
