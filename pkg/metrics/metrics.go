// Package metrics keeps in-process counters for the gateway and serves them
// as a JSON snapshot on /metrics.
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
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	verdictReason map[string]int64
	approvalState map[string]int64
	gauges        map[string]float64
	killSwitchOn  int64
	evalLatency   LatencyStat
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt         string                  `json:"generated_at"`
	Endpoints           map[string]EndpointStat `json:"endpoints"`
	VerdictReason       map[string]int64        `json:"verdict_reason"`
	ApprovalStates      map[string]int64        `json:"approval_states"`
	Gauges              map[string]float64      `json:"gauges"`
	KillSwitchActivated int64                   `json:"kill_switch_activations_total"`
	EvaluateLatencyMS   LatencyStat             `json:"evaluate_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		verdictReason: map[string]int64{},
		approvalState: map[string]int64{},
		gauges:        map[string]float64{},
	}
}

// Observe records one handled HTTP request.
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

// IncVerdict counts one evaluation outcome, keyed verdict|reason.
func (r *Registry) IncVerdict(verdict, reason string) {
	verdict = strings.TrimSpace(verdict)
	if verdict == "" {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "UNKNOWN"
	}
	r.mu.Lock()
	r.verdictReason[verdict+"|"+reason]++
	r.mu.Unlock()
}

// IncApprovalState counts an approval request entering a lifecycle state.
func (r *Registry) IncApprovalState(state string) {
	state = strings.TrimSpace(strings.ToUpper(state))
	if state == "" {
		return
	}
	r.mu.Lock()
	r.approvalState[state]++
	r.mu.Unlock()
}

func (r *Registry) IncKillSwitchActivated() {
	r.mu.Lock()
	r.killSwitchOn++
	r.mu.Unlock()
}

func (r *Registry) ObserveEvaluateLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evalLatency.Count++
	r.evalLatency.TotalMS += ms
	r.evalLatency.LastMS = ms
	if ms > r.evalLatency.MaxMS {
		r.evalLatency.MaxMS = ms
	}
	r.evalLatency.AvgMS = float64(r.evalLatency.TotalMS) / float64(r.evalLatency.Count)
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
		GeneratedAt:         time.Now().UTC().Format(time.RFC3339),
		Endpoints:           make(map[string]EndpointStat, len(r.endpoint)),
		VerdictReason:       make(map[string]int64, len(r.verdictReason)),
		ApprovalStates:      make(map[string]int64, len(r.approvalState)),
		Gauges:              make(map[string]float64, len(r.gauges)),
		KillSwitchActivated: r.killSwitchOn,
		EvaluateLatencyMS:   r.evalLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdictReason {
		out.VerdictReason[k] = v
	}
	for k, v := range r.approvalState {
		out.ApprovalStates[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
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

// PrometheusHandler serves the same snapshot in text exposition format.
func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP aeonsage_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE aeonsage_endpoint_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "aeonsage_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP aeonsage_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE aeonsage_endpoint_error_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "aeonsage_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP aeonsage_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE aeonsage_endpoint_avg_millis gauge\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "aeonsage_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP aeonsage_decision_total terminal outcomes by verdict and reason\n")
		b.WriteString("# TYPE aeonsage_decision_total counter\n")
		for _, key := range sortedKeys(snap.VerdictReason) {
			verdict, reason, _ := strings.Cut(key, "|")
			fmt.Fprintf(b, "aeonsage_decision_total{verdict=%q,reason=%q} %d\n", verdict, reason, snap.VerdictReason[key])
		}
		b.WriteString("# HELP aeonsage_approval_state_total approval requests entering a state\n")
		b.WriteString("# TYPE aeonsage_approval_state_total counter\n")
		for _, state := range sortedKeys(snap.ApprovalStates) {
			fmt.Fprintf(b, "aeonsage_approval_state_total{state=%q} %d\n", state, snap.ApprovalStates[state])
		}
		b.WriteString("# HELP aeonsage_kill_switch_activations_total kill switch activations\n")
		b.WriteString("# TYPE aeonsage_kill_switch_activations_total counter\n")
		fmt.Fprintf(b, "aeonsage_kill_switch_activations_total %d\n", snap.KillSwitchActivated)
		b.WriteString("# HELP aeonsage_gauge operational gauge metrics\n")
		b.WriteString("# TYPE aeonsage_gauge gauge\n")
		for _, name := range sortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "aeonsage_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP aeonsage_evaluate_latency_ms evaluation latency in milliseconds\n")
		b.WriteString("# TYPE aeonsage_evaluate_latency_ms summary\n")
		fmt.Fprintf(b, "aeonsage_evaluate_latency_ms_count %d\n", snap.EvaluateLatencyMS.Count)
		fmt.Fprintf(b, "aeonsage_evaluate_latency_ms_sum %d\n", snap.EvaluateLatencyMS.TotalMS)
		fmt.Fprintf(b, "aeonsage_evaluate_latency_ms_max %d\n", snap.EvaluateLatencyMS.MaxMS)
		_, _ = w.Write([]byte(b.String()))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Middleware observes every request by route pattern.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)
		r.Observe(req.Method+" "+req.URL.Path, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
