package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type taskKey struct {
	kind    string
	outcome string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	tasks    map[taskKey]uint64
	latency  map[string]*histogram
	trips    uint64
	audits   uint64
	auditBad uint64
}

var registry = &collector{
	requests: make(map[requestKey]uint64),
	tasks:    make(map[taskKey]uint64),
	latency:  make(map[string]*histogram),
}

// ObserveHTTPRequest 记录一次 HTTP 请求的状态码与耗时。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	key := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	registry.requests[key]++

	hist := registry.latency[handler]
	if hist == nil {
		hist = newHistogram()
		registry.latency[handler] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveTask 按任务类型与结局计数。outcome 取
// succeeded、retried、dead_lettered 三种。
func ObserveTask(kind, outcome string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.tasks[taskKey{kind: kind, outcome: outcome}]++
}

// ObserveBreakerTrip 记录一次熔断。
func ObserveBreakerTrip() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.trips++
}

// ObserveAudit 记录一次审计结果。
func ObserveAudit(allPassed bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.audits++
	if !allPassed {
		registry.auditBad++
	}
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler 以 Prometheus 文本格式暴露指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, registry.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP molty_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE molty_http_requests_total counter\n")
	reqKeys := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqKeys = append(reqKeys, key)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].handler != reqKeys[j].handler {
			return reqKeys[i].handler < reqKeys[j].handler
		}
		if reqKeys[i].method != reqKeys[j].method {
			return reqKeys[i].method < reqKeys[j].method
		}
		return reqKeys[i].code < reqKeys[j].code
	})
	for _, key := range reqKeys {
		builder.WriteString(fmt.Sprintf("molty_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			escape(key.handler), escape(key.method), escape(key.code), c.requests[key]))
	}

	builder.WriteString("# HELP molty_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE molty_http_request_duration_seconds histogram\n")
	handlers := make([]string, 0, len(c.latency))
	for handler := range c.latency {
		handlers = append(handlers, handler)
	}
	sort.Strings(handlers)
	for _, handler := range handlers {
		hist := c.latency[handler]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("molty_http_request_duration_seconds_bucket{handler=%q,le=%q} %d\n",
				escape(handler), formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("molty_http_request_duration_seconds_bucket{handler=%q,le=\"+Inf\"} %d\n",
			escape(handler), hist.count))
		builder.WriteString(fmt.Sprintf("molty_http_request_duration_seconds_sum{handler=%q} %s\n",
			escape(handler), formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("molty_http_request_duration_seconds_count{handler=%q} %d\n",
			escape(handler), hist.count))
	}

	builder.WriteString("# HELP molty_tasks_total Tasks processed, labelled by kind and outcome.\n")
	builder.WriteString("# TYPE molty_tasks_total counter\n")
	taskKeys := make([]taskKey, 0, len(c.tasks))
	for key := range c.tasks {
		taskKeys = append(taskKeys, key)
	}
	sort.Slice(taskKeys, func(i, j int) bool {
		if taskKeys[i].kind != taskKeys[j].kind {
			return taskKeys[i].kind < taskKeys[j].kind
		}
		return taskKeys[i].outcome < taskKeys[j].outcome
	})
	for _, key := range taskKeys {
		builder.WriteString(fmt.Sprintf("molty_tasks_total{kind=%q,outcome=%q} %d\n",
			escape(key.kind), escape(key.outcome), c.tasks[key]))
	}

	builder.WriteString("# HELP molty_breaker_trips_total Circuit breaker trips since start.\n")
	builder.WriteString("# TYPE molty_breaker_trips_total counter\n")
	builder.WriteString(fmt.Sprintf("molty_breaker_trips_total %d\n", c.trips))

	builder.WriteString("# HELP molty_audit_runs_total Integrity audit runs since start.\n")
	builder.WriteString("# TYPE molty_audit_runs_total counter\n")
	builder.WriteString(fmt.Sprintf("molty_audit_runs_total %d\n", c.audits))
	builder.WriteString("# HELP molty_audit_failures_total Integrity audit runs with at least one failed check.\n")
	builder.WriteString("# TYPE molty_audit_failures_total counter\n")
	builder.WriteString(fmt.Sprintf("molty_audit_failures_total %d\n", c.auditBad))

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
