package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	turnTotal    *prometheus.CounterVec
	turnDuration prometheus.Histogram
	planSteps    prometheus.Histogram
	stepTotal    *prometheus.CounterVec
	retryTotal   prometheus.Counter

	gateBlockedTotal     *prometheus.CounterVec
	integrityFixTotal    prometheus.Counter
	redactedEntityTotal  *prometheus.CounterVec
	generatedFileTotal   *prometheus.CounterVec
	fallbackTotal        *prometheus.CounterVec
	sessionSaveDuration  prometheus.Histogram
	memorySearchDuration prometheus.Histogram
	memoryEntriesTotal   prometheus.Gauge

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	llmCallTotal     *prometheus.CounterVec
	llmCallDuration  *prometheus.HistogramVec
	llmErrorsTotal   *prometheus.CounterVec
	providerCooldown *prometheus.GaugeVec

	cronRunTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "deskagent_turn_total",
					Help: "Total user turns by status.",
				},
				[]string{"status"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "deskagent_turn_duration_seconds",
					Help:    "User turn duration in seconds.",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
			),
			planSteps: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "deskagent_plan_steps",
					Help:    "Number of steps per plan.",
					Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
				},
			),
			stepTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "deskagent_step_total",
					Help: "Total executed plan steps by evaluation verdict.",
				},
				[]string{"verdict"},
			),
			retryTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "deskagent_step_retry_total",
					Help: "Total step retries.",
				},
			),
			gateBlockedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "deskagent_scheduling_gate_blocked_total",
					Help: "Calendar tool calls rejected by the scheduling gate, by tool.",
				},
				[]string{"tool"},
			),
			integrityFixTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "deskagent_integrity_corrections_total",
					Help: "Answers corrected by the scheduling integrity check.",
				},
			),
			redactedEntityTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "deskagent_redacted_entities_total",
					Help: "Redacted entities by engine and type.",
				},
				[]string{"engine", "type"},
			),
			generatedFileTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "deskagent_generated_files_total",
					Help: "Artifacts reported to the caller by type.",
				},
				[]string{"type"},
			),
			fallbackTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "deskagent_fallback_total",
					Help: "Degraded paths taken by stage (plan, evaluate, synthesize).",
				},
				[]string{"stage"},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "deskagent_session_save_duration_seconds",
					Help:    "Session log write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memorySearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "deskagent_memory_search_duration_seconds",
					Help:    "Memory search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryEntriesTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "deskagent_memory_facts_total",
					Help: "Total facts stored in memory.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "deskagent_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "deskagent_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "deskagent_tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			llmCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "deskagent_llm_call_total",
					Help: "Total LLM calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			llmCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "deskagent_llm_call_duration_seconds",
					Help:    "LLM call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			llmErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "deskagent_llm_errors_total",
					Help: "Total LLM errors by provider.",
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "deskagent_provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			cronRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "deskagent_cron_run_total",
					Help: "Background job runs by job and status.",
				},
				[]string{"job", "status"},
			),
		}

		prometheus.MustRegister(
			m.turnTotal,
			m.turnDuration,
			m.planSteps,
			m.stepTotal,
			m.retryTotal,
			m.gateBlockedTotal,
			m.integrityFixTotal,
			m.redactedEntityTotal,
			m.generatedFileTotal,
			m.fallbackTotal,
			m.sessionSaveDuration,
			m.memorySearchDuration,
			m.memoryEntriesTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.llmCallTotal,
			m.llmCallDuration,
			m.llmErrorsTotal,
			m.providerCooldown,
			m.cronRunTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordTurn(duration time.Duration, success bool) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(statusLabel(success)).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordPlan(steps int) {
	getMetrics().planSteps.Observe(float64(steps))
}

func RecordStep(success, retried bool) {
	m := getMetrics()
	verdict := "failure"
	if success {
		verdict = "success"
	}
	m.stepTotal.WithLabelValues(verdict).Inc()
	if retried {
		m.retryTotal.Inc()
	}
}

func RecordGateBlocked(tool string) {
	getMetrics().gateBlockedTotal.WithLabelValues(tool).Inc()
}

func RecordIntegrityCorrection() {
	getMetrics().integrityFixTotal.Inc()
}

func RecordRedaction(engine, entityType string, count int) {
	getMetrics().redactedEntityTotal.WithLabelValues(engine, entityType).Add(float64(count))
}

func RecordGeneratedFile(fileType string) {
	getMetrics().generatedFileTotal.WithLabelValues(fileType).Inc()
}

// RecordFallback counts a degraded path in a stage that must not fail.
func RecordFallback(stage string) {
	getMetrics().fallbackTotal.WithLabelValues(stage).Inc()
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordMemorySearch(duration time.Duration) {
	getMetrics().memorySearchDuration.Observe(duration.Seconds())
}

func SetMemoryEntries(total int) {
	getMetrics().memoryEntriesTotal.Set(float64(total))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordLLMCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.llmCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.llmCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if !success {
		m.llmErrorsTotal.WithLabelValues(provider).Inc()
	}
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

func RecordCronRun(job string, success bool) {
	getMetrics().cronRunTotal.WithLabelValues(job, statusLabel(success)).Inc()
}
