// Package observability exports scheduler metrics through OpenTelemetry
// with a Prometheus scrape endpoint.
package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	taskdomain "spaceduck/internal/domain/task"
	"spaceduck/internal/events"
)

// MetricsCollector manages all scheduler metrics.
type MetricsCollector struct {
	meter metric.Meter

	runsTotal      metric.Int64Counter
	runTokens      metric.Int64Counter
	runCost        metric.Float64Counter
	runDuration    metric.Float64Histogram
	budgetExceeded metric.Int64Counter
	runsActive     metric.Int64UpDownCounter

	subs []busSub

	prometheusServer *http.Server
}

type busSub struct {
	name string
	sub  events.Subscription
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a metrics collector. When disabled every
// recording method is a no-op.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("spaceduck")

	runsTotal, err := meter.Int64Counter(
		"spaceduck.task.runs.total",
		metric.WithDescription("Total finished task runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs counter: %w", err)
	}

	runTokens, err := meter.Int64Counter(
		"spaceduck.task.tokens.total",
		metric.WithDescription("Total tokens consumed by task runs"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens counter: %w", err)
	}

	runCost, err := meter.Float64Counter(
		"spaceduck.task.cost.total",
		metric.WithDescription("Total estimated cost of task runs"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cost counter: %w", err)
	}

	runDuration, err := meter.Float64Histogram(
		"spaceduck.task.run.duration",
		metric.WithDescription("Task run wall-clock duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	budgetExceeded, err := meter.Int64Counter(
		"spaceduck.budget.exceeded.total",
		metric.WithDescription("Budget aborts and global limit breaches by reason"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create budget counter: %w", err)
	}

	runsActive, err := meter.Int64UpDownCounter(
		"spaceduck.task.runs.active",
		metric.WithDescription("Number of task runs in flight"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active runs gauge: %w", err)
	}

	collector := &MetricsCollector{
		meter:          meter,
		runsTotal:      runsTotal,
		runTokens:      runTokens,
		runCost:        runCost,
		runDuration:    runDuration,
		budgetExceeded: budgetExceeded,
		runsActive:     runsActive,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// Observe subscribes the collector to the scheduler event bus so every
// run outcome is recorded without instrumenting the queue itself.
func (m *MetricsCollector) Observe(bus *events.Bus) {
	if m.runsTotal == nil || bus == nil {
		return
	}
	on := func(name string, handler events.Handler) {
		m.subs = append(m.subs, busSub{name: name, sub: bus.On(name, handler)})
	}

	on(taskdomain.EventStarted, func(any) {
		m.runsActive.Add(context.Background(), 1)
	})
	on(taskdomain.EventCompleted, func(payload any) {
		event, ok := payload.(taskdomain.CompletedEvent)
		if !ok {
			return
		}
		m.recordFinished(event.Task, event.Snapshot, "completed")
	})
	on(taskdomain.EventFailed, func(payload any) {
		event, ok := payload.(taskdomain.FailedEvent)
		if !ok {
			return
		}
		m.recordFinished(event.Task, taskdomain.Snapshot{}, "failed")
	})
	on(taskdomain.EventDeadLetter, func(payload any) {
		event, ok := payload.(taskdomain.DeadLetterEvent)
		if !ok {
			return
		}
		m.recordFinished(event.Task, taskdomain.Snapshot{}, "dead_letter")
	})
	on(taskdomain.EventBudgetExceeded, func(payload any) {
		event, ok := payload.(taskdomain.BudgetExceededEvent)
		if !ok {
			return
		}
		m.budgetExceeded.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", string(event.LimitExceeded))))
	})
}

// Unobserve detaches the collector from the bus.
func (m *MetricsCollector) Unobserve(bus *events.Bus) {
	if bus == nil {
		return
	}
	for _, s := range m.subs {
		bus.Off(s.name, s.sub)
	}
	m.subs = nil
}

func (m *MetricsCollector) recordFinished(t *taskdomain.Task, snapshot taskdomain.Snapshot, outcome string) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("type", string(t.Type)),
	)
	m.runsActive.Add(ctx, -1)
	m.runsTotal.Add(ctx, 1, attrs)
	if snapshot.TokensUsed > 0 {
		m.runTokens.Add(ctx, int64(snapshot.TokensUsed), attrs)
	}
	if snapshot.EstimatedCostUSD > 0 {
		m.runCost.Add(ctx, snapshot.EstimatedCostUSD, attrs)
	}
	if snapshot.WallClockMs > 0 {
		m.runDuration.Record(ctx, float64(snapshot.WallClockMs)/1000.0, attrs)
	}
}

// StartPrometheusServer starts the Prometheus scrape endpoint.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}
