package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the instruments lughd records against.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	ActiveWorkers    metric.Int64UpDownCounter
	IsolationEnvs    metric.Int64UpDownCounter
}

// NewMetrics creates every instrument from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("lugh.task.duration",
		metric.WithDescription("Pool task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("lugh.tool.duration",
		metric.WithDescription("Assistant tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("lugh.tool.errors",
		metric.WithDescription("Assistant tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("lugh.worker.active",
		metric.WithDescription("Number of currently busy agent workers"),
	)
	if err != nil {
		return nil, err
	}

	m.IsolationEnvs, err = meter.Int64UpDownCounter("lugh.isolation.envs.active",
		metric.WithDescription("Number of active isolation environments"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
