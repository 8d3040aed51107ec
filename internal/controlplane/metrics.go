package controlplane

import "github.com/prometheus/client_golang/prometheus"

type controllerMetrics struct {
	requests *prometheus.CounterVec
	tokens   *prometheus.CounterVec
	tasks    *prometheus.CounterVec
	commands *prometheus.CounterVec
	facts    *prometheus.CounterVec
}

func newControllerMetrics(registry *prometheus.Registry) *controllerMetrics {
	if registry == nil {
		return nil
	}

	m := &controllerMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_model_requests_total",
				Help: "Total number of model requests by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_model_tokens_total",
				Help: "Total number of model tokens by channel and kind",
			},
			[]string{"channel", "kind"},
		),
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_tasks_finished_total",
				Help: "Total number of tasks reaching a terminal state",
			},
			[]string{"state"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_commands_total",
				Help: "Total number of commands executed by outcome",
			},
			[]string{"outcome"},
		),
		facts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_facts_recorded_total",
				Help: "Total number of blackboard facts by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.requests,
		m.tokens,
		m.tasks,
		m.commands,
		m.facts,
	)

	return m
}

func (m *controllerMetrics) observeRequest(channel, outcome string, prompt, completion int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(channel, outcome).Inc()
	m.tokens.WithLabelValues(channel, "prompt").Add(float64(prompt))
	m.tokens.WithLabelValues(channel, "completion").Add(float64(completion))
}

func (m *controllerMetrics) observeTask(state string) {
	if m != nil {
		m.tasks.WithLabelValues(state).Inc()
	}
}

func (m *controllerMetrics) observeCommand(outcome string) {
	if m != nil {
		m.commands.WithLabelValues(outcome).Inc()
	}
}

func (m *controllerMetrics) observeFact(kind string) {
	if m != nil {
		m.facts.WithLabelValues(kind).Inc()
	}
}
