package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 controller / trigger 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		RunTotal, StepTotal, StepDuration,
		PollCycleDuration, PausedSteps,
		ResumeLaunchTotal,
	)
}

// RunTotal run 终局总数（按状态）
var RunTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "playbook_run_total",
		Help: "run 终局总数（按状态）",
	},
	[]string{"status"}, // completed | failed | aborted
)

// StepTotal step 终局总数（按状态）
var StepTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "playbook_step_total",
		Help: "step 终局总数（按状态）",
	},
	[]string{"status"}, // completed | failed | skipped
)

// StepDuration step 从启动到终局的耗时（秒）
var StepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "playbook_step_duration_seconds",
		Help:    "step 从启动到终局的耗时（秒）",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	},
	[]string{"step_id"},
)

// PollCycleDuration controller 单轮轮询耗时（秒）
var PollCycleDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "playbook_poll_cycle_duration_seconds",
		Help:    "controller 单轮轮询耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// PausedSteps 当前处于 paused 的 step 数
var PausedSteps = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "playbook_paused_steps",
		Help: "当前处于 paused 的 step 数",
	},
)

// ResumeLaunchTotal resume trigger 启动的恢复 Job 总数（按结果）
var ResumeLaunchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "playbook_resume_launch_total",
		Help: "resume trigger 启动的恢复 Job 总数（按结果）",
	},
	[]string{"result"}, // launched | duplicate | rejected
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
