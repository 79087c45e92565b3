// Package metrics 分析流水线与 API 的 Prometheus 指标
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeCompleted = "completed"
	OutcomeError     = "error"
)

type registry struct {
	once sync.Once

	runs             *prometheus.CounterVec
	runDuration      prometheus.Histogram
	stageDuration    *prometheus.HistogramVec
	artifactFailures *prometheus.CounterVec
	filesIndexed     prometheus.Counter
	indexReused      prometheus.Counter
	quotaRejections  prometheus.Counter
	embedCache       *prometheus.CounterVec
}

var m registry

func (r *registry) init() {
	r.once.Do(func() {
		r.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archmind_analysis_runs_total",
			Help: "Finished analysis runs by outcome",
		}, []string{"outcome"})
		r.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "archmind_analysis_run_seconds",
			Help:    "Wall time of one analysis run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		})
		r.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archmind_analysis_stage_seconds",
			Help:    "Wall time spent in each pipeline stage",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"step"})
		r.artifactFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archmind_artifact_failures_total",
			Help: "Generation failures per artifact kind",
		}, []string{"kind"})
		r.filesIndexed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archmind_files_indexed_total",
			Help: "Files embedded into the vector index",
		})
		r.indexReused = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archmind_index_reused_total",
			Help: "Runs that reused an existing repository index",
		})
		r.quotaRejections = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archmind_quota_rejections_total",
			Help: "Anonymous analyze requests rejected by the quota",
		})
		r.embedCache = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archmind_embedding_cache_total",
			Help: "Embedding cache lookups by result",
		}, []string{"result"})

		prometheus.MustRegister(
			r.runs, r.runDuration, r.stageDuration, r.artifactFailures,
			r.filesIndexed, r.indexReused, r.quotaRejections, r.embedCache,
		)
	})
}

func RecordRun(outcome string, d time.Duration) {
	m.init()
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
}

func RecordStage(step string, d time.Duration) {
	m.init()
	m.stageDuration.WithLabelValues(step).Observe(d.Seconds())
}

func RecordArtifactFailure(kind string) {
	m.init()
	m.artifactFailures.WithLabelValues(kind).Inc()
}

func RecordFilesIndexed(n int) {
	m.init()
	m.filesIndexed.Add(float64(n))
}

func RecordIndexReused() {
	m.init()
	m.indexReused.Inc()
}

func RecordQuotaRejection() {
	m.init()
	m.quotaRejections.Inc()
}

func RecordEmbeddingCache(hit bool) {
	m.init()
	result := "miss"
	if hit {
		result = "hit"
	}
	m.embedCache.WithLabelValues(result).Inc()
}

// Handler 默认 registry 的 /metrics 处理器
func Handler() http.Handler {
	m.init()
	return promhttp.Handler()
}

// StageTimer 记录相邻两次 Enter 之间的耗时，归到前一个阶段
type StageTimer struct {
	now  func() time.Time
	step string
	at   time.Time
}

func NewStageTimer(now func() time.Time) *StageTimer {
	if now == nil {
		now = time.Now
	}
	return &StageTimer{now: now}
}

// Enter 结束当前阶段并开始 step；step 为空表示结束计时
func (t *StageTimer) Enter(step string) {
	at := t.now()
	if t.step != "" {
		RecordStage(t.step, at.Sub(t.at))
	}
	t.step, t.at = step, at
}
