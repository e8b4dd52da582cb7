// Package observe 提供 OpenTelemetry 指标与追踪。指标通过 Prometheus
// 导出器以 /metrics 形式提供抓取。测试应使用 NewMetrics 配合自定义的
// MeterProvider，避免测试之间相互影响。
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName 是所有指标的 instrumentation scope。
const meterName = "github.com/iabetor/wakelisten"

// Metrics 持有所有指标。字段可并发使用。
type Metrics struct {
	// WakeAccepted 统计确认的唤醒，属性 word。
	WakeAccepted metric.Int64Counter
	// WakeRejected 统计被置信度拒绝的候选，属性 word。
	WakeRejected metric.Int64Counter
	// WakeScore 记录每个候选的置信度，属性 outcome。
	WakeScore metric.Float64Histogram

	// LoadDuration 记录资源获取耗时，属性 status。
	LoadDuration metric.Float64Histogram
	// LoadFailures 统计资源获取失败次数。
	LoadFailures metric.Int64Counter
}

var scoreBuckets = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1}

var loadBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// NewMetrics 用给定的 MeterProvider 创建指标。
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.WakeAccepted, err = m.Int64Counter("wakelisten.wake.accepted",
		metric.WithDescription("Confirmed wake phrases."),
	); err != nil {
		return nil, err
	}
	if met.WakeRejected, err = m.Int64Counter("wakelisten.wake.rejected",
		metric.WithDescription("Wake candidates rejected below the score threshold."),
	); err != nil {
		return nil, err
	}
	if met.WakeScore, err = m.Float64Histogram("wakelisten.wake.score",
		metric.WithDescription("Confirmation score of wake candidates."),
		metric.WithExplicitBucketBoundaries(scoreBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LoadDuration, err = m.Float64Histogram("wakelisten.load.duration",
		metric.WithDescription("Latency of recognizer and keyword file acquisition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(loadBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LoadFailures, err = m.Int64Counter("wakelisten.load.failures",
		metric.WithDescription("Failed acquisitions."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordWakeAccepted 记录一次确认的唤醒。
func (m *Metrics) RecordWakeAccepted(ctx context.Context, word string, score float64) {
	m.WakeAccepted.Add(ctx, 1, metric.WithAttributes(attribute.String("word", word)))
	m.WakeScore.Record(ctx, score, metric.WithAttributes(attribute.String("outcome", "accepted")))
}

// RecordWakeRejected 记录一次拒绝。
func (m *Metrics) RecordWakeRejected(ctx context.Context, word string, score float64) {
	m.WakeRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("word", word)))
	m.WakeScore.Record(ctx, score, metric.WithAttributes(attribute.String("outcome", "rejected")))
}

// RecordLoad 记录一次资源获取。
func (m *Metrics) RecordLoad(ctx context.Context, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.LoadFailures.Add(ctx, 1)
	}
	m.LoadDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// Sink 把 Metrics 适配为 wake.Metrics。
type Sink struct{ M *Metrics }

func (s Sink) WakeAccepted(ctx context.Context, word string, score float64) {
	s.M.RecordWakeAccepted(ctx, word, score)
}

func (s Sink) WakeRejected(ctx context.Context, word string, score float64) {
	s.M.RecordWakeRejected(ctx, word, score)
}

func (s Sink) LoadFinished(ctx context.Context, d time.Duration, err error) {
	s.M.RecordLoad(ctx, d, err)
}
