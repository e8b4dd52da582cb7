// Package wake 实现唤醒词识别的核心部件：识别器资源管理、关键词文件生成
// 以及基于置信度的检测判定。具体的识别引擎通过 Engine 接口注入。
package wake

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrResourceNotFound 表示识别器安装或模型文件缺失。
	ErrResourceNotFound = errors.New("识别器或模型文件不存在")
	// ErrFileIO 表示关键词文件打开、写入或关闭失败。
	ErrFileIO = errors.New("关键词文件读写失败")
)

// ModelPaths 是一套已校验存在的模型文件。
type ModelPaths struct {
	Root  string
	Files map[string]string // 角色 -> 路径，如 "encoder" -> ".../encoder.onnx"
}

// ConfigHandle 是识别引擎构建好的配置，创建后只读，可在多个会话间共享。
type ConfigHandle interface {
	Models() ModelPaths
}

// Engine 是外部识别引擎的入口。
type Engine interface {
	Name() string

	// ResolveInstallation 定位识别器安装目录，找不到时返回 ErrResourceNotFound。
	ResolveInstallation(ctx context.Context) (string, error)

	// LocateModels 校验安装目录下的模型文件，缺失时返回 ErrResourceNotFound。
	LocateModels(installation string) (ModelPaths, error)

	// BuildConfig 构建识别配置，logDestination 为识别器日志输出位置。
	BuildConfig(paths ModelPaths, logDestination string) (ConfigHandle, error)

	CreateInstance(cfg ConfigHandle) (Instance, error)
}

// Instance 是一个识别器实例，同一时间只属于一个会话。
type Instance interface {
	// SetKeywordSearch 以关键词文件配置名为 name 的检索并设为当前检索。
	SetKeywordSearch(name, keywordFile string) error

	StartUtterance() error
	EndUtterance() error

	// DecodeRaw 送入原始 PCM 字节。
	DecodeRaw(pcm []byte, final bool) error

	// Hypothesis 返回当前语句的识别结果。
	Hypothesis() (string, bool)

	// FirstSegmentLogProb 返回第一个识别片段的对数概率。
	FirstSegmentLogProb() (float64, bool)

	Close()
}

// Metrics 接收检测结果与加载耗时，可选。
type Metrics interface {
	WakeAccepted(ctx context.Context, word string, score float64)
	WakeRejected(ctx context.Context, word string, score float64)
	LoadFinished(ctx context.Context, d time.Duration, err error)
}

// NopMetrics 丢弃所有指标。
type NopMetrics struct{}

func (NopMetrics) WakeAccepted(context.Context, string, float64) {}
func (NopMetrics) WakeRejected(context.Context, string, float64) {}
func (NopMetrics) LoadFinished(context.Context, time.Duration, error) {}
