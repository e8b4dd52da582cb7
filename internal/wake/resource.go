package wake

import (
	"context"
	"fmt"
	"sync"

	"github.com/iabetor/wakelisten/internal/logger"
	"golang.org/x/sync/singleflight"
)

// Resource 持有识别配置与当前识别器实例。
// 配置在首次成功解析后一直缓存，直到 Invalidate；并发的解析请求合并为一次。
type Resource struct {
	engine  Engine
	logDest string
	group   singleflight.Group

	mu       sync.Mutex
	config   ConfigHandle
	instance Instance
}

// NewResource 创建资源持有者。logDestination 原样传给 Engine.BuildConfig。
func NewResource(engine Engine, logDestination string) *Resource {
	return &Resource{engine: engine, logDest: logDestination}
}

// Config 返回缓存的识别配置，没有时解析一次。
func (r *Resource) Config(ctx context.Context) (ConfigHandle, error) {
	r.mu.Lock()
	cfg := r.config
	r.mu.Unlock()
	if cfg != nil {
		return cfg, nil
	}

	// 解析过程不随单个调用方取消
	resolveCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan("config", func() (interface{}, error) {
		return r.resolve(resolveCtx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(ConfigHandle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resource) resolve(ctx context.Context) (ConfigHandle, error) {
	r.mu.Lock()
	cfg := r.config
	r.mu.Unlock()
	if cfg != nil {
		return cfg, nil
	}

	installation, err := r.engine.ResolveInstallation(ctx)
	if err != nil {
		return nil, fmt.Errorf("定位 %s 识别器失败: %w", r.engine.Name(), err)
	}
	paths, err := r.engine.LocateModels(installation)
	if err != nil {
		return nil, fmt.Errorf("校验模型文件失败: %w", err)
	}
	cfg, err = r.engine.BuildConfig(paths, r.logDest)
	if err != nil {
		return nil, fmt.Errorf("构建识别配置失败: %w", err)
	}

	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
	logger.Infof("[wake] 识别配置已就绪 (engine=%s, models=%s)", r.engine.Name(), paths.Root)
	return cfg, nil
}

// Instance 返回当前识别器实例，没有时用缓存的配置创建。
func (r *Resource) Instance(ctx context.Context) (Instance, error) {
	cfg, err := r.Config(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instance != nil {
		return r.instance, nil
	}
	inst, err := r.engine.CreateInstance(cfg)
	if err != nil {
		return nil, fmt.Errorf("创建识别器实例失败: %w", err)
	}
	r.instance = inst
	logger.Debug("[wake] 识别器实例已创建")
	return inst, nil
}

// HasInstance 返回当前是否持有识别器实例。
func (r *Resource) HasInstance() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instance != nil
}

// ReleaseInstance 销毁当前实例，配置保持缓存。
func (r *Resource) ReleaseInstance() {
	r.mu.Lock()
	inst := r.instance
	r.instance = nil
	r.mu.Unlock()

	if inst != nil {
		inst.Close()
		logger.Debug("[wake] 识别器实例已释放")
	}
}

// Invalidate 丢弃缓存的配置，下次 Config 会重新解析。
func (r *Resource) Invalidate() {
	r.mu.Lock()
	r.config = nil
	r.mu.Unlock()
}

// Close 释放所有资源。
func (r *Resource) Close() {
	r.ReleaseInstance()
	r.Invalidate()
}
