package wake

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// fakeConfig 是测试用的 ConfigHandle。
type fakeConfig struct{ paths ModelPaths }

func (c *fakeConfig) Models() ModelPaths { return c.paths }

// fakeEngine 记录每个步骤的调用次数，可选地阻塞安装定位。
type fakeEngine struct {
	resolveCalls atomic.Int32
	locateCalls  atomic.Int32
	buildCalls   atomic.Int32
	createCalls  atomic.Int32

	missing bool
	gate    chan struct{}
	created []*fakeInstance
	mu      sync.Mutex
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) ResolveInstallation(ctx context.Context) (string, error) {
	e.resolveCalls.Add(1)
	if e.gate != nil {
		<-e.gate
	}
	if e.missing {
		return "", fmt.Errorf("%w: not installed", ErrResourceNotFound)
	}
	return "/opt/fake", nil
}

func (e *fakeEngine) LocateModels(installation string) (ModelPaths, error) {
	e.locateCalls.Add(1)
	return ModelPaths{Root: installation + "/model"}, nil
}

func (e *fakeEngine) BuildConfig(paths ModelPaths, _ string) (ConfigHandle, error) {
	e.buildCalls.Add(1)
	return &fakeConfig{paths: paths}, nil
}

func (e *fakeEngine) CreateInstance(ConfigHandle) (Instance, error) {
	e.createCalls.Add(1)
	inst := &fakeInstance{}
	e.mu.Lock()
	e.created = append(e.created, inst)
	e.mu.Unlock()
	return inst, nil
}

// step 描述一次 DecodeRaw 之后识别器的状态。
type step struct {
	hyp   string
	score float64 // 线性概率，0 表示无片段
}

// fakeInstance 按脚本返回识别结果。
type fakeInstance struct {
	script []step
	decode int
	hyp    string
	score  float64

	starts, ends int
	decoded      [][]byte
	calls        []string
	closed       bool
	decodeErr    error
}

func (f *fakeInstance) SetKeywordSearch(name, file string) error {
	f.calls = append(f.calls, "search:"+name)
	return nil
}

func (f *fakeInstance) StartUtterance() error {
	f.starts++
	f.hyp = ""
	f.score = 0
	f.calls = append(f.calls, "start")
	return nil
}

func (f *fakeInstance) EndUtterance() error {
	f.ends++
	f.calls = append(f.calls, "end")
	return nil
}

func (f *fakeInstance) DecodeRaw(pcm []byte, final bool) error {
	if f.decodeErr != nil {
		return f.decodeErr
	}
	f.decoded = append(f.decoded, pcm)
	f.calls = append(f.calls, "decode")
	if f.decode < len(f.script) {
		s := f.script[f.decode]
		f.hyp, f.score = s.hyp, s.score
	}
	f.decode++
	return nil
}

func (f *fakeInstance) Hypothesis() (string, bool) {
	if f.hyp == "" {
		return "", false
	}
	return f.hyp, true
}

func (f *fakeInstance) FirstSegmentLogProb() (float64, bool) {
	if f.score <= 0 {
		return 0, false
	}
	return math.Log(f.score), true
}

func (f *fakeInstance) Close() { f.closed = true }

// recordingMetrics 记录指标调用。
type recordingMetrics struct {
	accepted []float64
	rejected []float64
	loads    []error
}

func (m *recordingMetrics) WakeAccepted(_ context.Context, _ string, score float64) {
	m.accepted = append(m.accepted, score)
}

func (m *recordingMetrics) WakeRejected(_ context.Context, _ string, score float64) {
	m.rejected = append(m.rejected, score)
}

func (m *recordingMetrics) LoadFinished(_ context.Context, _ time.Duration, err error) {
	m.loads = append(m.loads, err)
}

var errDecode = errors.New("decode failed")
