package session

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/iabetor/wakelisten/internal/audio"
	"github.com/iabetor/wakelisten/internal/wake"
)

type fakeConfig struct{}

func (fakeConfig) Models() wake.ModelPaths { return wake.ModelPaths{Root: "/opt/fake"} }

// step 描述一次解码之后识别器的状态，score 为线性概率。
type step struct {
	hyp   string
	score float64
}

// fakeEngine 创建按脚本返回结果的识别器实例。
type fakeEngine struct {
	mu        sync.Mutex
	missing   bool
	gate      chan struct{}
	script    []step
	resolves  int
	instances []*fakeInstance
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) ResolveInstallation(ctx context.Context) (string, error) {
	e.mu.Lock()
	e.resolves++
	gate, missing := e.gate, e.missing
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if missing {
		return "", fmt.Errorf("%w: fake", wake.ErrResourceNotFound)
	}
	return "/opt/fake", nil
}

func (e *fakeEngine) LocateModels(installation string) (wake.ModelPaths, error) {
	return wake.ModelPaths{Root: installation}, nil
}

func (e *fakeEngine) BuildConfig(wake.ModelPaths, string) (wake.ConfigHandle, error) {
	return fakeConfig{}, nil
}

func (e *fakeEngine) CreateInstance(wake.ConfigHandle) (wake.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst := &fakeInstance{script: slices.Clone(e.script)}
	e.instances = append(e.instances, inst)
	return inst, nil
}

func (e *fakeEngine) created() []*fakeInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.instances)
}

func (e *fakeEngine) resolveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolves
}

type fakeInstance struct {
	mu      sync.Mutex
	script  []step
	decoded int
	hyp     string
	score   float64
	calls   []string
	closed  bool
}

func (f *fakeInstance) record(c string) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeInstance) SetKeywordSearch(name, _ string) error {
	f.record("search:" + name)
	return nil
}

func (f *fakeInstance) StartUtterance() error {
	f.mu.Lock()
	f.hyp, f.score = "", 0
	f.mu.Unlock()
	f.record("start")
	return nil
}

func (f *fakeInstance) EndUtterance() error {
	f.record("end")
	return nil
}

func (f *fakeInstance) DecodeRaw([]byte, bool) error {
	f.mu.Lock()
	if f.decoded < len(f.script) {
		s := f.script[f.decoded]
		f.hyp, f.score = s.hyp, s.score
	}
	f.decoded++
	f.mu.Unlock()
	f.record("decode")
	return nil
}

func (f *fakeInstance) Hypothesis() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hyp, f.hyp != ""
}

func (f *fakeInstance) FirstSegmentLogProb() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.score <= 0 {
		return 0, false
	}
	return math.Log(f.score), true
}

func (f *fakeInstance) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeInstance) count(c string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, x := range f.calls {
		if x == c {
			n++
		}
	}
	return n
}

func (f *fakeInstance) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeMic 记录调用顺序，emit 模拟设备回调。
type fakeMic struct {
	mu       sync.Mutex
	calls    []string
	dataFn   func([]byte)
	errFn    func(error)
	startErr error
}

func (m *fakeMic) record(c string) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

// Start 失败时与 audio.Capture 一样，同时通过 OnError 报告错误。
func (m *fakeMic) Start() error {
	m.record("start")
	if m.startErr != nil {
		m.fail(m.startErr)
	}
	return m.startErr
}

func (m *fakeMic) Stop() error {
	m.record("stop")
	return nil
}

func (m *fakeMic) Pause() error {
	m.record("pause")
	return nil
}

func (m *fakeMic) Resume() error {
	m.record("resume")
	return nil
}

func (m *fakeMic) Close() error {
	m.record("close")
	return nil
}

func (m *fakeMic) OnData(fn func([]byte)) {
	m.mu.Lock()
	m.dataFn = fn
	m.mu.Unlock()
}

func (m *fakeMic) OnError(fn func(error)) {
	m.mu.Lock()
	m.errFn = fn
	m.mu.Unlock()
}

func (m *fakeMic) RemoveAllListeners() {
	m.mu.Lock()
	m.dataFn, m.errFn = nil, nil
	m.mu.Unlock()
	m.record("remove")
}

func (m *fakeMic) emit(pcm []byte) {
	m.mu.Lock()
	fn := m.dataFn
	m.mu.Unlock()
	if fn != nil {
		fn(pcm)
	}
}

func (m *fakeMic) fail(err error) {
	m.mu.Lock()
	fn := m.errFn
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (m *fakeMic) dataListener() func([]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dataFn
}

func (m *fakeMic) history() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

func (m *fakeMic) count(c string) int {
	n := 0
	for _, x := range m.history() {
		if x == c {
			n++
		}
	}
	return n
}

type fakeFactory struct {
	mu       sync.Mutex
	mics     []*fakeMic
	openErr  error
	startErr error
}

func (f *fakeFactory) Open(audio.MicConfig) (audio.Microphone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	m := &fakeMic{startErr: f.startErr}
	f.mics = append(f.mics, m)
	return m, nil
}

func (f *fakeFactory) opened() []*fakeMic {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.mics)
}
