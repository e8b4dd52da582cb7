// Package session 实现唤醒监听会话：资源获取、采集、检测与转发的状态机。
//
// 会话的所有状态都只在 Run 所在的事件循环 goroutine 中修改。公开方法只向
// 收件箱投递命令并立即返回，因此可以在 onWake/onReady 回调中调用。
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iabetor/wakelisten/internal/audio"
	"github.com/iabetor/wakelisten/internal/logger"
	"github.com/iabetor/wakelisten/internal/wake"
)

const tracerName = "github.com/iabetor/wakelisten/internal/session"

// DefaultSearchName 是关键词检索的默认名称。
const DefaultSearchName = "wakeword"

// ErrListenFailed 包装使一次 listen 请求失败的错误，会话此时已回到 Stopped。
var ErrListenFailed = errors.New("监听请求失败")

// Deps 是会话依赖的外部部件。
type Deps struct {
	Resource    *wake.Resource
	Keywords    *wake.KeywordFile
	Microphones audio.MicrophoneFactory

	// Metrics 可选。
	Metrics wake.Metrics
	// Tracer 可选，默认使用全局 TracerProvider。
	Tracer trace.Tracer
}

// Options 配置会话行为。
type Options struct {
	Mic           audio.MicConfig
	ChunkInterval time.Duration
	SearchName    string

	// ListenTime 大于 0 时，语句持续这么久无结果就重新开始。
	ListenTime time.Duration

	// RestartOnResume 为 true 时，在 Streaming 状态下直接 Resume 会重新开始检测。
	RestartOnResume bool

	// UtteranceBuffer 为唤醒语句音频的缓冲字节数，0 表示不保留。
	UtteranceBuffer int

	Now func() time.Time

	// OnError 接收会话中发生的错误（加载失败、设备错误、非法转换）。
	OnError func(err error)
	// OnDetect 在确认唤醒时调用一次。
	OnDetect func(d wake.Detection)
}

// Snapshot 是会话在某一时刻的状态。
type Snapshot struct {
	State     State
	RequestID string
	Word      string
	Detected  bool
	Pending   bool
	// Loaded 表示当前持有识别器实例。
	Loaded bool
}

// request 是一次 listen 调用的参数。
type request struct {
	id        string
	words     []string
	threshold float64
	onWake    func(pcm []byte, word string)
	onReady   func()
}

// pendingRequest 是加载期间收到的最新请求，stop 为 true 表示停止。
type pendingRequest struct {
	stop bool
	req  request
}

type (
	listenCmd   struct{ req request }
	pauseCmd    struct{}
	resumeCmd   struct{}
	stopCmd     struct{}
	snapshotCmd struct{ reply chan Snapshot }

	loadedEvt struct {
		req  request
		inst wake.Instance
		err  error
	}
	dataEvt struct {
		gen int
		pcm []byte
	}
	micErrEvt struct {
		gen int
		err error
	}
)

// Session 是唤醒监听会话。
type Session struct {
	deps  Deps
	opts  Options
	state *StateMachine
	box   *mailbox

	// 以下字段只在事件循环中访问
	current  *request
	pending  *pendingRequest
	gen      int
	mic      audio.Microphone
	chunker  *audio.Chunker
	detector *wake.Detector
}

// New 创建会话，调用 Run 之后开始处理命令。
func New(deps Deps, opts Options) *Session {
	if deps.Metrics == nil {
		deps.Metrics = wake.NopMetrics{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if opts.SearchName == "" {
		opts.SearchName = DefaultSearchName
	}
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = audio.DefaultChunkInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		deps:  deps,
		opts:  opts,
		state: NewStateMachine(),
		box:   newMailbox(),
	}
}

// State 返回当前状态。
func (s *Session) State() State {
	return s.state.Current()
}

// SetOnChange 注册状态变化回调。
func (s *Session) SetOnChange(fn func(from, to State)) {
	s.state.SetOnChange(fn)
}

// Listen 请求开始监听 words，返回本次请求的 ID。
// 参数在调用时校验，之后的失败通过 Options.OnError 报告。
func (s *Session) Listen(words []string, threshold float64, onWake func(pcm []byte, word string), onReady func()) (string, error) {
	if len(words) == 0 {
		return "", errors.New("唤醒词列表为空")
	}
	if threshold < 0 || threshold > 1 {
		return "", fmt.Errorf("阈值必须在 [0,1] 范围内，当前为 %v", threshold)
	}
	if onWake == nil {
		return "", errors.New("onWake 不能为空")
	}

	req := request{
		id:        uuid.NewString(),
		words:     slices.Clone(words),
		threshold: threshold,
		onWake:    onWake,
		onReady:   onReady,
	}
	s.box.post(listenCmd{req: req})
	return req.id, nil
}

// Pause 请求暂停采集。
func (s *Session) Pause() { s.box.post(pauseCmd{}) }

// Resume 请求恢复采集。
func (s *Session) Resume() { s.box.post(resumeCmd{}) }

// Stop 请求停止会话。
func (s *Session) Stop() { s.box.post(stopCmd{}) }

// Snapshot 经由事件循环读取会话状态，返回时之前投递的命令都已处理。
// 不能在 onWake/onReady 回调中调用。
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	s.box.post(snapshotCmd{reply: reply})
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Run 运行事件循环直到 ctx 取消，退出前停止采集并释放识别器实例。
// 只能调用一次。
func (s *Session) Run(ctx context.Context) error {
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.box.notify:
			for ctx.Err() == nil {
				ev, ok := s.box.take()
				if !ok {
					break
				}
				s.handle(ctx, ev)
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case listenCmd:
		s.listen(ctx, ev.req)
	case pauseCmd:
		s.pause()
	case resumeCmd:
		s.resume()
	case stopCmd:
		s.stop()
	case snapshotCmd:
		ev.reply <- s.snapshot()
	case loadedEvt:
		s.loaded(ctx, ev)
	case dataEvt:
		s.data(ev)
	case micErrEvt:
		if ev.gen != s.gen {
			return
		}
		err := ev.err
		if !errors.Is(err, audio.ErrMicrophoneStream) {
			err = fmt.Errorf("%w: %w", audio.ErrMicrophoneStream, err)
		}
		logger.Warnf("[session] 麦克风错误: %v", err)
		s.report(err)
	}
}

func (s *Session) listen(ctx context.Context, req request) {
	switch st := s.state.Current(); {
	case st == StateLoading:
		if s.pending != nil {
			logger.Debugf("[session] 覆盖待处理请求 (request=%s)", req.id)
		}
		s.pending = &pendingRequest{req: req}
		logger.Infof("[session] 正在加载，记录待处理请求 (request=%s)", req.id)
		return
	case st.Capturing():
		logger.Infof("[session] 重新监听，先停止当前会话")
		s.teardown()
	}

	if err := s.state.Transition(StateLoading); err != nil {
		logger.Errorf("[session] %v", err)
		return
	}
	logger.Infof("[session] 开始加载 (request=%s, words=%q, threshold=%.2f)", req.id, req.words, req.threshold)
	go s.acquire(ctx, req)
}

// acquire 依次获取识别配置、识别器实例和关键词文件，完成后投递 loadedEvt。
func (s *Session) acquire(ctx context.Context, req request) {
	ctx, span := s.deps.Tracer.Start(ctx, "wakelisten.acquire",
		trace.WithAttributes(
			attribute.String("request.id", req.id),
			attribute.Int("words", len(req.words)),
		),
	)
	defer span.End()

	start := time.Now()
	inst, err := s.deps.Resource.Instance(ctx)
	if err == nil {
		var changed bool
		changed, err = s.deps.Keywords.Build(req.words)
		span.SetAttributes(attribute.Bool("keywords.rewritten", changed))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.deps.Metrics.LoadFinished(ctx, time.Since(start), err)

	s.box.post(loadedEvt{req: req, inst: inst, err: err})
}

func (s *Session) loaded(ctx context.Context, ev loadedEvt) {
	if s.state.Current() != StateLoading {
		return
	}
	p := s.pending
	s.pending = nil

	switch {
	case ev.err != nil:
		s.fail(ev.req, fmt.Errorf("加载失败: %w", ev.err))
		if p != nil && !p.stop {
			s.listen(ctx, p.req)
		}
	case p != nil && p.stop:
		logger.Infof("[session] 加载期间收到停止请求 (request=%s)", ev.req.id)
		s.deps.Resource.ReleaseInstance()
		_ = s.state.Transition(StateStopped)
	case p != nil:
		// 最新的请求优先，已缓存的配置和实例直接复用
		logger.Infof("[session] 加载期间收到新请求，放弃 %s，改用 %s", ev.req.id, p.req.id)
		_ = s.state.Transition(StateStopped)
		s.listen(ctx, p.req)
	default:
		s.start(ev.req, ev.inst)
	}
}

// start 配置检索、开始语句并启动麦克风。
func (s *Session) start(req request, inst wake.Instance) {
	if err := inst.SetKeywordSearch(s.opts.SearchName, s.deps.Keywords.Path()); err != nil {
		s.fail(req, fmt.Errorf("设置关键词检索失败: %w", err))
		return
	}

	detector := wake.NewDetector(inst, wake.DetectorOptions{
		Threshold:       req.threshold,
		ListenTime:      s.opts.ListenTime,
		UtteranceBuffer: s.opts.UtteranceBuffer,
		Metrics:         s.deps.Metrics,
		Now:             s.opts.Now,
		OnWake:          req.onWake,
		OnDetect:        s.detected,
	})
	if err := detector.Begin(); err != nil {
		s.fail(req, err)
		return
	}

	mic, err := s.deps.Microphones.Open(s.opts.Mic)
	if err != nil {
		_ = detector.Close()
		s.fail(req, fmt.Errorf("打开麦克风失败: %w", err))
		return
	}

	s.gen++
	gen := s.gen
	mic.OnData(func(pcm []byte) { s.box.post(dataEvt{gen: gen, pcm: pcm}) })
	mic.OnError(func(err error) { s.box.post(micErrEvt{gen: gen, err: err}) })

	if err := mic.Start(); err != nil {
		// 设备可能已经通过 OnError 报告过同一个错误
		s.gen++
		mic.RemoveAllListeners()
		_ = mic.Close()
		_ = detector.Close()
		s.fail(req, fmt.Errorf("启动麦克风失败: %w", err))
		return
	}

	s.current = &req
	s.mic = mic
	s.detector = detector
	s.chunker = audio.NewChunker(s.opts.ChunkInterval, s.opts.Now, s.process)

	_ = s.state.Transition(StatePreListen)
	logger.Infof("[session] 开始监听 (request=%s)", req.id)
	if req.onReady != nil {
		req.onReady()
	}
}

// fail 把失败的请求收敛到 Stopped，释放已获取的资源，不调用 onWake。
func (s *Session) fail(req request, err error) {
	logger.Errorf("[session] 请求 %s 失败: %v", req.id, err)
	s.deps.Resource.ReleaseInstance()
	_ = s.state.Transition(StateStopped)
	s.report(fmt.Errorf("%w: %w", ErrListenFailed, err))
}

func (s *Session) data(ev dataEvt) {
	if ev.gen != s.gen || s.chunker == nil {
		return
	}
	if s.state.Current() == StatePreListen {
		_ = s.state.Transition(StateListening)
	}
	_, _ = s.chunker.Write(ev.pcm)
}

// process 是分块器的输出，把块交给检测器。
func (s *Session) process(chunk []byte) {
	if s.detector == nil {
		return
	}
	if err := s.detector.Process(chunk); err != nil {
		logger.Errorf("[session] 处理音频失败: %v", err)
		s.report(err)
	}
}

// detected 把检测器的确认同步为 Streaming 状态。暂停期间确认的唤醒在恢复时生效。
func (s *Session) detected(d wake.Detection) {
	if s.state.Current() == StateListening {
		_ = s.state.Transition(StateStreaming)
	}
	if s.opts.OnDetect != nil {
		s.opts.OnDetect(d)
	}
}

func (s *Session) pause() {
	switch st := s.state.Current(); st {
	case StatePaused:
		return
	case StatePreListen, StateListening, StateStreaming:
		if err := s.mic.Pause(); err != nil {
			logger.Warnf("[session] 暂停麦克风失败: %v", err)
			s.report(err)
			return
		}
		_ = s.state.Transition(StatePaused)
	default:
		s.invalid("pause", st)
	}
}

func (s *Session) resume() {
	switch st := s.state.Current(); st {
	case StatePaused:
		if err := s.mic.Resume(); err != nil {
			logger.Warnf("[session] 恢复麦克风失败: %v", err)
			s.report(err)
			return
		}
		to := StateListening
		if _, ok := s.detector.Detected(); ok {
			to = StateStreaming
		}
		_ = s.state.Transition(to)
	case StateStreaming:
		if !s.opts.RestartOnResume {
			return
		}
		if err := s.detector.Rearm(); err != nil {
			logger.Errorf("[session] 重新开始检测失败: %v", err)
			s.report(err)
			return
		}
		logger.Infof("[session] 重新开始检测唤醒词")
		_ = s.state.Transition(StateListening)
	case StatePreListen, StateListening:
		return
	default:
		s.invalid("resume", st)
	}
}

func (s *Session) stop() {
	switch st := s.state.Current(); {
	case st == StateStopped:
		return
	case st == StateLoading:
		s.pending = &pendingRequest{stop: true}
		logger.Infof("[session] 正在加载，记录停止请求")
	default:
		s.teardown()
	}
}

// teardown 先注销麦克风回调再停止设备，之后不会再有音频到达会话。
func (s *Session) teardown() {
	if s.mic != nil {
		s.mic.RemoveAllListeners()
		if err := s.mic.Stop(); err != nil {
			logger.Warnf("[session] 停止麦克风失败: %v", err)
		}
		if err := s.mic.Close(); err != nil {
			logger.Warnf("[session] 关闭麦克风失败: %v", err)
		}
		s.mic = nil
	}
	s.gen++

	if s.detector != nil {
		if err := s.detector.Close(); err != nil {
			logger.Warnf("[session] 结束语句失败: %v", err)
		}
		s.detector = nil
	}
	if s.chunker != nil {
		if n := s.chunker.Buffered(); n > 0 {
			logger.Debugf("[session] 丢弃 %d 字节未处理的音频", n)
		}
		s.chunker.Reset()
		s.chunker = nil
	}
	s.deps.Resource.ReleaseInstance()

	if s.current != nil {
		logger.Infof("[session] 已停止 (request=%s)", s.current.id)
		s.current = nil
	}
	_ = s.state.Transition(StateStopped)
}

func (s *Session) shutdown() {
	if s.state.Current().Capturing() {
		s.teardown()
		return
	}
	s.pending = nil
	s.deps.Resource.ReleaseInstance()
	_ = s.state.Transition(StateStopped)
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		State:   s.state.Current(),
		Pending: s.pending != nil,
		Loaded:  s.deps.Resource.HasInstance(),
	}
	if s.current != nil {
		snap.RequestID = s.current.id
	}
	if s.detector != nil {
		if d, ok := s.detector.Detected(); ok {
			snap.Detected = true
			snap.Word = d.Word
		}
	}
	return snap
}

func (s *Session) invalid(op string, st State) {
	err := fmt.Errorf("%w: %s 不能在 %s 状态下调用", ErrInvalidTransition, op, st)
	logger.Warnf("[session] %v", err)
	s.report(err)
}

func (s *Session) report(err error) {
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}
