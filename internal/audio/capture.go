package audio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/iabetor/wakelisten/internal/logger"
)

// Capture 使用 malgo (miniaudio) 实现 Microphone。
// 采集回调把原始字节复制后放入 channel，由单独的 goroutine 按顺序分发给监听者。
type Capture struct {
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	deviceID malgo.DeviceID
	cfg      MicConfig
	frames   chan []byte

	mu      sync.Mutex
	dataFns []func([]byte)
	errFns  []func(error)
	running bool
	paused  bool
	closed  bool

	// listenMu 在回调执行期间以读锁持有，RemoveAllListeners 借此等待正在执行的回调结束。
	listenMu sync.RWMutex
	done     chan struct{}
	dropped  atomic.Int64
}

// OpenCapture 打开采集设备但不启动，可直接作为 FactoryFunc 使用。
func OpenCapture(cfg MicConfig) (Microphone, error) {
	format, err := sampleFormat(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = 64
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("初始化音频上下文失败: %w", err)
	}

	c := &Capture{
		ctx:    ctx,
		cfg:    cfg,
		frames: make(chan []byte, cfg.QueueFrames),
		done:   make(chan struct{}),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = format
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(cfg.FrameSize)
	deviceConfig.Periods = 2

	if cfg.Device != "" && cfg.Device != "default" {
		if err := c.selectDevice(cfg.Device); err != nil {
			c.freeContext()
			return nil, err
		}
		deviceConfig.Capture.DeviceID = c.deviceID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: c.onFrames,
	}

	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		c.freeContext()
		return nil, fmt.Errorf("初始化采集设备失败: %w", err)
	}
	c.device = device

	go c.dispatch()
	logger.Infof("[audio] 采集设备已打开 (device=%s, rate=%d, channels=%d, encoding=%s)",
		cfg.Device, cfg.SampleRate, cfg.Channels, cfg.Encoding)
	return c, nil
}

func sampleFormat(encoding string) (malgo.FormatType, error) {
	switch encoding {
	case EncodingSigned, "":
		return malgo.FormatS16, nil
	case EncodingFloat:
		return malgo.FormatF32, nil
	default:
		return malgo.FormatUnknown, fmt.Errorf("不支持的音频编码: %s", encoding)
	}
}

// selectDevice 按名称查找采集设备。
func (c *Capture) selectDevice(name string) error {
	infos, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("枚举采集设备失败: %w", err)
	}
	for i := range infos {
		if infos[i].Name() == name {
			c.deviceID = infos[i].ID
			return nil
		}
	}
	return fmt.Errorf("未找到采集设备: %s", name)
}

// onFrames 运行在 miniaudio 的音频线程中，不能阻塞。
func (c *Capture) onFrames(_, inputSamples []byte, _ uint32) {
	if len(inputSamples) == 0 {
		return
	}
	buf := make([]byte, len(inputSamples))
	copy(buf, inputSamples)

	// 非阻塞发送 —— 如果消费端跟不上就丢帧
	select {
	case c.frames <- buf:
	default:
		if n := c.dropped.Add(1); n%100 == 1 {
			logger.Debugf("[audio] 采集缓冲已满，累计丢弃 %d 帧", n)
		}
	}
}

func (c *Capture) dispatch() {
	defer close(c.done)
	for frame := range c.frames {
		c.listenMu.RLock()
		c.mu.Lock()
		fns := c.dataFns
		c.mu.Unlock()
		for _, fn := range fns {
			fn(frame)
		}
		c.listenMu.RUnlock()
	}
}

// Start 开始采集。
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("采集设备已关闭")
	}
	if c.running {
		return nil
	}
	if err := c.device.Start(); err != nil {
		c.reportLocked(err)
		return fmt.Errorf("启动采集设备失败: %w", err)
	}
	c.running = true
	c.paused = false
	logger.Info("[audio] 麦克风采集已启动")
	return nil
}

// Stop 停止采集。
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	if err := c.device.Stop(); err != nil {
		c.reportLocked(err)
		return fmt.Errorf("停止采集设备失败: %w", err)
	}
	c.running = false
	c.paused = false
	logger.Info("[audio] 麦克风采集已停止")
	return nil
}

// Pause 暂停采集，设备保持初始化状态以便恢复。
func (c *Capture) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.paused {
		return nil
	}
	if err := c.device.Stop(); err != nil {
		c.reportLocked(err)
		return fmt.Errorf("暂停采集设备失败: %w", err)
	}
	c.paused = true
	logger.Debug("[audio] 麦克风采集已暂停")
	return nil
}

// Resume 恢复被暂停的采集。
func (c *Capture) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || !c.paused {
		return nil
	}
	if err := c.device.Start(); err != nil {
		c.reportLocked(err)
		return fmt.Errorf("恢复采集设备失败: %w", err)
	}
	c.paused = false
	logger.Debug("[audio] 麦克风采集已恢复")
	return nil
}

// OnData 注册数据回调。
func (c *Capture) OnData(fn func(pcm []byte)) {
	c.mu.Lock()
	c.dataFns = append(c.dataFns, fn)
	c.mu.Unlock()
}

// OnError 注册错误回调。
func (c *Capture) OnError(fn func(err error)) {
	c.mu.Lock()
	c.errFns = append(c.errFns, fn)
	c.mu.Unlock()
}

// RemoveAllListeners 注销所有回调，并等待正在执行的数据回调返回。
// 不能在数据回调内部调用。
func (c *Capture) RemoveAllListeners() {
	c.listenMu.Lock()
	c.mu.Lock()
	c.dataFns = nil
	c.errFns = nil
	c.mu.Unlock()
	c.listenMu.Unlock()
}

// reportLocked 通知错误回调，调用方需持有 c.mu。
func (c *Capture) reportLocked(err error) {
	wrapped := fmt.Errorf("%w: %v", ErrMicrophoneStream, err)
	for _, fn := range c.errFns {
		fn(wrapped)
	}
}

// Close 释放设备和上下文。
func (c *Capture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.running = false
	c.mu.Unlock()

	// Uninit 会先停止设备，之后不会再有采集回调。
	c.device.Uninit()
	close(c.frames)
	<-c.done

	c.freeContext()
	if n := c.dropped.Load(); n > 0 {
		logger.Warnf("[audio] 采集期间共丢弃 %d 帧", n)
	}
	logger.Info("[audio] 采集设备已释放")
	return nil
}

func (c *Capture) freeContext() {
	if c.ctx != nil {
		_ = c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
}
