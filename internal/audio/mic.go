package audio

import "errors"

// ErrMicrophoneStream 包装来自采集设备的错误。
var ErrMicrophoneStream = errors.New("麦克风数据流错误")

// 支持的采样编码。
const (
	EncodingSigned = "signed-integer"
	EncodingFloat  = "floating-point"
)

// MicConfig 打开麦克风时使用的参数。
type MicConfig struct {
	SampleRate  int
	Channels    int
	Encoding    string
	Device      string // "default" 或设备名称
	FrameSize   int    // 每个回调周期的帧数
	QueueFrames int    // 采集回调与分发之间缓冲的周期数
}

// Microphone 是一个可启动、停止、暂停、恢复的原始 PCM 数据源。
// OnData/OnError 注册的回调按采集顺序在同一个 goroutine 中调用。
type Microphone interface {
	Start() error
	Stop() error
	Pause() error
	Resume() error

	OnData(fn func(pcm []byte))
	OnError(fn func(err error))
	// RemoveAllListeners 注销所有回调，返回后不会再有新的回调开始执行。
	RemoveAllListeners()

	// Close 释放设备，关闭后的麦克风不可再用。
	Close() error
}

// MicrophoneFactory 按配置打开麦克风。
type MicrophoneFactory interface {
	Open(cfg MicConfig) (Microphone, error)
}

// FactoryFunc 让普通函数实现 MicrophoneFactory。
type FactoryFunc func(cfg MicConfig) (Microphone, error)

// Open 实现 MicrophoneFactory。
func (f FactoryFunc) Open(cfg MicConfig) (Microphone, error) {
	return f(cfg)
}
