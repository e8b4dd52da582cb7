package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultScoreThreshold 是未配置 wake.score_threshold 时的确认阈值。
const DefaultScoreThreshold = 0.87

// Config 是 wakelisten 的顶层配置结构。
type Config struct {
	Audio   AudioConfig   `yaml:"audio"`
	Wake    WakeConfig    `yaml:"wake"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	App     AppConfig     `yaml:"app"`
}

// AudioConfig 麦克风采集与分块配置。
type AudioConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Encoding   string `yaml:"encoding"` // signed-integer 或 floating-point
	Device     string `yaml:"device"`
	FrameSize  int    `yaml:"frame_size"`

	// ChunkIntervalMs 送入识别器的分块间隔（毫秒）。
	ChunkIntervalMs int `yaml:"chunk_interval_ms"`

	// QueueFrames 采集回调与分发 goroutine 之间的缓冲帧数。
	QueueFrames int `yaml:"queue_frames"`
}

// WakeConfig 唤醒词识别配置。
type WakeConfig struct {
	Engine      string   `yaml:"engine"`
	ModelPath   string   `yaml:"model_path"`
	SearchPaths []string `yaml:"search_paths"`

	KeywordsFile     string   `yaml:"keywords_file"`
	DefaultThreshold string   `yaml:"default_threshold"`
	ScoreThreshold   float64  `yaml:"score_threshold"`
	Words            []string `yaml:"words"`
	SearchName       string   `yaml:"search_name"`

	// LogFile 识别器日志输出位置，/dev/null 表示丢弃。
	LogFile    string `yaml:"log_file"`
	NumThreads int    `yaml:"num_threads"`

	// ListenTimeMs 单个语句无结果时强制重启的时长，0 表示禁用。
	ListenTimeMs int `yaml:"listen_time_ms"`

	// RestartOnResume 在 Streaming 状态下直接 resume 时重新开始检测。
	RestartOnResume bool `yaml:"restart_on_resume"`

	UtteranceBufferMs int `yaml:"utterance_buffer_ms"`
}

// LogConfig 日志配置。
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// MetricsConfig 指标导出配置。
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ListenAddr  string `yaml:"listen_addr"`
	ServiceName string `yaml:"service_name"`
}

// AppConfig 命令行程序的运行模式。
type AppConfig struct {
	// Mode: record（唤醒后录音一段时间）或 continuous（持续识别多个唤醒词）。
	Mode          string `yaml:"mode"`
	Output        string `yaml:"output"`
	RecordSeconds int    `yaml:"record_seconds"`
	StopWord      string `yaml:"stop_word"`
}

// ChunkInterval 返回分块间隔。
func (c AudioConfig) ChunkInterval() time.Duration {
	return time.Duration(c.ChunkIntervalMs) * time.Millisecond
}

// ListenTime 返回语句超时时长，0 表示禁用。
func (c WakeConfig) ListenTime() time.Duration {
	return time.Duration(c.ListenTimeMs) * time.Millisecond
}

// UtteranceBufferBytes 按采样参数换算唤醒语句缓冲的字节数（16 位样本）。
func (c *Config) UtteranceBufferBytes() int {
	bytesPerSec := c.Audio.SampleRate * c.Audio.Channels * 2
	if c.Audio.Encoding == "floating-point" {
		bytesPerSec *= 2
	}
	return bytesPerSec * c.Wake.UtteranceBufferMs / 1000
}

// Load 读取 YAML 配置文件并返回 Config。
// 支持 ${VAR_NAME} 形式的环境变量展开。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	// score_threshold 的零值是合法取值，默认值只能在解析前填入
	cfg := &Config{Wake: WakeConfig{ScoreThreshold: DefaultScoreThreshold}}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	setDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查取值范围。
func (c *Config) Validate() error {
	if c.Wake.ScoreThreshold < 0 || c.Wake.ScoreThreshold > 1 {
		return fmt.Errorf("wake.score_threshold 必须在 [0,1] 范围内，当前为 %v", c.Wake.ScoreThreshold)
	}
	switch c.Audio.Encoding {
	case "signed-integer", "floating-point":
	default:
		return fmt.Errorf("不支持的音频编码: %s", c.Audio.Encoding)
	}
	switch c.App.Mode {
	case "record", "continuous":
	default:
		return fmt.Errorf("未知的运行模式: %s", c.App.Mode)
	}
	return nil
}

// setDefaults 为未设置的配置项填充默认值。
func setDefaults(cfg *Config) {
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.Encoding == "" {
		cfg.Audio.Encoding = "signed-integer"
	}
	if cfg.Audio.Device == "" {
		cfg.Audio.Device = "default"
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = 512
	}
	if cfg.Audio.ChunkIntervalMs == 0 {
		cfg.Audio.ChunkIntervalMs = 100
	}
	if cfg.Audio.QueueFrames == 0 {
		cfg.Audio.QueueFrames = 64
	}

	if cfg.Wake.Engine == "" {
		cfg.Wake.Engine = "sherpa"
	}
	if cfg.Wake.KeywordsFile == "" {
		cfg.Wake.KeywordsFile = filepath.Join(os.TempDir(), "wakelisten.kws")
	} else {
		cfg.Wake.KeywordsFile = expandHome(cfg.Wake.KeywordsFile)
	}
	cfg.Wake.ModelPath = expandHome(cfg.Wake.ModelPath)
	for i, p := range cfg.Wake.SearchPaths {
		cfg.Wake.SearchPaths[i] = expandHome(p)
	}
	if cfg.Wake.DefaultThreshold == "" {
		cfg.Wake.DefaultThreshold = "1e-20"
	}
	if cfg.Wake.SearchName == "" {
		cfg.Wake.SearchName = "wakeword"
	}
	if cfg.Wake.LogFile == "" {
		cfg.Wake.LogFile = os.DevNull
	}
	if cfg.Wake.NumThreads == 0 {
		cfg.Wake.NumThreads = 2
	}
	if cfg.Wake.UtteranceBufferMs == 0 {
		cfg.Wake.UtteranceBufferMs = 10000
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9464"
	}
	if cfg.Metrics.ServiceName == "" {
		cfg.Metrics.ServiceName = "wakelisten"
	}

	if cfg.App.Mode == "" {
		cfg.App.Mode = "record"
	}
	if cfg.App.Output == "" {
		cfg.App.Output = "recording.raw"
	}
	if cfg.App.RecordSeconds == 0 {
		cfg.App.RecordSeconds = 5
	}
	if cfg.App.StopWord == "" {
		cfg.App.StopWord = "stop"
	}

	for i, w := range cfg.Wake.Words {
		cfg.Wake.Words[i] = strings.TrimSpace(w)
	}
}

// expandHome 展开路径开头的 ~/，Go 不会自动处理。
func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, _ := os.UserHomeDir()
	if home == "" {
		return p
	}
	return home + p[1:]
}
