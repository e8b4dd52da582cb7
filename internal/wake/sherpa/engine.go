// Package sherpa 用 sherpa-onnx 关键词检测（KWS）实现唤醒识别引擎。
package sherpa

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/iabetor/wakelisten/internal/audio"
	"github.com/iabetor/wakelisten/internal/logger"
	"github.com/iabetor/wakelisten/internal/wake"
	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
	"go.uber.org/zap"
)

// EnvModelDir 指定模型目录的环境变量，在配置的路径都找不到时使用。
const EnvModelDir = "WAKELISTEN_MODEL_DIR"

// Options 配置 sherpa-onnx 引擎。
type Options struct {
	ModelPath   string
	SearchPaths []string
	SampleRate  int
	Encoding    string
	NumThreads  int
}

// Engine 是 sherpa-onnx 的 wake.Engine 实现。
type Engine struct {
	opts Options
}

// New 创建引擎。
func New(opts Options) *Engine {
	if opts.SampleRate == 0 {
		opts.SampleRate = 16000
	}
	if opts.NumThreads == 0 {
		opts.NumThreads = 2
	}
	if opts.Encoding == "" {
		opts.Encoding = audio.EncodingSigned
	}
	return &Engine{opts: opts}
}

func (e *Engine) Name() string { return "sherpa-onnx" }

// ResolveInstallation 依次检查 model_path、search_paths 和 $WAKELISTEN_MODEL_DIR。
func (e *Engine) ResolveInstallation(ctx context.Context) (string, error) {
	candidates := append([]string{e.opts.ModelPath}, e.opts.SearchPaths...)
	candidates = append(candidates, os.Getenv(EnvModelDir))

	for _, dir := range candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return dir, nil
			}
			return abs, nil
		}
		logger.Debugf("[sherpa] 模型目录不存在: %s", dir)
	}
	return "", fmt.Errorf("%w: 未找到 sherpa-onnx 模型目录", wake.ErrResourceNotFound)
}

// 模型文件角色及其文件名前缀。
var modelRoles = []string{"encoder", "decoder", "joiner"}

// LocateModels 在安装目录中查找 encoder/decoder/joiner 和 tokens.txt。
// 同一角色有多个文件时优先使用 int8 量化版本。
func (e *Engine) LocateModels(installation string) (wake.ModelPaths, error) {
	paths := wake.ModelPaths{Root: installation, Files: make(map[string]string)}

	for _, role := range modelRoles {
		matches, _ := filepath.Glob(filepath.Join(installation, role+"*.onnx"))
		if len(matches) == 0 {
			return wake.ModelPaths{}, fmt.Errorf("%w: %s 中缺少 %s 模型", wake.ErrResourceNotFound, installation, role)
		}
		paths.Files[role] = pickModel(matches)
	}

	tokens := filepath.Join(installation, "tokens.txt")
	if _, err := os.Stat(tokens); err != nil {
		return wake.ModelPaths{}, fmt.Errorf("%w: %s", wake.ErrResourceNotFound, tokens)
	}
	paths.Files["tokens"] = tokens
	return paths, nil
}

func pickModel(matches []string) string {
	sort.Strings(matches)
	for _, m := range matches {
		if strings.HasSuffix(m, ".int8.onnx") {
			return m
		}
	}
	return matches[0]
}

// Config 是构建好的识别配置。
type Config struct {
	paths      wake.ModelPaths
	sampleRate int
	encoding   string
	numThreads int
	log        *zap.SugaredLogger
}

func (c *Config) Models() wake.ModelPaths { return c.paths }

// BuildConfig 记录模型路径与运行参数，并打开识别器日志。
func (e *Engine) BuildConfig(paths wake.ModelPaths, logDestination string) (wake.ConfigHandle, error) {
	sink, err := logger.NewSink(logDestination)
	if err != nil {
		return nil, fmt.Errorf("打开识别器日志 %s 失败: %w", logDestination, err)
	}
	return &Config{
		paths:      paths,
		sampleRate: e.opts.SampleRate,
		encoding:   e.opts.Encoding,
		numThreads: e.opts.NumThreads,
		log:        sink,
	}, nil
}

// CreateInstance 创建识别器实例。检测器在设置关键词检索时才真正创建。
func (e *Engine) CreateInstance(cfg wake.ConfigHandle) (wake.Instance, error) {
	c, ok := cfg.(*Config)
	if !ok {
		return nil, fmt.Errorf("配置类型不匹配: %T", cfg)
	}
	return &Instance{cfg: c}, nil
}

// Instance 封装一个 KeywordSpotter 及其检测流。
type Instance struct {
	cfg *Config

	spotter  *sherpa.KeywordSpotter
	stream   *sherpa.OnlineStream
	search   string
	keywords string
	labels   map[string]string

	hyp string
}

// SetKeywordSearch 把关键词文件转换为模型格式并重建检测器。
func (i *Instance) SetKeywordSearch(name, keywordFile string) error {
	lines, err := readLines(keywordFile)
	if err != nil {
		return fmt.Errorf("%w: %w", wake.ErrFileIO, err)
	}
	out, labels := translateKeywords(lines)
	if len(out) == 0 {
		return fmt.Errorf("关键词文件 %s 中没有可用的关键词", keywordFile)
	}

	translated := keywordFile + ".sherpa"
	if err := os.WriteFile(translated, []byte(strings.Join(out, "\n")+"\n"), 0644); err != nil {
		return fmt.Errorf("%w: %w", wake.ErrFileIO, err)
	}

	config := sherpa.KeywordSpotterConfig{}
	config.FeatConfig.SampleRate = i.cfg.sampleRate
	config.FeatConfig.FeatureDim = 80

	files := i.cfg.paths.Files
	config.ModelConfig.Transducer.Encoder = files["encoder"]
	config.ModelConfig.Transducer.Decoder = files["decoder"]
	config.ModelConfig.Transducer.Joiner = files["joiner"]
	config.ModelConfig.Tokens = files["tokens"]
	config.ModelConfig.NumThreads = i.cfg.numThreads
	config.ModelConfig.Provider = "cpu"

	config.KeywordsFile = translated
	config.KeywordsThreshold = 0.25

	spotter := sherpa.NewKeywordSpotter(&config)
	if spotter == nil {
		return fmt.Errorf("创建关键词检测器失败，模型路径: %s", i.cfg.paths.Root)
	}
	stream := sherpa.NewKeywordStream(spotter)
	if stream == nil {
		sherpa.DeleteKeywordSpotter(spotter)
		return fmt.Errorf("创建关键词检测流失败")
	}

	i.releaseSpotter()
	i.spotter, i.stream = spotter, stream
	i.search, i.keywords, i.labels = name, translated, labels
	i.cfg.log.Infof("检索 %s 已启用，关键词: %s", name, strings.Join(out, "; "))
	return nil
}

func (i *Instance) StartUtterance() error {
	if i.spotter == nil {
		return fmt.Errorf("尚未设置关键词检索")
	}
	i.spotter.Reset(i.stream)
	i.hyp = ""
	i.cfg.log.Debug("语句开始")
	return nil
}

func (i *Instance) EndUtterance() error {
	i.cfg.log.Debugf("语句结束 (hyp=%q)", i.hyp)
	return nil
}

// DecodeRaw 解码一段 PCM。同一语句中只保留第一个检测到的关键词。
func (i *Instance) DecodeRaw(pcm []byte, final bool) error {
	if i.spotter == nil {
		return fmt.Errorf("尚未设置关键词检索")
	}
	i.stream.AcceptWaveform(i.cfg.sampleRate, audio.Samples(i.cfg.encoding, pcm))

	for i.spotter.IsReady(i.stream) {
		i.spotter.Decode(i.stream)
		result := i.spotter.GetResult(i.stream)
		if result.Keyword == "" || i.hyp != "" {
			continue
		}
		word := result.Keyword
		if phrase, ok := i.labels[word]; ok {
			word = phrase
		}
		i.hyp = word
		i.cfg.log.Infof("检测到关键词: %s", word)
		i.spotter.Reset(i.stream)
	}
	return nil
}

func (i *Instance) Hypothesis() (string, bool) {
	return i.hyp, i.hyp != ""
}

// FirstSegmentLogProb 在有结果时返回 0。sherpa-onnx 不提供片段概率，
// 检测本身已经过模型阈值。
func (i *Instance) FirstSegmentLogProb() (float64, bool) {
	if i.hyp == "" {
		return 0, false
	}
	return 0, true
}

// Close 释放底层 sherpa-onnx 资源。
func (i *Instance) Close() {
	i.releaseSpotter()
	if i.keywords != "" {
		_ = os.Remove(i.keywords)
		i.keywords = ""
	}
	i.cfg.log.Info("识别器实例已关闭")
	_ = i.cfg.log.Sync()
}

func (i *Instance) releaseSpotter() {
	if i.stream != nil {
		sherpa.DeleteOnlineStream(i.stream)
		i.stream = nil
	}
	if i.spotter != nil {
		sherpa.DeleteKeywordSpotter(i.spotter)
		i.spotter = nil
	}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
