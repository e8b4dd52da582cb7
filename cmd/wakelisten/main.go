package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iabetor/wakelisten/internal/audio"
	"github.com/iabetor/wakelisten/internal/config"
	"github.com/iabetor/wakelisten/internal/logger"
	"github.com/iabetor/wakelisten/internal/observe"
	"github.com/iabetor/wakelisten/internal/session"
	"github.com/iabetor/wakelisten/internal/wake"
	"github.com/iabetor/wakelisten/internal/wake/sherpa"
)

func main() {
	configPath := flag.String("config", "configs/wakelisten.yaml", "配置文件路径")
	mode := flag.String("mode", "", "运行模式: record 或 continuous（覆盖配置）")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.App.Mode = *mode
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infof("[main] wakelisten 启动中 (mode=%s, log_level=%s)", cfg.App.Mode, cfg.Log.Level)

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("[main] 运行出错: %v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("[main] wakelisten 已停止")
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听系统信号，优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Infof("[main] 收到信号 %v，正在关闭...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var metrics wake.Metrics = wake.NopMetrics{}
	var provider *observe.Provider
	if cfg.Metrics.Enabled {
		p, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: cfg.Metrics.ServiceName})
		if err != nil {
			return fmt.Errorf("初始化指标失败: %w", err)
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := p.Shutdown(shutdownCtx); err != nil {
				logger.Warnf("[main] 关闭指标导出失败: %v", err)
			}
		}()
		provider = p
		metrics = observe.Sink{M: p.Metrics}
	}

	if cfg.Wake.Engine != "sherpa" {
		return fmt.Errorf("不支持的识别引擎: %s", cfg.Wake.Engine)
	}
	engine := sherpa.New(sherpa.Options{
		ModelPath:   cfg.Wake.ModelPath,
		SearchPaths: cfg.Wake.SearchPaths,
		SampleRate:  cfg.Audio.SampleRate,
		Encoding:    cfg.Audio.Encoding,
		NumThreads:  cfg.Wake.NumThreads,
	})
	warnIgnoredScoreThreshold(cfg)
	res := wake.NewResource(engine, cfg.Wake.LogFile)
	defer res.Close()

	app := &app{cfg: cfg, cancel: cancel}
	sess := session.New(session.Deps{
		Resource:    res,
		Keywords:    wake.NewKeywordFile(cfg.Wake.KeywordsFile, cfg.Wake.DefaultThreshold),
		Microphones: audio.FactoryFunc(audio.OpenCapture),
		Metrics:     metrics,
	}, session.Options{
		Mic: audio.MicConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			Encoding:    cfg.Audio.Encoding,
			Device:      cfg.Audio.Device,
			FrameSize:   cfg.Audio.FrameSize,
			QueueFrames: cfg.Audio.QueueFrames,
		},
		ChunkInterval:   cfg.Audio.ChunkInterval(),
		SearchName:      cfg.Wake.SearchName,
		ListenTime:      cfg.Wake.ListenTime(),
		RestartOnResume: cfg.Wake.RestartOnResume || cfg.App.Mode == "continuous",
		UtteranceBuffer: cfg.UtteranceBufferBytes(),
		OnError:         app.onError,
		OnDetect:        app.onDetect,
	})
	app.sess = sess
	sess.SetOnChange(func(from, to session.State) {
		logger.Debugf("[main] 状态变化: %s -> %s", from, to)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.Run(gctx) })

	if provider != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", provider.Handler())
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Infof("[main] 指标服务监听 %s", cfg.Metrics.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("指标服务: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := app.start(); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	return g.Wait()
}

// app 把会话事件转成命令行程序的行为。
type app struct {
	cfg    *config.Config
	cancel context.CancelFunc
	sess   *session.Session

	mu        sync.Mutex
	out       *os.File
	remaining int
}

func (a *app) start() error {
	words := a.cfg.Wake.Words
	if len(words) == 0 {
		return errors.New("未配置唤醒词 (wake.words)")
	}
	if a.cfg.App.Mode == "record" {
		f, err := os.Create(a.cfg.App.Output)
		if err != nil {
			return fmt.Errorf("创建输出文件失败: %w", err)
		}
		a.out = f
		a.remaining = a.recordBytes()
	}

	_, err := a.sess.Listen(words, a.cfg.Wake.ScoreThreshold, a.onWake, func() {
		logger.Infof("[main] 正在监听: %v", words)
	})
	return err
}

// recordBytes 按采样参数换算录音时长对应的字节数。
func (a *app) recordBytes() int {
	bytesPerSample := 2
	if a.cfg.Audio.Encoding == audio.EncodingFloat {
		bytesPerSample = 4
	}
	return a.cfg.Audio.SampleRate * a.cfg.Audio.Channels * bytesPerSample * a.cfg.App.RecordSeconds
}

func (a *app) onDetect(d wake.Detection) {
	fmt.Printf("%s\t%.3f\n", d.Word, d.Score)
	if a.cfg.App.Mode != "continuous" {
		return
	}
	if d.Word == a.cfg.App.StopWord {
		logger.Infof("[main] 收到停止词 %q", d.Word)
		a.sess.Stop()
		a.cancel()
		return
	}
	a.sess.Resume()
}

func (a *app) onWake(pcm []byte, _ string) {
	if a.cfg.App.Mode != "record" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == nil {
		return
	}
	if len(pcm) > a.remaining {
		pcm = pcm[:a.remaining]
	}
	if _, err := a.out.Write(pcm); err != nil {
		logger.Errorf("[main] 写入录音失败: %v", err)
		a.finishLocked()
		return
	}
	a.remaining -= len(pcm)
	if a.remaining == 0 {
		logger.Infof("[main] 录音已保存到 %s", a.cfg.App.Output)
		a.finishLocked()
	}
}

func (a *app) finishLocked() {
	if err := a.out.Close(); err != nil {
		logger.Warnf("[main] 关闭输出文件失败: %v", err)
	}
	a.out = nil
	a.sess.Stop()
	a.cancel()
}

// onError 在监听请求失败时退出，设备和解码错误只记录。
func (a *app) onError(err error) {
	logger.Errorf("[main] %v", err)
	if errors.Is(err, session.ErrListenFailed) {
		a.cancel()
	}
}

// warnIgnoredScoreThreshold 提示 sherpa 不提供片段概率，score_threshold 不起作用。
func warnIgnoredScoreThreshold(cfg *config.Config) bool {
	if cfg.Wake.Engine != "sherpa" || cfg.Wake.ScoreThreshold <= 0 {
		return false
	}
	logger.Warnf("[main] sherpa 引擎不报告置信度，每个命中的得分都是 1，score_threshold=%.2f 不会过滤任何唤醒；请用 wake.words 中的 phrase/threshold/ 或 default_threshold 调整灵敏度",
		cfg.Wake.ScoreThreshold)
	return true
}
