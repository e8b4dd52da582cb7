package wake

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/iabetor/wakelisten/internal/logger"
	"github.com/smallnest/ringbuffer"
)

// Detection 描述一次被确认的唤醒。
type Detection struct {
	Word  string
	Score float64
	// Utterance 是包含唤醒词的那个语句的音频（受缓冲上限约束）。
	Utterance []byte
	At        time.Time
}

// DetectorOptions 配置 Detector。
type DetectorOptions struct {
	// Threshold 是线性概率阈值，得分 >= Threshold 即确认。
	Threshold float64

	// ListenTime 大于 0 时，语句持续这么久仍无结果就重新开始。
	ListenTime time.Duration

	// UtteranceBuffer 为保留的唤醒语句音频字节上限，0 表示不保留。
	UtteranceBuffer int

	Metrics Metrics
	Now     func() time.Time

	// OnWake 从触发确认的块开始接收每个音频块。
	OnWake func(pcm []byte, word string)
	// OnDetect 在确认时调用一次。
	OnDetect func(d Detection)
}

// Detector 把音频块送入识别器，根据置信度确认或拒绝唤醒，确认后转发音频。
// 只能在单个 goroutine 中使用。
type Detector struct {
	inst Instance
	opts DetectorOptions

	detected    *Detection
	inUtterance bool
	uttStart    time.Time
	ring        *ringbuffer.RingBuffer
	scratch     []byte
}

// NewDetector 创建检测器，调用 Begin 之后开始检测。
func NewDetector(inst Instance, opts DetectorOptions) *Detector {
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d := &Detector{inst: inst, opts: opts}
	if opts.UtteranceBuffer > 0 {
		d.ring = ringbuffer.New(opts.UtteranceBuffer).SetBlocking(false)
	}
	return d
}

// Begin 开始第一个语句。
func (d *Detector) Begin() error {
	return d.startUtterance()
}

// Detected 返回已确认的唤醒。
func (d *Detector) Detected() (Detection, bool) {
	if d.detected == nil {
		return Detection{}, false
	}
	return *d.detected, true
}

// Process 处理一个音频块。确认之前送入识别器，从确认的块起原样交给 OnWake。
func (d *Detector) Process(chunk []byte) error {
	if d.detected != nil {
		if d.opts.OnWake != nil {
			d.opts.OnWake(chunk, d.detected.Word)
		}
		return nil
	}

	d.capture(chunk)
	if err := d.inst.DecodeRaw(chunk, false); err != nil {
		return fmt.Errorf("解码音频失败: %w", err)
	}

	hyp, ok := d.inst.Hypothesis()
	if !ok || hyp == "" {
		return d.checkListenTime()
	}

	if err := d.endUtterance(); err != nil {
		return err
	}
	score := 0.0
	if lp, ok := d.inst.FirstSegmentLogProb(); ok {
		score = math.Exp(lp)
	}

	if score >= d.opts.Threshold {
		d.accept(hyp, score)
		// 触发确认的块本身也属于唤醒之后的音频
		if d.opts.OnWake != nil {
			d.opts.OnWake(chunk, hyp)
		}
		return nil
	}

	logger.Debugf("[wake] 拒绝唤醒 %q (score=%.3f < %.3f)", hyp, score, d.opts.Threshold)
	d.opts.Metrics.WakeRejected(context.Background(), hyp, score)
	return d.startUtterance()
}

func (d *Detector) accept(word string, score float64) {
	det := &Detection{Word: word, Score: score, At: d.opts.Now()}
	if d.ring != nil {
		det.Utterance = d.ring.Bytes(nil)
		d.ring.Reset()
	}
	d.detected = det

	logger.Infof("[wake] 检测到唤醒词: %s (score=%.3f)", word, score)
	d.opts.Metrics.WakeAccepted(context.Background(), word, score)
	if d.opts.OnDetect != nil {
		d.opts.OnDetect(*det)
	}
}

// checkListenTime 在语句超时后重新开始。
func (d *Detector) checkListenTime() error {
	if d.opts.ListenTime <= 0 {
		return nil
	}
	if d.opts.Now().Sub(d.uttStart) <= d.opts.ListenTime {
		return nil
	}
	logger.Debugf("[wake] 语句超过 %v 无结果，重新开始", d.opts.ListenTime)
	if err := d.endUtterance(); err != nil {
		return err
	}
	return d.startUtterance()
}

// Rearm 丢弃已确认的唤醒，开始新的语句重新检测。
func (d *Detector) Rearm() error {
	d.detected = nil
	if d.inUtterance {
		if err := d.endUtterance(); err != nil {
			return err
		}
	}
	return d.startUtterance()
}

// Close 结束仍未结束的语句。
func (d *Detector) Close() error {
	d.detected = nil
	if d.ring != nil {
		d.ring.Reset()
	}
	if !d.inUtterance {
		return nil
	}
	return d.endUtterance()
}

func (d *Detector) startUtterance() error {
	if err := d.inst.StartUtterance(); err != nil {
		return fmt.Errorf("开始语句失败: %w", err)
	}
	d.inUtterance = true
	d.uttStart = d.opts.Now()
	if d.ring != nil {
		d.ring.Reset()
	}
	return nil
}

func (d *Detector) endUtterance() error {
	d.inUtterance = false
	if err := d.inst.EndUtterance(); err != nil {
		return fmt.Errorf("结束语句失败: %w", err)
	}
	return nil
}

// capture 把音频追加到唤醒语句缓冲，空间不足时丢弃最旧的数据。
func (d *Detector) capture(chunk []byte) {
	if d.ring == nil {
		return
	}
	capacity := d.ring.Capacity()
	if len(chunk) >= capacity {
		d.ring.Reset()
		_, _ = d.ring.Write(chunk[len(chunk)-capacity:])
		return
	}
	if need := len(chunk) - d.ring.Free(); need > 0 {
		if cap(d.scratch) < need {
			d.scratch = make([]byte, need)
		}
		_, _ = d.ring.Read(d.scratch[:need])
	}
	_, _ = d.ring.Write(chunk)
}
