package wake

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"
)

// chunk 生成内容为 n 个字节 b 的音频块。
func chunk(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestDetector_AcceptsAtThreshold(t *testing.T) {
	// 阈值按识别器返回的方式换算，保证比较的是同一个浮点数
	threshold := math.Exp(math.Log(0.5))

	tests := []struct {
		name   string
		score  float64
		accept bool
	}{
		{"高于阈值", 0.9, true},
		{"等于阈值", 0.5, true},
		{"低于阈值", 0.3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := &fakeInstance{script: []step{{"yes", tt.score}}}
			d := NewDetector(inst, DetectorOptions{Threshold: threshold})
			if err := d.Begin(); err != nil {
				t.Fatal(err)
			}
			if err := d.Process(chunk(1, 4)); err != nil {
				t.Fatal(err)
			}
			_, ok := d.Detected()
			if ok != tt.accept {
				t.Errorf("detected = %v, want %v", ok, tt.accept)
			}
		})
	}
}

func TestDetector_RejectionRestartsUtterance(t *testing.T) {
	inst := &fakeInstance{script: []step{{"no", 0.1}}}
	var woke, detected int
	d := NewDetector(inst, DetectorOptions{
		Threshold: 0.5,
		OnWake:    func([]byte, string) { woke++ },
		OnDetect:  func(Detection) { detected++ },
	})
	if err := d.Begin(); err != nil {
		t.Fatal(err)
	}
	if err := d.Process(chunk(1, 4)); err != nil {
		t.Fatal(err)
	}

	want := []string{"start", "decode", "end", "start"}
	if !reflect.DeepEqual(inst.calls, want) {
		t.Errorf("calls = %v, want %v", inst.calls, want)
	}
	if woke != 0 || detected != 0 {
		t.Errorf("rejection must be silent, woke=%d detected=%d", woke, detected)
	}

	// 下一个块继续送入识别器
	if err := d.Process(chunk(2, 4)); err != nil {
		t.Fatal(err)
	}
	if len(inst.decoded) != 2 {
		t.Errorf("decoded chunks = %d, want 2", len(inst.decoded))
	}
}

func TestDetector_EmptyHypothesisKeepsUtterance(t *testing.T) {
	inst := &fakeInstance{}
	d := NewDetector(inst, DetectorOptions{Threshold: 0.5})
	if err := d.Begin(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := d.Process(chunk(byte(i), 4)); err != nil {
			t.Fatal(err)
		}
	}
	if inst.starts != 1 || inst.ends != 0 {
		t.Errorf("starts=%d ends=%d, want 1 and 0", inst.starts, inst.ends)
	}
}

func TestDetector_ForwardsChunksAfterWake(t *testing.T) {
	// 前五块无结果，第六块得分 0.9
	script := []step{{}, {}, {}, {}, {}, {"yes", 0.9}}
	inst := &fakeInstance{script: script}

	type forwarded struct {
		data []byte
		word string
	}
	var got []forwarded
	var det Detection
	d := NewDetector(inst, DetectorOptions{
		Threshold: 0.5,
		OnWake: func(pcm []byte, word string) {
			got = append(got, forwarded{pcm, word})
		},
		OnDetect: func(x Detection) { det = x },
	})
	if err := d.Begin(); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 8; i++ {
		if err := d.Process(chunk(byte(i), 2)); err != nil {
			t.Fatal(err)
		}
	}

	if len(inst.decoded) != 6 {
		t.Errorf("decoded chunks = %d, want 6", len(inst.decoded))
	}
	// 从第六块开始转发
	if len(got) != 3 {
		t.Fatalf("forwarded chunks = %d, want 3", len(got))
	}
	for i, f := range got {
		if f.word != "yes" {
			t.Errorf("forwarded[%d].word = %q, want yes", i, f.word)
		}
		if want := chunk(byte(6+i), 2); !bytes.Equal(f.data, want) {
			t.Errorf("forwarded[%d] = %v, want %v", i, f.data, want)
		}
	}
	if det.Word != "yes" || math.Abs(det.Score-0.9) > 1e-9 {
		t.Errorf("detection = %+v", det)
	}
	// 唤醒之后不再结束或开始语句
	if inst.ends != 1 || inst.starts != 1 {
		t.Errorf("starts=%d ends=%d, want 1 and 1", inst.starts, inst.ends)
	}
}

func TestDetector_ListenTimeRestartsUtterance(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	inst := &fakeInstance{}
	d := NewDetector(inst, DetectorOptions{
		Threshold:  0.5,
		ListenTime: time.Second,
		Now:        clock,
	})
	if err := d.Begin(); err != nil {
		t.Fatal(err)
	}

	now = now.Add(time.Second)
	if err := d.Process(chunk(1, 2)); err != nil {
		t.Fatal(err)
	}
	if inst.starts != 1 {
		t.Fatalf("restart at exactly ListenTime, starts = %d", inst.starts)
	}

	now = now.Add(time.Millisecond)
	if err := d.Process(chunk(2, 2)); err != nil {
		t.Fatal(err)
	}
	if inst.starts != 2 || inst.ends != 1 {
		t.Errorf("starts=%d ends=%d, want 2 and 1", inst.starts, inst.ends)
	}
}

func TestDetector_ListenTimeZeroDisabled(t *testing.T) {
	now := time.Unix(0, 0)
	inst := &fakeInstance{}
	d := NewDetector(inst, DetectorOptions{
		Threshold: 0.5,
		Now:       func() time.Time { return now },
	})
	_ = d.Begin()
	now = now.Add(time.Hour)
	_ = d.Process(chunk(1, 2))
	if inst.starts != 1 || inst.ends != 0 {
		t.Errorf("starts=%d ends=%d, want 1 and 0", inst.starts, inst.ends)
	}
}

func TestDetector_Metrics(t *testing.T) {
	m := &recordingMetrics{}
	inst := &fakeInstance{script: []step{{"maybe", 0.2}, {"yes", 0.8}}}
	d := NewDetector(inst, DetectorOptions{Threshold: 0.5, Metrics: m})
	_ = d.Begin()
	_ = d.Process(chunk(1, 2))
	_ = d.Process(chunk(2, 2))

	if len(m.rejected) != 1 || math.Abs(m.rejected[0]-0.2) > 1e-9 {
		t.Errorf("rejected = %v", m.rejected)
	}
	if len(m.accepted) != 1 || math.Abs(m.accepted[0]-0.8) > 1e-9 {
		t.Errorf("accepted = %v", m.accepted)
	}
}

func TestDetector_MissingSegmentScoresZero(t *testing.T) {
	m := &recordingMetrics{}
	// 有结果但没有片段概率
	inst := &fakeInstance{script: []step{{"yes", 0}}}
	d := NewDetector(inst, DetectorOptions{Threshold: 0.5, Metrics: m})
	_ = d.Begin()
	_ = d.Process(chunk(1, 2))

	if _, ok := d.Detected(); ok {
		t.Error("hypothesis without segment must not be accepted")
	}
	if len(m.rejected) != 1 || m.rejected[0] != 0 {
		t.Errorf("rejected = %v, want [0]", m.rejected)
	}
}

func TestDetector_UtteranceCapture(t *testing.T) {
	script := []step{{}, {}, {"yes", 0.9}}
	inst := &fakeInstance{script: script}
	var det Detection
	d := NewDetector(inst, DetectorOptions{
		Threshold:       0.5,
		UtteranceBuffer: 5,
		OnDetect:        func(x Detection) { det = x },
	})
	_ = d.Begin()
	_ = d.Process([]byte{1, 2})
	_ = d.Process([]byte{3, 4})
	_ = d.Process([]byte{5, 6})

	// 容量 5，丢弃最旧的一个字节
	want := []byte{2, 3, 4, 5, 6}
	if !bytes.Equal(det.Utterance, want) {
		t.Errorf("utterance = %v, want %v", det.Utterance, want)
	}
}

func TestDetector_UtteranceCaptureOversizedChunk(t *testing.T) {
	inst := &fakeInstance{script: []step{{"yes", 0.9}}}
	var det Detection
	d := NewDetector(inst, DetectorOptions{
		Threshold:       0.5,
		UtteranceBuffer: 3,
		OnDetect:        func(x Detection) { det = x },
	})
	_ = d.Begin()
	_ = d.Process([]byte{1, 2, 3, 4, 5})

	if want := []byte{3, 4, 5}; !bytes.Equal(det.Utterance, want) {
		t.Errorf("utterance = %v, want %v", det.Utterance, want)
	}
}

func TestDetector_UtteranceResetOnRejection(t *testing.T) {
	script := []step{{"no", 0.1}, {"yes", 0.9}}
	inst := &fakeInstance{script: script}
	var det Detection
	d := NewDetector(inst, DetectorOptions{
		Threshold:       0.5,
		UtteranceBuffer: 16,
		OnDetect:        func(x Detection) { det = x },
	})
	_ = d.Begin()
	_ = d.Process([]byte{1, 1})
	_ = d.Process([]byte{2, 2})

	if want := []byte{2, 2}; !bytes.Equal(det.Utterance, want) {
		t.Errorf("utterance = %v, want %v", det.Utterance, want)
	}
}

func TestDetector_Rearm(t *testing.T) {
	inst := &fakeInstance{script: []step{{"yes", 0.9}, {}, {"yes", 0.9}}}
	var detections int
	d := NewDetector(inst, DetectorOptions{
		Threshold: 0.5,
		OnDetect:  func(Detection) { detections++ },
	})
	_ = d.Begin()
	_ = d.Process(chunk(1, 2))
	if _, ok := d.Detected(); !ok {
		t.Fatal("expected detection")
	}

	if err := d.Rearm(); err != nil {
		t.Fatal(err)
	}
	if _, ok := d.Detected(); ok {
		t.Error("Rearm must clear the detection")
	}
	// 唤醒时语句已结束，Rearm 只需开始新语句
	if inst.ends != 1 || inst.starts != 2 {
		t.Errorf("starts=%d ends=%d, want 2 and 1", inst.starts, inst.ends)
	}

	_ = d.Process(chunk(2, 2))
	_ = d.Process(chunk(3, 2))
	if detections != 2 {
		t.Errorf("detections = %d, want 2", detections)
	}
}

func TestDetector_CloseEndsOpenUtteranceOnce(t *testing.T) {
	inst := &fakeInstance{}
	d := NewDetector(inst, DetectorOptions{Threshold: 0.5})
	_ = d.Begin()
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if inst.ends != 1 {
		t.Errorf("ends = %d, want 1", inst.ends)
	}
}

func TestDetector_CloseAfterWake(t *testing.T) {
	inst := &fakeInstance{script: []step{{"yes", 0.9}}}
	d := NewDetector(inst, DetectorOptions{Threshold: 0.5})
	_ = d.Begin()
	_ = d.Process(chunk(1, 2))
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if inst.ends != 1 {
		t.Errorf("ends = %d, want 1", inst.ends)
	}
}

func TestDetector_DecodeError(t *testing.T) {
	inst := &fakeInstance{decodeErr: errDecode}
	d := NewDetector(inst, DetectorOptions{Threshold: 0.5})
	_ = d.Begin()
	if err := d.Process(chunk(1, 2)); !errors.Is(err, errDecode) {
		t.Errorf("expected errDecode, got %v", err)
	}
}
