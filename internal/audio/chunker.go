package audio

import "time"

// DefaultChunkInterval 是送入识别器的默认分块间隔。
const DefaultChunkInterval = 100 * time.Millisecond

// Chunker 把麦克风的连续字节流按固定的墙钟间隔重新切分成块。
// 每次写入都先追加到当前缓冲，距上次输出超过间隔时把整块交给 sink，
// 然后开始新的缓冲。写入的每个字节恰好出现在一个块中。
//
// Chunker 不是并发安全的，调用方需保证在单一 goroutine 中使用。
type Chunker struct {
	interval  time.Duration
	now       func() time.Time
	sink      func(chunk []byte)
	buf       []byte
	lastFlush time.Time
}

// NewChunker 创建分块器。now 为 nil 时使用 time.Now。
func NewChunker(interval time.Duration, now func() time.Time, sink func(chunk []byte)) *Chunker {
	if interval <= 0 {
		interval = DefaultChunkInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Chunker{
		interval:  interval,
		now:       now,
		sink:      sink,
		lastFlush: now(),
	}
}

// Write 实现 io.Writer。块交给 sink 后由 sink 持有，Chunker 不再引用。
func (c *Chunker) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)

	now := c.now()
	if now.Sub(c.lastFlush) > c.interval {
		c.lastFlush = now
		c.emit()
	}
	return len(p), nil
}

// Reset 丢弃尚未输出的字节并重置计时。
func (c *Chunker) Reset() {
	c.buf = nil
	c.lastFlush = c.now()
}

// Buffered 返回当前缓冲中尚未输出的字节数。
func (c *Chunker) Buffered() int {
	return len(c.buf)
}

func (c *Chunker) emit() {
	chunk := c.buf
	c.buf = nil
	if len(chunk) > 0 && c.sink != nil {
		c.sink(chunk)
	}
}
