package wake

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/iabetor/wakelisten/internal/logger"
)

// KeywordFile 把唤醒词列表写成识别器读取的关键词文件，每行 phrase/threshold/。
// 列表与上次写入的完全相同（按顺序比较）时跳过写入。
type KeywordFile struct {
	path             string
	defaultThreshold string

	mu      sync.Mutex
	last    []string
	written bool
}

// NewKeywordFile 创建关键词文件生成器。
func NewKeywordFile(path, defaultThreshold string) *KeywordFile {
	return &KeywordFile{path: path, defaultThreshold: defaultThreshold}
}

// Path 返回关键词文件路径。
func (k *KeywordFile) Path() string {
	return k.path
}

// Build 在列表变化时整体重写文件，返回是否发生了写入。
// 写入失败后下一次调用一定会重写。
func (k *KeywordFile) Build(words []string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.written && slices.Equal(k.last, words) {
		logger.Debugf("[wake] 关键词未变化，跳过写入 %s", k.path)
		return false, nil
	}

	k.written = false
	k.last = nil
	if err := writeLines(k.path, FormatKeywords(words, k.defaultThreshold)); err != nil {
		return false, err
	}
	k.last = slices.Clone(words)
	k.written = true
	logger.Infof("[wake] 已写入关键词文件 %s (%d 个)", k.path, len(words))
	return true, nil
}

func writeLines(path string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: 创建目录: %w", ErrFileIO, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: 打开 %s: %w", ErrFileIO, path, err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			f.Close()
			return fmt.Errorf("%w: 写入 %s: %w", ErrFileIO, path, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("%w: 写入 %s: %w", ErrFileIO, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: 关闭 %s: %w", ErrFileIO, path, err)
	}
	return nil
}

// FormatKeywords 生成关键词文件的各行：已带阈值的保持原样，其余追加默认阈值。
func FormatKeywords(words []string, defaultThreshold string) []string {
	lines := make([]string, 0, len(words))
	for _, w := range words {
		if _, _, ok := SplitPhrase(w); ok {
			lines = append(lines, w)
			continue
		}
		lines = append(lines, w+"/"+defaultThreshold+"/")
	}
	return lines
}

// SplitPhrase 解析 phrase/threshold/ 格式，ok 为 false 表示没有显式阈值。
func SplitPhrase(s string) (phrase, threshold string, ok bool) {
	if !strings.HasSuffix(s, "/") {
		return s, "", false
	}
	body := s[:len(s)-1]
	i := strings.LastIndex(body, "/")
	if i <= 0 || i == len(body)-1 {
		return s, "", false
	}
	phrase = strings.TrimSpace(body[:i])
	if phrase == "" {
		return s, "", false
	}
	return phrase, body[i+1:], true
}
