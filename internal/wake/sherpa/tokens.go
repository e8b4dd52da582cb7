package sherpa

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/iabetor/wakelisten/internal/wake"
	"github.com/mozillazg/go-pinyin"
)

// 声母，按长度优先匹配。y/w 视为声母，与模型词表一致。
var initials = []string{
	"zh", "ch", "sh",
	"b", "p", "m", "f", "d", "t", "n", "l", "g", "k", "h",
	"j", "q", "x", "r", "z", "c", "s", "y", "w",
}

// Tokenize 把短语切分为模型词表中的 token。
// 汉字转换为声母加带调韵母，其他文本按空白切分原样保留。
func Tokenize(phrase string) []string {
	args := pinyin.NewArgs()
	args.Style = pinyin.Tone

	var tokens []string
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}

	for _, r := range phrase {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			py := pinyin.Pinyin(string(r), args)
			if len(py) == 0 || len(py[0]) == 0 {
				continue
			}
			tokens = append(tokens, splitSyllable(py[0][0])...)
		case unicode.IsSpace(r):
			flush()
		default:
			word.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// splitSyllable 把带调音节拆成声母和韵母，零声母音节只返回韵母。
func splitSyllable(s string) []string {
	for _, ini := range initials {
		if strings.HasPrefix(s, ini) && len(s) > len(ini) {
			return []string{ini, s[len(ini):]}
		}
	}
	return []string{s}
}

// keywordLine 生成一行关键词：tokens [#threshold] @label。
// threshold 只有在模型可用的范围内才写入，否则使用识别器的全局阈值。
func keywordLine(tokens []string, threshold, label string) string {
	var b strings.Builder
	b.WriteString(strings.Join(tokens, " "))
	if t, err := strconv.ParseFloat(threshold, 64); err == nil && t >= 0.01 && t < 1 {
		b.WriteString(" #")
		b.WriteString(threshold)
	}
	b.WriteString(" @")
	b.WriteString(label)
	return b.String()
}

// translateKeywords 把 phrase/threshold/ 格式的行转换为模型的关键词格式。
// 返回的 labels 把模型报告的标签映射回原始短语。
func translateKeywords(lines []string) (out []string, labels map[string]string) {
	labels = make(map[string]string)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		phrase, threshold, ok := wake.SplitPhrase(line)
		if !ok {
			phrase = line
		}
		tokens := Tokenize(phrase)
		if len(tokens) == 0 {
			continue
		}
		// 标签中不能有空白
		label := strings.Join(strings.Fields(phrase), "_")
		labels[label] = phrase
		out = append(out, keywordLine(tokens, threshold, label))
	}
	return out, labels
}
