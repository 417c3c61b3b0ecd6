package compression

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
)

// DefaultTargetRatio is the original/compressed size ratio aimed for when
// the caller passes a non-positive ratio.
const DefaultTargetRatio = 3.0

// Result is the outcome of one compression.
type Result struct {
	Content        string
	OriginalSize   int
	CompressedSize int
}

// Ratio returns OriginalSize/CompressedSize, or 1 for empty output.
func (r Result) Ratio() float64 {
	if r.CompressedSize == 0 {
		return 1.0
	}
	return float64(r.OriginalSize) / float64(r.CompressedSize)
}

// Compressor shrinks text toward a target ratio.
type Compressor interface {
	Compress(ctx context.Context, content string, targetRatio float64) (*Result, error)
}

// ExtractiveCompressor implements extractive summarization using sentence
// scoring.
type ExtractiveCompressor struct {
	// MinSentenceLen is the shortest run of text treated as a sentence.
	MinSentenceLen int
}

// NewExtractiveCompressor creates an extractive compressor.
func NewExtractiveCompressor() *ExtractiveCompressor {
	return &ExtractiveCompressor{MinSentenceLen: 10}
}

// Compress keeps the highest scoring sentences of content whose combined
// length fits len(content)/targetRatio. At least one sentence is always
// kept; a single oversized sentence is cut at the target length.
func (c *ExtractiveCompressor) Compress(ctx context.Context, content string, targetRatio float64) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if targetRatio <= 0 {
		targetRatio = DefaultTargetRatio
	}

	sentences := c.splitIntoSentences(content)
	if len(sentences) == 0 {
		return &Result{Content: content, OriginalSize: len(content), CompressedSize: len(content)}, nil
	}

	targetLength := int(float64(len(content)) / targetRatio)
	if targetLength < 1 {
		targetLength = 1
	}
	selected := selectSentences(sentences, scoreSentences(sentences), targetLength)
	out := strings.Join(selected, " ")
	if len(out) > targetLength && len(selected) == 1 {
		out = truncate(out, targetLength)
	}

	return &Result{Content: out, OriginalSize: len(content), CompressedSize: len(out)}, nil
}

// splitIntoSentences splits text on terminal punctuation and newlines.
func (c *ExtractiveCompressor) splitIntoSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	flush := func(force bool) {
		s := strings.TrimSpace(current.String())
		if s == "" {
			current.Reset()
			return
		}
		if force || len(s) > c.MinSentenceLen {
			sentences = append(sentences, s)
			current.Reset()
		}
	}

	for _, r := range text {
		if r == '\n' {
			flush(false)
			current.WriteRune(' ')
			continue
		}
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			flush(false)
		}
	}
	flush(true)
	return sentences
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}))
}

// scoreSentences weights position (0.3), length (0.4, peaking at 20
// words), and inverse term frequency (0.3).
func scoreSentences(sentences []string) []float64 {
	freq := make(map[string]int)
	for _, s := range sentences {
		for _, w := range strings.Fields(s) {
			if w = normalizeWord(w); len(w) > 2 {
				freq[w]++
			}
		}
	}

	scores := make([]float64, len(sentences))
	for i, s := range sentences {
		score := 0.3 / (float64(i) + 1.0)

		words := strings.Fields(s)
		lengthScore := math.Min(float64(len(words))/20.0, 1.0)
		if len(words) > 20 {
			lengthScore = math.Max(1.0-(float64(len(words))-20.0)/50.0, 0.1)
		}
		score += lengthScore * 0.4

		freqScore := 0.0
		for _, w := range words {
			if n, ok := freq[normalizeWord(w)]; ok && n > 1 {
				freqScore += 1.0 / float64(n)
			}
		}
		if len(words) > 0 {
			freqScore /= float64(len(words))
		}
		scores[i] = score + freqScore*0.3
	}
	return scores
}

// selectSentences picks sentences by descending score, skipping any that do
// not fit, and returns them in original order.
func selectSentences(sentences []string, scores []float64, targetLength int) []string {
	order := make([]int, len(sentences))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	var picked []int
	length := 0
	for _, idx := range order {
		n := len(sentences[idx])
		if len(picked) > 0 {
			n++
		}
		if length+n <= targetLength {
			picked = append(picked, idx)
			length += n
		}
	}
	if len(picked) == 0 {
		picked = append(picked, order[0])
	}

	sort.Ints(picked)
	out := make([]string, len(picked))
	for i, idx := range picked {
		out[i] = sentences[idx]
	}
	return out
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		if len(s) > n {
			return s[:n]
		}
		return s
	}
	cut := strings.LastIndexFunc(s[:n-3], unicode.IsSpace)
	if cut <= 0 {
		cut = n - 3
	}
	return strings.TrimSpace(s[:cut]) + "..."
}

// SummarizeEntries compresses each value and joins them under their keys in
// sorted key order.
func SummarizeEntries(ctx context.Context, c Compressor, entries map[string]string, targetRatio float64) (string, error) {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		res, err := c.Compress(ctx, entries[k], targetRatio)
		if err != nil {
			return "", fmt.Errorf("summarizing %s: %w", k, err)
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s", k, res.Content)
	}
	return b.String(), nil
}
