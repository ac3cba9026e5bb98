// Package assembler implements C6: merging ordered chunk transcripts with
// overlap detection, the optional whole-transcript correction pass, and
// the contiguous-prefix computation used for streaming partials. The
// Assembler type is stateless and reusable across jobs, following the
// same shape as this codebase's file Assembler
// (pkg/core/blocks/assembler.go), generalized here from byte
// concatenation of fixed blocks to token-overlap-aware concatenation of
// overlapping text chunks.
package assembler

import (
	"regexp"
	"strings"

	"github.com/nexusaudio/chunked-transcribe/internal/model"
)

// Assembler reconstructs a transcript from a ParentJob's chunk slots. It
// holds no state and can be shared across goroutines.
type Assembler struct{}

// New creates an Assembler. Stateless, so a single instance can be
// reused across multiple jobs.
func New() *Assembler {
	return &Assembler{}
}

// Result is the terminal assembly output.
type Result struct {
	Final           string
	Raw             string
	Corrected       string
	HasCorrected    bool
	Method          string
	SuccessfulCount int
	SkippedCount    int
	FailedCount     int
	SuccessRate     int
	Warnings        []string
}

// maxOverlapWindowTokens bounds the suffix/prefix search in the
// overlap-aware merge to a 5-token window.
const maxOverlapWindowTokens = 5

// AssembleRaw runs the overlap-aware merge over every valid, non-skipped
// chunk's raw text, in chunk-index order.
func AssembleRaw(transcripts []model.ChunkSlot) string {
	return mergeSlots(transcripts, func(r *model.ChunkResult) string { return r.RawText })
}

// AssembleCorrected runs the same merge over each chunk's corrected text,
// for PerChunk correction mode.
func AssembleCorrected(transcripts []model.ChunkSlot) string {
	return mergeSlots(transcripts, func(r *model.ChunkResult) string {
		if r.CorrectedText != "" {
			return r.CorrectedText
		}
		return r.Text
	})
}

func mergeSlots(transcripts []model.ChunkSlot, pick func(*model.ChunkResult) string) string {
	var texts []string
	for _, slot := range transcripts {
		if !slot.Valid() || slot.Result.Skipped {
			continue
		}
		texts = append(texts, pick(slot.Result))
	}
	return Merge(texts)
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Merge joins an ordered list of overlapping texts using an
// overlap-aware algorithm: for each adjacent pair, find the longest
// suffix of the left text (lowercased, up to maxOverlapWindowTokens
// tokens) that equals a prefix of the right text's tokens, and drop that
// prefix from the right before joining with a single space.
func Merge(texts []string) string {
	if len(texts) == 0 {
		return ""
	}
	result := texts[0]
	for i := 1; i < len(texts); i++ {
		result = mergePair(result, texts[i])
	}
	return collapseWhitespace(result)
}

func mergePair(left, right string) string {
	leftTokens := strings.Fields(left)
	rightTokens := strings.Fields(right)
	if len(leftTokens) == 0 {
		return strings.TrimSpace(left + " " + right)
	}
	if len(rightTokens) == 0 {
		return left
	}

	window := maxOverlapWindowTokens
	if window > len(leftTokens) {
		window = len(leftTokens)
	}
	if window > len(rightTokens) {
		window = len(rightTokens)
	}

	for n := window; n >= 1; n-- {
		suffix := lowerJoin(leftTokens[len(leftTokens)-n:])
		prefix := lowerJoin(rightTokens[:n])
		if suffix == prefix {
			remaining := strings.Join(rightTokens[n:], " ")
			if remaining == "" {
				return left
			}
			return left + " " + remaining
		}
	}
	return left + " " + right
}

func lowerJoin(tokens []string) string {
	lowered := make([]string, len(tokens))
	for i, t := range tokens {
		lowered[i] = strings.ToLower(t)
	}
	return strings.Join(lowered, " ")
}

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// ContiguousPrefix is C6's streaming-partial output: the longest
// contiguous run of valid chunks starting at index 0, merged.
type ContiguousPrefix struct {
	Text      string
	LastIndex int // -1 if no chunk at index 0 is valid yet
}

// GetContiguousPrefix computes the longest contiguous valid run starting
// at index 0 and merges their raw text, independent of terminal assembly.
func GetContiguousPrefix(transcripts []model.ChunkSlot) ContiguousPrefix {
	var texts []string
	last := -1
	for i, slot := range transcripts {
		if !slot.Valid() {
			break
		}
		last = i
		if !slot.Result.Skipped {
			texts = append(texts, slot.Result.RawText)
		}
	}
	return ContiguousPrefix{Text: Merge(texts), LastIndex: last}
}

// isContiguousPrefix reports whether every valid chunk index is < the
// count of valid chunks (i.e. valid chunks form [0, k) with no gaps).
func isContiguousPrefix(transcripts []model.ChunkSlot) bool {
	seenInvalid := false
	for _, slot := range transcripts {
		if slot.Valid() {
			if seenInvalid {
				return false
			}
		} else {
			seenInvalid = true
		}
	}
	return true
}

// Build runs the full terminal assembly pipeline over a ParentJob's chunk
// slots: raw merge, optional corrected-text merge (only when useCorrection
// is set and correctionMode is PerChunk — otherwise corrected stays null),
// method labeling, and the post-assembly validation warnings (empty final
// transcript, success rate under 50%, and a corrected/raw length delta
// over 50%).
func Build(transcripts []model.ChunkSlot, useCorrection bool, correctionMode model.CorrectionMode) Result {
	res := Result{
		Method: Method(transcripts),
	}

	for _, slot := range transcripts {
		switch {
		case slot.Kind == model.SlotFailure:
			res.FailedCount++
		case slot.Valid() && slot.Result.Skipped:
			res.SkippedCount++
		case slot.Valid():
			res.SuccessfulCount++
		}
	}
	if total := len(transcripts); total > 0 {
		res.SuccessRate = (res.SuccessfulCount + res.SkippedCount) * 100 / total
	}

	res.Raw = AssembleRaw(transcripts)
	res.Final = res.Raw

	if useCorrection && correctionMode == model.CorrectionPerChunk {
		res.Corrected = AssembleCorrected(transcripts)
		if res.Corrected != "" {
			res.HasCorrected = true
			res.Final = res.Corrected
		}
	}

	if res.Final == "" {
		res.Warnings = append(res.Warnings, "final transcript is empty")
	}
	if res.SuccessRate < 50 {
		res.Warnings = append(res.Warnings, "chunk success rate below 50%")
	}
	if res.HasCorrected && len(res.Raw) > 0 {
		delta := lengthDeltaPercent(len(res.Raw), len(res.Corrected))
		if delta > 50 {
			res.Warnings = append(res.Warnings, "corrected transcript length diverges from raw by more than 50%")
		}
	}

	return res
}

func lengthDeltaPercent(rawLen, correctedLen int) int {
	delta := correctedLen - rawLen
	if delta < 0 {
		delta = -delta
	}
	return delta * 100 / rawLen
}

// Method computes the assembly-method label.
func Method(transcripts []model.ChunkSlot) string {
	validCount := 0
	for _, slot := range transcripts {
		if slot.Valid() {
			validCount++
		}
	}
	switch {
	case validCount == 0:
		return "none"
	case len(transcripts) == 1:
		return "single_chunk"
	case isContiguousPrefix(transcripts):
		return "intelligent_merge_sequential"
	default:
		return "intelligent_merge_with_gaps"
	}
}
