package assembler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusaudio/chunked-transcribe/internal/model"
)

func resultSlot(index int, text string) model.ChunkSlot {
	return model.ChunkSlot{
		Kind: model.SlotResult,
		Result: &model.ChunkResult{
			ChunkIndex: index,
			Text:       text,
			RawText:    text,
		},
	}
}

func skippedSlot(index int) model.ChunkSlot {
	return model.ChunkSlot{
		Kind: model.SlotResult,
		Result: &model.ChunkResult{
			ChunkIndex: index,
			Skipped:    true,
			SkipReason: "header_only",
		},
	}
}

func failureSlot(index int) model.ChunkSlot {
	return model.ChunkSlot{
		Kind:    model.SlotFailure,
		Failure: &model.ChunkFailure{ChunkIndex: index, Error: "upstream terminal error", Failed: true},
	}
}

func TestMerge_ThreeChunkOverlapHappyPath(t *testing.T) {
	texts := []string{"hello world", "world this is", "is a test"}
	got := Merge(texts)
	assert.Equal(t, "hello world this is a test", got)
}

func TestMerge_NoOverlapJoinsWithSpace(t *testing.T) {
	got := Merge([]string{"hello world", "goodnight moon"})
	assert.Equal(t, "hello world goodnight moon", got)
}

func TestMerge_SingleText(t *testing.T) {
	assert.Equal(t, "only one chunk here", Merge([]string{"only one chunk here"}))
}

func TestMerge_EmptyList(t *testing.T) {
	assert.Equal(t, "", Merge(nil))
}

func TestMerge_CaseInsensitiveOverlapMatch(t *testing.T) {
	got := Merge([]string{"Hello World", "world this is fine"})
	assert.Equal(t, "Hello World this is fine", got)
}

func TestGetContiguousPrefix_StopsAtFirstGap(t *testing.T) {
	transcripts := []model.ChunkSlot{
		resultSlot(0, "hello world"),
		resultSlot(1, "world this is"),
		{}, // empty: chunk 2 not yet complete
		resultSlot(3, "is a test"),
	}
	prefix := GetContiguousPrefix(transcripts)
	assert.Equal(t, 1, prefix.LastIndex)
	assert.Equal(t, "hello world this is", prefix.Text)
}

func TestGetContiguousPrefix_NoChunksYet(t *testing.T) {
	prefix := GetContiguousPrefix([]model.ChunkSlot{{}, {}})
	assert.Equal(t, -1, prefix.LastIndex)
	assert.Equal(t, "", prefix.Text)
}

func TestMethod_SingleChunk(t *testing.T) {
	assert.Equal(t, "single_chunk", Method([]model.ChunkSlot{resultSlot(0, "hi")}))
}

func TestMethod_None(t *testing.T) {
	assert.Equal(t, "none", Method([]model.ChunkSlot{{}, {}}))
}

func TestMethod_Sequential(t *testing.T) {
	transcripts := []model.ChunkSlot{
		resultSlot(0, "hello world"),
		resultSlot(1, "world this is"),
		resultSlot(2, "is a test"),
	}
	assert.Equal(t, "intelligent_merge_sequential", Method(transcripts))
}

func TestMethod_WithGaps(t *testing.T) {
	transcripts := []model.ChunkSlot{
		resultSlot(0, "hello world"),
		{},
		resultSlot(2, "is a test"),
	}
	assert.Equal(t, "intelligent_merge_with_gaps", Method(transcripts))
}

func TestBuild_ThreeChunkHappyPath(t *testing.T) {
	transcripts := []model.ChunkSlot{
		resultSlot(0, "hello world"),
		resultSlot(1, "world this is"),
		resultSlot(2, "is a test"),
	}
	res := Build(transcripts, false, model.CorrectionNone)
	require.Equal(t, "hello world this is a test", res.Final)
	assert.Equal(t, "intelligent_merge_sequential", res.Method)
	assert.Equal(t, 3, res.SuccessfulCount)
	assert.Equal(t, 100, res.SuccessRate)
	assert.Empty(t, res.Warnings)
}

func TestBuild_HeaderOnlyFirstChunkIsSkippedNotFailed(t *testing.T) {
	transcripts := []model.ChunkSlot{
		skippedSlot(0),
		resultSlot(1, "the rest of the words"),
	}
	res := Build(transcripts, false, model.CorrectionNone)
	assert.Equal(t, "the rest of the words", res.Final)
	assert.Equal(t, 1, res.SuccessfulCount)
	assert.Equal(t, 1, res.SkippedCount)
	assert.Equal(t, 100, res.SuccessRate)
	assert.Empty(t, res.Warnings)
}

func TestBuild_OneHardFailureLowersSuccessRateAndWarns(t *testing.T) {
	transcripts := []model.ChunkSlot{
		resultSlot(0, "hello world"),
		failureSlot(1),
	}
	res := Build(transcripts, false, model.CorrectionNone)
	assert.Equal(t, "hello world", res.Final)
	assert.Equal(t, 1, res.SuccessfulCount)
	assert.Equal(t, 1, res.FailedCount)
	assert.Equal(t, 50, res.SuccessRate)
	assert.Empty(t, res.Warnings, "50%% success rate is not below the 50%% warning threshold")
}

func TestBuild_MajorityFailureWarnsLowSuccessRate(t *testing.T) {
	transcripts := []model.ChunkSlot{
		resultSlot(0, "hello world"),
		failureSlot(1),
		failureSlot(2),
	}
	res := Build(transcripts, false, model.CorrectionNone)
	assert.Less(t, res.SuccessRate, 50)
	assert.Contains(t, res.Warnings, "chunk success rate below 50%")
}

func TestBuild_AllChunksFailedEmptyFinalWarns(t *testing.T) {
	transcripts := []model.ChunkSlot{failureSlot(0), failureSlot(1)}
	res := Build(transcripts, false, model.CorrectionNone)
	assert.Equal(t, "", res.Final)
	assert.Contains(t, res.Warnings, "final transcript is empty")
	assert.Contains(t, res.Warnings, "chunk success rate below 50%")
}

func TestBuild_PerChunkCorrectionPrefersCorrectedText(t *testing.T) {
	transcripts := []model.ChunkSlot{
		{
			Kind: model.SlotResult,
			Result: &model.ChunkResult{
				ChunkIndex:        0,
				RawText:           "hello wrold",
				CorrectedText:     "hello world",
				CorrectionApplied: true,
			},
		},
	}
	res := Build(transcripts, true, model.CorrectionPerChunk)
	assert.True(t, res.HasCorrected)
	assert.Equal(t, "hello world", res.Final)
	assert.Equal(t, "hello wrold", res.Raw)
}

func TestBuild_UseCorrectionFalseNeverPopulatesCorrectedEvenInPerChunkMode(t *testing.T) {
	transcripts := []model.ChunkSlot{
		{
			Kind: model.SlotResult,
			Result: &model.ChunkResult{
				ChunkIndex:    0,
				RawText:       "hello wrold",
				CorrectedText: "hello world",
			},
		},
	}
	// correction_mode defaults to PerChunk (model.ParseCorrectionMode("")),
	// but use_llm=false must still leave corrected_transcript null.
	res := Build(transcripts, false, model.CorrectionPerChunk)
	assert.False(t, res.HasCorrected)
	assert.Empty(t, res.Corrected)
	assert.Equal(t, "hello wrold", res.Final)
}
