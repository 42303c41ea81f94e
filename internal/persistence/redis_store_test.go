package persistence

import (
	"cmp"
	"slices"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingScore_AscendingIsDequeueOrder(t *testing.T) {
	tasks := []storedTask{
		{ID: "a", Seq: 1},
		{ID: "b", Seq: 2, Priority: 5},
		{ID: "c", Seq: 3},
		{ID: "d", Seq: 4, Priority: 5},
		{ID: "e", Seq: 5, Priority: -2},
		{ID: "f", Seq: maxSeq, Priority: 5},
	}

	byScore := slices.Clone(tasks)
	slices.SortFunc(byScore, func(a, b storedTask) int {
		return cmp.Compare(pendingScore(a.Priority, a.Seq), pendingScore(b.Priority, b.Seq))
	})
	want := slices.Clone(tasks)
	slices.SortFunc(want, byDequeueOrder(false))
	assert.Equal(t, want, byScore)
}

func TestPendingScore_SplitAndBands(t *testing.T) {
	cases := []struct {
		priority int
		seq      int64
	}{
		{0, 1},
		{7, 42},
		{-3, 9},
		{maxScorePriority, maxSeq},
		{-maxScorePriority, maxSeq},
	}
	for _, c := range cases {
		score := pendingScore(c.priority, c.seq)
		band, seq := splitScore(score)
		assert.Equal(t, c.priority, band)
		assert.Equal(t, c.seq, seq)

		lo, hi := bandBounds(band)
		loF, err := strconv.ParseFloat(lo, 64)
		require.NoError(t, err)
		hiF, err := strconv.ParseFloat(hi, 64)
		require.NoError(t, err)
		assert.True(t, loF <= score && score <= hiF, "score %v outside band %d", score, band)
	}
}

func TestPendingScore_ClampsPriority(t *testing.T) {
	band, seq := splitScore(pendingScore(1<<40, 3))
	assert.Equal(t, maxScorePriority, band)
	assert.Equal(t, int64(3), seq)

	band, _ = splitScore(pendingScore(-(1 << 40), 3))
	assert.Equal(t, -maxScorePriority, band)
}
