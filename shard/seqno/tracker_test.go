package seqno

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/shardstore/shard/api"
)

func TestMarkProcessedAdvancesOnlyAcrossContiguousRun(t *testing.T) {
	tr := New()
	require.EqualValues(t, api.NoOpsPerformed, tr.LocalCheckpoint())

	for i := 0; i < 5; i++ {
		tr.Generate()
	}
	require.EqualValues(t, 4, tr.MaxSeqNo())

	// Complete out of order: 2, then 0, then 1 should advance the local
	// checkpoint to 2 (the longest contiguous prefix from 0), not to 0 or 1.
	tr.MarkProcessed(2)
	require.EqualValues(t, api.NoOpsPerformed, tr.LocalCheckpoint(), "2 completing alone leaves a gap at 0")

	tr.MarkProcessed(0)
	require.EqualValues(t, 0, tr.LocalCheckpoint())

	tr.MarkProcessed(1)
	require.EqualValues(t, 2, tr.LocalCheckpoint(), "1 completing closes the gap, draining the heap through 2")

	// A duplicate completion below the checkpoint is a no-op.
	tr.MarkProcessed(0)
	require.EqualValues(t, 2, tr.LocalCheckpoint())

	tr.MarkProcessed(4)
	require.EqualValues(t, 2, tr.LocalCheckpoint(), "4 completing alone still leaves a gap at 3")
	tr.MarkProcessed(3)
	require.EqualValues(t, 4, tr.LocalCheckpoint())
}

func TestFillGapsFillsEveryGapExactlyOnce(t *testing.T) {
	tr := New()
	for i := 0; i < 5; i++ {
		tr.Generate()
	}
	// Only seqnos 0 and 2 complete normally; 1, 3, 4 are gaps FillGaps must
	// plug.
	tr.MarkProcessed(0)
	tr.MarkProcessed(2)
	require.EqualValues(t, 0, tr.LocalCheckpoint())

	var filled []api.SeqNo
	err := tr.FillGaps(context.Background(), api.PrimaryTerm(1), func(_ context.Context, seqNo api.SeqNo, term api.PrimaryTerm, reason string) error {
		require.EqualValues(t, 1, term)
		require.NotEmpty(t, reason)
		filled = append(filled, seqNo)
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, []api.SeqNo{1, 3, 4}, filled, "each gap fills exactly once, in order")
	require.EqualValues(t, tr.MaxSeqNo(), tr.LocalCheckpoint())
}

func TestFillGapsNoOpWhenAlreadyCaughtUp(t *testing.T) {
	tr := New()
	tr.Generate()
	tr.MarkProcessed(0)
	require.EqualValues(t, 0, tr.LocalCheckpoint())

	called := false
	err := tr.FillGaps(context.Background(), api.PrimaryTerm(1), func(context.Context, api.SeqNo, api.PrimaryTerm, string) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, called, "nothing to fill when local checkpoint already equals max seqno")
}

func TestFillGapsPropagatesFillerError(t *testing.T) {
	tr := New()
	tr.Generate()
	tr.Generate()

	err := tr.FillGaps(context.Background(), api.PrimaryTerm(1), func(context.Context, api.SeqNo, api.PrimaryTerm, string) error {
		return context.DeadlineExceeded
	})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAdvanceMaxSeqNoToNeverGoesBackwards(t *testing.T) {
	tr := New()
	tr.Generate()
	tr.Generate()
	require.EqualValues(t, 1, tr.MaxSeqNo())

	tr.AdvanceMaxSeqNoTo(10)
	require.EqualValues(t, 10, tr.MaxSeqNo())

	tr.AdvanceMaxSeqNoTo(5)
	require.EqualValues(t, 10, tr.MaxSeqNo(), "advancing to a lower value is a no-op")
}

func TestUpdateGlobalCheckpointFromPrimaryRejectsRegression(t *testing.T) {
	tr := New()
	require.NoError(t, tr.UpdateGlobalCheckpointFromPrimary(3))
	require.EqualValues(t, 3, tr.GlobalCheckpoint())

	require.Error(t, tr.UpdateGlobalCheckpointFromPrimary(2))
	require.EqualValues(t, 3, tr.GlobalCheckpoint())
}
