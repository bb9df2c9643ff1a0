package operations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_StartCancelFinish(t *testing.T) {
	tr := NewTracker()
	op := tr.Start("op-1", "sess-1", "tools/call", nil)
	assert.False(t, op.IsCancelled())

	got, ok := tr.Get("op-1")
	require.True(t, ok)
	assert.Same(t, op, got)

	assert.True(t, tr.Cancel("op-1"))
	assert.True(t, op.IsCancelled())

	assert.False(t, tr.Cancel("unknown"))
}

func TestTracker_Finish(t *testing.T) {
	tr := NewTracker()
	op := tr.Start("op-2", "sess-1", "tools/call", nil)

	errFinish := errors.New("boom")
	require.NoError(t, tr.Finish("op-2", errFinish))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := op.Wait(ctx)
	assert.Equal(t, errFinish, err)

	_, ok := tr.Get("op-2")
	assert.False(t, ok)

	err = tr.Finish("op-2", nil)
	assert.Error(t, err)
}

func TestPendingOperation_DoneIsIdempotent(t *testing.T) {
	op := newPendingOperation("id", "sess", "method", nil)
	op.Done(errors.New("first"))
	op.Done(errors.New("second"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := op.Wait(ctx)
	assert.EqualError(t, err, "first")
}

func TestPendingOperation_ReportProgress(t *testing.T) {
	var gotProgress, gotTotal float64
	var gotMessage string
	op := newPendingOperation("id", "sess", "method", func(progress, total float64, message string) {
		gotProgress, gotTotal, gotMessage = progress, total, message
	})
	op.ReportProgress(0.5, 1, "halfway")
	assert.Equal(t, 0.5, gotProgress)
	assert.Equal(t, float64(1), gotTotal)
	assert.Equal(t, "halfway", gotMessage)
}

func TestPendingOperation_WaitRespectsContext(t *testing.T) {
	op := newPendingOperation("id", "sess", "method", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := op.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
