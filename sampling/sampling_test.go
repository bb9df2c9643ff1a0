package sampling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_AwaitReceivesResult(t *testing.T) {
	b := NewBroker()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		assert.True(t, b.SetResult("req-1", "hello"))
	}()

	content, err := b.Await(context.Background(), "req-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
	wg.Wait()
}

func TestBroker_AwaitReceivesError(t *testing.T) {
	b := NewBroker()
	go func() {
		time.Sleep(10 * time.Millisecond)
		b.SetError("req-2", errors.New("client refused"))
	}()

	_, err := b.Await(context.Background(), "req-2", time.Second)
	assert.EqualError(t, err, "client refused")
}

func TestBroker_AwaitTimesOut(t *testing.T) {
	b := NewBroker()
	_, err := b.Await(context.Background(), "req-3", 10*time.Millisecond)
	assert.Error(t, err)
}

func TestBroker_UnknownIDSetResultIsNoop(t *testing.T) {
	b := NewBroker()
	assert.False(t, b.SetResult("never-registered", "x"))
}

func TestBroker_SecondFillIsIgnored(t *testing.T) {
	b := NewBroker()
	go func() {
		b.SetResult("req-4", "first")
		b.SetResult("req-4", "second")
	}()
	content, err := b.Await(context.Background(), "req-4", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", content)
}

func TestBroker_AwaitRespectsContextCancellation(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := b.Await(ctx, "req-5", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
