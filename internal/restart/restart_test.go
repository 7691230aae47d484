package restart_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/dredmonds/activity-stream/internal/restart"
)

func TestRunStopsImmediatelyOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	done := make(chan struct{})
	go func() {
		restart.Run(ctx, zaptest.NewLogger(t), "t", func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestRunDoesNotCallFnAgainAfterCancellationDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	done := make(chan struct{})
	go func() {
		restart.Run(ctx, zaptest.NewLogger(t), "t", func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("boom")
		})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly after cancellation")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "fn must not run again once cancelled while waiting")
}

func TestRunOnFailureRestartsImmediatelyAfterSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	done := make(chan struct{})
	go func() {
		restart.RunOnFailure(ctx, zaptest.NewLogger(t), "t", func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
		close(done)
	}()

	// A successful return must not incur the 60s interval: several calls
	// should happen well within it.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunOnFailure did not return promptly after cancellation")
	}
	assert.Greater(t, atomic.LoadInt32(&calls), int32(1), "successful returns must restart fn without waiting for the exception interval")
}

func TestRunOnFailureWaitsIntervalOnlyAfterError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	done := make(chan struct{})
	go func() {
		restart.RunOnFailure(ctx, zaptest.NewLogger(t), "t", func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("boom")
		})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunOnFailure did not return promptly after cancellation")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "an error must hold fn until the exception interval elapses")
}
