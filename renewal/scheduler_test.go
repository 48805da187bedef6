package renewal

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeTrigger struct {
	n int32
}

func (f *fakeTrigger) TriggerRenewal(ctx context.Context) {
	atomic.AddInt32(&f.n, 1)
}

func TestSchedulerFiresAfterGraceAndThenOnInterval(t *testing.T) {
	trig := &fakeTrigger{}
	s := New(trig, WithGrace(5*time.Millisecond), WithInterval(20*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	s.Run(ctx)

	n := atomic.LoadInt32(&trig.n)
	assert.GreaterOrEqual(t, n, int32(2), "expected at least the initial grace fire plus one interval fire")
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	trig := &fakeTrigger{}
	s := New(trig, WithGrace(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly after context cancellation")
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&trig.n))
}
