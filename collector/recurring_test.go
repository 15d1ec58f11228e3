package collector

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecurring_FirstCollection(t *testing.T) {
	radio := newFakeRadio(adv(scaleA, "QN-Scale", 0x1A, 0xEA))
	radio.endAfterEvents = true

	rec := NewRecurring(NewManager(radio), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go rec.Start(ctx, time.Hour)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()

	res, ts, ok := rec.WaitLatest(waitCtx)
	require.True(t, ok)
	assert.NoError(t, res.Error)
	assert.Equal(t, 68.9, res.Reading.ValueKg)
	assert.Equal(t, scaleA, res.Source.Addr)
	assert.False(t, ts.IsZero())

	_, ts2, ok := rec.Latest()
	require.True(t, ok)
	assert.Equal(t, ts, ts2)
}

func TestRecurring_NothingBeforeFirstSuccess(t *testing.T) {
	rec := NewRecurring(NewManager(newFakeRadio()), time.Second)

	_, _, ok := rec.Latest()
	assert.False(t, ok)
}

func TestRecurring_SuspendsWhenIdle(t *testing.T) {
	radio := newFakeRadio(adv(scaleA, "QN-Scale", 0x1A, 0xEA))
	radio.endAfterEvents = true

	rec := NewRecurring(NewManager(radio), time.Second)
	rec.IdleTimeout = 20 * time.Millisecond

	var suspensions atomic.Int32
	rec.OnSuspend = func() {
		suspensions.Add(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go rec.Start(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return rec.suspended.Load()
	}, 5*time.Second, time.Millisecond)

	assert.GreaterOrEqual(t, suspensions.Load(), int32(1))

	scansBefore, _, _, _ := radio.snapshot()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()

	res, _, ok := rec.WaitLatest(waitCtx)
	require.True(t, ok)
	assert.Equal(t, 68.9, res.Reading.ValueKg)

	scansAfter, _, _, _ := radio.snapshot()
	assert.Greater(t, scansAfter, scansBefore)
}
