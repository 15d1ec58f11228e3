package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/robertof/go-scale-monitor/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorForWeight_LastValidWins(t *testing.T) {
	radio := newFakeRadio(
		adv(scaleA, "QN-Scale", 0x1A, 0x1B),       // 66.8
		adv(scaleA, "QN-Scale", 0x00, 0x01),       // no weight
		adv(other, "Phone", 0x1B, 0x00),           // not a scale
		adv(scaleA, "QN-Scale", 0x00, 0x0B, 0xC0), // 30.1
		adv(scaleA, "QN-Scale", 0x1A, 0xEA),       // 68.9
	)
	radio.endAfterEvents = true

	m := NewManager(radio)

	reading, err := m.MonitorForWeight(context.Background(), time.Second)
	require.NoError(t, err)

	assert.Equal(t, 68.9, reading.ValueKg)
	assert.Equal(t, device.MethodBigEndian, reading.Method)
	assert.Equal(t, 0, reading.Position)

	last := m.LastSession()
	assert.Equal(t, ModeMonitor, last.Mode)
	assert.Equal(t, StateResolved, last.State)
	assert.Equal(t, ResolutionSuccess, last.Resolution)
	assert.Equal(t, 3, last.ReadingsCount)
	assert.NoError(t, last.Err)

	scans, stops, active, _ := radio.snapshot()
	assert.Equal(t, 1, scans)
	assert.Equal(t, 1, stops)
	assert.Zero(t, active)
	assert.Equal(t, []bool{true}, radio.dups)
}

func TestMonitorForWeight_ResolvesAtDeadline(t *testing.T) {
	radio := newFakeRadio(
		adv(scaleA, "QN-Scale", 0x1A, 0x1B),
		adv(other, "", 0xEA, 0x1A), // unnamed with data, accepted by the loose net
	)

	m := NewManager(radio)

	start := time.Now()
	res := m.Monitor(context.Background(), 50*time.Millisecond)

	require.NoError(t, res.Error)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 68.9, res.Reading.ValueKg)
	assert.Equal(t, device.MethodLittleEndian, res.Reading.Method)
	assert.Equal(t, other, res.Source.Addr)
	assert.Equal(t, "broadcast", res.Family)

	_, stops, active, _ := radio.snapshot()
	assert.Equal(t, 1, stops)
	assert.Zero(t, active)
}

func TestMonitorForWeight_TimeoutWithoutReadings(t *testing.T) {
	radio := newFakeRadio(
		adv(scaleA, "QN-Scale", 0x00, 0x01),
		adv(scaleA, "QN-Scale"),
		adv(other, "FitScale Pro", 0xFF, 0xFF),
	)

	m := NewManager(radio)

	reading, err := m.MonitorForWeight(context.Background(), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, device.Reading{}, reading)
	assert.Equal(t, ResolutionTimeout, m.LastSession().Resolution)

	_, stops, active, _ := radio.snapshot()
	assert.Equal(t, 1, stops)
	assert.Zero(t, active)
}

func TestMonitorForWeight_CancelAfterCapture(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	radio := newFakeRadio(adv(scaleA, "QN-Scale", 0x1A, 0xEA))

	// with an unbuffered event channel the scan only moves on once the event was handled.
	m := NewManager(&cancellingRadio{fakeRadio: radio, cancel: cancel}, WithEventBuffer(0))

	reading, err := m.MonitorForWeight(ctx, 5*time.Second)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, device.Reading{}, reading)

	last := m.LastSession()
	assert.Equal(t, ResolutionCancelled, last.Resolution)
	assert.Equal(t, 1, last.ReadingsCount)

	_, stops, active, _ := radio.snapshot()
	assert.Equal(t, 1, stops)
	assert.Zero(t, active)
}

// cancellingRadio cancels the session right after delivering its events.
type cancellingRadio struct {
	*fakeRadio
	cancel context.CancelFunc
}

func (r *cancellingRadio) Scan(ctx context.Context, allowDuplicates bool, h func(device.Discovered)) error {
	return r.fakeRadio.Scan(ctx, allowDuplicates, func(d device.Discovered) {
		h(d)
		r.cancel()
	})
}

func TestMonitorForWeight_PermissionDenied(t *testing.T) {
	radio := newFakeRadio(adv(scaleA, "QN-Scale", 0x1A, 0xEA))
	radio.permErr = errRadio

	m := NewManager(radio)

	_, err := m.MonitorForWeight(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.ErrorIs(t, err, errRadio)

	last := m.LastSession()
	assert.Equal(t, ResolutionFailed, last.Resolution)
	assert.Equal(t, StateResolved, last.State)

	scans, _, _, _ := radio.snapshot()
	assert.Zero(t, scans)
}

func TestMonitorForWeight_AdapterUnavailable(t *testing.T) {
	for name, tc := range map[string]struct {
		state device.AdapterState
		err   error
	}{
		"powered off": {state: device.AdapterStatePoweredOff},
		"unknown":     {state: device.AdapterStateUnknown},
		"error":       {state: device.AdapterStateUnknown, err: errRadio},
	} {
		t.Run(name, func(t *testing.T) {
			radio := newFakeRadio()
			radio.state = tc.state
			radio.stateErr = tc.err

			m := NewManager(radio)

			_, err := m.MonitorForWeight(context.Background(), time.Second)
			require.ErrorIs(t, err, ErrAdapterUnavailable)
			assert.Equal(t, ResolutionFailed, m.LastSession().Resolution)

			scans, _, _, _ := radio.snapshot()
			assert.Zero(t, scans)
		})
	}
}

func TestMonitorForWeight_ScanFailure(t *testing.T) {
	radio := newFakeRadio(adv(scaleA, "QN-Scale", 0x1A, 0xEA))
	radio.scanErr = errRadio

	m := NewManager(radio)

	_, err := m.MonitorForWeight(context.Background(), time.Second)
	require.ErrorIs(t, err, errRadio)
	assert.Equal(t, ResolutionFailed, m.LastSession().Resolution)
}

func TestManager_ScanHandover(t *testing.T) {
	radio := newFakeRadio()
	m := NewManager(radio)

	var (
		wg       sync.WaitGroup
		firstErr error
	)

	wg.Add(1)

	go func() {
		defer wg.Done()
		_, firstErr = m.MonitorForWeight(context.Background(), 10*time.Second)
	}()

	require.Eventually(t, func() bool {
		_, _, active, _ := radio.snapshot()
		return active == 1
	}, time.Second, time.Millisecond)

	start := time.Now()
	err := m.EnumerateDevices(context.Background(), 200*time.Millisecond, func(device.Discovered) {})
	require.NoError(t, err)

	wg.Wait()

	require.ErrorIs(t, firstErr, ErrCancelled)
	assert.Less(t, time.Since(start), 5*time.Second)

	scans, stops, active, maxActive := radio.snapshot()
	assert.Equal(t, 2, scans)
	assert.Equal(t, 2, stops)
	assert.Zero(t, active)
	assert.Equal(t, 1, maxActive)
}

func TestManager_HandoverWaitsForSlowStop(t *testing.T) {
	radio := newFakeRadio()
	radio.stopDelay = 100 * time.Millisecond

	m := NewManager(radio)

	var (
		wg       sync.WaitGroup
		firstErr error
	)

	wg.Add(1)

	go func() {
		defer wg.Done()
		_, firstErr = m.MonitorForWeight(context.Background(), 50*time.Millisecond)
	}()

	// the first scan hit its deadline but is still stopping.
	time.Sleep(70 * time.Millisecond)

	err := m.EnumerateDevices(context.Background(), 500*time.Millisecond, func(device.Discovered) {})
	require.NoError(t, err)

	wg.Wait()

	require.ErrorIs(t, firstErr, ErrTimeout)

	scans, stops, active, maxActive := radio.snapshot()
	assert.Equal(t, 2, scans)
	assert.Equal(t, 2, stops)
	assert.Zero(t, active)
	assert.Equal(t, 1, maxActive, "two scans were active at the same time")
}

func TestManager_NextSessionWaitsAfterBreak(t *testing.T) {
	radio := newFakeRadio(adv(scaleA, "QN-Scale"))
	radio.stopDelay = 50 * time.Millisecond

	m := NewManager(radio)

	for range m.Devices(context.Background(), 10*time.Second) {
		break
	}

	_, _, active, _ := radio.snapshot()
	assert.Zero(t, active, "scan still running after the loop ended")

	err := m.EnumerateDevices(context.Background(), 20*time.Millisecond, func(device.Discovered) {})
	require.NoError(t, err)

	_, _, _, maxActive := radio.snapshot()
	assert.Equal(t, 1, maxActive)
}
