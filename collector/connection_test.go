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

func newLinkManager(link *fakeLink) (*Manager, *fakeLinker) {
	linker := &fakeLinker{link: link}
	return NewManager(newFakeRadio(), WithLinker(linker)), linker
}

func TestReadFromConnectedScale_FirstNotification(t *testing.T) {
	link := &fakeLink{endpoints: []device.Endpoint{
		&fakeEndpoint{id: "2a9d-read"},
		&fakeEndpoint{id: "2a9d", notify: true, payload: []byte{0x00, 0x1A, 0xEA}},
		&fakeEndpoint{id: "2a9e", notify: true, payload: []byte{0x1A, 0x1B}},
	}}

	m, _ := newLinkManager(link)

	reading, ok, err := m.ReadFromConnectedScale(context.Background(), scaleA, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 66.6, reading.ValueKg)
	assert.Equal(t, device.MethodLittleEndian, reading.Method)
	assert.Equal(t, []byte{0x00, 0x1A, 0xEA}, reading.Raw)
	assert.Equal(t, 1, link.disconnectCount())

	last := m.LastSession()
	assert.Equal(t, ModeConnectedRead, last.Mode)
	assert.Equal(t, ResolutionSuccess, last.Resolution)
	assert.Equal(t, 1, last.ReadingsCount)
}

func TestReadFromConnectedScale_DecodeMissIsFinal(t *testing.T) {
	link := &fakeLink{endpoints: []device.Endpoint{
		&fakeEndpoint{id: "2a9d", notify: true, payload: []byte{0x00, 0x01}},
	}}

	m, _ := newLinkManager(link)

	reading, ok, err := m.ReadFromConnectedScale(context.Background(), scaleA, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, device.Reading{}, reading)
	assert.Equal(t, 1, link.disconnectCount())
}

func TestReadFromConnectedScale_Timeout(t *testing.T) {
	link := &fakeLink{endpoints: []device.Endpoint{
		&fakeEndpoint{id: "2a9d", notify: true},
	}}

	m, _ := newLinkManager(link)

	_, ok, err := m.ReadFromConnectedScale(context.Background(), scaleA, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, ok)
	assert.Equal(t, 1, link.disconnectCount())
	assert.Equal(t, ResolutionTimeout, m.LastSession().Resolution)
}

func TestReadFromConnectedScale_ConnectionErrors(t *testing.T) {
	for name, tc := range map[string]struct {
		link        *fakeLink
		connectErr  error
		disconnects int
	}{
		"connect": {
			link:       &fakeLink{},
			connectErr: errRadio,
		},
		"endpoints": {
			link:        &fakeLink{endpointsErr: errRadio},
			disconnects: 1,
		},
		"no notifying endpoint": {
			link:        &fakeLink{endpoints: []device.Endpoint{&fakeEndpoint{id: "2a9d"}}},
			disconnects: 1,
		},
		"subscribe": {
			link: &fakeLink{endpoints: []device.Endpoint{
				&fakeEndpoint{id: "2a9d", notify: true, subErr: errRadio},
			}},
			disconnects: 1,
		},
	} {
		t.Run(name, func(t *testing.T) {
			m, linker := newLinkManager(tc.link)
			linker.connectErr = tc.connectErr

			_, ok, err := m.ReadFromConnectedScale(context.Background(), scaleA, time.Second)
			require.ErrorIs(t, err, ErrConnection)
			assert.False(t, ok)
			assert.Equal(t, tc.disconnects, tc.link.disconnectCount())
			assert.Equal(t, ResolutionFailed, m.LastSession().Resolution)
		})
	}
}

func TestReadFromConnectedScale_NoLinker(t *testing.T) {
	m := NewManager(newFakeRadio())

	_, _, err := m.ReadFromConnectedScale(context.Background(), scaleA, time.Second)
	require.ErrorIs(t, err, ErrConnection)
}

func TestReadFromConnectedScale_LinkIsExclusive(t *testing.T) {
	link := &fakeLink{endpoints: []device.Endpoint{
		&fakeEndpoint{id: "2a9d", notify: true},
	}}

	m, linker := newLinkManager(link)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		wg       sync.WaitGroup
		firstErr error
	)

	wg.Add(1)

	go func() {
		defer wg.Done()
		_, _, firstErr = m.ReadFromConnectedScale(ctx, scaleA, 10*time.Second)
	}()

	require.Eventually(t, func() bool {
		return linker.connectCount() == 1
	}, time.Second, time.Millisecond)

	_, _, err := m.ReadFromConnectedScale(context.Background(), scaleA, time.Second)
	require.ErrorIs(t, err, ErrConnection)
	require.ErrorIs(t, err, ErrLinkBusy)
	assert.Equal(t, 1, linker.connectCount())

	cancel()
	wg.Wait()

	require.ErrorIs(t, firstErr, ErrCancelled)
	assert.Equal(t, 1, link.disconnectCount())

	// the link is free again.
	_, _, err = m.ReadFromConnectedScale(context.Background(), scaleA, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 2, linker.connectCount())
}
