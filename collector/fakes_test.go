package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robertof/go-scale-monitor/device"
)

const (
	scaleA = "C8:47:8C:00:00:01"
	scaleB = "c8:47:8c:00:00:02"
	other  = "AA:BB:CC:00:00:03"
)

// fakeRadio replays events on every scan. Unless endAfterEvents is set, a scan then blocks until
// its context is done, like a real one.
type fakeRadio struct {
	permErr  error
	state    device.AdapterState
	stateErr error

	events         []device.Discovered
	scanErr        error
	endAfterEvents bool
	// stopDelay keeps a cancelled scan running for a while, like a controller winding down.
	stopDelay time.Duration

	mu        sync.Mutex
	scans     int
	stops     int
	active    int
	maxActive int
	dups      []bool
}

func newFakeRadio(events ...device.Discovered) *fakeRadio {
	return &fakeRadio{
		state:  device.AdapterStatePoweredOn,
		events: events,
	}
}

func (r *fakeRadio) RequestPermissions(ctx context.Context) error {
	return r.permErr
}

func (r *fakeRadio) AdapterState(ctx context.Context) (device.AdapterState, error) {
	return r.state, r.stateErr
}

func (r *fakeRadio) Scan(ctx context.Context, allowDuplicates bool, h func(device.Discovered)) error {
	r.mu.Lock()
	r.scans++
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	r.dups = append(r.dups, allowDuplicates)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.active--
		r.stops++
	}()

	for _, ev := range r.events {
		if ctx.Err() != nil {
			return nil
		}

		h(ev)
	}

	if r.scanErr != nil {
		return r.scanErr
	}

	if !r.endAfterEvents {
		<-ctx.Done()
		time.Sleep(r.stopDelay)
	}

	return nil
}

func (r *fakeRadio) snapshot() (scans, stops, active, maxActive int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.scans, r.stops, r.active, r.maxActive
}

type fakeEndpoint struct {
	id     string
	notify bool
	// payload is pushed right after subscribing, if set.
	payload []byte
	subErr  error
}

func (e *fakeEndpoint) ID() string {
	return e.id
}

func (e *fakeEndpoint) CanNotify() bool {
	return e.notify
}

func (e *fakeEndpoint) Subscribe(h func(payload []byte)) error {
	if e.subErr != nil {
		return e.subErr
	}

	if e.payload != nil {
		h(e.payload)
		h([]byte{0x4E, 0x20})
	}

	return nil
}

type fakeLink struct {
	endpoints    []device.Endpoint
	endpointsErr error

	mu          sync.Mutex
	disconnects int
}

func (l *fakeLink) Endpoints() ([]device.Endpoint, error) {
	return l.endpoints, l.endpointsErr
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.disconnects++

	return nil
}

func (l *fakeLink) disconnectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.disconnects
}

type fakeLinker struct {
	link       *fakeLink
	connectErr error

	mu       sync.Mutex
	connects int
}

func (f *fakeLinker) Connect(ctx context.Context, addr string) (device.Link, error) {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()

	if f.connectErr != nil {
		return nil, f.connectErr
	}

	return f.link, nil
}

func (f *fakeLinker) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connects
}

var errRadio = errors.New("radio exploded")

func adv(addr, name string, payload ...byte) device.Discovered {
	return device.Discovered{
		Addr:             addr,
		Name:             name,
		ManufacturerData: payload,
		RSSI:             -70,
		HasRSSI:          true,
	}
}
