package ble

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertof/go-scale-monitor/device"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyConnected = errors.New("device is already connected")

var (
	successfulConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scale_monitor_ble_successful_connections_total",
	})
	failedConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scale_monitor_ble_failed_connections_total",
	})
	rejectedConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scale_monitor_ble_rejected_connections_total",
		Help: "Connection attempts rejected because the device already had an open link.",
	})
	disconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scale_monitor_ble_disconnections_total",
	})
	advertisementsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scale_monitor_ble_advertisements_total",
	})
)

// linkRegistry makes links exclusive per device: at most one link per address is open at a time.
type linkRegistry struct {
	mu sync.Mutex

	links map[string]*link
}

func newLinkRegistry() *linkRegistry {
	return &linkRegistry{
		links: make(map[string]*link),
	}
}

func (r *linkRegistry) reserve(addr string, l *link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.links[addr]; ok {
		return false
	}

	r.links[addr] = l
	return true
}

// release only removes the entry if it still belongs to l: a stale watchdog must not drop a
// newer link to the same device.
func (r *linkRegistry) release(addr string, l *link) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.links[addr] == l {
		delete(r.links, addr)
	}
}

func (r *linkRegistry) drain() []*link {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*link, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l)
	}

	r.links = make(map[string]*link)

	return out
}

// Connect opens a link to the device with the given MAC address. A second attempt while a link
// to the same device is open fails immediately with ErrAlreadyConnected.
func (h *Handle) Connect(ctx context.Context, addr string) (device.Link, error) {
	hwAddr, err := net.ParseMAC(addr)

	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", device.ErrInvalidAddress, addr, err)
	}

	key := strings.ToLower(hwAddr.String())
	l := &link{registry: h.links, addr: key}

	if !h.links.reserve(key, l) {
		rejectedConnectionsCounter.Inc()
		return nil, fmt.Errorf("%w: %v", ErrAlreadyConnected, hwAddr)
	}

	dev, err := h.device()

	if err != nil {
		h.links.release(key, l)
		return nil, err
	}

	client, err := dev.Dial(ctx, ble.NewAddr(key))

	if err != nil {
		h.links.release(key, l)
		failedConnectionsCounter.Inc()
		return nil, fmt.Errorf("failed to dial %v: %w", hwAddr, err)
	}

	successfulConnectionsCounter.Inc()
	log.Debug().Stringer("Addr", hwAddr).Msg("ble: successfully opened new connection to device")

	l.client = client

	// spawn a watchdog releasing the device when the connection breaks.
	go func() {
		<-client.Disconnected()

		disconnectsCounter.Inc()
		log.Debug().Stringer("Addr", hwAddr).Msg("ble: connection with device closed, cleaning up")

		h.links.release(key, l)
	}()

	return l, nil
}

// DisconnectAll closes every open link.
func (h *Handle) DisconnectAll() {
	for _, l := range h.links.drain() {
		if err := l.Disconnect(); err != nil {
			log.Warn().Err(err).Str("Addr", l.addr).Msg("ble: failed to disconnect device")
		}
	}
}

type link struct {
	registry *linkRegistry
	addr     string
	client   ble.Client

	once sync.Once
	err  error
}

func (l *link) Endpoints() ([]device.Endpoint, error) {
	p, err := l.client.DiscoverProfile(false)

	if err != nil {
		return nil, fmt.Errorf("cannot discover profile for device: %w", err)
	}

	var out []device.Endpoint

	for _, svc := range p.Services {
		for _, char := range svc.Characteristics {
			out = append(out, &endpoint{
				client:  l.client,
				service: svc.UUID,
				char:    char,
			})
		}
	}

	return out, nil
}

func (l *link) Disconnect() error {
	l.once.Do(func() {
		if l.client == nil {
			return
		}

		if err := l.client.ClearSubscriptions(); err != nil {
			log.Debug().Err(err).Str("Addr", l.addr).Msg("ble: failed to clear subscriptions")
		}

		l.err = l.client.CancelConnection()
		l.registry.release(l.addr, l)
	})

	return l.err
}

type endpoint struct {
	client  ble.Client
	service ble.UUID
	char    *ble.Characteristic
}

func (e *endpoint) ID() string {
	return e.service.String() + "/" + e.char.UUID.String()
}

func (e *endpoint) CanNotify() bool {
	return e.char.Property&(ble.CharNotify|ble.CharIndicate) != 0
}

func (e *endpoint) Subscribe(h func(payload []byte)) error {
	// prefer notifications, fall back to indications for endpoints that only support those.
	indicate := e.char.Property&ble.CharNotify == 0

	return e.client.Subscribe(e.char, indicate, h)
}
