package collector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fatih/stopwatch"
	"github.com/robertof/go-scale-monitor/device"
	"github.com/robertof/go-scale-monitor/device/broadcast"
	"github.com/rs/zerolog/log"
)

var (
	ErrPermissionDenied   = errors.New("permission denied")
	ErrAdapterUnavailable = errors.New("bluetooth adapter unavailable")
	ErrTimeout            = errors.New("timed out")
	ErrConnection         = errors.New("connection error")
	ErrCancelled          = errors.New("cancelled")
	ErrLinkBusy           = errors.New("device already has an open link")
)

const DefaultEventBuffer = 64

// Radio is the discovery side of the Bluetooth transport.
type Radio interface {
	// RequestPermissions fails if the runtime declines the capabilities needed to scan.
	RequestPermissions(ctx context.Context) error
	AdapterState(ctx context.Context) (device.AdapterState, error)
	// Scan delivers discovery events to h until ctx is done. Cancelling ctx stops the scan.
	Scan(ctx context.Context, allowDuplicates bool, h func(device.Discovered)) error
}

// Linker is the connection side of the Bluetooth transport.
type Linker interface {
	Connect(ctx context.Context, addr string) (device.Link, error)
}

type State uint8

const (
	StateIdle State = iota
	StateAwaitingPermission
	StateAwaitingAdapterReady
	StateScanning
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingPermission:
		return "AwaitingPermission"
	case StateAwaitingAdapterReady:
		return "AwaitingAdapterReady"
	case StateScanning:
		return "Scanning"
	case StateResolved:
		return "Resolved"
	default:
		panic("unknown State value: " + strconv.Itoa(int(s)))
	}
}

type Resolution uint8

const (
	ResolutionPending Resolution = iota
	ResolutionSuccess
	ResolutionTimeout
	ResolutionCancelled
	ResolutionFailed
)

func (r Resolution) String() string {
	switch r {
	case ResolutionPending:
		return "pending"
	case ResolutionSuccess:
		return "success"
	case ResolutionTimeout:
		return "timeout"
	case ResolutionCancelled:
		return "cancelled"
	case ResolutionFailed:
		return "failed"
	default:
		panic("unknown Resolution value: " + strconv.Itoa(int(r)))
	}
}

type Mode uint8

const (
	ModeEnumerate Mode = iota
	ModeMonitor
	ModeConnectedRead
)

func (m Mode) String() string {
	switch m {
	case ModeEnumerate:
		return "enumerate"
	case ModeMonitor:
		return "monitor"
	case ModeConnectedRead:
		return "connected-read"
	default:
		panic("unknown Mode value: " + strconv.Itoa(int(m)))
	}
}

// SessionInfo is a snapshot of a session, safe to hand out once the session is resolved.
type SessionInfo struct {
	Mode          Mode
	State         State
	Resolution    Resolution
	Deadline      time.Time
	DevicesSeen   int
	ReadingsCount int
	Elapsed       time.Duration
	Err           error
}

// session is owned by the goroutine running it and never shared.
type session struct {
	mode       Mode
	state      State
	resolution Resolution
	deadline   time.Time

	seen          map[string]struct{}
	best          *device.Reading
	bestSource    device.Discovered
	bestFamily    string
	readingsCount int

	timer *stopwatch.Stopwatch
}

func newSession(mode Mode, d time.Duration) *session {
	return &session{
		mode:     mode,
		state:    StateIdle,
		deadline: time.Now().Add(d),
		seen:     make(map[string]struct{}),
		timer:    stopwatch.Start(0),
	}
}

func (s *session) transition(to State) {
	log.Debug().
		Stringer("Mode", s.mode).
		Stringer("From", s.state).
		Stringer("To", to).
		Msg("collector: session state change")

	s.state = to
}

func (s *session) resolve(r Resolution, err error) error {
	s.timer.Stop()
	s.transition(StateResolved)
	s.resolution = r

	return err
}

// resolveWith maps a terminal error onto the matching resolution.
func (s *session) resolveWith(err error) error {
	switch {
	case err == nil:
		return s.resolve(ResolutionSuccess, nil)
	case errors.Is(err, ErrCancelled):
		return s.resolve(ResolutionCancelled, err)
	case errors.Is(err, ErrTimeout):
		return s.resolve(ResolutionTimeout, err)
	default:
		return s.resolve(ResolutionFailed, err)
	}
}

// deadlineOutcome is the terminal error of a session whose deadline elapsed. Enumerations simply
// end; a monitor succeeds only if it captured a reading.
func (s *session) deadlineOutcome() error {
	if s.mode == ModeEnumerate || s.best != nil {
		return nil
	}

	return ErrTimeout
}

func (s *session) info(err error) SessionInfo {
	return SessionInfo{
		Mode:          s.mode,
		State:         s.state,
		Resolution:    s.resolution,
		Deadline:      s.deadline,
		DevicesSeen:   len(s.seen),
		ReadingsCount: s.readingsCount,
		Elapsed:       s.timer.ElapsedTime(),
		Err:           err,
	}
}

type activeScan struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs scan sessions and connected reads over an explicitly owned transport. Only one
// scan is active at a time: a new session stops the running scan before starting its own.
type Manager struct {
	radio       Radio
	linker      Linker
	families    device.Families
	eventBuffer int

	scanMu     sync.Mutex
	activeScan *activeScan

	linksMu sync.Mutex
	links   map[string]struct{}

	lastMu sync.Mutex
	last   SessionInfo
}

type Option func(*Manager)

func WithLinker(l Linker) Option {
	return func(m *Manager) {
		m.linker = l
	}
}

func WithFamilies(fs ...device.Family) Option {
	return func(m *Manager) {
		m.families = fs
	}
}

func WithEventBuffer(n int) Option {
	return func(m *Manager) {
		m.eventBuffer = n
	}
}

// NewManager creates a manager for radio. If radio is also a Linker it is used for connected
// reads unless WithLinker says otherwise.
func NewManager(radio Radio, options ...Option) *Manager {
	m := &Manager{
		radio:       radio,
		eventBuffer: DefaultEventBuffer,
		links:       make(map[string]struct{}),
	}

	if l, ok := radio.(Linker); ok {
		m.linker = l
	}

	for _, option := range options {
		option(m)
	}

	if len(m.families) == 0 {
		m.families = device.Families{broadcast.Default()}
	}

	if m.eventBuffer < 0 {
		m.eventBuffer = 0
	}

	return m
}

func (m *Manager) Families() device.Families {
	return m.families
}

// LastSession returns a snapshot of the most recently resolved session.
func (m *Manager) LastSession() SessionInfo {
	m.lastMu.Lock()
	defer m.lastMu.Unlock()

	return m.last
}

func (m *Manager) record(s *session, err error) {
	info := s.info(err)

	sessionsCounter.WithLabelValues(s.mode.String(), s.resolution.String()).Inc()
	sessionDurationHistogram.WithLabelValues(s.mode.String()).Observe(info.Elapsed.Seconds())

	log.Debug().
		Stringer("Mode", s.mode).
		Stringer("Resolution", s.resolution).
		Int("DevicesSeen", info.DevicesSeen).
		Int("Readings", info.ReadingsCount).
		Dur("Elapsed", info.Elapsed).
		Err(err).
		Msg("collector: session resolved")

	m.lastMu.Lock()
	defer m.lastMu.Unlock()

	m.last = info
}

// acquireScan stops the running scan (if any), waits for it to return and hands the radio over
// to the caller. The caller stops its scan with stop and must call release once its scan has
// returned; only then may the next session start scanning.
func (m *Manager) acquireScan(ctx context.Context) (scanCtx context.Context, stop context.CancelFunc, release func(), err error) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	if prev := m.activeScan; prev != nil {
		log.Debug().Msg("collector: stopping active scan before starting a new one")

		prev.cancel()

		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, nil, nil, ctx.Err()
		}
	}

	scanCtx, cancel := context.WithCancel(ctx)
	current := &activeScan{cancel: cancel, done: make(chan struct{})}
	m.activeScan = current

	var once sync.Once

	release = func() {
		once.Do(func() {
			cancel()
			// a newer session may be waiting on done while holding scanMu.
			close(current.done)

			m.scanMu.Lock()
			defer m.scanMu.Unlock()

			if m.activeScan == current {
				m.activeScan = nil
			}
		})
	}

	return scanCtx, cancel, release, nil
}

// eventHandler processes a single discovery event synchronously. Returning false stops the session.
type eventHandler func(s *session, d device.Discovered) bool

// run drives a scan session through its states until the deadline, an error, or cancellation.
func (m *Manager) run(parentCtx context.Context, mode Mode, d time.Duration, handle eventHandler) (s *session, err error) {
	s = newSession(mode, d)

	defer func() {
		m.record(s, err)
	}()

	ctx, cancel := context.WithDeadline(parentCtx, s.deadline)
	defer cancel()

	// interrupted reports whether the session was cancelled or ran past its deadline.
	interrupted := func() (bool, error) {
		if parentCtx.Err() != nil {
			return true, fmt.Errorf("%w: %w", ErrCancelled, parentCtx.Err())
		}

		if ctx.Err() != nil {
			return true, s.deadlineOutcome()
		}

		return false, nil
	}

	s.transition(StateAwaitingPermission)

	if err := m.radio.RequestPermissions(ctx); err != nil {
		if ok, ierr := interrupted(); ok {
			return s, s.resolveWith(ierr)
		}

		return s, s.resolveWith(fmt.Errorf("%w: %w", ErrPermissionDenied, err))
	}

	if ok, ierr := interrupted(); ok {
		return s, s.resolveWith(ierr)
	}

	s.transition(StateAwaitingAdapterReady)

	state, err := m.radio.AdapterState(ctx)

	if ok, ierr := interrupted(); ok {
		return s, s.resolveWith(ierr)
	}

	if err != nil {
		return s, s.resolveWith(fmt.Errorf("%w: %w", ErrAdapterUnavailable, err))
	}

	if state != device.AdapterStatePoweredOn {
		return s, s.resolveWith(fmt.Errorf("%w: adapter is %v", ErrAdapterUnavailable, state))
	}

	scanCtx, stop, release, err := m.acquireScan(ctx)

	if err != nil {
		_, ierr := interrupted()
		return s, s.resolveWith(ierr)
	}

	s.transition(StateScanning)

	events := make(chan device.Discovered, m.eventBuffer)
	scanDone := make(chan error, 1)

	go func() {
		// enumeration only cares about the first advertisement of every device, monitoring needs
		// every one since the payload changes while the scale settles.
		scanDone <- m.radio.Scan(scanCtx, mode == ModeMonitor, func(d device.Discovered) {
			select {
			case events <- d:
			case <-scanCtx.Done():
			}
		})
	}()

	var scanErr error
	scanReturned := false

	// stopScan cancels the scan and waits for it to return before handing the slot over.
	stopScan := func() {
		stop()

		if !scanReturned {
			scanErr = <-scanDone
			scanReturned = true
		}

		release()
	}

	// the scan is always stopped before the session is resolved.
	defer stopScan()

	// flush handles the events queued before the scan stopped. Only valid once stopScan returned.
	flush := func() bool {
		for {
			select {
			case ev := <-events:
				if !handle(s, ev) {
					return false
				}
			default:
				return true
			}
		}
	}

	for {
		select {
		case ev := <-events:
			if !handle(s, ev) {
				stopScan()
				return s, s.resolveWith(ErrCancelled)
			}

		case scanErr = <-scanDone:
			scanReturned = true
			preempted := scanCtx.Err() != nil && ctx.Err() == nil
			stopScan()

			switch {
			case parentCtx.Err() != nil:
				_, ierr := interrupted()
				return s, s.resolveWith(ierr)
			case preempted:
				return s, s.resolveWith(fmt.Errorf("%w: scan was handed over to a newer session", ErrCancelled))
			case scanErr != nil && ctx.Err() == nil:
				return s, s.resolveWith(fmt.Errorf("scan failed: %w", scanErr))
			}

			// the event source ended on its own, same as reaching the deadline.
			if !flush() {
				return s, s.resolveWith(ErrCancelled)
			}

			return s, s.resolveWith(s.deadlineOutcome())

		case <-ctx.Done():
			stopScan()

			if parentCtx.Err() != nil {
				_, ierr := interrupted()
				return s, s.resolveWith(ierr)
			}

			if !flush() {
				return s, s.resolveWith(ErrCancelled)
			}

			return s, s.resolveWith(s.deadlineOutcome())
		}
	}
}
