package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robertof/go-scale-monitor/collector/model"
	"github.com/rs/zerolog/log"
)

// Recurring runs a monitor session every interval and keeps the latest captured reading.
type Recurring struct {
	// If no call to Latest() has been executed for more than IdleTimeout, the collector
	// suspends and resumes automatically when Latest() is called again.
	IdleTimeout time.Duration

	// OnSuspend, if set, is called every time the collector suspends.
	OnSuspend func()

	manager *Manager
	window  time.Duration

	result         model.Result
	collectionTime time.Time
	lastRead       time.Time

	mu sync.Mutex

	// collector has been Start()ed
	started bool

	// collector is currently suspended due to inactivity
	suspended atomic.Bool

	wake chan struct{}
	// closed once the collection in progress (or the next one, while suspended) finishes.
	finished chan struct{}
	done     chan struct{}
}

// NewRecurring creates a collector running monitor sessions of length window on m.
func NewRecurring(m *Manager, window time.Duration) *Recurring {
	return &Recurring{
		manager:  m,
		window:   window,
		lastRead: time.Now(),
		wake:     make(chan struct{}, 1),
		finished: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Recurring) Update(r model.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !r.Ok() {
		panic("attempted to store a failed result")
	}

	s.result = r
	s.collectionTime = time.Now()
}

// wakeUpIfNeeded wakes a suspended collector and returns a channel closed when the pending
// collection finishes, or nil if there is nothing worth waiting for.
func (s *Recurring) wakeUpIfNeeded() <-chan struct{} {
	s.mu.Lock()
	finished := s.finished
	initialised := !s.collectionTime.IsZero()
	s.mu.Unlock()

	if s.suspended.Load() {
		select {
		case s.wake <- struct{}{}:
		default:
		}

		return finished
	}

	if !initialised {
		return finished
	}

	return nil
}

func (s *Recurring) get() (model.Result, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRead = time.Now()

	if s.collectionTime.IsZero() {
		return model.Result{}, time.Time{}, false
	}

	return s.result, s.collectionTime, true
}

// Latest retrieves the latest captured reading. Wakes up the collector if asleep, but doesn't
// wait for the new result. ok is false until the first successful collection.
func (s *Recurring) Latest() (model.Result, time.Time, bool) {
	s.wakeUpIfNeeded()

	return s.get()
}

// WaitLatest is Latest, but if the collector was asleep (or has not collected anything yet) it
// waits for the collection to finish, or for ctx to be done.
func (s *Recurring) WaitLatest(ctx context.Context) (model.Result, time.Time, bool) {
	if finished := s.wakeUpIfNeeded(); finished != nil {
		select {
		case <-ctx.Done():
		case <-s.done:
		case <-finished:
		}
	}

	return s.get()
}

func (s *Recurring) shouldSuspend() (suspend bool, elapsed time.Duration) {
	if s.IdleTimeout <= 0 {
		return false, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed = time.Since(s.lastRead)

	return elapsed > s.IdleTimeout, elapsed
}

func (s *Recurring) finishCollection() {
	s.mu.Lock()
	defer s.mu.Unlock()

	close(s.finished)
	s.finished = make(chan struct{})
}

func (s *Recurring) shutdown() {
	log.Info().Msg("Recurring collector is shutting down")

	close(s.done)
}

func (s *Recurring) collect(ctx context.Context) {
	defer s.finishCollection()

	res := s.manager.Monitor(ctx, s.window)

	if !res.Ok() {
		log.Warn().
			Err(res.Error).
			Dur("Window", s.window).
			Msg("Collection failed, keeping the previous reading")
		return
	}

	log.Debug().
		Stringer("Result", res).
		Msg("Successfully collected weight")

	s.Update(res)
}

// Start collects immediately and then every interval until ctx is done.
func (s *Recurring) Start(ctx context.Context, interval time.Duration) {
	if s.started {
		panic("attempted to call collector.Recurring.Start() twice")
	}

	s.started = true

	log.Info().
		Dur("Interval", interval).
		Dur("Window", s.window).
		Dur("IdleTimeout", s.IdleTimeout).
		Msg("Starting recurring collector")

	defer s.shutdown()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// check if no data has been read for too long and suspend if so.
		if suspend, elapsed := s.shouldSuspend(); suspend {
			// drop a stale wake up sent while we were still collecting.
			select {
			case <-s.wake:
			default:
			}

			log.Warn().
				Dur("IdleTimeout", s.IdleTimeout).
				Dur("TimeSinceLastRead", elapsed).
				Msg("Suspending recurring collector due to inactivity. If you see this message often, " +
					"you probably need to adjust the collection interval with '-interval'.")

			if s.OnSuspend != nil {
				s.OnSuspend()
			}

			s.suspended.Store(true)

			select {
			case <-ctx.Done():
				s.suspended.Store(false)
				return
			case <-s.wake:
			}

			s.suspended.Store(false)

			log.Trace().Msg("Collector woke up from sleep - starting immediate collection")
		} else {
			log.Trace().Dur("Interval", interval).Msg("Recurring collector tick: collecting...")
		}

		s.collect(ctx)

		timer.Reset(interval)
	}
}
