package tracking

import (
	"sync"
	"time"

	"fleetwatch/internal/models"
)

// DefaultActivationDelay separates the initial fit from opening the live
// channel, so the first burst of updates doesn't fight the map animation.
const DefaultActivationDelay = 500 * time.Millisecond

type ReadinessState string

const (
	StateMapPending    ReadinessState = "MAP_PENDING"
	StateMapReady      ReadinessState = "MAP_READY"
	StateCentered      ReadinessState = "CENTERED"
	StateChannelActive ReadinessState = "CHANNEL_ACTIVE"
)

// Scheduler runs f after d and returns a func that cancels it. f must run
// on another goroutine, never inside the Scheduler call.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

func timerScheduler(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Sequencer walks MapPending -> MapReady -> Centered -> ChannelActive. The
// map is fitted once, on the first populated snapshot after the map is
// ready, and the live channel is activated a delay after that.
type Sequencer struct {
	delay      time.Duration
	schedule   Scheduler
	onFit      func(Bounds)
	onActivate func()

	mu        sync.Mutex
	state     ReadinessState
	mapReady  bool
	loaded    bool
	pending   []models.Location
	bounds    *Bounds
	stop      func() bool
	cancelled bool
}

// NewSequencer builds a sequencer. onFit receives the initial bounds and is
// skipped when the first snapshot has no valid location. A nil schedule
// uses real timers.
func NewSequencer(delay time.Duration, schedule Scheduler, onFit func(Bounds), onActivate func()) *Sequencer {
	if delay < 0 {
		delay = 0
	}
	if schedule == nil {
		schedule = timerScheduler
	}
	if onFit == nil {
		onFit = func(Bounds) {}
	}
	if onActivate == nil {
		onActivate = func() {}
	}
	return &Sequencer{
		delay:      delay,
		schedule:   schedule,
		onFit:      onFit,
		onActivate: onActivate,
		state:      StateMapPending,
	}
}

func (s *Sequencer) State() ReadinessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sequencer) IsActive() bool {
	return s.State() == StateChannelActive
}

// Bounds returns the bounds used for the initial fit, if any.
func (s *Sequencer) Bounds() (Bounds, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bounds == nil {
		return Bounds{}, false
	}
	return *s.bounds, true
}

// MapReady signals that the map can be drawn on. Repeated calls are no-ops.
func (s *Sequencer) MapReady() {
	s.mu.Lock()
	s.mapReady = true
	s.advance()
}

// SnapshotLoaded hands over the locations of a completed load. Only the
// latest one before centering matters.
func (s *Sequencer) SnapshotLoaded(locations []models.Location) {
	s.mu.Lock()
	if s.state == StateMapPending || s.state == StateMapReady {
		s.loaded = true
		s.pending = append(s.pending[:0], locations...)
	}
	s.advance()
}

// Cancel stops a pending activation. The state is left where it is.
func (s *Sequencer) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// advance must be called with mu held; it releases it.
func (s *Sequencer) advance() {
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	if s.state == StateMapPending && s.mapReady {
		s.state = StateMapReady
	}
	if s.state != StateMapReady || !s.loaded {
		s.mu.Unlock()
		return
	}

	b, fit := ComputeBounds(s.pending)
	if fit {
		s.bounds = &b
	}
	s.pending = nil
	s.state = StateCentered
	s.stop = s.schedule(s.delay, s.activate)
	s.mu.Unlock()

	if fit {
		s.onFit(b)
	}
}

func (s *Sequencer) activate() {
	s.mu.Lock()
	if s.cancelled || s.state != StateCentered {
		s.mu.Unlock()
		return
	}
	s.state = StateChannelActive
	s.stop = nil
	s.mu.Unlock()

	s.onActivate()
}
