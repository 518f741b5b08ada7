package async

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.keel.dev/core/replication"
)

// ServiceHooks are the derivation points of a Service.
type ServiceHooks struct {
	// OnServiceOpen performs the service's open work. It must eventually
	// call CompleteOpen. Defaults to immediate successful completion.
	OnServiceOpen func()
	// OnServiceClose performs the service's close work. It must eventually
	// call CompleteClose. Defaults to immediate successful completion.
	// Under deferred-close behavior it is invoked only once all service
	// activities have been released.
	OnServiceClose func()
}

// Service layers an open/close lifecycle over Context. A Service opens at
// most once; a failed open is sticky, with GetOpenStatus reporting the
// failure until Reuse. StartClose may be issued while an open is still in
// flight, in which case the close is deferred until the open resolves --
// and if the open then fails, the close callback observes the open's
// failure status. Open and close callbacks may race in that window.
//
// With SetDeferredCloseBehavior, API entry paths gate on
// TryAcquireServiceActivity, and OnServiceClose is deferred until every
// acquired service activity has been released. The pending-activity count,
// the deferred-close enable bit and the close-pending bit are packed into
// one word updated by bounded CAS loops, so that ScheduleOnServiceClose and
// ReleaseServiceActivity always observe a consistent pair when deciding
// which of them invokes OnServiceClose.
type Service struct {
	*Context
	hooks ServiceHooks

	// deferred packs PendingActivities(30b) | IsDeferredCloseEnabled(1b) |
	// IsClosePending(1b), low bit last.
	deferred uint32

	mu           sync.Mutex
	opening      bool
	openDone     bool
	openStatus   error
	closeStarted bool
	closeDone    bool
	openCb       func(err error)
	closeCb      func(err error)
	// openResolved is closed when CompleteOpen runs, releasing any close
	// which was issued while the open was still in flight.
	openResolved chan struct{}
}

const (
	deferredClosePendingBit = 1 << 0
	deferredEnabledBit      = 1 << 1
	deferredActivityUnit    = 1 << 2
	deferredActivityMax     = (1 << 30) - 1
)

// Spin counters of the packed-word CAS loops, for stress diagnosis.
var (
	TestTryAcquireServiceActivitySpins uint64
	TestScheduleOnServiceCloseSpins    uint64
	TestReleaseServiceActivitySpins    uint64
)

// NewService returns a Service in the NotOpen state.
func NewService(hooks ServiceHooks) *Service {
	var s = &Service{hooks: hooks}
	s.Context = NewContext(Hooks{})
	return s
}

// SetDeferredCloseBehavior enables deferred-close gating. It must be called
// before the service is opened.
func (s *Service) SetDeferredCloseBehavior() {
	for {
		var cur = atomic.LoadUint32(&s.deferred)
		if atomic.CompareAndSwapUint32(&s.deferred, cur, cur|deferredEnabledBit) {
			return
		}
	}
}

// IsDeferredCloseEnabled returns whether SetDeferredCloseBehavior was called.
func (s *Service) IsDeferredCloseEnabled() bool {
	return atomic.LoadUint32(&s.deferred)&deferredEnabledBit != 0
}

// StartOpen begins opening the service. It returns ErrSharingViolation if
// the service is already open or opening. |openCb| (optional) is invoked
// with the open status upon CompleteOpen.
func (s *Service) StartOpen(parent *Context, openCb func(err error)) error {
	s.mu.Lock()
	if s.opening || s.openDone {
		s.mu.Unlock()
		return replication.ErrSharingViolation
	}
	s.opening = true
	s.openCb = openCb
	s.openResolved = make(chan struct{})
	s.mu.Unlock()

	if err := s.Context.Start(parent, nil); err != nil {
		s.mu.Lock()
		s.opening = false
		s.mu.Unlock()
		return err
	}

	if s.hooks.OnServiceOpen != nil {
		s.hooks.OnServiceOpen()
	} else {
		s.CompleteOpen(nil)
	}
	return nil
}

// CompleteOpen resolves the in-flight open with |status|. The first call
// wins; later calls return false.
func (s *Service) CompleteOpen(status error) bool {
	s.mu.Lock()
	if !s.opening || s.openDone {
		s.mu.Unlock()
		return false
	}
	s.openDone = true
	s.openStatus = status
	var cb, resolved = s.openCb, s.openResolved
	s.openCb = nil
	s.mu.Unlock()

	close(resolved)
	if cb != nil {
		cb(status)
	}
	if status != nil {
		// A failed open completes the underlying context with the failure.
		s.Context.Complete(status, nil)
	}
	return true
}

// IsOpen returns whether the service opened successfully and has not begun
// closing.
func (s *Service) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openDone && s.openStatus == nil && !s.closeStarted
}

// OpenCompleted returns whether an open has resolved (either way).
func (s *Service) OpenCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openDone
}

// GetOpenStatus returns the sticky open status. It is meaningful only once
// OpenCompleted.
func (s *Service) GetOpenStatus() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openStatus
}

// StartClose begins closing the service. A close issued before the open
// has resolved is accepted, and held until it does. |closeCb| (optional)
// is invoked with the close status upon CompleteClose -- or with the open
// failure status, if the held open then fails.
func (s *Service) StartClose(closeCb func(err error)) error {
	s.mu.Lock()
	if !s.opening {
		s.mu.Unlock()
		return replication.ErrInvalidState
	}
	if s.closeStarted {
		s.mu.Unlock()
		return replication.ErrShutdownPending
	}
	s.closeStarted = true
	s.closeCb = closeCb
	var resolved, resolvedNow = s.openResolved, s.openDone
	s.mu.Unlock()

	if resolvedNow {
		s.beginClose()
		return nil
	}
	// Open is still in flight. Hold the close until it resolves.
	go func() {
		<-resolved

		if status := s.GetOpenStatus(); status != nil {
			// The open failed. Resolve the close with the open's failure.
			s.finishClose(status)
		} else {
			s.beginClose()
		}
	}()
	return nil
}

// beginClose invokes (or schedules, under deferred-close) OnServiceClose.
func (s *Service) beginClose() {
	if s.IsDeferredCloseEnabled() {
		s.scheduleOnServiceClose()
		return
	}
	if s.hooks.OnServiceClose != nil {
		s.hooks.OnServiceClose()
	} else {
		s.CompleteClose(nil)
	}
}

// CompleteClose resolves the in-flight close with |status|. The first call
// wins; later calls return false.
func (s *Service) CompleteClose(status error) bool {
	s.mu.Lock()
	if !s.closeStarted || s.closeDone {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	s.finishClose(status)
	return true
}

func (s *Service) finishClose(status error) {
	s.mu.Lock()
	if s.closeDone {
		s.mu.Unlock()
		return
	}
	s.closeDone = true
	var cb = s.closeCb
	s.closeCb = nil
	s.mu.Unlock()

	if cb != nil {
		cb(status)
	}
	s.Context.Complete(status, nil)
}

// TryAcquireServiceActivity acquires one service activity iff the service
// is open, deferred-close is enabled, and no close is pending. A matching
// ReleaseServiceActivity must follow every successful acquisition.
func (s *Service) TryAcquireServiceActivity() bool {
	if !s.IsDeferredCloseEnabled() {
		log.Panic("TryAcquireServiceActivity without SetDeferredCloseBehavior")
	}
	if !s.IsOpen() {
		return false
	}
	for {
		var cur = atomic.LoadUint32(&s.deferred)
		if cur&deferredClosePendingBit != 0 {
			return false
		}
		if cur>>2 == deferredActivityMax {
			log.Panic("service activity count overflow")
		}
		if atomic.CompareAndSwapUint32(&s.deferred, cur, cur+deferredActivityUnit) {
			return true
		}
		atomic.AddUint64(&TestTryAcquireServiceActivitySpins, 1)
	}
}

// ReleaseServiceActivity releases one service activity. The release which
// drains the count while a close is pending invokes OnServiceClose.
func (s *Service) ReleaseServiceActivity() {
	if !s.IsDeferredCloseEnabled() {
		log.Panic("ReleaseServiceActivity without SetDeferredCloseBehavior")
	}
	for {
		var cur = atomic.LoadUint32(&s.deferred)
		if cur>>2 == 0 {
			log.Panic("service activity count underflow")
		}
		var next = cur - deferredActivityUnit
		if atomic.CompareAndSwapUint32(&s.deferred, cur, next) {
			if next>>2 == 0 && next&deferredClosePendingBit != 0 {
				s.invokeOnServiceClose()
			}
			return
		}
		atomic.AddUint64(&TestReleaseServiceActivitySpins, 1)
	}
}

// scheduleOnServiceClose atomically marks the close as pending. If no
// service activities are held it invokes OnServiceClose directly; else the
// final ReleaseServiceActivity does.
func (s *Service) scheduleOnServiceClose() {
	for {
		var cur = atomic.LoadUint32(&s.deferred)
		if cur&deferredClosePendingBit != 0 {
			return // Already scheduled.
		}
		if atomic.CompareAndSwapUint32(&s.deferred, cur, cur|deferredClosePendingBit) {
			if cur>>2 == 0 {
				s.invokeOnServiceClose()
			}
			return
		}
		atomic.AddUint64(&TestScheduleOnServiceCloseSpins, 1)
	}
}

func (s *Service) invokeOnServiceClose() {
	if s.hooks.OnServiceClose != nil {
		s.hooks.OnServiceClose()
	} else {
		s.CompleteClose(nil)
	}
}
