package change

import (
	"sync"

	"go.uber.org/zap"
)

// Observer receives callbacks from a Stream. All three fields are optional;
// a nil callback is simply not invoked.
type Observer struct {
	OnNext     func(Event)
	OnComplete func()
	OnError    func(error)
}

// Subscription is returned by Subscribe and lets the caller detach.
type Subscription struct {
	unsubscribe func()
	once        sync.Once
}

// Unsubscribe is idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.unsubscribe)
}

// Stream is a multicast subject: a plain observer list guarded by
// a mutex, not a buffered channel. Subscribers never get replay.
type Stream struct {
	mu        sync.Mutex
	observers map[int]*Observer
	nextID    int
	done      bool
	doneErr   error
	logger    *zap.Logger
}

// NewStream creates an empty, live Stream.
func NewStream(logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		observers: make(map[int]*Observer),
		logger:    logger,
	}
}

// Subscribe registers obs to receive subsequent events. If the stream has
// already completed or errored, obs is notified immediately and the
// returned Subscription is already inert; post-teardown subscriptions
// get an immediate complete with no events.
func (s *Stream) Subscribe(obs *Observer) *Subscription {
	s.mu.Lock()
	if s.done {
		err := s.doneErr
		s.mu.Unlock()
		s.notifyTerminal(obs, err)
		return &Subscription{unsubscribe: func() {}}
	}

	id := s.nextID
	s.nextID++
	s.observers[id] = obs
	s.mu.Unlock()

	return &Subscription{unsubscribe: func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}}
}

// Next synchronously fans an event out to every currently subscribed
// observer, in registration order. A panicking observer is isolated:
// recovered, logged, and does not stop delivery to the rest.
func (s *Stream) Next(evt Event) {
	for _, obs := range s.snapshot() {
		s.deliver(obs, evt)
	}
}

func (s *Stream) deliver(obs *Observer, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("observer panicked handling change event", zap.Any("recover", r))
		}
	}()
	if obs.OnNext != nil {
		obs.OnNext(evt)
	}
}

// Complete terminates the stream. Subsequent Next calls are a no-op; all
// current observers are notified once.
func (s *Stream) Complete() {
	s.terminate(nil)
}

// Error terminates the stream with err, analogous to Complete.
func (s *Stream) Error(err error) {
	s.terminate(err)
}

func (s *Stream) terminate(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.doneErr = err
	observers := s.snapshotLocked()
	s.observers = make(map[int]*Observer)
	s.mu.Unlock()

	for _, obs := range observers {
		s.notifyTerminal(obs, err)
	}
}

// notifyTerminal isolates a panicking terminal callback the same way
// deliver does for OnNext.
func (s *Stream) notifyTerminal(obs *Observer, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("observer panicked handling stream termination", zap.Any("recover", r))
		}
	}()
	if err != nil {
		if obs.OnError != nil {
			obs.OnError(err)
		}
		return
	}
	if obs.OnComplete != nil {
		obs.OnComplete()
	}
}

func (s *Stream) snapshot() []*Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Stream) snapshotLocked() []*Observer {
	out := make([]*Observer, 0, len(s.observers))
	for id := 0; id < s.nextID; id++ {
		if obs, ok := s.observers[id]; ok {
			out = append(out, obs)
		}
	}
	return out
}
