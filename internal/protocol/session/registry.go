package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/simctl/internal/observability"
)

// NoTimeout makes Wait block until a match, context end, or session end.
const NoTimeout time.Duration = -1

var (
	ErrWaitTimeout  = errors.New("session: wait timed out")
	ErrUnsubscribed = errors.New("session: subscription cancelled")
)

// Predicate selects the console notifications a subscription receives.
type Predicate func(text string) bool

// Contains matches notifications whose text contains substr.
func Contains(substr string) Predicate {
	return func(text string) bool {
		return strings.Contains(text, substr)
	}
}

// Any matches every notification.
func Any() Predicate {
	return func(string) bool { return true }
}

// Subscription receives the notifications its predicate matches from the
// moment it was registered. Matches queue until taken by Wait.
type Subscription struct {
	id   uint64
	pred Predicate
	reg  *Registry

	mu     sync.Mutex
	queue  []string
	err    error
	signal chan struct{}
}

func (s *Subscription) ID() uint64 {
	return s.id
}

// Pending reports how many matched notifications are queued.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Wait returns the next matched notification text. A zero timeout checks
// the queue once; NoTimeout waits without a deadline.
func (s *Subscription) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		text, ok, err := s.take()
		if ok {
			return text, nil
		}
		if err != nil {
			return "", err
		}
		if timeout == 0 {
			return "", ErrWaitTimeout
		}
		select {
		case <-s.signal:
		case <-expired:
			if text, ok, _ := s.take(); ok {
				return text, nil
			}
			return "", ErrWaitTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Unsubscribe removes the subscription. Queued matches are discarded and
// later waits fail with ErrUnsubscribed. Calling it twice is harmless.
func (s *Subscription) Unsubscribe() {
	if s.reg != nil {
		s.reg.remove(s.id)
	}
	s.fail(ErrUnsubscribed)
}

func (s *Subscription) take() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		text := s.queue[0]
		s.queue[0] = ""
		s.queue = s.queue[1:]
		return text, true, nil
	}
	return "", false, s.err
}

func (s *Subscription) deliver(text string) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, text)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
		if errors.Is(err, ErrUnsubscribed) {
			s.queue = nil
		}
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Registry holds the live subscriptions of one session. Callers register and
// remove entries while the receive loop iterates them.
type Registry struct {
	mu     sync.RWMutex
	items  map[uint64]*Subscription
	nextID uint64
	closed error
}

func NewRegistry() *Registry {
	return &Registry{
		items: make(map[uint64]*Subscription),
	}
}

// Subscribe registers pred. On a closed registry the subscription is born
// failed with the registry's terminal error.
func (r *Registry) Subscribe(pred Predicate) *Subscription {
	if pred == nil {
		pred = Any()
	}
	sub := &Subscription{
		pred:   pred,
		reg:    r,
		signal: make(chan struct{}, 1),
	}
	r.mu.Lock()
	r.nextID++
	sub.id = r.nextID
	if r.closed != nil {
		sub.err = r.closed
		r.mu.Unlock()
		return sub
	}
	r.items[sub.id] = sub
	r.mu.Unlock()
	observability.AddSubscriptions(1)
	return sub
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	_, ok := r.items[id]
	delete(r.items, id)
	r.mu.Unlock()
	if ok {
		observability.AddSubscriptions(-1)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Notify hands text to every matching subscription and returns how many
// matched. Unmatched text is dropped.
func (r *Registry) Notify(text string) int {
	r.mu.RLock()
	matched := make([]*Subscription, 0, len(r.items))
	for _, sub := range r.items {
		if sub.pred(text) {
			matched = append(matched, sub)
		}
	}
	r.mu.RUnlock()
	for _, sub := range matched {
		sub.deliver(text)
	}
	observability.RecordNotification(len(matched) > 0)
	return len(matched)
}

// Close fails every subscription with err and refuses new ones.
func (r *Registry) Close(err error) {
	r.mu.Lock()
	if r.closed != nil {
		r.mu.Unlock()
		return
	}
	r.closed = err
	subs := make([]*Subscription, 0, len(r.items))
	for id, sub := range r.items {
		subs = append(subs, sub)
		delete(r.items, id)
	}
	r.mu.Unlock()
	observability.AddSubscriptions(-len(subs))
	for _, sub := range subs {
		sub.fail(err)
	}
}
