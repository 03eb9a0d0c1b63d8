package mesh

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// HookPosQueuePush marks when an element is accepted by the queue.
var HookPosQueuePush = &HookPos{Name: "Queue Push"}

// HookPosQueuePop marks when an element is taken from the queue.
var HookPosQueuePop = &HookPos{Name: "Queue Pop"}

// HookPosQueueDrop marks when an element is discarded by the overflow policy.
var HookPosQueueDrop = &HookPos{Name: "Queue Drop"}

// ErrQueueFull reports that an offer could not be accepted before the
// blocking timeout elapsed. The queue is left unmodified.
var ErrQueueFull = errors.New("queue full")

// ErrQueueClosed reports an offer against a closed queue.
var ErrQueueClosed = errors.New("queue closed")

// An OverflowPolicy governs what happens when a full queue is offered
// another element.
type OverflowPolicy int

const (
	// PolicyBlock suspends the offering caller until space is available or
	// the configured timeout elapses.
	PolicyBlock OverflowPolicy = iota

	// PolicyDropNewest discards the incoming element and keeps the queue
	// unmodified. The offer still reports success.
	PolicyDropNewest

	// PolicyDropOldest evicts the head of the queue to make room, keeping a
	// sliding window of the most recent elements.
	PolicyDropOldest
)

var policyNames = map[OverflowPolicy]string{
	PolicyBlock:      "BLOCK",
	PolicyDropNewest: "DROP_NEWEST",
	PolicyDropOldest: "DROP_OLDEST",
}

// String returns the canonical name of the policy.
func (p OverflowPolicy) String() string {
	name, ok := policyNames[p]
	if !ok {
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}

	return name
}

// ParseOverflowPolicy matches a policy name against the known policies.
// Case is folded and `-` and ` ` separators are normalized to `_` before
// matching, so "drop-oldest" and "Drop Oldest" both parse.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.ReplaceAll(normalized, " ", "_")

	for policy, name := range policyNames {
		if name == normalized {
			return policy, nil
		}
	}

	return 0, fmt.Errorf(
		"unknown overflow policy %q, expect BLOCK, DROP_NEWEST, or DROP_OLDEST",
		s)
}

// A QueueConfig is the behavior contract of a bounded queue.
type QueueConfig struct {
	Capacity     int
	Policy       OverflowPolicy
	OfferTimeout time.Duration // consulted only under PolicyBlock
}

// Validate checks the config at construction time.
func (c QueueConfig) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d",
			c.Capacity)
	}

	if _, ok := policyNames[c.Policy]; !ok {
		return fmt.Errorf("unknown overflow policy %d", int(c.Policy))
	}

	if c.OfferTimeout < 0 {
		return fmt.Errorf("offer timeout must be non-negative, got %v",
			c.OfferTimeout)
	}

	return nil
}

// A Queue is a bounded FIFO queue shared between one producing and one
// consuming task. It provides its own synchronization and applies the
// configured overflow policy when full. Elements that are retained stay in
// strict arrival order relative to each other.
type Queue[T any] struct {
	HookableBase

	name string
	cfg  QueueConfig

	items chan T
	done  chan struct{}

	closeOnce sync.Once
	evictLock sync.Mutex
	dropped   atomic.Uint64
}

// NewQueue creates a queue with the given config. Misconfiguration is
// rejected here so that a constructed queue can never violate its contract.
func NewQueue[T any](name string, cfg QueueConfig) (*Queue[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("queue %s: %w", name, err)
	}

	return &Queue[T]{
		name:  name,
		cfg:   cfg,
		items: make(chan T, cfg.Capacity),
		done:  make(chan struct{}),
	}, nil
}

// Name returns the name of the queue.
func (q *Queue[T]) Name() string {
	return q.name
}

// Capacity returns the fixed capacity of the queue.
func (q *Queue[T]) Capacity() int {
	return q.cfg.Capacity
}

// Size returns the current occupancy of the queue.
func (q *Queue[T]) Size() int {
	return len(q.items)
}

// Dropped returns the number of elements discarded by the overflow policy
// since construction.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Offer appends an element at the tail, applying the overflow policy when
// the queue is full. Under PolicyBlock the call suspends for at most the
// configured timeout and then fails with ErrQueueFull, leaving the queue
// unmodified. Under the drop policies Offer never blocks and never fails
// while the queue is open.
func (q *Queue[T]) Offer(e T) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	switch q.cfg.Policy {
	case PolicyDropNewest:
		return q.offerDropNewest(e)
	case PolicyDropOldest:
		return q.offerDropOldest(e)
	default:
		return q.offerBlock(e)
	}
}

func (q *Queue[T]) offerDropNewest(e T) error {
	select {
	case q.items <- e:
		q.invokeHook(HookPosQueuePush, e)
	default:
		q.dropped.Add(1)
		q.invokeHook(HookPosQueueDrop, e)
	}

	return nil
}

func (q *Queue[T]) offerDropOldest(e T) error {
	// The lock serializes evictions so that concurrent offers cannot evict
	// more than necessary. The consumer only ever removes elements, so the
	// push below must eventually succeed.
	q.evictLock.Lock()
	defer q.evictLock.Unlock()

	for {
		select {
		case q.items <- e:
			q.invokeHook(HookPosQueuePush, e)
			return nil
		default:
		}

		select {
		case old := <-q.items:
			q.dropped.Add(1)
			q.invokeHook(HookPosQueueDrop, old)
		default:
		}
	}
}

func (q *Queue[T]) offerBlock(e T) error {
	select {
	case q.items <- e:
		q.invokeHook(HookPosQueuePush, e)
		return nil
	default:
	}

	if q.cfg.OfferTimeout == 0 {
		return fmt.Errorf("%w: %s", ErrQueueFull, q.name)
	}

	timer := time.NewTimer(q.cfg.OfferTimeout)
	defer timer.Stop()

	select {
	case q.items <- e:
		q.invokeHook(HookPosQueuePush, e)
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrQueueFull, q.name)
	case <-q.done:
		return ErrQueueClosed
	}
}

// Take removes and returns the head of the queue, suspending the caller
// while the queue is empty. It reports false once the queue is closed.
func (q *Queue[T]) Take() (T, bool) {
	var zero T

	select {
	case <-q.done:
		return zero, false
	default:
	}

	select {
	case e := <-q.items:
		q.invokeHook(HookPosQueuePop, e)
		return e, true
	case <-q.done:
		return zero, false
	}
}

// Poll removes and returns the head of the queue without blocking. It
// reports false when the queue is empty or closed.
func (q *Queue[T]) Poll() (T, bool) {
	var zero T

	select {
	case e := <-q.items:
		q.invokeHook(HookPosQueuePop, e)
		return e, true
	default:
		return zero, false
	}
}

// Close marks the queue terminal, unblocking any suspended Offer or Take.
// Closing is idempotent.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

func (q *Queue[T]) invokeHook(pos *HookPos, item interface{}) {
	if q.NumHooks() == 0 {
		return
	}

	q.InvokeHook(HookCtx{
		Domain: q,
		Pos:    pos,
		Item:   item,
	})
}
