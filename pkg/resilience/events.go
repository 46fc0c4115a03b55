package resilience

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fusebox-dev/fusebox/pkg/logging"
)

// StateChangeEvent describes one circuit breaker transition. Events are
// observational: consumers see transitions but never influence them.
type StateChangeEvent struct {
	ID         string    `json:"id"`
	Dependency string    `json:"dependency"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// dispatchBuffer sizes the dispatcher's inbound queue
const dispatchBuffer = 256

// eventDispatcher fans state change events out to subscribers. Publishing
// never blocks: when the inbound queue or a subscriber channel is full the
// event is dropped and counted.
type eventDispatcher struct {
	logger        *logging.Logger
	defaultBuffer int

	events chan StateChangeEvent
	stop   chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	subs   map[uint64]chan StateChangeEvent
	nextID uint64
	closed bool

	dropped int64
}

func newEventDispatcher(defaultBuffer int, logger *logging.Logger) *eventDispatcher {
	d := &eventDispatcher{
		logger:        logger,
		defaultBuffer: defaultBuffer,
		events:        make(chan StateChangeEvent, dispatchBuffer),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		subs:          make(map[uint64]chan StateChangeEvent),
	}
	go d.run()
	return d
}

func (d *eventDispatcher) run() {
	defer close(d.done)
	for {
		select {
		case ev := <-d.events:
			d.fanOut(ev)
		case <-d.stop:
			for {
				select {
				case ev := <-d.events:
					d.fanOut(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *eventDispatcher) fanOut(ev StateChangeEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			atomic.AddInt64(&d.dropped, 1)
		}
	}
}

// publish enqueues an event without blocking the caller
func (d *eventDispatcher) publish(ev StateChangeEvent) {
	select {
	case d.events <- ev:
	default:
		atomic.AddInt64(&d.dropped, 1)
	}
}

// subscribe registers a consumer channel of the given buffer size and
// returns it with a cancel function. Cancel is idempotent and closes
// the channel.
func (d *eventDispatcher) subscribe(buffer int) (<-chan StateChangeEvent, func()) {
	if buffer <= 0 {
		buffer = d.defaultBuffer
	}
	ch := make(chan StateChangeEvent, buffer)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := d.nextID
	d.nextID++
	d.subs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			if _, ok := d.subs[id]; ok {
				delete(d.subs, id)
				close(ch)
			}
			d.mu.Unlock()
		})
	}
	return ch, cancel
}

// close drains pending events, then closes every subscriber channel.
// The dispatcher cannot be reused afterwards.
func (d *eventDispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.stop)
	<-d.done

	d.mu.Lock()
	for id, ch := range d.subs {
		delete(d.subs, id)
		close(ch)
	}
	d.mu.Unlock()

	if dropped := d.droppedCount(); dropped > 0 {
		d.logger.Debug("Event dispatcher closed with dropped events", "dropped_events", dropped)
	}
}

func (d *eventDispatcher) droppedCount() int64 {
	return atomic.LoadInt64(&d.dropped)
}

// newStateChangeEvent stamps a transition with an ID and timestamp
func newStateChangeEvent(dependency string, from, to State, reason string, at time.Time) StateChangeEvent {
	return StateChangeEvent{
		ID:         uuid.New().String(),
		Dependency: dependency,
		From:       from,
		To:         to,
		Reason:     reason,
		Timestamp:  at,
	}
}
