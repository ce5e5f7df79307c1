package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ms-registration/internal/logger"
	"ms-registration/internal/models"

	"github.com/puzpuzpuz/xsync/v3"
)

var ErrClosed = errors.New("broadcast: router closed")

// Snapshotter reads the authoritative occupied count of an event.
type Snapshotter interface {
	Occupancy(ctx context.Context, eventID string) (int, error)
}

// Sink receives every published domain event, in publish order, off the
// delivery path. A failing sink never affects subscribers.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev models.DomainEvent) error
}

type Options struct {
	QueueSize    int
	InboxSize    int
	TapQueueSize int
	ReadTimeout  time.Duration
	Sinks        []Sink
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 1024
	}
	if o.TapQueueSize <= 0 {
		o.TapQueueSize = 4096
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Second
	}
}

// Router fans domain events out to the observers of each event. Every
// event id has one dispatch loop that owns its subscriber set, so all
// observers of an event see publishes in the same order.
type Router struct {
	opts   Options
	snap   Snapshotter
	logger *logger.Logger
	now    func() time.Time

	hubs   *xsync.MapOf[string, *hub]
	nextID atomic.Uint64
	taps   chan models.DomainEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders loop starts against Close so wg.Add never races wg.Wait.
	mu     sync.Mutex
	closed bool
}

type opKind int

const (
	opPublish opKind = iota
	opSubscribe
	opUnsubscribe
)

type op struct {
	kind opKind
	ev   models.DomainEvent
	sub  *Subscription
}

type hub struct {
	eventID string

	// mu orders sequence assignment, count reads and inbox sends.
	mu    sync.Mutex
	seq   uint64
	inbox chan op

	// owned by the loop goroutine
	subs map[uint64]*Subscription

	active atomic.Int64
}

// Subscription is one observer's bounded delivery queue. The channel is
// closed when the observer unsubscribes, is dropped for falling behind, or
// the router shuts down.
type Subscription struct {
	ID      uint64
	EventID string

	ch      chan models.DomainEvent
	dropped atomic.Bool
}

func (s *Subscription) Events() <-chan models.DomainEvent {
	return s.ch
}

// Dropped reports whether the router disconnected this observer because
// its queue was full. It must re-subscribe to get a fresh snapshot.
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

func NewRouter(snap Snapshotter, log *logger.Logger, opts Options) *Router {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		opts:   opts,
		snap:   snap,
		logger: log,
		now:    time.Now,
		hubs:   xsync.NewMapOf[string, *hub](),
		taps:   make(chan models.DomainEvent, opts.TapQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	r.wg.Add(1)
	go r.runTaps()
	return r
}

func (r *Router) hub(eventID string) (*hub, error) {
	h, loaded := r.hubs.LoadOrCompute(eventID, func() *hub {
		return &hub{
			eventID: eventID,
			inbox:   make(chan op, r.opts.InboxSize),
			subs:    make(map[uint64]*Subscription),
		}
	})
	if !loaded {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		r.wg.Add(1)
		go r.loop(h)
		r.mu.Unlock()
		r.logger.LogBroadcast("HUB", eventID, "dispatch loop started")
	}
	if r.ctx.Err() != nil {
		return nil, ErrClosed
	}
	return h, nil
}

// Publish assigns the next sequence number for ev.EventID, refreshes its
// occupied count from the ledger and queues it for delivery. It returns the
// event as delivered.
func (r *Router) Publish(ctx context.Context, ev models.DomainEvent) (models.DomainEvent, error) {
	if r.ctx.Err() != nil {
		return ev, ErrClosed
	}
	h, err := r.hub(ev.EventID)
	if err != nil {
		return ev, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if count, err := r.readCount(ctx, ev.EventID); err == nil {
		ev.OccupiedCountAfter = count
	} else {
		r.logger.Warn("BROADCAST", fmt.Sprintf("Using emitted count for %s: %v", ev.EventID, err))
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now().UTC()
	}
	h.seq++
	ev.SequenceNumber = h.seq

	select {
	case h.inbox <- op{kind: opPublish, ev: ev}:
	case <-ctx.Done():
		return ev, ctx.Err()
	case <-r.ctx.Done():
		return ev, ErrClosed
	}

	select {
	case r.taps <- ev:
	default:
		r.logger.Error("BROADCAST", fmt.Sprintf("Tap queue full, %s #%d not forwarded to sinks", ev.EventID, ev.SequenceNumber))
	}
	return ev, nil
}

// Subscribe registers an observer. Its first delivery is a Snapshot event
// with the current occupied count; everything after it is newer. The
// observer is unsubscribed when ctx is done.
func (r *Router) Subscribe(ctx context.Context, eventID string) (*Subscription, error) {
	if r.ctx.Err() != nil {
		return nil, ErrClosed
	}
	h, err := r.hub(eventID)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		ID:      r.nextID.Add(1),
		EventID: eventID,
		ch:      make(chan models.DomainEvent, r.opts.QueueSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	count, err := r.readCount(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", eventID, err)
	}
	snapshot := models.DomainEvent{
		EventID:            eventID,
		Kind:               models.KindSnapshot,
		OccupiedCountAfter: count,
		SequenceNumber:     h.seq,
		Timestamp:          r.now().UTC(),
	}
	sub.ch <- snapshot

	select {
	case h.inbox <- op{kind: opSubscribe, sub: sub}:
		context.AfterFunc(ctx, func() { r.Unsubscribe(sub) })
		return sub, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, ErrClosed
	}
}

// Unsubscribe stops delivery and closes the subscription channel. It is
// safe to call more than once and after a drop.
func (r *Router) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h, ok := r.hubs.Load(sub.EventID)
	if !ok {
		return
	}
	select {
	case h.inbox <- op{kind: opUnsubscribe, sub: sub}:
	case <-r.ctx.Done():
	}
}

// Subscribers returns the number of live observers of an event.
func (r *Router) Subscribers(eventID string) int {
	h, ok := r.hubs.Load(eventID)
	if !ok {
		return 0
	}
	return int(h.active.Load())
}

// Close stops every dispatch loop and the sink forwarder.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Router) readCount(ctx context.Context, eventID string) (int, error) {
	if r.snap == nil {
		return 0, errors.New("no snapshotter configured")
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ReadTimeout)
	defer cancel()
	return r.snap.Occupancy(ctx, eventID)
}

func (r *Router) loop(h *hub) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			for id, sub := range h.subs {
				close(sub.ch)
				delete(h.subs, id)
			}
			h.active.Store(0)
			for {
				select {
				case o := <-h.inbox:
					if o.kind == opSubscribe {
						close(o.sub.ch)
					}
				default:
					return
				}
			}
		case o := <-h.inbox:
			switch o.kind {
			case opSubscribe:
				h.subs[o.sub.ID] = o.sub
				h.active.Store(int64(len(h.subs)))
				r.logger.LogBroadcast("SUBSCRIBE", h.eventID, fmt.Sprintf("subscriber %d, %d active", o.sub.ID, len(h.subs)))
			case opUnsubscribe:
				if _, ok := h.subs[o.sub.ID]; ok {
					delete(h.subs, o.sub.ID)
					h.active.Store(int64(len(h.subs)))
					close(o.sub.ch)
					r.logger.LogBroadcast("UNSUBSCRIBE", h.eventID, fmt.Sprintf("subscriber %d", o.sub.ID))
				}
			case opPublish:
				r.deliver(h, o.ev)
			}
		}
	}
}

func (r *Router) deliver(h *hub, ev models.DomainEvent) {
	for id, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Store(true)
			delete(h.subs, id)
			h.active.Store(int64(len(h.subs)))
			close(sub.ch)
			r.logger.Warn("BROADCAST", fmt.Sprintf("Dropped slow subscriber %d of %s at #%d", id, h.eventID, ev.SequenceNumber))
		}
	}
	h.active.Store(int64(len(h.subs)))
}

func (r *Router) runTaps() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.taps:
			r.forward(ev)
		case <-r.ctx.Done():
			for {
				select {
				case ev := <-r.taps:
					r.forward(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) forward(ev models.DomainEvent) {
	for _, sink := range r.opts.Sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sink.Publish(ctx, ev); err != nil {
			r.logger.Error("BROADCAST", fmt.Sprintf("Sink %s failed for %s #%d: %v", sink.Name(), ev.EventID, ev.SequenceNumber, err))
		}
		cancel()
	}
}
