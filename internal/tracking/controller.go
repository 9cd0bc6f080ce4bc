package tracking

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"backend-routetrack/internal/geocode"
	"backend-routetrack/internal/route"
	"backend-routetrack/internal/source"

	"go.uber.org/zap"
)

const (
	mailboxSize       = 256
	watcherBuffer     = 16
	defaultWriteQueue = 256
	appendTimeout     = 5 * time.Second
)

var (
	errNoResolver     = errors.New("address lookup not configured")
	errWriteQueueFull = errors.New("write queue full")
	errClosed         = errors.New("tracking controller closed")
)

// RouteStore is the durable side of the route.
type RouteStore interface {
	Append(ctx context.Context, p route.LocationPoint) (route.LocationPoint, error)
	ReadAll(ctx context.Context) iter.Seq2[route.LocationPoint, error]
	Clear(ctx context.Context) error
}

// Options configures a Controller. Only Source is needed to track; without a
// Store nothing persists and without a Resolver address lookups fail.
type Options struct {
	Source         source.Source
	Store          RouteStore
	Resolver       geocode.Resolver
	MinDistanceM   float64
	WriteQueueSize int
	Log            *zap.Logger
}

// WriteStats counts durable appends. Failed appends never change the
// published state; this is where they become visible.
type WriteStats struct {
	Appended  uint64    `json:"appended"`
	Failed    uint64    `json:"failed"`
	Dropped   uint64    `json:"dropped"`
	LastError string    `json:"last_error,omitempty"`
	LastAt    time.Time `json:"last_error_at,omitempty"`
}

// writeOp is one entry of the ordered durable write queue: either a point to
// append or, when clear is set, a request to empty the store.
type writeOp struct {
	point    route.LocationPoint
	clear    chan<- error
	clearCtx context.Context
}

// subscription is the controller's handle on one live source stream. gen
// identifies the stream so events from a torn-down one can be ignored.
type subscription struct {
	sub  source.Subscription
	gen  uint64
	stop chan struct{}
}

// Controller owns the tracking pipeline. Every field below the mailbox is
// touched only by the actor goroutine started in NewController.
type Controller struct {
	source      source.Source
	store       RouteStore
	resolver    geocode.Resolver
	minDistance float64
	log         *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan func()
	writes  chan writeOp
	done    chan struct{}
	loaded  chan struct{}
	clearMu sync.Mutex
	workers sync.WaitGroup
	current atomic.Pointer[State]

	statsMu sync.Mutex
	stats   WriteStats

	active      *subscription
	generation  uint64
	lastKnown   *route.LocationPoint
	points      []route.LocationPoint
	watchers    map[int]chan State
	nextWatcher int
}

// NewController starts the controller and loads the stored route. The
// controller lives until ctx is canceled or Close is called.
func NewController(ctx context.Context, opts Options) *Controller {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	queue := opts.WriteQueueSize
	if queue <= 0 {
		queue = defaultWriteQueue
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Controller{
		source:      opts.Source,
		store:       opts.Store,
		resolver:    opts.Resolver,
		minDistance: opts.MinDistanceM,
		log:         log.Named("tracking"),
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan func(), mailboxSize),
		writes:      make(chan writeOp, queue),
		done:        make(chan struct{}),
		loaded:      make(chan struct{}),
		watchers:    map[int]chan State{},
	}
	idle := Idle()
	c.current.Store(&idle)

	c.workers.Add(1)
	go c.writeLoop()
	go c.run()

	c.call(func() { c.publish(Loading()) })
	go c.initialize()
	return c
}

// Close stops tracking, closes every watcher channel and waits for queued
// durable writes to finish.
func (c *Controller) Close() {
	c.cancel()
	<-c.done
	c.workers.Wait()
}

// Current returns the last published state.
func (c *Controller) Current() State {
	return *c.current.Load()
}

// Watch registers an observer. The channel immediately holds the current
// state and is conflated: a slow reader skips to newer states instead of
// stalling the controller. The returned func unregisters it.
func (c *Controller) Watch() (<-chan State, func()) {
	ch := make(chan State, watcherBuffer)
	var id int
	ok := c.call(func() {
		id = c.nextWatcher
		c.nextWatcher++
		c.watchers[id] = ch
		offer(ch, c.Current())
	})
	if !ok {
		close(ch)
		return ch, func() {}
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.call(func() {
				if w, found := c.watchers[id]; found {
					delete(c.watchers, id)
					close(w)
				}
			})
		})
	}
}

// Stats returns the durable write counters.
func (c *Controller) Stats() WriteStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Start opens the position subscription unless one is already active and
// returns the resulting state.
func (c *Controller) Start() State {
	c.call(func() {
		if c.active != nil {
			return
		}
		if c.source == nil {
			c.publish(Failed("failed to start location tracking: no position source"))
			return
		}
		sub, err := c.source.Subscribe(c.ctx)
		if err != nil {
			c.log.Error("start tracking failed", zap.Error(err))
			c.publish(Failed(describe("failed to start location tracking", err)))
			return
		}
		c.generation++
		a := &subscription{sub: sub, gen: c.generation, stop: make(chan struct{})}
		c.active = a
		c.workers.Add(1)
		go c.pump(a)
		c.log.Info("tracking started", zap.Uint64("generation", a.gen))
		c.publish(c.trackingState())
	})
	return c.Current()
}

// Stop cancels the active subscription. Without one it does nothing.
func (c *Controller) Stop() State {
	c.call(func() {
		if c.active == nil {
			return
		}
		gen := c.active.gen
		c.teardown()
		c.log.Info("tracking stopped", zap.Uint64("generation", gen))
		c.publish(c.trackingState())
	})
	return c.Current()
}

// ClearRoute empties the durable route and, once that succeeded, the
// in-memory one. The clear waits for the stored route to finish loading and
// is queued behind every point accepted before it, so those points are
// deleted too; points accepted while it runs are kept in both places. On
// failure the route is left as it was.
func (c *Controller) ClearRoute(ctx context.Context) State {
	c.clearMu.Lock()
	defer c.clearMu.Unlock()

	var (
		mark   int
		result = make(chan error, 1)
	)
	err := c.awaitLoad(ctx)
	if err == nil {
		c.call(func() {
			select {
			case c.writes <- writeOp{clear: result, clearCtx: ctx}:
				mark = len(c.points)
			default:
				result <- errWriteQueueFull
			}
		})
		select {
		case err = <-result:
		case <-c.done:
			err = errClosed
		}
	}

	c.call(func() {
		if err != nil {
			c.log.Error("clear route failed", zap.Error(err))
			c.publish(Failed(describe("failed to clear route", err)))
			return
		}
		c.points = slices.Clone(c.points[mark:])
		c.publish(c.trackingState())
	})
	return c.Current()
}

func (c *Controller) awaitLoad(ctx context.Context) error {
	select {
	case <-c.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errClosed
	}
}

// ResolveAddress looks up the address of a coordinate. It runs beside the
// tracking pipeline; its Loading, AddressLoaded or Error states interleave
// with tracking states in no particular order.
func (c *Controller) ResolveAddress(ctx context.Context, lat, lon float64) (string, error) {
	c.call(func() { c.publish(Loading()) })

	var (
		address string
		err     = errNoResolver
	)
	if c.resolver != nil {
		address, err = c.resolver.Resolve(ctx, lat, lon)
	}

	c.call(func() {
		if err != nil {
			c.log.Warn("address lookup failed", zap.Float64("latitude", lat), zap.Float64("longitude", lon), zap.Error(err))
			c.publish(Failed(describe("failed to get address", err)))
			return
		}
		c.annotate(lat, lon, address)
		c.publish(AddressLoaded(lat, lon, address))
	})
	return address, err
}

// StoredPoints reads the durable route, independent of the in-memory one.
func (c *Controller) StoredPoints(ctx context.Context) ([]route.LocationPoint, error) {
	if c.store == nil {
		return nil, route.ErrUnavailable
	}
	return collect(c.store.ReadAll(ctx))
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.ctx.Done():
			c.shutdown()
			return
		}
	}
}

// call runs fn on the actor and waits for it. It reports false when the
// controller is already closed.
func (c *Controller) call(fn func()) bool {
	finished := make(chan struct{})
	select {
	case c.events <- func() { fn(); close(finished) }:
	case <-c.done:
		return false
	}
	select {
	case <-finished:
		return true
	case <-c.done:
		return false
	}
}

// post queues fn on the actor without waiting. abandon lets a producer give
// up when its own work has become irrelevant.
func (c *Controller) post(fn func(), abandon <-chan struct{}) {
	select {
	case c.events <- fn:
	case <-c.done:
	case <-abandon:
	}
}

func (c *Controller) initialize() {
	var (
		history []route.LocationPoint
		err     = route.ErrUnavailable
	)
	if c.store != nil {
		history, err = collect(c.store.ReadAll(c.ctx))
	}
	c.post(func() {
		defer close(c.loaded)
		if err != nil {
			c.log.Error("loading stored route failed", zap.Error(err))
			c.publish(Failed(describe("failed to load location points", err)))
			return
		}
		// Points accepted while the history was loading come after it.
		c.points = append(history, c.points...)
		c.log.Info("stored route loaded", zap.Int("points", len(history)))
		c.publish(c.trackingState())
	}, nil)
}

// pump gates raw samples for one subscription and forwards accepted points to
// the actor. Each subscription gets a fresh gate, so the first sample after a
// restart is kept even next to the last route point.
func (c *Controller) pump(a *subscription) {
	defer c.workers.Done()
	gate := route.NewGate(c.minDistance)
	samples := a.sub.Samples()
	for {
		select {
		case <-a.stop:
			return
		case <-c.done:
			return
		case p, ok := <-samples:
			if !ok {
				err := a.sub.Err()
				c.post(func() { c.streamEnded(a, err) }, a.stop)
				return
			}
			accepted, pass := gate.Offer(p)
			if !pass {
				continue
			}
			c.post(func() { c.accept(a, accepted) }, a.stop)
		}
	}
}

func (c *Controller) accept(a *subscription, p route.LocationPoint) {
	if c.active != a {
		return
	}
	last := p
	c.lastKnown = &last
	c.points = append(c.points, p)
	c.enqueueWrite(p)
	c.log.Debug("point accepted", zap.Float64("latitude", p.Latitude), zap.Float64("longitude", p.Longitude))
	c.publish(c.trackingState())
}

func (c *Controller) streamEnded(a *subscription, err error) {
	if c.active != a {
		return
	}
	c.teardown()
	if err == nil {
		err = errors.New("position stream ended")
	}
	c.log.Error("position stream failed", zap.Uint64("generation", a.gen), zap.Error(err))
	c.publish(Failed(describe("failed to track location", err)))
}

func (c *Controller) teardown() {
	a := c.active
	c.active = nil
	close(a.stop)
	a.sub.Cancel()
}

func (c *Controller) shutdown() {
	if c.active != nil {
		c.teardown()
	}
	for id, w := range c.watchers {
		delete(c.watchers, id)
		close(w)
	}
	close(c.writes)
}

func (c *Controller) enqueueWrite(p route.LocationPoint) {
	select {
	case c.writes <- writeOp{point: p}:
	default:
		c.recordWriteFailure(errWriteQueueFull, true)
		c.log.Warn("durable write dropped, queue full", zap.Int64("timestamp", p.Timestamp))
	}
}

// writeLoop runs the durable writes in the order they were queued. Queued
// points are still written after the controller is closed.
func (c *Controller) writeLoop() {
	defer c.workers.Done()
	ctx := context.WithoutCancel(c.ctx)
	for op := range c.writes {
		if op.clear != nil {
			op.clear <- c.clearStore(op.clearCtx)
			continue
		}
		c.appendPoint(ctx, op.point)
	}
}

func (c *Controller) clearStore(ctx context.Context) error {
	if c.store == nil {
		return route.ErrUnavailable
	}
	return c.store.Clear(ctx)
}

func (c *Controller) appendPoint(ctx context.Context, p route.LocationPoint) {
	if c.store == nil {
		c.recordWriteFailure(route.ErrUnavailable, false)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, appendTimeout)
	stored, err := c.store.Append(writeCtx, p)
	cancel()
	if err != nil {
		c.recordWriteFailure(err, false)
		c.log.Warn("durable append failed, point kept in memory", zap.Int64("timestamp", p.Timestamp), zap.Error(err))
		return
	}
	c.statsMu.Lock()
	c.stats.Appended++
	c.statsMu.Unlock()
	c.post(func() { c.assignID(stored) }, nil)
}

func (c *Controller) recordWriteFailure(err error, dropped bool) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if dropped {
		c.stats.Dropped++
	} else {
		c.stats.Failed++
	}
	c.stats.LastError = err.Error()
	c.stats.LastAt = time.Now()
}

// assignID copies the persisted id onto the in-memory copy of the point.
func (c *Controller) assignID(stored route.LocationPoint) {
	for i := len(c.points) - 1; i >= 0; i-- {
		p := &c.points[i]
		if p.ID == "" && p.Timestamp == stored.Timestamp &&
			p.Latitude == stored.Latitude && p.Longitude == stored.Longitude {
			p.ID = stored.ID
			return
		}
	}
}

// annotate sets the address on the display copies of points at exactly this
// coordinate. The durable route is not rewritten.
func (c *Controller) annotate(lat, lon float64, address string) {
	for i := range c.points {
		if c.points[i].Latitude == lat && c.points[i].Longitude == lon {
			c.points[i].Address = address
		}
	}
	if c.lastKnown != nil && c.lastKnown.Latitude == lat && c.lastKnown.Longitude == lon {
		c.lastKnown.Address = address
	}
}

func (c *Controller) trackingState() State {
	return Tracking(c.active != nil, c.lastKnown, c.points)
}

func (c *Controller) publish(s State) {
	snapshot := s
	c.current.Store(&snapshot)
	for _, w := range c.watchers {
		offer(w, s)
	}
}

// offer sends s, evicting the oldest buffered state when the reader is behind.
// Only the actor sends, so the second attempt cannot lose to another sender.
func offer(ch chan State, s State) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

func collect(seq iter.Seq2[route.LocationPoint, error]) ([]route.LocationPoint, error) {
	var points []route.LocationPoint
	for p, err := range seq {
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

func describe(prefix string, err error) string {
	return fmt.Sprintf("%s: %v", prefix, err)
}
