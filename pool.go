package querybridge

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// ConnectorPool owns a bounded arena of live connections to one storage
// backend. Handles are identified by slot index; a handle is exclusively
// owned by at most one in-flight query between acquire and release.
type ConnectorPool struct {
	connector      Connector
	capacity       int
	acquireTimeout time.Duration
	maxLifetime    time.Duration

	// permits is a counting semaphore sized to capacity. Checked-out handles
	// never exceed capacity because every acquisition consumes a permit.
	permits chan struct{}

	mu       sync.Mutex
	slots    []poolSlot
	draining bool
	drainCh  chan struct{}
}

// poolSlot is one arena entry. conn is nil while the slot is empty; an
// unhealthy release empties the slot and a replacement is opened lazily on a
// later acquire rather than immediately, to avoid connection storms.
type poolSlot struct {
	conn     Conn
	inUse    bool
	openedAt time.Time
	gen      uint64
}

// Handle is an owned reference to one live backend connection.
type Handle struct {
	pool      *ConnectorPool
	idx       int
	gen       uint64
	conn      Conn
	unhealthy bool
}

// Conn returns the underlying connection.
func (h *Handle) Conn() Conn {
	return h.conn
}

// MarkUnhealthy flags the handle so its connection is closed instead of
// returned to the free set.
func (h *Handle) MarkUnhealthy() {
	h.unhealthy = true
}

// newConnectorPool constructs a pool and eagerly opens the configured
// minimum number of connections. Failure to establish the minimum is a
// connection error and leaves nothing open.
func newConnectorPool(ctx context.Context, connector Connector, cfg PoolConfig) (*ConnectorPool, error) {
	p := &ConnectorPool{
		connector:      connector,
		capacity:       cfg.MaxConnections,
		acquireTimeout: cfg.AcquireTimeout,
		maxLifetime:    cfg.MaxConnLifetime,
		permits:        make(chan struct{}, cfg.MaxConnections),
		slots:          make([]poolSlot, cfg.MaxConnections),
		drainCh:        make(chan struct{}),
	}
	for i := 0; i < cfg.MaxConnections; i++ {
		p.permits <- struct{}{}
	}

	group, groupctx := errgroup.WithContext(ctx)
	warm := make([]Conn, cfg.MinConnections)
	for i := 0; i < cfg.MinConnections; i++ {
		group.Go(func() error {
			conn, err := connector.Open(groupctx)
			if err != nil {
				return err
			}
			warm[i] = conn
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		for _, conn := range warm {
			if conn != nil {
				_ = conn.Close()
			}
		}
		return nil, newEngineError(ErrorKindConnection, "cannot establish minimum connections", err)
	}

	now := time.Now()
	for i, conn := range warm {
		p.slots[i] = poolSlot{conn: conn, openedAt: now, gen: 1}
	}
	return p, nil
}

// acquire checks out a handle, suspending the calling goroutine until one is
// free or capacity allows opening a new connection. Fairness is
// first-available, not FIFO.
func (p *ConnectorPool) acquire(ctx context.Context) (*Handle, error) {
	if p.isDraining() {
		return nil, ErrPoolDraining
	}

	// The caller's context is kept apart from the pool's own acquire
	// timeout: a request deadline expiring in the wait queue is a
	// cancellation, not a pool timeout.
	caller := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	select {
	case <-p.permits:
	case <-p.drainCh:
		return nil, ErrPoolDraining
	case <-ctx.Done():
		if err := caller.Err(); err != nil {
			return nil, err
		}
		return nil, ErrAcquireTimeout
	}

	handle, empty := p.takeFree()
	if handle != nil {
		return handle, nil
	}
	if empty < 0 {
		// A permit was held yet no slot is free or empty.
		p.permits <- struct{}{}
		return nil, ErrPoolCorrupted
	}

	conn, err := p.connector.Open(ctx)
	if err != nil {
		p.vacate(empty)
		p.permits <- struct{}{}
		return nil, newEngineError(ErrorKindConnection, "cannot open backend connection", err)
	}

	p.mu.Lock()
	slot := &p.slots[empty]
	slot.conn = conn
	slot.openedAt = time.Now()
	slot.gen++
	gen := slot.gen
	p.mu.Unlock()

	return &Handle{pool: p, idx: empty, gen: gen, conn: conn}, nil
}

// takeFree claims the first free live slot, or reserves the first empty slot
// for a lazy open. Returns (nil, -1) when neither exists.
func (p *ConnectorPool) takeFree() (*Handle, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	empty := -1
	for i := range p.slots {
		slot := &p.slots[i]
		if slot.inUse {
			continue
		}
		if slot.conn != nil {
			slot.inUse = true
			return &Handle{pool: p, idx: i, gen: slot.gen, conn: slot.conn}, -1
		}
		if empty < 0 {
			empty = i
		}
	}
	if empty >= 0 {
		p.slots[empty].inUse = true
	}
	return nil, empty
}

// vacate clears the in-use reservation on a slot whose lazy open failed.
func (p *ConnectorPool) vacate(idx int) {
	p.mu.Lock()
	p.slots[idx].inUse = false
	p.mu.Unlock()
}

// releasePingTimeout bounds the liveness probe on release.
const releasePingTimeout = time.Second

// release returns a handle to the free set. Unhealthy or expired connections
// are closed and their slot left empty for lazy replacement. Releasing a
// handle the pool did not issue reports corruption.
func (p *ConnectorPool) release(h *Handle) error {
	// A handle coming back healthy is probed before rejoining the free set;
	// a dead connection is dropped here, not handed to the next query.
	if !h.unhealthy && h.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), releasePingTimeout)
		if err := h.conn.Ping(ctx); err != nil {
			h.unhealthy = true
		}
		cancel()
	}

	p.mu.Lock()

	if h.idx < 0 || h.idx >= len(p.slots) {
		p.mu.Unlock()
		return ErrPoolCorrupted
	}
	slot := &p.slots[h.idx]

	if slot.gen != h.gen || slot.conn != h.conn {
		draining := p.draining
		p.mu.Unlock()
		if draining {
			// Drain force-closed this connection already; just hand the
			// permit back.
			p.permits <- struct{}{}
			return nil
		}
		return ErrPoolCorrupted
	}
	if !slot.inUse {
		p.mu.Unlock()
		return ErrPoolCorrupted
	}

	expired := p.maxLifetime > 0 && time.Since(slot.openedAt) >= p.maxLifetime
	var toClose Conn
	if h.unhealthy || expired {
		toClose = slot.conn
		slot.conn = nil
	}
	slot.inUse = false
	p.mu.Unlock()

	if toClose != nil {
		_ = toClose.Close()
	}
	p.permits <- struct{}{}
	return nil
}

// drain refuses new acquisitions, waits for outstanding handles to be
// released until the context deadline elapses, then force-closes whatever
// remains. The connector itself is closed last.
func (p *ConnectorPool) drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.draining {
		p.draining = true
		close(p.drainCh)
	}
	p.mu.Unlock()

	reclaimed := 0
	for reclaimed < p.capacity {
		select {
		case <-p.permits:
			reclaimed++
		case <-ctx.Done():
			return p.closeAll()
		}
	}
	return p.closeAll()
}

// closeAll closes every remaining connection and the connector, aggregating
// failures.
func (p *ConnectorPool) closeAll() error {
	p.mu.Lock()
	conns := make([]Conn, 0, len(p.slots))
	for i := range p.slots {
		if p.slots[i].conn != nil {
			conns = append(conns, p.slots[i].conn)
			p.slots[i].conn = nil
			p.slots[i].inUse = false
		}
	}
	p.mu.Unlock()

	var res *multierror.Error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			res = multierror.Append(res, err)
		}
	}
	if err := p.connector.Close(); err != nil {
		res = multierror.Append(res, err)
	}
	return res.ErrorOrNil()
}

func (p *ConnectorPool) isDraining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// PoolStats is a point-in-time view of pool occupancy.
type PoolStats struct {
	Capacity int
	Open     int
	InUse    int
}

// stats reports current occupancy.
func (p *ConnectorPool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{Capacity: p.capacity}
	for i := range p.slots {
		if p.slots[i].conn != nil {
			s.Open++
		}
		if p.slots[i].inUse {
			s.InUse++
		}
	}
	return s
}
