package nbdc

import (
	"context"
	"math"
	"math/bits"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/mode"
	"github.com/lab47/nbdc/pkg/blk"
	"github.com/pkg/errors"
)

// DefaultBlockSize is used when a block size of 0 is configured.
const DefaultBlockSize = 1024

// State is the lifecycle state of a Device.
type State int

const (
	StateUnconfigured State = iota
	StateAttaching
	StateRunning
	StateDisconnectedClean
	StateDisconnectedError
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateAttaching:
		return "attaching"
	case StateRunning:
		return "running"
	case StateDisconnectedClean:
		return "disconnected"
	case StateDisconnectedError:
		return "disconnected-error"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateDisconnectedClean || s == StateDisconnectedError || s == StateInterrupted
}

// StateHook observes device state transitions. Hooks run synchronously and
// must not call back into the device's control operations.
type StateHook func(dev *Device, from, to State)

type geometry struct {
	size        uint64
	blkSize     uint32
	blkSizeBits uint32
}

// requestData is the per-request private slot, allocated once per tag.
type requestData struct {
	mu     sync.Mutex
	result error
	conn   *Conn

	// held while a reply payload is received into the request's buffers
	rx sync.Mutex
}

// record stores outcome unless an error is already stored. It reports
// whether the request should be completed.
func (r *requestData) record(outcome error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.result != nil {
		return false
	}

	r.result = outcome
	return true
}

func (r *requestData) reset(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.result = nil
	r.conn = c
}

// Device drives one block device over a set of NBD connections. The
// connection list, the geometry and the disconnect flag with the live
// counter are synchronized independently of each other.
type Device struct {
	log   hclog.Logger
	name  string
	index int

	tags *blk.TagSet

	diskMu sync.Mutex
	disk   *blk.Disk
	cache  *blk.BlockCache

	connsMu      sync.Mutex
	conns        []*Conn
	connsRemoved *sync.Cond

	cfgMu sync.Mutex
	cfg   geometry

	disconnected atomic.Bool
	live         atomic.Int32
	running      atomic.Bool

	stateMu sync.Mutex
	state   State
	hooks   []*stateHook
}

var _ blk.Operations = &Device{}

// NewDevice creates a device named name together with the disk it serves.
func NewDevice(log hclog.Logger, name string, options ...Option) (*Device, error) {
	var o opts
	o.setDefaults()

	for _, opt := range options {
		opt(&o)
	}

	return newDevice(log, name, 0, &o)
}

func newDevice(log hclog.Logger, name string, index int, o *opts) (*Device, error) {
	tags, err := blk.NewTagSet(o.hwQueues, o.queueDepth, func() any { return &requestData{} })
	if err != nil {
		return nil, err
	}

	d := &Device{
		log:   log.Named(name),
		name:  name,
		index: index,
		tags:  tags,
		cfg: geometry{
			blkSize:     DefaultBlockSize,
			blkSizeBits: uint32(bits.TrailingZeros32(DefaultBlockSize)),
		},
	}

	d.connsRemoved = sync.NewCond(&d.connsMu)

	for _, h := range o.hooks {
		d.hooks = append(d.hooks, &stateHook{fn: h})
	}

	diskOpts := []blk.DiskOption{
		blk.WithLogger(log),
		blk.WithTimeout(o.timeout),
	}

	if o.cacheDir != "" {
		d.cache, err = blk.NewBlockCache(d.log, filepath.Join(o.cacheDir, name+".cache"), o.cacheBlocks)
		if err != nil {
			return nil, errors.Wrapf(err, "opening block cache for %s", name)
		}

		diskOpts = append(diskOpts, blk.WithCache(d.cache))
	}

	d.disk = blk.NewDisk(name, tags, d, diskOpts...)
	d.disk.SetRotational(false)
	d.disk.SetLogicalBlockSize(DefaultBlockSize)
	d.disk.SetPhysicalBlockSize(DefaultBlockSize)

	return d, nil
}

func (d *Device) Name() string {
	return d.name
}

// Disk returns the block device served by d, or nil after teardown.
func (d *Device) Disk() *blk.Disk {
	d.diskMu.Lock()
	defer d.diskMu.Unlock()

	return d.disk
}

func (d *Device) State() State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	return d.state
}

type stateHook struct {
	fn StateHook
}

// OnStateChange registers h to be called on every state transition. The
// returned func unregisters it.
func (d *Device) OnStateChange(h StateHook) (remove func()) {
	e := &stateHook{fn: h}

	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	d.hooks = append(d.hooks, e)

	return func() {
		d.stateMu.Lock()
		defer d.stateMu.Unlock()

		// transition iterates over snapshots, so build a new slice
		hooks := make([]*stateHook, 0, len(d.hooks))
		for _, x := range d.hooks {
			if x != e {
				hooks = append(hooks, x)
			}
		}

		d.hooks = hooks
	}
}

func (d *Device) transition(to State, when func(from State) bool) {
	d.stateMu.Lock()

	from := d.state
	if from == to || (when != nil && !when(from)) {
		d.stateMu.Unlock()
		return
	}

	d.state = to
	hooks := d.hooks

	d.stateMu.Unlock()

	d.log.Debug("device state change", "from", from, "to", to)
	deviceState.WithLabelValues(d.name).Set(float64(to))

	for _, h := range hooks {
		h.fn(d, from, to)
	}
}

// Disconnected reports whether a disconnect was requested for the current
// session.
func (d *Device) Disconnected() bool {
	return d.disconnected.Load()
}

// LiveConnections is the number of connections whose receive loop has not
// terminated.
func (d *Device) LiveConnections() int {
	return int(d.live.Load())
}

// Connections returns the attached connections in queue index order.
func (d *Device) Connections() []*Conn {
	d.connsMu.Lock()
	defer d.connsMu.Unlock()

	return append([]*Conn(nil), d.conns...)
}

// AttachConnection adds a connection at the next queue index.
func (d *Device) AttachConnection(h Handle) error {
	d.connsMu.Lock()

	if st := d.State(); st == StateUnconfigured || st.terminal() {
		// a new session starts, queue indexes count from 0 again
		d.endSession()
		d.disconnected.Store(false)
	}

	c, err := newConn(d, uint32(len(d.conns)), h)
	if err != nil {
		d.connsMu.Unlock()
		return err
	}

	c.counted = true
	d.conns = append(d.conns, c)
	live := d.live.Add(1)

	if d.running.Load() {
		c.started = true
		go c.run()
	}

	d.connsMu.Unlock()

	liveConnections.WithLabelValues(d.name).Set(float64(live))
	c.log.Info("connection attached")

	d.transition(StateAttaching, func(from State) bool {
		return from != StateRunning
	})

	return nil
}

// RequestDisconnect asks the server to end the session on every connection.
// The receive loops end once the server closes them.
func (d *Device) RequestDisconnect() {
	d.disconnected.Store(true)

	d.connsMu.Lock()
	defer d.connsMu.Unlock()

	for _, c := range d.conns {
		if err := c.SendDisconnect(); err != nil {
			c.log.Error("error sending disconnect", "error", err)
		}
	}
}

// dropConnections shuts down and forgets every connection. A dropped
// connection no longer counts as live. connsMu must be held.
func (d *Device) dropConnections() {
	for _, c := range d.conns {
		c.counted = false
		c.Shutdown()

		if !c.started {
			c.close()
		}
	}

	d.conns = nil
	d.live.Store(0)

	liveConnections.WithLabelValues(d.name).Set(0)
}

// endSession forgets the connections of a finished session. Their receive
// loops have already ended. connsMu must be held.
func (d *Device) endSession() {
	for _, c := range d.conns {
		if c.counted {
			c.counted = false
			c.Shutdown()
		}

		if !c.started {
			c.close()
		}
	}

	d.conns = nil
	d.live.Store(0)
}

// DetachAll force closes all connections and wakes Run.
func (d *Device) DetachAll() {
	d.connsMu.Lock()
	d.dropConnections()
	d.connsRemoved.Broadcast()
	d.connsMu.Unlock()

	d.transition(StateUnconfigured, nil)
}

func (d *Device) connectionTerminated(c *Conn) {
	d.connsMu.Lock()
	defer d.connsMu.Unlock()

	if !c.counted {
		return
	}

	c.counted = false

	live := d.live.Add(-1)
	liveConnections.WithLabelValues(d.name).Set(float64(live))

	if live == 0 {
		d.connsRemoved.Broadcast()
	}
}

func (d *Device) SetByteSize(n uint64) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	d.cfg.size = n

	if disk := d.Disk(); disk != nil {
		disk.SetCapacityAndNotify(n >> blk.SectorShift)
	}
}

// SetBlockSize sets the logical and physical block size, which must be a
// power of two. 0 selects DefaultBlockSize.
func (d *Device) SetBlockSize(n uint64) error {
	if n > math.MaxUint32 {
		return errors.Wrapf(ErrInvalid, "block size %d", n)
	}

	sz := uint32(n)
	if sz == 0 {
		sz = DefaultBlockSize
	}

	if sz&(sz-1) != 0 {
		return errors.Wrapf(ErrInvalid, "block size %d is not a power of two", sz)
	}

	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	d.cfg.blkSize = sz
	d.cfg.blkSizeBits = uint32(bits.TrailingZeros32(sz))

	if disk := d.Disk(); disk != nil {
		disk.SetPhysicalBlockSize(sz)
		disk.SetLogicalBlockSize(sz)
	}

	return nil
}

// SetByteSizeFromBlocks sets the size to n blocks of the current block size.
func (d *Device) SetByteSizeFromBlocks(n uint64) error {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	shift := d.cfg.blkSizeBits
	if n > math.MaxUint64>>shift {
		return errors.Wrapf(ErrInvalid, "%d blocks of %d bytes overflows", n, d.cfg.blkSize)
	}

	d.cfg.size = n << shift

	if disk := d.Disk(); disk != nil {
		disk.SetCapacityAndNotify(d.cfg.size >> blk.SectorShift)
	}

	return nil
}

// Geometry returns the configured byte size and block size.
func (d *Device) Geometry() (size uint64, blkSize uint32) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	return d.cfg.size, d.cfg.blkSize
}

func (d *Device) SetCacheFlags(flush, fua bool) {
	if disk := d.Disk(); disk != nil {
		disk.SetWriteCache(flush, flush && fua)
	}
}

func (d *Device) connection(index uint32) *Conn {
	d.connsMu.Lock()
	defer d.connsMu.Unlock()

	if int(index) >= len(d.conns) {
		return nil
	}

	return d.conns[index]
}

// QueueRQ sends rq on the connection at the request's queue index.
func (d *Device) QueueRQ(hctx uint32, rq *blk.Request, last bool) error {
	c := d.connection(hctx)
	if c == nil {
		return errors.Wrapf(ErrBrokenPipe, "no connection at queue index %d", hctx)
	}

	var (
		op     = rq.Command()
		tag    = rq.Tag()
		off    = rq.Offset()
		length = rq.PayloadBytes()
		bios   = rq.Bios()
	)

	// the serving connection is recorded before the header goes out so a
	// fast reply always finds it
	rq.Data().(*requestData).reset(c)

	// a reply may complete rq and recycle its tag as soon as the header is
	// out, so it is started first and only the copies above are used after
	rq.Start()

	c.txMu.Lock()
	defer c.txMu.Unlock()

	if err := c.SendRequest(hctx, tag, op, off, length); err != nil {
		return err
	}

	requestsSent.WithLabelValues(d.name, op.String()).Inc()
	requestBytes.WithLabelValues(d.name, op.String()).Add(float64(length))

	if op != blk.OpWrite {
		return nil
	}

	for i, bio := range bios {
		lastBio := i == len(bios)-1

		for j, seg := range bio.Segments {
			lastSeg := j == len(bio.Segments)-1

			if mode.Debug() {
				c.log.Trace("write segment", "tag", tag, "offset", off, "sum", rangeSum(seg))
			}

			if err := c.SendSegment(seg, !lastSeg || !lastBio); err != nil {
				return err
			}

			off += uint64(len(seg))
		}
	}

	return nil
}

// demultiplexReply matches a reply to its outstanding request and completes
// it. For successful reads the payload is received into the request's
// segments first.
func (d *Device) demultiplexReply(c *Conn, outcome error, index, tag uint32) {
	rq := d.tags.TagToRQ(index, tag)
	if rq == nil {
		c.log.Error("no outstanding request for reply", "reply-index", index, "tag", tag)
		unmatchedReplies.Inc()
		return
	}

	gen := rq.Generation()
	pdu := rq.Data().(*requestData)

	if outcome == nil && rq.Command() == blk.OpRead {
		pdu.rx.Lock()
		defer pdu.rx.Unlock()

		if rq.Generation() != gen || !rq.Outstanding() {
			// timed out meanwhile, its connection is already shut down
			c.log.Debug("dropping payload of a completed request", "tag", tag)
			return
		}

		off := rq.Offset()

	segments:
		for _, bio := range rq.Bios() {
			for _, seg := range bio.Segments {
				if err := c.ReceiveSegment(seg); err != nil {
					c.log.Error("error receiving segment", "tag", tag, "error", err)
					outcome = errors.Wrap(ErrIO, err.Error())
					break segments
				}

				if mode.Debug() {
					c.log.Trace("read segment", "tag", tag, "offset", off, "sum", rangeSum(seg))
				}

				off += uint64(len(seg))
			}
		}
	}

	if !pdu.record(outcome) {
		return
	}

	rq.Complete()
}

func (d *Device) Complete(rq *blk.Request) {
	pdu := rq.Data().(*requestData)

	pdu.mu.Lock()
	result := pdu.result
	pdu.mu.Unlock()

	if started := rq.Started(); started.UnixNano() != 0 {
		requestLatency.Observe(time.Since(started).Seconds())
	}

	if result != nil {
		requestErrors.WithLabelValues(d.name, rq.Command().String()).Inc()
		d.log.Debug("request failed", "op", rq.Command(), "tag", rq.Tag(), "error", result)
	}

	rq.End(result)
}

// Timeout fails a request the server did not answer in time and shuts down
// the connection serving it.
func (d *Device) Timeout(rq *blk.Request) blk.TimeoutResult {
	pdu := rq.Data().(*requestData)

	pdu.mu.Lock()

	d.log.Error("request timed out", "op", rq.Command(), "tag", rq.Tag(), "offset", rq.Offset())

	if pdu.result == nil {
		pdu.result = ErrTimedOut
	}

	if pdu.conn != nil {
		pdu.conn.Shutdown()
	}

	pdu.mu.Unlock()

	requestTimeouts.WithLabelValues(d.name).Inc()

	// the shutdown ends any payload transfer into rq, wait for it so the
	// caller's buffers are no longer written once rq completes
	pdu.rx.Lock()
	defer pdu.rx.Unlock()

	rq.Complete()

	return blk.TimeoutDone
}

// Run starts the receive loops of the attached connections and blocks until
// none are left or ctx is canceled. It returns nil if the connections ended
// after RequestDisconnect, ErrIO if they were lost, and ErrInterrupted on
// cancellation. The device capacity is reset to zero before returning.
func (d *Device) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.Wrapf(ErrInvalid, "%s is already running", d.name)
	}

	defer d.running.Store(false)

	d.transition(StateRunning, nil)

	stop := context.AfterFunc(ctx, func() {
		d.connsMu.Lock()
		defer d.connsMu.Unlock()

		d.connsRemoved.Broadcast()
	})

	defer stop()

	d.connsMu.Lock()

	for _, c := range d.conns {
		if !c.started {
			c.started = true
			go c.run()
		}
	}

	var (
		err   error
		final State
	)

	for {
		if d.live.Load() == 0 {
			if d.disconnected.Load() {
				final = StateDisconnectedClean
			} else {
				err = errors.Wrap(ErrIO, "all connections lost")
				final = StateDisconnectedError
			}

			break
		}

		if ctx.Err() != nil {
			d.log.Warn("run interrupted, dropping connections", "connections", len(d.conns))

			d.dropConnections()

			err = ErrInterrupted
			final = StateInterrupted

			break
		}

		d.connsRemoved.Wait()
	}

	d.connsMu.Unlock()

	d.reset()

	d.transition(final, func(from State) bool {
		return from == StateRunning
	})

	return err
}

func (d *Device) reset() {
	if disk := d.Disk(); disk != nil {
		disk.SetCapacityAndNotify(0)
	}
}

// Close tears the device down: connections are detached, then the disk drops
// its reference to the device, then the device drops the disk.
func (d *Device) Close() error {
	d.DetachAll()

	d.diskMu.Lock()
	disk := d.disk
	d.disk = nil
	d.diskMu.Unlock()

	if disk != nil {
		disk.Detach()
	}

	if d.cache != nil {
		return d.cache.Close()
	}

	return nil
}
