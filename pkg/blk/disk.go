package blk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

var (
	ErrDetached        = errors.New("disk has no driver attached")
	ErrOutOfRange      = errors.New("access beyond end of disk")
	ErrUnaligned       = errors.New("access not aligned to logical block size")
	ErrInvalidArgument = errors.New("invalid request arguments")
)

const (
	// SegmentSize is the largest contiguous chunk a Bio segment covers.
	SegmentSize = 4096

	DefaultMaxRequestSize = 128 * 1024
	DefaultTimeout        = 30 * time.Second
	DefaultBlockSize      = SectorSize
)

// Disk is a block device exposed to the rest of the process. Requests are
// handed to the Operations it was created with.
type Disk struct {
	log  hclog.Logger
	name string

	opsMu sync.RWMutex
	ops   Operations

	tags      *TagSet
	nextQueue atomic.Uint32

	// in 512 byte sectors
	capacity atomic.Uint64

	limitsMu          sync.Mutex
	logicalBlockSize  uint32
	physicalBlockSize uint32
	writeCache        bool
	fua               bool
	rotational        bool

	timeout    time.Duration
	maxRequest int

	cache *BlockCache
}

type DiskOption func(d *Disk)

func WithTimeout(dur time.Duration) DiskOption {
	return func(d *Disk) {
		d.timeout = dur
	}
}

func WithLogger(log hclog.Logger) DiskOption {
	return func(d *Disk) {
		d.log = log
	}
}

func WithCache(c *BlockCache) DiskOption {
	return func(d *Disk) {
		d.cache = c
	}
}

func WithMaxRequestSize(sz int) DiskOption {
	return func(d *Disk) {
		d.maxRequest = sz
	}
}

func NewDisk(name string, tags *TagSet, ops Operations, opts ...DiskOption) *Disk {
	d := &Disk{
		log:               hclog.NewNullLogger(),
		name:              name,
		ops:               ops,
		tags:              tags,
		logicalBlockSize:  DefaultBlockSize,
		physicalBlockSize: DefaultBlockSize,
		rotational:        true,
		timeout:           DefaultTimeout,
		maxRequest:        DefaultMaxRequestSize,
	}

	for _, o := range opts {
		o(d)
	}

	d.log = d.log.Named(name)

	return d
}

func (d *Disk) Name() string {
	return d.name
}

func (d *Disk) TagSet() *TagSet {
	return d.tags
}

// Capacity is the size of the disk in 512 byte sectors.
func (d *Disk) Capacity() uint64 {
	return d.capacity.Load()
}

// Size is the size of the disk in bytes.
func (d *Disk) Size() int64 {
	return int64(d.capacity.Load() << SectorShift)
}

func (d *Disk) SetCapacityAndNotify(sectors uint64) {
	old := d.capacity.Swap(sectors)
	if old == sectors {
		return
	}

	d.log.Info("capacity change", "old", old<<SectorShift, "new", sectors<<SectorShift)

	if d.cache != nil {
		if err := d.cache.Reset(); err != nil {
			d.log.Error("error resetting block cache", "error", err)
		}
	}
}

func (d *Disk) SetLogicalBlockSize(sz uint32) {
	d.limitsMu.Lock()
	defer d.limitsMu.Unlock()

	d.logicalBlockSize = sz
}

func (d *Disk) SetPhysicalBlockSize(sz uint32) {
	d.limitsMu.Lock()
	defer d.limitsMu.Unlock()

	d.physicalBlockSize = sz
}

func (d *Disk) LogicalBlockSize() uint32 {
	d.limitsMu.Lock()
	defer d.limitsMu.Unlock()

	return d.logicalBlockSize
}

func (d *Disk) PhysicalBlockSize() uint32 {
	d.limitsMu.Lock()
	defer d.limitsMu.Unlock()

	return d.physicalBlockSize
}

// SetWriteCache declares whether the device has a volatile write cache that
// needs flushing, and whether it honors FUA writes.
func (d *Disk) SetWriteCache(wc, fua bool) {
	d.limitsMu.Lock()
	defer d.limitsMu.Unlock()

	d.writeCache = wc
	d.fua = wc && fua
}

func (d *Disk) WriteCache() (wc, fua bool) {
	d.limitsMu.Lock()
	defer d.limitsMu.Unlock()

	return d.writeCache, d.fua
}

func (d *Disk) SetRotational(rot bool) {
	d.limitsMu.Lock()
	defer d.limitsMu.Unlock()

	d.rotational = rot
}

func (d *Disk) Rotational() bool {
	d.limitsMu.Lock()
	defer d.limitsMu.Unlock()

	return d.rotational
}

// Detach drops the disk's reference to its driver. Requests submitted
// afterwards fail with ErrDetached.
func (d *Disk) Detach() {
	d.opsMu.Lock()
	defer d.opsMu.Unlock()

	d.ops = nil
}

func (d *Disk) operations() Operations {
	d.opsMu.RLock()
	defer d.opsMu.RUnlock()

	return d.ops
}

func (d *Disk) checkRange(op Op, off int64, length uint32) error {
	if op == OpFlush {
		return nil
	}

	if length == 0 {
		return errors.Wrapf(ErrInvalidArgument, "empty %s request", op)
	}

	lbs := int64(d.LogicalBlockSize())

	if off < 0 || off%lbs != 0 || int64(length)%lbs != 0 {
		return ErrUnaligned
	}

	if off+int64(length) > d.Size() {
		return ErrOutOfRange
	}

	return nil
}

func splitBios(bufs [][]byte) []Bio {
	bios := make([]Bio, 0, len(bufs))

	for _, b := range bufs {
		var bio Bio
		for len(b) > 0 {
			n := min(len(b), SegmentSize)
			bio.Segments = append(bio.Segments, b[:n])
			b = b[n:]
		}

		bios = append(bios, bio)
	}

	return bios
}

// Submit issues one request and waits for it to complete. For reads and
// writes length must equal the combined size of bufs. ctx only bounds the
// wait for a free tag: once dispatched a request ends by completion or by
// its timeout.
func (d *Disk) Submit(ctx context.Context, op Op, off int64, length uint32, bufs ...[]byte) error {
	ops := d.operations()
	if ops == nil {
		return ErrDetached
	}

	if op == OpRead || op == OpWrite {
		var total int
		for _, b := range bufs {
			total += len(b)
		}

		if total != int(length) {
			return errors.Wrapf(ErrInvalidArgument, "buffers hold %d bytes, request is %d", total, length)
		}
	} else if len(bufs) != 0 {
		return errors.Wrapf(ErrInvalidArgument, "%s requests carry no data", op)
	}

	if err := d.checkRange(op, off, length); err != nil {
		return err
	}

	hctx := (d.nextQueue.Add(1) - 1) % uint32(d.tags.HwQueues())

	rq, err := d.tags.get(ctx, hctx)
	if err != nil {
		return err
	}

	defer d.tags.put(rq)

	rq.prepare(op, uint64(off)>>SectorShift, length, splitBios(bufs), ops, d.timeout)

	if err := ops.QueueRQ(hctx, rq, true); err != nil {
		rq.fail(err)
	}

	return <-rq.done
}

func (d *Disk) ReadAt(b []byte, off int64) (int, error) {
	if d.cache != nil && d.readCached(b, off) {
		return len(b), nil
	}

	ctx := context.Background()

	var done int
	for done < len(b) {
		n := min(len(b)-done, d.maxRequest)

		if err := d.Submit(ctx, OpRead, off+int64(done), uint32(n), b[done:done+n]); err != nil {
			return done, err
		}

		done += n
	}

	if d.cache != nil {
		d.fillCache(b, off)
	}

	return len(b), nil
}

func (d *Disk) WriteAt(b []byte, off int64) (int, error) {
	ctx := context.Background()

	var done int
	for done < len(b) {
		n := min(len(b)-done, d.maxRequest)

		err := d.Submit(ctx, OpWrite, off+int64(done), uint32(n), b[done:done+n])

		if d.cache != nil {
			if err == nil {
				d.fillCache(b[done:done+n], off+int64(done))
			} else {
				d.invalidateCache(off+int64(done), int64(n))
			}
		}

		if err != nil {
			return done, err
		}

		done += n
	}

	return len(b), nil
}

// Flush waits for the device's write cache to reach stable storage. Disks
// without a write cache have nothing to flush.
func (d *Disk) Flush(ctx context.Context) error {
	if wc, _ := d.WriteCache(); !wc {
		return nil
	}

	return d.Submit(ctx, OpFlush, 0, 0)
}

func (d *Disk) Discard(ctx context.Context, off, length int64) error {
	return d.zeroRange(ctx, OpDiscard, off, length)
}

func (d *Disk) WriteZeroes(ctx context.Context, off, length int64) error {
	return d.zeroRange(ctx, OpWriteZeroes, off, length)
}

func (d *Disk) zeroRange(ctx context.Context, op Op, off, length int64) error {
	if d.cache != nil {
		defer d.invalidateCache(off, length)
	}

	for length > 0 {
		n := min(length, int64(d.maxRequest))

		if err := d.Submit(ctx, op, off, uint32(n)); err != nil {
			return err
		}

		off += n
		length -= n
	}

	return nil
}

func (d *Disk) readCached(b []byte, off int64) bool {
	if off%CacheBlockSize != 0 || len(b)%CacheBlockSize != 0 {
		return false
	}

	for i := 0; i < len(b); i += CacheBlockSize {
		ok, err := d.cache.Get(uint64(off+int64(i))/CacheBlockSize, b[i:i+CacheBlockSize])
		if err != nil {
			d.log.Error("error reading block cache", "error", err)
			return false
		}

		if !ok {
			return false
		}
	}

	return true
}

func (d *Disk) fillCache(b []byte, off int64) {
	for i := 0; i < len(b); {
		pos := off + int64(i)
		blk := uint64(pos) / CacheBlockSize

		if pos%CacheBlockSize != 0 || len(b)-i < CacheBlockSize {
			// partial block, whatever is cached for it is stale now
			if err := d.cache.Invalidate(blk); err != nil {
				d.log.Error("error invalidating block cache", "error", err)
			}

			i += int(CacheBlockSize - pos%CacheBlockSize)
			continue
		}

		if err := d.cache.Put(blk, b[i:i+CacheBlockSize]); err != nil {
			d.log.Error("error populating block cache", "error", err)
		}

		i += CacheBlockSize
	}
}

func (d *Disk) invalidateCache(off, length int64) {
	if length <= 0 {
		return
	}

	first := uint64(off) / CacheBlockSize
	last := uint64(off+length-1) / CacheBlockSize

	for blk := first; blk <= last; blk++ {
		if err := d.cache.Invalidate(blk); err != nil {
			d.log.Error("error invalidating block cache", "error", err)
		}
	}
}
