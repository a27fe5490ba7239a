package blk

import (
	"sync"
	"sync/atomic"
	"time"
)

// Op is the kind of a block request.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpDiscard
	OpWriteZeroes
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpDiscard:
		return "discard"
	case OpWriteZeroes:
		return "write-zeroes"
	default:
		return "unknown"
	}
}

const (
	SectorShift = 9
	SectorSize  = 1 << SectorShift
)

// Bio is one caller buffer of a request, split into segments of at most
// SegmentSize bytes.
type Bio struct {
	Segments [][]byte
}

const (
	rqFree int32 = iota
	rqAllocated
	rqStarted
	rqComplete
)

// Request is one outstanding block request. Requests are preallocated per tag
// by a TagSet and reused, including their driver private data.
type Request struct {
	hctx uint32
	tag  int32
	data any

	op     Op
	sector uint64
	bytes  uint32
	bios   []Bio

	ops     Operations
	timeout time.Duration

	state atomic.Int32
	gen   atomic.Uint64
	done  chan error

	timerMu sync.Mutex
	timer   *time.Timer

	started atomic.Int64
}

func (r *Request) HwQueue() uint32 {
	return r.hctx
}

func (r *Request) Tag() int32 {
	return r.tag
}

func (r *Request) Command() Op {
	return r.op
}

func (r *Request) Sector() uint64 {
	return r.sector
}

// Offset is the target byte offset of the request.
func (r *Request) Offset() uint64 {
	return r.sector << SectorShift
}

func (r *Request) PayloadBytes() uint32 {
	return r.bytes
}

func (r *Request) Bios() []Bio {
	return r.bios
}

// Data returns the driver private data attached to this tag.
func (r *Request) Data() any {
	return r.data
}

// Generation changes every time the tag is handed to a new request.
func (r *Request) Generation() uint64 {
	return r.gen.Load()
}

// Started reports when the request was handed to the driver.
func (r *Request) Started() time.Time {
	return time.Unix(0, r.started.Load())
}

// prepare fills in a freshly reserved request and publishes it as
// outstanding.
func (r *Request) prepare(op Op, sector uint64, bytes uint32, bios []Bio, ops Operations, timeout time.Duration) {
	r.op = op
	r.sector = sector
	r.bytes = bytes
	r.bios = bios
	r.ops = ops
	r.timeout = timeout
	r.started.Store(0)
	r.gen.Add(1)

	r.state.Store(rqAllocated)
}

// Start marks the request as in flight and arms its timeout. It has no
// effect on a request that already completed.
func (r *Request) Start() {
	if !r.state.CompareAndSwap(rqAllocated, rqStarted) {
		return
	}

	r.started.Store(time.Now().UnixNano())
	r.armTimer()
}

func (r *Request) armTimer() {
	if r.timeout <= 0 {
		return
	}

	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	if r.state.Load() != rqStarted {
		return
	}

	gen := r.gen.Load()
	r.timer = time.AfterFunc(r.timeout, func() {
		r.timedOut(gen)
	})
}

func (r *Request) stopTimer() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Request) timedOut(gen uint64) {
	if r.gen.Load() != gen || r.state.Load() != rqStarted {
		return
	}

	if r.ops.Timeout(r) == TimeoutResetTimer && r.state.Load() == rqStarted {
		r.armTimer()
	}
}

// Complete hands the request back to the driver's Complete callback. Only the
// first call for an outstanding request has any effect.
func (r *Request) Complete() {
	if !r.markComplete() {
		return
	}

	r.ops.Complete(r)
}

func (r *Request) markComplete() bool {
	for {
		s := r.state.Load()
		if s != rqAllocated && s != rqStarted {
			return false
		}

		if r.state.CompareAndSwap(s, rqComplete) {
			r.stopTimer()
			return true
		}
	}
}

// fail completes the request with err without involving the driver.
func (r *Request) fail(err error) {
	if r.markComplete() {
		r.End(err)
	}
}

// End delivers the final status of the request to the submitter.
func (r *Request) End(err error) {
	select {
	case r.done <- err:
	default:
	}
}

// Outstanding reports whether the request holds its tag and has not
// completed yet.
func (r *Request) Outstanding() bool {
	s := r.state.Load()
	return s == rqAllocated || s == rqStarted
}
