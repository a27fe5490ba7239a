package blk

import (
	"context"

	"github.com/pkg/errors"
)

type hwQueue struct {
	rqs  []*Request
	free chan int32
}

// TagSet owns the fixed pool of requests for every hardware queue of a disk.
type TagSet struct {
	queues []*hwQueue
	depth  int
}

const (
	DefaultQueueDepth = 128
	DefaultHwQueues   = 1
)

// NewTagSet allocates nrHwQueues queues of depth requests each. newData, if
// set, is called once per request to create the driver private data.
func NewTagSet(nrHwQueues, depth int, newData func() any) (*TagSet, error) {
	if nrHwQueues <= 0 || depth <= 0 {
		return nil, errors.Errorf("invalid tag set geometry: %d queues, depth %d", nrHwQueues, depth)
	}

	ts := &TagSet{depth: depth}

	for h := 0; h < nrHwQueues; h++ {
		q := &hwQueue{
			rqs:  make([]*Request, depth),
			free: make(chan int32, depth),
		}

		for t := 0; t < depth; t++ {
			rq := &Request{
				hctx: uint32(h),
				tag:  int32(t),
				done: make(chan error, 1),
			}

			if newData != nil {
				rq.data = newData()
			}

			q.rqs[t] = rq
			q.free <- int32(t)
		}

		ts.queues = append(ts.queues, q)
	}

	return ts, nil
}

func (t *TagSet) HwQueues() int {
	return len(t.queues)
}

func (t *TagSet) Depth() int {
	return t.depth
}

// TagToRQ returns the outstanding request for a hardware queue and tag, or
// nil if no such request is outstanding.
func (t *TagSet) TagToRQ(hctx, tag uint32) *Request {
	if int(hctx) >= len(t.queues) {
		return nil
	}

	q := t.queues[hctx]
	if int(tag) >= len(q.rqs) {
		return nil
	}

	rq := q.rqs[tag]
	if !rq.Outstanding() {
		return nil
	}

	return rq
}

// get reserves a free tag. The request is not outstanding until the caller
// fills it in with Request.prepare.
func (t *TagSet) get(ctx context.Context, hctx uint32) (*Request, error) {
	q := t.queues[hctx]

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case tag := <-q.free:
		rq := q.rqs[tag]

		select {
		case <-rq.done:
		default:
		}

		return rq, nil
	}
}

func (t *TagSet) put(rq *Request) {
	rq.bios = nil
	rq.state.Store(rqFree)
	t.queues[rq.hctx].free <- rq.tag
}
