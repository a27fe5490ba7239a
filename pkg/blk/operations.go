package blk

// TimeoutResult tells the block layer what to do after a driver handled a
// request timeout.
type TimeoutResult int

const (
	// TimeoutDone means the driver completed (or will complete) the request.
	TimeoutDone TimeoutResult = iota
	// TimeoutResetTimer re-arms the timer for another period.
	TimeoutResetTimer
)

// Operations is implemented once per driver and invoked by a Disk for every
// request submitted to it.
type Operations interface {
	// QueueRQ sends rq to the device. last is false when more requests are
	// about to be queued on the same hardware queue.
	QueueRQ(hctx uint32, rq *Request, last bool) error

	// Complete is called once per request after Request.Complete and must
	// call Request.End.
	Complete(rq *Request)

	// Timeout is called when a started request did not complete in time.
	Timeout(rq *Request) TimeoutResult
}
