package nbdc

import (
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/nbdc/pkg/blk"
	"github.com/lab47/nbdc/pkg/nbd"
	"github.com/oklog/ulid/v2"
)

// Conn is one transport connection of a Device. Exactly one goroutine, the
// receive loop, reads from it; senders serialize on txMu so a request's
// header and payload stay contiguous on the wire.
type Conn struct {
	log   hclog.Logger
	id    ulid.ULID
	dev   *Device
	index uint32
	sock  Socket

	txMu sync.Mutex

	// guarded by dev.connsMu
	counted bool
	started bool

	closeOnce sync.Once
}

func newConn(dev *Device, index uint32, h Handle) (*Conn, error) {
	sock, err := h.Resolve()
	if err != nil {
		return nil, err
	}

	id := ulid.MustNew(ulid.Now(), ulid.DefaultEntropy())

	return &Conn{
		log:   dev.log.With("conn", id.String(), "index", index),
		id:    id,
		dev:   dev,
		index: index,
		sock:  sock,
	}, nil
}

func (c *Conn) ID() ulid.ULID {
	return c.id
}

// Index is the queue index requests routed to this connection carry.
func (c *Conn) Index() uint32 {
	return c.index
}

// SendRequest transmits a request header. Writes are sent with the more flag
// set since their payload follows.
func (c *Conn) SendRequest(index uint32, tag int32, op blk.Op, from uint64, length uint32) error {
	c.log.Trace("sending request", "tag", tag, "op", op, "offset", from, "length", length)

	hdr, err := EncodeRequest(index, tag, op, from, length)
	if err != nil {
		return err
	}

	return c.sock.Send(hdr, op == blk.OpWrite)
}

func (c *Conn) SendSegment(b []byte, more bool) error {
	return c.sock.Send(b, more)
}

// ReceiveSegment fills b from the connection. Only the receive loop may call
// it.
func (c *Conn) ReceiveSegment(b []byte) error {
	return c.sock.Receive(b)
}

func (c *Conn) SendDisconnect() error {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	return c.sock.Send(EncodeDisconnect(c.index), false)
}

// Shutdown stops the connection in both directions, which ends its receive
// loop. Failures are only logged.
func (c *Conn) Shutdown() {
	if err := c.sock.Shutdown(); err != nil {
		c.log.Warn("error shutting down connection", "error", err)
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		if err := c.sock.Close(); err != nil {
			c.log.Debug("error closing connection", "error", err)
		}
	})
}

func (c *Conn) receiveReply() error {
	var hdr [nbd.TRANSMISSION_REPLY_SIZE]byte

	if err := c.sock.Receive(hdr[:]); err != nil {
		return err
	}

	outcome, index, tag, err := DecodeReply(&hdr)
	if err != nil {
		return err
	}

	c.log.Trace("received reply", "reply-index", index, "tag", tag, "outcome", outcome)

	c.dev.demultiplexReply(c, outcome, index, tag)

	return nil
}

// run is the receive loop. It ends at the first transport or protocol error
// and reports the termination to the device exactly once.
func (c *Conn) run() {
	defer c.close()

	c.log.Debug("receive loop started")

	for {
		err := c.receiveReply()
		if err == nil {
			continue
		}

		if !c.dev.disconnected.Load() {
			c.log.Error("error receiving reply", "error", err)
		} else {
			c.log.Debug("receive loop ended", "error", err)
		}

		c.dev.connectionTerminated(c)
		return
	}
}
