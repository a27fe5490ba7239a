package nbdc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
)

const DefaultStatsInterval = time.Minute

// NATSConnector publishes a device's stats and state changes to NATS and
// accepts control messages for it.
type NATSConnector struct {
	log  hclog.Logger
	dev  *Device
	id   string
	conn *nats.Conn

	controlSub *nats.Subscription
	removeHook func()
}

func NewNATSConnector(log hclog.Logger, dev *Device, url, id string) (*NATSConnector, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}

	if id == "" {
		id = dev.Name()
	}

	nc := &NATSConnector{
		log:  log.Named("nats"),
		dev:  dev,
		id:   id,
		conn: conn,
	}

	return nc, nil
}

func (n *NATSConnector) Start(ctx context.Context, interval time.Duration) error {
	n.removeHook = n.dev.OnStateChange(n.stateChanged)

	go n.startPeriodic(ctx, interval)

	return n.startControllerInput(ctx)
}

func (n *NATSConnector) Close() {
	if n.removeHook != nil {
		n.removeHook()
	}

	if n.controlSub != nil {
		n.controlSub.Unsubscribe()
	}

	if n.conn != nil {
		n.conn.Close()
	}
}

func (n *NATSConnector) startPeriodic(ctx context.Context, dur time.Duration) {
	ticker := time.NewTicker(dur)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := n.publishStats()
			if err != nil {
				n.log.Error("error publishing periodic stats", "error", err)
			}
		}
	}
}

func (n *NATSConnector) subj(which string) string {
	return fmt.Sprintf("nbdc.device.%s.%s", n.id, which)
}

type StatsMessage struct {
	Id              string    `json:"id"`
	Device          string    `json:"device"`
	PublishTime     time.Time `json:"published_at"`
	State           string    `json:"state"`
	Size            uint64    `json:"size"`
	BlockSize       uint32    `json:"block_size"`
	LiveConnections int       `json:"live_connections"`
	Reads           int64     `json:"reads"`
	Writes          int64     `json:"writes"`
	Flushes         int64     `json:"flushes"`
	Trims           int64     `json:"trims"`
	Errors          int64     `json:"errors"`
	Timeouts        int64     `json:"timeouts"`
}

func (n *NATSConnector) stats() *StatsMessage {
	size, blkSize := n.dev.Geometry()
	name := n.dev.Name()

	count := func(op string) int64 {
		return int64(metricValue(requestsSent.WithLabelValues(name, op)))
	}

	var errs float64
	for _, op := range []string{"read", "write", "flush", "discard"} {
		errs += metricValue(requestErrors.WithLabelValues(name, op))
	}

	return &StatsMessage{
		Id:              n.id,
		Device:          name,
		PublishTime:     time.Now(),
		State:           n.dev.State().String(),
		Size:            size,
		BlockSize:       blkSize,
		LiveConnections: n.dev.LiveConnections(),
		Reads:           count("read"),
		Writes:          count("write"),
		Flushes:         count("flush"),
		Trims:           count("discard"),
		Errors:          int64(errs),
		Timeouts:        int64(metricValue(requestTimeouts.WithLabelValues(name))),
	}
}

func (n *NATSConnector) publishStats() error {
	data, err := json.Marshal(n.stats())
	if err != nil {
		return err
	}

	return n.conn.Publish(n.subj("stats"), data)
}

func (n *NATSConnector) publish(subject string, value any) error {
	data, err := cbor.Marshal(value)
	if err != nil {
		return err
	}

	return n.conn.Publish(subject, data)
}

// StateEvent is published, cbor encoded, on every device state change.
type StateEvent struct {
	Id     string    `cbor:"1,keyasint"`
	Device string    `cbor:"2,keyasint"`
	From   string    `cbor:"3,keyasint"`
	To     string    `cbor:"4,keyasint"`
	At     time.Time `cbor:"5,keyasint"`
}

func (n *NATSConnector) stateChanged(dev *Device, from, to State) {
	err := n.publish(n.subj("state"), &StateEvent{
		Id:     n.id,
		Device: dev.Name(),
		From:   from.String(),
		To:     to.String(),
		At:     time.Now(),
	})
	if err != nil {
		n.log.Error("error publishing state change", "error", err)
	}
}

type ControlMessage struct {
	Kind string `json:"kind"`
}

func (n *NATSConnector) handleControl(cm *ControlMessage) {
	n.log.Debug("received control message via NATS", "kind", cm.Kind)

	switch cm.Kind {
	case "disconnect":
		n.dev.RequestDisconnect()
	case "detach":
		n.dev.DetachAll()
	case "stats":
		if err := n.publishStats(); err != nil {
			n.log.Error("error publishing stats", "error", err)
		}
	default:
		n.log.Warn("unknown control message", "kind", cm.Kind)
	}
}

func (n *NATSConnector) startControllerInput(ctx context.Context) error {
	sub, err := n.conn.Subscribe(n.subj("control"), func(msg *nats.Msg) {
		var cm ControlMessage

		err := json.Unmarshal(msg.Data, &cm)
		if err != nil {
			n.log.Error("error decoding control message", "error", err)
			return
		}

		n.handleControl(&cm)
	})

	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	n.controlSub = sub

	return nil
}
