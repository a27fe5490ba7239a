package nbdc

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/lab47/nbdc/pkg/blk"
	"github.com/lab47/nbdc/pkg/nbd"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestNATSControl(t *testing.T) {
	t.Run("disconnect and detach", func(t *testing.T) {
		r := require.New(t)

		d := newTestDevice(t)
		r.NoError(d.AttachConnection(newFakeSocket()))

		n := &NATSConnector{log: hclog.NewNullLogger(), dev: d, id: "test"}

		n.handleControl(&ControlMessage{Kind: "disconnect"})
		r.True(d.Disconnected())

		n.handleControl(&ControlMessage{Kind: "detach"})
		r.Empty(d.Connections())
		r.Equal(StateUnconfigured, d.State())

		n.handleControl(&ControlMessage{Kind: "reboot"})
	})

	t.Run("stats reflect the device", func(t *testing.T) {
		r := require.New(t)

		d := newTestDevice(t)
		d.SetByteSize(1 << 20)
		r.NoError(d.SetBlockSize(4096))
		r.NoError(d.AttachConnection(newFakeSocket()))

		n := &NATSConnector{log: hclog.NewNullLogger(), dev: d, id: "test"}

		st := n.stats()
		r.Equal("test", st.Id)
		r.Equal("nbd0", st.Device)
		r.Equal("attaching", st.State)
		r.Equal(uint64(1<<20), st.Size)
		r.Equal(uint32(4096), st.BlockSize)
		r.Equal(1, st.LiveConnections)
		r.Equal(int64(metricValue(requestTimeouts.WithLabelValues("nbd0"))), st.Timeouts)
	})
}

func TestNATSStats(t *testing.T) {
	newNamedDevice := func(t *testing.T, name string) *Device {
		d, err := NewDevice(hclog.NewNullLogger(), name)
		require.NoError(t, err)

		t.Cleanup(func() { d.Close() })

		return d
	}

	t.Run("counts only the device's own requests", func(t *testing.T) {
		r := require.New(t)

		busy := newNamedDevice(t, "stats-busy")
		busy.SetByteSize(1 << 20)

		idle := newNamedDevice(t, "stats-idle")
		idle.SetByteSize(1 << 20)

		sock := newFakeSocket()
		r.NoError(busy.AttachConnection(sock))
		r.NoError(idle.AttachConnection(newFakeSocket()))

		conn := busy.Connections()[0]

		for i := 0; i < 3; i++ {
			errs := submitAsync(busy, blk.OpRead, 0, 4096, make([]byte, 4096))
			tag := sock.waitRequest(t, i)

			sock.recv <- make([]byte, 4096)
			busy.demultiplexReply(conn, nil, 0, tag)

			r.NoError(<-errs)
		}

		errs := submitAsync(busy, blk.OpRead, 0, 4096, make([]byte, 4096))
		tag := sock.waitRequest(t, 3)

		busy.demultiplexReply(conn, &RemoteError{Code: nbd.TRANSMISSION_ERROR_EIO}, 0, tag)
		r.ErrorIs(<-errs, ErrRemote)

		log := hclog.NewNullLogger()

		st := (&NATSConnector{log: log, dev: busy, id: "busy"}).stats()
		r.Equal("stats-busy", st.Device)
		r.Equal(int64(4), st.Reads)
		r.Equal(int64(1), st.Errors)
		r.Zero(st.Writes)

		st = (&NATSConnector{log: log, dev: idle, id: "idle"}).stats()
		r.Equal("stats-idle", st.Device)
		r.Zero(st.Reads)
		r.Zero(st.Errors)
		r.Zero(st.Timeouts)
	})

	t.Run("close unregisters the state hook", func(t *testing.T) {
		r := require.New(t)

		d := newNamedDevice(t, "stats-hook")

		var calls int
		n := &NATSConnector{log: hclog.NewNullLogger(), dev: d, id: "hook"}
		n.removeHook = d.OnStateChange(func(dev *Device, from, to State) {
			calls++
		})

		r.NoError(d.AttachConnection(newFakeSocket()))
		r.Equal(1, calls)

		n.Close()

		d.DetachAll()
		r.Equal(1, calls)
		r.Equal(StateUnconfigured, d.State())
	})
}

func TestNATS(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("nats url not specified")
	}

	log := hclog.New(&hclog.LoggerOptions{Level: hclog.Trace})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("can connect and deliver events", func(t *testing.T) {
		r := require.New(t)

		d := newTestDevice(t)

		nc, err := NewNATSConnector(log, d, url, "test")
		r.NoError(err)
		defer nc.Close()

		r.NoError(nc.Start(ctx, time.Hour))

		conn, err := nats.Connect(url)
		r.NoError(err)

		defer conn.Close()

		stats := make(chan *StatsMessage, 1)
		_, err = conn.Subscribe("nbdc.device.test.stats", func(msg *nats.Msg) {
			var sm StatsMessage

			if json.Unmarshal(msg.Data, &sm) == nil {
				stats <- &sm
			}
		})
		r.NoError(err)

		events := make(chan *StateEvent, 4)
		_, err = conn.Subscribe("nbdc.device.test.state", func(msg *nats.Msg) {
			var ev StateEvent

			if cbor.Unmarshal(msg.Data, &ev) == nil {
				events <- &ev
			}
		})
		r.NoError(err)

		r.NoError(conn.Flush())

		b := time.Now()

		r.NoError(nc.publishStats())

		select {
		case <-ctx.Done():
			r.NoError(ctx.Err())
		case sm := <-stats:
			r.Equal("nbd0", sm.Device)
			r.InDelta(0, sm.PublishTime.Sub(b).Seconds(), 1)
		}

		r.NoError(d.AttachConnection(newFakeSocket()))

		select {
		case <-ctx.Done():
			r.NoError(ctx.Err())
		case ev := <-events:
			r.Equal("unconfigured", ev.From)
			r.Equal("attaching", ev.To)
		}

		cm, err := json.Marshal(&ControlMessage{Kind: "disconnect"})
		r.NoError(err)
		r.NoError(conn.Publish("nbdc.device.test.control", cm))

		require.Eventually(t, d.Disconnected, 5*time.Second, 10*time.Millisecond)
	})
}
