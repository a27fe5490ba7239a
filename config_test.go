package nbdc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testConfig = `
devices     = 4
hw_queues   = 2
queue_depth = 64
timeout     = "10s"

metrics_addr = ":9100"

cache {
  path   = "/var/cache/nbdc"
  blocks = 1024
}

nats {
  url            = "nats://localhost:4222"
  id             = "host-a"
  stats_interval = "30s"
}

s3 {
  region = "us-west-2"
  host   = "http://localhost:9000"
}

export "nbd0" {
  address     = "tcp://storage:10809"
  name        = "root"
  connections = 2
}

export "nbd1" {
  address = "unix:///run/nbd.sock"
}
`

func TestConfig(t *testing.T) {
	t.Run("parses every block", func(t *testing.T) {
		r := require.New(t)

		cfg, err := ParseConfig("nbdc.hcl", []byte(testConfig))
		r.NoError(err)

		r.Equal(4, cfg.Devices)
		r.Equal(2, cfg.HwQueues)
		r.Equal(64, cfg.QueueDepth)
		r.Equal(":9100", cfg.MetricsAddr)

		r.NotNil(cfg.Cache)
		r.Equal("/var/cache/nbdc", cfg.Cache.Path)

		r.NotNil(cfg.NATS)
		dur, err := cfg.NATS.Interval()
		r.NoError(err)
		r.Equal(30*time.Second, dur)

		r.NotNil(cfg.S3)
		r.Equal("us-west-2", cfg.S3.Region)

		r.Len(cfg.Exports, 2)

		exp := cfg.Export("nbd0")
		r.NotNil(exp)
		r.Equal("tcp://storage:10809", exp.Address)
		r.Equal("root", exp.Name)
		r.Equal(2, exp.Connections)

		r.Nil(cfg.Export("nbd7"))

		options, err := cfg.Options()
		r.NoError(err)
		r.Len(options, 5)

		var o opts
		o.setDefaults()
		for _, opt := range options {
			opt(&o)
		}

		r.Equal(4, o.devices)
		r.Equal(2, o.hwQueues)
		r.Equal(64, o.queueDepth)
		r.Equal(10*time.Second, o.timeout)
		r.Equal(1024, o.cacheBlocks)
	})

	t.Run("empty config keeps defaults", func(t *testing.T) {
		r := require.New(t)

		cfg, err := ParseConfig("empty.hcl", nil)
		r.NoError(err)

		options, err := cfg.Options()
		r.NoError(err)
		r.Empty(options)
	})

	t.Run("bad durations", func(t *testing.T) {
		r := require.New(t)

		cfg, err := ParseConfig("bad.hcl", []byte(`timeout = "soon"`))
		r.NoError(err)

		_, err = cfg.Options()
		r.ErrorIs(err, ErrInvalid)

		n := &NATSConfig{StatsInterval: "often"}
		_, err = n.Interval()
		r.ErrorIs(err, ErrInvalid)

		dur, err := (&NATSConfig{}).Interval()
		r.NoError(err)
		r.Equal(DefaultStatsInterval, dur)
	})

	t.Run("loads files", func(t *testing.T) {
		r := require.New(t)

		path := filepath.Join(t.TempDir(), "nbdc.hcl")
		r.NoError(os.WriteFile(path, []byte(testConfig), 0644))

		cfg, err := LoadConfig(path)
		r.NoError(err)
		r.Equal(4, cfg.Devices)
	})
}
