package nbdc

import (
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/pkg/errors"
)

type Config struct {
	Devices     int    `hcl:"devices,optional"`
	HwQueues    int    `hcl:"hw_queues,optional"`
	QueueDepth  int    `hcl:"queue_depth,optional"`
	Timeout     string `hcl:"timeout,optional"`
	MetricsAddr string `hcl:"metrics_addr,optional"`

	Cache *CacheConfig `hcl:"cache,block"`
	NATS  *NATSConfig  `hcl:"nats,block"`
	S3    *S3Config    `hcl:"s3,block"`

	Exports []ExportConfig `hcl:"export,block"`
}

type CacheConfig struct {
	Path   string `hcl:"path"`
	Blocks int    `hcl:"blocks,optional"`
}

type NATSConfig struct {
	URL           string `hcl:"url"`
	ID            string `hcl:"id,optional"`
	StatsInterval string `hcl:"stats_interval,optional"`
}

type S3Config struct {
	Region    string `hcl:"region"`
	AccessKey string `hcl:"access_key,optional"`
	SecretKey string `hcl:"secret_key,optional"`
	URL       string `hcl:"host,optional"`
}

// ExportConfig binds a device, named by the block label, to a remote export.
type ExportConfig struct {
	Device      string `hcl:"device,label"`
	Address     string `hcl:"address"`
	Name        string `hcl:"name,optional"`
	Connections int    `hcl:"connections,optional"`
}

func LoadConfig(path string) (*Config, error) {
	var (
		ctx hcl.EvalContext
		cfg Config
	)

	err := hclsimple.DecodeFile(path, &ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ParseConfig decodes src as if it were read from filename, whose extension
// selects HCL or JSON syntax.
func ParseConfig(filename string, src []byte) (*Config, error) {
	var (
		ctx hcl.EvalContext
		cfg Config
	)

	err := hclsimple.Decode(filename, src, &ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Options converts the settings into registry options. Unset values keep the
// defaults.
func (c *Config) Options() ([]Option, error) {
	var o []Option

	if c.Devices != 0 {
		o = append(o, WithDevices(c.Devices))
	}

	if c.HwQueues != 0 {
		o = append(o, WithHwQueues(c.HwQueues))
	}

	if c.QueueDepth != 0 {
		o = append(o, WithQueueDepth(c.QueueDepth))
	}

	if c.Timeout != "" {
		dur, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalid, "timeout %q", c.Timeout)
		}

		o = append(o, WithTimeout(dur))
	}

	if c.Cache != nil {
		o = append(o, WithCache(c.Cache.Path, c.Cache.Blocks))
	}

	return o, nil
}

// Export returns the export configured for device, or nil.
func (c *Config) Export(device string) *ExportConfig {
	for i := range c.Exports {
		if c.Exports[i].Device == device {
			return &c.Exports[i]
		}
	}

	return nil
}

func (n *NATSConfig) Interval() (time.Duration, error) {
	if n.StatsInterval == "" {
		return DefaultStatsInterval, nil
	}

	dur, err := time.ParseDuration(n.StatsInterval)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalid, "stats_interval %q", n.StatsInterval)
	}

	return dur, nil
}
