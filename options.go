package nbdc

import (
	"time"

	"github.com/lab47/nbdc/pkg/blk"
)

// DefaultDevices is the number of devices a Registry creates by default.
const DefaultDevices = 16

type opts struct {
	devices     int
	hwQueues    int
	queueDepth  int
	timeout     time.Duration
	cacheDir    string
	cacheBlocks int
	hooks       []StateHook
}

func (o *opts) setDefaults() {
	o.devices = DefaultDevices
	o.hwQueues = blk.DefaultHwQueues
	o.queueDepth = blk.DefaultQueueDepth
	o.timeout = blk.DefaultTimeout
}

type Option func(o *opts)

func WithDevices(n int) Option {
	return func(o *opts) {
		o.devices = n
	}
}

// WithHwQueues sets the number of hardware queues per device. Requests on
// queue i are routed to the connection at index i.
func WithHwQueues(n int) Option {
	return func(o *opts) {
		o.hwQueues = n
	}
}

func WithQueueDepth(n int) Option {
	return func(o *opts) {
		o.queueDepth = n
	}
}

func WithTimeout(dur time.Duration) Option {
	return func(o *opts) {
		o.timeout = dur
	}
}

// WithCache keeps a local block cache per device under dir.
func WithCache(dir string, blocks int) Option {
	return func(o *opts) {
		o.cacheDir = dir
		o.cacheBlocks = blocks
	}
}

func WithStateHook(h StateHook) Option {
	return func(o *opts) {
		o.hooks = append(o.hooks, h)
	}
}
