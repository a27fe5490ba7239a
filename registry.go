package nbdc

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Registry owns the devices of the process, nbd0 through nbdN-1. It is
// created once at startup and must be closed explicitly.
type Registry struct {
	log hclog.Logger

	mu      sync.Mutex
	devices []*Device
}

func NewRegistry(log hclog.Logger, options ...Option) (*Registry, error) {
	var o opts
	o.setDefaults()

	for _, opt := range options {
		opt(&o)
	}

	if o.devices <= 0 {
		return nil, errors.Wrapf(ErrInvalid, "device count %d", o.devices)
	}

	r := &Registry{
		log: log,
	}

	for i := 0; i < o.devices; i++ {
		d, err := newDevice(log, fmt.Sprintf("nbd%d", i), i, &o)
		if err != nil {
			r.Close()
			return nil, err
		}

		r.devices = append(r.devices, d)
	}

	log.Debug("created devices", "count", o.devices, "hw-queues", o.hwQueues, "queue-depth", o.queueDepth)

	return r, nil
}

// Device returns nbd<i>.
func (r *Registry) Device(i int) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i < 0 || i >= len(r.devices) {
		return nil, errors.Wrapf(ErrInvalid, "no device nbd%d", i)
	}

	return r.devices[i], nil
}

func (r *Registry) Lookup(name string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.devices {
		if d.name == name {
			return d, nil
		}
	}

	return nil, errors.Wrapf(ErrInvalid, "no device %s", name)
}

func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*Device(nil), r.devices...)
}

// Close tears down every device. The registry is empty afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	devices := r.devices
	r.devices = nil
	r.mu.Unlock()

	var first error

	for _, d := range devices {
		if err := d.Close(); err != nil {
			r.log.Error("error closing device", "device", d.name, "error", err)

			if first == nil {
				first = err
			}
		}
	}

	return first
}
