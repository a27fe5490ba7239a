package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
	"github.com/lab47/cleo"
	"github.com/lab47/nbdc"
	"github.com/lab47/nbdc/pkg/nbd"
	"github.com/mitchellh/cli"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"
)

type CLI struct {
	log hclog.Logger

	lc *cli.CLI
}

type Global struct {
	Config string `short:"c" long:"config" description:"client configuration"`
	Debug  bool   `short:"D" long:"debug" description:"enable debug mode"`
}

// Target names the device and the export it should be connected to. Values
// left empty come from the export block of the configuration.
type Target struct {
	Device      string `short:"d" long:"device" description:"device to use (default nbd0)"`
	Address     string `short:"a" long:"addr" description:"address of the server (host:port, unix://path or vsock://cid:port)"`
	Export      string `short:"e" long:"export" description:"name of the export"`
	Connections int    `short:"n" long:"connections" description:"number of connections to open (default 1)"`
}

func NewCLI(log hclog.Logger, args []string) (*CLI, error) {
	c := &CLI{
		log: log,
		lc:  cli.NewCLI("nbdc", "alpha"),
	}

	c.lc.Args = args

	err := c.setupCommands()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *CLI) Run() (int, error) {
	return c.lc.Run()
}

func (c *CLI) setupCommands() error {
	c.lc.Commands = map[string]cli.CommandFactory{
		"attach": func() (cli.Command, error) {
			return cleo.Infer("attach", "connect a device to an export and serve it until disconnect", c.attach), nil
		},
		"info": func() (cli.Command, error) {
			return cleo.Infer("info", "show what a server reports about an export", c.info), nil
		},
		"dd": func() (cli.Command, error) {
			return cleo.Infer("dd", "copy an image into or out of an export", c.dd), nil
		},
		"sha256": func() (cli.Command, error) {
			return cleo.Infer("sha256", "hash the contents of an export", c.sha256), nil
		},
		"serve": func() (cli.Command, error) {
			return cleo.Infer("serve", "serve a file as an export", c.serve), nil
		},
	}

	return nil
}

func (c *CLI) setup(g Global) (hclog.Logger, *nbdc.Config, error) {
	log := c.log

	if g.Debug {
		log.SetLevel(hclog.Trace)
	}

	if g.Config == "" {
		return log, &nbdc.Config{}, nil
	}

	cfg, err := nbdc.LoadConfig(g.Config)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "loading %s", g.Config)
	}

	return log, cfg, nil
}

// resolve fills in t from the export block configured for its device.
func (t Target) resolve(cfg *nbdc.Config) (Target, error) {
	if t.Device == "" {
		t.Device = "nbd0"
	}

	if ec := cfg.Export(t.Device); ec != nil {
		if t.Address == "" {
			t.Address = ec.Address
		}

		if t.Export == "" {
			t.Export = ec.Name
		}

		if t.Connections == 0 {
			t.Connections = ec.Connections
		}
	}

	if t.Address == "" {
		return t, errors.Wrapf(nbdc.ErrInvalid, "no address configured for %s", t.Device)
	}

	if t.Connections == 0 {
		t.Connections = 1
	}

	return t, nil
}

// session is a connected device with its transmission loop running in the
// background.
type session struct {
	log  hclog.Logger
	reg  *nbdc.Registry
	dev  *nbdc.Device
	info *nbd.ExportInfo

	done chan error
}

func (c *CLI) connect(ctx context.Context, log hclog.Logger, cfg *nbdc.Config, t Target) (*session, error) {
	t, err := t.resolve(cfg)
	if err != nil {
		return nil, err
	}

	options, err := cfg.Options()
	if err != nil {
		return nil, err
	}

	reg, err := nbdc.NewRegistry(log, options...)
	if err != nil {
		return nil, err
	}

	dev, err := reg.Lookup(t.Device)
	if err != nil {
		reg.Close()
		return nil, err
	}

	info, err := nbdc.Connect(ctx, log, dev, t.Address, t.Export, t.Connections)
	if err != nil {
		reg.Close()
		return nil, err
	}

	s := &session{
		log:  log,
		reg:  reg,
		dev:  dev,
		info: info,
		done: make(chan error, 1),
	}

	go func() {
		s.done <- dev.Run(context.Background())
	}()

	return s, nil
}

// Close flushes the device, asks the server to end the session and waits for
// the transmission loop to wind down.
func (s *session) Close(ctx context.Context) error {
	ferr := s.dev.Disk().Flush(ctx)
	if ferr != nil {
		s.log.Error("error flushing device", "error", ferr)
	}

	s.dev.RequestDisconnect()

	var err error

	select {
	case err = <-s.done:
	case <-time.After(30 * time.Second):
		s.log.Warn("server did not close the session, dropping connections")
		s.dev.DetachAll()
		err = <-s.done
	}

	if cerr := s.reg.Close(); err == nil {
		err = cerr
	}

	if err == nil {
		err = ferr
	}

	return err
}

func (c *CLI) attach(ctx context.Context, opts struct {
	Global
	Target
	Metrics string `long:"metrics" description:"address to serve metrics on"`
}) error {
	log, cfg, err := c.setup(opts.Global)
	if err != nil {
		return err
	}

	t, err := opts.Target.resolve(cfg)
	if err != nil {
		return err
	}

	options, err := cfg.Options()
	if err != nil {
		return err
	}

	reg, err := nbdc.NewRegistry(log, options...)
	if err != nil {
		return err
	}

	defer reg.Close()

	dev, err := reg.Lookup(t.Device)
	if err != nil {
		return err
	}

	metrics := opts.Metrics
	if metrics == "" {
		metrics = cfg.MetricsAddr
	}

	if metrics != "" {
		http.Handle("/metrics", promhttp.Handler())

		go func() {
			log.Info("serving metrics", "addr", metrics)

			if err := http.ListenAndServe(metrics, nil); err != nil {
				log.Error("error serving metrics", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	if cfg.NATS != nil {
		interval, err := cfg.NATS.Interval()
		if err != nil {
			return err
		}

		nc, err := nbdc.NewNATSConnector(log, dev, cfg.NATS.URL, cfg.NATS.ID)
		if err != nil {
			return err
		}

		defer nc.Close()

		if err := nc.Start(ctx, interval); err != nil {
			return err
		}
	}

	term := make(chan os.Signal, 1)
	signal.Notify(term, unix.SIGTERM, unix.SIGHUP)
	defer signal.Stop(term)

	go func() {
		select {
		case <-ctx.Done():
		case sig := <-term:
			log.Info("requesting disconnect", "signal", sig)
			dev.RequestDisconnect()
		}
	}()

	info, err := nbdc.Connect(ctx, log, dev, t.Address, t.Export, t.Connections)
	if err != nil {
		return err
	}

	color.Green("%s attached to %s (%s, %d connections)", dev.Name(), t.Address, niceSize(int64(info.Size)), t.Connections)

	err = dev.Run(ctx)

	switch {
	case err == nil:
		color.Green("%s disconnected", dev.Name())
	case errors.Is(err, nbdc.ErrInterrupted):
		color.Yellow("%s interrupted", dev.Name())
	default:
		color.Red("%s lost its connections: %s", dev.Name(), err)
		return err
	}

	return nil
}

func (c *CLI) info(ctx context.Context, opts struct {
	Global
	Target
}) error {
	_, cfg, err := c.setup(opts.Global)
	if err != nil {
		return err
	}

	t, err := opts.Target.resolve(cfg)
	if err != nil {
		return err
	}

	conn, err := nbdc.Dial(ctx, t.Address)
	if err != nil {
		return err
	}

	defer conn.Close()

	info, err := nbd.Negotiate(conn, t.Export)
	if err != nil {
		return err
	}

	flags := []struct {
		f uint16
		s string
	}{
		{nbd.NEGO_FLAG_READONLY, "read-only"},
		{nbd.NEGO_FLAG_SEND_FLUSH, "flush"},
		{nbd.NEGO_FLAG_SEND_FUA, "fua"},
		{nbd.NEGO_FLAG_SEND_TRIM, "trim"},
		{nbd.NEGO_FLAG_SEND_WRITE_ZEROES, "write-zeroes"},
		{nbd.NEGOTIATION_REPLY_FLAGS_CAN_MULTI_CONN, "multi-conn"},
	}

	tr := tabwriter.NewWriter(os.Stdout, 2, 2, 1, ' ', 0)
	defer tr.Flush()

	fmt.Fprintf(tr, "export:\t%s\n", info.Name)

	if info.Description != "" {
		fmt.Fprintf(tr, "description:\t%s\n", info.Description)
	}

	fmt.Fprintf(tr, "size:\t%s (%d bytes)\n", niceSize(int64(info.Size)), info.Size)
	fmt.Fprintf(tr, "block sizes:\t%d/%d/%d\n", info.MinimumBlockSize, info.PreferredBlockSize, info.MaximumBlockSize)

	for _, f := range flags {
		if info.Flag(f.f) {
			fmt.Fprintf(tr, "%s:\t%s\n", f.s, color.GreenString("yes"))
		} else {
			fmt.Fprintf(tr, "%s:\tno\n", f.s)
		}
	}

	return nil
}

func (c *CLI) serve(ctx context.Context, opts struct {
	Global
	Addr     string `short:"a" long:"addr" description:"address to listen on" default:":10809"`
	Path     string `short:"p" long:"path" description:"file to export" required:"true"`
	Name     string `short:"e" long:"export" description:"name of the export" default:"default"`
	Size     string `short:"s" long:"size" description:"create the file with this size if it does not exist"`
	ReadOnly bool   `long:"read-only" description:"refuse writes"`
}) error {
	log, _, err := c.setup(opts.Global)
	if err != nil {
		return err
	}

	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}

	if opts.Size != "" {
		flag |= os.O_CREATE
	}

	f, err := os.OpenFile(opts.Path, flag, 0644)
	if err != nil {
		return err
	}

	defer f.Close()

	if opts.Size != "" {
		sz, err := parseSize(opts.Size)
		if err != nil {
			return err
		}

		fi, err := f.Stat()
		if err != nil {
			return err
		}

		if fi.Size() < sz {
			if err := f.Truncate(sz); err != nil {
				return err
			}
		}
	}

	l, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		l.Close()
	}()

	exports := []*nbd.Export{
		{
			Name:        opts.Name,
			Description: opts.Path,
			Backend:     &nbd.FileBackend{F: f},
		},
	}

	log.Info("listening for connections", "addr", l.Addr().String(), "export", opts.Name)

	for {
		conn, err := l.Accept()
		if err != nil {
			break
		}

		log.Info("connection to nbd server", "remote", conn.RemoteAddr().String())

		go func() {
			defer conn.Close()

			err := nbd.Handle(log, conn, exports, &nbd.Options{
				ReadOnly:          opts.ReadOnly,
				SupportsMultiConn: true,
			})
			if err != nil {
				log.Error("error handling nbd client", "error", err)
			}
		}()
	}

	return nil
}
