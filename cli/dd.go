package cli

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/nbdc"
	"github.com/lab47/nbdc/pkg/blk"
	"github.com/lab47/nbdc/pkg/entropy"
	"github.com/lima-vm/go-qcow2reader"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var err error

	for i := len(m) - 1; i >= 0; i-- {
		if cerr := m[i].Close(); err == nil {
			err = cerr
		}
	}

	return err
}

func isLZ4(path string, force bool) bool {
	return force || strings.HasSuffix(path, ".lz4")
}

// openInput opens a local file, an http(s) url or an s3://bucket/key object.
func (c *CLI) openInput(ctx context.Context, log hclog.Logger, cfg *nbdc.Config, input string, expand, compressed bool) (io.Reader, io.Closer, error) {
	var (
		reader  io.Reader
		closers multiCloser
	)

	if loc, ok := parseS3URL(input); ok {
		sc, err := newS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, nil, err
		}

		body, err := openS3Object(ctx, sc, loc)
		if err != nil {
			return nil, nil, err
		}

		log.Info("reading image from s3", "bucket", loc.bucket, "key", loc.key)

		reader = body
		closers = append(closers, body)
	} else if f, err := os.Open(input); err == nil {
		closers = append(closers, f)

		if expand {
			img, err := qcow2reader.Open(f)
			if err != nil {
				f.Close()
				return nil, nil, errors.Wrap(err, "opening qcow2 file")
			}

			log.Info("detected file as qcow2 format")

			reader = io.NewSectionReader(img, 0, img.Size())
		} else {
			log.Info("detected file as raw format")
			reader = f
		}
	} else if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, input, nil)
		if err != nil {
			return nil, nil, err
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, nil, errors.Wrap(err, "fetching url")
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, nil, errors.Errorf("fetching %s: %s", input, resp.Status)
		}

		reader = resp.Body
		closers = append(closers, resp.Body)
	} else {
		return nil, nil, err
	}

	if isLZ4(input, compressed) {
		log.Info("decompressing lz4 input")
		reader = lz4.NewReader(reader)
	}

	return reader, closers, nil
}

// createOutput creates a local file or an s3://bucket/key object.
func (c *CLI) createOutput(ctx context.Context, log hclog.Logger, cfg *nbdc.Config, output string, compressed bool) (io.WriteCloser, error) {
	var (
		w       io.Writer
		closers multiCloser
	)

	if loc, ok := parseS3URL(output); ok {
		sc, err := newS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}

		log.Info("writing image to s3", "bucket", loc.bucket, "key", loc.key)

		sw := createS3Object(ctx, sc, loc)
		w = sw
		closers = append(closers, sw)
	} else {
		f, err := os.Create(output)
		if err != nil {
			return nil, err
		}

		w = f
		closers = append(closers, f)
	}

	if isLZ4(output, compressed) {
		zw := lz4.NewWriter(w)
		w = zw
		closers = append(closers, zw)
	}

	bw := bufio.NewWriterSize(w, 1024*1024)

	return struct {
		io.Writer
		io.Closer
	}{bw, append(closers, flusher{bw})}, nil
}

type flusher struct {
	bw *bufio.Writer
}

func (f flusher) Close() error {
	return f.bw.Flush()
}

// chunkSize is bs 4k blocks rounded up to the device's logical block size.
func chunkSize(disk *blk.Disk, bs int) int {
	if bs <= 0 {
		bs = 32
	}

	lbs := int(disk.LogicalBlockSize())
	n := bs * blk.SegmentSize

	return (n + lbs - 1) / lbs * lbs
}

// hashDevice reads size bytes starting at off and returns their sha256. The
// device is read in whole logical blocks, the tail is trimmed before hashing.
func hashDevice(disk *blk.Disk, off, size int64, chunk int, summary *entropy.Summary) ([]byte, error) {
	h := sha256.New()
	buf := make([]byte, chunk)
	lbs := int64(disk.LogicalBlockSize())

	for size > 0 {
		want := min(int64(chunk), (size+lbs-1)/lbs*lbs)

		if _, err := disk.ReadAt(buf[:want], off); err != nil {
			return nil, errors.Wrapf(err, "reading at %d", off)
		}

		b := buf[:min(want, size)]

		h.Write(b)

		if summary != nil {
			for i := 0; i < len(b); i += blk.SegmentSize {
				summary.Add(b[i:min(i+blk.SegmentSize, len(b))])
			}
		}

		off += want
		size -= int64(len(b))
	}

	return h.Sum(nil), nil
}

func (c *CLI) dd(ctx context.Context, opts struct {
	Global
	Target
	Input    string `short:"i" long:"input" description:"file, url or s3://bucket/key to import into the export"`
	Output   string `short:"o" long:"output" description:"file or s3://bucket/key to copy the export to"`
	BS       int    `long:"bs" description:"number of 4k blocks per request (default 32)"`
	Expand   bool   `long:"expand" description:"expand compressed files (like qcow2)"`
	LZ4      bool   `long:"lz4" description:"input or output is lz4 compressed (implied by a .lz4 suffix)"`
	Sparse   bool   `long:"sparse" description:"skip writing all zero chunks, the export must already be zeroed"`
	Verify   string `long:"verify" description:"sha256 of the data to check it against"`
	Readback bool   `long:"readback" description:"after importing, read back the data to validate it"`
}) error {
	log, cfg, err := c.setup(opts.Global)
	if err != nil {
		return err
	}

	if (opts.Input == "") == (opts.Output == "") {
		return errors.Wrap(nbdc.ErrInvalid, "exactly one of --input or --output is required")
	}

	var verify []byte
	if opts.Verify != "" {
		verify, err = hex.DecodeString(opts.Verify)
		if err != nil {
			return errors.Wrap(nbdc.ErrInvalid, "parsing verify sha256")
		}

		log.Info("expected sum of data", "sum", opts.Verify)
	}

	s, err := c.connect(ctx, log, cfg, opts.Target)
	if err != nil {
		return err
	}

	defer func() {
		if err := s.Close(ctx); err != nil {
			log.Error("error closing session", "error", err)
		}
	}()

	disk := s.dev.Disk()
	chunk := chunkSize(disk, opts.BS)

	if opts.Output != "" {
		return c.export(ctx, log, cfg, disk, chunk, opts.Output, opts.LZ4, verify)
	}

	input, closer, err := c.openInput(ctx, log, cfg, opts.Input, opts.Expand, opts.LZ4)
	if err != nil {
		return err
	}

	defer closer.Close()

	h := sha256.New()
	r := io.TeeReader(bufio.NewReader(input), h)

	buf := make([]byte, chunk)
	lbs := int(disk.LogicalBlockSize())

	var (
		total   int64
		skipped int
	)

	start := time.Now()

	for {
		n, rerr := io.ReadFull(r, buf)
		if n == 0 {
			if rerr != nil && rerr != io.EOF {
				return errors.Wrap(rerr, "reading input")
			}
			break
		}

		// pad a short tail out to a whole logical block
		padded := (n + lbs - 1) / lbs * lbs
		clear(buf[n:padded])

		if total+int64(padded) > disk.Size() {
			return errors.Wrapf(blk.ErrOutOfRange, "input is larger than the export (%s)", niceSize(disk.Size()))
		}

		if opts.Sparse && entropy.IsZero(buf[:padded]) {
			skipped++
		} else if _, err := disk.WriteAt(buf[:padded], total); err != nil {
			return errors.Wrapf(err, "writing at %d", total)
		}

		total += int64(n)

		if rerr == io.ErrUnexpectedEOF || rerr == io.EOF {
			break
		}

		if rerr != nil {
			return errors.Wrap(rerr, "reading input")
		}
	}

	if err := disk.Flush(ctx); err != nil {
		return err
	}

	diff := time.Since(start)
	sum := h.Sum(nil)

	log.Info("data imported",
		"size", total,
		"sha256", hex.EncodeToString(sum),
		"skipped-chunks", skipped,
		"elapsed", diff,
		"mb-per-sec", (float64(total)/(1024*1024))/diff.Seconds(),
	)

	if len(verify) > 0 && !bytes.Equal(verify, sum) {
		log.Error("data imported and failed verification", "size", total,
			"sha256", hex.EncodeToString(sum),
			"expected", hex.EncodeToString(verify),
		)

		return errors.New("imported data failed verification")
	}

	if opts.Readback {
		log.Info("reading data back to validate", "size", total)

		rbSum, err := hashDevice(disk, 0, total, chunk, nil)
		if err != nil {
			return err
		}

		if !bytes.Equal(sum, rbSum) {
			log.Error("readback data failed validation", "size", total,
				"sha256", hex.EncodeToString(rbSum), "expected", hex.EncodeToString(sum))

			return errors.New("readback failed validation")
		}

		log.Info("data verified", "size", total, "sha256", hex.EncodeToString(rbSum))
	}

	return nil
}

func (c *CLI) export(ctx context.Context, log hclog.Logger, cfg *nbdc.Config, disk *blk.Disk, chunk int, output string, compressed bool, verify []byte) error {
	w, err := c.createOutput(ctx, log, cfg, output, compressed)
	if err != nil {
		return err
	}

	h := sha256.New()
	buf := make([]byte, chunk)
	size := disk.Size()

	start := time.Now()

	var off int64
	for off < size {
		n := min(int64(chunk), size-off)

		if _, err := disk.ReadAt(buf[:n], off); err != nil {
			w.Close()
			return errors.Wrapf(err, "reading at %d", off)
		}

		h.Write(buf[:n])

		if _, err := w.Write(buf[:n]); err != nil {
			w.Close()
			return errors.Wrap(err, "writing output")
		}

		off += n
	}

	if err := w.Close(); err != nil {
		return errors.Wrap(err, "finishing output")
	}

	diff := time.Since(start)
	sum := h.Sum(nil)

	log.Info("data exported",
		"size", size,
		"sha256", hex.EncodeToString(sum),
		"elapsed", diff,
		"mb-per-sec", (float64(size)/(1024*1024))/diff.Seconds(),
	)

	if len(verify) > 0 && !bytes.Equal(verify, sum) {
		return errors.Errorf("exported data has sha256 %x, expected %x", sum, verify)
	}

	return nil
}

func (c *CLI) sha256(ctx context.Context, opts struct {
	Global
	Target
	Size  string `short:"s" long:"size" description:"read up to this many bytes (default the whole export)"`
	Count int    `long:"count" description:"how many chunks of size -s to read (default 1)"`
	Seek  string `long:"seek" description:"start at the given byte offset"`
	BS    int    `long:"bs" description:"number of 4k blocks per request (default 32)"`
}) error {
	log, cfg, err := c.setup(opts.Global)
	if err != nil {
		return err
	}

	s, err := c.connect(ctx, log, cfg, opts.Target)
	if err != nil {
		return err
	}

	defer s.Close(ctx)

	disk := s.dev.Disk()

	var seek int64
	if opts.Seek != "" {
		if seek, err = parseSize(opts.Seek); err != nil {
			return err
		}
	}

	size := disk.Size() - seek
	if opts.Size != "" {
		if size, err = parseSize(opts.Size); err != nil {
			return err
		}

		if opts.Count > 1 {
			size *= int64(opts.Count)
		}
	}

	if seek+size > disk.Size() || size < 0 {
		return errors.Wrapf(blk.ErrOutOfRange, "reading %d bytes at %d", size, seek)
	}

	summary := entropy.NewSummary()

	start := time.Now()

	sum, err := hashDevice(disk, seek, size, chunkSize(disk, opts.BS), summary)
	if err != nil {
		return err
	}

	diff := time.Since(start)

	log.Info("data hashed",
		"size", size,
		"sha256", hex.EncodeToString(sum),
		"elapsed", diff,
		"mb-per-sec", (float64(size)/(1024*1024))/diff.Seconds(),
		"blocks", summary.Blocks,
		"zero-blocks", summary.Counts[entropy.Zero],
		"high-entropy-blocks", summary.Counts[entropy.High],
		"mean-entropy", summary.Mean(),
	)

	return nil
}
