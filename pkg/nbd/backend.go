package nbd

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

type Backend interface {
	io.ReaderAt
	io.WriterAt

	ZeroAt(off, sz int64) error
	Trim(off, sz int64) error

	Size() (int64, error)
	Sync() error
}

// Idler is implemented by backends that want to do background work while
// the connection has no pending requests.
type Idler interface {
	Idle()
}

type BackendOpen interface {
	Open() Backend
	Close(Backend)
}

// FileBackend exports a regular file or block device.
type FileBackend struct {
	F *os.File
}

var _ Backend = &FileBackend{}

func (f *FileBackend) ReadAt(b []byte, off int64) (int, error) {
	n, err := f.F.ReadAt(b, off)
	if err == io.EOF && n == len(b) {
		err = nil
	}

	return n, err
}

func (f *FileBackend) WriteAt(b []byte, off int64) (int, error) {
	return f.F.WriteAt(b, off)
}

func (f *FileBackend) ZeroAt(off, sz int64) error {
	_, err := f.F.WriteAt(make([]byte, sz), off)
	return err
}

// Trim zeroes the range. Punching holes is filesystem specific and not worth
// the portability cost here.
func (f *FileBackend) Trim(off, sz int64) error {
	return f.ZeroAt(off, sz)
}

func (f *FileBackend) Size() (int64, error) {
	fi, err := f.F.Stat()
	if err != nil {
		return 0, err
	}

	return fi.Size(), nil
}

func (f *FileBackend) Sync() error {
	return f.F.Sync()
}

// MemoryBackend is a fixed size export held in memory.
type MemoryBackend struct {
	mu   sync.RWMutex
	data []byte

	syncs int
}

var _ Backend = &MemoryBackend{}

func NewMemoryBackend(size int64) *MemoryBackend {
	return &MemoryBackend{data: make([]byte, size)}
}

var ErrOutOfRange = errors.New("access beyond end of export")

func (m *MemoryBackend) check(off int64, sz int) error {
	if off < 0 || off+int64(sz) > int64(len(m.data)) {
		return ErrOutOfRange
	}

	return nil
}

func (m *MemoryBackend) ReadAt(b []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(off, len(b)); err != nil {
		return 0, err
	}

	return copy(b, m.data[off:]), nil
}

func (m *MemoryBackend) WriteAt(b []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(off, len(b)); err != nil {
		return 0, err
	}

	return copy(m.data[off:], b), nil
}

func (m *MemoryBackend) ZeroAt(off, sz int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(off, int(sz)); err != nil {
		return err
	}

	clear(m.data[off : off+sz])
	return nil
}

func (m *MemoryBackend) Trim(off, sz int64) error {
	return m.ZeroAt(off, sz)
}

func (m *MemoryBackend) Size() (int64, error) {
	return int64(len(m.data)), nil
}

func (m *MemoryBackend) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncs++
	return nil
}

// Syncs returns how many times Sync has been called.
func (m *MemoryBackend) Syncs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.syncs
}
