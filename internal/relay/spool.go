package relay

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// DefaultMemoryLimit is the amount of pack data held in memory before the
// spool spills to disk.
const DefaultMemoryLimit = 64 << 20

const tailSize = 20

// SpoolOptions configures a Spool.
type SpoolOptions struct {
	// MemoryLimit caps in-memory buffering. Zero means DefaultMemoryLimit.
	MemoryLimit int64
	// FS receives spill files. Nil means the OS temp directory.
	FS billy.Filesystem
	// Dir is the directory within FS for spill files.
	Dir string
}

// Spool buffers a byte stream in memory up to a limit and spills the rest to
// a temporary file. It remembers the first four and last twenty bytes
// written so callers can inspect the pack header and trailer without
// re-reading.
type Spool struct {
	opts SpoolOptions

	mem  bytes.Buffer
	file billy.File
	size int64
	head []byte
	tail []byte
}

// NewSpool creates an empty spool.
func NewSpool(opts SpoolOptions) *Spool {
	if opts.MemoryLimit <= 0 {
		opts.MemoryLimit = DefaultMemoryLimit
	}
	if opts.FS == nil {
		opts.FS = osfs.New(os.TempDir())
	}
	return &Spool{opts: opts}
}

// Write appends p to the spool.
func (s *Spool) Write(p []byte) (int, error) {
	if s.file == nil && int64(s.mem.Len()+len(p)) > s.opts.MemoryLimit {
		if err := s.spill(); err != nil {
			return 0, err
		}
	}

	var n int
	var err error
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.mem.Write(p)
	}
	s.track(p[:n])
	return n, err
}

func (s *Spool) spill() error {
	f, err := s.opts.FS.TempFile(s.opts.Dir, "fush-pack-")
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	if _, err := f.Write(s.mem.Bytes()); err != nil {
		_ = f.Close()
		_ = s.opts.FS.Remove(f.Name())
		return fmt.Errorf("write spool file: %w", err)
	}
	s.mem = bytes.Buffer{}
	s.file = f
	return nil
}

func (s *Spool) track(p []byte) {
	s.size += int64(len(p))
	if len(s.head) < 4 {
		need := 4 - len(s.head)
		if need > len(p) {
			need = len(p)
		}
		s.head = append(s.head, p[:need]...)
	}
	s.tail = append(s.tail, p...)
	if len(s.tail) > tailSize {
		s.tail = append(s.tail[:0:0], s.tail[len(s.tail)-tailSize:]...)
	}
}

// Size returns the number of bytes written.
func (s *Spool) Size() int64 {
	return s.size
}

// Head returns up to the first four bytes written.
func (s *Spool) Head() []byte {
	return s.head
}

// Tail returns up to the last twenty bytes written.
func (s *Spool) Tail() []byte {
	return s.tail
}

// Spilled reports whether the spool moved to disk.
func (s *Spool) Spilled() bool {
	return s.file != nil
}

// Open returns a reader over everything written so far, from the start.
func (s *Spool) Open() (io.Reader, error) {
	if s.file == nil {
		return bytes.NewReader(s.mem.Bytes()), nil
	}
	return io.NewSectionReader(s.file, 0, s.size), nil
}

// Close releases the spool and removes its spill file.
func (s *Spool) Close() error {
	if s.file == nil {
		s.mem = bytes.Buffer{}
		return nil
	}
	name := s.file.Name()
	cerr := s.file.Close()
	rerr := s.opts.FS.Remove(name)
	s.file = nil
	if cerr != nil {
		return cerr
	}
	return rerr
}
