// Package relay carries a pack from an upload-pack response to a
// receive-pack request without interpreting it. The pack is demultiplexed
// out of the side-band stream, spooled with bounded memory, and re-read
// verbatim for the push body.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/schaermu/fush/internal/syncerr"
)

// minPackSize is a 12-byte pack header plus the 20-byte trailer.
const minPackSize = 12 + tailSize

var packSignature = []byte("PACK")

// Options configures Receive.
type Options struct {
	// SideBand must match whether side-band-64k was negotiated.
	SideBand bool
	Handlers Handlers
	Spool    SpoolOptions
}

// Pack is a received pack held for relaying.
type Pack struct {
	spool    *Spool
	checksum plumbing.Hash
}

// Size returns the pack length in bytes.
func (p *Pack) Size() int64 {
	return p.spool.Size()
}

// Empty reports whether the source sent no pack data at all.
func (p *Pack) Empty() bool {
	return p.spool.Size() == 0
}

// Checksum returns the trailing 20 bytes of the pack.
func (p *Pack) Checksum() plumbing.Hash {
	return p.checksum
}

// Spilled reports whether the pack was spooled to disk.
func (p *Pack) Spilled() bool {
	return p.spool.Spilled()
}

// Open returns a reader over the pack bytes exactly as received.
func (p *Pack) Open() (io.Reader, error) {
	return p.spool.Open()
}

// Close releases the buffered pack.
func (p *Pack) Close() error {
	return p.spool.Close()
}

// Receive demultiplexes an upload-pack response body and spools the pack.
// It returns only once the whole pack has been read, so that an error on the
// side-band error channel is always seen before anything is pushed.
func Receive(ctx context.Context, body io.Reader, opts Options) (*Pack, error) {
	spool := NewSpool(opts.Spool)
	d := NewDemuxer(&contextReader{ctx: ctx, r: body}, opts.SideBand, opts.Handlers)

	w := &progressWriter{w: spool, h: opts.Handlers}
	if _, err := io.Copy(w, d); err != nil {
		_ = spool.Close()
		return nil, classify(ctx, "relay", err)
	}

	pack := &Pack{spool: spool}
	if pack.Empty() {
		return pack, nil
	}
	if spool.Size() < minPackSize || !bytes.Equal(spool.Head(), packSignature) {
		_ = spool.Close()
		return nil, syncerr.Newf(syncerr.KindProtocol, "relay",
			"received %d bytes that do not form a pack", spool.Size())
	}
	copy(pack.checksum[:], spool.Tail())
	return pack, nil
}

func classify(ctx context.Context, op string, err error) error {
	var se *syncerr.Error
	switch {
	case errors.As(err, &se):
		return err
	case ctx.Err() != nil:
		return syncerr.New(syncerr.KindCancelled, op, ctx.Err())
	default:
		return syncerr.New(syncerr.KindNetwork, op, err)
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type progressWriter struct {
	w      io.Writer
	h      Handlers
	loaded int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.loaded += int64(n)
	p.h.progress(Progress{Phase: "Relaying pack", Loaded: p.loaded})
	return n, err
}

// Verifier observes the pack bytes as they are written into the push body
// and checks them against what was received.
type Verifier struct {
	r    io.Reader
	n    int64
	tail []byte
}

// NewVerifier wraps r.
func NewVerifier(r io.Reader) *Verifier {
	return &Verifier{r: r}
}

func (v *Verifier) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		v.n += int64(n)
		v.tail = append(v.tail, p[:n]...)
		if len(v.tail) > tailSize {
			v.tail = append(v.tail[:0:0], v.tail[len(v.tail)-tailSize:]...)
		}
	}
	return n, err
}

// Sent returns the number of bytes read through the verifier.
func (v *Verifier) Sent() int64 {
	return v.n
}

// Check compares the relayed bytes with pack. It fails with a protocol
// error if the length or the trailing checksum differ.
func (v *Verifier) Check(pack *Pack) error {
	if v.n != pack.Size() {
		return syncerr.Newf(syncerr.KindProtocol, "relay",
			"relayed %d pack bytes, received %d", v.n, pack.Size())
	}
	var sent plumbing.Hash
	copy(sent[:], v.tail)
	if sent != pack.Checksum() {
		return syncerr.New(syncerr.KindProtocol, "relay",
			fmt.Errorf("relayed pack trailer %s does not match received %s", sent, pack.Checksum()))
	}
	return nil
}
