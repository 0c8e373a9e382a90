package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/pktline"

	"github.com/schaermu/fush/internal/syncerr"
)

// Side-band channels.
const (
	channelData     = 1
	channelProgress = 2
	channelError    = 3
)

// Progress is a structured progress event.
type Progress struct {
	Phase  string
	Loaded int64
	Total  int64
}

// Handlers receive out-of-band events while a response is demultiplexed.
// Any of them may be nil.
type Handlers struct {
	// OnMessage receives side-band progress text, one line at a time.
	OnMessage func(string)
	// OnProgress receives progress parsed from side-band text and relay byte counts.
	OnProgress func(Progress)
	// OnNegotiation receives ACK/NAK/shallow lines preceding the pack.
	OnNegotiation func(string)
}

func (h Handlers) message(s string) {
	if h.OnMessage != nil {
		h.OnMessage(s)
	}
}

func (h Handlers) progress(p Progress) {
	if h.OnProgress != nil {
		h.OnProgress(p)
	}
}

// Demuxer extracts the data channel from an upload-pack or receive-pack
// response. Negotiation lines and progress are routed to Handlers; a populated
// error channel or an ERR line ends the stream with a protocol error.
type Demuxer struct {
	br       *bufio.Reader
	scanner  *pktline.Scanner
	sideband bool
	h        Handlers

	started bool
	raw     bool
	buf     []byte
	partial string
	err     error
}

// NewDemuxer returns a Demuxer reading from r. sideband selects whether the
// data is expected multiplexed over side-band pkt-lines or raw after the
// negotiation section.
func NewDemuxer(r io.Reader, sideband bool, h Handlers) *Demuxer {
	br := bufio.NewReaderSize(r, 64<<10)
	return &Demuxer{
		br:       br,
		scanner:  pktline.NewScanner(br),
		sideband: sideband,
		h:        h,
	}
}

// Read implements io.Reader over the data channel.
func (d *Demuxer) Read(p []byte) (int, error) {
	for len(d.buf) == 0 {
		if d.err != nil {
			return 0, d.err
		}
		if d.raw {
			return d.br.Read(p)
		}
		d.next()
	}
	n := copy(p, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}

func (d *Demuxer) next() {
	if !d.started {
		peek, err := d.br.Peek(4)
		if err == nil && string(peek) == "PACK" {
			d.raw = true
			d.started = true
			return
		}
		if errors.Is(err, io.EOF) && len(peek) == 0 {
			d.err = io.EOF
			return
		}
	}

	if !d.scanner.Scan() {
		d.err = d.scanError()
		return
	}

	line := d.scanner.Bytes()
	if len(line) == 0 {
		if d.started {
			d.flushMessage()
			d.err = io.EOF
		}
		return
	}

	if !d.started && isNegotiationLine(line) {
		if d.h.OnNegotiation != nil {
			d.h.OnNegotiation(strings.TrimSuffix(string(line), "\n"))
		}
		return
	}

	if msg, ok := bytes.CutPrefix(line, []byte("ERR ")); ok {
		d.err = syncerr.Newf(syncerr.KindProtocol, "sideband", "remote error: %s", strings.TrimSpace(string(msg)))
		return
	}

	if !d.sideband {
		d.err = syncerr.Newf(syncerr.KindProtocol, "sideband", "unexpected pkt-line before pack: %q", truncate(line))
		return
	}

	d.started = true
	switch line[0] {
	case channelData:
		d.buf = append(d.buf[:0], line[1:]...)
	case channelProgress:
		d.consumeProgress(string(line[1:]))
	case channelError:
		d.flushMessage()
		d.err = syncerr.Newf(syncerr.KindProtocol, "sideband", "remote error: %s", strings.TrimSpace(string(line[1:])))
	default:
		d.err = syncerr.Newf(syncerr.KindProtocol, "sideband", "unknown side-band channel %d", line[0])
	}
}

func (d *Demuxer) scanError() error {
	err := d.scanner.Err()
	if err == nil {
		if d.sideband && d.started {
			return syncerr.Newf(syncerr.KindProtocol, "sideband", "response ended without flush")
		}
		return io.EOF
	}

	var errLine *pktline.ErrorLine
	switch {
	case errors.As(err, &errLine):
		return syncerr.Newf(syncerr.KindProtocol, "sideband", "remote error: %s", errLine.Text)
	case errors.Is(err, pktline.ErrInvalidPktLen):
		return syncerr.New(syncerr.KindProtocol, "sideband", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syncerr.New(syncerr.KindCancelled, "sideband", err)
	default:
		return syncerr.New(syncerr.KindNetwork, "sideband", err)
	}
}

// consumeProgress splits progress text on CR/LF, which git uses to redraw
// the same line, and forwards complete lines.
func (d *Demuxer) consumeProgress(text string) {
	d.partial += text
	for {
		i := strings.IndexAny(d.partial, "\r\n")
		if i < 0 {
			return
		}
		line := d.partial[:i]
		d.partial = d.partial[i+1:]
		if line == "" {
			continue
		}
		d.h.message(line)
		if p, ok := ParseProgress(line); ok {
			d.h.progress(p)
		}
	}
}

func (d *Demuxer) flushMessage() {
	if d.partial != "" {
		d.h.message(d.partial)
		d.partial = ""
	}
}

func isNegotiationLine(line []byte) bool {
	for _, prefix := range []string{"ACK ", "NAK", "shallow ", "unshallow "} {
		if bytes.HasPrefix(line, []byte(prefix)) {
			return true
		}
	}
	return false
}

func truncate(b []byte) string {
	const limit = 40
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

var progressPattern = regexp.MustCompile(`^(?:remote: )?([^:]+):\s+\d+%\s+\((\d+)/(\d+)\)`)

// ParseProgress parses git progress text such as
// "Counting objects:  50% (5/10)".
func ParseProgress(line string) (Progress, bool) {
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return Progress{}, false
	}
	loaded, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return Progress{}, false
	}
	total, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return Progress{}, false
	}
	return Progress{Phase: strings.TrimSpace(m[1]), Loaded: loaded, Total: total}, true
}

// String renders p for logs.
func (p Progress) String() string {
	if p.Total > 0 {
		return fmt.Sprintf("%s %d/%d", p.Phase, p.Loaded, p.Total)
	}
	return fmt.Sprintf("%s %d", p.Phase, p.Loaded)
}
