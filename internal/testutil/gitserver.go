// Package testutil provides test fixtures shared across packages.
package testutil

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
)

// Request is a request recorded by GitServer.
type Request struct {
	Method  string
	Service string
	Header  http.Header
	Body    []byte
}

// GitServer is a scripted git Smart HTTP remote. It advertises a ref map,
// answers upload-pack with a fixed pack and applies receive-pack commands to
// its ref map, so a second sync against it observes the first one.
type GitServer struct {
	*httptest.Server

	mu          sync.Mutex
	refs        map[string]plumbing.Hash
	head        string
	uploadCaps  []string
	receiveCaps []string
	pack        []byte
	reject      map[string]string
	user, pass  string
	deny        map[string]int
	requests    []Request
	received    []byte

	// UploadPack, when set, replaces the default upload-pack response.
	UploadPack func(body []byte) []byte
	// ReceivePack, when set, replaces the default receive-pack response.
	ReceivePack func(body []byte) []byte
}

// Default capability advertisements, modelled on git 2.4x.
var (
	DefaultUploadCaps = []string{
		"multi_ack", "thin-pack", "side-band", "side-band-64k", "ofs-delta",
		"shallow", "no-progress", "include-tag", "multi_ack_detailed", "no-done",
		"allow-tip-sha1-in-want", "agent=git/2.43.0",
	}
	DefaultReceiveCaps = []string{
		"report-status", "report-status-v2", "delete-refs", "side-band-64k",
		"quiet", "atomic", "ofs-delta", "agent=git/2.43.0",
	}
)

// NewGitServer starts a GitServer with no refs. It is closed when the test ends.
func NewGitServer(t testing.TB) *GitServer {
	t.Helper()
	s := &GitServer{
		refs:        make(map[string]plumbing.Hash),
		uploadCaps:  DefaultUploadCaps,
		receiveCaps: DefaultReceiveCaps,
		reject:      make(map[string]string),
		deny:        make(map[string]int),
		pack:        FakePack(64),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.Close)
	return s
}

// SetRefs replaces the advertised refs.
func (s *GitServer) SetRefs(refs map[string]plumbing.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = make(map[string]plumbing.Hash, len(refs))
	for k, v := range refs {
		s.refs[k] = v
	}
}

// Refs returns a copy of the current refs.
func (s *GitServer) Refs() map[string]plumbing.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]plumbing.Hash, len(s.refs))
	for k, v := range s.refs {
		out[k] = v
	}
	return out
}

// SetHead advertises HEAD as a symref to ref.
func (s *GitServer) SetHead(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head = ref
}

// SetCapabilities replaces the advertised capabilities. A nil list keeps the
// current one.
func (s *GitServer) SetCapabilities(upload, receive []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upload != nil {
		s.uploadCaps = upload
	}
	if receive != nil {
		s.receiveCaps = receive
	}
}

// SetPack sets the pack served by the default upload-pack handler.
func (s *GitServer) SetPack(pack []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pack = pack
}

// Reject makes the default receive-pack handler report ref as ng.
func (s *GitServer) Reject(ref, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject[ref] = reason
}

// RequireBasicAuth rejects requests without the given credentials.
func (s *GitServer) RequireBasicAuth(user, pass string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user, s.pass = user, pass
}

// DenyPosts answers the next n POSTs to service with 401, after reading
// their bodies, as a server whose credentials expired mid-run would.
func (s *GitServer) DenyPosts(service string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deny[service] = n
}

// Requests returns every request served so far.
func (s *GitServer) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns how many requests matched method and service.
func (s *GitServer) Count(method, service string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && r.Service == service {
			n++
		}
	}
	return n
}

// LastBody returns the body of the most recent POST to service.
func (s *GitServer) LastBody(service string) []byte {
	reqs := s.Requests()
	for i := len(reqs) - 1; i >= 0; i-- {
		if reqs[i].Method == http.MethodPost && reqs[i].Service == service {
			return reqs[i].Body
		}
	}
	return nil
}

// ReceivedPack returns the pack bytes of the last push.
func (s *GitServer) ReceivedPack() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func (s *GitServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	var service string
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/info/refs"):
		service = r.URL.Query().Get("service")
	case r.Method == http.MethodPost:
		service = r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	}

	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Service: service, Header: r.Header.Clone(), Body: body})
	user, pass := s.user, s.pass
	denied := r.Method == http.MethodPost && s.deny[service] > 0
	if denied {
		s.deny[service]--
	}
	s.mu.Unlock()

	if denied {
		w.Header().Set("WWW-Authenticate", `Basic realm="git"`)
		http.Error(w, "credentials expired", http.StatusUnauthorized)
		return
	}

	if user != "" {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="git"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
	}

	if service != "git-upload-pack" && service != "git-receive-pack" {
		http.Error(w, "unknown service", http.StatusForbidden)
		return
	}

	if r.Method == http.MethodGet {
		s.mu.Lock()
		caps := s.uploadCaps
		if service == "git-receive-pack" {
			caps = s.receiveCaps
		}
		if s.head != "" {
			caps = append(append([]string(nil), caps...), "symref=HEAD:"+s.head)
		}
		adv := Advertisement(service, s.refs, caps)
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/x-"+service+"-advertisement")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(adv)
		return
	}

	var out []byte
	if service == "git-upload-pack" {
		if s.UploadPack != nil {
			out = s.UploadPack(body)
		} else {
			out = s.uploadPack(body)
		}
	} else {
		if s.ReceivePack != nil {
			out = s.ReceivePack(body)
		} else {
			out = s.receivePack(body)
		}
	}
	w.Header().Set("Content-Type", "application/x-"+service+"-result")
	_, _ = w.Write(out)
}

func (s *GitServer) uploadPack(body []byte) []byte {
	s.mu.Lock()
	pack := s.pack
	s.mu.Unlock()

	if len(body) < 4 {
		return NewResponse().Line("ERR empty request\n").Bytes()
	}
	first, _, _ := bytes.Cut(body[4:], []byte("\n"))
	r := NewResponse().Line("NAK\n")
	if bytes.Contains(first, []byte(" side-band-64k")) {
		return r.Band(2, []byte("Enumerating objects: 3, done.\n")).
			Data(pack, 1000).
			Flush().Bytes()
	}
	return r.Raw(pack).Bytes()
}

func (s *GitServer) receivePack(body []byte) []byte {
	br := bufio.NewReader(bytes.NewReader(body))
	scanner := pktline.NewScanner(br)

	type command struct {
		old, new plumbing.Hash
		name     string
	}
	var cmds []command
	var caps string
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			break
		}
		line = bytes.TrimSuffix(line, []byte("\n"))
		if i := bytes.IndexByte(line, 0); i >= 0 {
			caps = string(line[i+1:])
			line = line[:i]
		}
		f := strings.Fields(string(line))
		if len(f) != 3 {
			return NewResponse().Line("ERR malformed command\n").Bytes()
		}
		cmds = append(cmds, command{plumbing.NewHash(f[0]), plumbing.NewHash(f[1]), f[2]})
	}
	pack, _ := io.ReadAll(br)

	s.mu.Lock()
	s.received = pack
	report := NewResponse().Line("unpack ok\n")
	for _, c := range cmds {
		if reason, ok := s.reject[c.name]; ok {
			report.Line(fmt.Sprintf("ng %s %s\n", c.name, reason))
			continue
		}
		if cur := s.refs[c.name]; cur != c.old {
			report.Line(fmt.Sprintf("ng %s stale info\n", c.name))
			continue
		}
		if c.new.IsZero() {
			delete(s.refs, c.name)
		} else {
			s.refs[c.name] = c.new
		}
		report.Line(fmt.Sprintf("ok %s\n", c.name))
	}
	s.mu.Unlock()
	report.Flush()

	if strings.Contains(" "+caps+" ", " side-band-64k ") {
		return NewResponse().Data(report.Bytes(), 1000).Flush().Bytes()
	}
	return report.Bytes()
}

// Advertisement encodes a smart HTTP ref advertisement.
func Advertisement(service string, refs map[string]plumbing.Hash, caps []string) []byte {
	r := NewResponse().Line("# service=" + service + "\n").Flush()

	names := make([]string, 0, len(refs))
	for n := range refs {
		if n != "HEAD" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	if _, ok := refs["HEAD"]; ok {
		names = append([]string{"HEAD"}, names...)
	}

	capStr := strings.Join(caps, " ")
	if len(names) == 0 {
		r.Line(fmt.Sprintf("%s capabilities^{}\x00%s\n", plumbing.ZeroHash, capStr))
	}
	for i, n := range names {
		if i == 0 {
			r.Line(fmt.Sprintf("%s %s\x00%s\n", refs[n], n, capStr))
			continue
		}
		r.Line(fmt.Sprintf("%s %s\n", refs[n], n))
	}
	return r.Flush().Bytes()
}

// Response builds pkt-line encoded bodies.
type Response struct {
	buf bytes.Buffer
	enc *pktline.Encoder
}

// NewResponse returns an empty Response.
func NewResponse() *Response {
	r := &Response{}
	r.enc = pktline.NewEncoder(&r.buf)
	return r
}

// Line appends a pkt-line with payload s.
func (r *Response) Line(s string) *Response {
	_ = r.enc.EncodeString(s)
	return r
}

// Band appends a side-band pkt-line on channel ch.
func (r *Response) Band(ch byte, data []byte) *Response {
	_ = r.enc.Encode(append([]byte{ch}, data...))
	return r
}

// Data appends data on side-band channel 1 in chunks of at most chunk bytes.
func (r *Response) Data(data []byte, chunk int) *Response {
	for len(data) > 0 {
		n := min(chunk, len(data))
		r.Band(1, data[:n])
		data = data[n:]
	}
	return r
}

// Flush appends a flush-pkt.
func (r *Response) Flush() *Response {
	_ = r.enc.Flush()
	return r
}

// Raw appends b unframed.
func (r *Response) Raw(b []byte) *Response {
	r.buf.Write(b)
	return r
}

// Bytes returns the encoded body.
func (r *Response) Bytes() []byte {
	return r.buf.Bytes()
}

// FakePack returns a pack with a valid header and trailer around n filler
// bytes. It is not a parseable pack, but nothing in a relay needs it to be.
func FakePack(n int) []byte {
	var b bytes.Buffer
	b.WriteString("PACK")
	_ = binary.Write(&b, binary.BigEndian, uint32(2))
	_ = binary.Write(&b, binary.BigEndian, uint32(1))
	for i := 0; i < n; i++ {
		b.WriteByte(byte(i))
	}
	sum := sha1.Sum(b.Bytes())
	b.Write(sum[:])
	return b.Bytes()
}
