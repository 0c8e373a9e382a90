// Package remote talks to a single git Smart HTTP remote: it discovers refs
// and capabilities, and opens the request/response round trip for a service.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/schaermu/fush/internal/gitproto"
	"github.com/schaermu/fush/internal/syncerr"
)

// Services.
const (
	UploadPack  = "git-upload-pack"
	ReceivePack = "git-receive-pack"
)

// maxAuthAttempts bounds the fill/rejected loop.
const maxAuthAttempts = 3

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Info is what a remote advertised for a service.
type Info struct {
	Refs         map[string]plumbing.Hash
	Symrefs      map[string]string
	Capabilities gitproto.CapabilityList
}

// EndpointOptions configures an Endpoint.
type EndpointOptions struct {
	// Headers are added to every request.
	Headers map[string]string
	// Auth supplies credentials. Nil means anonymous access.
	Auth Auth
	// Agent is sent as User-Agent. Empty uses gitproto.Agent.
	Agent string
}

// Body produces a fresh request body. It is called again when a request has
// to be repeated with new credentials.
type Body func() (io.Reader, error)

// BytesBody returns a Body that replays b.
func BytesBody(b []byte) Body {
	return func() (io.Reader, error) { return bytes.NewReader(b), nil }
}

// Endpoint is one remote repository URL. It is not safe for concurrent use;
// each remote in a run gets its own Endpoint.
type Endpoint struct {
	client Doer
	url    string
	opts   EndpointOptions

	filled   bool
	method   githttp.AuthMethod
	approved bool
}

// NewEndpoint returns an Endpoint for the repository at url.
func NewEndpoint(client Doer, url string, opts EndpointOptions) *Endpoint {
	if opts.Agent == "" {
		opts.Agent = gitproto.Agent
	}
	return &Endpoint{
		client: client,
		url:    strings.TrimSuffix(url, "/"),
		opts:   opts,
	}
}

// URL returns the repository URL without a trailing slash.
func (e *Endpoint) URL() string {
	return e.url
}

// Discover fetches and decodes the ref advertisement for service.
func (e *Endpoint) Discover(ctx context.Context, service string) (*Info, error) {
	const op = "discover"

	res, err := e.do(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url+"/info/refs?service="+service, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/x-"+service+"-advertisement")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if err := checkContentType(res, "application/x-"+service+"-advertisement"); err != nil {
		return nil, syncerr.New(syncerr.KindProtocol, op, err)
	}

	ar := packp.NewAdvRefs()
	if err := ar.Decode(res.Body); err != nil {
		if errors.Is(err, packp.ErrEmptyAdvRefs) {
			return &Info{Refs: map[string]plumbing.Hash{}, Symrefs: map[string]string{}}, nil
		}
		if ctx.Err() != nil {
			return nil, syncerr.New(syncerr.KindCancelled, op, ctx.Err())
		}
		return nil, syncerr.New(syncerr.KindProtocol, op, fmt.Errorf("decode %s advertisement: %w", service, err))
	}
	return infoFromAdvRefs(ar), nil
}

func infoFromAdvRefs(ar *packp.AdvRefs) *Info {
	info := &Info{
		Refs:    make(map[string]plumbing.Hash, len(ar.References)+1),
		Symrefs: make(map[string]string),
	}
	for name, h := range ar.References {
		info.Refs[name] = h
	}
	if ar.Head != nil {
		info.Refs["HEAD"] = *ar.Head
	}

	for _, c := range ar.Capabilities.All() {
		values := ar.Capabilities.Get(c)
		if len(values) == 0 {
			info.Capabilities = append(info.Capabilities, gitproto.Capability(c))
			continue
		}
		for _, v := range values {
			info.Capabilities = append(info.Capabilities, gitproto.Capability(string(c)+"="+v))
		}
	}
	for _, v := range ar.Capabilities.Get(capability.SymRef) {
		if from, to, ok := strings.Cut(v, ":"); ok {
			info.Symrefs[from] = to
		}
	}
	return info
}

// Connect posts body to service and returns the response body. The caller
// must close it.
func (e *Endpoint) Connect(ctx context.Context, service string, body Body) (io.ReadCloser, error) {
	const op = "connect"

	res, err := e.do(ctx, op, func() (*http.Request, error) {
		r, err := body()
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/"+service, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-"+service+"-request")
		req.Header.Set("Accept", "application/x-"+service+"-result")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	if err := checkContentType(res, "application/x-"+service+"-result"); err != nil {
		_ = res.Body.Close()
		return nil, syncerr.New(syncerr.KindProtocol, op, err)
	}
	return res.Body, nil
}

// do sends the request built by build, running the credential flow on 401
// and 403 responses. The returned response always has a 2xx status.
func (e *Endpoint) do(ctx context.Context, op string, build func() (*http.Request, error)) (*http.Response, error) {
	if !e.filled && e.opts.Auth != nil {
		m, err := e.opts.Auth.Fill(ctx, e.url)
		if err != nil {
			return nil, syncerr.New(syncerr.KindAuth, op, err)
		}
		e.method = m
	}
	e.filled = true

	for attempt := 1; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, syncerr.New(syncerr.KindParameter, op, err)
		}
		e.decorate(req)

		res, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, syncerr.New(syncerr.KindCancelled, op, ctx.Err())
			}
			return nil, syncerr.New(syncerr.KindNetwork, op, err)
		}

		switch {
		case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
			drain(res)
			rejected := fmt.Errorf("%s %s: %s", req.Method, redact(req.URL.String()), res.Status)
			if e.opts.Auth == nil {
				return nil, syncerr.New(syncerr.KindAuth, op, rejected)
			}
			e.approved = false
			next, err := e.opts.Auth.Rejected(ctx, e.url, e.method)
			if err != nil {
				return nil, syncerr.New(syncerr.KindAuth, op, fmt.Errorf("%w: %w", rejected, err))
			}
			if next == nil || attempt >= maxAuthAttempts {
				return nil, syncerr.New(syncerr.KindAuth, op, rejected)
			}
			e.method = next
			continue

		case res.StatusCode < 200 || res.StatusCode > 299:
			excerpt := readExcerpt(res)
			return nil, syncerr.Newf(syncerr.KindNetwork, op, "%s %s: %s%s",
				req.Method, redact(req.URL.String()), res.Status, excerpt)
		}

		if e.method != nil && e.opts.Auth != nil && !e.approved {
			e.opts.Auth.Approved(ctx, e.url, e.method)
			e.approved = true
		}
		return res, nil
	}
}

func (e *Endpoint) decorate(req *http.Request) {
	for k, v := range e.opts.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", e.opts.Agent)
	if e.method != nil {
		e.method.SetAuth(req)
	}
}

func checkContentType(res *http.Response, want string) error {
	got := res.Header.Get("Content-Type")
	mediaType, _, _ := strings.Cut(got, ";")
	if strings.TrimSpace(mediaType) != want {
		return fmt.Errorf("unexpected content type %q, want %q (not a smart HTTP server?)", got, want)
	}
	return nil
}

func drain(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
	_ = res.Body.Close()
}

func readExcerpt(res *http.Response) string {
	defer func() {
		_ = res.Body.Close()
	}()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 256))
	s := strings.TrimSpace(string(b))
	if s == "" {
		return ""
	}
	return ": " + s
}

// redact strips user info from a URL before it is put into an error.
func redact(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return u
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		if slash := strings.Index(rest, "/"); slash < 0 || at < slash {
			rest = rest[at+1:]
		}
	}
	return scheme + "://" + rest
}
