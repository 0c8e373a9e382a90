package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/fush/internal/gitproto"
	"github.com/schaermu/fush/internal/secrets"
	"github.com/schaermu/fush/internal/syncerr"
	"github.com/schaermu/fush/internal/testutil"
)

var oidA = plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

func TestDiscover(t *testing.T) {
	srv := testutil.NewGitServer(t)
	srv.SetRefs(map[string]plumbing.Hash{"refs/heads/main": oidA, "refs/tags/v1": oidA, "HEAD": oidA})
	srv.SetHead("refs/heads/main")

	ep := NewEndpoint(http.DefaultClient, srv.URL+"/", EndpointOptions{
		Headers: map[string]string{"X-Trace": "abc"},
		Agent:   "fush/test",
	})
	info, err := ep.Discover(context.Background(), UploadPack)
	require.NoError(t, err)

	assert.Equal(t, map[string]plumbing.Hash{
		"HEAD":            oidA,
		"refs/heads/main": oidA,
		"refs/tags/v1":    oidA,
	}, info.Refs)
	assert.Equal(t, map[string]string{"HEAD": "refs/heads/main"}, info.Symrefs)
	assert.True(t, info.Capabilities.Has(gitproto.SideBand64k))
	assert.True(t, info.Capabilities.Has(gitproto.ThinPack))
	assert.True(t, info.Capabilities.Has(gitproto.AgentName))

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "abc", reqs[0].Header.Get("X-Trace"))
	assert.Equal(t, "fush/test", reqs[0].Header.Get("User-Agent"))
	assert.Equal(t, "application/x-git-upload-pack-advertisement", reqs[0].Header.Get("Accept"))
}

func TestDiscover_EmptyRepository(t *testing.T) {
	srv := testutil.NewGitServer(t)

	info, err := NewEndpoint(http.DefaultClient, srv.URL, EndpointOptions{}).Discover(context.Background(), ReceivePack)
	require.NoError(t, err)

	assert.Empty(t, info.Refs)
	assert.True(t, info.Capabilities.Has(gitproto.ReportStatus))
}

func TestDiscover_DumbServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, oidA.String()+"\trefs/heads/main\n")
	}))
	defer srv.Close()

	_, err := NewEndpoint(http.DefaultClient, srv.URL, EndpointOptions{}).Discover(context.Background(), UploadPack)
	assert.Equal(t, syncerr.KindProtocol, syncerr.KindOf(err))
}

func TestDiscover_MalformedAdvertisement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
		_, _ = io.WriteString(w, "zzzzgarbage")
	}))
	defer srv.Close()

	_, err := NewEndpoint(http.DefaultClient, srv.URL, EndpointOptions{}).Discover(context.Background(), UploadPack)
	assert.Equal(t, syncerr.KindProtocol, syncerr.KindOf(err))
}

func TestDiscover_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   syncerr.Kind
	}{
		{http.StatusNotFound, syncerr.KindNetwork},
		{http.StatusInternalServerError, syncerr.KindNetwork},
		{http.StatusUnauthorized, syncerr.KindAuth},
		{http.StatusForbidden, syncerr.KindAuth},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewEndpoint(http.DefaultClient, srv.URL, EndpointOptions{}).Discover(context.Background(), UploadPack)
			assert.Equal(t, tt.want, syncerr.KindOf(err))
		})
	}
}

func TestDiscover_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewEndpoint(http.DefaultClient, url, EndpointOptions{}).Discover(context.Background(), UploadPack)
	assert.Equal(t, syncerr.KindNetwork, syncerr.KindOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewEndpoint(http.DefaultClient, url, EndpointOptions{}).Discover(ctx, UploadPack)
	assert.Equal(t, syncerr.KindCancelled, syncerr.KindOf(err))
}

func TestAuthFlow(t *testing.T) {
	srv := testutil.NewGitServer(t)
	srv.RequireBasicAuth("git", "right")

	var filled, rejected, approved int
	auth := AuthFuncs{
		FillFunc: func(context.Context, string) (githttp.AuthMethod, error) {
			filled++
			return &githttp.BasicAuth{Username: "git", Password: "wrong"}, nil
		},
		RejectedFunc: func(_ context.Context, _ string, m githttp.AuthMethod) (githttp.AuthMethod, error) {
			rejected++
			assert.Equal(t, "wrong", m.(*githttp.BasicAuth).Password)
			return &githttp.BasicAuth{Username: "git", Password: "right"}, nil
		},
		ApprovedFunc: func(_ context.Context, _ string, m githttp.AuthMethod) {
			approved++
			assert.Equal(t, "right", m.(*githttp.BasicAuth).Password)
		},
	}

	ep := NewEndpoint(http.DefaultClient, srv.URL, EndpointOptions{Auth: auth})
	_, err := ep.Discover(context.Background(), ReceivePack)
	require.NoError(t, err)

	rc, err := ep.Connect(context.Background(), ReceivePack, BytesBody([]byte("0000")))
	require.NoError(t, err)
	_, _ = io.ReadAll(rc)
	rc.Close()

	assert.Equal(t, 1, filled)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, approved, "approved once per endpoint")
	assert.Equal(t, 3, len(srv.Requests()), "connect reuses the approved credentials")
}

func TestAuthFlow_GivesUp(t *testing.T) {
	srv := testutil.NewGitServer(t)
	srv.RequireBasicAuth("git", "right")

	rejected := 0
	auth := AuthFuncs{
		FillFunc: func(context.Context, string) (githttp.AuthMethod, error) {
			return &githttp.BasicAuth{Username: "git", Password: "wrong"}, nil
		},
		RejectedFunc: func(context.Context, string, githttp.AuthMethod) (githttp.AuthMethod, error) {
			rejected++
			return &githttp.BasicAuth{Username: "git", Password: "still-wrong"}, nil
		},
	}

	_, err := NewEndpoint(http.DefaultClient, srv.URL, EndpointOptions{Auth: auth}).Discover(context.Background(), UploadPack)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.ErrAuth))
	assert.Equal(t, maxAuthAttempts, rejected)
	assert.Len(t, srv.Requests(), maxAuthAttempts)
}

func TestAuthFlow_FillError(t *testing.T) {
	srv := testutil.NewGitServer(t)
	auth := AuthFuncs{
		FillFunc: func(context.Context, string) (githttp.AuthMethod, error) {
			return nil, errors.New("keychain locked")
		},
	}

	_, err := NewEndpoint(http.DefaultClient, srv.URL, EndpointOptions{Auth: auth}).Discover(context.Background(), UploadPack)
	assert.Equal(t, syncerr.KindAuth, syncerr.KindOf(err))
	assert.Empty(t, srv.Requests())
}

func TestConnect(t *testing.T) {
	srv := testutil.NewGitServer(t)
	srv.SetPack(testutil.FakePack(10))

	ep := NewEndpoint(http.DefaultClient, srv.URL, EndpointOptions{})
	body := []byte("0032want " + oidA.String() + "\n00000009done\n")
	rc, err := ep.Connect(context.Background(), UploadPack, BytesBody(body))
	require.NoError(t, err)
	defer rc.Close()

	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Contains(t, string(out), "NAK")

	assert.Equal(t, body, srv.LastBody(UploadPack))
	reqs := srv.Requests()
	assert.Equal(t, "application/x-git-upload-pack-request", reqs[0].Header.Get("Content-Type"))
}

func TestConnect_WrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>login</html>")
	}))
	defer srv.Close()

	_, err := NewEndpoint(http.DefaultClient, srv.URL, EndpointOptions{}).Connect(context.Background(), UploadPack, BytesBody(nil))
	assert.Equal(t, syncerr.KindProtocol, syncerr.KindOf(err))
}

func TestStaticAuth(t *testing.T) {
	resolver := secrets.ResolverFunc(func(_ context.Context, ref string) (string, error) {
		return "secret-for-" + ref, nil
	})
	auth := NewStaticAuth(
		Credential{Prefix: "https://example.com/", Username: "alice", Secret: "generic", Resolver: resolver},
		Credential{Prefix: "https://example.com/org/", Secret: "org", Resolver: resolver, Token: true},
	)

	m, err := auth.Fill(context.Background(), "https://example.com/org/repo.git")
	require.NoError(t, err)
	assert.Equal(t, &githttp.BasicAuth{Username: TokenUser, Password: "secret-for-org"}, m)

	m, err = auth.Fill(context.Background(), "https://example.com/other/repo.git")
	require.NoError(t, err)
	assert.Equal(t, &githttp.BasicAuth{Username: "alice", Password: "secret-for-generic"}, m)

	m, err = auth.Fill(context.Background(), "https://elsewhere.org/repo.git")
	require.NoError(t, err)
	assert.Nil(t, m)

	next, err := auth.Rejected(context.Background(), "https://example.com/org/repo.git", m)
	assert.NoError(t, err)
	assert.Nil(t, next)
}

func TestStaticAuth_TokenUsername(t *testing.T) {
	auth := NewStaticAuth(Credential{
		Prefix:   "https://gitlab.example.com/group/repo.git",
		Username: "oauth2",
		Secret:   "ref",
		Resolver: secrets.ResolverFunc(func(context.Context, string) (string, error) { return "glpat", nil }),
		Token:    true,
	})

	m, err := auth.Fill(context.Background(), "https://gitlab.example.com/group/repo.git")
	require.NoError(t, err)
	assert.Equal(t, &githttp.BasicAuth{Username: "oauth2", Password: "glpat"}, m)

	req := httptest.NewRequest(http.MethodGet, "https://gitlab.example.com/group/repo.git/info/refs", nil)
	m.SetAuth(req)
	user, pass, ok := req.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "oauth2", user)
	assert.Equal(t, "glpat", pass)
}

func TestStaticAuth_PrefixBoundary(t *testing.T) {
	resolver := secrets.ResolverFunc(func(_ context.Context, ref string) (string, error) {
		return ref, nil
	})
	auth := NewStaticAuth(Credential{Prefix: "https://h.example/org/repo", Username: "u", Secret: "pw", Resolver: resolver})

	tests := []struct {
		url   string
		match bool
	}{
		{"https://h.example/org/repo", true},
		{"https://h.example/org/repo/sub", true},
		{"https://h.example/org/repo-backup", false},
		{"https://h.example/org/repository", false},
		{"https://h.example/org", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			m, err := auth.Fill(context.Background(), tt.url)
			require.NoError(t, err)
			if tt.match {
				assert.Equal(t, &githttp.BasicAuth{Username: "u", Password: "pw"}, m)
			} else {
				assert.Nil(t, m)
			}
		})
	}
}

func TestStaticAuth_ResolveError(t *testing.T) {
	auth := NewStaticAuth(Credential{
		Prefix: "https://",
		Secret: "x",
		Resolver: secrets.ResolverFunc(func(context.Context, string) (string, error) {
			return "", secrets.ErrNotFound
		}),
	})
	_, err := auth.Fill(context.Background(), "https://example.com/r.git")
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "https://example.com/r.git", redact("https://user:pw@example.com/r.git"))
	assert.Equal(t, "https://example.com/a@b", redact("https://example.com/a@b"))
}
