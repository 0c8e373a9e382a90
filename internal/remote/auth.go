package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"

	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/schaermu/fush/internal/secrets"
)

// Auth supplies credentials for a remote URL and is told how they fared.
type Auth interface {
	// Fill returns the credentials to try first. A nil method means anonymous.
	Fill(ctx context.Context, url string) (githttp.AuthMethod, error)
	// Approved is called once when a request authenticated with m succeeded.
	Approved(ctx context.Context, url string, m githttp.AuthMethod)
	// Rejected is called when the remote answered 401 or 403. It may return
	// replacement credentials to retry with; nil gives up.
	Rejected(ctx context.Context, url string, m githttp.AuthMethod) (githttp.AuthMethod, error)
}

// AuthFuncs adapts three callbacks to Auth. Nil callbacks are skipped.
type AuthFuncs struct {
	FillFunc     func(ctx context.Context, url string) (githttp.AuthMethod, error)
	ApprovedFunc func(ctx context.Context, url string, m githttp.AuthMethod)
	RejectedFunc func(ctx context.Context, url string, m githttp.AuthMethod) (githttp.AuthMethod, error)
}

func (a AuthFuncs) Fill(ctx context.Context, url string) (githttp.AuthMethod, error) {
	if a.FillFunc == nil {
		return nil, nil
	}
	return a.FillFunc(ctx, url)
}

func (a AuthFuncs) Approved(ctx context.Context, url string, m githttp.AuthMethod) {
	if a.ApprovedFunc != nil {
		a.ApprovedFunc(ctx, url, m)
	}
}

func (a AuthFuncs) Rejected(ctx context.Context, url string, m githttp.AuthMethod) (githttp.AuthMethod, error) {
	if a.RejectedFunc == nil {
		return nil, nil
	}
	return a.RejectedFunc(ctx, url, m)
}

// Credential describes how to authenticate against URLs with a given prefix.
// Secret is a reference handed to the Resolver, not the secret itself.
type Credential struct {
	Prefix   string
	Username string
	Secret   string
	Resolver secrets.Resolver
	// Token marks the secret as an access token. It is sent as the basic-auth
	// password, under Username or TokenUser when Username is empty.
	Token bool
}

// TokenUser is the basic-auth user name sent with access tokens.
const TokenUser = "x-access-token"

// matches reports whether url lies at or below prefix on a path boundary.
func (c Credential) matches(url string) bool {
	if url == c.Prefix {
		return true
	}
	return strings.HasPrefix(url, strings.TrimSuffix(c.Prefix, "/")+"/")
}

// StaticAuth serves fixed credentials from configuration. The longest
// matching prefix wins, and a prefix only matches whole path segments.
// URLs without a match are accessed anonymously.
// Rejected credentials are never replaced.
type StaticAuth struct {
	creds []Credential
}

// NewStaticAuth returns a StaticAuth for creds.
func NewStaticAuth(creds ...Credential) *StaticAuth {
	sorted := append([]Credential(nil), creds...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &StaticAuth{creds: sorted}
}

func (s *StaticAuth) Fill(ctx context.Context, url string) (githttp.AuthMethod, error) {
	for _, c := range s.creds {
		if !c.matches(url) {
			continue
		}
		if c.Secret == "" || c.Resolver == nil {
			if c.Username == "" {
				return nil, nil
			}
			return &githttp.BasicAuth{Username: c.Username}, nil
		}
		secret, err := c.Resolver.Resolve(ctx, c.Secret)
		if err != nil {
			return nil, fmt.Errorf("resolve credentials for %s: %w", c.Prefix, err)
		}
		if c.Token && c.Username == "" {
			return &githttp.BasicAuth{Username: TokenUser, Password: secret}, nil
		}
		return &githttp.BasicAuth{Username: c.Username, Password: secret}, nil
	}
	return nil, nil
}

func (s *StaticAuth) Approved(context.Context, string, githttp.AuthMethod) {}

func (s *StaticAuth) Rejected(context.Context, string, githttp.AuthMethod) (githttp.AuthMethod, error) {
	return nil, nil
}
