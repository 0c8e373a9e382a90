//go:build integration

package httpbackend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/cgi"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const defaultTimeout = 2 * time.Minute

// Harness serves two bare repositories through git http-backend and keeps a
// working clone for authoring commits.
type Harness struct {
	t      *testing.T
	root   string
	work   string
	server *httptest.Server
}

// NewHarness creates source.git and target.git below a temp directory and
// serves them over Smart HTTP. The test is skipped when git is missing.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	gitPath, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	h := &Harness{
		t:    t,
		root: filepath.Join(dir, "repos"),
		work: filepath.Join(dir, "work"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	for _, name := range []string{"source.git", "target.git"} {
		h.MustExec(ctx, "", "init", "--bare", "-b", "main", filepath.Join(h.root, name))
		h.MustExec(ctx, filepath.Join(h.root, name), "config", "http.receivepack", "true")
	}
	h.MustExec(ctx, "", "init", "-b", "main", h.work)
	h.MustExec(ctx, h.work, "config", "user.email", "test@example.com")
	h.MustExec(ctx, h.work, "config", "user.name", "Test User")
	h.MustExec(ctx, h.work, "config", "commit.gpgsign", "false")

	h.server = httptest.NewServer(&cgi.Handler{
		Path: gitPath,
		Args: []string{"http-backend"},
		Env: []string{
			"GIT_PROJECT_ROOT=" + h.root,
			"GIT_HTTP_EXPORT_ALL=1",
		},
		Stderr: &testWriter{t: t, prefix: "[http-backend] "},
	})
	t.Cleanup(h.server.Close)

	return h
}

// URL returns the Smart HTTP URL of the named repository.
func (h *Harness) URL(repo string) string {
	return h.server.URL + "/" + repo
}

// Path returns the filesystem path of the named bare repository.
func (h *Harness) Path(repo string) string {
	return filepath.Join(h.root, repo)
}

// Exec runs git in dir. An empty dir runs in the current directory.
func (h *Harness) Exec(ctx context.Context, dir string, args ...string) (string, string, int, error) {
	h.t.Helper()

	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// MustExec runs git and fails the test if it returns non-zero.
func (h *Harness) MustExec(ctx context.Context, dir string, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, dir, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("git %v failed with exit code %d\nstdout: %s\nstderr: %s",
			args, exitCode, stdout, stderr)
	}
	return strings.TrimSpace(stdout)
}

// Commit writes name with content in the working clone and commits it.
func (h *Harness) Commit(ctx context.Context, name, content, msg string) string {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(h.work, name), []byte(content), 0o644); err != nil {
		h.t.Fatalf("write %s: %v", name, err)
	}
	h.MustExec(ctx, h.work, "add", name)
	h.MustExec(ctx, h.work, "commit", "-q", "-m", msg)
	return h.MustExec(ctx, h.work, "rev-parse", "HEAD")
}

// Publish pushes refspecs from the working clone into the source repository.
func (h *Harness) Publish(ctx context.Context, refspecs ...string) {
	h.t.Helper()
	args := append([]string{"push", "-q", h.Path("source.git")}, refspecs...)
	h.MustExec(ctx, h.work, args...)
}

// RevParse resolves ref in the named bare repository. It returns an empty
// string when the ref does not exist.
func (h *Harness) RevParse(ctx context.Context, repo, ref string) string {
	h.t.Helper()
	stdout, _, exitCode, err := h.Exec(ctx, h.Path(repo), "rev-parse", "--verify", "-q", ref)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		return ""
	}
	return strings.TrimSpace(stdout)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
