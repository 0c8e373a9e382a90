package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/schaermu/fush/internal/config"
)

const defaultDebounceDelay = 2 * time.Second

// Runner performs one sync. *sync.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server triggers syncs from GitHub push webhooks.
type Server struct {
	cfg    config.ServeConfig
	runner Runner
	logger *slog.Logger

	secretMu   sync.RWMutex
	secret     []byte
	secretPath string

	// ctx is the parent of webhook-triggered syncs. Start replaces it so
	// shutdown cancels in-flight runs.
	ctx context.Context

	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	debounce    *debouncer
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server
func NewServer(cfg config.ServeConfig, runner Runner, logger *slog.Logger) (*Server, error) {
	if runner == nil {
		return nil, errors.New("webhook server needs a sync runner")
	}
	s := &Server{
		cfg:        cfg,
		runner:     runner,
		logger:     logger,
		secretPath: filepath.Clean(cfg.GitHubWebhookSecretFile),
		ctx:        context.Background(),
		debounce:   &debouncer{delay: defaultDebounceDelay},
	}
	if err := s.loadSecret(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) loadSecret() error {
	data, err := os.ReadFile(s.secretPath)
	if err != nil {
		return fmt.Errorf("failed to read webhook secret: %w", err)
	}
	secret := []byte(strings.TrimSpace(string(data)))
	if len(secret) == 0 {
		return fmt.Errorf("webhook secret %s is empty", s.secretPath)
	}

	s.secretMu.Lock()
	s.secret = secret
	s.secretMu.Unlock()
	return nil
}

func (s *Server) currentSecret() []byte {
	s.secretMu.RLock()
	defer s.secretMu.RUnlock()
	return s.secret
}

// Handler returns the HTTP handler serving webhook deliveries.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)
	return mux
}

// Start performs an initial sync and then serves webhooks until ctx is
// cancelled. A nil listener listens on the configured address.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	s.syncMu.Lock()
	s.ctx = ctx
	s.syncMu.Unlock()

	watcher, err := s.watchSecret(ctx)
	if err != nil {
		s.logger.Warn("webhook secret reload disabled", "error", err)
	} else {
		defer func() {
			_ = watcher.Close()
		}()
	}

	s.logger.Info("performing initial sync before starting webhook server")
	s.performSync(ctx)

	if ln == nil {
		ln, err = net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
		}
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// watchSecret reloads the secret whenever its directory changes. The
// directory is watched rather than the file so atomic replacements, as done
// by secret mounts, are seen.
func (s *Server) watchSecret(ctx context.Context) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	dir := filepath.Dir(s.secretPath)
	if err := watcher.Add(dir); err != nil {
		err := errors.Join(err, watcher.Close())
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	go s.watchLoop(ctx, watcher)
	return watcher, nil
}

func (s *Server) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("webhook secret directory changed", "op", ev.Op.String(), "path", ev.Name)
			if err := s.loadSecret(); err != nil {
				// Mid-replacement the file may be briefly missing.
				s.logger.Warn("keeping previous webhook secret", "error", err)
				continue
			}
			s.logger.Info("webhook secret reloaded", "path", s.secretPath)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Error("fsnotify error", "error", err)
		}
	}
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")
	s.logger.Info("received webhook", "event", eventType, "delivery", delivery)

	if eventType == "ping" {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	}

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"deleted", event.Deleted,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.syncMu.Lock()
		ctx := s.ctx
		s.syncMu.Unlock()
		s.performSync(ctx)
	})

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.currentSecret())
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.AllowedEventTypes) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedEventTypes {
		if eventType == allowed {
			return true
		}
	}
	return false
}

// isRefAllowed checks the ref against the allowed list. Entries may be
// path.Match globs such as refs/heads/release-*.
func (s *Server) isRefAllowed(ref string) bool {
	if len(s.cfg.AllowedRefs) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedRefs {
		if ref == allowed {
			return true
		}
		if ok, _ := path.Match(allowed, ref); ok {
			return true
		}
	}
	return false
}

// performSync runs the sync with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// further concurrent requests are dropped.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.logger.Info("performing sync operation")

		start := time.Now()
		if err := s.runner.Run(ctx); err != nil {
			s.logger.Error("sync failed", "error", err, "duration", time.Since(start))
		} else {
			s.logger.Info("sync completed successfully", "duration", time.Since(start))
		}

		s.syncMu.Lock()
		if !s.syncPending || ctx.Err() != nil {
			s.syncPending = false
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
