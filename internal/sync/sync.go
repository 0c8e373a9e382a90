package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/fush/internal/gitproto"
	"github.com/schaermu/fush/internal/refdiff"
	"github.com/schaermu/fush/internal/relay"
	"github.com/schaermu/fush/internal/remote"
	"github.com/schaermu/fush/internal/syncerr"
)

// Caller identifies sync runs in annotated errors.
const Caller = "fush.sync"

// Options describes one sync run.
type Options struct {
	SourceURL string
	TargetURL string
	// Headers are sent with every request to either remote.
	Headers map[string]string
	// Auth supplies credentials for both remotes. It receives the remote URL.
	Auth remote.Auth

	// Patterns selects the refs to synchronize. Empty means branches and tags.
	Patterns []string
	// Prune deletes target refs that no longer exist at the source.
	Prune bool
	// ConcurrentDiscovery discovers both remotes at the same time.
	ConcurrentDiscovery bool
	// DryRun stops after planning.
	DryRun bool
	// Timeout bounds the whole run. Zero means no timeout.
	Timeout time.Duration

	// FetchCapabilities and PushCapabilities narrow the built-in whitelists.
	FetchCapabilities []string
	PushCapabilities  []string

	Spool relay.SpoolOptions

	OnProgress func(relay.Progress)
	OnMessage  func(string)
}

// Result describes a finished or failed run.
type Result struct {
	Plan             refdiff.Plan
	FetchCaps        gitproto.CapabilityList
	PushCaps         gitproto.CapabilityList
	PackSize         int64
	PackChecksum     plumbing.Hash
	Push             *gitproto.Result
	States           []State
	DryRun           bool
	SourceHead       string
	DiscoveredSource int
	DiscoveredTarget int
}

// Engine runs sync transactions from a source remote into a target remote.
type Engine struct {
	client remote.Doer
	opts   Options
	logger *slog.Logger
	steps  map[State]step
}

type step func(ctx context.Context, r *run) (State, error)

// run holds everything a single Sync call accumulates.
type run struct {
	source, target         *remote.Endpoint
	sourceInfo, targetInfo *remote.Info
	fetchWhitelist         gitproto.CapabilityList
	pushWhitelist          gitproto.CapabilityList
	pack                   *relay.Pack
	verifier               *relay.Verifier
	response               io.ReadCloser
	result                 *Result
}

func (r *run) close() {
	if r.response != nil {
		_ = r.response.Close()
	}
	if r.pack != nil {
		_ = r.pack.Close()
	}
}

// NewEngine creates a new sync engine
func NewEngine(client remote.Doer, opts Options, logger *slog.Logger) *Engine {
	e := &Engine{
		client: client,
		opts:   opts,
		logger: logger,
	}
	e.steps = map[State]step{
		StateDiscoverSource: e.discoverSource,
		StateDiscoverTarget: e.discoverTarget,
		StateNegotiate:      e.negotiate,
		StateDiff:           e.diff,
		StateFetch:          e.fetch,
		StateRelayCheck:     e.relayCheck,
		StatePush:           e.push,
		StateValidate:       e.validate,
	}
	return e
}

// Run executes one sync transaction.
func (e *Engine) Run(ctx context.Context) error {
	_, err := e.Sync(ctx)
	return err
}

// Sync executes one sync transaction and reports what it did. The result is
// returned on failure too, filled in as far as the run got.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	res := &Result{DryRun: e.opts.DryRun}

	r, err := e.prepare()
	if err != nil {
		res.States = []State{StateFailed}
		return res, syncerr.Annotate(err, Caller, string(StateDiscoverSource))
	}
	r.result = res
	defer r.close()

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	e.logger.Info("starting sync",
		"source", e.opts.SourceURL,
		"target", e.opts.TargetURL,
		"dry_run", e.opts.DryRun)
	start := time.Now()

	state := StateDiscoverSource
	for state != StateDone {
		res.States = append(res.States, state)

		next, err := e.steps[state](ctx, r)
		if err == nil && !canTransition(state, next) {
			err = syncerr.Newf(syncerr.KindProtocol, "transition", "invalid transition %s -> %s", state, next)
		}
		if err != nil {
			if ctx.Err() != nil && syncerr.KindOf(err) == syncerr.KindNetwork {
				err = syncerr.New(syncerr.KindCancelled, string(state), err)
			}
			err = syncerr.Annotate(err, Caller, string(state))
			res.States = append(res.States, StateFailed)
			e.logger.Error("sync failed",
				"state", state,
				"kind", syncerr.KindOf(err),
				"error", err)
			return res, err
		}

		e.logger.Debug("state transition", "state", state, "next", next)
		state = next
	}
	res.States = append(res.States, StateDone)

	e.logger.Info("sync completed successfully",
		"commands", len(res.Plan.Commands),
		"pack_bytes", res.PackSize,
		"duration", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// prepare validates options before any network activity.
func (e *Engine) prepare() (*run, error) {
	const op = "validate"

	if e.client == nil {
		return nil, syncerr.Newf(syncerr.KindParameter, op, "transport client is required")
	}
	for name, u := range map[string]string{"source": e.opts.SourceURL, "target": e.opts.TargetURL} {
		if u == "" {
			return nil, syncerr.Newf(syncerr.KindParameter, op, "%s URL is required", name)
		}
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return nil, syncerr.Newf(syncerr.KindParameter, op, "%s URL %q must be an http(s) URL", name, u)
		}
	}
	if _, err := refdiff.NewMatcher(e.opts.Patterns); err != nil {
		return nil, syncerr.New(syncerr.KindParameter, op, err)
	}

	fetchWL, err := gitproto.Restrict(gitproto.FetchCapabilities(), e.opts.FetchCapabilities)
	if err != nil {
		return nil, syncerr.New(syncerr.KindParameter, op, fmt.Errorf("fetch capabilities: %w", err))
	}
	pushWL, err := gitproto.Restrict(gitproto.PushCapabilities(), e.opts.PushCapabilities)
	if err != nil {
		return nil, syncerr.New(syncerr.KindParameter, op, fmt.Errorf("push capabilities: %w", err))
	}
	if !pushWL.Has(gitproto.ReportStatus) {
		return nil, syncerr.Newf(syncerr.KindParameter, op, "push capabilities must include %s", gitproto.ReportStatus)
	}

	epOpts := remote.EndpointOptions{Headers: e.opts.Headers, Auth: e.opts.Auth}
	return &run{
		source:         remote.NewEndpoint(e.client, e.opts.SourceURL, epOpts),
		target:         remote.NewEndpoint(e.client, e.opts.TargetURL, epOpts),
		fetchWhitelist: fetchWL,
		pushWhitelist:  pushWL,
	}, nil
}

func (e *Engine) discoverSource(ctx context.Context, r *run) (State, error) {
	if !e.opts.ConcurrentDiscovery {
		info, err := r.source.Discover(ctx, remote.UploadPack)
		if err != nil {
			return StateFailed, err
		}
		r.sourceInfo = info
		e.logDiscovered("source", info)
		return StateDiscoverTarget, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		info, err := r.source.Discover(gctx, remote.UploadPack)
		if err != nil {
			return err
		}
		r.sourceInfo = info
		return nil
	})
	g.Go(func() error {
		info, err := r.target.Discover(gctx, remote.ReceivePack)
		if err != nil {
			return syncerr.Annotate(err, Caller, string(StateDiscoverTarget))
		}
		r.targetInfo = info
		return nil
	})
	if err := g.Wait(); err != nil {
		return StateFailed, err
	}
	e.logDiscovered("source", r.sourceInfo)
	e.logDiscovered("target", r.targetInfo)
	return StateNegotiate, nil
}

func (e *Engine) discoverTarget(ctx context.Context, r *run) (State, error) {
	info, err := r.target.Discover(ctx, remote.ReceivePack)
	if err != nil {
		return StateFailed, err
	}
	r.targetInfo = info
	e.logDiscovered("target", info)
	return StateNegotiate, nil
}

func (e *Engine) logDiscovered(side string, info *remote.Info) {
	e.logger.Debug("discovered remote",
		"remote", side,
		"refs", len(info.Refs),
		"capabilities", info.Capabilities.String())
}

func (e *Engine) negotiate(_ context.Context, r *run) (State, error) {
	res := r.result
	res.DiscoveredSource = len(r.sourceInfo.Refs)
	res.DiscoveredTarget = len(r.targetInfo.Refs)
	res.SourceHead = r.sourceInfo.Symrefs["HEAD"]

	res.FetchCaps = gitproto.Negotiate(r.sourceInfo.Capabilities, r.fetchWhitelist)
	res.PushCaps = gitproto.Negotiate(r.targetInfo.Capabilities, r.pushWhitelist)
	// The pack is relayed untouched, so it may only use encodings the target reads.
	if !r.targetInfo.Capabilities.Has(gitproto.OFSDelta) {
		res.FetchCaps = res.FetchCaps.Without(gitproto.OFSDelta)
	}
	if !res.PushCaps.Has(gitproto.ReportStatus) {
		return StateFailed, syncerr.Newf(syncerr.KindProtocol, "negotiate",
			"target does not advertise %s", gitproto.ReportStatus)
	}

	e.logger.Debug("negotiated capabilities",
		"fetch", res.FetchCaps.String(),
		"push", res.PushCaps.String())
	return StateDiff, nil
}

func (e *Engine) diff(_ context.Context, r *run) (State, error) {
	plan, err := refdiff.Diff(r.sourceInfo.Refs, r.targetInfo.Refs, refdiff.Options{
		Patterns: e.opts.Patterns,
		Prune:    e.opts.Prune,
	})
	if err != nil {
		return StateFailed, syncerr.New(syncerr.KindParameter, "diff", err)
	}
	r.result.Plan = plan

	e.logger.Info("sync plan",
		"commands", len(plan.Commands),
		"wants", len(plan.Wants),
		"haves", len(plan.Haves),
		"deletes", plan.Deletes(),
		"unchanged", len(plan.Unchanged))

	if e.opts.DryRun {
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied")
		return StateDone, nil
	}
	if plan.Empty() {
		e.logger.Info("target is up to date")
		return StateDone, nil
	}
	if plan.Deletes() > 0 && !r.result.PushCaps.Has(gitproto.DeleteRefs) {
		return StateFailed, syncerr.Newf(syncerr.KindProtocol, "diff",
			"target does not advertise %s, cannot prune %d refs", gitproto.DeleteRefs, plan.Deletes())
	}
	if len(plan.Wants) == 0 {
		return StatePush, nil
	}
	return StateFetch, nil
}

func (e *Engine) logPlanDetails(plan refdiff.Plan) {
	for _, c := range plan.Commands {
		switch {
		case c.IsDelete():
			e.logger.Info("[dry-run] would delete", "ref", c.Name, "old", c.Old)
		case c.Old.IsZero():
			e.logger.Info("[dry-run] would create", "ref", c.Name, "new", c.New)
		default:
			e.logger.Info("[dry-run] would update", "ref", c.Name, "old", c.Old, "new", c.New)
		}
	}
}

func (e *Engine) handlers() relay.Handlers {
	return relay.Handlers{
		OnMessage: func(s string) {
			e.logger.Debug("remote message", "message", s)
			if e.opts.OnMessage != nil {
				e.opts.OnMessage(s)
			}
		},
		OnProgress: e.opts.OnProgress,
		OnNegotiation: func(s string) {
			e.logger.Debug("negotiation", "line", s)
		},
	}
}

func (e *Engine) fetch(ctx context.Context, r *run) (State, error) {
	body, err := gitproto.FetchRequestBytes(gitproto.FetchRequest{
		Wants:        r.result.Plan.Wants,
		Haves:        r.result.Plan.Haves,
		Capabilities: r.result.FetchCaps,
	})
	if err != nil {
		return StateFailed, syncerr.New(syncerr.KindParameter, "fetch", err)
	}

	rc, err := r.source.Connect(ctx, remote.UploadPack, remote.BytesBody(body))
	if err != nil {
		return StateFailed, err
	}
	defer func() {
		_ = rc.Close()
	}()

	pack, err := relay.Receive(ctx, rc, relay.Options{
		SideBand: r.result.FetchCaps.Has(gitproto.SideBand64k),
		Handlers: e.handlers(),
		Spool:    e.opts.Spool,
	})
	if err != nil {
		return StateFailed, err
	}
	r.pack = pack
	return StateRelayCheck, nil
}

func (e *Engine) relayCheck(_ context.Context, r *run) (State, error) {
	if r.pack.Empty() {
		return StateFailed, syncerr.Newf(syncerr.KindProtocol, "relay",
			"source sent no pack for %d wants", len(r.result.Plan.Wants))
	}
	r.result.PackSize = r.pack.Size()
	r.result.PackChecksum = r.pack.Checksum()

	e.logger.Info("received pack",
		"size", r.pack.Size(),
		"checksum", r.pack.Checksum(),
		"spilled", r.pack.Spilled())
	return StatePush, nil
}

func (e *Engine) push(ctx context.Context, r *run) (State, error) {
	req := gitproto.PushRequest{
		Commands:     r.result.Plan.Commands,
		Capabilities: r.result.PushCaps,
	}

	body := func() (io.Reader, error) {
		if !req.NeedsPack() {
			return gitproto.PushBody(req, nil)
		}
		if r.pack == nil {
			return nil, errors.New("push needs a pack but none was fetched")
		}
		pr, err := r.pack.Open()
		if err != nil {
			return nil, err
		}
		r.verifier = relay.NewVerifier(pr)
		return gitproto.PushBody(req, r.verifier)
	}

	rc, err := r.target.Connect(ctx, remote.ReceivePack, body)
	if err != nil {
		return StateFailed, err
	}
	r.response = rc
	return StateValidate, nil
}

func (e *Engine) validate(_ context.Context, r *run) (State, error) {
	var body io.Reader = r.response
	if r.result.PushCaps.Has(gitproto.SideBand64k) {
		body = relay.NewDemuxer(r.response, true, e.handlers())
	}

	refs := r.result.Plan.RefNames()
	result, err := gitproto.ParseReportStatus(body, refs)
	if err != nil {
		var se *syncerr.Error
		if errors.As(err, &se) {
			return StateFailed, err
		}
		return StateFailed, syncerr.New(syncerr.KindProtocol, "report-status", err)
	}
	r.result.Push = result

	for _, name := range refs {
		e.logger.Info("ref status", "ref", name, "status", result.Refs[name])
	}

	if !result.OK {
		return StateFailed, &syncerr.Error{
			Kind: syncerr.KindPushRejected,
			Op:   "push",
			Refs: result.Rejected(),
			Err:  fmt.Errorf("unpack %s", result.Unpack),
		}
	}

	if r.verifier != nil {
		if err := r.verifier.Check(r.pack); err != nil {
			return StateFailed, err
		}
	}
	return StateDone, nil
}
