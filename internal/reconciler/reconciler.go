// Package reconciler drives a target environment toward the state declared
// by an application's source.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/utils/clock"

	"github.com/user/go-argo-reconciler/internal/differ"
	"github.com/user/go-argo-reconciler/internal/interfaces"
	"github.com/user/go-argo-reconciler/internal/resource"
	"github.com/user/go-argo-reconciler/internal/status"
	"github.com/user/go-argo-reconciler/internal/syncerr"
)

// TrackingLabel is set on every object the reconciler applies.
const TrackingLabel = resource.TrackingLabel

// Config tunes a Reconciler.
type Config struct {
	Retry RetryPolicy
	// OperationTimeout bounds every individual target call. Zero disables it.
	OperationTimeout time.Duration
	// MaxSyncAttempts bounds the apply and verify rounds of one pass.
	MaxSyncAttempts int
	// Rank orders operations. Defaults to declaration order.
	Rank differ.RankFunc
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithSleeper replaces the function used to wait between retries.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Reconciler) { r.sleep = sleep }
}

// Reconciler runs sync passes. It holds no per-application state and is safe
// for concurrent use by several application loops.
type Reconciler struct {
	cfg    Config
	clock  clock.Clock
	sleep  func(ctx context.Context, d time.Duration) error
	logger logrus.FieldLogger
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg Config, logger logrus.FieldLogger, opts ...Option) *Reconciler {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	if cfg.MaxSyncAttempts < 1 {
		cfg.MaxSyncAttempts = 3
	}
	if cfg.Rank == nil {
		cfg.Rank = differ.DeclarationOrder
	}
	r := &Reconciler{
		cfg:    cfg,
		clock:  clock.RealClock{},
		logger: logger,
	}
	r.sleep = r.sleepClock
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Input is everything one pass needs to know about an application.
type Input struct {
	App    interfaces.ManagedApplication
	Status interfaces.AppStatus
	Source interfaces.StateSource
	Target interfaces.Target
	// Trigger is recorded in the result, e.g. "poll" or "manual".
	Trigger string
	// Cancelled is checked before every operation. May be nil.
	Cancelled func() bool
}

func (in Input) cancelled() bool {
	return in.Cancelled != nil && in.Cancelled()
}

// Comparison is desired state diffed against a snapshot of live state.
type Comparison struct {
	Revision string
	Desired  []resource.Resource
	Observed map[resource.Key]*resource.Resource
	Diffs    []differ.ResourceDiff
}

// Outstanding returns the diffs that still need an operation. Deletes are
// only outstanding when prune is enabled.
func (c *Comparison) Outstanding(prune bool) []differ.ResourceDiff {
	var out []differ.ResourceDiff
	for _, d := range c.Diffs {
		switch {
		case d.Action == differ.Unchanged:
		case d.Action == differ.Delete && !prune:
		default:
			out = append(out, d)
		}
	}
	return out
}

// InSync reports whether nothing is outstanding.
func (c *Comparison) InSync(prune bool) bool {
	return len(c.Outstanding(prune)) == 0
}

// Result is the outcome of a pass and the status to persist after it.
type Result struct {
	Sync   status.SyncResult
	Status interfaces.AppStatus
}

// Compare fetches desired state from the source and diffs it against live
// state. It performs no writes.
func (r *Reconciler) Compare(ctx context.Context, in Input) (*Comparison, error) {
	log := r.logger.WithField("app", in.App.Name)

	revision, desired, err := in.Source.Fetch(ctx, in.App.Source.Revision)
	if err != nil {
		return nil, err
	}
	if err := resource.CheckDuplicates(desired); err != nil {
		return nil, err
	}
	desired, err = r.normalize(ctx, log, in, desired)
	if err != nil {
		return nil, err
	}
	cmp, err := r.observe(ctx, log, in, desired)
	if err != nil {
		return nil, err
	}
	cmp.Revision = revision
	return cmp, nil
}

// normalize places namespaced resources without a namespace into the
// destination namespace and strips namespaces from cluster-scoped ones. Every
// resource is then labelled with the application and records its own state
// as last applied.
func (r *Reconciler) normalize(ctx context.Context, log logrus.FieldLogger, in Input, desired []resource.Resource) ([]resource.Resource, error) {
	defaultNS := in.App.Destination.Namespace
	if defaultNS == "" {
		defaultNS = "default"
	}

	scopes := map[schema.GroupKind]bool{}
	out := make([]resource.Resource, 0, len(desired))
	for _, res := range desired {
		gk := res.Key().GroupKind()
		namespaced, ok := scopes[gk]
		if !ok {
			err := r.retry(ctx, log, "scope lookup of "+gk.String(), func(int) error {
				return r.call(ctx, func(ctx context.Context) error {
					var err error
					namespaced, err = in.Target.Namespaced(ctx, gk)
					return err
				})
			})
			if err != nil {
				return nil, fmt.Errorf("failed to resolve scope of %s: %w", gk, err)
			}
			scopes[gk] = namespaced
		}

		switch ns := res.Object.GetNamespace(); {
		case namespaced && ns == "":
			res = res.WithNamespace(defaultNS)
		case !namespaced && ns != "":
			res = res.WithNamespace("")
		}
		decorated, err := res.WithLabel(TrackingLabel, in.App.Name).WithLastApplied()
		if err != nil {
			return nil, syncerr.Wrap(syncerr.ErrValidation, err)
		}
		out = append(out, decorated)
	}
	return out, nil
}

// observe snapshots the keys of desired and of the prior inventory and diffs
// them.
func (r *Reconciler) observe(ctx context.Context, log logrus.FieldLogger, in Input, desired []resource.Resource) (*Comparison, error) {
	keys := make([]resource.Key, 0, len(desired)+len(in.Status.Inventory))
	for _, res := range desired {
		keys = append(keys, res.Key())
	}
	keys = append(keys, in.Status.Inventory...)

	observed, err := r.Snapshot(ctx, log, in.Target, keys)
	if err != nil {
		return nil, err
	}
	diffs, err := differ.Diff(desired, observed, differ.Options{Rank: r.cfg.Rank, PriorOrder: in.Status.Inventory})
	if err != nil {
		return nil, err
	}
	return &Comparison{Desired: desired, Observed: observed, Diffs: diffs}, nil
}

// Snapshot reads every key from target. Absent keys are omitted from the
// result. Each read is retried under the retry policy.
func (r *Reconciler) Snapshot(ctx context.Context, log logrus.FieldLogger, target interfaces.Target, keys []resource.Key) (map[resource.Key]*resource.Resource, error) {
	observed := make(map[resource.Key]*resource.Resource, len(keys))
	seen := make(map[resource.Key]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		live, err := r.read(ctx, log, target, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		if live != nil {
			observed[key] = live
		}
	}
	return observed, nil
}

func (r *Reconciler) read(ctx context.Context, log logrus.FieldLogger, target interfaces.Target, key resource.Key) (*resource.Resource, error) {
	var live *resource.Resource
	err := r.retry(ctx, log, "read of "+key.String(), func(int) error {
		return r.call(ctx, func(ctx context.Context) error {
			var err error
			live, err = target.Get(ctx, key)
			return err
		})
	})
	return live, err
}

// Sync runs one pass: apply the outstanding diffs of cmp in order, verify the
// result against a fresh snapshot and repeat until in sync or out of
// attempts. When cmp is nil a fresh comparison is made first.
func (r *Reconciler) Sync(ctx context.Context, in Input, cmp *Comparison) Result {
	runID := uuid.NewString()
	log := r.logger.WithFields(logrus.Fields{
		"app":     in.App.Name,
		"run":     runID,
		"trigger": in.Trigger,
	})

	res := status.SyncResult{
		RunID:     runID,
		Trigger:   in.Trigger,
		Timestamp: r.clock.Now(),
	}
	next := interfaces.AppStatus{
		LastSyncedRevision: in.Status.LastSyncedRevision,
		Inventory:          in.Status.Inventory,
	}

	if cmp == nil {
		var err error
		cmp, err = r.Compare(ctx, in)
		if err != nil {
			log.WithError(err).Error("Failed to compare desired and live state")
			return r.fail(res, next, status.ResourceError{Error: err.Error(), Err: err})
		}
	}
	res.Revision = cmp.Revision
	log = log.WithField("revision", shortRevision(cmp.Revision))

	if in.App.SyncPolicy.CreateNamespace && in.App.Destination.Namespace != "" {
		ns := in.App.Destination.Namespace
		err := r.retry(ctx, log, "namespace creation", func(int) error {
			return r.call(ctx, func(ctx context.Context) error { return in.Target.EnsureNamespace(ctx, ns) })
		})
		if err != nil {
			log.WithError(err).Error("Failed to create destination namespace")
			res.Pending = len(cmp.Outstanding(in.App.SyncPolicy.Prune))
			return r.fail(res, next, status.ResourceError{
				Key:    resource.Key{Kind: "Namespace", Name: ns},
				Action: string(differ.Create),
				Error:  err.Error(),
				Err:    err,
			})
		}
	}

	deleted := map[resource.Key]struct{}{}
	for round := 1; ; round++ {
		ops := cmp.Outstanding(in.App.SyncPolicy.Prune)
		log.WithFields(logrus.Fields{"round": round, "operations": len(ops)}).Debug("Applying diff")

		for i, d := range ops {
			if in.cancelled() || ctx.Err() != nil {
				res.Pending = len(ops) - i
				res.Cancelled = true
				err := syncerr.ErrCancelled
				if ctx.Err() != nil {
					err = fmt.Errorf("%w: %w", syncerr.ErrCancelled, ctx.Err())
				}
				log.WithField("pending", res.Pending).Warn("Sync terminated")
				next.Inventory = inventory(cmp, in.Status.Inventory, deleted)
				return r.fail(res, next, status.ResourceError{Error: err.Error(), Err: err})
			}

			if err := r.converge(ctx, log, in, d); err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"resource": d.Key.String(),
					"terminal": syncerr.IsTerminal(err),
				}).Errorf("Failed to %s resource, aborting pass", d.Action)
				res.Pending = len(ops) - i
				next.Inventory = inventory(cmp, in.Status.Inventory, deleted)
				return r.fail(res, next, status.ResourceError{
					Key:    d.Key,
					Action: string(d.Action),
					Error:  err.Error(),
					Err:    err,
				})
			}
			if d.Action == differ.Delete {
				deleted[d.Key] = struct{}{}
			}
			res.Operations++
		}

		verify, err := r.observe(ctx, log, in, cmp.Desired)
		if err != nil {
			log.WithError(err).Error("Failed to verify live state")
			next.Inventory = inventory(cmp, in.Status.Inventory, deleted)
			return r.fail(res, next, status.ResourceError{Error: err.Error(), Err: err})
		}
		verify.Revision = cmp.Revision
		cmp = verify

		remaining := cmp.Outstanding(in.App.SyncPolicy.Prune)
		if len(remaining) == 0 {
			break
		}
		if round >= r.cfg.MaxSyncAttempts {
			log.WithField("drifted", len(remaining)).Warn("Live state keeps drifting from desired state")
			res.Pending = len(remaining)
			next.Inventory = inventory(cmp, in.Status.Inventory, deleted)
			errs := make([]status.ResourceError, 0, len(remaining))
			for _, d := range remaining {
				err := fmt.Errorf("%s still needs %s after %d attempts: %w", d.Key, d.Action, round, syncerr.ErrPersistentDrift)
				errs = append(errs, status.ResourceError{Key: d.Key, Action: string(d.Action), Error: err.Error(), Err: err})
			}
			return r.fail(res, next, errs...)
		}
	}

	res.Outcome = status.OutcomeSucceeded
	res.Phase = status.PhaseSucceeded
	next.LastSyncedRevision = cmp.Revision
	next.Inventory = inventory(cmp, in.Status.Inventory, deleted)
	log.WithField("operations", res.Operations).Info("Sync succeeded")
	return Result{Sync: res, Status: next}
}

// Teardown deletes every resource in the inventory of an application, in
// reverse order.
func (r *Reconciler) Teardown(ctx context.Context, in Input) Result {
	app := in.App
	app.SyncPolicy.Prune = true
	app.SyncPolicy.CreateNamespace = false
	in.App = app

	log := r.logger.WithField("app", in.App.Name)
	cmp, err := r.observe(ctx, log, in, nil)
	if err != nil {
		runID := uuid.NewString()
		res := status.SyncResult{RunID: runID, Trigger: in.Trigger, Timestamp: r.clock.Now()}
		return r.fail(res, interfaces.AppStatus{Inventory: in.Status.Inventory}, status.ResourceError{Error: err.Error(), Err: err})
	}
	cmp.Revision = in.Status.LastSyncedRevision
	return r.Sync(ctx, in, cmp)
}

// converge performs the operation of d. Before each retry the resource is
// read again and the operation recomputed, so a retry never acts on a stale
// view.
func (r *Reconciler) converge(ctx context.Context, log logrus.FieldLogger, in Input, d differ.ResourceDiff) error {
	log = log.WithField("resource", d.Key.String())
	return r.retry(ctx, log, string(d.Action)+" of "+d.Key.String(), func(attempt int) error {
		if attempt > 0 {
			var live *resource.Resource
			err := r.call(ctx, func(ctx context.Context) error {
				var err error
				live, err = in.Target.Get(ctx, d.Key)
				return err
			})
			if err != nil {
				return err
			}
			fresh, err := rediff(d, live)
			if err != nil {
				return err
			}
			if fresh.Action != d.Action {
				log.WithFields(logrus.Fields{"was": d.Action, "now": fresh.Action}).Debug("Operation changed after fresh read")
			}
			d = fresh
		}
		return r.call(ctx, func(ctx context.Context) error {
			return r.apply(ctx, in, d)
		})
	})
}

func rediff(d differ.ResourceDiff, live *resource.Resource) (differ.ResourceDiff, error) {
	if d.Action == differ.Delete {
		if live == nil {
			return differ.ResourceDiff{Action: differ.Unchanged, Key: d.Key}, nil
		}
		return differ.ResourceDiff{Action: differ.Delete, Key: d.Key, Observed: live}, nil
	}
	return differ.Compare(d.Desired, live)
}

func (r *Reconciler) apply(ctx context.Context, in Input, d differ.ResourceDiff) error {
	switch d.Action {
	case differ.Create:
		return in.Target.Create(ctx, *d.Desired)
	case differ.Update:
		return in.Target.Update(ctx, *d.Desired, d.Patch)
	case differ.Delete:
		return in.Target.Delete(ctx, d.Key)
	default:
		return nil
	}
}

func (r *Reconciler) fail(res status.SyncResult, next interfaces.AppStatus, errs ...status.ResourceError) Result {
	res.Outcome = status.OutcomeFailed
	res.Phase = status.PhaseDegraded
	res.Errors = append(res.Errors, errs...)
	if first := res.FirstError(); first != nil {
		res.Message = first.Error
	}
	return Result{Sync: res, Status: next}
}

// inventory is every desired key in declaration order followed by prior
// keys that were not redeclared and still exist in the target.
func inventory(cmp *Comparison, prior []resource.Key, deleted map[resource.Key]struct{}) []resource.Key {
	out := make([]resource.Key, 0, len(cmp.Desired)+len(prior))
	seen := make(map[resource.Key]struct{}, len(cmp.Desired)+len(prior))
	for _, res := range cmp.Desired {
		key := res.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	for _, key := range prior {
		if _, ok := seen[key]; ok {
			continue
		}
		if _, ok := deleted[key]; ok {
			continue
		}
		if cmp.Observed[key] == nil {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// IsCancelled reports whether a result was stopped by a terminate request.
func IsCancelled(res status.SyncResult) bool {
	if res.Cancelled {
		return true
	}
	for _, e := range res.Errors {
		if errors.Is(e.Err, syncerr.ErrCancelled) {
			return true
		}
	}
	return false
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
