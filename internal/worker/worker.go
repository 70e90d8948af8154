package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/user/go-argo-reconciler/internal/interfaces"
	"github.com/user/go-argo-reconciler/internal/reconciler"
	"github.com/user/go-argo-reconciler/internal/status"
	"github.com/user/go-argo-reconciler/internal/syncerr"
)

// DefaultPollInterval is used when neither the application nor the worker
// configure one.
const DefaultPollInterval = 60 * time.Second

// SourceFactory builds the StateSource of an application.
type SourceFactory func(app interfaces.ManagedApplication) (interfaces.StateSource, error)

// TargetFactory builds the target environment handle of an application.
type TargetFactory func(app interfaces.ManagedApplication) (interfaces.Target, error)

// Options configures a Worker.
type Options struct {
	Source SourceFactory
	Target TargetFactory
	// PollInterval applies to applications without their own interval.
	PollInterval time.Duration
	Clock        clock.Clock
}

// ApplicationView is the externally visible state of an application.
type ApplicationView struct {
	Application interfaces.ManagedApplication `json:"application"`
	Phase       status.Phase                  `json:"phase"`
	Suspended   bool                          `json:"suspended"`
	Status      interfaces.AppStatus          `json:"status"`
	LastResult  *status.SyncResult            `json:"lastResult,omitempty"`
}

// managedApp holds an application and the state of its loop.
type managedApp struct {
	mu     sync.Mutex
	record interfaces.ApplicationRecord
	phase  status.Phase
	source interfaces.StateSource
	target interfaces.Target

	queue     *triggerQueue
	terminate atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func (ma *managedApp) snapshot() interfaces.ApplicationRecord {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	return ma.record
}

// Worker runs one reconciliation loop per registered application and
// serves the registration operations.
type Worker struct {
	dataStorage interfaces.DataStorage
	reconciler  *reconciler.Reconciler
	statusStore *status.Store
	opts        Options
	logger      logrus.FieldLogger

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	managedApps map[string]*managedApp // Keyed by application name
	mu          sync.RWMutex           // To protect access to managedApps
}

// NewWorker creates a new Worker instance.
func NewWorker(dataStorage interfaces.DataStorage, rec *reconciler.Reconciler, statusStore *status.Store, opts Options, logger logrus.FieldLogger) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		dataStorage: dataStorage,
		reconciler:  rec,
		statusStore: statusStore,
		opts:        opts,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		managedApps: make(map[string]*managedApp),
	}
}

// Start loads the stored applications and starts their loops.
func (w *Worker) Start() error {
	records, err := w.dataStorage.LoadApplications()
	if err != nil {
		return fmt.Errorf("failed to load applications: %w", err)
	}
	w.logger.Infof("Loaded %d applications from data storage", len(records))

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rec := range records {
		if err := rec.Application.Validate(); err != nil {
			w.logger.WithError(err).Errorf("Skipping stored application %q", rec.Application.Name)
			continue
		}
		if _, exists := w.managedApps[rec.Application.Name]; exists {
			continue
		}
		w.startLocked(rec)
	}
	return nil
}

// Run starts the worker and blocks until ctx is done, then stops every loop.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

// Stop cancels every loop and waits for them to exit.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// Register validates, persists and starts managing app.
func (w *Worker) Register(app interfaces.ManagedApplication) error {
	if err := app.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.managedApps[app.Name]; exists {
		return fmt.Errorf("application %q is already registered: %w", app.Name, syncerr.ErrAlreadyExists)
	}
	rec := interfaces.ApplicationRecord{Application: app}
	if err := w.dataStorage.SaveApplication(rec); err != nil {
		return fmt.Errorf("failed to save application %q: %w", app.Name, err)
	}
	w.startLocked(rec)
	return nil
}

// Update replaces the configuration of a registered application. Its status
// and suspension are kept, and a poll is queued.
func (w *Worker) Update(app interfaces.ManagedApplication) error {
	if err := app.Validate(); err != nil {
		return err
	}
	ma, err := w.lookup(app.Name)
	if err != nil {
		return err
	}

	ma.mu.Lock()
	ma.record.Application = app
	ma.source, ma.target = nil, nil
	rec := ma.record
	ma.mu.Unlock()

	if err := w.persist(ma, rec); err != nil {
		return err
	}
	ma.queue.push(TriggerPoll)
	return nil
}

// Deregister stops managing the application called name. With cascade set,
// every inventoried resource is deleted first; if that fails the application
// stays registered and the teardown result is returned with the error.
func (w *Worker) Deregister(ctx context.Context, name string, cascade bool) (*status.SyncResult, error) {
	w.mu.Lock()
	ma, ok := w.managedApps[name]
	if !ok {
		w.mu.Unlock()
		return nil, fmt.Errorf("application %q: %w", name, syncerr.ErrNotFound)
	}
	delete(w.managedApps, name)
	w.mu.Unlock()

	ma.terminate.Store(true)
	ma.cancel()
	<-ma.done

	log := w.logger.WithField("app", name)
	if cascade {
		ma.mu.Lock()
		rec := ma.record
		target, err := ma.targetLocked(w.opts.Target)
		ma.mu.Unlock()
		if err != nil {
			w.restart(rec)
			return nil, err
		}
		res := w.reconciler.Teardown(ctx, reconciler.Input{
			App:     rec.Application,
			Status:  rec.Status,
			Target:  target,
			Trigger: "deregister",
		})
		w.statusStore.Record(name, res.Sync)
		rec.Status = res.Status
		if res.Sync.Outcome != status.OutcomeSucceeded {
			if err := w.dataStorage.SaveApplication(rec); err != nil {
				log.WithError(err).Error("Failed to save application")
			}
			w.restart(rec)
			err := fmt.Errorf("failed to delete resources of %q: %s", name, res.Sync.Message)
			if first := res.Sync.FirstError(); first != nil && first.Err != nil {
				err = fmt.Errorf("failed to delete resources of %q: %w", name, first.Err)
			}
			return &res.Sync, err
		}
		log.WithField("deleted", res.Sync.Operations).Info("Deleted application resources")
	}

	if err := w.dataStorage.DeleteApplication(name); err != nil {
		return nil, fmt.Errorf("failed to delete application %q: %w", name, err)
	}
	w.statusStore.Forget(name)
	log.Info("Application deregistered")
	return nil, nil
}

// Sync queues a manual sync.
func (w *Worker) Sync(name string) error {
	ma, err := w.lookup(name)
	if err != nil {
		return err
	}
	if ma.snapshot().Suspended {
		return fmt.Errorf("cannot sync %q: %w", name, syncerr.ErrSuspended)
	}
	ma.queue.push(TriggerManual)
	return nil
}

// Terminate asks a running sync to stop at the next operation boundary. It
// reports whether a sync was running.
func (w *Worker) Terminate(name string) (bool, error) {
	ma, err := w.lookup(name)
	if err != nil {
		return false, err
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if ma.phase != status.PhaseSyncing {
		return false, nil
	}
	ma.terminate.Store(true)
	return true, nil
}

// Suspend stops automatic and manual syncs until Resume. A running pass is
// left to finish.
func (w *Worker) Suspend(name string) error {
	return w.setSuspended(name, true)
}

// Resume lifts a suspension and queues a poll.
func (w *Worker) Resume(name string) error {
	if err := w.setSuspended(name, false); err != nil {
		return err
	}
	ma, err := w.lookup(name)
	if err != nil {
		return err
	}
	ma.queue.push(TriggerPoll)
	return nil
}

func (w *Worker) setSuspended(name string, suspended bool) error {
	ma, err := w.lookup(name)
	if err != nil {
		return err
	}
	ma.mu.Lock()
	if ma.record.Suspended == suspended {
		ma.mu.Unlock()
		return nil
	}
	ma.record.Suspended = suspended
	if ma.phase != status.PhaseSyncing {
		ma.phase = idlePhase(ma.record)
	}
	rec := ma.record
	ma.mu.Unlock()

	if err := w.persist(ma, rec); err != nil {
		return err
	}
	w.logger.WithField("app", name).Infof("Application suspended=%t", suspended)
	return nil
}

// Get returns the view of the application called name.
func (w *Worker) Get(name string) (ApplicationView, error) {
	ma, err := w.lookup(name)
	if err != nil {
		return ApplicationView{}, err
	}
	return w.view(ma), nil
}

// List returns the views of every application, sorted by name.
func (w *Worker) List() []ApplicationView {
	w.mu.RLock()
	apps := make([]*managedApp, 0, len(w.managedApps))
	for _, ma := range w.managedApps {
		apps = append(apps, ma)
	}
	w.mu.RUnlock()

	views := make([]ApplicationView, 0, len(apps))
	for _, ma := range apps {
		views = append(views, w.view(ma))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Application.Name < views[j].Application.Name })
	return views
}

// NotifyPush queues a poll for every active application whose repository
// URL satisfies match, and returns their names.
func (w *Worker) NotifyPush(match func(repoURL string) bool) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var queued []string
	for name, ma := range w.managedApps {
		rec := ma.snapshot()
		if rec.Suspended || !match(rec.Application.Source.RepoURL) {
			continue
		}
		ma.queue.push(TriggerPoll)
		queued = append(queued, name)
	}
	sort.Strings(queued)
	return queued
}

func (w *Worker) view(ma *managedApp) ApplicationView {
	ma.mu.Lock()
	v := ApplicationView{
		Application: ma.record.Application.Redacted(),
		Phase:       ma.phase,
		Suspended:   ma.record.Suspended,
		Status:      ma.record.Status,
	}
	ma.mu.Unlock()
	if res, err := w.statusStore.Get(v.Application.Name); err == nil {
		v.LastResult = &res
	}
	return v
}

func (w *Worker) lookup(name string) (*managedApp, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ma, ok := w.managedApps[name]
	if !ok {
		return nil, fmt.Errorf("application %q: %w", name, syncerr.ErrNotFound)
	}
	return ma, nil
}

// persist saves rec as long as ma is still the registered instance of the
// application. Deregister removes the instance under w.mu before deleting
// the stored record, so a late save cannot bring the record back.
func (w *Worker) persist(ma *managedApp, rec interfaces.ApplicationRecord) error {
	name := rec.Application.Name
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.managedApps[name] != ma {
		return fmt.Errorf("application %q: %w", name, syncerr.ErrNotFound)
	}
	if err := w.dataStorage.SaveApplication(rec); err != nil {
		return fmt.Errorf("failed to save application %q: %w", name, err)
	}
	return nil
}

// restart puts back an application whose deregistration failed.
func (w *Worker) restart(rec interfaces.ApplicationRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.managedApps[rec.Application.Name]; exists {
		w.logger.WithField("app", rec.Application.Name).Warn("Application was registered again during deregistration")
		return
	}
	w.startLocked(rec)
}

// startLocked starts the loop of rec. w.mu must be held.
func (w *Worker) startLocked(rec interfaces.ApplicationRecord) {
	ctx, cancel := context.WithCancel(w.ctx)
	ma := &managedApp{
		record: rec,
		phase:  idlePhase(rec),
		queue:  newTriggerQueue(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.managedApps[rec.Application.Name] = ma

	w.logger.WithField("app", rec.Application.Name).Infof("Starting management for application (URL: %s, revision: %q, path: %q)",
		rec.Application.Source.RepoURL, rec.Application.Source.Revision, rec.Application.Source.Path)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(ma.done)
		w.manageApplication(ctx, ma)
	}()
}

func idlePhase(rec interfaces.ApplicationRecord) status.Phase {
	if rec.Suspended {
		return status.PhaseSuspended
	}
	return status.PhaseIdle
}

func (w *Worker) pollInterval(ma *managedApp) time.Duration {
	if s := ma.snapshot().Application.PollIntervalSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	return w.opts.PollInterval
}

// manageApplication is the loop of a single application. It runs in its own
// goroutine and handles one trigger at a time.
func (w *Worker) manageApplication(ctx context.Context, ma *managedApp) {
	log := w.logger.WithField("app", ma.snapshot().Application.Name)

	interval := w.pollInterval(ma)
	timer := w.opts.Clock.NewTimer(interval)
	defer timer.Stop()
	log.Infof("Starting reconciliation loop with interval %s", interval)

	ma.queue.push(TriggerPoll)
	for {
		select {
		case <-ctx.Done():
			log.Info("Stop signal received. Exiting reconciliation loop.")
			return
		case <-timer.C():
			ma.queue.push(TriggerPoll)
			timer.Reset(w.pollInterval(ma))
		case <-ma.queue.ready:
			if trigger, ok := ma.queue.pop(); ok {
				w.pass(ctx, log, ma, trigger)
			}
		}
	}
}

// pass handles one trigger. Polls resolve the source and sync on a new
// revision when automated, compare otherwise and sync on drift when self
// heal is on. Manual triggers always sync.
func (w *Worker) pass(ctx context.Context, log logrus.FieldLogger, ma *managedApp, trigger Trigger) {
	rec := ma.snapshot()
	if rec.Suspended {
		log.Debug("Application is suspended, skipping")
		return
	}
	name := rec.Application.Name
	policy := rec.Application.SyncPolicy

	source, target, err := w.clients(ma)
	if err != nil {
		log.WithError(err).Error("Failed to set up application clients")
		w.recordFailure(name, trigger, "", err)
		return
	}
	in := reconciler.Input{
		App:       rec.Application,
		Status:    rec.Status,
		Source:    source,
		Target:    target,
		Trigger:   trigger.String(),
		Cancelled: ma.terminate.Load,
	}

	if trigger == TriggerManual {
		w.sync(ctx, log, ma, in, nil)
		return
	}

	changed, revision, err := source.Poll(ctx, rec.Application.Source.Revision, rec.Status.LastSyncedRevision)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Error("Failed to resolve revision")
		w.recordFailure(name, trigger, "", err)
		return
	}
	if changed && policy.Automated {
		log.WithField("revision", revision).Info("New revision detected")
		w.sync(ctx, log, ma, in, nil)
		return
	}

	cmp, err := w.reconciler.Compare(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Error("Failed to compare desired and live state")
		w.recordFailure(name, trigger, revision, err)
		return
	}
	outstanding := len(cmp.Outstanding(policy.Prune))

	switch {
	case outstanding > 0 && policy.SelfHeal:
		log.WithField("drifted", outstanding).Info("Drift detected, self-healing")
		w.sync(ctx, log, ma, in, cmp)
	case outstanding > 0 || cmp.Revision != rec.Status.LastSyncedRevision:
		msg := fmt.Sprintf("%d resources differ from revision %s", outstanding, cmp.Revision)
		if outstanding == 0 {
			msg = fmt.Sprintf("revision %s has not been synced", cmp.Revision)
		}
		log.WithField("drifted", outstanding).Info("Application is out of sync")
		w.statusStore.Record(name, status.SyncResult{
			RunID:     uuid.NewString(),
			Revision:  cmp.Revision,
			Timestamp: w.opts.Clock.Now(),
			Outcome:   status.OutcomeOutOfSync,
			Phase:     status.PhaseIdle,
			Trigger:   trigger.String(),
			Pending:   outstanding,
			Message:   msg,
		})
	default:
		prev, err := w.statusStore.Get(name)
		if err == nil && prev.Outcome == status.OutcomeSucceeded && prev.Revision == cmp.Revision {
			log.Debug("No changes detected")
			return
		}
		w.statusStore.Record(name, status.SyncResult{
			RunID:     uuid.NewString(),
			Revision:  cmp.Revision,
			Timestamp: w.opts.Clock.Now(),
			Outcome:   status.OutcomeSucceeded,
			Phase:     status.PhaseSucceeded,
			Trigger:   trigger.String(),
			Message:   "live state matches desired state",
		})
	}
}

// sync runs a reconciliation pass and persists the resulting status.
func (w *Worker) sync(ctx context.Context, log logrus.FieldLogger, ma *managedApp, in reconciler.Input, cmp *reconciler.Comparison) {
	name := in.App.Name

	ma.mu.Lock()
	ma.terminate.Store(false)
	ma.phase = status.PhaseSyncing
	ma.mu.Unlock()

	revision := in.Status.LastSyncedRevision
	if cmp != nil {
		revision = cmp.Revision
	}
	w.statusStore.Record(name, status.SyncResult{
		RunID:     uuid.NewString(),
		Revision:  revision,
		Timestamp: w.opts.Clock.Now(),
		Outcome:   status.OutcomeProgressing,
		Phase:     status.PhaseSyncing,
		Trigger:   in.Trigger,
	})

	res := w.reconciler.Sync(ctx, in, cmp)
	w.statusStore.Record(name, res.Sync)

	ma.mu.Lock()
	ma.terminate.Store(false)
	ma.record.Status = res.Status
	ma.phase = idlePhase(ma.record)
	rec := ma.record
	ma.mu.Unlock()

	if err := w.dataStorage.SaveApplication(rec); err != nil {
		log.WithError(err).Error("Failed to save application status")
	}
	if res.Sync.Outcome != status.OutcomeSucceeded {
		log.WithFields(logrus.Fields{
			"pending":   res.Sync.Pending,
			"cancelled": res.Sync.Cancelled,
		}).Warnf("Sync degraded: %s", res.Sync.Message)
	}
}

func (w *Worker) recordFailure(name string, trigger Trigger, revision string, err error) {
	w.statusStore.Record(name, status.SyncResult{
		RunID:     uuid.NewString(),
		Revision:  revision,
		Timestamp: w.opts.Clock.Now(),
		Outcome:   status.OutcomeFailed,
		Phase:     status.PhaseDegraded,
		Trigger:   trigger.String(),
		Errors:    []status.ResourceError{{Error: err.Error(), Err: err}},
		Message:   err.Error(),
	})
}

// clients returns the source and target of ma, building them on first use.
func (w *Worker) clients(ma *managedApp) (interfaces.StateSource, interfaces.Target, error) {
	ma.mu.Lock()
	defer ma.mu.Unlock()

	app := ma.record.Application
	if ma.source == nil {
		src, err := w.opts.Source(app)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create source for %q: %w", app.Name, err)
		}
		ma.source = src
	}
	target, err := ma.targetLocked(w.opts.Target)
	if err != nil {
		return nil, nil, err
	}
	return ma.source, target, nil
}

func (ma *managedApp) targetLocked(newTarget TargetFactory) (interfaces.Target, error) {
	if ma.target == nil {
		target, err := newTarget(ma.record.Application)
		if err != nil {
			return nil, fmt.Errorf("failed to create target for %q: %w", ma.record.Application.Name, err)
		}
		ma.target = target
	}
	return ma.target, nil
}
