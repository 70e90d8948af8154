package worker_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/user/go-argo-reconciler/internal/interfaces"
	"github.com/user/go-argo-reconciler/internal/reconciler"
	"github.com/user/go-argo-reconciler/internal/resource"
	"github.com/user/go-argo-reconciler/internal/status"
	"github.com/user/go-argo-reconciler/internal/syncerr"
	"github.com/user/go-argo-reconciler/internal/testutil"
	"github.com/user/go-argo-reconciler/internal/worker"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
	poll    = 30 * time.Second
)

var settingsKey = resource.Key{Kind: "ConfigMap", Namespace: "shop", Name: "settings"}

type harness struct {
	w       *worker.Worker
	results *status.Store
	storage *testutil.MemoryStorage
	source  *testutil.FakeSource
	target  *testutil.FakeTarget
	clock   *clocktesting.FakeClock
}

func newHarness(t *testing.T, target *testutil.FakeTarget, records ...interfaces.ApplicationRecord) *harness {
	t.Helper()

	logger, _ := logtest.NewNullLogger()
	h := &harness{
		results: status.NewStore(),
		storage: testutil.NewMemoryStorage(records...),
		source:  testutil.NewFakeSource("rev1", settings("prod")),
		target:  target,
		clock:   clocktesting.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	rec := reconciler.NewReconciler(reconciler.Config{
		Retry: reconciler.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 2},
	}, logger, reconciler.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))

	h.w = worker.NewWorker(h.storage, rec, h.results, worker.Options{
		Source: func(interfaces.ManagedApplication) (interfaces.StateSource, error) { return h.source, nil },
		Target: func(interfaces.ManagedApplication) (interfaces.Target, error) { return h.target, nil },
		Clock:  h.clock,
	}, logger)
	t.Cleanup(h.w.Stop)
	return h
}

func settings(mode string) resource.Resource {
	return testutil.ConfigMap("", "settings", map[string]interface{}{"mode": mode})
}

func application(name string, policy interfaces.SyncPolicy) interfaces.ManagedApplication {
	return interfaces.ManagedApplication{
		Name:                name,
		Source:              interfaces.SourceRef{RepoURL: "https://git.example.com/" + name + ".git", Revision: "main"},
		Destination:         interfaces.DestinationRef{Namespace: "shop"},
		SyncPolicy:          policy,
		PollIntervalSeconds: int(poll / time.Second),
	}
}

var (
	automated = interfaces.SyncPolicy{Automated: true, Prune: true}
	selfHeal  = interfaces.SyncPolicy{Automated: true, SelfHeal: true, Prune: true}
	manual    = interfaces.SyncPolicy{Prune: true}
)

func (h *harness) waitOutcome(t *testing.T, name string, outcome status.Outcome) status.SyncResult {
	t.Helper()
	var last status.SyncResult
	require.Eventually(t, func() bool {
		res, err := h.results.Get(name)
		last = res
		return err == nil && res.Outcome == outcome
	}, waitFor, tick, "last result: %+v", last)
	return last
}

func (h *harness) waitSynced(t *testing.T, name, revision string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, ok := h.storage.Record(name)
		return ok && rec.Status.LastSyncedRevision == revision
	}, waitFor, tick)
}

// tickPoll fires the poll timer once the loop is waiting on it.
func (h *harness) tickPoll(t *testing.T) {
	t.Helper()
	require.Eventually(t, h.clock.HasWaiters, waitFor, tick)
	h.clock.Step(poll)
}

func (h *harness) mode() string {
	obj := h.target.Object(settingsKey)
	if obj == nil {
		return ""
	}
	mode, _, _ := unstructured.NestedString(obj.Object, "data", "mode")
	return mode
}

func TestRegister_AutomatedSyncsNewRevision(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testutil.NewFakeTarget())
	require.NoError(t, h.w.Register(application("shop", automated)))

	res := h.waitOutcome(t, "shop", status.OutcomeSucceeded)
	assert.Equal(t, "rev1", res.Revision)
	assert.Equal(t, "poll", res.Trigger)
	assert.Equal(t, "prod", h.mode())
	h.waitSynced(t, "shop", "rev1")

	view, err := h.w.Get("shop")
	require.NoError(t, err)
	assert.Equal(t, status.PhaseIdle, view.Phase)
	assert.Equal(t, []resource.Key{settingsKey}, view.Status.Inventory)
	require.NotNil(t, view.LastResult)
	assert.Equal(t, status.OutcomeSucceeded, view.LastResult.Outcome)
}

func TestRegister_Rejects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testutil.NewFakeTarget())

	err := h.w.Register(application("Not_A_Label", automated))
	assert.ErrorIs(t, err, syncerr.ErrValidation)

	require.NoError(t, h.w.Register(application("shop", manual)))
	err = h.w.Register(application("shop", automated))
	assert.ErrorIs(t, err, syncerr.ErrAlreadyExists)
	assert.True(t, errdefs.IsAlreadyExists(err))

	assert.Len(t, h.w.List(), 1)
}

func TestPoll_NewRevisionIsApplied(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testutil.NewFakeTarget())
	require.NoError(t, h.w.Register(application("shop", automated)))
	h.waitSynced(t, "shop", "rev1")

	h.source.Set("rev2", settings("canary"))
	h.tickPoll(t)

	h.waitSynced(t, "shop", "rev2")
	assert.Equal(t, "canary", h.mode())
}

func TestManualPolicy_ReportsOutOfSyncUntilSynced(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testutil.NewFakeTarget())
	require.NoError(t, h.w.Register(application("shop", manual)))

	res := h.waitOutcome(t, "shop", status.OutcomeOutOfSync)
	assert.Equal(t, 1, res.Pending)
	assert.Zero(t, h.target.Len())

	require.NoError(t, h.w.Sync("shop"))
	res = h.waitOutcome(t, "shop", status.OutcomeSucceeded)
	assert.Equal(t, "manual", res.Trigger)
	assert.Equal(t, "prod", h.mode())
}

func TestSelfHeal_CorrectsDrift(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testutil.NewFakeTarget())
	require.NoError(t, h.w.Register(application("shop", selfHeal)))
	h.waitSynced(t, "shop", "rev1")

	h.target.Mutate(settingsKey, func(obj *unstructured.Unstructured) {
		require.NoError(t, unstructured.SetNestedField(obj.Object, "debug", "data", "mode"))
	})
	h.tickPoll(t)

	require.Eventually(t, func() bool { return h.mode() == "prod" }, waitFor, tick)
}

func TestSelfHeal_RemovesHandAddedKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testutil.NewFakeTarget())
	require.NoError(t, h.w.Register(application("shop", selfHeal)))
	h.waitSynced(t, "shop", "rev1")

	h.target.Mutate(settingsKey, func(obj *unstructured.Unstructured) {
		require.NoError(t, unstructured.SetNestedField(obj.Object, "true", "data", "debug"))
	})
	h.tickPoll(t)

	require.Eventually(t, func() bool {
		obj := h.target.Object(settingsKey)
		_, found, _ := unstructured.NestedString(obj.Object, "data", "debug")
		return !found
	}, waitFor, tick)
	assert.Equal(t, "prod", h.mode())
}

func TestDriftWithoutSelfHeal_IsReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testutil.NewFakeTarget())
	require.NoError(t, h.w.Register(application("shop", automated)))
	h.waitSynced(t, "shop", "rev1")

	h.target.Mutate(settingsKey, func(obj *unstructured.Unstructured) {
		require.NoError(t, unstructured.SetNestedField(obj.Object, "debug", "data", "mode"))
	})
	h.tickPoll(t)

	res := h.waitOutcome(t, "shop", status.OutcomeOutOfSync)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, "debug", h.mode())
}

func TestSourceError_IsRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testutil.NewFakeTarget())
	h.source.SetError(fmt.Errorf("%w: dial tcp: connection refused", syncerr.ErrSourceUnreachable))
	require.NoError(t, h.w.Register(application("shop", automated)))

	res := h.waitOutcome(t, "shop", status.OutcomeFailed)
	assert.Equal(t, status.PhaseDegraded, res.Phase)
	first := res.FirstError()
	require.NotNil(t, first)
	assert.ErrorIs(t, first.Err, syncerr.ErrSourceUnreachable)
}

func TestSuspendResume(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testutil.NewFakeTarget())
	require.NoError(t, h.w.Register(application("shop", automated)))
	h.waitSynced(t, "shop", "rev1")

	require.NoError(t, h.w.Suspend("shop"))
	view, err := h.w.Get("shop")
	require.NoError(t, err)
	assert.Equal(t, status.PhaseSuspended, view.Phase)
	assert.True(t, view.Suspended)

	err = h.w.Sync("shop")
	assert.ErrorIs(t, err, syncerr.ErrSuspended)
	assert.True(t, errdefs.IsFailedPrecondition(err))

	h.source.Set("rev2", settings("canary"))
	h.tickPoll(t)
	assert.Never(t, func() bool { return h.mode() == "canary" }, 200*time.Millisecond, tick)

	rec, ok := h.storage.Record("shop")
	require.True(t, ok)
	assert.True(t, rec.Suspended)

	require.NoError(t, h.w.Resume("shop"))
	h.waitSynced(t, "shop", "rev2")
	assert.Equal(t, "canary", h.mode())
}

func TestTerminate_StopsAtNextOperation(t *testing.T) {
	t.Parallel()

	target := testutil.NewFakeTarget()
	h := newHarness(t, target)
	h.source.Set("rev1",
		testutil.ConfigMap("", "one", nil),
		testutil.ConfigMap("", "two", nil),
		testutil.ConfigMap("", "three", nil),
	)

	var terminated atomic.Bool
	target.AfterCall = func(op testutil.Op, key resource.Key) {
		if op == testutil.OpCreate && key.Name == "one" {
			ok, err := h.w.Terminate("shop")
			assert.NoError(t, err)
			terminated.Store(ok)
		}
	}
	require.NoError(t, h.w.Register(application("shop", manual)))
	h.waitOutcome(t, "shop", status.OutcomeOutOfSync)

	running, err := h.w.Terminate("shop")
	require.NoError(t, err)
	assert.False(t, running, "nothing to terminate while idle")

	require.NoError(t, h.w.Sync("shop"))
	res := h.waitOutcome(t, "shop", status.OutcomeFailed)

	assert.True(t, terminated.Load())
	assert.True(t, res.Cancelled)
	assert.Equal(t, 2, res.Pending)
	assert.Equal(t, 1, target.Len())
	assert.True(t, reconciler.IsCancelled(res))
}

func TestTriggersDuringSyncAreCoalesced(t *testing.T) {
	t.Parallel()

	target := testutil.NewFakeTarget()
	h := newHarness(t, target)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	target.AfterCall = func(op testutil.Op, _ resource.Key) {
		if op == testutil.OpCreate {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	}
	require.NoError(t, h.w.Register(application("shop", manual)))
	h.waitOutcome(t, "shop", status.OutcomeOutOfSync)
	require.Equal(t, 1, h.source.Fetches())

	require.NoError(t, h.w.Sync("shop"))
	<-entered
	for i := 0; i < 5; i++ {
		require.NoError(t, h.w.Sync("shop"))
	}
	close(release)

	require.Eventually(t, func() bool { return h.source.Fetches() == 3 }, waitFor, tick)
	assert.Never(t, func() bool { return h.source.Fetches() > 3 }, 200*time.Millisecond, tick)
}

func TestDeregister_Cascade(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testutil.NewFakeTarget())
	require.NoError(t, h.w.Register(application("shop", automated)))
	h.waitSynced(t, "shop", "rev1")

	res, err := h.w.Deregister(context.Background(), "shop", true)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Zero(t, h.target.Len())

	_, ok := h.storage.Record("shop")
	assert.False(t, ok)
	_, err = h.w.Get("shop")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
	_, err = h.results.Get("shop")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestDeregister_KeepsResourcesWithoutCascade(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testutil.NewFakeTarget())
	require.NoError(t, h.w.Register(application("shop", automated)))
	h.waitSynced(t, "shop", "rev1")

	_, err := h.w.Deregister(context.Background(), "shop", false)
	require.NoError(t, err)
	assert.Equal(t, 1, h.target.Len())

	_, err = h.w.Deregister(context.Background(), "shop", false)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestDeregister_FailedCascadeKeepsApplication(t *testing.T) {
	t.Parallel()

	target := testutil.NewFakeTarget()
	h := newHarness(t, target)
	require.NoError(t, h.w.Register(application("shop", automated)))
	h.waitSynced(t, "shop", "rev1")

	target.FailAlways(testutil.OpDelete, settingsKey, syncerr.ErrPermissionDenied)
	res, err := h.w.Deregister(context.Background(), "shop", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrPermissionDenied)
	require.NotNil(t, res)
	assert.Equal(t, status.OutcomeFailed, res.Outcome)

	_, err = h.w.Get("shop")
	assert.NoError(t, err)
	_, ok := h.storage.Record("shop")
	assert.True(t, ok)
}

func TestUpdate_AppliesNewPolicy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testutil.NewFakeTarget())
	err := h.w.Update(application("shop", automated))
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	require.NoError(t, h.w.Register(application("shop", manual)))
	h.waitOutcome(t, "shop", status.OutcomeOutOfSync)

	require.NoError(t, h.w.Update(application("shop", automated)))
	h.waitSynced(t, "shop", "rev1")

	rec, ok := h.storage.Record("shop")
	require.True(t, ok)
	assert.True(t, rec.Application.SyncPolicy.Automated)
}

func TestUpdate_RacingDeregisterDoesNotResurrect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testutil.NewFakeTarget())
	require.NoError(t, h.w.Register(application("shop", manual)))
	h.waitOutcome(t, "shop", status.OutcomeOutOfSync)

	saving := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.storage.OnSave(func(interfaces.ApplicationRecord) {
		once.Do(func() {
			close(saving)
			<-release
		})
	})

	updated := make(chan error, 1)
	go func() { updated <- h.w.Update(application("shop", automated)) }()
	<-saving

	deregistered := make(chan error, 1)
	go func() {
		_, err := h.w.Deregister(context.Background(), "shop", false)
		deregistered <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-updated)
	require.NoError(t, <-deregistered)
	_, ok := h.storage.Record("shop")
	assert.False(t, ok, "deregistered application must stay deleted")
	_, err := h.w.Get("shop")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestNotifyPush_QueuesMatchingApplications(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testutil.NewFakeTarget())
	require.NoError(t, h.w.Register(application("shop", manual)))
	require.NoError(t, h.w.Register(application("blog", manual)))
	require.NoError(t, h.w.Register(application("docs", manual)))
	require.NoError(t, h.w.Suspend("docs"))

	queued := h.w.NotifyPush(func(repoURL string) bool {
		return !strings.Contains(repoURL, "blog")
	})
	assert.Equal(t, []string{"shop"}, queued)
}

func TestRun_LoadsStoredApplications(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testutil.NewFakeTarget(), interfaces.ApplicationRecord{
		Application: application("shop", automated),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()

	h.waitSynced(t, "shop", "rev1")
	assert.Equal(t, "prod", h.mode())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancellation")
	}
}
