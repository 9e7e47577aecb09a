package relationships

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidfriends/relationships/internal/docstore"
	"github.com/vidfriends/relationships/internal/models"
)

func newReconciler(t *testing.T, f *fixture, reports ReportStore) *Reconciler {
	t.Helper()
	rec := NewReconciler(f.repo, ReconcilerConfig{
		Reports:      reports,
		WriteRetries: 1,
		RetryBackoff: time.Millisecond,
		Workers:      2,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rec.Shutdown(ctx)
	})
	return rec
}

func TestReconcileReplaysJournal(t *testing.T) {
	f := newFixture(t)
	rec := newReconciler(t, f, nil)

	res, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)

	restore := f.failUser("bob")
	require.ErrorIs(t, f.service.AcceptRequest(f.ctx, res.RequestID, "alice", "bob"), ErrPartialWrite)
	restore()

	report, err := rec.Reconcile(f.ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)
	assert.True(t, report.Changed())
	assert.False(t, report.Dropped)

	assert.Equal(t, []string{"bob"}, f.friends(t, "alice"))
	assert.Equal(t, []string{"alice"}, f.friends(t, "bob"))

	repairs, err := f.repo.Repairs(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, repairs)

	again, err := rec.Reconcile(f.ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, again.Changed())
}

func TestLaterWriteSupersedesJournal(t *testing.T) {
	f := newFixture(t)
	rec := newReconciler(t, f, nil)

	res, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)

	restore := f.failUser("bob")
	require.ErrorIs(t, f.service.AcceptRequest(f.ctx, res.RequestID, "alice", "bob"), ErrPartialWrite)
	restore()

	require.NoError(t, f.service.RemoveFriend(f.ctx, "alice", "bob"))

	report, err := rec.Reconcile(f.ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Zero(t, report.Replayed)
	assert.Empty(t, f.friends(t, "alice"))
	assert.Empty(t, f.friends(t, "bob"))
}

func TestReconcileFinishesInterruptedAccept(t *testing.T) {
	f := newFixture(t)
	rec := newReconciler(t, f, nil)

	// Both intents were journaled, then the process died after one write.
	id, err := f.repo.CreateRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, f.repo.SetStatus(f.ctx, id, models.RequestAccepted))
	for _, dir := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		_, err := f.repo.RecordRepair(f.ctx, models.Repair{UserID: dir[0], FriendID: dir[1], Op: models.RepairUnion})
		require.NoError(t, err)
	}
	require.NoError(t, f.repo.AddFriend(f.ctx, "alice", "bob"))

	report, err := rec.Reconcile(f.ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Replayed)
	assert.False(t, report.Dropped)
	assert.Equal(t, []string{"bob"}, f.friends(t, "alice"))
	assert.Equal(t, []string{"alice"}, f.friends(t, "bob"))
}

func TestReconcileKeepsInterruptedRemoval(t *testing.T) {
	f := newFixture(t)
	rec := newReconciler(t, f, nil)

	res, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, f.service.AcceptRequest(f.ctx, res.RequestID, "alice", "bob"))

	// A removal that wrote alice's side and lost its journal entries.
	require.NoError(t, f.repo.RemoveFriend(f.ctx, "alice", "bob"))
	repairs, err := f.repo.Repairs(f.ctx)
	require.NoError(t, err)
	require.Empty(t, repairs)

	report, err := rec.Reconcile(f.ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, report.Dropped)
	assert.Empty(t, f.friends(t, "alice"))
	assert.Empty(t, f.friends(t, "bob"))
	assert.Equal(t, "accepted", f.request(t, res.RequestID))

	status, err := f.service.CheckFriendshipStatus(f.ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.FriendshipNone, status)
}

func TestReconcileDropsDanglingHalfEdge(t *testing.T) {
	f := newFixture(t)
	rec := newReconciler(t, f, nil)

	require.NoError(t, f.repo.AddFriend(f.ctx, "bob", "alice"))

	report, err := rec.Reconcile(f.ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, report.Dropped)
	assert.Empty(t, f.friends(t, "bob"))
}

func TestReconcileAcceptsStalePending(t *testing.T) {
	f := newFixture(t)
	rec := newReconciler(t, f, nil)

	id, err := f.repo.CreateRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	f.befriend(t, "alice", "bob")

	report, err := rec.Reconcile(f.ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleAccepted)
	assert.Equal(t, "accepted", f.request(t, id))
}

func TestReconcileCollapsesOppositePending(t *testing.T) {
	f := newFixture(t)
	rec := newReconciler(t, f, nil)

	first, err := f.repo.CreateRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = f.repo.CreateRequest(f.ctx, "bob", "alice")
	require.NoError(t, err)

	report, err := rec.Reconcile(f.ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, first, report.Collapsed)
	assert.Equal(t, []string{"bob"}, f.friends(t, "alice"))
	assert.Equal(t, []string{"alice"}, f.friends(t, "bob"))
}

func TestSweepRepairsStoreAndArchivesReport(t *testing.T) {
	f := newFixture(t)
	reports := &stubReportStore{}
	rec := newReconciler(t, f, reports)

	// opposite pending
	_, err := f.repo.CreateRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = f.repo.CreateRequest(f.ctx, "bob", "alice")
	require.NoError(t, err)

	// dangling half edge
	require.NoError(t, f.repo.AddFriend(f.ctx, "carol", "dave"))

	// journaled repair
	require.NoError(t, f.repo.AddFriend(f.ctx, "erin", "frank"))
	_, err = f.repo.RecordRepair(f.ctx, models.Repair{UserID: "frank", FriendID: "erin", Op: models.RepairUnion})
	require.NoError(t, err)

	report, err := rec.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Pairs)
	assert.Equal(t, 3, report.Changed)
	assert.Equal(t, 1, report.Collapsed)
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, 1, report.Replayed)
	assert.Zero(t, report.Failed)
	assert.NotEmpty(t, report.Location)

	assert.Equal(t, []string{"alice"}, f.friends(t, "bob"))
	assert.Empty(t, f.friends(t, "carol"))
	assert.Equal(t, []string{"erin"}, f.friends(t, "frank"))

	require.Len(t, reports.names, 1)
	var archived SweepReport
	require.NoError(t, json.Unmarshal(reports.body, &archived))
	assert.Equal(t, 3, archived.Pairs)

	again, err := rec.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Pairs)
}

func TestEnqueueReconcilesInBackground(t *testing.T) {
	f := newFixture(t)
	rec := newReconciler(t, f, nil)

	res, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)

	restore := f.failUser("bob")
	require.ErrorIs(t, f.service.AcceptRequest(f.ctx, res.RequestID, "alice", "bob"), ErrPartialWrite)
	restore()

	require.NoError(t, rec.Enqueue(f.ctx, NewPair("alice", "bob")))
	assert.Eventually(t, func() bool {
		friends, err := f.repo.Friends(f.ctx, "bob")
		return err == nil && len(friends) == 1
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rec.Shutdown(ctx))
	require.NoError(t, rec.Shutdown(ctx))
	assert.ErrorIs(t, rec.Enqueue(f.ctx, NewPair("alice", "bob")), errReconcilerClosed)
}

func TestServiceQueuesPartialWritesForReconciler(t *testing.T) {
	f := newFixture(t)
	rec := newReconciler(t, f, nil)
	svc := NewService(f.repo, Options{Repairs: rec, WriteRetries: 1, RetryBackoff: time.Millisecond})

	f.befriend(t, "alice", "bob")

	var mu sync.Mutex
	failures := 1
	f.store.SetWriteFault(func(op string, kind docstore.Kind, id string) error {
		mu.Lock()
		defer mu.Unlock()
		if kind == KindUsers && id == "alice" && failures > 0 {
			failures--
			return errStoreDown
		}
		return nil
	})
	require.ErrorIs(t, svc.RemoveFriend(f.ctx, "alice", "bob"), ErrPartialWrite)

	assert.Eventually(t, func() bool {
		friends, err := f.repo.Friends(f.ctx, "alice")
		return err == nil && len(friends) == 0
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, f.friends(t, "bob"))
}

func TestPartialWriteDoesNotBlockOnFullRepairQueue(t *testing.T) {
	f := newFixture(t)
	locker := NewLocalLocker(0)
	rec := NewReconciler(f.repo, ReconcilerConfig{
		Locker:       locker,
		WriteRetries: 1,
		RetryBackoff: time.Millisecond,
		Workers:      1,
		QueueSize:    1,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rec.Shutdown(ctx)
	})
	svc := NewService(f.repo, Options{Locker: locker, Repairs: rec, WriteRetries: 1, RetryBackoff: time.Millisecond})

	f.befriend(t, "alice", "bob")

	inside := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	f.store.SetWriteFault(func(op string, kind docstore.Kind, id string) error {
		if kind != KindUsers || id != "bob" {
			return nil
		}
		once.Do(func() {
			close(inside)
			<-proceed
		})
		return errStoreDown
	})

	done := make(chan error, 1)
	go func() { done <- svc.RemoveFriend(f.ctx, "alice", "bob") }()

	// With the pair lock held by RemoveFriend, park the only worker on the
	// same pair and fill the queue behind it.
	select {
	case <-inside:
	case <-time.After(2 * time.Second):
		t.Fatal("RemoveFriend never reached bob's write")
	}
	require.NoError(t, rec.Enqueue(f.ctx, NewPair("alice", "bob")))
	require.Eventually(t, func() bool { return len(rec.jobs) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, rec.Enqueue(f.ctx, NewPair("xavier", "yves")))
	assert.ErrorIs(t, rec.Enqueue(f.ctx, NewPair("carol", "dave")), ErrRepairQueueFull)
	close(proceed)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrPartialWrite)
	case <-time.After(2 * time.Second):
		t.Fatal("RemoveFriend blocked on a full repair queue")
	}
	f.store.SetWriteFault(nil)

	assert.Eventually(t, func() bool {
		friends, err := f.repo.Friends(f.ctx, "bob")
		return err == nil && len(friends) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.friends(t, "alice"))
}
