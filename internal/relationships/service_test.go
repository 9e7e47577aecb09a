package relationships

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidfriends/relationships/internal/docstore"
	"github.com/vidfriends/relationships/internal/events"
	"github.com/vidfriends/relationships/internal/models"
)

func TestSendRequestCreatesPendingRequest(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome)
	assert.NotEmpty(t, res.RequestID)

	req, err := f.repo.Request(f.ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "alice", req.FromUserID)
	assert.Equal(t, "bob", req.ToUserID)
	assert.Equal(t, models.RequestPending, req.Status)
	assert.Equal(t, []events.Type{events.RequestCreated}, f.events.types())
}

func TestSendRequestResendsRejectedRequest(t *testing.T) {
	f := newFixture(t)

	first, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, f.service.RejectRequest(f.ctx, first.RequestID))
	assert.Equal(t, "rejected", f.request(t, first.RequestID))

	again, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, SendResult{Outcome: Resent, RequestID: first.RequestID}, again)
	assert.Equal(t, "pending", f.request(t, first.RequestID))
	assert.Equal(t, 1, f.store.Count(KindRequests))
}

func TestSendRequestResendsAcceptedRequestAfterRemoval(t *testing.T) {
	f := newFixture(t)

	first, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, f.service.AcceptRequest(f.ctx, first.RequestID, "alice", "bob"))
	require.NoError(t, f.service.RemoveFriend(f.ctx, "bob", "alice"))

	again, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, SendResult{Outcome: Resent, RequestID: first.RequestID}, again)
	assert.Equal(t, 1, f.store.Count(KindRequests))
}

func TestSendRequestDuplicate(t *testing.T) {
	f := newFixture(t)

	first, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)

	writes := f.store.Writes()
	second, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, DuplicateRequest, second.Outcome)
	assert.True(t, second.Rejected())
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Equal(t, writes, f.store.Writes())
	assert.Equal(t, 1, f.store.Count(KindRequests))
}

func TestSendRequestAutoAcceptsReversePending(t *testing.T) {
	f := newFixture(t)

	reverse, err := f.service.SendRequest(f.ctx, "bob", "alice")
	require.NoError(t, err)

	res, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, SendResult{Outcome: AutoAccepted, RequestID: reverse.RequestID}, res)

	assert.Equal(t, "accepted", f.request(t, reverse.RequestID))
	assert.Contains(t, f.friends(t, "alice"), "bob")
	assert.Contains(t, f.friends(t, "bob"), "alice")
	assert.Equal(t, 1, f.store.Count(KindRequests))
	assert.Equal(t, []events.Type{events.RequestCreated, events.RequestAccepted}, f.events.types())
}

func TestSendRequestAlreadyFriendsPerformsNoWrites(t *testing.T) {
	f := newFixture(t)
	f.befriend(t, "alice", "bob")

	writes := f.store.Writes()
	res, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, AlreadyFriends, res.Outcome)
	assert.Empty(t, res.RequestID)
	assert.Equal(t, writes, f.store.Writes())
	assert.Zero(t, f.store.Count(KindRequests))
}

func TestSendRequestToSelfIsNotRejected(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.SendRequest(f.ctx, "alice", "alice")
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome)

	res, err = f.service.SendRequest(f.ctx, "alice", "alice")
	require.NoError(t, err)
	assert.Equal(t, DuplicateRequest, res.Outcome)

	reads := f.store.Reads()
	status, err := f.service.CheckFriendshipStatus(f.ctx, "alice", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.FriendshipPendingSent, status)
	assert.LessOrEqual(t, f.store.Reads()-reads, int64(2))
}

func TestSendRequestReevaluatesAfterConcurrentCreate(t *testing.T) {
	store := &racingStore{Store: docstore.NewMemoryStore()}
	svc := NewService(NewRepository(store), Options{})

	res, err := svc.SendRequest(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, DuplicateRequest, res.Outcome)

	docs, err := store.Query(context.Background(), KindRequests)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestConcurrentOppositeSendsBecomeFriends(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)

		var wg sync.WaitGroup
		results := make([]SendResult, 2)
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			results[0], errs[0] = f.service.SendRequest(f.ctx, "alice", "bob")
		}()
		go func() {
			defer wg.Done()
			results[1], errs[1] = f.service.SendRequest(f.ctx, "bob", "alice")
		}()
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		assert.ElementsMatch(t, []SendOutcome{Created, AutoAccepted}, []SendOutcome{results[0].Outcome, results[1].Outcome})
		assert.Contains(t, f.friends(t, "alice"), "bob")
		assert.Contains(t, f.friends(t, "bob"), "alice")
		assert.Equal(t, 1, f.store.Count(KindRequests))
	}
}

func TestAcceptRequestLinksBothUsers(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, f.service.AcceptRequest(f.ctx, res.RequestID, "alice", "bob"))

	assert.Equal(t, "accepted", f.request(t, res.RequestID))
	assert.Equal(t, []string{"bob"}, f.friends(t, "alice"))
	assert.Equal(t, []string{"alice"}, f.friends(t, "bob"))
	assert.Empty(t, f.queue.queued())
}

func TestMissingRequestReturnsNotFound(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, f.service.CancelRequest(f.ctx, res.RequestID))

	tests := []struct {
		name string
		run  func() error
	}{
		{"accept", func() error { return f.service.AcceptRequest(f.ctx, res.RequestID, "alice", "bob") }},
		{"reject", func() error { return f.service.RejectRequest(f.ctx, res.RequestID) }},
		{"cancel", func() error { return f.service.CancelRequest(f.ctx, res.RequestID) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), ErrNotFound)
		})
	}

	assert.Empty(t, f.friends(t, "alice"))
}

func TestCancelledRequestIsNotRevived(t *testing.T) {
	f := newFixture(t)

	first, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, f.service.CancelRequest(f.ctx, first.RequestID))
	assert.Zero(t, f.store.Count(KindRequests))

	second, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, Created, second.Outcome)
	assert.NotEqual(t, first.RequestID, second.RequestID)
}

func TestAcceptRequestReportsPartialWrite(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)

	restore := f.failUser("bob")
	err = f.service.AcceptRequest(f.ctx, res.RequestID, "alice", "bob")
	restore()

	require.ErrorIs(t, err, ErrPartialWrite)
	require.ErrorIs(t, err, errStoreDown)

	var partial *PartialWriteError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, "accept", partial.Op)
	assert.True(t, partial.Steps[0].OK())
	assert.Equal(t, "alice", partial.Steps[0].UserID)
	assert.False(t, partial.Steps[1].OK())
	assert.Equal(t, "bob", partial.Steps[1].UserID)
	require.Len(t, partial.Failed(), 1)

	assert.Equal(t, "accepted", f.request(t, res.RequestID))
	assert.Equal(t, []string{"bob"}, f.friends(t, "alice"))
	assert.Empty(t, f.friends(t, "bob"))

	repairs, err := f.repo.Repairs(f.ctx)
	require.NoError(t, err)
	require.Len(t, repairs, 1)
	assert.Equal(t, models.Repair{ID: repairs[0].ID, UserID: "bob", FriendID: "alice", Op: models.RepairUnion, CreatedAt: repairs[0].CreatedAt}, repairs[0])
	assert.Equal(t, []Pair{NewPair("alice", "bob")}, f.queue.queued())
}

func TestAcceptRequestTotalFailureIsNotPartial(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)

	f.store.SetWriteFault(func(op string, kind docstore.Kind, id string) error {
		if kind == KindUsers {
			return errStoreDown
		}
		return nil
	})
	err = f.service.AcceptRequest(f.ctx, res.RequestID, "alice", "bob")
	f.store.SetWriteFault(nil)

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPartialWrite)
	assert.ErrorIs(t, err, errStoreDown)

	repairs, err := f.repo.Repairs(f.ctx)
	require.NoError(t, err)
	assert.Len(t, repairs, 2)
	assert.Equal(t, []Pair{NewPair("alice", "bob")}, f.queue.queued())
}

func TestAcceptRequestReopensWhenJournalUnavailable(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)

	f.store.SetWriteFault(func(op string, kind docstore.Kind, id string) error {
		if kind == KindRepairs && op == "create" {
			return errStoreDown
		}
		return nil
	})
	err = f.service.AcceptRequest(f.ctx, res.RequestID, "alice", "bob")
	f.store.SetWriteFault(nil)

	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, "pending", f.request(t, res.RequestID))
	assert.Empty(t, f.friends(t, "alice"))
	assert.Empty(t, f.friends(t, "bob"))
	assert.Empty(t, f.queue.queued())
}

func TestRemoveFriendAbortsWhenJournalUnavailable(t *testing.T) {
	f := newFixture(t)
	f.befriend(t, "alice", "bob")

	f.store.SetWriteFault(func(op string, kind docstore.Kind, id string) error {
		if kind == KindRepairs && op == "create" {
			return errStoreDown
		}
		return nil
	})
	writes := f.store.Writes()
	err := f.service.RemoveFriend(f.ctx, "alice", "bob")
	f.store.SetWriteFault(nil)

	require.ErrorIs(t, err, errStoreDown)
	assert.NotErrorIs(t, err, ErrPartialWrite)
	// Only the rejected journal create reached the store.
	assert.Equal(t, writes+1, f.store.Writes())
	assert.Equal(t, []string{"bob"}, f.friends(t, "alice"))
	assert.Equal(t, []string{"alice"}, f.friends(t, "bob"))
	assert.Empty(t, f.queue.queued())
	assert.Empty(t, f.events.types())
}

func TestAcceptRequestRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)

	failures := 1
	var mu sync.Mutex
	f.store.SetWriteFault(func(op string, kind docstore.Kind, id string) error {
		mu.Lock()
		defer mu.Unlock()
		if kind == KindUsers && id == "bob" && failures > 0 {
			failures--
			return errStoreDown
		}
		return nil
	})

	require.NoError(t, f.service.AcceptRequest(f.ctx, res.RequestID, "alice", "bob"))
	assert.Equal(t, []string{"alice"}, f.friends(t, "bob"))
	assert.Empty(t, f.queue.queued())
}

func TestRemoveFriendIsSymmetric(t *testing.T) {
	for _, order := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		t.Run(order[0]+"_first", func(t *testing.T) {
			f := newFixture(t)
			f.befriend(t, "alice", "bob")
			f.befriend(t, "alice", "carol")

			require.NoError(t, f.service.RemoveFriend(f.ctx, order[0], order[1]))
			assert.Equal(t, []string{"carol"}, f.friends(t, "alice"))
			assert.Empty(t, f.friends(t, "bob"))
		})
	}
}

func TestRemoveFriendKeepsRequestHistory(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.SendRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, f.service.AcceptRequest(f.ctx, res.RequestID, "alice", "bob"))
	require.NoError(t, f.service.RemoveFriend(f.ctx, "alice", "bob"))

	assert.Equal(t, "accepted", f.request(t, res.RequestID))
}

func TestRemoveFriendWithoutUserDocuments(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.service.RemoveFriend(f.ctx, "alice", "bob"))
}

func TestCheckFriendshipStatus(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		want  models.FriendshipStatus
	}{
		{
			name:  "none",
			setup: func(t *testing.T, f *fixture) {},
			want:  models.FriendshipNone,
		},
		{
			name: "pending sent",
			setup: func(t *testing.T, f *fixture) {
				_, err := f.repo.CreateRequest(f.ctx, "alice", "bob")
				require.NoError(t, err)
			},
			want: models.FriendshipPendingSent,
		},
		{
			name: "pending received",
			setup: func(t *testing.T, f *fixture) {
				_, err := f.repo.CreateRequest(f.ctx, "bob", "alice")
				require.NoError(t, err)
			},
			want: models.FriendshipPendingReceived,
		},
		{
			name: "rejected request is none",
			setup: func(t *testing.T, f *fixture) {
				id, err := f.repo.CreateRequest(f.ctx, "alice", "bob")
				require.NoError(t, err)
				require.NoError(t, f.repo.SetStatus(f.ctx, id, models.RequestRejected))
			},
			want: models.FriendshipNone,
		},
		{
			name: "friends win over stale pending",
			setup: func(t *testing.T, f *fixture) {
				_, err := f.repo.CreateRequest(f.ctx, "alice", "bob")
				require.NoError(t, err)
				f.befriend(t, "alice", "bob")
			},
			want: models.FriendshipFriends,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)

			reads := f.store.Reads()
			got, err := f.service.CheckFriendshipStatus(f.ctx, "alice", "bob")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, f.store.Reads()-reads, int64(3))
		})
	}
}

func TestCheckFriendshipStatusCollapsesOppositePending(t *testing.T) {
	f := newFixture(t)

	first, err := f.repo.CreateRequest(f.ctx, "alice", "bob")
	require.NoError(t, err)
	second, err := f.repo.CreateRequest(f.ctx, "bob", "alice")
	require.NoError(t, err)

	status, err := f.service.CheckFriendshipStatus(f.ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.FriendshipFriends, status)

	assert.Equal(t, "accepted", f.request(t, first))
	assert.Equal(t, "accepted", f.request(t, second))
	assert.Equal(t, []string{"bob"}, f.friends(t, "alice"))
	assert.Equal(t, []string{"alice"}, f.friends(t, "bob"))
}

func TestLockTimeoutIsReported(t *testing.T) {
	f := newFixture(t)
	locker := NewLocalLocker(1)
	svc := NewService(f.repo, Options{Locker: locker})

	release, err := locker.Lock(f.ctx, NewPair("alice", "bob"))
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(f.ctx, 20*time.Millisecond)
	defer cancel()
	_, err = svc.SendRequest(ctx, "alice", "bob")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendOutcomeString(t *testing.T) {
	tests := map[SendOutcome]string{
		Created:          "created",
		Resent:           "resent",
		AutoAccepted:     "auto_accepted",
		AlreadyFriends:   "already_friends",
		DuplicateRequest: "duplicate_request",
		SendOutcome(0):   "unknown",
	}
	for outcome, want := range tests {
		assert.Equal(t, want, outcome.String())
	}
}
