package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/internal/domain/mocks"
	"auction-engine/internal/infrastructure/memory"
	"auction-engine/pkg/logger"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
)

type stubAdvancer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (a *stubAdvancer) Advance(ctx context.Context, auctionID string) (*domain.Auction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, auctionID)
	if a.err != nil {
		return nil, a.err
	}
	return &domain.Auction{ID: auctionID, State: domain.AuctionClosed}, nil
}

func (a *stubAdvancer) called() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func newTestScheduler(auctions domain.AuctionRepository, advancer AuctionAdvancer, leader domain.LeaderElection) *TimerScheduler {
	return NewTimerScheduler(NewStateMachine(NewIncrementRules(nil)), auctions, advancer, leader, SchedulerConfig{
		TickInterval: time.Second,
		InstanceID:   "instance-1",
	}, logger.NewNop())
}

func TestTimerScheduler_ReindexOrdersByDeadline(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(memory.NewStore(), &stubAdvancer{}, nil)

	late := newTestAuction(domain.AuctionOpen)
	late.ID = "late"
	late.EndAt = testStart.Add(2 * time.Hour)
	early := newTestAuction(domain.AuctionScheduled)
	early.ID = "early"

	s.Reindex(late)
	s.Reindex(early)
	require.Equal(t, 2, s.Len())

	id, at, ok := s.Next()
	require.True(t, ok)
	require.Equal(t, "early", id)
	require.Equal(t, testStart, at)

	// Moving a deadline replaces the existing entry.
	early.State = domain.AuctionOpen
	s.Reindex(early)
	require.Equal(t, 2, s.Len())
	id, at, _ = s.Next()
	require.Equal(t, "early", id)
	require.Equal(t, testStart.Add(time.Hour-time.Minute), at)

	early.State = domain.AuctionClosed
	s.Reindex(early)
	require.Equal(t, 1, s.Len())

	s.Remove("late")
	require.Zero(t, s.Len())
	_, _, ok = s.Next()
	require.False(t, ok)
}

func TestTimerScheduler_TickDrivesEngine(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	s := newTestScheduler(f.store, f.engine, nil)
	f.engine.SetScheduler(s)

	first := f.createAuction(t, 1000, 50, time.Hour)
	second := f.createAuction(t, 1000, 50, 2*time.Hour)
	require.Equal(t, 2, s.Len())

	ctx := context.Background()
	require.Zero(t, s.Tick(ctx, testStart.Add(30*time.Minute)))

	window := first.BidEndAt.Add(-time.Minute)
	f.clock.Set(window)
	require.Equal(t, 1, s.Tick(ctx, window))

	view, err := f.engine.GetAuctionState(ctx, first.AuctionID)
	require.NoError(t, err)
	require.Equal(t, domain.AuctionClosingSoon, view.State)
	require.Equal(t, 2, s.Len())

	f.clock.Set(first.BidEndAt)
	require.Equal(t, 1, s.Tick(ctx, first.BidEndAt))
	require.Equal(t, 1, s.Len())
	require.Len(t, f.publisher.ofType(domain.EventAuctionClosed), 1)

	id, _, ok := s.Next()
	require.True(t, ok)
	require.Equal(t, second.AuctionID, id)
}

func TestTimerScheduler_FailedAdvanceIsRetried(t *testing.T) {
	t.Parallel()

	advancer := &stubAdvancer{err: errors.New("db down")}
	s := newTestScheduler(memory.NewStore(), advancer, nil)
	s.Reindex(newTestAuction(domain.AuctionScheduled))

	require.Equal(t, 1, s.Tick(context.Background(), testStart))
	require.Equal(t, 1, s.Len())
	_, at, _ := s.Next()
	require.Equal(t, testStart.Add(time.Second), at)

	advancer.mu.Lock()
	advancer.err = domain.ErrAuctionNotFound
	advancer.mu.Unlock()

	require.Equal(t, 1, s.Tick(context.Background(), at))
	require.Zero(t, s.Len())
	require.Len(t, advancer.called(), 2)
}

func TestTimerScheduler_Rebuild(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	for _, state := range []domain.AuctionState{domain.AuctionScheduled, domain.AuctionOpen, domain.AuctionClosed} {
		a := newTestAuction(state)
		a.ID = string(state)
		a.ListingID = "listing-" + string(state)
		require.NoError(t, store.CreateAuction(ctx, a))
	}

	s := newTestScheduler(store, &stubAdvancer{}, nil)
	s.Reindex(&domain.Auction{ID: "stale", State: domain.AuctionScheduled, StartAt: testStart})
	require.NoError(t, s.Rebuild(ctx))
	require.Equal(t, 2, s.Len())

	id, _, _ := s.Next()
	require.Equal(t, string(domain.AuctionScheduled), id)
}

func TestTimerScheduler_LeaderGating(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.CreateAuction(ctx, newTestAuction(domain.AuctionScheduled)))

	leader := mocks.NewMockLeaderElection(ctrl)
	advancer := &stubAdvancer{}
	s := newTestScheduler(store, advancer, leader)
	s.SetClock(func() time.Time { return testStart })

	gomock.InOrder(
		leader.EXPECT().BecomeLeader(gomock.Any(), "instance-1").Return(false, nil),
		leader.EXPECT().BecomeLeader(gomock.Any(), "instance-1").Return(false, errors.New("redis down")),
		leader.EXPECT().BecomeLeader(gomock.Any(), "instance-1").Return(true, nil),
	)

	s.runTick(ctx)
	s.runTick(ctx)
	require.Empty(t, advancer.called())
	require.Zero(t, s.Len())

	// Gaining leadership rebuilds the index before ticking.
	s.runTick(ctx)
	require.Equal(t, []string{"auction-1"}, advancer.called())

	leader.EXPECT().ReleaseLeadership(gomock.Any(), "instance-1").Return(nil)
	require.NoError(t, s.Stop())
}

func TestTimerScheduler_PicksUpAuctionsCreatedElsewhere(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	leader := newEngineFixtureWith(store, store, store)
	follower := newEngineFixtureWith(store, store, store)

	s := newTestScheduler(store, leader.engine, nil)
	leader.engine.SetScheduler(s)
	require.Zero(t, s.Tick(ctx, testStart))

	// The follower has no scheduler of its own that could ever fire this auction.
	view := follower.createAuction(t, 1000, 50, time.Hour)
	require.Zero(t, s.Len())

	// Inside the resync interval the index is not reloaded.
	require.Zero(t, s.Tick(ctx, testStart.Add(time.Second)))
	require.Zero(t, s.Len())

	end := view.BidEndAt.Add(time.Second)
	leader.clock.Set(end)
	require.Equal(t, 1, s.Tick(ctx, end))

	a, err := store.GetAuction(ctx, view.AuctionID)
	require.NoError(t, err)
	require.Equal(t, domain.AuctionClosed, a.State)
	require.Len(t, leader.publisher.ofType(domain.EventAuctionClosed), 1)
	require.Empty(t, follower.publisher.ofType(domain.EventAuctionClosed))
	require.Zero(t, s.Len())
}

func TestTimerScheduler_ResyncKeepsIndexedEntries(t *testing.T) {
	t.Parallel()

	store := &failingLister{Store: memory.NewStore(), err: errors.New("db down")}
	advancer := &stubAdvancer{}
	s := newTestScheduler(store, advancer, nil)
	s.Reindex(newTestAuction(domain.AuctionScheduled))

	// A failed listing still fires what is indexed and retries the listing on the next tick.
	require.Equal(t, 1, s.Tick(context.Background(), testStart))
	require.Equal(t, 1, store.calls())

	require.Zero(t, s.Tick(context.Background(), testStart.Add(time.Second)))
	require.Equal(t, 2, store.calls())
}

type failingLister struct {
	*memory.Store
	mu  sync.Mutex
	n   int
	err error
}

func (f *failingLister) ListLive(ctx context.Context) ([]*domain.Auction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return nil, f.err
}

func (f *failingLister) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}
