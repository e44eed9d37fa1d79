package services

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/internal/metrics"
	"auction-engine/pkg/logger"

	"github.com/robfig/cron/v3"
)

// AuctionAdvancer applies due timer transitions to one auction.
type AuctionAdvancer interface {
	Advance(ctx context.Context, auctionID string) (*domain.Auction, error)
}

type SchedulerConfig struct {
	TickInterval time.Duration
	// ResyncInterval is how often a tick merges the live auctions in storage into the index,
	// which picks up auctions created or extended through another instance.
	ResyncInterval time.Duration
	// Concurrency bounds how many auctions are advanced at once within one tick.
	Concurrency int
	InstanceID  string
}

// TimerScheduler keeps every live auction in a time-ordered index keyed by its next relevant
// deadline and fires the matching transition through the engine once the deadline passes.
// The index is only a hint: transitions always compare against the persisted auction.
type TimerScheduler struct {
	mu    sync.Mutex
	queue deadlineQueue
	index map[string]*deadline

	machine  *StateMachine
	auctions domain.AuctionRepository
	advancer AuctionAdvancer
	leader   domain.LeaderElection
	cfg      SchedulerConfig
	cron     *cron.Cron
	now      func() time.Time
	log      logger.Logger

	leading bool
	synced  time.Time
}

// NewTimerScheduler builds a scheduler. leader may be nil, in which case every instance ticks.
func NewTimerScheduler(
	machine *StateMachine,
	auctions domain.AuctionRepository,
	advancer AuctionAdvancer,
	leader domain.LeaderElection,
	cfg SchedulerConfig,
	log logger.Logger,
) *TimerScheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = 10 * time.Second
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 16
	}
	return &TimerScheduler{
		index:    make(map[string]*deadline),
		machine:  machine,
		auctions: auctions,
		advancer: advancer,
		leader:   leader,
		cfg:      cfg,
		cron:     newCron(log),
		now:      time.Now,
		log:      log,
	}
}

func (s *TimerScheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start rebuilds the index from storage and begins ticking.
func (s *TimerScheduler) Start(ctx context.Context) error {
	s.log.Info("Starting auction scheduler", "tick_interval", s.cfg.TickInterval)

	if s.leader == nil {
		if err := s.Rebuild(ctx); err != nil {
			return err
		}
	}

	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.TickInterval), func() {
		s.runTick(ctx)
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

func (s *TimerScheduler) Stop() error {
	s.log.Info("Stopping auction scheduler")
	<-s.cron.Stop().Done()

	if s.leader != nil && s.leading {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.leader.ReleaseLeadership(ctx, s.cfg.InstanceID)
	}
	return nil
}

// Rebuild replaces the index with the live auctions found in storage.
func (s *TimerScheduler) Rebuild(ctx context.Context) error {
	live, err := s.auctions.ListLive(ctx)
	if err != nil {
		return fmt.Errorf("list live auctions: %w", err)
	}

	s.mu.Lock()
	s.queue = nil
	s.index = make(map[string]*deadline, len(live))
	s.synced = s.now()
	s.mu.Unlock()

	for _, a := range live {
		s.Reindex(a)
	}
	s.log.Info("Scheduler index rebuilt", "auctions", len(live))
	return nil
}

// Reindex moves the auction to its next deadline, replacing any previous entry.
func (s *TimerScheduler) Reindex(a *domain.Auction) {
	at, ok := s.machine.NextDeadline(a)
	if !ok {
		s.Remove(a.ID)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d, exists := s.index[a.ID]; exists {
		d.at = at
		heap.Fix(&s.queue, d.pos)
		return
	}
	d := &deadline{auctionID: a.ID, at: at}
	heap.Push(&s.queue, d)
	s.index[a.ID] = d
	metrics.ScheduledAuctions.Set(float64(len(s.index)))
}

func (s *TimerScheduler) Remove(auctionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, exists := s.index[auctionID]; exists {
		heap.Remove(&s.queue, d.pos)
		delete(s.index, auctionID)
		metrics.ScheduledAuctions.Set(float64(len(s.index)))
	}
}

// Next returns the earliest indexed deadline.
func (s *TimerScheduler) Next() (string, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return "", time.Time{}, false
	}
	return s.queue[0].auctionID, s.queue[0].at, true
}

func (s *TimerScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Tick advances every auction whose deadline is not after now and returns how many were fired.
// Auctions that fail to advance are retried on the next tick.
func (s *TimerScheduler) Tick(ctx context.Context, now time.Time) int {
	s.resync(ctx, now)
	due := s.popDue(now)
	if len(due) == 0 {
		return 0
	}

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, auctionID := range due {
		sem <- struct{}{}
		wg.Add(1)
		go func(auctionID string) {
			defer func() {
				<-sem
				wg.Done()
			}()
			s.fire(ctx, auctionID, now)
		}(auctionID)
	}
	wg.Wait()
	return len(due)
}

func (s *TimerScheduler) fire(ctx context.Context, auctionID string, now time.Time) {
	a, err := s.advancer.Advance(ctx, auctionID)
	if err == nil {
		s.log.Debug("Auction advanced", "auction_id", auctionID, "state", a.State, "version", a.Version)
		return
	}
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Warn("Scheduled auction no longer exists", "auction_id", auctionID)
		return
	}

	s.log.Error("Failed to advance auction", "auction_id", auctionID, "error", err)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[auctionID]; !exists {
		d := &deadline{auctionID: auctionID, at: now.Add(s.cfg.TickInterval)}
		heap.Push(&s.queue, d)
		s.index[auctionID] = d
	}
}

// resync merges the live auctions in storage into the index once ResyncInterval has passed
// since the last merge. Entries are never dropped here; a stale one fires as a no-op advance.
func (s *TimerScheduler) resync(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if !s.synced.IsZero() && now.Sub(s.synced) < s.cfg.ResyncInterval {
		s.mu.Unlock()
		return
	}
	s.synced = now
	s.mu.Unlock()

	live, err := s.auctions.ListLive(ctx)
	if err != nil {
		s.log.Error("Failed to resync scheduler index", "error", err)
		s.mu.Lock()
		s.synced = time.Time{}
		s.mu.Unlock()
		return
	}
	for _, a := range live {
		s.Reindex(a)
	}
}

func (s *TimerScheduler) popDue(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for len(s.queue) > 0 && !s.queue[0].at.After(now) {
		d := heap.Pop(&s.queue).(*deadline)
		delete(s.index, d.auctionID)
		due = append(due, d.auctionID)
	}
	metrics.ScheduledAuctions.Set(float64(len(s.index)))
	return due
}

func (s *TimerScheduler) runTick(ctx context.Context) {
	if !s.isActive(ctx) {
		return
	}
	if fired := s.Tick(ctx, s.now()); fired > 0 {
		s.log.Debug("Scheduler tick", "fired", fired)
	}
}

// isActive reports whether this instance should fire transitions. Gaining leadership
// rebuilds the index, since the previous leader may have indexed auctions this one never saw.
func (s *TimerScheduler) isActive(ctx context.Context) bool {
	if s.leader == nil {
		return true
	}

	leading, err := s.leader.BecomeLeader(ctx, s.cfg.InstanceID)
	if err != nil {
		s.log.Error("Leader election failed", "instance_id", s.cfg.InstanceID, "error", err)
		leading = false
	}

	if leading && !s.leading {
		s.log.Info("Acquired scheduler leadership", "instance_id", s.cfg.InstanceID)
		if err := s.Rebuild(ctx); err != nil {
			s.log.Error("Failed to rebuild scheduler index", "error", err)
			return false
		}
	}
	if !leading && s.leading {
		s.log.Warn("Lost scheduler leadership", "instance_id", s.cfg.InstanceID)
	}
	s.leading = leading
	return leading
}

type deadline struct {
	auctionID string
	at        time.Time
	pos       int
}

// deadlineQueue is a min-heap on at.
type deadlineQueue []*deadline

func (q deadlineQueue) Len() int { return len(q) }

func (q deadlineQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].auctionID < q[j].auctionID
	}
	return q[i].at.Before(q[j].at)
}

func (q deadlineQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].pos = i
	q[j].pos = j
}

func (q *deadlineQueue) Push(x interface{}) {
	d := x.(*deadline)
	d.pos = len(*q)
	*q = append(*q, d)
}

func (q *deadlineQueue) Pop() interface{} {
	old := *q
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.pos = -1
	*q = old[:n-1]
	return d
}
