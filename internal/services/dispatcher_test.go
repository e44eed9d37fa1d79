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

func newTestDispatcher(t *testing.T, queueSize int, sinks ...domain.NotificationSink) (*Dispatcher, *memory.RetryQueue, *fakeClock) {
	t.Helper()
	retries := memory.NewRetryQueue()
	clock := newFakeClock(testStart)
	d := NewDispatcher(sinks, retries, DispatcherConfig{
		Workers:         2,
		QueueSize:       queueSize,
		DeliveryTimeout: time.Second,
		BackoffBase:     time.Second,
		BackoffMax:      4 * time.Second,
		SweepInterval:   time.Hour,
	}, logger.NewNop())
	d.SetClock(clock.Now)
	return d, retries, clock
}

func testEvent(id string) domain.AuctionEvent {
	return domain.AuctionEvent{ID: id, Type: domain.EventBidAccepted, AuctionID: "auction-1", Version: 2}
}

func TestDispatcher_EnqueueFansOutPerSink(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	kafka := mocks.NewMockNotificationSink(ctrl)
	kafka.EXPECT().Name().Return("kafka").AnyTimes()
	redis := mocks.NewMockNotificationSink(ctrl)
	redis.EXPECT().Name().Return("redis").AnyTimes()

	d, _, _ := newTestDispatcher(t, 10, kafka, redis)
	d.Enqueue(context.Background(), testEvent("e1"), testEvent("e2"))

	require.Len(t, d.queue, 4)
	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		delivery := <-d.queue
		seen[delivery.Key()] = true
	}
	require.Equal(t, map[string]bool{"kafka:e1": true, "kafka:e2": true, "redis:e1": true, "redis:e2": true}, seen)
}

func TestDispatcher_FailedDeliveryIsRetriedWithBackoff(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	sink := mocks.NewMockNotificationSink(ctrl)
	sink.EXPECT().Name().Return("kafka").AnyTimes()

	d, retries, clock := newTestDispatcher(t, 10, sink)

	gomock.InOrder(
		sink.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(errors.New("broker unavailable")),
		sink.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(errors.New("broker unavailable")),
		sink.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(nil),
	)

	delivery := &domain.Delivery{Event: testEvent("e1"), Sink: "kafka", NextAttempt: clock.Now()}
	require.Error(t, d.Deliver(ctx, delivery))
	require.Equal(t, 1, delivery.Attempt)
	require.Equal(t, testStart.Add(time.Second), delivery.NextAttempt)
	require.Equal(t, "broker unavailable", delivery.LastError)

	n, err := retries.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Not due yet.
	require.Zero(t, d.SweepNow(ctx))

	clock.Add(time.Second)
	require.Equal(t, 1, d.SweepNow(ctx))
	retry := <-d.queue
	require.Error(t, d.Deliver(ctx, retry))
	require.Equal(t, 2, retry.Attempt)
	require.Equal(t, clock.Now().Add(2*time.Second), retry.NextAttempt)

	clock.Add(2 * time.Second)
	require.Equal(t, 1, d.SweepNow(ctx))
	retry = <-d.queue
	require.NoError(t, d.Deliver(ctx, retry))

	n, err = retries.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDispatcher_BackoffIsCapped(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sink := mocks.NewMockNotificationSink(ctrl)
	sink.EXPECT().Name().Return("kafka").AnyTimes()
	sink.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(errors.New("down")).Times(6)

	d, _, clock := newTestDispatcher(t, 10, sink)
	delivery := &domain.Delivery{Event: testEvent("e1"), Sink: "kafka"}
	for i := 0; i < 6; i++ {
		_ = d.Deliver(context.Background(), delivery)
	}
	require.Equal(t, 6, delivery.Attempt)
	require.Equal(t, clock.Now().Add(4*time.Second), delivery.NextAttempt)
}

func TestDispatcher_FullQueueDefersToRetryQueue(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	sink := mocks.NewMockNotificationSink(ctrl)
	sink.EXPECT().Name().Return("redis").AnyTimes()

	d, retries, _ := newTestDispatcher(t, 1, sink)
	d.Enqueue(ctx, testEvent("e1"), testEvent("e2"), testEvent("e3"))

	require.Len(t, d.queue, 1)
	n, err := retries.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// No room while the queue is full.
	require.Zero(t, d.SweepNow(ctx))

	// The overflow is due at once; the queued delivery is still under its lease.
	<-d.queue
	require.Equal(t, 1, d.SweepNow(ctx))
	require.Equal(t, "e2", (<-d.queue).Event.ID)
	require.Equal(t, 1, d.SweepNow(ctx))
	require.Equal(t, "e3", (<-d.queue).Event.ID)
	require.Zero(t, d.SweepNow(ctx))
}

func TestDispatcher_QueuedDeliverySurvivesLostWorker(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	sink := mocks.NewMockNotificationSink(ctrl)
	sink.EXPECT().Name().Return("kafka").AnyTimes()
	sink.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(nil)

	d, retries, clock := newTestDispatcher(t, 10, sink)
	d.Enqueue(ctx, testEvent("e1"))

	// Stored before any worker touched it.
	n, err := retries.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The worker holding it dies without acknowledging.
	<-d.queue
	require.Zero(t, d.SweepNow(ctx))

	clock.Add(d.cfg.Lease)
	require.Equal(t, 1, d.SweepNow(ctx))
	redelivered := <-d.queue
	require.Equal(t, "e1", redelivered.Event.ID)
	require.NoError(t, d.Deliver(ctx, redelivered))

	n, err = retries.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

// flakyRetryQueue refuses Schedule while down is set.
type flakyRetryQueue struct {
	*memory.RetryQueue
	mu   sync.Mutex
	down bool
}

func (q *flakyRetryQueue) setDown(down bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.down = down
}

func (q *flakyRetryQueue) Schedule(ctx context.Context, delivery *domain.Delivery) error {
	q.mu.Lock()
	down := q.down
	q.mu.Unlock()
	if down {
		return errors.New("connection refused")
	}
	return q.RetryQueue.Schedule(ctx, delivery)
}

func TestDispatcher_HoldsDeliveriesWhileRetryQueueIsDown(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	sink := mocks.NewMockNotificationSink(ctrl)
	sink.EXPECT().Name().Return("kafka").AnyTimes()
	sink.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(errors.New("broker unavailable"))

	retries := &flakyRetryQueue{RetryQueue: memory.NewRetryQueue(), down: true}
	clock := newFakeClock(testStart)
	d := NewDispatcher([]domain.NotificationSink{sink}, retries, DispatcherConfig{
		QueueSize:       1,
		DeliveryTimeout: time.Second,
		BackoffBase:     time.Second,
		BackoffMax:      4 * time.Second,
		SweepInterval:   time.Hour,
	}, logger.NewNop())
	d.SetClock(clock.Now)

	d.Enqueue(ctx, testEvent("e1"), testEvent("e2"))
	require.Equal(t, 1, d.heldLen())

	require.Error(t, d.Deliver(ctx, <-d.queue))
	require.Equal(t, 2, d.heldLen())

	// Still down: nothing is lost and nothing is claimed.
	require.Zero(t, d.SweepNow(ctx))
	require.Equal(t, 2, d.heldLen())

	retries.setDown(false)
	require.Equal(t, 1, d.SweepNow(ctx))
	require.Zero(t, d.heldLen())
	require.Equal(t, "e2", (<-d.queue).Event.ID)

	n, err := retries.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestDispatcher_UnknownSinkIsDropped(t *testing.T) {
	t.Parallel()

	d, retries, _ := newTestDispatcher(t, 1)
	require.NoError(t, d.Deliver(context.Background(), &domain.Delivery{Event: testEvent("e1"), Sink: "gone"}))
	n, err := retries.Len(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDispatcher_WorkersDeliver(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sink := mocks.NewMockNotificationSink(ctrl)
	sink.EXPECT().Name().Return("websocket").AnyTimes()

	delivered := make(chan *domain.AuctionEvent, 1)
	sink.EXPECT().Deliver(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, event *domain.AuctionEvent) error {
			delivered <- event
			return nil
		})

	d, _, _ := newTestDispatcher(t, 10, sink)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	d.Enqueue(context.Background(), testEvent("e1"))
	select {
	case event := <-delivered:
		require.Equal(t, "e1", event.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestDispatcher_StopPersistsQueuedDeliveries(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	sink := mocks.NewMockNotificationSink(ctrl)
	sink.EXPECT().Name().Return("kafka").AnyTimes()

	d, retries, _ := newTestDispatcher(t, 10, sink)
	d.Enqueue(ctx, testEvent("e1"), testEvent("e2"))
	d.Stop()
	d.Stop()

	n, err := retries.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
