package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/internal/metrics"
	"auction-engine/pkg/logger"
	"auction-engine/pkg/utils"

	"github.com/robfig/cron/v3"
)

type DispatcherConfig struct {
	Workers         int
	QueueSize       int
	DeliveryTimeout time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	SweepInterval   time.Duration
	// Lease is how long a delivery handed to a worker stays hidden in the retry queue. A
	// delivery whose worker dies becomes due again once its lease runs out.
	Lease time.Duration
}

// Dispatcher fans auction events out to notification sinks off the bidding path. Every event
// becomes one delivery per sink, written to the durable retry queue before a worker sees it and
// removed only once a sink has accepted it. Failed deliveries are attempted again with capped
// exponential backoff until they succeed.
type Dispatcher struct {
	sinks   map[string]domain.NotificationSink
	queue   chan *domain.Delivery
	retries domain.RetryQueue
	cfg     DispatcherConfig
	cron    *cron.Cron
	now     func() time.Time
	log     logger.Logger

	// held keeps deliveries the retry queue refused until a sweep can store them.
	heldMu sync.Mutex
	held   []*domain.Delivery

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

func NewDispatcher(sinks []domain.NotificationSink, retries domain.RetryQueue, cfg DispatcherConfig, log logger.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 2 * time.Second
	}
	if cfg.Lease <= cfg.DeliveryTimeout {
		cfg.Lease = 6 * cfg.DeliveryTimeout
	}

	byName := make(map[string]domain.NotificationSink, len(sinks))
	for _, sink := range sinks {
		byName[sink.Name()] = sink
	}

	return &Dispatcher{
		sinks:   byName,
		queue:   make(chan *domain.Delivery, cfg.QueueSize),
		retries: retries,
		cfg:     cfg,
		cron:    newCron(log),
		now:     time.Now,
		log:     log,
		stop:    make(chan struct{}),
	}
}

func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Enqueue does not wait for the workers. Each delivery is stored under a lease before it is
// handed to them, so a crash between here and the sink loses nothing.
func (d *Dispatcher) Enqueue(ctx context.Context, events ...domain.AuctionEvent) {
	now := d.now()
	for _, event := range events {
		for name := range d.sinks {
			delivery := &domain.Delivery{
				Event:       event,
				Sink:        name,
				NextAttempt: now.Add(d.cfg.Lease),
			}
			stored := d.persist(ctx, delivery)

			select {
			case d.queue <- delivery:
				continue
			default:
			}

			d.log.Warn("Notification queue full, deferring delivery", "event_id", event.ID, "sink", name)
			deferred := *delivery
			deferred.NextAttempt = now
			if stored {
				// Make it due for the next sweep instead of waiting out the lease.
				_ = d.retries.Schedule(ctx, &deferred)
				continue
			}
			d.hold(&deferred)
		}
	}
}

// Start launches the workers and the retry sweep.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.log.Info("Starting notification dispatcher", "workers", d.cfg.Workers, "sinks", len(d.sinks))

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	_, err := d.cron.AddFunc(fmt.Sprintf("@every %s", d.cfg.SweepInterval), func() {
		d.SweepNow(ctx)
	})
	if err != nil {
		return err
	}
	d.cron.Start()
	return nil
}

// Stop halts the workers. Deliveries still queued in memory are made due at once in the retry
// queue so the next process does not wait out their leases.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		d.log.Info("Stopping notification dispatcher")
		<-d.cron.Stop().Done()
		close(d.stop)
		d.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.flushHeld(ctx)
		for {
			select {
			case delivery := <-d.queue:
				delivery.NextAttempt = d.now()
				d.persist(ctx, delivery)
			default:
				if lost := d.heldLen(); lost > 0 {
					d.log.Error("Notification deliveries lost on shutdown", "count", lost)
				}
				return
			}
		}
	})
}

// SweepNow stores any held deliveries, then claims due deliveries from the retry queue for the
// workers and returns how many were handed over.
func (d *Dispatcher) SweepNow(ctx context.Context) int {
	d.flushHeld(ctx)

	room := cap(d.queue) - len(d.queue)
	if room <= 0 {
		return 0
	}

	now := d.now()
	due, err := d.retries.Claim(ctx, now, now.Add(d.cfg.Lease), room)
	if err != nil {
		d.log.Error("Failed to claim from retry queue", "error", err)
		return 0
	}

	for i, delivery := range due {
		select {
		case d.queue <- delivery:
		default:
			// The rest stay stored and come back when their lease runs out.
			return i
		}
	}
	return len(due)
}

// Deliver makes one attempt and reschedules the delivery on failure.
func (d *Dispatcher) Deliver(ctx context.Context, delivery *domain.Delivery) error {
	sink, ok := d.sinks[delivery.Sink]
	if !ok {
		d.log.Warn("Dropping delivery for unknown sink", "sink", delivery.Sink, "event_id", delivery.Event.ID)
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	err := sink.Deliver(callCtx, &delivery.Event)
	cancel()

	delivery.Attempt++
	if err == nil {
		metrics.NotificationsTotal.WithLabelValues(delivery.Sink, "delivered").Inc()
		if err := d.retries.Remove(ctx, delivery.Key()); err != nil {
			d.log.Warn("Failed to acknowledge notification, it will be delivered again", "sink", delivery.Sink,
				"event_id", delivery.Event.ID, "error", err)
		}
		return nil
	}

	metrics.NotificationsTotal.WithLabelValues(delivery.Sink, "failed").Inc()
	delivery.LastError = err.Error()
	delivery.NextAttempt = d.now().Add(utils.Backoff(delivery.Attempt, d.cfg.BackoffBase, d.cfg.BackoffMax))
	d.log.Warn("Notification delivery failed", "sink", delivery.Sink, "event_id", delivery.Event.ID,
		"type", delivery.Event.Type, "attempt", delivery.Attempt, "next_attempt", delivery.NextAttempt, "error", err)
	if !d.persist(ctx, delivery) {
		d.hold(delivery)
	}
	return err
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case delivery := <-d.queue:
			_ = d.Deliver(ctx, delivery)
		}
	}
}

func (d *Dispatcher) persist(ctx context.Context, delivery *domain.Delivery) bool {
	if err := d.retries.Schedule(ctx, delivery); err != nil {
		d.log.Error("Failed to persist notification delivery", "sink", delivery.Sink,
			"event_id", delivery.Event.ID, "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) hold(delivery *domain.Delivery) {
	d.heldMu.Lock()
	defer d.heldMu.Unlock()
	d.held = append(d.held, delivery)
}

func (d *Dispatcher) heldLen() int {
	d.heldMu.Lock()
	defer d.heldMu.Unlock()
	return len(d.held)
}

// flushHeld moves held deliveries into the retry queue, keeping the ones it still refuses.
func (d *Dispatcher) flushHeld(ctx context.Context) {
	d.heldMu.Lock()
	pending := d.held
	d.held = nil
	d.heldMu.Unlock()

	var kept []*domain.Delivery
	for _, delivery := range pending {
		if err := d.retries.Schedule(ctx, delivery); err != nil {
			kept = append(kept, delivery)
		}
	}
	if len(kept) == 0 {
		return
	}
	d.log.Warn("Retry queue still unavailable, holding deliveries", "count", len(kept))
	d.heldMu.Lock()
	d.held = append(kept, d.held...)
	d.heldMu.Unlock()
}
