package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/khanyo/imbizo/internal/clock"
	"github.com/khanyo/imbizo/internal/events"
	"github.com/khanyo/imbizo/internal/model"
)

// NotificationStore is the slice of the store the dispatcher needs.
type NotificationStore interface {
	FindDue(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error)
	ClaimNotification(ctx context.Context, uid, owner string, now, until time.Time) (bool, error)
	MarkDelivered(ctx context.Context, uid string) error
	RecordFailure(ctx context.Context, uid string, attemptAt, next time.Time, se model.SendError) error
}

// Dispatcher drains due notifications: claim, send over the route's channel,
// then mark delivered or reschedule with backoff. Cycles are safe to run
// concurrently across processes because a conditional claim guards every send.
type Dispatcher struct {
	store    NotificationStore
	channels *Registry
	backoff  Backoff
	cfg      model.DeliveryConfig
	clk      clock.Clock
	owner    string
	logger   *log.Logger
	logLevel LogLevel
	eventBus *events.Bus
}

func NewDispatcher(store NotificationStore, channels *Registry, cfg model.DeliveryConfig,
	clk clock.Clock, owner string, logger *log.Logger, logLevel LogLevel) *Dispatcher {

	return &Dispatcher{
		store:    store,
		channels: channels,
		backoff:  NewBackoff(cfg),
		cfg:      cfg,
		clk:      clk,
		owner:    owner,
		logger:   logger,
		logLevel: logLevel,
	}
}

// SetEventBus sets the event bus for publishing delivery outcomes.
func (d *Dispatcher) SetEventBus(bus *events.Bus) {
	d.eventBus = bus
}

// CycleResult summarizes one dispatch cycle.
type CycleResult struct {
	Claimed   int
	Delivered int
	Failed    int
}

// Cycle runs one dispatch pass. Due notifications are fetched in priority
// order, claimed one by one, and sent with bounded concurrency. A lost claim
// means another worker got there first and is not an error.
func (d *Dispatcher) Cycle(ctx context.Context) (CycleResult, error) {
	now := d.clk.Now()

	due, err := d.store.FindDue(ctx, now, d.cfg.BatchLimit)
	if err != nil {
		return CycleResult{}, fmt.Errorf("find due notifications: %w", err)
	}
	if len(due) == 0 {
		return CycleResult{}, nil
	}

	leaseUntil := now.Add(time.Duration(d.cfg.ClaimLeaseSec) * time.Second)

	var claimed, delivered, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.SendConcurrency)

	for _, n := range due {
		n := n
		g.Go(func() error {
			won, err := d.store.ClaimNotification(gctx, n.UID, d.owner, now, leaseUntil)
			if err != nil {
				return fmt.Errorf("claim %s: %w", n.UID, err)
			}
			if !won {
				d.log(LogLevelDebug, "claim_lost uid=%s", n.UID)
				return nil
			}
			claimed.Add(1)

			if err := d.send(gctx, n, now); err != nil {
				failed.Add(1)
			} else {
				delivered.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return CycleResult{}, err
	}

	result := CycleResult{
		Claimed:   int(claimed.Load()),
		Delivered: int(delivered.Load()),
		Failed:    int(failed.Load()),
	}
	if result.Claimed > 0 {
		d.log(LogLevelInfo, "cycle_done claimed=%d delivered=%d failed=%d",
			result.Claimed, result.Delivered, result.Failed)
	}
	return result, nil
}

// send performs one delivery attempt and persists the outcome. The returned
// error reports the attempt's failure; persistence errors are logged and the
// attempt is still counted as failed so the claim lease expiry recovers it.
func (d *Dispatcher) send(ctx context.Context, n *model.Notification, now time.Time) error {
	ch, err := d.channels.Resolve(n.Route)
	if err == nil {
		err = ch.Send(ctx, n)
	}

	if err == nil {
		if markErr := d.store.MarkDelivered(ctx, n.UID); markErr != nil {
			d.log(LogLevelError, "mark_delivered uid=%s error=%v", n.UID, markErr)
			return markErr
		}
		d.log(LogLevelInfo, "delivered uid=%s route=%s target=%s attempt=%d",
			n.UID, n.Route, n.TargetUID, n.AttemptCount+1)
		d.publish(events.EventNotificationDelivered, n, nil)
		return nil
	}

	attempts := n.AttemptCount + 1
	next := d.backoff.NextAttemptAt(now, attempts)
	se := model.SendError{
		NotificationUID: n.UID,
		ErrorTime:       now,
		ErrorMessage:    err.Error(),
		StatusBefore:    string(n.State()),
		StatusAfter:     string(model.StateRetrying),
	}
	if recErr := d.store.RecordFailure(ctx, n.UID, now, next, se); recErr != nil {
		d.log(LogLevelError, "record_failure uid=%s error=%v", n.UID, recErr)
	}
	d.log(LogLevelWarn, "send_failed uid=%s route=%s attempt=%d next=%s error=%v",
		n.UID, n.Route, attempts, next.Format(time.RFC3339), err)
	d.publish(events.EventNotificationFailed, n, map[string]interface{}{
		"error":    err.Error(),
		"attempts": attempts,
	})
	return err
}

func (d *Dispatcher) publish(eventType events.EventType, n *model.Notification, extra map[string]interface{}) {
	if d.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"notification_uid": n.UID,
		"target_uid":       n.TargetUID,
		"route":            string(n.Route),
	}
	for k, v := range extra {
		data[k] = v
	}
	d.eventBus.Publish(eventType, data)
}

func (d *Dispatcher) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s dispatcher: %s", time.Now().Format(time.RFC3339), level, msg)
}
