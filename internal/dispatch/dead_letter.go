package dispatch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/khanyo/imbizo/internal/clock"
	"github.com/khanyo/imbizo/internal/events"
	"github.com/khanyo/imbizo/internal/model"
	"github.com/khanyo/imbizo/internal/yamlio"
)

// DeadLetterStore is the slice of the store the sweeper needs.
type DeadLetterStore interface {
	ListExhausted(ctx context.Context, maxAttempts int) ([]*model.Notification, error)
	DeadLetterNotification(ctx context.Context, uid string, now time.Time, reason string) error
}

// DeadLetterSweeper retires notifications that have used up their retry
// budget. Retired rows stay in the store for audit; a YAML archive of each is
// also written so operators can inspect and replay without touching the
// database.
type DeadLetterSweeper struct {
	store      DeadLetterStore
	archiveDir string
	cfg        model.DeliveryConfig
	clk        clock.Clock
	logger     *log.Logger
	logLevel   LogLevel
	eventBus   *events.Bus
}

func NewDeadLetterSweeper(store DeadLetterStore, archiveDir string, cfg model.DeliveryConfig,
	clk clock.Clock, logger *log.Logger, logLevel LogLevel) *DeadLetterSweeper {

	return &DeadLetterSweeper{
		store:      store,
		archiveDir: archiveDir,
		cfg:        cfg,
		clk:        clk,
		logger:     logger,
		logLevel:   logLevel,
	}
}

// SetEventBus sets the event bus for publishing dead letter events.
func (s *DeadLetterSweeper) SetEventBus(bus *events.Bus) {
	s.eventBus = bus
}

// Sweep moves every exhausted notification to the dead letter state. Archive
// write failures are logged but do not keep a notification alive; the store
// row is the durable record.
func (s *DeadLetterSweeper) Sweep(ctx context.Context) (int, error) {
	if s.cfg.MaxAttempts <= 0 {
		return 0, nil
	}

	exhausted, err := s.store.ListExhausted(ctx, s.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("list exhausted notifications: %w", err)
	}

	now := s.clk.Now()
	swept := 0
	for _, n := range exhausted {
		reason := fmt.Sprintf("attempts (%d) >= max_attempts (%d)", n.AttemptCount, s.cfg.MaxAttempts)

		if err := s.store.DeadLetterNotification(ctx, n.UID, now, reason); err != nil {
			s.log(LogLevelError, "dead_letter uid=%s error=%v", n.UID, err)
			continue
		}
		n.DeadLetter(now, reason)

		if err := s.archive(n, now, reason); err != nil {
			s.log(LogLevelError, "archive_dead_letter uid=%s error=%v", n.UID, err)
		}

		s.log(LogLevelWarn, "dead_letter uid=%s target=%s attempts=%d reason=%s",
			n.UID, n.TargetUID, n.AttemptCount, reason)
		if s.eventBus != nil {
			s.eventBus.Publish(events.EventNotificationDeadLettered, map[string]interface{}{
				"notification_uid": n.UID,
				"target_uid":       n.TargetUID,
				"attempts":         n.AttemptCount,
				"reason":           reason,
			})
		}
		swept++
	}
	return swept, nil
}

// archive writes one retired notification to a timestamped YAML file. The uid
// is part of the filename to avoid same-second collisions.
func (s *DeadLetterSweeper) archive(n *model.Notification, now time.Time, reason string) error {
	if err := os.MkdirAll(s.archiveDir, 0755); err != nil {
		return fmt.Errorf("create dead_letters dir: %w", err)
	}

	type archiveEntry struct {
		SchemaVersion  int                 `yaml:"schema_version"`
		FileType       string              `yaml:"file_type"`
		Notification   *model.Notification `yaml:"notification"`
		DeadLetteredAt string              `yaml:"dead_lettered_at"`
		Reason         string              `yaml:"reason"`
	}

	archive := archiveEntry{
		SchemaVersion:  1,
		FileType:       "dead_letter",
		Notification:   n,
		DeadLetteredAt: now.UTC().Format(time.RFC3339),
		Reason:         reason,
	}

	filename := fmt.Sprintf("%s_%s.yaml", now.UTC().Format("20060102T150405Z"), n.UID)
	return yamlio.AtomicWrite(filepath.Join(s.archiveDir, filename), archive)
}

func (s *DeadLetterSweeper) log(level LogLevel, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s dead_letter: %s", time.Now().Format(time.RFC3339), level, msg)
}
