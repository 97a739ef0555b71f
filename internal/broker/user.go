package broker

import (
	"context"
	"log"
	"time"

	"github.com/khanyo/imbizo/internal/clock"
	"github.com/khanyo/imbizo/internal/model"
	"github.com/khanyo/imbizo/internal/store"
)

// UserBroker covers registration with its welcome message, and the safety
// alert path.
type UserBroker struct {
	store  *store.Store
	clk    clock.Clock
	logger *log.Logger
}

func NewUserBroker(st *store.Store, clk clock.Clock, logger *log.Logger) *UserBroker {
	return &UserBroker{store: st, clk: clk, logger: logger}
}

// Register stores the new user and queues their welcome notification off the
// registration log.
func (b *UserBroker) Register(ctx context.Context, displayName, phone string,
	preference model.DeliveryRoute) (*model.User, error) {

	now := b.clk.Now()
	if preference == "" {
		preference = model.RouteSMS
	}
	user := &model.User{
		UID:         model.NewID(model.IDTypeUser),
		DisplayName: displayName,
		Phone:       phone,
		Preference:  preference,
		CreatedAt:   now,
	}
	if err := b.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	registeredLog, err := model.NewUserLog(now, "", user.UID, model.SubtypeUserCreated, displayName)
	if err != nil {
		return nil, err
	}
	welcome, err := model.NewNotification(now, model.KindWelcome, user.UID, preference,
		welcomeMessage(displayName), registeredLog, now)
	if err != nil {
		return nil, err
	}

	bundle := model.NewBundle()
	bundle.AddLog(registeredLog)
	bundle.AddNotification(welcome)
	if err := b.store.StoreBundle(ctx, bundle); err != nil {
		return nil, err
	}

	b.logger.Printf("%s INFO user_broker: registered uid=%s route=%s",
		now.Format(time.RFC3339), user.UID, preference)
	return user, nil
}

// ActivateSafety raises a safety alert for the group: one safety log and an
// urgent broadcast to every member. Safety notifications jump the queue via
// elevated priority.
func (b *UserBroker) ActivateSafety(ctx context.Context, groupUID, actorUID, description string) error {
	now := b.clk.Now()

	group, err := b.store.GetGroup(ctx, groupUID)
	if err != nil {
		return err
	}

	safetyLog, err := model.NewSafetyLog(now, actorUID, groupUID, model.SubtypeSafetyActivated, description)
	if err != nil {
		return err
	}

	bundle := model.NewBundle()
	bundle.AddLog(safetyLog)

	members, err := b.store.GroupMembers(ctx, groupUID)
	if err != nil {
		return err
	}
	msg := safetyMessage(group.Name, description)
	for _, m := range members {
		if m.UID == actorUID {
			continue
		}
		n, err := model.NewNotification(now, model.KindBroadcast, m.UID, m.Preference, msg, safetyLog, now)
		if err != nil {
			return err
		}
		n.Priority = model.DefaultPriority + 1
		bundle.AddNotification(n)
	}
	if err := b.store.StoreBundle(ctx, bundle); err != nil {
		return err
	}

	b.logger.Printf("%s WARN user_broker: safety_activated group=%s by=%s notified=%d",
		now.Format(time.RFC3339), groupUID, actorUID, len(bundle.Notifications))
	return nil
}

// ResolveSafety closes a safety alert with a resolution log.
func (b *UserBroker) ResolveSafety(ctx context.Context, groupUID, actorUID, description string) error {
	now := b.clk.Now()

	resolvedLog, err := model.NewSafetyLog(now, actorUID, groupUID, model.SubtypeSafetyResolved, description)
	if err != nil {
		return err
	}
	bundle := model.NewBundle()
	bundle.AddLog(resolvedLog)
	return b.store.StoreBundle(ctx, bundle)
}
