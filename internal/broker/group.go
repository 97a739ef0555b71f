package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/khanyo/imbizo/internal/clock"
	"github.com/khanyo/imbizo/internal/model"
	"github.com/khanyo/imbizo/internal/store"
)

// GroupBroker covers the hierarchy mutations the dispatch core cares about:
// group creation and membership changes, each leaving a group log.
type GroupBroker struct {
	store  *store.Store
	clk    clock.Clock
	logger *log.Logger
}

func NewGroupBroker(st *store.Store, clk clock.Clock, logger *log.Logger) *GroupBroker {
	return &GroupBroker{store: st, clk: clk, logger: logger}
}

// CreateGroup stores a new group. A non-empty parentUID makes it a subgroup
// and additionally logs the link on the parent.
func (b *GroupBroker) CreateGroup(ctx context.Context, actorUID, name, parentUID string,
	reminderMinutes int) (*model.Group, error) {

	now := b.clk.Now()
	if name == "" {
		return nil, fmt.Errorf("%w: group requires a name", model.ErrInvalidArgument)
	}
	if parentUID != "" {
		if _, err := b.store.GetGroup(ctx, parentUID); err != nil {
			return nil, err
		}
	}

	group := &model.Group{
		UID:             model.NewID(model.IDTypeGroup),
		Name:            name,
		ParentUID:       parentUID,
		ReminderMinutes: reminderMinutes,
		CreatedAt:       now,
	}
	if err := b.store.CreateGroup(ctx, group); err != nil {
		return nil, err
	}

	bundle := model.NewBundle()
	createdLog, err := model.NewGroupLog(now, actorUID, group.UID, "", model.SubtypeCreated, name)
	if err != nil {
		return nil, err
	}
	bundle.AddLog(createdLog)

	if parentUID != "" {
		linkLog, err := model.NewGroupLog(now, actorUID, parentUID, group.UID,
			model.SubtypeSubgroupAdded, name)
		if err != nil {
			return nil, err
		}
		bundle.AddLog(linkLog)
	}
	if err := b.store.StoreBundle(ctx, bundle); err != nil {
		return nil, err
	}

	b.logger.Printf("%s INFO group_broker: created uid=%s parent=%s",
		now.Format(time.RFC3339), group.UID, parentUID)
	return group, nil
}

// AddMember joins a user to a group, logs the membership, and tells the new
// member where they landed.
func (b *GroupBroker) AddMember(ctx context.Context, groupUID, userUID, actorUID, role string) error {
	now := b.clk.Now()

	group, err := b.store.GetGroup(ctx, groupUID)
	if err != nil {
		return err
	}
	user, err := b.store.GetUser(ctx, userUID)
	if err != nil {
		return err
	}
	if role == "" {
		role = "member"
	}
	if err := b.store.AddMember(ctx, groupUID, userUID, role, now); err != nil {
		return err
	}

	memberLog, err := model.NewGroupLog(now, actorUID, groupUID, userUID,
		model.SubtypeMemberAdded, role)
	if err != nil {
		return err
	}
	n, err := model.NewNotification(now, model.KindTaskInfo, userUID, user.Preference,
		fmt.Sprintf("You were added to %s", group.Name), memberLog, now)
	if err != nil {
		return err
	}

	bundle := model.NewBundle()
	bundle.AddLog(memberLog)
	bundle.AddNotification(n)
	return b.store.StoreBundle(ctx, bundle)
}
