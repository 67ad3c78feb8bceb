package replica

import (
	"context"

	"github.com/mmynk/ledgersync/internal/members"
	"github.com/mmynk/ledgersync/internal/models"
)

// Entry, member and settlement writes on an open group. Each write is
// committed and pushed before returning.

func (r *Replica) CreateEntry(ctx context.Context, groupID string, entry *models.Entry) error {
	g, err := r.group(groupID)
	if err != nil {
		return err
	}
	key, version, err := r.keys.Current(ctx, groupID)
	if err != nil {
		return err
	}
	entry.GroupID = groupID
	entry.KeyVersion = version
	if err := g.Entries.CreateEntry(ctx, entry, key, r.cfg.ActorID); err != nil {
		return err
	}
	return r.Commit(ctx, groupID)
}

func (r *Replica) ModifyEntry(ctx context.Context, groupID, originalID string, updated *models.Entry) error {
	g, err := r.group(groupID)
	if err != nil {
		return err
	}
	key, version, err := r.keys.Current(ctx, groupID)
	if err != nil {
		return err
	}
	updated.KeyVersion = version
	if err := g.Entries.ModifyEntry(ctx, originalID, updated, key, r.cfg.ActorID); err != nil {
		return err
	}
	return r.Commit(ctx, groupID)
}

func (r *Replica) DeleteEntry(ctx context.Context, groupID, entryID, reason string) (string, error) {
	g, err := r.group(groupID)
	if err != nil {
		return "", err
	}
	key, version, err := r.keys.Current(ctx, groupID)
	if err != nil {
		return "", err
	}
	newID, err := g.Entries.DeleteEntry(ctx, entryID, r.cfg.ActorID, key, version, reason)
	if err != nil {
		return "", err
	}
	return newID, r.Commit(ctx, groupID)
}

func (r *Replica) UndeleteEntry(ctx context.Context, groupID, entryID string) (string, error) {
	g, err := r.group(groupID)
	if err != nil {
		return "", err
	}
	key, version, err := r.keys.Current(ctx, groupID)
	if err != nil {
		return "", err
	}
	newID, err := g.Entries.UndeleteEntry(ctx, entryID, r.cfg.ActorID, key, version)
	if err != nil {
		return "", err
	}
	return newID, r.Commit(ctx, groupID)
}

// ActiveEntries lists the group's current, non-deleted entries.
func (r *Replica) ActiveEntries(ctx context.Context, groupID string) ([]*models.Entry, error) {
	g, err := r.group(groupID)
	if err != nil {
		return nil, err
	}
	key, _, err := r.keys.Current(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return g.Entries.GetActiveEntries(ctx, groupID, key)
}

// EntryHistory lists every version of an entry, newest first.
func (r *Replica) EntryHistory(ctx context.Context, groupID, entryID string) ([]*models.Entry, error) {
	g, err := r.group(groupID)
	if err != nil {
		return nil, err
	}
	key, _, err := r.keys.Current(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return g.Entries.GetEntryHistory(ctx, entryID, key)
}

// memberOp runs a guarded member operation and commits when it appended.
func (r *Replica) memberOp(ctx context.Context, groupID string, op func(*members.Log) (*models.MemberEvent, *members.ValidationError, error)) (*models.MemberEvent, *members.ValidationError, error) {
	g, err := r.group(groupID)
	if err != nil {
		return nil, nil, err
	}
	ev, verr, err := op(g.Members)
	if err != nil || verr != nil {
		return ev, verr, err
	}
	return ev, nil, r.Commit(ctx, groupID)
}

func (r *Replica) AddMember(ctx context.Context, groupID, memberID, name string, isVirtual bool) (*models.MemberEvent, *members.ValidationError, error) {
	return r.memberOp(ctx, groupID, func(l *members.Log) (*models.MemberEvent, *members.ValidationError, error) {
		return l.Create(ctx, memberID, name, isVirtual, "", r.cfg.ActorID)
	})
}

func (r *Replica) RenameMember(ctx context.Context, groupID, memberID, newName string) (*models.MemberEvent, *members.ValidationError, error) {
	return r.memberOp(ctx, groupID, func(l *members.Log) (*models.MemberEvent, *members.ValidationError, error) {
		return l.Rename(ctx, memberID, newName, r.cfg.ActorID)
	})
}

func (r *Replica) RetireMember(ctx context.Context, groupID, memberID string) (*models.MemberEvent, *members.ValidationError, error) {
	return r.memberOp(ctx, groupID, func(l *members.Log) (*models.MemberEvent, *members.ValidationError, error) {
		return l.Retire(ctx, memberID, r.cfg.ActorID)
	})
}

func (r *Replica) UnretireMember(ctx context.Context, groupID, memberID string) (*models.MemberEvent, *members.ValidationError, error) {
	return r.memberOp(ctx, groupID, func(l *members.Log) (*models.MemberEvent, *members.ValidationError, error) {
		return l.Unretire(ctx, memberID, r.cfg.ActorID)
	})
}

func (r *Replica) ReplaceMember(ctx context.Context, groupID, memberID, replacedByID string) (*models.MemberEvent, *members.ValidationError, error) {
	return r.memberOp(ctx, groupID, func(l *members.Log) (*models.MemberEvent, *members.ValidationError, error) {
		return l.Replace(ctx, memberID, replacedByID, r.cfg.ActorID)
	})
}

func (r *Replica) UpdateMemberMetadata(ctx context.Context, groupID, memberID string, metadata *models.MemberMetadata) (*models.MemberEvent, *members.ValidationError, error) {
	key, version, err := r.keys.Current(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	return r.memberOp(ctx, groupID, func(l *members.Log) (*models.MemberEvent, *members.ValidationError, error) {
		return l.UpdateMetadata(ctx, memberID, metadata, key, version, r.cfg.ActorID)
	})
}

// SetSettlementPreference overwrites a member's preferred recipients; an
// empty list clears them.
func (r *Replica) SetSettlementPreference(ctx context.Context, groupID, userID string, recipients []string) error {
	g, err := r.group(groupID)
	if err != nil {
		return err
	}
	if err := g.Preferences.Set(ctx, userID, recipients); err != nil {
		return err
	}
	return r.Commit(ctx, groupID)
}
