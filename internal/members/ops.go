package members

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmynk/ledgersync/internal/cryptobox"
	"github.com/mmynk/ledgersync/internal/models"
)

// ValidationCode identifies which precondition a guarded operation failed.
type ValidationCode string

const (
	CodeMissingField    ValidationCode = "missing_field"
	CodeMemberExists    ValidationCode = "member_exists"
	CodeMemberNotFound  ValidationCode = "member_not_found"
	CodeSameName        ValidationCode = "same_name"
	CodeAlreadyRetired  ValidationCode = "already_retired"
	CodeNotRetired      ValidationCode = "not_retired"
	CodeAlreadyReplaced ValidationCode = "already_replaced"
	CodeSelfReplace     ValidationCode = "self_replace"
	CodeTargetNotFound  ValidationCode = "target_not_found"
	CodeReplaceCycle    ValidationCode = "replace_cycle"
)

// ValidationError is a business-rule violation. Guarded operations return
// it alongside a nil event instead of failing with an error.
type ValidationError struct {
	Code     ValidationCode
	MemberID string
	Message  string
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

func invalid(code ValidationCode, memberID, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, MemberID: memberID, Message: fmt.Sprintf(format, args...)}
}

// commit appends event and converts the outcome to the guarded-operation shape.
func (l *Log) commit(ctx context.Context, event *models.MemberEvent) (*models.MemberEvent, *ValidationError, error) {
	if err := l.AddEvent(ctx, event); err != nil {
		return nil, nil, fmt.Errorf("failed to append %s event: %w", event.Type, err)
	}
	return event, nil, nil
}

// Create adds a new member.
func (l *Log) Create(ctx context.Context, memberID, name string, isVirtual bool, publicKey, actorID string) (*models.MemberEvent, *ValidationError, error) {
	name = strings.TrimSpace(name)
	if memberID == "" {
		return nil, invalid(CodeMissingField, memberID, "member id is required"), nil
	}
	if name == "" {
		return nil, invalid(CodeMissingField, memberID, "name is required"), nil
	}
	if l.IsMemberKnown(memberID) {
		return nil, invalid(CodeMemberExists, memberID, "member %s already exists", memberID), nil
	}

	return l.commit(ctx, &models.MemberEvent{
		MemberID:  memberID,
		Type:      models.MemberCreated,
		ActorID:   actorID,
		Name:      name,
		IsVirtual: isVirtual,
		PublicKey: publicKey,
	})
}

// Rename changes a member's display name.
func (l *Log) Rename(ctx context.Context, memberID, newName, actorID string) (*models.MemberEvent, *ValidationError, error) {
	newName = strings.TrimSpace(newName)
	state := l.ComputeState(memberID)
	if state == nil {
		return nil, invalid(CodeMemberNotFound, memberID, "member %s not found", memberID), nil
	}
	if newName == "" {
		return nil, invalid(CodeMissingField, memberID, "name is required"), nil
	}
	if newName == state.Name {
		return nil, invalid(CodeSameName, memberID, "member is already named %q", newName), nil
	}

	return l.commit(ctx, &models.MemberEvent{
		MemberID:     memberID,
		Type:         models.MemberRenamed,
		ActorID:      actorID,
		PreviousName: state.Name,
		NewName:      newName,
	})
}

// Retire marks a member as no longer participating. Retiring a retired
// member is rejected and appends nothing.
func (l *Log) Retire(ctx context.Context, memberID, actorID string) (*models.MemberEvent, *ValidationError, error) {
	state := l.ComputeState(memberID)
	if state == nil {
		return nil, invalid(CodeMemberNotFound, memberID, "member %s not found", memberID), nil
	}
	if state.IsRetired {
		return nil, invalid(CodeAlreadyRetired, memberID, "member %s is already retired", memberID), nil
	}

	return l.commit(ctx, &models.MemberEvent{
		MemberID: memberID,
		Type:     models.MemberRetired,
		ActorID:  actorID,
	})
}

// Unretire reverses Retire. Replaced members stay retired.
func (l *Log) Unretire(ctx context.Context, memberID, actorID string) (*models.MemberEvent, *ValidationError, error) {
	state := l.ComputeState(memberID)
	if state == nil {
		return nil, invalid(CodeMemberNotFound, memberID, "member %s not found", memberID), nil
	}
	if !state.IsRetired {
		return nil, invalid(CodeNotRetired, memberID, "member %s is not retired", memberID), nil
	}
	if state.IsReplaced() {
		return nil, invalid(CodeAlreadyReplaced, memberID, "member %s was replaced by %s", memberID, state.ReplacedByID), nil
	}

	return l.commit(ctx, &models.MemberEvent{
		MemberID: memberID,
		Type:     models.MemberUnretired,
		ActorID:  actorID,
	})
}

// Replace aliases memberID to replacedByID. Replacements that would close
// a cycle through the current alias graph are rejected.
func (l *Log) Replace(ctx context.Context, memberID, replacedByID, actorID string) (*models.MemberEvent, *ValidationError, error) {
	if memberID == replacedByID {
		return nil, invalid(CodeSelfReplace, memberID, "member cannot replace itself"), nil
	}
	state := l.ComputeState(memberID)
	if state == nil {
		return nil, invalid(CodeMemberNotFound, memberID, "member %s not found", memberID), nil
	}
	if state.IsReplaced() {
		return nil, invalid(CodeAlreadyReplaced, memberID, "member %s was already replaced by %s", memberID, state.ReplacedByID), nil
	}
	if l.ComputeState(replacedByID) == nil {
		return nil, invalid(CodeTargetNotFound, memberID, "replacement %s not found", replacedByID), nil
	}
	if l.ResolveCanonicalID(replacedByID) == memberID {
		return nil, invalid(CodeReplaceCycle, memberID, "%s already resolves to %s", replacedByID, memberID), nil
	}

	return l.commit(ctx, &models.MemberEvent{
		MemberID:     memberID,
		Type:         models.MemberReplaced,
		ActorID:      actorID,
		ReplacedByID: replacedByID,
	})
}

// UpdateMetadata replaces a member's payment and contact details. The
// details are sealed with key, which must be the group key of keyVersion.
func (l *Log) UpdateMetadata(ctx context.Context, memberID string, metadata *models.MemberMetadata, key cryptobox.Key, keyVersion int, actorID string) (*models.MemberEvent, *ValidationError, error) {
	if metadata == nil {
		return nil, invalid(CodeMissingField, memberID, "metadata is required"), nil
	}
	if l.ComputeState(memberID) == nil {
		return nil, invalid(CodeMemberNotFound, memberID, "member %s not found", memberID), nil
	}
	if key.IsZero() {
		return nil, nil, fmt.Errorf("no group key to seal metadata of %s", memberID)
	}

	sealed, err := cryptobox.EncryptJSON(metadata, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to seal member metadata: %w", err)
	}
	event := &models.MemberEvent{
		MemberID:   memberID,
		Type:       models.MemberMetadataUpdated,
		ActorID:    actorID,
		KeyVersion: keyVersion,
	}
	if err := l.appendEvent(ctx, event, &sealed); err != nil {
		return nil, nil, fmt.Errorf("failed to append %s event: %w", event.Type, err)
	}
	event.Metadata = metadata
	return event, nil, nil
}
