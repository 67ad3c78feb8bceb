package models

import "time"

// MemberEventType tags the variant of a MemberEvent.
type MemberEventType string

const (
	MemberCreated         MemberEventType = "member_created"
	MemberRenamed         MemberEventType = "member_renamed"
	MemberRetired         MemberEventType = "member_retired"
	MemberUnretired       MemberEventType = "member_unretired"
	MemberReplaced        MemberEventType = "member_replaced"
	MemberMetadataUpdated MemberEventType = "member_metadata_updated"
)

// MemberEvent is an immutable fact about a member. The fields beyond the
// common header are populated according to Type:
//
//   - member_created: Name, IsVirtual, PublicKey
//   - member_renamed: PreviousName, NewName
//   - member_replaced: ReplacedByID
//   - member_metadata_updated: Metadata
type MemberEvent struct {
	ID        string          `json:"id"`
	MemberID  string          `json:"memberId"`
	Type      MemberEventType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ActorID   string          `json:"actorId"`

	Name      string `json:"name,omitempty"`
	IsVirtual bool   `json:"isVirtual,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`

	PreviousName string `json:"previousName,omitempty"`
	NewName      string `json:"newName,omitempty"`

	ReplacedByID string `json:"replacedById,omitempty"`

	// Metadata is only ever stored sealed with the group key of KeyVersion.
	Metadata   *MemberMetadata `json:"-"`
	KeyVersion int             `json:"keyVersion,omitempty"`
}

// MemberMetadata carries optional payment and contact details.
type MemberMetadata struct {
	PhoneNumber string            `json:"phoneNumber,omitempty"`
	Email       string            `json:"email,omitempty"`
	Payment     map[string]string `json:"payment,omitempty"`
}

// MemberState is the current state of a member, folded from its events in
// timestamp order.
type MemberState struct {
	ID        string
	Name      string
	IsVirtual bool
	PublicKey string

	IsRetired    bool
	ReplacedByID string

	CreatedAt time.Time
	CreatedBy string
	RetiredAt *time.Time

	Metadata *MemberMetadata
}

// IsReplaced reports whether the member has been merged into another identity.
func (s *MemberState) IsReplaced() bool {
	return s.ReplacedByID != ""
}
