// Package models defines the core domain models for the replicated ledger.
//
// # Models
//
//   - Entry: an expense or transfer, versioned through supersession chains
//   - ExpensePayload / TransferPayload: the sensitive, always-encrypted part of an entry
//   - MemberEvent: an immutable fact about a member's lifecycle
//   - MemberState: a member's current state, folded from its events
//   - SettlementPreference: a user's preferred settlement recipients
//   - UpdateRecord: an opaque encrypted document diff as stored by the relay
//
// # Design Principles
//
//  1. **Metadata vs payload**: routing fields stay legible without the group
//     key; everything else lives in the payload and is encrypted
//  2. **Immutability**: entries are never edited in place; modify and delete
//     write a new entry linked by PreviousVersionID
//  3. **IDs, not pointers**: relationships between entries and members are
//     plain ID strings so every model serializes cleanly into the document
package models
