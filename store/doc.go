// Package store defines the entity store contract used by the relationship engine.
//
// An entity store persists two kinds of rows: entity [Record] values keyed by
// [Ref], and association [Edge] rows keyed by (relationship, owner, member).
// Each relationship tuple is stored exactly once, and both the owning view
// ([Tx.Links]) and the inverse view ([Tx.Backlinks]) are read from it, so a
// commit can never persist one side of a bidirectional relationship without
// the other.
//
// # Implementations
//
//   - [github.com/jacentio/lattice/store/memstore] - in-memory, clone-and-swap transactions
//   - [github.com/jacentio/lattice/store/sqlstore] - database/sql (SQLite, PostgreSQL)
//   - [github.com/jacentio/lattice/store/dynamo] - DynamoDB with TransactWriteItems
//
// # Errors
//
// The package defines the errors shared by every layer:
//
//   - [ErrNotFound] - entity doesn't exist
//   - [ErrAlreadyExists] - entity with ID already exists
//   - [ErrConcurrentModification] - optimistic lock failed
//   - [ErrConfiguration] - unknown or invalid relationship definition
//   - [ErrInvalidReference] - malformed ref or wrong entity type for a relationship side
//   - [ErrRestricted] - delete blocked by a RESTRICT policy (see [RestrictedError])
//   - [ErrTransaction] - store failure, rolled back (see [TransactionError])
//   - [ErrTransactionTooLarge] - transaction exceeds the store's item limit
package store
