package store

import "context"

// Tx is the set of operations available inside a transaction. Writes made
// through a Tx are visible to later reads on the same Tx.
type Tx interface {
	// Load returns the entity, or ErrNotFound.
	Load(ctx context.Context, ref Ref) (*Record, error)

	// Save persists the record. A record with an empty id is created and
	// assigned a new id and version 1; otherwise rec.Version must match the
	// stored version (ErrConcurrentModification) and is incremented.
	// The returned record reflects the stored state; rec is not modified.
	Save(ctx context.Context, rec *Record) (*Record, error)

	// Delete removes the entity, or returns ErrNotFound.
	// Link rows are not touched; removing them is the caller's job.
	Delete(ctx context.Context, ref Ref) error

	// Links returns the edges of relationship rel owned by owner.
	Links(ctx context.Context, rel string, owner Ref) ([]Edge, error)

	// Backlinks returns the edges of relationship rel whose member is member.
	Backlinks(ctx context.Context, rel string, member Ref) ([]Edge, error)

	// PutLink stores the edge, replacing any edge with the same key.
	PutLink(ctx context.Context, e Edge) error

	// RemoveLink deletes the edge if present. Removing a missing edge is not an error.
	RemoveLink(ctx context.Context, rel string, owner, member Ref) error
}

// Store is an entity store. Operations called directly on the Store run in
// their own single-operation transaction.
type Store interface {
	Tx

	// WithTransaction runs fn in one transaction. If fn returns an error the
	// transaction is rolled back and the error returned unchanged; if the
	// commit fails the commit error is returned.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Close releases any resources held by the store.
	Close() error
}
