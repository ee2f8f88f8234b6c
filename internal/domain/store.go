package domain

import "context"

// ThreadStore persists the full thread collection. Implementations read and
// write the collection wholesale on every mutation; ordering is preserved.
type ThreadStore interface {
	Load(ctx context.Context) ([]Thread, error)
	Save(ctx context.Context, threads []Thread) error
	Close() error
}
