package connector

import "context"

// Repository persists connector templates.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Connector, error)
	Upsert(ctx context.Context, params UpsertParams) (*Connector, error)
	List(ctx context.Context) ([]*Connector, error)
}
