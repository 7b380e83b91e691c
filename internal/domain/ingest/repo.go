package ingest

import (
	"context"

	"github.com/google/uuid"
)

// ResultStore is the downstream application target. Save runs inside the
// ledger's atomic unit and must write through the transaction carried by ctx.
type ResultStore interface {
	Save(ctx context.Context, r *LabResult) error
	Get(ctx context.Context, id uuid.UUID) (*LabResult, error)
	ListByEntity(ctx context.Context, entityID string, limit, offset int) ([]*LabResult, int, error)
}
