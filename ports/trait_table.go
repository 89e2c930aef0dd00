package ports

import (
	"context"

	"traitcast/domain/trait"
)

// TraitTablePort provides the upstream trait/indicator table: one row per
// species with numeric trait columns, nullable 0-10 indicator targets, and
// categorical group labels. The provider is assumed to have deduplicated and
// name-normalized species already.
type TraitTablePort interface {
	ReadTable(ctx context.Context) (*trait.Table, error)
}
