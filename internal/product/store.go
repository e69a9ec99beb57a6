package product

import (
	"context"
)

type Store interface {
	List(ctx context.Context, category string) ([]Product, error)
	Get(ctx context.Context, id string) (Product, error)
	Categories(ctx context.Context) ([]string, error)
	LowStock(ctx context.Context, threshold int) ([]Product, error)
	Create(ctx context.Context, input Input) (Product, error)
	Update(ctx context.Context, id string, input Input) (Product, error)
	Delete(ctx context.Context, id string) error
}
