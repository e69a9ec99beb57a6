package product

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository backs STORE_DRIVER=memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	products map[string]Product
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{products: make(map[string]Product)}
}

func (m *MemoryRepository) filter(keep func(Product) bool, less func(a, b Product) bool) []Product {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Product, 0, len(m.products))
	for _, p := range m.products {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func newestFirst(a, b Product) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (m *MemoryRepository) List(_ context.Context, category string) ([]Product, error) {
	return m.filter(func(p Product) bool { return category == "" || p.Category == category }, newestFirst), nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryRepository) Categories(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	categories := make([]string, 0)
	for _, p := range m.products {
		if _, ok := seen[p.Category]; ok {
			continue
		}
		seen[p.Category] = struct{}{}
		categories = append(categories, p.Category)
	}
	sort.Strings(categories)
	return categories, nil
}

func (m *MemoryRepository) LowStock(_ context.Context, threshold int) ([]Product, error) {
	return m.filter(
		func(p Product) bool { return p.Quantity < threshold },
		func(a, b Product) bool {
			if a.Quantity == b.Quantity {
				return a.Name < b.Name
			}
			return a.Quantity < b.Quantity
		},
	), nil
}

func (m *MemoryRepository) Create(_ context.Context, input Input) (Product, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Product{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := time.Now().UTC()
	p := Product{
		ID:          id.String(),
		Name:        input.Name,
		Description: input.Description,
		Category:    input.Category,
		Price:       input.Price,
		Quantity:    input.Quantity,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	m.products[p.ID] = p
	m.mu.Unlock()

	return p, nil
}

func (m *MemoryRepository) Update(_ context.Context, id string, input Input) (Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	p.Name = input.Name
	p.Description = input.Description
	p.Category = input.Category
	p.Price = input.Price
	p.Quantity = input.Quantity
	p.UpdatedAt = time.Now().UTC()
	m.products[id] = p

	return p, nil
}

func (m *MemoryRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[id]; !ok {
		return ErrNotFound
	}
	delete(m.products, id)
	return nil
}
