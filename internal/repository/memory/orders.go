package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmehdipour/shop-saga/internal/apperr"
	"github.com/jmehdipour/shop-saga/internal/model"
	"github.com/jmehdipour/shop-saga/internal/repository"
)

type OrdersRepo struct {
	s *Store
}

var _ repository.OrdersRepository = (*OrdersRepo)(nil)

func (r *OrdersRepo) Insert(_ context.Context, rtx repository.Tx, o model.Order) error {
	return r.s.run(rtx, func(t *tx) error {
		if _, ok := r.s.orders[o.ID]; ok {
			return fmt.Errorf("order %s: %w", o.ID, apperr.ErrAlreadyExists)
		}
		r.s.orders[o.ID] = o
		t.onRollback(func() { delete(r.s.orders, o.ID) })
		return nil
	})
}

func (r *OrdersRepo) Get(_ context.Context, rtx repository.Tx, id string) (*model.Order, error) {
	var out *model.Order
	err := r.s.run(rtx, func(*tx) error {
		o, ok := r.s.orders[id]
		if !ok {
			return fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
		}
		out = &o
		return nil
	})
	return out, err
}

func (r *OrdersRepo) ListByUser(_ context.Context, userID int64, limit, offset int) ([]model.Order, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	out := []model.Order{}
	err := r.s.run(nil, func(*tx) error {
		for _, o := range r.s.orders {
			if o.UserID == userID {
				out = append(out, o)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if offset >= len(out) {
		return []model.Order{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *OrdersRepo) UpdateStatus(_ context.Context, rtx repository.Tx, id string, from, to model.OrderStatus, message string) (bool, error) {
	var changed bool
	err := r.s.run(rtx, func(t *tx) error {
		prev, ok := r.s.orders[id]
		if !ok || prev.Status != from {
			return nil
		}
		next := prev
		next.Status = to
		next.StatusMessage = message
		next.UpdatedAt = r.s.now()
		r.s.orders[id] = next
		t.onRollback(func() { r.s.orders[id] = prev })
		changed = true
		return nil
	})
	return changed, err
}
