package memory

import (
	"context"
	"fmt"

	"github.com/jmehdipour/shop-saga/internal/apperr"
	"github.com/jmehdipour/shop-saga/internal/model"
	"github.com/jmehdipour/shop-saga/internal/repository"
)

type OutboxRepo struct {
	s *Store
}

var _ repository.OutboxRepository = (*OutboxRepo)(nil)

func (r *OutboxRepo) Append(_ context.Context, rtx repository.Tx, e model.OutboxEntry) (int64, error) {
	var id int64
	err := r.s.run(rtx, func(t *tx) error {
		if r.exists(e.AggregateType, e.AggregateID, e.EventType) {
			return fmt.Errorf("%w: %s %s/%s", apperr.ErrDuplicate, e.EventType, e.AggregateType, e.AggregateID)
		}
		r.s.outboxSeq++
		e.ID = r.s.outboxSeq
		e.CreatedAt = r.s.now()
		e.Processed = false
		r.s.outbox = append(r.s.outbox, e)

		if !t.implicit {
			r.s.pending[e.ID] = true
			t.onCommit(func() { delete(r.s.pending, e.ID) })
		}
		t.onRollback(func() {
			delete(r.s.pending, e.ID)
			for i := range r.s.outbox {
				if r.s.outbox[i].ID == e.ID {
					r.s.outbox = append(r.s.outbox[:i], r.s.outbox[i+1:]...)
					break
				}
			}
			if r.s.outboxSeq == e.ID {
				r.s.outboxSeq--
			}
		})
		id = e.ID
		return nil
	})
	return id, err
}

func (r *OutboxRepo) FetchUnprocessed(_ context.Context, limit int) ([]model.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var out []model.OutboxEntry
	err := r.s.run(nil, func(*tx) error {
		for _, e := range r.s.outbox {
			if e.Processed || r.s.pending[e.ID] {
				continue
			}
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (r *OutboxRepo) MarkProcessed(_ context.Context, id int64) error {
	return r.s.run(nil, func(*tx) error {
		for i := range r.s.outbox {
			if r.s.outbox[i].ID == id {
				r.s.outbox[i].Processed = true
				return nil
			}
		}
		return nil
	})
}

func (r *OutboxRepo) Exists(_ context.Context, rtx repository.Tx, aggregateType, aggregateID string, eventType model.EventType) (bool, error) {
	var found bool
	err := r.s.run(rtx, func(*tx) error {
		found = r.exists(aggregateType, aggregateID, eventType)
		return nil
	})
	return found, err
}

func (r *OutboxRepo) exists(aggregateType, aggregateID string, eventType model.EventType) bool {
	for _, e := range r.s.outbox {
		if e.AggregateType == aggregateType && e.AggregateID == aggregateID && e.EventType == eventType {
			return true
		}
	}
	return false
}
