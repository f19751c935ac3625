// Package memory is an in-process implementation of the repository contracts.
// A Store plays the role of one service database. By default a unit of work
// holds the store lock from BeginTx until Commit or Rollback, so transactions
// are serializable. With Interleaved, units of work only lock per statement
// and behave like read-committed InnoDB transactions: an account row written
// by an open tx is locked to it, other txs read its last committed value and
// their compare-and-swap on it waits for that tx to end before checking the
// version, and outbox entries become visible to the relay on commit. Rollback restores every
// write in both modes.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/shop-saga/internal/model"
	"github.com/jmehdipour/shop-saga/internal/repository"
)

type Store struct {
	mu sync.Mutex

	orders     map[string]model.Order
	accounts   map[int64]model.Account // keyed by user id
	accountSeq int64
	outbox     []model.OutboxEntry
	outboxSeq  int64

	interleaved bool
	rowOwner    map[int64]*tx           // user id -> open tx that wrote the account
	committed   map[int64]model.Account // user id -> value before that tx
	pending     map[int64]bool          // outbox ids of open txs
	rowFree     *sync.Cond

	now func() time.Time
}

type Option func(*Store)

// Interleaved lets concurrent units of work overlap between statements.
func Interleaved() Option {
	return func(s *Store) { s.interleaved = true }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		orders:    make(map[string]model.Order),
		accounts:  make(map[int64]model.Account),
		rowOwner:  make(map[int64]*tx),
		committed: make(map[int64]model.Account),
		pending:   make(map[int64]bool),
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.rowFree = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ repository.TxBeginner = (*Store)(nil)

func (s *Store) BeginTx(ctx context.Context) (repository.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.interleaved {
		return &tx{store: s}, nil
	}
	s.mu.Lock()
	return &tx{store: s, holdsLock: true}, nil
}

func (s *Store) Orders() *OrdersRepo     { return &OrdersRepo{s: s} }
func (s *Store) Accounts() *AccountsRepo { return &AccountsRepo{s: s} }
func (s *Store) Outbox() *OutboxRepo     { return &OutboxRepo{s: s} }

// OutboxSnapshot returns a copy of every outbox entry, processed or not, in id order.
func (s *Store) OutboxSnapshot() []model.OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.OutboxEntry, len(s.outbox))
	copy(out, s.outbox)
	return out
}

type tx struct {
	store     *Store
	holdsLock bool
	implicit  bool
	undo      []func()
	commit    []func()
	done      bool
}

func (t *tx) onRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *tx) onCommit(fn func()) {
	t.commit = append(t.commit, fn)
}

// waitRow blocks while another open tx holds the account of userID.
// s.mu must be held; it is released while waiting.
func (t *tx) waitRow(userID int64) {
	s := t.store
	for {
		owner, locked := s.rowOwner[userID]
		if !locked || owner == t {
			return
		}
		s.rowFree.Wait()
	}
}

// lockRow marks the account of userID as written by t until it ends.
func (t *tx) lockRow(userID int64, before model.Account) {
	if t.implicit {
		return
	}
	s := t.store
	if _, ok := s.rowOwner[userID]; ok {
		return
	}
	s.rowOwner[userID] = t
	s.committed[userID] = before
	release := func() {
		delete(s.rowOwner, userID)
		delete(s.committed, userID)
		s.rowFree.Broadcast()
	}
	t.onCommit(release)
	t.onRollback(release)
}

func (t *tx) end(fn func()) error {
	if t.done {
		return sql.ErrTxDone
	}
	if !t.holdsLock {
		t.store.mu.Lock()
	}
	fn()
	t.done = true
	t.undo, t.commit = nil, nil
	t.store.mu.Unlock()
	return nil
}

func (t *tx) Commit() error {
	return t.end(func() {
		for _, fn := range t.commit {
			fn()
		}
	})
}

func (t *tx) Rollback() error {
	return t.end(t.revert)
}

func (t *tx) revert() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// run executes fn inside the caller's tx, or inside an implicit single-call
// unit of work when rtx is nil.
func (s *Store) run(rtx repository.Tx, fn func(t *tx) error) error {
	if rtx == nil {
		s.mu.Lock()
		defer s.mu.Unlock()

		t := &tx{store: s, implicit: true}
		if err := fn(t); err != nil {
			t.revert()
			return err
		}
		return nil
	}

	t, ok := rtx.(*tx)
	if !ok || t.store != s {
		return fmt.Errorf("memory: tx %T does not belong to this store", rtx)
	}
	if t.done {
		return sql.ErrTxDone
	}
	if !t.holdsLock {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(t)
}
