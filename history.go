package stickyexec

import (
	"context"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/sasha-s/go-deadlock"
)

const eventTable = "event"

var historySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		eventTable: {
			Name: eventTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "RunID"},
							&memdb.UintFieldIndex{Field: "Seq"},
						},
					},
				},
				"run": {
					Name:    "run",
					Indexer: &memdb.StringFieldIndex{Field: "RunID"},
				},
			},
		},
	},
}

// MemoryHistoryStore is the durable side of the worker in-process: an indexed,
// transactional event log keyed by run and sequence. It backs rehydration
// after an eviction and is the source of truth the cache is only ever a view
// over.
type MemoryHistoryStore struct {
	mu deadlock.Mutex

	db   *memdb.MemDB
	seqs map[string]uint64
}

func NewMemoryHistoryStore() (*MemoryHistoryStore, error) {
	db, err := memdb.NewMemDB(historySchema)
	if err != nil {
		return nil, err
	}
	return &MemoryHistoryStore{
		db:   db,
		seqs: make(map[string]uint64),
	}, nil
}

// AppendEvents assigns per-run sequence numbers and persists the events in one
// transaction, returning them with Seq and RecordedAt filled in.
func (s *MemoryHistoryStore) AppendEvents(ctx context.Context, runID string, events []HistoryEvent) ([]HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)

	out := make([]HistoryEvent, 0, len(events))
	for _, ev := range events {
		s.seqs[runID]++
		ev.RunID = runID
		ev.Seq = s.seqs[runID]
		ev.RecordedAt = time.Now()

		stored := ev
		if err := txn.Insert(eventTable, &stored); err != nil {
			txn.Abort()
			return nil, err
		}
		out = append(out, ev)
	}

	txn.Commit()
	return out, nil
}

// EventsSince returns every event of the run with Seq greater than afterSeq,
// in sequence order.
func (s *MemoryHistoryStore) EventsSince(ctx context.Context, runID string, afterSeq uint64) ([]HistoryEvent, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.LowerBound(eventTable, "id", runID, afterSeq+1)
	if err != nil {
		return nil, err
	}

	var events []HistoryEvent
	for obj := it.Next(); obj != nil; obj = it.Next() {
		ev := obj.(*HistoryEvent)
		if ev.RunID != runID {
			break
		}
		events = append(events, *ev)
	}
	return events, nil
}

// PurgeRun deletes a run's whole log; called once the run resolved and its
// result was routed, retention past that point is not this store's job.
func (s *MemoryHistoryStore) PurgeRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	if _, err := txn.DeleteAll(eventTable, "run", runID); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()

	delete(s.seqs, runID)
	return nil
}
