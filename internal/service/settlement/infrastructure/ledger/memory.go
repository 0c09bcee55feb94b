package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
)

// MemoryLedger 只适用于单进程开发环境，重启即丢失。
type MemoryLedger struct {
	opts    options
	mu      sync.Mutex
	records map[string]*domain.IdempotencyRecord
}

func NewMemoryLedger(opts ...Option) *MemoryLedger {
	return &MemoryLedger{
		opts:    buildOptions(opts),
		records: make(map[string]*domain.IdempotencyRecord),
	}
}

func (l *MemoryLedger) TryBegin(_ context.Context, transactionID string, payload []byte) (port.BeginResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.opts.clock()
	rec, ok := l.records[transactionID]
	if ok {
		switch rec.State {
		case domain.LedgerFinalized:
			return port.BeginResult{Outcome: port.AlreadyFinalized, OrderID: rec.OrderID}, nil
		case domain.LedgerInProgress:
			return port.BeginResult{Outcome: port.AlreadyInProgress}, nil
		}
	} else {
		rec = &domain.IdempotencyRecord{TransactionID: transactionID}
		l.records[transactionID] = rec
	}

	rec.State = domain.LedgerInProgress
	rec.Payload = append([]byte(nil), payload...)
	rec.Attempts++
	rec.Swept = false
	rec.Reason = ""
	rec.StartedAt = now
	rec.UpdatedAt = now
	return port.BeginResult{Outcome: port.Admitted}, nil
}

func (l *MemoryLedger) Commit(_ context.Context, transactionID, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[transactionID]
	if !ok {
		return domain.ErrLedgerRecordMissing
	}
	switch {
	case rec.State == domain.LedgerFinalized && rec.OrderID == orderID:
		return nil
	case rec.State != domain.LedgerInProgress:
		return domain.ErrLedgerConflict
	}
	rec.State = domain.LedgerFinalized
	rec.OrderID = orderID
	rec.UpdatedAt = l.opts.clock()
	return nil
}

func (l *MemoryLedger) Fail(_ context.Context, transactionID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[transactionID]
	if !ok {
		return domain.ErrLedgerRecordMissing
	}
	if rec.State != domain.LedgerInProgress {
		return domain.ErrLedgerConflict
	}
	rec.State = domain.LedgerFailedRetryable
	rec.Reason = reason
	rec.UpdatedAt = l.opts.clock()
	return nil
}

func (l *MemoryLedger) ReconcileStale(_ context.Context, maxAge time.Duration) ([]port.StaleRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.opts.clock()
	cutoff := now.Add(-maxAge)
	ids := make([]string, 0)
	for id, rec := range l.records {
		if rec.State == domain.LedgerInProgress && rec.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > l.opts.batchSize {
		ids = ids[:l.opts.batchSize]
	}

	out := make([]port.StaleRecord, 0, len(ids))
	for _, id := range ids {
		rec := l.records[id]
		action := port.StaleReadmitted
		if rec.Swept {
			action = port.StaleExhausted
			rec.State = domain.LedgerFailedRetryable
			rec.Reason = reasonStale
		} else {
			rec.Swept = true
			rec.Attempts++
		}
		rec.UpdatedAt = now
		out = append(out, port.StaleRecord{Record: copyRecord(rec), Action: action})
	}
	return out, nil
}

func (l *MemoryLedger) Get(_ context.Context, transactionID string) (*domain.IdempotencyRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[transactionID]
	if !ok {
		return nil, domain.ErrLedgerRecordMissing
	}
	c := copyRecord(rec)
	return &c, nil
}

func copyRecord(rec *domain.IdempotencyRecord) domain.IdempotencyRecord {
	c := *rec
	c.Payload = append([]byte(nil), rec.Payload...)
	return c
}
