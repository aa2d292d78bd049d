package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketStreamRequests = "stream_requests"
	bucketAccountTotals  = "account_totals"
)

// StreamRecord is one completed logical request as written to the history db.
type StreamRecord struct {
	RequestID  string    `json:"requestId"`
	Model      string    `json:"model,omitempty"`
	Email      string    `json:"email,omitempty"`
	Attempts   int       `json:"attempts"`
	Status     string    `json:"status"`
	DurationMs int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

// AccountTotals aggregates per-account request outcomes.
type AccountTotals struct {
	TotalRequests int64 `json:"totalRequests"`
	TotalRetries  int64 `json:"totalRetries"`
	TotalErrors   int64 `json:"totalErrors"`
}

// HistoryStore is the bbolt-backed request log. All methods are safe on a
// nil receiver so callers can run with history disabled.
type HistoryStore struct {
	db        *bbolt.DB
	retention time.Duration
	nextPrune time.Time
}

func NewHistoryStore(path string, retentionDays int) (*HistoryStore, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists([]byte(bucketStreamRequests)); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists([]byte(bucketAccountTotals)); e != nil {
			return e
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &HistoryStore{db: db, retention: time.Duration(retentionDays) * 24 * time.Hour, nextPrune: time.Now().Add(1 * time.Hour)}, nil
}

func (s *HistoryStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordStream logs one finished logical request and bumps the per-account
// aggregates. Errors are swallowed; history is bookkeeping, not correctness.
func (s *HistoryStore) RecordStream(requestID, model, email string, attempts int, status string, elapsed time.Duration) {
	if s == nil || s.db == nil {
		return
	}
	now := time.Now()
	rec := StreamRecord{
		RequestID:  requestID,
		Model:      model,
		Email:      email,
		Attempts:   attempts,
		Status:     status,
		DurationMs: elapsed.Milliseconds(),
		Timestamp:  now,
	}
	key := fmt.Sprintf("%020d|%s", now.UnixNano(), requestID)
	val, err := json.Marshal(&rec)
	if err != nil {
		return
	}
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(bucketStreamRequests)).Put([]byte(key), val); err != nil {
			return err
		}
		if email == "" {
			return nil
		}
		b := tx.Bucket([]byte(bucketAccountTotals))
		var agg AccountTotals
		if raw := b.Get([]byte(email)); raw != nil {
			_ = json.Unmarshal(raw, &agg)
		}
		agg.TotalRequests++
		if attempts > 1 {
			agg.TotalRetries += int64(attempts - 1)
		}
		if status != "ok" {
			agg.TotalErrors++
		}
		if enc, err := json.Marshal(&agg); err == nil {
			_ = b.Put([]byte(email), enc)
		}
		return nil
	})
	if now.After(s.nextPrune) {
		s.prune()
	}
}

func (s *HistoryStore) prune() {
	cutoff := time.Now().Add(-s.retention)
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketStreamRequests)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			parts := strings.SplitN(string(k), "|", 2)
			ts, err := timeFromKey(parts[0])
			if err != nil {
				continue
			}
			if ts.Before(cutoff) {
				_ = c.Delete()
			} else {
				// keys are time-ordered; stop at the first young record
				break
			}
		}
		return nil
	})
	s.nextPrune = time.Now().Add(1 * time.Hour)
}

func timeFromKey(tsPart string) (time.Time, error) {
	var n int64
	if _, err := fmt.Sscanf(tsPart, "%d", &n); err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}

// RecentRequests returns up to limit records, newest first.
func (s *HistoryStore) RecentRequests(limit int) ([]StreamRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	var out []StreamRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketStreamRequests)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec StreamRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// AccountTotalsFor returns the aggregates for one account email.
func (s *HistoryStore) AccountTotalsFor(email string) (AccountTotals, error) {
	var out AccountTotals
	if s == nil || s.db == nil {
		return out, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketAccountTotals))
		if raw := b.Get([]byte(email)); raw != nil {
			return json.Unmarshal(raw, &out)
		}
		return nil
	})
	return out, err
}
