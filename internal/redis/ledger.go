package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/ledger"
)

const (
	ledgerKeyPrefix = keyPrefix + "ledger:entry:"

	// completeRetries bounds optimistic retries when an entry changes under WATCH.
	completeRetries = 3

	scanBatch = 200
)

// LedgerStore keeps ledger entries as JSON strings keyed by the entry key.
// SET NX gives the atomic check-and-create; completion uses WATCH/MULTI.
type LedgerStore struct {
	client    *Client
	logger    *zap.Logger
	retention time.Duration
}

var _ ledger.Store = (*LedgerStore)(nil)

// NewLedgerStore creates a ledger store. A zero retention keeps entries forever;
// otherwise entries expire that long after they are opened.
func NewLedgerStore(client *Client, logger *zap.Logger, retention time.Duration) *LedgerStore {
	return &LedgerStore{client: client, logger: logger, retention: retention}
}

func ledgerKey(k ledger.Key) string {
	return ledgerKeyPrefix + k.String()
}

func (s *LedgerStore) Insert(ctx context.Context, e *ledger.Entry) (bool, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("marshal ledger entry: %w", err)
	}

	created, err := s.client.rdb.SetNX(ctx, ledgerKey(e.Key), data, s.retention).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return created, nil
}

func (s *LedgerStore) Exists(ctx context.Context, key ledger.Key) (bool, error) {
	n, err := s.client.rdb.Exists(ctx, ledgerKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}

func (s *LedgerStore) Complete(ctx context.Context, e *ledger.Entry) error {
	key := ledgerKey(e.Key)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ledger.ErrNotFound
		}
		if err != nil {
			return err
		}

		var stored ledger.Entry
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("invalid ledger entry at %s: %w", key, err)
		}
		if stored.ID != e.ID {
			return ledger.ErrNotFound
		}
		switch stored.Status {
		case e.Status:
			return nil
		case ledger.StatusPending:
		default:
			return ledger.ErrTerminalConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < completeRetries; i++ {
		err := s.client.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("complete ledger entry %s: too much contention", e.ID)
}

// List scans every entry; the ledger is an operator view, not a hot path.
func (s *LedgerStore) List(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	var matched []ledger.Entry

	iter := s.client.rdb.Scan(ctx, 0, ledgerKeyPrefix+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		vals, err := s.client.rdb.MGet(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("redis mget failed: %w", err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue // expired between SCAN and MGET
			}
			var e ledger.Entry
			if err := json.Unmarshal([]byte(str), &e); err != nil {
				s.logger.Warn("skipping unreadable ledger entry", zap.String("key", batch[i]), zap.Error(err))
				continue
			}
			if ledger.Matches(&e, f) {
				matched = append(matched, e)
			}
		}
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return ledger.Paginate(matched, f), nil
}
