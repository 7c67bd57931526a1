// Package journal implements the append-only write-ahead log (spec.md
// §3, §4.2, §5): every record write is appended here, keyed by a strictly
// monotonic counter, before it is considered durable. The counter itself
// is persisted on every increment so it survives restart, and entries
// rotate out once the journal grows past a configurable size.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tieredmem/tieredmem/pkg/kvstore"
	"github.com/tieredmem/tieredmem/pkg/record"
	"github.com/tieredmem/tieredmem/pkg/tmerr"
	"github.com/tieredmem/tieredmem/pkg/tmlog"
)

const counterKey = "journal_counter"

// Entry is a single journal record: a snapshot of a MemoryRecord at the
// moment it was written, tagged with its assigned journal id.
type Entry struct {
	ID        int64               `json:"id"`
	Timestamp time.Time           `json:"timestamp"`
	Snapshot  *record.MemoryRecord `json:"record_snapshot"`
}

// Journal is the monotonic append-only log. It is safe for concurrent use:
// Append holds an internal mutex while it assigns the next id and persists
// the entry and the bumped counter, so concurrent writers (the write path
// and a background consolidation pass) never receive the same id.
type Journal struct {
	kv           *kvstore.Adapter
	logger       tmlog.Logger
	rotationSize int64

	mu      sync.Mutex
	counter int64
}

// Open restores the journal counter from the meta store (0 if this is a
// fresh store) and returns a ready-to-use Journal.
func Open(ctx context.Context, kv *kvstore.Adapter, rotationSize int64, logger tmlog.Logger) (*Journal, error) {
	if logger == nil {
		logger = tmlog.Nop()
	}
	if rotationSize <= 0 {
		rotationSize = 10000
	}

	j := &Journal{kv: kv, logger: logger, rotationSize: rotationSize}

	raw, found, err := kv.Get(ctx, kvstore.Meta, counterKey)
	if err != nil {
		return nil, tmerr.Wrap("journal.open", err)
	}
	if found {
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return nil, tmerr.Wrap("journal.open", fmt.Errorf("%w: corrupt journal counter", tmerr.ErrStoreIO))
		}
		j.counter = n
	}

	logger.Info("journal opened", "counter", j.counter)
	return j, nil
}

// Counter returns the current journal counter value (the id of the most
// recently appended entry, or 0 if nothing has been written yet).
func (j *Journal) Counter() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.counter
}

// Append assigns the next monotonic id to rec, persists both the entry and
// the bumped counter, and returns the assigned id. The counter is written
// before Append returns so a crash immediately after this call cannot
// resurrect a stale counter on restart (spec.md §4.2 invariant 4).
func (j *Journal) Append(ctx context.Context, rec *record.MemoryRecord) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	id := j.counter + 1

	entry := Entry{ID: id, Timestamp: time.Now(), Snapshot: rec}
	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, tmerr.Wrap("journal.append", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}

	if err := j.kv.Put(ctx, kvstore.Journal, journalKey(id), payload); err != nil {
		return 0, tmerr.Wrap("journal.append", err)
	}
	if err := j.kv.Put(ctx, kvstore.Meta, counterKey, []byte(strconv.FormatInt(id, 10))); err != nil {
		return 0, tmerr.Wrap("journal.append", err)
	}

	j.counter = id

	// Drop the entry that has just fallen out of the retention window, so
	// the log never holds more than rotationSize entries.
	if cutoff := id - j.rotationSize; cutoff > 0 {
		if err := j.kv.Delete(ctx, kvstore.Journal, journalKey(cutoff)); err != nil {
			j.logger.Warn("journal rotation failed", "err", err)
		}
	}

	return id, nil
}

// Replay reads every surviving journal entry in id order and returns them;
// it applies nothing itself. The engine does not call it: Initialize only
// restores the counter, and no entry is re-applied to any tier at startup.
func (j *Journal) Replay(ctx context.Context) ([]Entry, error) {
	entries, err := j.kv.GetAll(ctx, kvstore.Journal)
	if err != nil {
		return nil, tmerr.Wrap("journal.replay", err)
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		var entry Entry
		if err := json.Unmarshal(e.Value, &entry); err != nil {
			j.logger.Warn("skipping corrupt journal entry during replay", "key", e.Key, "err", err)
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Rotate discards journal entries once the log has grown past
// rotationSize, keeping only the most recent rotationSize entries. The
// counter itself is never reset: journal ids remain monotonic forever even
// though old entries are discarded.
func (j *Journal) Rotate(ctx context.Context) error {
	keys, err := j.kv.Keys(ctx, kvstore.Journal)
	if err != nil {
		return tmerr.Wrap("journal.rotate", err)
	}
	if int64(len(keys)) <= j.rotationSize {
		return nil
	}

	j.mu.Lock()
	counter := j.counter
	j.mu.Unlock()

	cutoff := counter - j.rotationSize
	removed := 0
	for _, k := range keys {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		if id <= cutoff {
			if err := j.kv.Delete(ctx, kvstore.Journal, k); err != nil {
				return tmerr.Wrap("journal.rotate", err)
			}
			removed++
		}
	}

	j.logger.Info("journal rotated", "removed", removed, "counter", counter)
	return nil
}

// Len returns the number of entries currently retained in the journal
// (post-rotation), not the lifetime counter value.
func (j *Journal) Len(ctx context.Context) (int64, error) {
	n, err := j.kv.Count(ctx, kvstore.Journal)
	if err != nil {
		return 0, tmerr.Wrap("journal.len", err)
	}
	return n, nil
}

func journalKey(id int64) string {
	return fmt.Sprintf("%020d", id)
}
