package proxypool

import (
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
)

const statCounterBucket = "stat_counter_3"

// statRecord is the durable shape for one (statType, itemA, itemB)
// counter, matching proxy_manager.rs's StatCounter: a per-event tally
// plus the last time any event fired, for TTL-based eviction.
type statRecord struct {
	Events map[string]uint64
	EditAt time.Time
}

func statKey(statType, itemA, itemB string) []byte {
	return []byte(statType + "\x00" + itemA + "\x00" + itemB)
}

// IncrStat increments the named event counter for (statType, itemA,
// itemB), e.g. IncrStat("proxy_download_socksaddr_targetdomain",
// proxyAddr, domain, "success", now).
func (p *Pool) IncrStat(statType, itemA, itemB, event string, now time.Time) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(statCounterBucket))
		if err != nil {
			return err
		}
		key := statKey(statType, itemA, itemB)
		var rec statRecord
		if raw := b.Get(key); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
		}
		if rec.Events == nil {
			rec.Events = make(map[string]uint64)
		}
		rec.Events[event]++
		rec.EditAt = now
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, raw)
	})
}

// StatCount returns the current tally for one event under
// (statType, itemA, itemB).
func (p *Pool) StatCount(statType, itemA, itemB, event string) (uint64, error) {
	var count uint64
	err := p.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(statCounterBucket))
		if b == nil {
			return nil
		}
		raw := b.Get(statKey(statType, itemA, itemB))
		if raw == nil {
			return nil
		}
		var rec statRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		count = rec.Events[event]
		return nil
	})
	return count, err
}

// PruneStats deletes stat rows whose EditAt is older than
// EntryDeleteSeconds, keeping the counter tree bounded the same way
// the proxy catalog itself is pruned.
func (p *Pool) PruneStats(now time.Time) (int, error) {
	n := 0
	err := p.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(statCounterBucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec statRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if now.Sub(rec.EditAt) > time.Duration(EntryDeleteSeconds)*time.Second {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}
