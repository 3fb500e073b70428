// Package intel maintains longitudinal threat intelligence: one record per
// source address, updated from every verdict and garbage-collected after 30
// days of inactivity unless the address is under active monitoring. The map
// is sharded by address hash so the inline and batch analysis paths do not
// serialize on unrelated addresses.
package intel

import (
	"sort"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"github.com/threatpipe/threatpipe/pkg/event"
)

// EMA smoothing: new = alpha*old + (1-alpha)*verdict.
const (
	alpha = 0.7

	// monitorRisk and monitorDetections trip active monitoring.
	monitorRisk       = 50.0
	monitorDetections = 5

	// blockRisk trips the block recommendation.
	blockRisk = 70.0

	// MaxInactivity is the GC horizon for unmonitored records.
	MaxInactivity = 30 * 24 * time.Hour

	shardCount = 32
)

// Record is the running state for one source address.
type Record struct {
	Address             string           `json:"address"`
	FirstSeen           time.Time        `json:"first_seen"`
	LastSeen            time.Time        `json:"last_seen"`
	TotalDetections     int64            `json:"total_detections"`
	RiskScore           float64          `json:"risk_score"`
	ThreatTypes         []event.Category `json:"threat_types"`
	IsActivelyMonitored bool             `json:"is_actively_monitored"`
	BlockRecommendation bool             `json:"block_recommendation"`
}

type record struct {
	Record
	types map[event.Category]struct{}
}

// Store holds all intelligence records. Safe for concurrent use.
type Store struct {
	shards [shardCount]*shard
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// New creates an empty Store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*record)}
	}
	return s
}

func (s *Store) shardFor(addr string) *shard {
	return s.shards[murmur3.Sum32([]byte(addr))%shardCount]
}

// Merge folds one verdict into the address's record and returns the updated
// state. The risk score follows the exponential moving average recurrence
// from the first verdict onward, starting at zero.
func (s *Store) Merge(v *event.SecurityVerdict, now time.Time) Record {
	sh := s.shardFor(v.SourceAddr)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r, ok := sh.records[v.SourceAddr]
	if !ok {
		r = &record{
			Record: Record{Address: v.SourceAddr, FirstSeen: now},
			types:  make(map[event.Category]struct{}),
		}
		sh.records[v.SourceAddr] = r
	}
	r.LastSeen = now
	r.TotalDetections += int64(v.DetectionCount)
	r.RiskScore = alpha*r.RiskScore + (1-alpha)*float64(v.TotalRiskScore)

	for _, cat := range v.Categories() {
		if _, seen := r.types[cat]; !seen {
			r.types[cat] = struct{}{}
			r.ThreatTypes = append(r.ThreatTypes, cat)
		}
	}
	r.IsActivelyMonitored = r.RiskScore >= monitorRisk || r.TotalDetections >= monitorDetections
	r.BlockRecommendation = r.RiskScore >= blockRisk

	return r.snapshot()
}

func (r *record) snapshot() Record {
	cp := r.Record
	cp.ThreatTypes = append([]event.Category(nil), r.ThreatTypes...)
	return cp
}

// Get returns the record for an address, if present.
func (s *Store) Get(addr string) (Record, bool) {
	sh := s.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	r, ok := sh.records[addr]
	if !ok {
		return Record{}, false
	}
	return r.snapshot(), true
}

// List returns all records, unordered.
func (s *Store) List() []Record {
	var out []Record
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, r := range sh.records {
			out = append(out, r.snapshot())
		}
		sh.mu.Unlock()
	}
	return out
}

// TopOffenders returns the n highest-risk records.
func (s *Store) TopOffenders(n int) []Record {
	all := s.List()
	sort.Slice(all, func(i, j int) bool { return all[i].RiskScore > all[j].RiskScore })
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// GC drops records inactive beyond the horizon unless actively monitored.
// Returns the number removed.
func (s *Store) GC(now time.Time) int {
	cutoff := now.Add(-MaxInactivity)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for addr, r := range sh.records {
			if !r.IsActivelyMonitored && r.LastSeen.Before(cutoff) {
				delete(sh.records, addr)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the record count, for metrics.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}
