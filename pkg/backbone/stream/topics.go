package stream

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DefaultPrefix is the key prefix of every topic.
const DefaultPrefix = "insurance:events"

// Topics names the topics events are published to: one per category,
// optionally split into partitions keyed by aggregate ID.
type Topics struct {
	// Prefix is prepended to every topic name.
	Prefix string

	// Partitions splits every category; values below 2 disable partitioning.
	Partitions int

	// Owned lists the partitions this process consumes. Empty means all.
	// Every partition must be owned by exactly one worker process so that
	// one aggregate is only ever handled by one process.
	Owned []int
}

// For returns the topic of an event in category about aggregateID.
func (t Topics) For(category, aggregateID string) string {
	base := t.base(category)
	if t.Partitions < 2 {
		return base
	}
	return base + ":" + strconv.Itoa(Partition(aggregateID, t.Partitions))
}

// All returns every topic of the given categories.
func (t Topics) All(categories []string) []string {
	var out []string
	for _, c := range categories {
		base := t.base(c)
		if t.Partitions < 2 {
			out = append(out, base)
			continue
		}
		for p := range t.Partitions {
			if t.Owns(p) {
				out = append(out, base+":"+strconv.Itoa(p))
			}
		}
	}
	return out
}

// Owns reports whether this process consumes partition p.
func (t Topics) Owns(p int) bool {
	return len(t.Owned) == 0 || slices.Contains(t.Owned, p)
}

// Validate checks that Owned names distinct partitions within range.
func (t Topics) Validate() error {
	if len(t.Owned) == 0 {
		return nil
	}
	if t.Partitions < 2 {
		return fmt.Errorf("owned partitions %v need at least 2 partitions", t.Owned)
	}
	seen := make(map[int]bool, len(t.Owned))
	for _, p := range t.Owned {
		if p < 0 || p >= t.Partitions {
			return fmt.Errorf("owned partition %d outside 0..%d", p, t.Partitions-1)
		}
		if seen[p] {
			return fmt.Errorf("owned partition %d listed twice", p)
		}
		seen[p] = true
	}
	return nil
}

func (t Topics) base(category string) string {
	prefix := t.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ":" + strings.ToLower(category)
}

// Partition maps an aggregate ID onto one of n partitions. The same ID
// always lands on the same partition.
func Partition(aggregateID string, n int) int {
	if n < 2 {
		return 0
	}
	return int(xxhash.Sum64String(aggregateID) % uint64(n))
}
