// Package shardrange implements the integer-interval shard algebra shared by
// the shardmaster, shard manager, and shard workers: splitting a key range,
// extracting a sub-range out of a larger one, and classifying how two ranges
// overlap.
package shardrange

import (
	"sort"
	"strconv"
	"strings"
)

// Shard is an inclusive integer key range [Lower, Upper].
type Shard struct {
	Lower uint32 `json:"lower"`
	Upper uint32 `json:"upper"`
}

// Size returns the number of keys in s.
func (s Shard) Size() uint64 {
	return uint64(s.Upper) - uint64(s.Lower) + 1
}

// HasKey reports whether key falls within s.
func (s Shard) HasKey(key uint32) bool {
	return s.Lower <= key && key <= s.Upper
}

// Split divides s into n near-equal shards covering the same range, in
// ascending order. The first size(s) mod n shards get one extra key. n must
// satisfy 0 < n <= Size(s); a single-key shard can only be split into one
// piece.
func Split(s Shard, n uint64) []Shard {
	if n == 0 || n > s.Size() {
		panic("shardrange: Split requires 0 < n <= Size(s)")
	}

	shardSize := s.Size() / n
	remainder := s.Size() % n
	shards := make([]Shard, 0, n)

	lower := s.Lower
	var upper uint32
	for i := uint64(0); i < n; i++ {
		extra := uint64(0)
		if i < remainder {
			extra = 1
		}
		upper = lower + uint32(shardSize+extra) - 1
		shards = append(shards, Shard{Lower: lower, Upper: upper})
		lower = upper + 1
	}
	return shards
}

// SplitHalf splits s at its midpoint into two shards. s must contain at
// least two keys.
func SplitHalf(s Shard) (Shard, Shard) {
	if s.Lower >= s.Upper {
		panic("shardrange: SplitHalf requires Size(s) >= 2")
	}
	midpoint := s.Lower + (s.Upper-s.Lower)/2
	return Shard{Lower: s.Lower, Upper: midpoint}, Shard{Lower: midpoint + 1, Upper: s.Upper}
}

// SplitAt splits s into [Lower, pos] and [pos+1, Upper]. pos must lie in
// [Lower, Upper).
func SplitAt(s Shard, pos uint32) (Shard, Shard) {
	return Shard{Lower: s.Lower, Upper: pos}, Shard{Lower: pos + 1, Upper: s.Upper}
}

// Extract pulls sub out of s, returning sub along with 0, 1, or 2 remainder
// shards covering whatever of s falls outside sub. sub must be contained in
// s (callers typically check Overlap first).
func Extract(s, sub Shard) (Shard, []Shard) {
	var remainder []Shard
	if s.Lower+1 <= sub.Lower {
		remainder = append(remainder, Shard{Lower: s.Lower, Upper: sub.Lower - 1})
	}
	if sub.Upper+1 <= s.Upper {
		remainder = append(remainder, Shard{Lower: sub.Upper + 1, Upper: s.Upper})
	}
	return sub, remainder
}

// Overlap classifies how a relates to b.
type Overlap int

const (
	// NoOverlap means a and b share no keys.
	NoOverlap Overlap = iota
	// CompletelyContained means b contains a (including the case a == b).
	CompletelyContained
	// CompletelyContains means a strictly contains b: a covers all of b and
	// more (a may share one bound with b).
	CompletelyContains
	// OverlapStart means a begins inside b and its upper end sticks out
	// after b.
	OverlapStart
	// OverlapEnd means a ends inside b and its lower end sticks out before
	// b.
	OverlapEnd
)

// GetOverlap classifies the relationship between a and b. When a and b are
// equal, the result is CompletelyContained (b contains a), matching the
// tie-break the original implementation uses.
func GetOverlap(a, b Shard) Overlap {
	switch {
	case a.Upper < b.Lower || b.Upper < a.Lower:
		return NoOverlap
	case b.Lower <= a.Lower && a.Upper <= b.Upper:
		return CompletelyContained
	case a.Lower <= b.Lower && a.Upper >= b.Upper:
		return CompletelyContains
	case a.Lower >= b.Lower && a.Upper > b.Upper:
		return OverlapStart
	case a.Lower < b.Lower && a.Upper <= b.Upper:
		return OverlapEnd
	default:
		panic("shardrange: unreachable overlap case")
	}
}

// SortByLower sorts shards ascending by Lower bound.
func SortByLower(shards []Shard) {
	sort.Slice(shards, func(i, j int) bool { return shards[i].Lower < shards[j].Lower })
}

// SortBySizeAscending sorts shards ascending by Size.
func SortBySizeAscending(shards []Shard) {
	sort.Slice(shards, func(i, j int) bool { return shards[i].Size() < shards[j].Size() })
}

// SortBySizeDescending sorts shards descending by Size.
func SortBySizeDescending(shards []Shard) {
	sort.Slice(shards, func(i, j int) bool { return shards[j].Size() < shards[i].Size() })
}

// RangeSize sums the sizes of every shard in shards.
func RangeSize(shards []Shard) uint64 {
	var total uint64
	for _, s := range shards {
		total += s.Size()
	}
	return total
}

// ExtractID parses the numeric id out of a key of the form "<prefix>_<id>"
// (e.g. "u_42", "p_7", "u_42_posts"). It panics on a malformed key, matching
// the original system's assertion that every routable key has this shape.
func ExtractID(key string) uint32 {
	tokens := strings.Split(key, "_")
	if len(tokens) < 2 {
		panic("shardrange: malformed key " + key)
	}
	id, err := strconv.ParseUint(tokens[1], 10, 32)
	if err != nil {
		panic("shardrange: malformed key " + key)
	}
	return uint32(id)
}
