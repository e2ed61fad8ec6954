package conversation

import (
	"cmp"
	"slices"
)

// Compare is the list's total order: pinned before unpinned, ranked pins by
// ascending rank (unranked pins last), then most recent message first, then
// primary id.
func Compare(a, b *Record) int {
	if a.IsPinned != b.IsPinned {
		if a.IsPinned {
			return -1
		}
		return 1
	}
	if a.IsPinned {
		if c := comparePinRank(a.PinRank, b.PinRank); c != 0 {
			return c
		}
	}
	if c := cmp.Compare(b.LastMessage.Timestamp, a.LastMessage.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.PrimaryID, b.PrimaryID)
}

func comparePinRank(a, b *int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return cmp.Compare(*a, *b)
	}
}

// Sort orders records in place by Compare.
func Sort(records []Record) {
	slices.SortFunc(records, func(a, b Record) int { return Compare(&a, &b) })
}

// SortKey captures every field Compare reads. Two records with equal keys
// occupy the same position relative to any third record.
type SortKey struct {
	Pinned    bool
	Rank      int
	Ranked    bool
	Timestamp int64
	PrimaryID string
}

// KeyOf returns the sort key of r.
func KeyOf(r *Record) SortKey {
	k := SortKey{Pinned: r.IsPinned, Timestamp: r.LastMessage.Timestamp, PrimaryID: r.PrimaryID}
	if r.PinRank != nil {
		k.Rank, k.Ranked = *r.PinRank, true
	}
	return k
}
