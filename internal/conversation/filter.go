package conversation

import (
	"slices"
	"time"

	"github.com/matheus3301/inbox/internal/store"
)

// Status narrows the list by conversation state.
type Status string

const (
	StatusAll     Status = "all"
	StatusUnread  Status = "unread"
	StatusPinned  Status = "pinned"
	StatusMuted   Status = "muted"
	StatusSnoozed Status = "snoozed"
)

// Category narrows the list by conversation shape or transport.
type Category string

const (
	CategoryAll    Category = "all"
	CategoryDirect Category = "direct"
	CategoryGroups Category = "groups"
	CategoryPush   Category = "push"
	CategorySMS    Category = "sms"
)

// Filter is the active list filter.
type Filter struct {
	Status   Status   `json:"status"`
	Category Category `json:"category"`
}

// AllFilter matches every record.
var AllFilter = Filter{Status: StatusAll, Category: CategoryAll}

func (f Filter) normalized() Filter {
	if f.Status == "" {
		f.Status = StatusAll
	}
	if f.Category == "" {
		f.Category = CategoryAll
	}
	return f
}

// Equal compares filters treating empty fields as "all".
func (f Filter) Equal(o Filter) bool {
	return f.normalized() == o.normalized()
}

// Match reports whether r passes the filter at time now.
func (f Filter) Match(r *Record, now time.Time) bool {
	f = f.normalized()
	snoozed := r.IsSnoozedUntil > now.UnixMilli()

	switch f.Status {
	case StatusUnread:
		if r.UnreadCount == 0 {
			return false
		}
	case StatusPinned:
		if !r.IsPinned {
			return false
		}
	case StatusMuted:
		if !r.IsMuted {
			return false
		}
	case StatusSnoozed:
		if !snoozed {
			return false
		}
	}
	if f.Status != StatusSnoozed && snoozed {
		return false
	}

	switch f.Category {
	case CategoryDirect:
		return !r.IsGroup
	case CategoryGroups:
		return r.IsGroup
	case CategoryPush:
		return slices.Contains(r.Kinds, store.KindPush)
	case CategorySMS:
		return slices.Contains(r.Kinds, store.KindSMS)
	}
	return true
}

// Apply returns the records matching f, preserving order.
func (f Filter) Apply(records []Record, now time.Time) []Record {
	out := make([]Record, 0, len(records))
	for i := range records {
		if f.Match(&records[i], now) {
			out = append(out, records[i])
		}
	}
	return out
}

// TotalUnread sums unread counts of records matching f.
func (f Filter) TotalUnread(records []Record, now time.Time) int {
	total := 0
	for i := range records {
		if f.Match(&records[i], now) {
			total += records[i].UnreadCount
		}
	}
	return total
}
