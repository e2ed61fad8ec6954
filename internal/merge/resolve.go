// Package merge folds single-party conversations from different transports
// into one record per contact key.
package merge

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/matheus3301/inbox/internal/conversation"
	"github.com/matheus3301/inbox/internal/identity"
)

// ErrMergeAmbiguous signals a batch that breaks the contact-key partition,
// such as one thread id appearing twice. It indicates a caller bug.
var ErrMergeAmbiguous = errors.New("merge ambiguous")

// Resolve folds drafts that share a non-empty contact key. Groups and records
// without a key pass through. The output keeps the position of each fold's
// first constituent; callers sort afterwards.
func Resolve(drafts []conversation.Record) ([]conversation.Record, error) {
	seen := make(map[string]string, len(drafts))
	for i := range drafts {
		if len(drafts[i].MergedIDs) == 0 {
			return nil, fmt.Errorf("%w: record %q has no thread ids", ErrMergeAmbiguous, drafts[i].PrimaryID)
		}
		for _, id := range drafts[i].MergedIDs {
			if owner, dup := seen[id]; dup {
				return nil, fmt.Errorf("%w: thread %q in %q and %q", ErrMergeAmbiguous, id, owner, drafts[i].PrimaryID)
			}
			seen[id] = drafts[i].PrimaryID
		}
	}

	// Arena: contact key -> indices into drafts, built once per batch.
	arena := make(map[string][]int)
	slots := make([]string, 0, len(drafts))
	singles := make(map[int]int)
	for i := range drafts {
		d := &drafts[i]
		if d.IsGroup || d.ContactKey == "" {
			singles[len(slots)] = i
			slots = append(slots, "")
			continue
		}
		if _, ok := arena[d.ContactKey]; !ok {
			slots = append(slots, d.ContactKey)
		}
		arena[d.ContactKey] = append(arena[d.ContactKey], i)
	}

	out := make([]conversation.Record, 0, len(slots))
	for pos, key := range slots {
		if key == "" {
			out = append(out, drafts[singles[pos]].Clone())
			continue
		}
		idx := arena[key]
		if len(idx) == 1 {
			out = append(out, drafts[idx[0]].Clone())
			continue
		}
		group := make([]conversation.Record, len(idx))
		for j, i := range idx {
			group[j] = drafts[i]
		}
		folded, err := Fold(group)
		if err != nil {
			return nil, err
		}
		out = append(out, folded)
	}
	return out, nil
}

// MoreRecent orders records most recently active first, ties by primary id.
func MoreRecent(a, b *conversation.Record) int {
	if c := cmp.Compare(b.LastMessage.Timestamp, a.LastMessage.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.PrimaryID, b.PrimaryID)
}

// Fold merges records sharing one contact key into a single record.
func Fold(records []conversation.Record) (conversation.Record, error) {
	if len(records) == 0 {
		return conversation.Record{}, fmt.Errorf("%w: empty fold", ErrMergeAmbiguous)
	}
	key := records[0].ContactKey
	for i := range records {
		if records[i].IsGroup {
			return conversation.Record{}, fmt.Errorf("%w: group %q in fold", ErrMergeAmbiguous, records[i].PrimaryID)
		}
		if key == "" || records[i].ContactKey != key {
			return conversation.Record{}, fmt.Errorf("%w: key %q vs %q", ErrMergeAmbiguous, key, records[i].ContactKey)
		}
	}

	byRecency := slices.Clone(records)
	slices.SortStableFunc(byRecency, func(a, b conversation.Record) int { return MoreRecent(&a, &b) })

	out := byRecency[0].Clone()
	out.MergedIDs = nil
	out.Kinds = nil
	out.TypingIDs = nil
	out.Participants = nil
	out.UnreadCount = 0
	out.IsPinned = false
	out.PinRank = nil
	out.IsMuted = true
	out.IsSnoozedUntil = 0

	addresses := make(map[string]bool)
	for i := range byRecency {
		r := &byRecency[i]
		out.MergedIDs = append(out.MergedIDs, r.MergedIDs...)
		for _, k := range r.Kinds {
			if !slices.Contains(out.Kinds, k) {
				out.Kinds = append(out.Kinds, k)
			}
		}
		for _, id := range r.TypingIDs {
			if !slices.Contains(out.TypingIDs, id) {
				out.TypingIDs = append(out.TypingIDs, id)
			}
		}
		for _, p := range r.Participants {
			k := identity.Normalize(p.Address)
			if addresses[k] {
				continue
			}
			addresses[k] = true
			out.Participants = append(out.Participants, p)
		}

		out.UnreadCount += max(r.UnreadCount, 0)
		out.IsMuted = out.IsMuted && r.IsMuted
		out.IsSnoozedUntil = max(out.IsSnoozedUntil, r.IsSnoozedUntil)
		if r.IsPinned {
			out.IsPinned = true
			if r.PinRank != nil && (out.PinRank == nil || *r.PinRank < *out.PinRank) {
				rank := *r.PinRank
				out.PinRank = &rank
			}
		}
	}

	if i := slices.IndexFunc(byRecency, func(r conversation.Record) bool { return r.HasContact }); i >= 0 {
		named := &byRecency[i]
		out.DisplayName = named.DisplayName
		out.HasContact = true
		out.HasInferredName = false
		if named.AvatarRef != "" {
			out.AvatarRef = named.AvatarRef
		}
	}
	if out.AvatarRef == "" {
		for i := range byRecency {
			if byRecency[i].AvatarRef != "" {
				out.AvatarRef = byRecency[i].AvatarRef
				break
			}
		}
	}
	if !out.HasDraft {
		for i := range byRecency {
			if byRecency[i].HasDraft {
				out.HasDraft = true
				out.DraftText = byRecency[i].DraftText
				break
			}
		}
	}
	return out, nil
}
