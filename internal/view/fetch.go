package view

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/inbox/internal/conversation"
	"github.com/matheus3301/inbox/internal/merge"
	"github.com/matheus3301/inbox/internal/projector"
	"github.com/matheus3301/inbox/internal/store"
)

type pageRequest struct {
	limit  int
	offset int
}

type page struct {
	drafts  []conversation.Record
	fetched int
	total   int
}

// fetch queries every requested kind concurrently. Kinds do not cancel each
// other, so the error reports exactly which ones failed.
func (s *Store) fetch(ctx context.Context, reqs map[store.Kind]pageRequest) (map[store.Kind]page, error) {
	var (
		g     errgroup.Group
		mu    sync.Mutex
		errs  []error
		pages = make(map[store.Kind]page, len(reqs))
	)
	for kind, req := range reqs {
		g.Go(func() error {
			pg, err := s.fetchKind(ctx, kind, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, &SourceError{Kind: kind, Err: err})
				return nil
			}
			pages[kind] = pg
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case len(errs) == 0:
		return pages, nil
	case len(errs) == len(reqs):
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, errors.Join(errs...))
	default:
		return nil, fmt.Errorf("%w: %w", ErrPartialSourceFailure, errors.Join(errs...))
	}
}

func (s *Store) fetchKind(ctx context.Context, kind store.Kind, req pageRequest) (page, error) {
	threads, err := s.source.ListThreadsPage(ctx, kind, req.limit, req.offset)
	if err != nil {
		return page{}, fmt.Errorf("list threads: %w", err)
	}
	total, err := s.source.CountThreads(ctx, kind)
	if err != nil {
		return page{}, fmt.Errorf("count threads: %w", err)
	}
	if len(threads) == 0 {
		return page{total: total}, nil
	}

	ids := make([]string, len(threads))
	for i := range threads {
		ids[i] = threads[i].GUID
	}
	parts, err := s.source.ParticipantsForThreads(ctx, ids)
	if err != nil {
		return page{}, fmt.Errorf("participants: %w", err)
	}
	byThread := make(map[string][]store.Participant, len(threads))
	for _, p := range parts {
		byThread[p.ThreadGUID] = append(byThread[p.ThreadGUID], p)
	}

	drafts := make([]conversation.Record, 0, len(threads))
	for _, t := range threads {
		latest, err := s.source.LatestMessage(ctx, t.GUID)
		if err != nil {
			return page{}, fmt.Errorf("latest message for %s: %w", t.GUID, err)
		}
		drafts = append(drafts, s.projector.Project(projector.Input{
			Thread:       t,
			Participants: byThread[t.GUID],
			Latest:       latest,
		}))
	}
	return page{drafts: drafts, fetched: len(threads), total: total}, nil
}

// fold merges freshly projected drafts into existing records. Drafts for
// threads that are already materialized are dropped, so a shifted page never
// yields a duplicate.
func (s *Store) fold(existing []conversation.Record, pages map[store.Kind]page) ([]conversation.Record, error) {
	seen := make(map[string]bool, len(existing))
	drafts := make([]conversation.Record, 0, len(existing))
	for i := range existing {
		drafts = append(drafts, existing[i].Clone())
		for _, id := range existing[i].MergedIDs {
			seen[id] = true
		}
	}
	for _, k := range s.kinds {
		for _, d := range pages[k].drafts {
			if seen[d.PrimaryID] {
				continue
			}
			seen[d.PrimaryID] = true
			drafts = append(drafts, d)
		}
	}

	merged, err := merge.Resolve(drafts)
	if err != nil {
		return nil, err
	}
	conversation.Sort(merged)
	return merged, nil
}
