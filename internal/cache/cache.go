// Package cache puts ristretto caches in front of the store lookups the
// projector runs for every page.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/store"
)

const (
	defaultCapacity = 4096
	previewTimeout  = 250 * time.Millisecond
	negativeTTL     = time.Minute
)

func newCache[V any](capacity int64) (*ristretto.Cache[string, V], error) {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, V]{
		NumCounters:        capacity * 10,
		MaxCost:            capacity,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return c, nil
}

// ParticipantLookup is the uncached participant query.
type ParticipantLookup interface {
	ParticipantsForThreads(ctx context.Context, threadGUIDs []string) ([]store.Participant, error)
}

// Participants caches participant lists per thread.
type Participants struct {
	next    ParticipantLookup
	cache   *ristretto.Cache[string, []store.Participant]
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewParticipants wraps next. Entries expire after ttl; zero keeps them until evicted.
func NewParticipants(next ParticipantLookup, capacity int64, ttl time.Duration, m *metrics.Metrics) (*Participants, error) {
	c, err := newCache[[]store.Participant](capacity)
	if err != nil {
		return nil, err
	}
	return &Participants{next: next, cache: c, ttl: ttl, metrics: m}, nil
}

// ParticipantsForThreads returns participants for every thread in threadGUIDs,
// grouped in the order the ids were given. Only misses reach the store.
func (p *Participants) ParticipantsForThreads(ctx context.Context, threadGUIDs []string) ([]store.Participant, error) {
	found := make(map[string][]store.Participant, len(threadGUIDs))
	var misses []string
	for _, id := range threadGUIDs {
		if ps, ok := p.cache.Get(id); ok {
			found[id] = ps
			p.metrics.CacheLookup("participants", true)
			continue
		}
		p.metrics.CacheLookup("participants", false)
		misses = append(misses, id)
	}

	if len(misses) > 0 {
		fetched, err := p.next.ParticipantsForThreads(ctx, misses)
		if err != nil {
			return nil, err
		}
		byThread := make(map[string][]store.Participant, len(misses))
		for _, sp := range fetched {
			byThread[sp.ThreadGUID] = append(byThread[sp.ThreadGUID], sp)
		}
		for _, id := range misses {
			ps := byThread[id]
			found[id] = ps
			p.cache.SetWithTTL(id, ps, 1, p.ttl)
		}
		p.cache.Wait()
	}

	var out []store.Participant
	for _, id := range threadGUIDs {
		out = append(out, found[id]...)
	}
	return out, nil
}

// Invalidate drops cached participants for the given threads.
func (p *Participants) Invalidate(threadGUIDs ...string) {
	for _, id := range threadGUIDs {
		p.cache.Del(id)
	}
}

// Close releases the cache.
func (p *Participants) Close() {
	p.cache.Close()
}

// LinkTitleLookup is the uncached link preview query.
type LinkTitleLookup interface {
	LinkPreviewTitle(ctx context.Context, url string) (string, bool, error)
}

type preview struct {
	title string
	ok    bool
}

// LinkPreviews resolves cached page titles for the projector.
type LinkPreviews struct {
	next    LinkTitleLookup
	cache   *ristretto.Cache[string, preview]
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewLinkPreviews wraps next.
func NewLinkPreviews(next LinkTitleLookup, capacity int64, logger *zap.Logger, m *metrics.Metrics) (*LinkPreviews, error) {
	c, err := newCache[preview](capacity)
	if err != nil {
		return nil, err
	}
	return &LinkPreviews{next: next, cache: c, logger: logger, metrics: m}, nil
}

// PreviewTitle implements projector.LinkPreviewer. Unknown URLs are
// remembered briefly so a busy list does not hammer the store.
func (l *LinkPreviews) PreviewTitle(url string) (string, bool) {
	if pv, ok := l.cache.Get(url); ok {
		l.metrics.CacheLookup("link_previews", true)
		return pv.title, pv.ok
	}
	l.metrics.CacheLookup("link_previews", false)

	ctx, cancel := context.WithTimeout(context.Background(), previewTimeout)
	defer cancel()
	title, ok, err := l.next.LinkPreviewTitle(ctx, url)
	if err != nil {
		l.logger.Warn("link preview lookup failed", zap.String("url", url), zap.Error(err))
		return "", false
	}
	ttl := time.Duration(0)
	if !ok {
		ttl = negativeTTL
	}
	l.cache.SetWithTTL(url, preview{title: title, ok: ok}, 1, ttl)
	l.cache.Wait()
	return title, ok
}

// Forget drops a URL so the next lookup reads the store.
func (l *LinkPreviews) Forget(url string) {
	l.cache.Del(url)
}

// Close releases the cache.
func (l *LinkPreviews) Close() {
	l.cache.Close()
}
