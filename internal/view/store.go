// Package view materializes the paginated, merged, sorted conversation list.
//
// All writers go through LoadInitial, LoadMore, ReconcileLoadedWindow and
// PatchRecord. Each swaps in a fully sorted and deduplicated slice under the
// store lock, so readers never see an intermediate state.
package view

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/conversation"
	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/projector"
	"github.com/matheus3301/inbox/internal/status"
	"github.com/matheus3301/inbox/internal/store"
)

const DefaultPageSize = 50

var (
	// ErrSourceUnavailable means no source kind could be queried.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrPartialSourceFailure means some, but not all, source kinds failed.
	ErrPartialSourceFailure = errors.New("partial source failure")
	// ErrAlreadyLoading is returned when a load is already in flight.
	ErrAlreadyLoading = errors.New("already loading")
	// ErrNotLoaded is returned by LoadMore before the first page is in.
	ErrNotLoaded = errors.New("list not loaded")
	// ErrNotFound is returned by PatchRecord when no record holds the id.
	ErrNotFound = errors.New("conversation not found")
)

// SourceError carries the source kind whose query failed.
type SourceError struct {
	Kind store.Kind
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s source: %v", e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Source is the durable store's read contract.
type Source interface {
	ListThreadsPage(ctx context.Context, kind store.Kind, limit, offset int) ([]store.Thread, error)
	CountThreads(ctx context.Context, kind store.Kind) (int, error)
	LatestMessage(ctx context.Context, threadGUID string) (*store.Message, error)
	ParticipantsForThreads(ctx context.Context, threadGUIDs []string) ([]store.Participant, error)
}

// Patch is a field-level transform on one record. Returning false removes the
// record from the view.
type Patch func(r *conversation.Record) bool

// Snapshot is a consistent copy of the materialized list and its signals.
type Snapshot struct {
	Records       []conversation.Record `json:"records"`
	State         status.State          `json:"state"`
	IsLoadingMore bool                  `json:"is_loading_more"`
	CanLoadMore   bool                  `json:"can_load_more"`
	Filter        conversation.Filter   `json:"filter"`
	Version       uint64                `json:"version"`
}

// ScrollSignal asks the render layer to reposition once.
type ScrollSignal struct {
	Index     int    `json:"index"`
	PrimaryID string `json:"primary_id,omitempty"`
}

// Options configures a Store.
type Options struct {
	PageSize int
	Kinds    []store.Kind
	Bus      *bus.Bus
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type overlay struct {
	writeID  string
	threadID string
	patch    Patch
}

// racingPatch is a patch applied while a fetch was reading rows that may
// predate it.
type racingPatch struct {
	seq   uint64
	id    string
	patch Patch
}

// Store owns the materialized conversation list.
type Store struct {
	source    Source
	projector *projector.Projector
	kinds     []store.Kind
	pageSize  int
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger
	machine   *status.Machine
	now       func() time.Time

	mu          sync.RWMutex
	records     []conversation.Record
	index       map[string]int
	offsets     map[store.Kind]int
	hasMore     map[store.Kind]bool
	loading     bool
	loadingMore bool
	generation  uint64
	version     uint64
	filter      conversation.Filter
	overlays    []overlay
	patchSeq    uint64
	fetches     int
	racing      []racingPatch
}

// New creates an empty store.
func New(source Source, p *projector.Projector, opts Options, logger *zap.Logger) *Store {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = store.Kinds
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		source:    source,
		projector: p,
		kinds:     slices.Clone(opts.Kinds),
		pageSize:  opts.PageSize,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		logger:    logger,
		machine:   status.NewViewMachine(opts.Bus),
		now:       opts.Now,
		index:     make(map[string]int),
		offsets:   make(map[store.Kind]int),
		hasMore:   make(map[store.Kind]bool),
		filter:    conversation.AllFilter,
	}
}

// LoadInitial fetches the first page of every source kind and replaces the
// materialized set. On failure the previous set is kept.
func (s *Store) LoadInitial(ctx context.Context) (err error) {
	start := time.Now()

	s.mu.Lock()
	if s.loading || s.loadingMore {
		s.mu.Unlock()
		return ErrAlreadyLoading
	}
	defer func() { s.metrics.ObserveLoad("initial", start, err) }()

	prev := s.machine.Current()
	s.loading = true
	s.generation++
	since := s.beginFetch()
	s.transition(status.Loading)
	s.mu.Unlock()

	reqs := make(map[store.Kind]pageRequest, len(s.kinds))
	for _, k := range s.kinds {
		reqs[k] = pageRequest{limit: s.pageSize}
	}
	pages, err := s.fetch(ctx, reqs)
	var records []conversation.Record
	if err == nil {
		records, err = s.fold(nil, pages)
	}

	s.mu.Lock()
	s.loading = false
	defer s.endFetch()
	if err != nil {
		s.transition(prev)
		s.mu.Unlock()
		s.logger.Error("initial load failed", zap.Error(err))
		return err
	}
	for k, pg := range pages {
		s.offsets[k] = pg.fetched
		s.hasMore[k] = pg.fetched < pg.total
	}
	s.install(s.replay(s.carryOver(records), since))
	s.transition(s.settledState())
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("initial load complete", zap.Int("records", len(snap.Records)), zap.Bool("can_load_more", snap.CanLoadMore))
	s.publish(snap)
	return nil
}

// LoadMore fetches the next page from every kind that still has rows and
// folds it into the existing set. It reports whether more rows remain.
func (s *Store) LoadMore(ctx context.Context) (more bool, err error) {
	start := time.Now()

	s.mu.Lock()
	switch {
	case s.loading || s.loadingMore:
		s.mu.Unlock()
		return false, ErrAlreadyLoading
	case s.machine.Current() == status.Empty:
		s.mu.Unlock()
		return false, ErrNotLoaded
	case !s.canLoadMoreLocked():
		s.mu.Unlock()
		return false, nil
	}
	defer func() { s.metrics.ObserveLoad("more", start, err) }()

	s.loadingMore = true
	s.generation++
	since := s.beginFetch()
	s.transition(status.LoadingMore)
	reqs := make(map[store.Kind]pageRequest)
	for _, k := range s.kinds {
		if s.hasMore[k] {
			reqs[k] = pageRequest{limit: s.pageSize, offset: s.offsets[k]}
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	pages, err := s.fetch(ctx, reqs)

	s.mu.Lock()
	s.loadingMore = false
	defer s.endFetch()
	if err != nil {
		s.transition(status.Loaded)
		snap = s.snapshotLocked()
		s.mu.Unlock()
		s.publish(snap)
		s.logger.Warn("load more failed", zap.Error(err))
		return false, err
	}

	records, err := s.fold(s.records, pages)
	if err != nil {
		s.transition(status.Loaded)
		s.mu.Unlock()
		return false, err
	}
	for k, pg := range pages {
		s.offsets[k] += pg.fetched
		s.hasMore[k] = pg.fetched > 0 && s.offsets[k] < pg.total
	}
	s.install(s.replay(s.carryOver(records), since))
	s.transition(s.settledState())
	more = s.canLoadMoreLocked()
	snap = s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("page loaded", zap.Int("records", len(snap.Records)), zap.Bool("can_load_more", more))
	s.publish(snap)
	return more, nil
}

// ReconcileLoadedWindow re-queries the currently loaded window of every kind
// and replaces the set. It is skipped (applied=false) while another load is
// in flight, before the first load, and when a newer load superseded it.
func (s *Store) ReconcileLoadedWindow(ctx context.Context) (applied bool, err error) {
	s.mu.Lock()
	if s.loading || s.loadingMore || s.machine.Current() == status.Empty {
		s.mu.Unlock()
		s.metrics.Reconcile("skipped")
		return false, nil
	}
	s.generation++
	gen := s.generation
	since := s.beginFetch()
	reqs := make(map[store.Kind]pageRequest, len(s.kinds))
	for _, k := range s.kinds {
		reqs[k] = pageRequest{limit: max(s.offsets[k], s.pageSize)}
	}
	s.mu.Unlock()

	pages, err := s.fetch(ctx, reqs)
	var records []conversation.Record
	if err == nil {
		records, err = s.fold(nil, pages)
	}

	s.mu.Lock()
	defer s.endFetch()
	if err != nil {
		s.mu.Unlock()
		s.metrics.Reconcile("error")
		s.logger.Error("reconcile failed", zap.Error(err))
		return false, err
	}
	if gen != s.generation || s.loading || s.loadingMore {
		s.mu.Unlock()
		s.metrics.Reconcile("stale")
		return false, nil
	}
	for k, pg := range pages {
		s.offsets[k] = pg.fetched
		s.hasMore[k] = pg.fetched < pg.total
	}
	s.install(s.replay(s.carryOver(records), since))
	s.transition(s.settledState())
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.metrics.Reconcile("applied")
	s.logger.Debug("reconcile applied", zap.Int("records", len(snap.Records)))
	s.publish(snap)
	return true, nil
}

// PatchRecord applies p to the record holding id, matched by primary id, any
// merged id, or contact key equality for direct threads. The list is re-sorted
// only when the patch moved the record's sort key.
func (s *Store) PatchRecord(id string, p Patch) (conversation.Record, error) {
	return s.patch("", id, p)
}

// PatchPending is PatchRecord for an optimistic write that has not been
// persisted yet. The patch is re-applied after every re-projection until
// Settle is called with the same writeID.
func (s *Store) PatchPending(writeID, id string, p Patch) (conversation.Record, error) {
	return s.patch(writeID, id, p)
}

// Settle forgets a pending patch once its write reached the durable store.
func (s *Store) Settle(writeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlays = slices.DeleteFunc(s.overlays, func(o overlay) bool { return o.writeID == writeID })
}

func (s *Store) patch(writeID, id string, p Patch) (conversation.Record, error) {
	s.mu.Lock()
	i := s.locate(id)
	if i < 0 {
		s.mu.Unlock()
		return conversation.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if writeID != "" {
		s.overlays = append(s.overlays, overlay{writeID: writeID, threadID: s.records[i].PrimaryID, patch: p})
	}
	s.patchSeq++
	if s.fetches > 0 {
		s.racing = append(s.racing, racingPatch{seq: s.patchSeq, id: id, patch: p})
	}

	records := slices.Clone(s.records)
	rec := records[i].Clone()
	before := conversation.KeyOf(&rec)
	keep := p(&rec)
	rec.UnreadCount = max(rec.UnreadCount, 0)

	switch {
	case !keep:
		records = slices.Delete(records, i, i+1)
	case conversation.KeyOf(&rec) != before:
		records[i] = rec
		conversation.Sort(records)
	default:
		records[i] = rec
	}
	s.install(records)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return rec, nil
}

// SetFilter changes the active filter and asks the render layer to scroll to
// the top when it differs from the previous one.
func (s *Store) SetFilter(f conversation.Filter) {
	s.mu.Lock()
	changed := !s.filter.Equal(f)
	s.filter = f
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.publish(snap)
		s.publishScroll(ScrollSignal{Index: 0})
	}
}

// Filter returns the active filter.
func (s *Store) Filter() conversation.Filter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// ScrollTo emits a one-shot scroll signal for the record holding id within
// the active filter. It returns false if the record is not visible.
func (s *Store) ScrollTo(id string) bool {
	s.mu.RLock()
	filtered := s.filter.Apply(s.records, s.now())
	i := s.locateIn(filtered, id)
	s.mu.RUnlock()
	if i < 0 {
		return false
	}
	s.publishScroll(ScrollSignal{Index: i, PrimaryID: filtered[i].PrimaryID})
	return true
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Filtered returns the records matching f in list order.
func (s *Store) Filtered(f conversation.Filter) []conversation.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := f.Apply(s.records, s.now())
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out
}

// TotalUnreadForFilter sums unread counts over loaded records matching f.
func (s *Store) TotalUnreadForFilter(f conversation.Filter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return f.TotalUnread(s.records, s.now())
}

// Get returns the record holding id.
func (s *Store) Get(id string) (conversation.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.locate(id); i >= 0 {
		return s.records[i].Clone(), true
	}
	return conversation.Record{}, false
}

// IsLoadingMore reports whether a LoadMore is in flight.
func (s *Store) IsLoadingMore() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadingMore
}

// CanLoadMore reports whether any kind still has unfetched rows.
func (s *Store) CanLoadMore() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canLoadMoreLocked()
}

// State returns the load cursor state.
func (s *Store) State() status.State {
	return s.machine.Current()
}

// locate finds the record holding id in the materialized set. Callers hold
// the lock.
func (s *Store) locate(id string) int {
	if i, ok := s.index[id]; ok {
		return i
	}
	return s.matchKey(s.records, id)
}

func (s *Store) locateIn(records []conversation.Record, id string) int {
	for i := range records {
		if records[i].Holds(id) {
			return i
		}
	}
	return s.matchKey(records, id)
}

// matchKey falls back to contact key equality so an event for one transport's
// thread finds the record that folded it under another transport's id.
func (s *Store) matchKey(records []conversation.Record, id string) int {
	key := s.projector.Normalizer.ThreadKey(id)
	if key == "" {
		return -1
	}
	for i := range records {
		if !records[i].IsGroup && records[i].ContactKey == key {
			return i
		}
	}
	return -1
}

// install swaps in a new record slice and rebuilds the id index.
func (s *Store) install(records []conversation.Record) {
	s.records = records
	s.index = make(map[string]int, len(records))
	for i := range records {
		for _, id := range records[i].MergedIDs {
			s.index[id] = i
		}
	}
	s.version++
	s.metrics.SetRecords(len(records))
}

// carryOver restores state that durable storage does not hold: typing
// indicators and patches whose writes are still pending. Pending patches are
// set-style, so applying one twice is harmless.
func (s *Store) carryOver(records []conversation.Record) []conversation.Record {
	typing := make(map[string]bool)
	for i := range s.records {
		for _, id := range s.records[i].TypingIDs {
			typing[id] = true
		}
	}
	for i := range records {
		records[i].TypingIDs = nil
		for _, id := range records[i].MergedIDs {
			if typing[id] {
				records[i].TypingIDs = append(records[i].TypingIDs, id)
			}
		}
	}

	if len(s.overlays) == 0 {
		return records
	}
	for _, o := range s.overlays {
		i := -1
		for j := range records {
			if records[j].Holds(o.threadID) {
				i = j
				break
			}
		}
		if i < 0 {
			continue
		}
		if !o.patch(&records[i]) {
			records = slices.Delete(records, i, i+1)
		}
	}
	conversation.Sort(records)
	return records
}

// beginFetch marks a fetch in flight and returns the patch sequence it
// started at. Callers hold the lock.
func (s *Store) beginFetch() uint64 {
	s.fetches++
	return s.patchSeq
}

// endFetch takes the lock itself so it can be deferred after an unlock.
func (s *Store) endFetch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches--
	if s.fetches == 0 {
		s.racing = nil
	}
}

// replay re-applies the patches made after a fetch started, so rows read
// before a live update cannot overwrite it.
func (s *Store) replay(records []conversation.Record, since uint64) []conversation.Record {
	applied := false
	for _, rp := range s.racing {
		if rp.seq <= since {
			continue
		}
		i := s.locateIn(records, rp.id)
		if i < 0 {
			continue
		}
		applied = true
		if !rp.patch(&records[i]) {
			records = slices.Delete(records, i, i+1)
			continue
		}
		records[i].UnreadCount = max(records[i].UnreadCount, 0)
	}
	if applied {
		conversation.Sort(records)
	}
	return records
}

func (s *Store) canLoadMoreLocked() bool {
	for _, k := range s.kinds {
		if s.hasMore[k] {
			return true
		}
	}
	return false
}

func (s *Store) settledState() status.State {
	if s.canLoadMoreLocked() {
		return status.Loaded
	}
	return status.Exhausted
}

func (s *Store) transition(to status.State) {
	if s.machine.Current() == to {
		return
	}
	if err := s.machine.Transition(to); err != nil {
		s.logger.Warn("view state transition rejected", zap.Error(err))
	}
}

func (s *Store) snapshotLocked() Snapshot {
	records := make([]conversation.Record, len(s.records))
	for i := range s.records {
		records[i] = s.records[i].Clone()
	}
	return Snapshot{
		Records:       records,
		State:         s.machine.Current(),
		IsLoadingMore: s.loadingMore,
		CanLoadMore:   s.canLoadMoreLocked(),
		Filter:        s.filter,
		Version:       s.version,
	}
}

func (s *Store) publish(snap Snapshot) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: "view.updated", Timestamp: time.Now(), Payload: snap})
}

func (s *Store) publishScroll(sig ScrollSignal) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: "view.scroll_to", Timestamp: time.Now(), Payload: sig})
}
