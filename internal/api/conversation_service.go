package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/conversation"
	"github.com/matheus3301/inbox/internal/merge"
	"github.com/matheus3301/inbox/internal/outbox"
	"github.com/matheus3301/inbox/internal/reconcile"
	"github.com/matheus3301/inbox/internal/selection"
	"github.com/matheus3301/inbox/internal/status"
	"github.com/matheus3301/inbox/internal/view"
)

// DefaultWatchPrefixes are streamed when a WatchRequest names none.
var DefaultWatchPrefixes = []string{"view.", "mutation.", "sync.", "session."}

// Writes lists writes waiting for a retry.
type Writes interface {
	Failed() []outbox.Write
}

// Phone reports the push account's number. Nil when push is disabled.
type Phone interface {
	PhoneNumber() string
}

// ServiceConfig holds the collaborators of ConversationService.
type ServiceConfig struct {
	SessionName string
	Reconciler  *reconcile.Reconciler
	View        *view.Store
	Selection   *selection.Tracker
	Writes      Writes
	Machine     *status.Machine
	Phone       Phone
	Bus         *bus.Bus
	Logger      *zap.Logger
}

// ConversationService implements ConversationServer over the daemon's
// single conversation-list session.
type ConversationService struct {
	sessionName string
	startedAt   time.Time
	reconciler  *reconcile.Reconciler
	view        *view.Store
	selection   *selection.Tracker
	writes      Writes
	machine     *status.Machine
	phone       Phone
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewConversationService creates the service.
func NewConversationService(cfg ServiceConfig) *ConversationService {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationService{
		sessionName: cfg.SessionName,
		startedAt:   time.Now(),
		reconciler:  cfg.Reconciler,
		view:        cfg.View,
		selection:   cfg.Selection,
		writes:      cfg.Writes,
		machine:     cfg.Machine,
		phone:       cfg.Phone,
		bus:         cfg.Bus,
		logger:      logger,
	}
}

func (s *ConversationService) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	if req.Filter != nil {
		s.view.SetFilter(*req.Filter)
		s.selection.SetFilter(*req.Filter)
	}
	if s.view.State() == status.Empty {
		if err := s.reconciler.LoadInitial(ctx); err != nil && !errors.Is(err, view.ErrAlreadyLoading) {
			return nil, toStatus(err)
		}
	}
	resp := s.list()
	return &resp, nil
}

func (s *ConversationService) LoadMore(ctx context.Context, _ *LoadMoreRequest) (*LoadMoreResponse, error) {
	more, err := s.reconciler.LoadMore(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &LoadMoreResponse{More: more, List: s.list()}, nil
}

func (s *ConversationService) Reload(ctx context.Context, _ *ReloadRequest) (*ListResponse, error) {
	if err := s.reconciler.LoadInitial(ctx); err != nil {
		return nil, toStatus(err)
	}
	resp := s.list()
	return &resp, nil
}

func (s *ConversationService) Mutate(ctx context.Context, req *MutateRequest) (*MutateResponse, error) {
	wr, err := s.reconciler.Apply(ctx, req.Mutation)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MutateResponse{Write: wr}, nil
}

func (s *ConversationService) Select(_ context.Context, req *SelectRequest) (*SelectResponse, error) {
	var resp SelectResponse
	switch req.Action {
	case SelectToggle:
		if req.ID == "" {
			return nil, grpcstatus.Error(codes.InvalidArgument, "toggle: id is required")
		}
		resp.Selected = s.selection.Toggle(req.ID)
	case SelectAll:
		f := s.view.Filter()
		visible := s.view.Filtered(f)
		ids := make([]string, len(visible))
		for i := range visible {
			ids[i] = visible[i].PrimaryID
		}
		s.selection.EnterSelectAll(f, ids)
	case SelectClear:
		s.selection.Clear()
	case SelectState, "":
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown select action %q", req.Action)
	}
	resp.State = s.selection.State()
	return &resp, nil
}

// ApplyBatch pages in the rest of the list when every matching record is
// selected, resolves targets against it and applies the mutation to each.
func (s *ConversationService) ApplyBatch(ctx context.Context, req *ApplyBatchRequest) (*ApplyBatchResponse, error) {
	if req.Mutation.Op == outbox.OpReorderPins {
		return nil, grpcstatus.Error(codes.InvalidArgument, "reorder_pins cannot be batched")
	}
	if s.selection.Mode() == selection.ModeAllMatching {
		if err := s.loadAll(ctx); err != nil {
			return nil, toStatus(err)
		}
	}

	var writes []outbox.Write
	targets, err := s.selection.ApplyBatch(ctx, s.view, func(ctx context.Context, id string) error {
		m := req.Mutation
		m.ThreadID = id
		wr, err := s.reconciler.Apply(ctx, m)
		if err != nil {
			return err
		}
		writes = append(writes, wr)
		return nil
	})
	resp := &ApplyBatchResponse{Targets: targets, Writes: writes}
	if err != nil {
		s.logger.Warn("batch partially applied", zap.String("op", string(req.Mutation.Op)), zap.Int("targets", len(targets)), zap.Int("applied", len(writes)), zap.Error(err))
		if len(writes) == 0 {
			return nil, toStatus(err)
		}
		resp.Error = err.Error()
	}
	return resp, nil
}

func (s *ConversationService) loadAll(ctx context.Context) error {
	for s.view.CanLoadMore() {
		more, err := s.reconciler.LoadMore(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (s *ConversationService) RetryWrite(ctx context.Context, req *RetryWriteRequest) (*MutateResponse, error) {
	if req.ID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "id is required")
	}
	wr, err := s.reconciler.Retry(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MutateResponse{Write: wr}, nil
}

func (s *ConversationService) Status(_ context.Context, _ *StatusRequest) (*StatusResponse, error) {
	snap := s.view.Snapshot()
	resp := &StatusResponse{
		Session:      s.sessionName,
		View:         snap.State,
		Loaded:       len(snap.Records),
		TotalUnread:  s.view.TotalUnreadForFilter(conversation.AllFilter),
		FailedWrites: s.writes.Failed(),
		UptimeMs:     time.Since(s.startedAt).Milliseconds(),
	}
	if s.machine != nil {
		resp.Transport = s.machine.Current()
	}
	if s.phone != nil {
		resp.PhoneNumber = s.phone.PhoneNumber()
	}
	return resp, nil
}

// Watch streams bus events under the requested prefixes. The first event is
// always the current view.updated snapshot.
func (s *ConversationService) Watch(req *WatchRequest, stream grpc.ServerStreamingServer[WatchEvent]) error {
	prefixes := req.Prefixes
	if len(prefixes) == 0 {
		prefixes = DefaultWatchPrefixes
	}
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	if err := s.send(stream, bus.Event{Kind: "view.updated", Timestamp: time.Now(), Payload: s.view.Snapshot()}); err != nil {
		return err
	}
	for {
		select {
		case evt := <-ch:
			if !evt.In(prefixes...) {
				continue
			}
			if err := s.send(stream, evt); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *ConversationService) send(stream grpc.ServerStreamingServer[WatchEvent], evt bus.Event) error {
	payload, err := encodePayload(evt.Payload)
	if err != nil {
		s.logger.Warn("dropping unencodable event payload", zap.String("kind", evt.Kind), zap.Error(err))
	}
	return stream.Send(&WatchEvent{
		ID:         uuid.NewString(),
		Session:    s.sessionName,
		Kind:       evt.Kind,
		OccurredAt: evt.Timestamp.UnixMilli(),
		Payload:    payload,
	})
}

func (s *ConversationService) list() ListResponse {
	snap := s.view.Snapshot()
	f := s.view.Filter()
	return ListResponse{
		Records:       s.view.Filtered(f),
		Filter:        f,
		State:         snap.State,
		CanLoadMore:   snap.CanLoadMore,
		IsLoadingMore: snap.IsLoadingMore,
		TotalUnread:   s.view.TotalUnreadForFilter(f),
		Loaded:        len(snap.Records),
		Version:       snap.Version,
	}
}

type errorPayload struct {
	Error string        `json:"error"`
	Write *outbox.Write `json:"write,omitempty"`
}

func encodePayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case *outbox.PersistenceError:
		return json.Marshal(errorPayload{Error: v.Error(), Write: &v.Write})
	case error:
		return json.Marshal(errorPayload{Error: v.Error()})
	}
	return json.Marshal(p)
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch {
	case errors.Is(err, outbox.ErrInvalidMutation):
		code = codes.InvalidArgument
	case errors.Is(err, view.ErrNotFound), errors.Is(err, outbox.ErrUnknownWrite):
		code = codes.NotFound
	case errors.Is(err, view.ErrAlreadyLoading):
		code = codes.Aborted
	case errors.Is(err, view.ErrNotLoaded):
		code = codes.FailedPrecondition
	case errors.Is(err, view.ErrSourceUnavailable), errors.Is(err, view.ErrPartialSourceFailure),
		errors.Is(err, reconcile.ErrStopped), errors.Is(err, outbox.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, merge.ErrMergeAmbiguous):
		code = codes.Internal
	default:
		code = codes.Unknown
	}
	return grpcstatus.Error(code, err.Error())
}
