package api

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/conversation"
	"github.com/matheus3301/inbox/internal/identity"
	"github.com/matheus3301/inbox/internal/outbox"
	"github.com/matheus3301/inbox/internal/projector"
	"github.com/matheus3301/inbox/internal/reconcile"
	"github.com/matheus3301/inbox/internal/selection"
	"github.com/matheus3301/inbox/internal/status"
	"github.com/matheus3301/inbox/internal/store"
	"github.com/matheus3301/inbox/internal/view"
)

type fixture struct {
	db     *store.DB
	client *Client
}

func newFixture(t *testing.T, pageSize int) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "inbox.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	logger := zap.NewNop()
	v := view.New(db, projector.New(identity.Normalizer{CountryCode: "1"}, nil), view.Options{PageSize: pageSize, Bus: b}, logger)
	w := outbox.NewWriter(db, b, nil, logger)
	w.Start()
	r := reconcile.New(v, w, b, nil, reconcile.Options{}, logger)
	r.Start(context.Background())

	svc := NewConversationService(ServiceConfig{
		SessionName: "test",
		Reconciler:  r,
		View:        v,
		Selection:   selection.New(),
		Writes:      w,
		Machine:     status.NewMachine(b),
		Bus:         b,
		Logger:      logger,
	})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterConversationServer(srv, svc)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		r.Stop()
		_ = w.Close(context.Background())
	})
	return &fixture{db: db, client: NewClient(conn)}
}

func (f *fixture) seed(t *testing.T, guid string, ts int64, unread bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.db.UpsertThread(ctx, &store.Thread{GUID: guid, Kind: store.KindSMS, LastMessageAt: ts}))
	msg := &store.Message{GUID: guid + "-m", ThreadGUID: guid, SenderAddress: "+15550000000", Body: "hey", CreatedAt: ts}
	if !unread {
		msg.ReadAt = ts
	}
	_, err := f.db.UpsertMessage(ctx, msg)
	require.NoError(t, err)
}

func code(err error) codes.Code {
	return grpcstatus.Code(err)
}

func TestListLoadsAndFilters(t *testing.T) {
	f := newFixture(t, 10)
	f.seed(t, "sms;-;+15550000001", 300, true)
	f.seed(t, "sms;-;+15550000002", 200, false)
	ctx := context.Background()

	resp, err := f.client.List(ctx, &ListRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Records, 2)
	assert.Equal(t, "sms;-;+15550000001", resp.Records[0].PrimaryID)
	assert.Equal(t, 1, resp.TotalUnread)
	assert.Equal(t, status.Exhausted, resp.State)

	resp, err = f.client.List(ctx, &ListRequest{Filter: &conversation.Filter{Status: conversation.StatusUnread}})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, 2, resp.Loaded)
}

func TestMutateAndErrors(t *testing.T) {
	f := newFixture(t, 10)
	f.seed(t, "sms;-;+15550000001", 300, false)
	f.seed(t, "sms;-;+15550000002", 200, false)
	ctx := context.Background()

	_, err := f.client.List(ctx, &ListRequest{})
	require.NoError(t, err)

	m, err := f.client.Mutate(ctx, &MutateRequest{Mutation: outbox.Mutation{Op: outbox.OpPin, ThreadID: "sms;-;+15550000002", Value: true}})
	require.NoError(t, err)
	assert.NotEmpty(t, m.Write.ID)

	resp, err := f.client.List(ctx, &ListRequest{})
	require.NoError(t, err)
	assert.Equal(t, "sms;-;+15550000002", resp.Records[0].PrimaryID)
	assert.True(t, resp.Records[0].IsPinned)

	_, err = f.client.Mutate(ctx, &MutateRequest{Mutation: outbox.Mutation{Op: "explode", ThreadID: "x"}})
	assert.Equal(t, codes.InvalidArgument, code(err))

	_, err = f.client.RetryWrite(ctx, "missing")
	assert.Equal(t, codes.NotFound, code(err))

	_, err = f.client.ApplyBatch(ctx, &ApplyBatchRequest{Mutation: outbox.Mutation{Op: outbox.OpReorderPins, Order: []string{"a"}}})
	assert.Equal(t, codes.InvalidArgument, code(err))
}

func TestLoadMoreBeforeListFails(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.client.LoadMore(context.Background())
	assert.Equal(t, codes.FailedPrecondition, code(err))
}

func TestSelectAllAppliesAcrossUnloadedPages(t *testing.T) {
	f := newFixture(t, 1)
	f.seed(t, "sms;-;+15550000001", 300, true)
	f.seed(t, "sms;-;+15550000002", 200, true)
	f.seed(t, "sms;-;+15550000003", 100, true)
	ctx := context.Background()

	resp, err := f.client.List(ctx, &ListRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	require.True(t, resp.CanLoadMore)

	sel, err := f.client.Select(ctx, &SelectRequest{Action: SelectAll})
	require.NoError(t, err)
	assert.Equal(t, selection.ModeAllMatching, sel.State.Mode)

	batch, err := f.client.ApplyBatch(ctx, &ApplyBatchRequest{Mutation: outbox.Mutation{Op: outbox.OpMarkRead}})
	require.NoError(t, err)
	assert.Len(t, batch.Targets, 3)
	assert.Len(t, batch.Writes, 3)
	assert.Empty(t, batch.Error)

	resp, err = f.client.List(ctx, &ListRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.Records, 3)
	assert.Zero(t, resp.TotalUnread)

	sel, err = f.client.Select(ctx, &SelectRequest{Action: SelectState})
	require.NoError(t, err)
	assert.Equal(t, selection.ModeNormal, sel.State.Mode)
}

func TestSelectToggle(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, err := f.client.Select(ctx, &SelectRequest{Action: SelectToggle})
	assert.Equal(t, codes.InvalidArgument, code(err))

	sel, err := f.client.Select(ctx, &SelectRequest{Action: SelectToggle, ID: "a"})
	require.NoError(t, err)
	assert.True(t, sel.Selected)
	assert.Equal(t, []string{"a"}, sel.State.Selected)

	sel, err = f.client.Select(ctx, &SelectRequest{Action: SelectClear})
	require.NoError(t, err)
	assert.Empty(t, sel.State.Selected)
}

func TestWatchStreamsMutationOutcome(t *testing.T) {
	f := newFixture(t, 10)
	f.seed(t, "sms;-;+15550000001", 300, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := f.client.List(ctx, &ListRequest{})
	require.NoError(t, err)

	stream, err := f.client.Watch(ctx, &WatchRequest{Prefixes: []string{"mutation."}})
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "view.updated", first.Kind)
	assert.Equal(t, "test", first.Session)

	_, err = f.client.Mutate(ctx, &MutateRequest{Mutation: outbox.Mutation{Op: outbox.OpMute, ThreadID: "sms;-;+15550000001", Value: true}})
	require.NoError(t, err)

	evt, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "mutation.persisted", evt.Kind)
	assert.Contains(t, string(evt.Payload), `"op":"mute"`)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, 10)
	f.seed(t, "sms;-;+15550000001", 300, true)
	ctx := context.Background()

	_, err := f.client.List(ctx, &ListRequest{})
	require.NoError(t, err)

	st, err := f.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", st.Session)
	assert.Equal(t, status.Booting, st.Transport)
	assert.Equal(t, 1, st.Loaded)
	assert.Equal(t, 1, st.TotalUnread)
	assert.Empty(t, st.FailedWrites)
}
