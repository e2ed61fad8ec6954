package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/store"
)

type countingLookup struct {
	calls [][]string
	data  map[string][]store.Participant
	err   error
}

func (c *countingLookup) ParticipantsForThreads(_ context.Context, ids []string) ([]store.Participant, error) {
	c.calls = append(c.calls, ids)
	if c.err != nil {
		return nil, c.err
	}
	var out []store.Participant
	for _, id := range ids {
		out = append(out, c.data[id]...)
	}
	return out, nil
}

func TestParticipantsCachesPerThread(t *testing.T) {
	lookup := &countingLookup{data: map[string][]store.Participant{
		"t1": {{ThreadGUID: "t1", Address: "+1"}},
		"t2": {{ThreadGUID: "t2", Address: "+2"}, {ThreadGUID: "t2", Address: "+3"}},
	}}
	p, err := NewParticipants(lookup, 100, 0, nil)
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	got, err := p.ParticipantsForThreads(ctx, []string{"t1", "t2", "t3"})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	require.Len(t, lookup.calls, 1)

	got, err = p.ParticipantsForThreads(ctx, []string{"t2", "t1"})
	require.NoError(t, err)
	assert.Equal(t, "+2", got[0].Address)
	assert.Len(t, lookup.calls, 1, "second lookup must be served from cache")

	p.Invalidate("t1")
	_, err = p.ParticipantsForThreads(ctx, []string{"t1", "t2"})
	require.NoError(t, err)
	require.Len(t, lookup.calls, 2)
	assert.Equal(t, []string{"t1"}, lookup.calls[1])
}

func TestParticipantsPropagatesErrors(t *testing.T) {
	p, err := NewParticipants(&countingLookup{err: errors.New("locked")}, 10, 0, nil)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.ParticipantsForThreads(context.Background(), []string{"t1"})
	assert.Error(t, err)
}

func TestLinkPreviewsOverStore(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Migrate()
	require.NoError(t, err)
	require.NoError(t, db.UpsertLinkPreview(context.Background(), "https://go.dev", "Go"))

	l, err := NewLinkPreviews(db, 10, zap.NewNop(), nil)
	require.NoError(t, err)
	defer l.Close()

	title, ok := l.PreviewTitle("https://go.dev")
	assert.True(t, ok)
	assert.Equal(t, "Go", title)

	_, ok = l.PreviewTitle("https://unknown.example")
	assert.False(t, ok)

	// Served from cache even after the row changes, until forgotten.
	require.NoError(t, db.UpsertLinkPreview(context.Background(), "https://go.dev", "Go Dev"))
	title, _ = l.PreviewTitle("https://go.dev")
	assert.Equal(t, "Go", title)
	l.Forget("https://go.dev")
	title, _ = l.PreviewTitle("https://go.dev")
	assert.Equal(t, "Go Dev", title)
}
