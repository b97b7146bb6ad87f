package ai_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabesh/internal/ai"
	aidb "tabesh/internal/ai/db"
	"tabesh/internal/ai/provider"
	"tabesh/internal/database/dbtest"
	"tabesh/internal/logger"
	"tabesh/internal/models"
	"tabesh/internal/utils"
)

type fakeProvider struct {
	mu    sync.Mutex
	reply string
	err   error
	calls [][]provider.Message
}

func (f *fakeProvider) Complete(_ context.Context, msgs []provider.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msgs)
	return f.reply, f.err
}

type stubOrders struct {
	count  int
	recent []models.Order
}

func (s stubOrders) CountOrders(context.Context, string) (int, error) { return s.count, nil }

func (s stubOrders) RecentOrders(context.Context, string, int) ([]models.Order, error) {
	return s.recent, nil
}

type fixture struct {
	svc      *ai.Service
	db       *aidb.DB
	mr       *miniredis.Miniredis
	provider *fakeProvider
}

func newFixture(t *testing.T, opts ai.Options, limit int) *fixture {
	t.Helper()
	d := aidb.New(dbtest.New(t))
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	p := &fakeProvider{reply: "Softcover suits a thesis."}
	orders := stubOrders{count: 1, recent: []models.Order{{OrderNumber: "TB-20260101-000001", BookTitle: "Thesis", Status: models.StatusPending}}}
	svc := ai.NewService(d,
		ai.NewProfileCache(client, time.Hour),
		ai.NewRateLimiter(client, limit, time.Minute),
		p, orders, opts, logger.Nop())
	return &fixture{svc: svc, db: d, mr: mr, provider: p}
}

func enabled() ai.Options {
	return ai.Options{Enabled: true, HistoryLimit: 4, RefreshEvery: 3, Timeout: time.Second}
}

func TestTrackValidates(t *testing.T) {
	f := newFixture(t, enabled(), 10)
	ctx := context.Background()

	err := f.svc.Track(ctx, ai.Identity{}, ai.TrackRequest{EventType: ai.EventPageView})
	assert.ErrorIs(t, err, ai.ErrNoIdentity)

	err = f.svc.Track(ctx, ai.Identity{GuestID: "not-a-uuid"}, ai.TrackRequest{EventType: ai.EventPageView})
	assert.ErrorIs(t, err, ai.ErrNoIdentity)

	err = f.svc.Track(ctx, ai.Identity{UserID: "u1"}, ai.TrackRequest{EventType: "mouse_move"})
	assert.ErrorIs(t, err, ai.ErrInvalidEventType)
	assert.ErrorIs(t, err, utils.ErrValidation)

	err = f.svc.Track(ctx, ai.Identity{UserID: "u1"}, ai.TrackRequest{EventType: ai.EventSearch, Payload: json.RawMessage(`{broken`)})
	assert.ErrorIs(t, err, utils.ErrValidation)
}

func TestTrackRefreshesProfile(t *testing.T) {
	f := newFixture(t, enabled(), 10)
	ctx := context.Background()
	guest := ai.Identity{GuestID: uuid.NewString()}

	require.NoError(t, f.svc.Track(ctx, guest, ai.TrackRequest{EventType: ai.EventPageView, PageURL: "/thesis"}))
	p, err := f.db.GetProfile(ctx, guest.OwnerKey())
	require.NoError(t, err, "the first event creates a profile")
	assert.Equal(t, 1, p.EventCount)
	assert.Equal(t, ai.ProfessionStudent, p.Profession)
	assert.Equal(t, ai.LevelNew, p.ExperienceLevel, "guests have no orders")

	require.NoError(t, f.svc.Track(ctx, guest, ai.TrackRequest{EventType: ai.EventPageView, PageURL: "/novel"}))
	p, err = f.db.GetProfile(ctx, guest.OwnerKey())
	require.NoError(t, err)
	assert.Equal(t, 1, p.EventCount, "second event does not refresh")

	require.NoError(t, f.svc.Track(ctx, guest, ai.TrackRequest{EventType: ai.EventQuoteRequest, Payload: json.RawMessage(`{"note":"poetry"}`)}))
	p, err = f.db.GetProfile(ctx, guest.OwnerKey())
	require.NoError(t, err)
	assert.Equal(t, 3, p.EventCount)
	assert.Equal(t, ai.ProfessionAuthor, p.Profession)
}

func TestProfileReadsThroughCache(t *testing.T) {
	f := newFixture(t, enabled(), 10)
	ctx := context.Background()
	user := ai.Identity{UserID: "u1"}

	p, err := f.svc.Profile(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "user:u1", p.OwnerKey)
	assert.Equal(t, ai.LevelReturning, p.ExperienceLevel)
	assert.True(t, f.mr.Exists("ai_profile:user:u1"))

	// a cached profile wins over the table
	f.mr.Set("ai_profile:user:u1", `{"owner_key":"user:u1","profession":"publisher"}`)
	p, err = f.svc.Profile(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, ai.ProfessionPublisher, p.Profession)
}

func TestMergeGuest(t *testing.T) {
	f := newFixture(t, enabled(), 10)
	ctx := context.Background()
	guest := ai.Identity{GuestID: uuid.NewString()}

	for _, page := range []string{"/isbn", "/bulk-printing"} {
		require.NoError(t, f.svc.Track(ctx, guest, ai.TrackRequest{EventType: ai.EventPageView, PageURL: page}))
	}
	_, err := f.svc.Profile(ctx, guest)
	require.NoError(t, err)

	moved, err := f.svc.MergeGuest(ctx, "u7", guest.GuestID)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	n, err := f.db.CountEvents(ctx, "", guest.GuestID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, f.mr.Exists("ai_profile:"+guest.OwnerKey()))

	p, err := f.db.GetProfile(ctx, "user:u7")
	require.NoError(t, err)
	assert.Equal(t, ai.ProfessionPublisher, p.Profession)
	assert.Equal(t, 2, p.EventCount)

	_, err = f.svc.MergeGuest(ctx, "", guest.GuestID)
	assert.ErrorIs(t, err, utils.ErrUnauthorized)
	_, err = f.svc.MergeGuest(ctx, "u7", "nope")
	assert.ErrorIs(t, err, ai.ErrNoIdentity)
}

func TestQuery(t *testing.T) {
	f := newFixture(t, enabled(), 10)
	ctx := context.Background()
	user := ai.Identity{UserID: "u1"}

	resp, err := f.svc.Query(ctx, user, ai.QueryRequest{Message: "  which binding for my thesis?  ", PageURL: "/quote"})
	require.NoError(t, err)
	assert.Equal(t, "Softcover suits a thesis.", resp.Reply)

	require.Len(t, f.provider.calls, 1)
	prompt := f.provider.calls[0]
	assert.Equal(t, provider.RoleSystem, prompt[0].Role)
	assert.Contains(t, prompt[1].Content, "TB-20260101-000001")
	assert.Equal(t, "which binding for my thesis?", prompt[len(prompt)-1].Content)

	msgs, err := f.db.RecentMessages(ctx, "user:u1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, provider.RoleUser, msgs[0].Role)
	assert.Equal(t, provider.RoleAssistant, msgs[1].Role)

	events, err := f.db.RecentEvents(ctx, "u1", "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ai.EventChatMessage, events[0].EventType)
	assert.Contains(t, events[0].Payload, "thesis")

	// the next call carries the stored history
	_, err = f.svc.Query(ctx, user, ai.QueryRequest{Message: "thanks"})
	require.NoError(t, err)
	assert.Len(t, f.provider.calls[1], 5)
}

func TestQueryRejects(t *testing.T) {
	ctx := context.Background()
	user := ai.Identity{UserID: "u1"}

	f := newFixture(t, ai.Options{Enabled: false}, 10)
	_, err := f.svc.Query(ctx, user, ai.QueryRequest{Message: "hi"})
	assert.ErrorIs(t, err, ai.ErrAIDisabled)
	assert.ErrorIs(t, err, utils.ErrUnavailable)

	f = newFixture(t, enabled(), 1)
	_, err = f.svc.Query(ctx, user, ai.QueryRequest{Message: "   "})
	assert.ErrorIs(t, err, ai.ErrEmptyMessage)

	_, err = f.svc.Query(ctx, user, ai.QueryRequest{Message: "hi"})
	require.NoError(t, err)
	_, err = f.svc.Query(ctx, user, ai.QueryRequest{Message: "again"})
	assert.ErrorIs(t, err, ai.ErrRateLimited)
	assert.ErrorIs(t, err, utils.ErrRateLimited)

	f = newFixture(t, enabled(), 10)
	f.provider.err = errors.New("upstream 500")
	_, err = f.svc.Query(ctx, user, ai.QueryRequest{Message: "hi"})
	assert.ErrorIs(t, err, utils.ErrUnavailable)
	msgs, err := f.db.RecentMessages(ctx, "user:u1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "nothing is stored when the model fails")
}

func TestPurgeBehavior(t *testing.T) {
	f := newFixture(t, enabled(), 10)
	ctx := context.Background()

	old := &models.BehaviorEvent{UserID: "u1", EventType: ai.EventPageView, CreatedAt: time.Now().UTC().AddDate(0, 0, -100)}
	require.NoError(t, f.db.InsertEvent(ctx, old))
	require.NoError(t, f.svc.Track(ctx, ai.Identity{UserID: "u1"}, ai.TrackRequest{EventType: ai.EventPageView}))

	cutoff := time.Now().UTC().AddDate(0, 0, -90)
	n, err := f.svc.PurgeBehavior(ctx, cutoff, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.PurgeBehavior(ctx, cutoff, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	total, err := f.db.CountEvents(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
