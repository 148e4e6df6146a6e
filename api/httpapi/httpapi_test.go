package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "dvbsboard/adapters/memory"
	"dvbsboard/core"
	"dvbsboard/engine"
	"dvbsboard/roster"
	"dvbsboard/scoreboard"
)

// Wednesday, 09:10
var now = time.Date(2025, 6, 11, 9, 10, 0, 0, time.Local)

type failingStore struct{ *mem.Store }

func (failingStore) UpdateField(context.Context, core.DocRef, string, any) error {
	return errors.New("permission denied")
}

func seedStore(t *testing.T) *mem.Store {
	t.Helper()
	store := mem.New()
	ctx := context.Background()
	for _, g := range []core.BoardID{core.BoardPrimary, core.BoardMiddlers, core.BoardJuniors} {
		require.NoError(t, store.Set(ctx, core.DocRef{Collection: "points", ID: string(g)}, core.Document{"Cpoints": 10}))
	}
	require.NoError(t, store.Set(ctx, core.DocRef{Collection: "dvbs", ID: "youth"}, core.Document{
		"youname": "Anna", "youC": "08:00", "youCpoints": 2,
	}))
	require.NoError(t, store.Set(ctx, core.DocRef{Collection: "sched2025", ID: "youth"}, core.Document{
		"C": "Bible Exploration Time", "Cstart": "09:00", "Cend": "09:35", "Cloc": "K4",
	}))
	return store
}

func newTestHandler(t *testing.T, store engine.DocumentStore, opts Options) (http.Handler, *scoreboard.Scoreboard) {
	t.Helper()
	sb := scoreboard.New(scoreboard.WithStore(store), scoreboard.WithClock(func() time.Time { return now }))
	require.NoError(t, sb.Start(context.Background()))
	t.Cleanup(sb.Close)
	require.Eventually(t, func() bool {
		return sb.Dashboard.Score(core.BoardJuniors, core.DayC) == 10 && len(sb.Roster.Present(roster.Filter{})) == 1
	}, time.Second, 5*time.Millisecond)
	if opts.PathPrefix == "" {
		opts.PathPrefix = "/api"
	}
	opts.Clock = func() time.Time { return now }
	return NewMux(sb, opts), sb
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestGetBoards(t *testing.T) {
	h, _ := newTestHandler(t, seedStore(t), Options{})

	rec, body := do(t, h, http.MethodGet, "/api/boards")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "C", body["day"])
	assert.Equal(t, "Wednesday", body["label"])
	series := body["series"].(map[string]any)
	points := series["points"].([]any)
	require.Len(t, points, 4)
	assert.Equal(t, float64(10), points[0].(map[string]any)["value"])
	assert.Equal(t, float64(0), points[3].(map[string]any)["value"], "missing youth board shows zero")
}

func TestSeriesAndSelection(t *testing.T) {
	h, sb := newTestHandler(t, seedStore(t), Options{})

	rec, body := do(t, h, http.MethodGet, "/api/series?day=Friday")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "E", body["day"])

	rec, body = do(t, h, http.MethodGet, "/api/series?day=Z")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_day", body["code"])

	rec, _ = do(t, h, http.MethodPost, "/api/selection?day=B")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.DayB, sb.Dashboard.Selection())

	rec, _ = do(t, h, http.MethodPost, "/api/selection")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddPointsSuccess(t *testing.T) {
	store := seedStore(t)
	h, _ := newTestHandler(t, store, Options{})

	rec, body := do(t, h, http.MethodPost, "/api/boards/primary/points?delta=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(15), body["value"])
	assert.Equal(t, "C", body["day"])

	doc, err := store.Get(context.Background(), core.DocRef{Collection: "points", ID: "primary"})
	require.NoError(t, err)
	assert.Equal(t, int64(15), doc.Int("Cpoints"))
}

func TestAddPointsValidation(t *testing.T) {
	h, _ := newTestHandler(t, seedStore(t), Options{})

	cases := []struct {
		target string
		status int
		code   string
	}{
		{"/api/boards/primary/points?delta=bad", http.StatusBadRequest, "invalid_delta"},
		{"/api/boards/seniors/points?delta=1", http.StatusBadRequest, "unknown_board"},
		{"/api/boards/primary/points?delta=1&day=Q", http.StatusBadRequest, "invalid_day"},
		{"/api/boards/primary/points?delta=-11", http.StatusBadRequest, "negative_score"},
		{"/api/boards/youth/points?delta=1", http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		rec, body := do(t, h, http.MethodPost, tc.target)
		assert.Equal(t, tc.status, rec.Code, tc.target)
		assert.Equal(t, tc.code, body["code"], tc.target)
	}
}

func TestAddPointsWriteFailure(t *testing.T) {
	h, _ := newTestHandler(t, failingStore{seedStore(t)}, Options{})

	rec, body := do(t, h, http.MethodPost, "/api/boards/juniors/points?delta=1")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "write_failed", body["code"])
}

func TestVisitorViewRejectsMutations(t *testing.T) {
	h, sb := newTestHandler(t, seedStore(t), Options{VisitorView: true})

	for _, target := range []string{"/api/boards/primary/points?delta=1", "/api/selection?day=A", "/api/roster/youth/you/points"} {
		rec, body := do(t, h, http.MethodPost, target)
		assert.Equal(t, http.StatusForbidden, rec.Code, target)
		assert.Equal(t, "visitor_view", body["code"], target)
	}
	assert.Equal(t, int64(10), sb.Dashboard.Score(core.BoardPrimary, core.DayC))

	rec, _ := do(t, h, http.MethodGet, "/api/boards")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRosterAndRecitation(t *testing.T) {
	store := seedStore(t)
	h, _ := newTestHandler(t, store, Options{})

	rec, body := do(t, h, http.MethodGet, "/api/roster?group=youth&q=ann")
	require.Equal(t, http.StatusOK, rec.Code)
	students := body["students"].([]any)
	require.Len(t, students, 1)
	assert.Equal(t, "Anna", students[0].(map[string]any)["name"])

	rec, _ = do(t, h, http.MethodGet, "/api/roster?group=seniors")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = do(t, h, http.MethodPost, "/api/roster/youth/you/points")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), body["points"])

	rec, _ = do(t, h, http.MethodPost, "/api/roster/youth/xyz/points")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedule(t *testing.T) {
	h, _ := newTestHandler(t, seedStore(t), Options{})

	rec, body := do(t, h, http.MethodGet, "/api/schedule/youth")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["slots"].([]any), 1)
	assert.Equal(t, "C", body["current"].(map[string]any)["key"])

	rec, _ = do(t, h, http.MethodGet, "/api/schedule/primary")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndStats(t *testing.T) {
	h, _ := newTestHandler(t, seedStore(t), Options{})

	rec, body := do(t, h, http.MethodGet, "/api/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	rec, _ = do(t, h, http.MethodGet, "/api/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	h, _ := newTestHandler(t, seedStore(t), Options{
		APIKeys:         []string{"secret"},
		AllowCORSOrigin: "*",
	})

	rec, _ := do(t, h, http.MethodGet, "/api/boards")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/boards", nil)
	req2.Header.Set("Authorization", "Bearer secret")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec2.Code)
	}
	if rec2.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected CORS header")
	}
}

func TestRateLimit(t *testing.T) {
	h, _ := newTestHandler(t, seedStore(t), Options{
		APIKeys:          []string{"k"},
		RateLimitEnabled: true,
		RateLimitRPM:     1,
		RateLimitBurst:   1,
	})

	req1 := httptest.NewRequest(http.MethodGet, "/api/boards", nil)
	req1.Header.Set("X-API-Key", "k")
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected 200 first request, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/boards", nil)
	req2.Header.Set("X-API-Key", "k")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec2.Code)
	}
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	now := time.Date(2025, 6, 9, 8, 0, 0, 0, time.UTC)
	l := newRateLimiter(60, 2, 5*time.Minute)
	l.now = func() time.Time { return now }

	require.True(t, l.allow("a"))
	require.True(t, l.allow("a"))
	require.False(t, l.allow("a"))
	require.True(t, l.allow("b"))
	assert.Equal(t, 2, l.size())

	// b stays busy, a goes idle past the interval and refills
	now = now.Add(3 * time.Minute)
	require.True(t, l.allow("b"))
	now = now.Add(3 * time.Minute)
	require.True(t, l.allow("b"))
	assert.Equal(t, 1, l.size())

	// an evicted key starts over with a full bucket
	require.True(t, l.allow("a"))
	require.True(t, l.allow("a"))
	require.False(t, l.allow("a"))
}

func TestRateLimiterWithoutCleanupKeepsBuckets(t *testing.T) {
	now := time.Date(2025, 6, 9, 8, 0, 0, 0, time.UTC)
	l := newRateLimiter(60, 1, 0)
	l.now = func() time.Time { return now }

	require.True(t, l.allow("a"))
	now = now.Add(24 * time.Hour)
	require.True(t, l.allow("b"))
	assert.Equal(t, 2, l.size())
}
