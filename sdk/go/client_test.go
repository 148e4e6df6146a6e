package sdk

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvbsboard/adapters/memory"
	"dvbsboard/api/httpapi"
	"dvbsboard/core"
	"dvbsboard/realtime"
	"dvbsboard/scoreboard"
)

// Tuesday
var tuesday = time.Date(2025, 6, 10, 8, 45, 0, 0, time.Local)

// newTestServer runs the real API over an in-memory store.
func newTestServer(t *testing.T, opts httpapi.Options) *httptest.Server {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, core.DocRef{Collection: "points", ID: "primary"}, core.Document{"Bpoints": 3}))
	require.NoError(t, store.Set(ctx, core.DocRef{Collection: "dvbs", ID: "primary"}, core.Document{"priname": "Zoe", "priB": true}))
	require.NoError(t, store.Set(ctx, core.DocRef{Collection: "sched2025", ID: "primary"}, core.Document{
		"B": "Opening Assembly", "Bstart": "08:30", "Bend": "09:00", "Bloc": "Sanctuary",
	}))

	hub := realtime.NewHub()
	clock := func() time.Time { return tuesday }
	sb := scoreboard.New(scoreboard.WithStore(store), scoreboard.WithRealtime(hub), scoreboard.WithClock(clock))
	require.NoError(t, sb.Start(ctx))
	t.Cleanup(sb.Close)
	require.Eventually(t, func() bool { return sb.Dashboard.Score(core.BoardPrimary, core.DayB) == 3 }, time.Second, 5*time.Millisecond)

	opts.PathPrefix = "/api"
	opts.Clock = clock
	srv := httptest.NewServer(httpapi.NewMux(sb, opts))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_BoardsPointsRosterSchedule(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{APIKeys: []string{"k1"}})

	client, err := NewClient(srv.URL+"/api", WithAPIKey("k1"))
	require.NoError(t, err)
	ctx := context.Background()

	boards, err := client.Boards(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", boards.Day)
	assert.Equal(t, "Tuesday", boards.Series.Label)

	value, err := client.AddPoints(ctx, "primary", "", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), value)

	_, err = client.AddPoints(ctx, "primary", "", -99)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "negative_score", apiErr.Code)

	series, err := client.SelectDay(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "Monday", series.Label)

	roster, err := client.Roster(ctx, "primary", "zo")
	require.NoError(t, err)
	require.Len(t, roster.Students, 1)

	student, err := client.AddRecitationPoint(ctx, "primary", "pri")
	require.NoError(t, err)
	assert.Equal(t, int64(1), student.Points)

	sched, err := client.Schedule(ctx, "primary")
	require.NoError(t, err)
	require.NotNil(t, sched.Current)
	assert.Equal(t, "Opening Assembly", sched.Current.Activity)

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Today[string(core.EventRecitationAdded)])
}

func TestClient_VisitorView(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{VisitorView: true})
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)

	_, err = client.AddPoints(context.Background(), "primary", "B", 1)
	assert.True(t, IsVisitorView(err), "got %v", err)

	_, err = client.AddPoints(context.Background(), "", "B", 1)
	assert.ErrorIs(t, err, ErrEmptyBoard)
}

func TestClient_SubscribeEvents(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})

	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := client.SubscribeEvents(ctx)
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.Equal(t, core.EventSelectionChanged, evt.Type, "first frame is the current selection")
		assert.Equal(t, core.DayB, evt.Day)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}

	_, err = client.AddPoints(ctx, "primary", "B", 1)
	require.NoError(t, err)
	for {
		select {
		case evt := <-events:
			if evt.Type == core.EventScoreChanged {
				assert.Equal(t, int64(4), evt.Value)
				return
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for score_changed")
		}
	}
}
