package apifootball

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sports-settlement-bot/internal/providers"
)

func testClient(serverURL string) *Client {
	return NewClient("test-key", 1, serverURL, 0)
}

func testRef() providers.FixtureRef {
	return providers.FixtureRef{
		FixtureID:   1,
		ExternalRef: "EPL-2026-08-29-ARS-CHE",
		ExternalIDs: map[string]string{"api_football": "1001"},
		HomeTeam:    "Arsenal",
		AwayTeam:    "Chelsea",
	}
}

const finishedFixtureBody = `{
	"response": [{
		"fixture": {"id": 1001, "date": "2026-08-29T15:00:00+00:00", "status": {"long": "Match Finished", "short": "FT", "elapsed": 90}},
		"teams": {"home": {"id": 42, "name": "Arsenal"}, "away": {"id": 49, "name": "Chelsea"}},
		"goals": {"home": 2, "away": 1}
	}]
}`

const statisticsBody = `{
	"response": [
		{"team": {"id": 42, "name": "Arsenal"}, "statistics": [
			{"type": "Corner Kicks", "value": 6},
			{"type": "Yellow Cards", "value": 2},
			{"type": "Red Cards", "value": null},
			{"type": "Ball Possession", "value": "61%"}
		]},
		{"team": {"id": 49, "name": "Chelsea"}, "statistics": [
			{"type": "Corner Kicks", "value": "4"},
			{"type": "Yellow Cards", "value": 3},
			{"type": "Red Cards", "value": 1}
		]}
	]
}`

func TestFetchFinishedFixture(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-apisports-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		switch r.URL.Path {
		case "/fixtures":
			if r.URL.Query().Get("id") != "1001" {
				t.Errorf("fixture id = %q, want 1001", r.URL.Query().Get("id"))
			}
			w.Write([]byte(finishedFixtureBody))
		case "/fixtures/statistics":
			w.Write([]byte(statisticsBody))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	result, err := testClient(server.URL).Fetch(context.Background(), testRef())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if result.FixtureStatus != "FINISHED" {
		t.Errorf("status = %s, want FINISHED", result.FixtureStatus)
	}
	if *result.HomeGoals != 2 || *result.AwayGoals != 1 {
		t.Errorf("score = %d-%d, want 2-1", *result.HomeGoals, *result.AwayGoals)
	}
	if *result.HomeCorners != 6 || *result.AwayCorners != 4 {
		t.Errorf("corners = %d-%d, want 6-4", *result.HomeCorners, *result.AwayCorners)
	}
	// Cards are yellow plus red per side.
	if *result.HomeCards != 2 || *result.AwayCards != 4 {
		t.Errorf("cards = %d-%d, want 2-4", *result.HomeCards, *result.AwayCards)
	}
	if !result.Final() {
		t.Error("Final() = false for finished fixture with score")
	}
}

func TestFetchScheduledFixtureSkipsStatistics(t *testing.T) {
	statisticsCalled := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fixtures":
			w.Write([]byte(`{"response": [{
				"fixture": {"id": 1001, "status": {"short": "NS"}},
				"goals": {"home": null, "away": null}
			}]}`))
		case "/fixtures/statistics":
			statisticsCalled = true
			w.Write([]byte(`{"response": []}`))
		}
	}))
	defer server.Close()

	result, err := testClient(server.URL).Fetch(context.Background(), testRef())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if result.FixtureStatus != "SCHEDULED" {
		t.Errorf("status = %s, want SCHEDULED", result.FixtureStatus)
	}
	if result.HomeGoals != nil {
		t.Error("goals set on a scheduled fixture")
	}
	if statisticsCalled {
		t.Error("statistics endpoint hit for an unfinished fixture")
	}
}

func TestFetchMissingStatisticsStillReturnsScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fixtures":
			w.Write([]byte(finishedFixtureBody))
		case "/fixtures/statistics":
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	result, err := testClient(server.URL).Fetch(context.Background(), testRef())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if *result.HomeGoals != 2 || *result.AwayGoals != 1 {
		t.Errorf("score = %d-%d, want 2-1", *result.HomeGoals, *result.AwayGoals)
	}
	if result.HomeCorners != nil {
		t.Error("corners set despite failed statistics call")
	}
}

func TestFetchRateLimitMarksExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := testClient(server.URL)
	_, err := c.Fetch(context.Background(), testRef())
	if !errors.Is(err, providers.ErrUnavailable) {
		t.Fatalf("Fetch() error = %v, want wrapped %v", err, providers.ErrUnavailable)
	}
	if c.Health() != providers.Exhausted {
		t.Errorf("Health() = %v, want %v", c.Health(), providers.Exhausted)
	}
}

func TestFetchFallsBackToDateSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fixtures":
			if got := r.URL.Query().Get("date"); got != "2026-08-29" {
				t.Errorf("search date = %q, want 2026-08-29", got)
			}
			// Another fixture on the same day comes first.
			w.Write([]byte(`{"response": [
				{
					"fixture": {"id": 2002, "status": {"short": "FT"}},
					"teams": {"home": {"name": "Everton"}, "away": {"name": "Fulham"}},
					"goals": {"home": 0, "away": 0}
				},
				{
					"fixture": {"id": 1001, "status": {"short": "FT"}},
					"teams": {"home": {"name": "Arsenal FC"}, "away": {"name": "Chelsea"}},
					"goals": {"home": 2, "away": 1}
				}
			]}`))
		case "/fixtures/statistics":
			if got := r.URL.Query().Get("fixture"); got != "1001" {
				t.Errorf("statistics fixture = %q, want 1001", got)
			}
			w.Write([]byte(statisticsBody))
		}
	}))
	defer server.Close()

	ref := testRef()
	ref.ExternalIDs = nil
	ref.Kickoff = time.Date(2026, 8, 29, 15, 0, 0, 0, time.UTC)

	result, err := testClient(server.URL).Fetch(context.Background(), ref)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if *result.HomeGoals != 2 || *result.AwayGoals != 1 {
		t.Errorf("score = %d-%d, want 2-1", *result.HomeGoals, *result.AwayGoals)
	}
}

func TestFetchWithoutExternalIDOrKickoff(t *testing.T) {
	ref := testRef()
	ref.ExternalIDs = nil

	if _, err := NewClient("k", 1, "", 0).Fetch(context.Background(), ref); err == nil {
		t.Error("expected error when there is no id and no kickoff date to search")
	}
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		short string
		want  string
	}{
		{"FT", "FINISHED"},
		{"AET", "FINISHED"},
		{"PEN", "FINISHED"},
		{"1H", "LIVE"},
		{"HT", "LIVE"},
		{"NS", "SCHEDULED"},
		{"PST", "SCHEDULED"},
		{"CANC", "SCHEDULED"},
		{"XYZ", "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := mapStatus(tt.short); got != tt.want {
			t.Errorf("mapStatus(%s) = %s, want %s", tt.short, got, tt.want)
		}
	}
}

func TestParseStatValue(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want *int
	}{
		{"number", "7", intPtr(7)},
		{"numeric string", `"4"`, intPtr(4)},
		{"null", "null", nil},
		{"percentage", `"61%"`, nil},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseStatValue(json.RawMessage(tt.raw))
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("parseStatValue(%s) = %d, want nil", tt.raw, *got)
			case tt.want != nil && (got == nil || *got != *tt.want):
				t.Errorf("parseStatValue(%s) = %v, want %d", tt.raw, got, *tt.want)
			}
		})
	}
}

func intPtr(v int) *int { return &v }
