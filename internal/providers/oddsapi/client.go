// Package oddsapi implements the fallback result provider backed by The Odds
// API scores endpoint. It only carries final scores, with no corner or card
// statistics, so its results are stored at partial confidence and never
// overwrite an authoritative entry.
package oddsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sports-settlement-bot/internal/cache"
	"sports-settlement-bot/internal/providers"
)

const (
	defaultBaseURL = "https://api.the-odds-api.com"
	apiVersion     = "v4"
	sportKey       = "soccer"
	userAgent      = "sports-settlement-bot/1.0"
	defaultTimeout = 10 * time.Second
	daysFrom       = 3
)

// Client talks to The Odds API. Safe for concurrent use.
type Client struct {
	apiKey     string
	priority   int
	baseURL    string
	httpClient *http.Client
	providers.HealthTracker
}

var _ providers.ResultProvider = (*Client)(nil)

func NewClient(apiKey string, priority int, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:   apiKey,
		priority: priority,
		baseURL:  baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) Name() string { return "odds_api" }

func (c *Client) Priority() int { return c.priority }

func (c *Client) Capabilities() []providers.Resource {
	return []providers.Resource{providers.ResourceScore}
}

func (c *Client) Confidence() cache.Confidence { return cache.ConfidencePartial }

// Fetch matches the fixture against the recent scores feed. The Odds API has
// no per-fixture endpoint, so matching is by event id when known, otherwise
// by normalized team names.
func (c *Client) Fetch(ctx context.Context, ref providers.FixtureRef) (*providers.RawResult, error) {
	params := url.Values{}
	params.Set("apiKey", c.apiKey)
	params.Set("daysFrom", strconv.Itoa(daysFrom))
	params.Set("dateFormat", "iso")

	endpoint := fmt.Sprintf("%s/%s/sports/%s/scores", c.baseURL, apiVersion, sportKey)
	fullURL := fmt.Sprintf("%s?%s", endpoint, params.Encode())

	body, err := c.doRequest(ctx, fullURL)
	if err != nil {
		c.RecordFailure()
		return nil, err
	}

	var events []scoreEvent
	if err := json.Unmarshal(body, &events); err != nil {
		c.RecordFailure()
		return nil, fmt.Errorf("parse scores response: %w", err)
	}

	event := matchEvent(events, ref)
	if event == nil {
		c.RecordSuccess()
		return nil, fmt.Errorf("fixture %s not in scores feed", ref.ExternalRef)
	}

	result := &providers.RawResult{
		Source:        c.Name(),
		FixtureStatus: "LIVE",
	}
	if event.Completed {
		result.FixtureStatus = "FINISHED"
	}

	for _, s := range event.Scores {
		goals, err := strconv.Atoi(s.Score)
		if err != nil {
			continue
		}
		switch normalizeTeam(s.Name) {
		case normalizeTeam(event.HomeTeam):
			g := goals
			result.HomeGoals = &g
		case normalizeTeam(event.AwayTeam):
			g := goals
			result.AwayGoals = &g
		}
	}

	c.RecordSuccess()
	return result, nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.MarkExhausted(providers.NextUTCDay(time.Now()))
		return nil, fmt.Errorf("%w: HTTP 429 rate limited", providers.ErrUnavailable)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d", providers.ErrUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
}

func matchEvent(events []scoreEvent, ref providers.FixtureRef) *scoreEvent {
	if id, ok := ref.ExternalIDs["odds_api"]; ok && id != "" {
		for i := range events {
			if events[i].ID == id {
				return &events[i]
			}
		}
	}

	home := normalizeTeam(ref.HomeTeam)
	away := normalizeTeam(ref.AwayTeam)
	for i := range events {
		if normalizeTeam(events[i].HomeTeam) == home && normalizeTeam(events[i].AwayTeam) == away {
			return &events[i]
		}
	}
	return nil
}

// normalizeTeam flattens casing and common suffixes so "Arsenal FC" and
// "arsenal" compare equal across feeds.
func normalizeTeam(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	for _, suffix := range []string{" fc", " afc", " cf", " sc"} {
		s = strings.TrimSuffix(s, suffix)
	}
	return strings.Join(strings.Fields(s), " ")
}

// The Odds API scores response structures.

type scoreEvent struct {
	ID           string       `json:"id"`
	SportKey     string       `json:"sport_key"`
	CommenceTime string       `json:"commence_time"`
	HomeTeam     string       `json:"home_team"`
	AwayTeam     string       `json:"away_team"`
	Completed    bool         `json:"completed"`
	Scores       []scoreEntry `json:"scores"`
}

type scoreEntry struct {
	Name  string `json:"name"`
	Score string `json:"score"`
}
