// Package apifootball implements the primary result provider backed by the
// API-Football v3 REST API. It is authoritative: finished fixtures come back
// with full-time score and, on a second call, corner and card statistics.
package apifootball

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
	defaultBaseURL = "https://v3.football.api-sports.io"
	userAgent      = "sports-settlement-bot/1.0"
	defaultTimeout = 10 * time.Second
)

// Client talks to API-Football. Safe for concurrent use.
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

func (c *Client) Name() string { return "api_football" }

func (c *Client) Priority() int { return c.priority }

func (c *Client) Capabilities() []providers.Resource {
	return []providers.Resource{
		providers.ResourceScore,
		providers.ResourceCorners,
		providers.ResourceCards,
	}
}

func (c *Client) Confidence() cache.Confidence { return cache.ConfidenceAuthoritative }

// Fetch resolves the fixture by its API-Football id, falling back to a
// kickoff-date search matched on team names. Score comes from the fixtures
// endpoint; corners and cards need a second statistics call, made only once
// the fixture is finished.
func (c *Client) Fetch(ctx context.Context, ref providers.FixtureRef) (*providers.RawResult, error) {
	var (
		fx  *fixtureEntry
		err error
	)
	if id := ref.ExternalIDs[c.Name()]; id != "" {
		fx, err = c.fetchFixture(ctx, id)
	} else {
		fx, err = c.searchFixture(ctx, ref)
	}
	if err != nil {
		c.RecordFailure()
		return nil, err
	}
	id := strconv.FormatInt(fx.Fixture.ID, 10)

	result := &providers.RawResult{
		Source:        c.Name(),
		FixtureStatus: mapStatus(fx.Fixture.Status.Short),
		HomeGoals:     fx.Goals.Home,
		AwayGoals:     fx.Goals.Away,
	}

	if result.FixtureStatus == "FINISHED" {
		if err := c.fetchStatistics(ctx, id, result); err != nil {
			// Score alone still settles goal and 1X2 markets; missing
			// statistics just leave those fields nil.
			c.RecordFailure()
			return result, nil
		}
	}

	c.RecordSuccess()
	return result, nil
}

func (c *Client) fetchFixture(ctx context.Context, fixtureID string) (*fixtureEntry, error) {
	params := url.Values{}
	params.Set("id", fixtureID)

	body, err := c.doRequest(ctx, "/fixtures", params)
	if err != nil {
		return nil, err
	}

	var resp fixturesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse fixtures response: %w", err)
	}
	if len(resp.Response) == 0 {
		return nil, fmt.Errorf("fixture %s not found", fixtureID)
	}

	return &resp.Response[0], nil
}

// searchFixture finds the fixture on its kickoff date by team names, for
// picks recorded without an API-Football id.
func (c *Client) searchFixture(ctx context.Context, ref providers.FixtureRef) (*fixtureEntry, error) {
	if ref.HomeTeam == "" || ref.AwayTeam == "" || ref.Kickoff.IsZero() {
		return nil, fmt.Errorf("fixture %s has no api_football id and no teams to search by", ref.ExternalRef)
	}

	date := ref.Kickoff.UTC().Format("2006-01-02")
	params := url.Values{}
	params.Set("date", date)

	body, err := c.doRequest(ctx, "/fixtures", params)
	if err != nil {
		return nil, err
	}

	var resp fixturesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse fixtures response: %w", err)
	}
	for i := range resp.Response {
		fx := &resp.Response[i]
		if matchTeam(fx.Teams.Home.Name, ref.HomeTeam) && matchTeam(fx.Teams.Away.Name, ref.AwayTeam) {
			return fx, nil
		}
	}
	return nil, fmt.Errorf("no fixture on %s matching %s vs %s", date, ref.HomeTeam, ref.AwayTeam)
}

func matchTeam(apiName, want string) bool {
	a := strings.ToLower(strings.TrimSpace(apiName))
	w := strings.ToLower(strings.TrimSpace(want))
	if a == "" || w == "" {
		return false
	}
	return a == w || strings.Contains(a, w) || strings.Contains(w, a)
}

func (c *Client) fetchStatistics(ctx context.Context, fixtureID string, result *providers.RawResult) error {
	params := url.Values{}
	params.Set("fixture", fixtureID)

	body, err := c.doRequest(ctx, "/fixtures/statistics", params)
	if err != nil {
		return err
	}

	var resp statisticsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("parse statistics response: %w", err)
	}
	if len(resp.Response) < 2 {
		return fmt.Errorf("incomplete statistics for fixture %s", fixtureID)
	}

	home := statValues(resp.Response[0].Statistics)
	away := statValues(resp.Response[1].Statistics)

	result.HomeCorners = home["Corner Kicks"]
	result.AwayCorners = away["Corner Kicks"]
	result.HomeCards = sumCards(home)
	result.AwayCards = sumCards(away)
	return nil
}

func (c *Client) doRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	fullURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-apisports-key", c.apiKey)
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

// mapStatus translates API-Football short status codes into fixture lifecycle
// states. PST/CANC/ABD fixtures stay SCHEDULED so the auto-void sweep picks
// them up instead of the evaluator.
func mapStatus(short string) string {
	switch short {
	case "FT", "AET", "PEN":
		return "FINISHED"
	case "1H", "HT", "2H", "ET", "BT", "P", "LIVE", "INT", "SUSP":
		return "LIVE"
	case "NS", "TBD", "PST", "CANC", "ABD", "AWD", "WO":
		return "SCHEDULED"
	default:
		return "UNKNOWN"
	}
}

func statValues(stats []statistic) map[string]*int {
	out := make(map[string]*int, len(stats))
	for _, s := range stats {
		out[s.Type] = parseStatValue(s.Value)
	}
	return out
}

// parseStatValue handles the API's loose typing: numbers, numeric strings,
// percentages and null all appear in the value field.
func parseStatValue(raw json.RawMessage) *int {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return &n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.Atoi(s); err == nil {
			return &v
		}
	}
	return nil
}

func sumCards(stats map[string]*int) *int {
	yellow, haveYellow := stats["Yellow Cards"]
	red, haveRed := stats["Red Cards"]
	if !haveYellow && !haveRed {
		return nil
	}
	total := 0
	if haveYellow && yellow != nil {
		total += *yellow
	}
	if haveRed && red != nil {
		total += *red
	}
	return &total
}

// API-Football v3 response structures.

type fixturesResponse struct {
	Response []fixtureEntry `json:"response"`
}

type fixtureEntry struct {
	Fixture struct {
		ID     int64  `json:"id"`
		Date   string `json:"date"`
		Status struct {
			Long    string `json:"long"`
			Short   string `json:"short"`
			Elapsed *int   `json:"elapsed"`
		} `json:"status"`
	} `json:"fixture"`
	Teams struct {
		Home teamEntry `json:"home"`
		Away teamEntry `json:"away"`
	} `json:"teams"`
	Goals struct {
		Home *int `json:"home"`
		Away *int `json:"away"`
	} `json:"goals"`
}

type teamEntry struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type statisticsResponse struct {
	Response []teamStatistics `json:"response"`
}

type teamStatistics struct {
	Team       teamEntry   `json:"team"`
	Statistics []statistic `json:"statistics"`
}

type statistic struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}
