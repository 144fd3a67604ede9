package sonarr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"afterwatch/internal/config"
	"afterwatch/internal/services"
)

const errorBodyLimit = 2048

// HTTPDoer describes the HTTP client used by the Sonarr gateway.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Outcome tags the result of a gateway mutation. AlreadyInState means the
// target was already where we wanted it, which callers treat as success.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyInState Outcome = "already_in_state"
)

// Ref holds the download manager's identifiers for one episode.
type Ref struct {
	SeriesID  int64
	EpisodeID int64
}

// Client talks to a Sonarr v3 instance over its HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	settle  time.Duration
	client  HTTPDoer
}

// New builds a client from the loaded configuration.
func New(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "sonarr", "", "configuration is required", nil)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.Sonarr.URL), "/")
	apiKey := strings.TrimSpace(cfg.Sonarr.APIKey)
	if baseURL == "" || apiKey == "" {
		return nil, services.Wrap(services.ErrConfiguration, "sonarr", "", "server url and api key are required", nil)
	}
	timeout := time.Duration(cfg.Sonarr.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	settle := time.Duration(cfg.Sonarr.RenameSettleSeconds) * time.Second
	return NewClient(baseURL, apiKey, settle, &http.Client{Timeout: timeout}), nil
}

// NewClient constructs a client with an injectable HTTP implementation. The
// settle duration is how long TriggerRename waits for the refresh command to
// index the placeholder before looking it up.
func NewClient(baseURL, apiKey string, settle time.Duration, client HTTPDoer) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		settle:  settle,
		client:  client,
	}
}

// Ping verifies the instance is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	return c.getJSON(ctx, "/api/v3/system/status", nil, nil)
}

// ResolveEpisode maps a library file path plus episode numbering onto the
// download manager's series and episode identifiers. The owning series is the
// one with the longest path prefix of the file, so nested series roots match
// their most specific entry.
func (c *Client) ResolveEpisode(ctx context.Context, path string, season, episode int) (Ref, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Ref{}, services.Wrap(services.ErrGateway, "sonarr", "resolve episode", "file path is required", nil)
	}

	var seriesList []seriesResource
	if err := c.getJSON(ctx, "/api/v3/series", nil, &seriesList); err != nil {
		return Ref{}, err
	}
	sort.Slice(seriesList, func(i, j int) bool {
		return len(seriesList[i].Path) > len(seriesList[j].Path)
	})
	var owner *seriesResource
	for i := range seriesList {
		if pathWithin(path, seriesList[i].Path) {
			owner = &seriesList[i]
			break
		}
	}
	if owner == nil {
		return Ref{}, services.Wrap(services.ErrGateway, "sonarr", "resolve episode", fmt.Sprintf("no series owns path %s", path), nil)
	}

	episodes, err := c.episodesForSeries(ctx, owner.ID)
	if err != nil {
		return Ref{}, err
	}
	for _, ep := range episodes {
		if ep.SeasonNumber == season && ep.EpisodeNumber == episode {
			return Ref{SeriesID: owner.ID, EpisodeID: ep.ID}, nil
		}
	}
	detail := fmt.Sprintf("series %d has no episode S%02dE%02d", owner.ID, season, episode)
	return Ref{}, services.Wrap(services.ErrGateway, "sonarr", "resolve episode", detail, nil)
}

// UnmonitorEpisode clears the monitored flag on an episode. The resource is
// fetched and written back whole so fields this client does not model
// survive the round trip.
func (c *Client) UnmonitorEpisode(ctx context.Context, episodeID int64) (Outcome, error) {
	path := "/api/v3/episode/" + strconv.FormatInt(episodeID, 10)
	var episode map[string]any
	if err := c.getJSON(ctx, path, nil, &episode); err != nil {
		return "", err
	}
	if monitored, ok := episode["monitored"].(bool); ok && !monitored {
		return OutcomeAlreadyInState, nil
	}
	episode["monitored"] = false
	if err := c.sendJSON(ctx, http.MethodPut, path, episode, nil); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// UnmonitorSeason clears the monitored flag on a whole season of a series.
func (c *Client) UnmonitorSeason(ctx context.Context, seriesID int64, season int) (Outcome, error) {
	path := "/api/v3/series/" + strconv.FormatInt(seriesID, 10)
	var series map[string]any
	if err := c.getJSON(ctx, path, nil, &series); err != nil {
		return "", err
	}
	seasons, _ := series["seasons"].([]any)
	var target map[string]any
	for _, entry := range seasons {
		seasonMap, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		number, ok := seasonMap["seasonNumber"].(float64)
		if !ok || int(number) != season {
			continue
		}
		target = seasonMap
		break
	}
	if target == nil {
		detail := fmt.Sprintf("series %d has no season %d", seriesID, season)
		return "", services.Wrap(services.ErrGateway, "sonarr", "unmonitor season", detail, nil)
	}
	if monitored, ok := target["monitored"].(bool); ok && !monitored {
		return OutcomeAlreadyInState, nil
	}
	target["monitored"] = false
	if err := c.sendJSON(ctx, http.MethodPut, path, series, nil); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// SeasonEpisodeCount reports how many episodes the download manager knows for
// one season of a series.
func (c *Client) SeasonEpisodeCount(ctx context.Context, seriesID int64, season int) (int, error) {
	episodes, err := c.episodesForSeries(ctx, seriesID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, ep := range episodes {
		if ep.SeasonNumber == season {
			count++
		}
	}
	return count, nil
}

// TriggerRename asks the download manager to re-scan the series, waits for
// the placeholder to be indexed, and issues a rename for it so the file picks
// up the configured naming scheme. The placeholder not being indexed after
// the settle wait is an error; the caller retries the rename step on a later
// run.
func (c *Client) TriggerRename(ctx context.Context, seriesID int64, placeholderPath string) (Outcome, error) {
	refresh := map[string]any{"name": "RefreshSeries", "seriesId": seriesID}
	if err := c.sendJSON(ctx, http.MethodPost, "/api/v3/command", refresh, nil); err != nil {
		return "", err
	}
	if err := c.settleWait(ctx); err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("seriesId", strconv.FormatInt(seriesID, 10))
	var files []episodeFileResource
	if err := c.getJSON(ctx, "/api/v3/episodefile", params, &files); err != nil {
		return "", err
	}
	var fileID int64
	found := false
	for _, file := range files {
		if file.Path == placeholderPath {
			fileID = file.ID
			found = true
			break
		}
	}
	if !found {
		detail := fmt.Sprintf("placeholder %s not indexed yet", placeholderPath)
		return "", services.Wrap(services.ErrGateway, "sonarr", "trigger rename", detail, nil)
	}

	rename := map[string]any{"name": "RenameFiles", "seriesId": seriesID, "files": []int64{fileID}}
	if err := c.sendJSON(ctx, http.MethodPost, "/api/v3/command", rename, nil); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (c *Client) episodesForSeries(ctx context.Context, seriesID int64) ([]episodeResource, error) {
	params := url.Values{}
	params.Set("seriesId", strconv.FormatInt(seriesID, 10))
	var episodes []episodeResource
	if err := c.getJSON(ctx, "/api/v3/episode", params, &episodes); err != nil {
		return nil, err
	}
	return episodes, nil
}

func (c *Client) settleWait(ctx context.Context) error {
	if c.settle <= 0 {
		return nil
	}
	timer := time.NewTimer(c.settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return services.Wrap(services.ErrGateway, "sonarr", "trigger rename", "cancelled while waiting for refresh", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// pathWithin reports whether file sits at or below root, matching on path
// segment boundaries so /tv/Show never claims /tv/Show 2/episode.mkv.
func pathWithin(file, root string) bool {
	root = strings.TrimRight(strings.TrimSpace(root), "/")
	if root == "" {
		return false
	}
	return file == root || strings.HasPrefix(file, root+"/")
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, params, nil, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return services.Wrap(services.ErrGateway, "sonarr", path, "encode request", err)
	}
	return c.do(ctx, method, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body []byte, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return services.Wrap(services.ErrGateway, "sonarr", path, "build request", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrGateway, "sonarr", path, "execute request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		detail := fmt.Sprintf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		return services.Wrap(services.ErrGateway, "sonarr", path, detail, nil)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return services.Wrap(services.ErrGateway, "sonarr", path, "decode response", err)
	}
	return nil
}

type seriesResource struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Path  string `json:"path"`
}

type episodeResource struct {
	ID            int64 `json:"id"`
	SeriesID      int64 `json:"seriesId"`
	SeasonNumber  int   `json:"seasonNumber"`
	EpisodeNumber int   `json:"episodeNumber"`
	Monitored     bool  `json:"monitored"`
}

type episodeFileResource struct {
	ID   int64  `json:"id"`
	Path string `json:"path"`
}
