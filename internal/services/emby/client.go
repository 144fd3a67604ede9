package emby

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"afterwatch/internal/config"
	"afterwatch/internal/services"
)

const errorBodyLimit = 2048

// HTTPDoer describes the HTTP client used by the Emby gateway.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Library is one virtual folder exposed by the media server.
type Library struct {
	ID             string   `json:"ItemId"`
	Name           string   `json:"Name"`
	CollectionType string   `json:"CollectionType"`
	Locations      []string `json:"Locations"`
}

// User is a media server account whose watch history counts as a viewer.
type User struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// Episode is one playable episode item reported by the media server.
type Episode struct {
	ID         string
	SeriesName string
	Season     int
	Episode    int
	Title      string
	Path       string
	SizeBytes  int64
}

// WatchFact records whether a single viewer has fully watched an episode.
// Facts are synthesized so that a viewer who has not watched an episode that
// another viewer finished still yields an explicit Watched=false entry.
type WatchFact struct {
	Episode  Episode
	ViewerID string
	Watched  bool
}

// Client talks to an Emby server over its HTTP API.
type Client struct {
	baseURL        string
	apiKey         string
	placeholderExt string
	client         HTTPDoer
}

// New builds a client from the loaded configuration.
func New(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "emby", "", "configuration is required", nil)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.Emby.URL), "/")
	apiKey := strings.TrimSpace(cfg.Emby.APIKey)
	if baseURL == "" || apiKey == "" {
		return nil, services.Wrap(services.ErrConfiguration, "emby", "", "server url and api key are required", nil)
	}
	timeout := time.Duration(cfg.Emby.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return NewClient(baseURL, apiKey, cfg.Processing.PlaceholderExtension, &http.Client{Timeout: timeout}), nil
}

// NewClient constructs a client with an injectable HTTP implementation.
func NewClient(baseURL, apiKey, placeholderExt string, client HTTPDoer) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		baseURL:        strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:         strings.TrimSpace(apiKey),
		placeholderExt: strings.ToLower(strings.TrimSpace(placeholderExt)),
		client:         client,
	}
}

// Ping verifies the server is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	return c.getJSON(ctx, "/System/Info", nil, nil)
}

// Libraries lists the server's virtual folders.
func (c *Client) Libraries(ctx context.Context) ([]Library, error) {
	var libraries []Library
	if err := c.getJSON(ctx, "/Library/VirtualFolders", nil, &libraries); err != nil {
		return nil, err
	}
	return libraries, nil
}

// Users lists the server accounts available as viewers.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var users []User
	if err := c.getJSON(ctx, "/Users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// WatchStates collects per-viewer watch facts for every episode in the
// library that at least one of the given viewers has finished. Items that are
// already placeholders, or that lack a path or episode numbering, are dropped
// at the source.
func (c *Client) WatchStates(ctx context.Context, libraryID string, viewerIDs []string) ([]WatchFact, error) {
	if strings.TrimSpace(libraryID) == "" {
		return nil, services.Wrap(services.ErrGateway, "emby", "watch states", "library id is required", nil)
	}

	episodes := make(map[string]Episode)
	watched := make(map[string]map[string]bool)
	var order []string

	for _, viewerID := range viewerIDs {
		items, err := c.playedEpisodes(ctx, viewerID, libraryID)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			// The server already filters on IsPlayed, but partial responses
			// have been observed to include in-progress items.
			if item.UserData != nil && !item.UserData.Played {
				continue
			}
			episode, ok := c.toEpisode(item)
			if !ok {
				continue
			}
			if _, seen := episodes[episode.ID]; !seen {
				episodes[episode.ID] = episode
				watched[episode.ID] = make(map[string]bool, len(viewerIDs))
				order = append(order, episode.ID)
			}
			watched[episode.ID][viewerID] = true
		}
	}

	facts := make([]WatchFact, 0, len(order)*len(viewerIDs))
	for _, id := range order {
		for _, viewerID := range viewerIDs {
			facts = append(facts, WatchFact{
				Episode:  episodes[id],
				ViewerID: viewerID,
				Watched:  watched[id][viewerID],
			})
		}
	}
	return facts, nil
}

func (c *Client) playedEpisodes(ctx context.Context, viewerID, libraryID string) ([]itemPayload, error) {
	params := url.Values{}
	params.Set("UserId", viewerID)
	params.Set("ParentId", libraryID)
	params.Set("IncludeItemTypes", "Episode")
	params.Set("Recursive", "true")
	params.Set("IsPlayed", "true")
	params.Set("Fields", "Path,MediaSources,SeriesName,IndexNumber,ParentIndexNumber")

	var page itemsPage
	if err := c.getJSON(ctx, "/Items", params, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

func (c *Client) toEpisode(item itemPayload) (Episode, bool) {
	path := strings.TrimSpace(item.Path)
	if path == "" && len(item.MediaSources) > 0 {
		path = strings.TrimSpace(item.MediaSources[0].Path)
	}
	if path == "" {
		return Episode{}, false
	}
	if c.placeholderExt != "" && strings.HasSuffix(strings.ToLower(path), c.placeholderExt) {
		return Episode{}, false
	}
	if item.IndexNumber == nil || item.ParentIndexNumber == nil {
		return Episode{}, false
	}
	episode := Episode{
		ID:         item.ID,
		SeriesName: strings.TrimSpace(item.SeriesName),
		Season:     *item.ParentIndexNumber,
		Episode:    *item.IndexNumber,
		Title:      strings.TrimSpace(item.Name),
		Path:       path,
	}
	if len(item.MediaSources) > 0 {
		episode.SizeBytes = item.MediaSources[0].Size
	}
	return episode, true
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return services.Wrap(services.ErrGateway, "emby", path, "build request", err)
	}
	req.Header.Set("X-Emby-Token", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrGateway, "emby", path, "execute request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		detail := fmt.Sprintf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return services.Wrap(services.ErrGateway, "emby", path, detail, nil)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return services.Wrap(services.ErrGateway, "emby", path, "decode response", err)
	}
	return nil
}

type itemsPage struct {
	Items []itemPayload `json:"Items"`
}

type itemPayload struct {
	ID                string        `json:"Id"`
	Name              string        `json:"Name"`
	SeriesName        string        `json:"SeriesName"`
	IndexNumber       *int          `json:"IndexNumber"`
	ParentIndexNumber *int          `json:"ParentIndexNumber"`
	Path              string        `json:"Path"`
	MediaSources      []mediaSource `json:"MediaSources"`
	UserData          *itemUserData `json:"UserData"`
}

type mediaSource struct {
	Path string `json:"Path"`
	Size int64  `json:"Size"`
}

type itemUserData struct {
	Played bool `json:"Played"`
}
