package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrAPIUnavailable marks transport-level failures reaching the daemon, so
// callers can fall back to direct store reads.
var ErrAPIUnavailable = errors.New("daemon API unavailable")

// ErrRunActive is returned when the daemon rejects a start because a run is
// already in flight.
var ErrRunActive = errors.New("a run is already active")

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found")

// Client talks to the daemon's HTTP API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewClient builds a daemon API client for the configured bind address. An
// empty bind yields a nil client, which every method treats as unavailable.
func NewClient(bind, token string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, nil
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""

	return &Client{
		base:  base,
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Status fetches daemon runtime information.
func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var payload DaemonStatus
	err := c.get(ctx, "/api/status", nil, &payload)
	return payload, err
}

// StartRun asks the daemon to begin a processing run.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (StartRunResponse, error) {
	var payload StartRunResponse
	err := c.send(ctx, http.MethodPost, "/api/runs", req, &payload)
	return payload, err
}

// Runs lists finished and in-flight run reports, newest first.
func (c *Client) Runs(ctx context.Context, limit int) ([]Run, error) {
	values := url.Values{}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var payload RunListResponse
	if err := c.get(ctx, "/api/runs", values, &payload); err != nil {
		return nil, err
	}
	return payload.Runs, nil
}

// Run fetches one run report with its outcomes.
func (c *Client) Run(ctx context.Context, id string) (RunDetailResponse, error) {
	var payload RunDetailResponse
	err := c.get(ctx, "/api/runs/"+url.PathEscape(id), nil, &payload)
	return payload, err
}

// CancelRun requests cancellation of an in-flight run.
func (c *Client) CancelRun(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Pending lists episodes waiting out the grace delay.
func (c *Client) Pending(ctx context.Context) (PendingResponse, error) {
	var payload PendingResponse
	err := c.get(ctx, "/api/pending", nil, &payload)
	return payload, err
}

// ProcessPending starts a run that bypasses the grace delay.
func (c *Client) ProcessPending(ctx context.Context) (StartRunResponse, error) {
	var payload StartRunResponse
	err := c.send(ctx, http.MethodPost, "/api/pending/process", nil, &payload)
	return payload, err
}

// Orphans runs the on-demand orphan scan.
func (c *Client) Orphans(ctx context.Context) ([]Orphan, error) {
	var payload OrphanListResponse
	if err := c.get(ctx, "/api/orphans", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Orphans, nil
}

// Settings fetches the persisted run settings.
func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var payload Settings
	err := c.get(ctx, "/api/settings", nil, &payload)
	return payload, err
}

// UpdateSettings replaces the persisted run settings.
func (c *Client) UpdateSettings(ctx context.Context, settings Settings) (Settings, error) {
	var payload Settings
	err := c.send(ctx, http.MethodPut, "/api/settings", settings, &payload)
	return payload, err
}

// Libraries lists the configured library processing rules.
func (c *Client) Libraries(ctx context.Context) ([]Library, error) {
	var payload LibraryListResponse
	if err := c.get(ctx, "/api/libraries", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Libraries, nil
}

// SaveLibrary creates or replaces one library processing config.
func (c *Client) SaveLibrary(ctx context.Context, lib Library) (Library, error) {
	var payload Library
	err := c.send(ctx, http.MethodPut, "/api/libraries/"+url.PathEscape(lib.ID), lib, &payload)
	return payload, err
}

// Stats fetches lifetime ledger totals.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var payload Stats
	err := c.get(ctx, "/api/stats", nil, &payload)
	return payload, err
}

// Logs fetches one page of the daemon's log file. A negative offset reads
// the last limit lines; a positive wait makes the daemon hold the request
// open until new lines arrive or the wait elapses.
func (c *Client) Logs(ctx context.Context, offset int64, limit int, wait time.Duration) (LogTailResponse, error) {
	values := url.Values{}
	values.Set("offset", strconv.FormatInt(offset, 10))
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	if wait > 0 {
		values.Set("wait_ms", strconv.FormatInt(wait.Milliseconds(), 10))
	}
	var payload LogTailResponse
	err := c.get(ctx, "/api/logs", values, &payload)
	return payload, err
}

func (c *Client) get(ctx context.Context, path string, values url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, values, nil, out)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	return c.do(ctx, method, path, nil, encoded, out)
}

func (c *Client) do(ctx context.Context, method, path string, values url.Values, body []byte, out any) error {
	if c == nil {
		return ErrAPIUnavailable
	}
	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: values.Encode()})

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var payload ErrorResponse
	message := ""
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
		message = strings.TrimSpace(payload.Error)
	}
	switch resp.StatusCode {
	case http.StatusConflict:
		if message != "" {
			return fmt.Errorf("%w: %s", ErrRunActive, message)
		}
		return ErrRunActive
	case http.StatusNotFound:
		if message != "" {
			return fmt.Errorf("%w: %s", ErrNotFound, message)
		}
		return ErrNotFound
	}
	if message == "" {
		message = fmt.Sprintf("daemon API returned status %d", resp.StatusCode)
	}
	return errors.New(message)
}

// IsAPIUnavailable reports whether an error means the daemon could not be
// reached at all, as opposed to the daemon rejecting the request.
func IsAPIUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.Is(err, ErrAPIUnavailable) || errors.As(err, &opErr)
}
