package emby

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"afterwatch/internal/services"
)

const viewerAItems = `{"Items":[
  {"Id":"ep1","Name":"Pilot","SeriesName":"Example Show","IndexNumber":1,"ParentIndexNumber":1,"Path":"/tv/Example Show/Season 01/Example Show - S01E01.mkv","MediaSources":[{"Path":"/tv/Example Show/Season 01/Example Show - S01E01.mkv","Size":1000}],"UserData":{"Played":true}},
  {"Id":"ep2","Name":"Second","SeriesName":"Example Show","IndexNumber":2,"ParentIndexNumber":1,"Path":"/tv/Example Show/Season 01/Example Show - S01E02.mkv","MediaSources":[{"Size":2000}],"UserData":{"Played":true}},
  {"Id":"ep3","Name":"Replaced","SeriesName":"Example Show","IndexNumber":3,"ParentIndexNumber":1,"Path":"/tv/Example Show/Season 01/Example Show - S01E03.strm","UserData":{"Played":true}},
  {"Id":"ep4","Name":"Special","SeriesName":"Example Show","Path":"/tv/Example Show/special.mkv","UserData":{"Played":true}}
],"TotalRecordCount":4}`

const viewerBItems = `{"Items":[
  {"Id":"ep1","Name":"Pilot","SeriesName":"Example Show","IndexNumber":1,"ParentIndexNumber":1,"Path":"/tv/Example Show/Season 01/Example Show - S01E01.mkv","MediaSources":[{"Size":1000}],"UserData":{"Played":true}}
],"TotalRecordCount":1}`

func newWatchStatesServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := r.Header.Get("X-Emby-Token"); token != "token-123" {
			t.Fatalf("unexpected token: %q", token)
		}
		if r.URL.Path != "/Items" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		query := r.URL.Query()
		if got := query.Get("IncludeItemTypes"); got != "Episode" {
			t.Fatalf("unexpected item types: %q", got)
		}
		if got := query.Get("IsPlayed"); got != "true" {
			t.Fatalf("expected IsPlayed filter, got %q", got)
		}
		if got := query.Get("ParentId"); got != "lib-1" {
			t.Fatalf("unexpected parent id: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		switch query.Get("UserId") {
		case "viewer-a":
			_, _ = w.Write([]byte(viewerAItems))
		case "viewer-b":
			_, _ = w.Write([]byte(viewerBItems))
		default:
			t.Fatalf("unexpected user id: %q", query.Get("UserId"))
		}
	}))
}

func TestWatchStatesSynthesizesUnwatchedFacts(t *testing.T) {
	server := newWatchStatesServer(t)
	defer server.Close()

	client := NewClient(server.URL, "token-123", ".strm", server.Client())
	facts, err := client.WatchStates(context.Background(), "lib-1", []string{"viewer-a", "viewer-b"})
	if err != nil {
		t.Fatalf("WatchStates returned error: %v", err)
	}

	// ep3 is already a placeholder and ep4 has no episode numbering, so only
	// ep1 and ep2 survive, each with a fact per viewer.
	if len(facts) != 4 {
		t.Fatalf("expected 4 facts, got %d: %+v", len(facts), facts)
	}
	watched := make(map[string]bool, len(facts))
	for _, fact := range facts {
		watched[fact.Episode.ID+"/"+fact.ViewerID] = fact.Watched
	}
	for key, want := range map[string]bool{
		"ep1/viewer-a": true,
		"ep1/viewer-b": true,
		"ep2/viewer-a": true,
		"ep2/viewer-b": false,
	} {
		got, ok := watched[key]
		if !ok {
			t.Fatalf("missing fact for %s", key)
		}
		if got != want {
			t.Errorf("fact %s: watched = %v, want %v", key, got, want)
		}
	}

	for _, fact := range facts {
		if fact.Episode.ID != "ep2" {
			continue
		}
		if fact.Episode.Season != 1 || fact.Episode.Episode != 2 {
			t.Errorf("ep2 numbering = S%02dE%02d", fact.Episode.Season, fact.Episode.Episode)
		}
		if fact.Episode.SizeBytes != 2000 {
			t.Errorf("ep2 size = %d, want 2000", fact.Episode.SizeBytes)
		}
		if fact.Episode.SeriesName != "Example Show" {
			t.Errorf("ep2 series = %q", fact.Episode.SeriesName)
		}
	}
}

func TestWatchStatesRequiresLibraryID(t *testing.T) {
	client := NewClient("http://unused.invalid", "token", ".strm", nil)
	if _, err := client.WatchStates(context.Background(), " ", []string{"viewer-a"}); err == nil {
		t.Fatal("expected error for blank library id")
	}
}

func TestLibrariesAndUsersDecode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/Library/VirtualFolders":
			_, _ = w.Write([]byte(`[{"ItemId":"lib-1","Name":"TV Shows","CollectionType":"tvshows","Locations":["/tv"]}]`))
		case "/Users":
			_, _ = w.Write([]byte(`[{"Id":"viewer-a","Name":"Alice"},{"Id":"viewer-b","Name":"Bob"}]`))
		case "/System/Info":
			_, _ = w.Write([]byte(`{"ServerName":"emby","Version":"4.8"}`))
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-123", ".strm", server.Client())

	libraries, err := client.Libraries(context.Background())
	if err != nil {
		t.Fatalf("Libraries returned error: %v", err)
	}
	if len(libraries) != 1 || libraries[0].ID != "lib-1" || libraries[0].CollectionType != "tvshows" {
		t.Fatalf("unexpected libraries: %+v", libraries)
	}
	if len(libraries[0].Locations) != 1 || libraries[0].Locations[0] != "/tv" {
		t.Fatalf("unexpected locations: %+v", libraries[0].Locations)
	}

	users, err := client.Users(context.Background())
	if err != nil {
		t.Fatalf("Users returned error: %v", err)
	}
	if len(users) != 2 || users[0].Name != "Alice" {
		t.Fatalf("unexpected users: %+v", users)
	}

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
}

func TestServerErrorsAreGatewayErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "database locked")
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-123", ".strm", server.Client())
	_, err := client.Libraries(context.Background())
	if err == nil {
		t.Fatal("expected error from failing server")
	}
	if !errors.Is(err, services.ErrGateway) {
		t.Fatalf("expected gateway marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "database locked") {
		t.Fatalf("error should carry status and body: %v", err)
	}
}
