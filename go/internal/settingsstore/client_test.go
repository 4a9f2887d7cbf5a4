package settingsstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mcdev12/pizzaday/go/internal/ledger"
	"github.com/mcdev12/pizzaday/go/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	return New(cfg)
}

func TestRoomStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/room-status/pizza-day-abc123" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"isActive":false}`))
	})

	active, err := c.RoomStatus(context.Background(), "pizza-day-abc123")
	if err != nil {
		t.Fatalf("room status: %v", err)
	}
	if active {
		t.Fatal("expected inactive room")
	}
}

func TestRoomStatusWithoutFlagIsMalformed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	if _, err := c.RoomStatus(context.Background(), "pizza-day-abc123"); !errors.Is(err, ErrFetchMalformed) {
		t.Fatalf("err = %v, want ErrFetchMalformed", err)
	}
}

func TestFetchSettings(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"items":[{"label":"margherita","units":8,"priceCents":6000}],
			"ledger":{"0":{"ana":3}},
			"division":"by-consumption",
			"lastUpdated":1700000000000,
			"allowGuestRemoval":true
		}`))
	})

	s, err := c.FetchSettings(context.Background(), "pizza-day-abc123")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if s.Ledger[0]["ana"] != 3 || s.Division != models.DivisionByConsumption || !s.AllowGuestRemoval {
		t.Fatalf("settings = %+v", s)
	}
}

func TestFetchFailuresAreMalformed(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
		"not found": func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		},
		"html": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>maintenance</html>"))
		},
		"empty": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
		"null": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("null"))
		},
		"empty object": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"lastUpdated":1700000000000}`))
		},
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, handler)
			_, err := c.FetchSettings(context.Background(), "pizza-day-abc123")
			if !errors.Is(err, ErrFetchMalformed) {
				t.Fatalf("err = %v, want ErrFetchMalformed", err)
			}
		})
	}
}

func TestNetworkFailureIsNotMalformed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	c := New(cfg)

	_, err := c.FetchSettings(context.Background(), "pizza-day-abc123")
	if err == nil || errors.Is(err, ErrFetchMalformed) {
		t.Fatalf("err = %v", err)
	}
}

func TestWrites(t *testing.T) {
	type call struct {
		path string
		body string
	}
	calls := make(chan call, 4)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		data, _ := io.ReadAll(r.Body)
		calls <- call{path: r.URL.Path, body: string(data)}
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()

	settings := models.Settings{
		Division: models.DivisionEqualSplit,
		Items:    []ledger.Item{{Label: "calabresa", Units: 8, PriceCents: 6500}},
	}
	if err := c.SaveSettings(ctx, "pizza-day-abc123", settings); err != nil {
		t.Fatalf("save: %v", err)
	}
	got := <-calls
	var saved SaveSettingsRequest
	if err := json.Unmarshal([]byte(got.body), &saved); err != nil {
		t.Fatalf("body: %v", err)
	}
	if got.path != "/room-settings" || saved.SessionID != "pizza-day-abc123" || saved.Settings.Division != models.DivisionEqualSplit {
		t.Fatalf("save call = %+v", got)
	}

	if err := c.SetHost(ctx, "pizza-day-abc123", "bruno"); err != nil {
		t.Fatalf("set host: %v", err)
	}
	if got := <-calls; got.path != "/set-host" || got.body != `{"sessionId":"pizza-day-abc123","identity":"bruno"}` {
		t.Fatalf("set host call = %+v", got)
	}

	if err := c.EndRoom(ctx, "pizza-day-abc123"); err != nil {
		t.Fatalf("end room: %v", err)
	}
	if got := <-calls; got.path != "/end-room/pizza-day-abc123" || got.body != "" {
		t.Fatalf("end room call = %+v", got)
	}

	if err := c.RegisterParticipant(ctx, "pizza-day-abc123", models.Participant{Identity: "ana", DisplayName: "Ana"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := <-calls; got.path != "/participants" {
		t.Fatalf("register call = %+v", got)
	}
}

func TestWriteRejectedByStore(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "only the host may end the room", http.StatusForbidden)
	})
	if err := c.EndRoom(context.Background(), "pizza-day-abc123"); !errors.Is(err, ErrFetchMalformed) {
		t.Fatalf("err = %v", err)
	}
}
