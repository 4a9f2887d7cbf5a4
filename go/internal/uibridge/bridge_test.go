package uibridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcdev12/pizzaday/go/internal/bill"
	"github.com/mcdev12/pizzaday/go/internal/ledger"
	"github.com/mcdev12/pizzaday/go/internal/models"
	"github.com/mcdev12/pizzaday/go/internal/session"
)

// fakeSession records calls and serves a fixed view.
type fakeSession struct {
	mu      sync.Mutex
	calls   []string
	view    session.View
	err     error
	notes   chan session.Notification
	visible []bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		view:  session.View{SessionID: "pizza-day-test01", Identity: "guest-1", Available: []int{8}},
		notes: make(chan session.Notification, 8),
	}
}

func (f *fakeSession) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeSession) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) View(ctx context.Context) (session.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view, nil
}

func (f *fakeSession) Bill(ctx context.Context) (bill.Bill, error) {
	return bill.Bill{TotalCents: 6000}, f.record("bill")
}

func (f *fakeSession) AddUnit(ctx context.Context, item int) error {
	return f.record(fmt.Sprintf("add %d", item))
}

func (f *fakeSession) RemoveUnit(ctx context.Context, item int) error {
	return f.record(fmt.Sprintf("remove %d", item))
}

func (f *fakeSession) RemoveUnitFor(ctx context.Context, item int, identity string) error {
	return f.record(fmt.Sprintf("remove %d for %s", item, identity))
}

func (f *fakeSession) RequestRefresh(ctx context.Context) error {
	return f.record("refresh")
}

func (f *fakeSession) SetVisibility(ctx context.Context, visible bool) error {
	return f.record(fmt.Sprintf("visible %t", visible))
}

func (f *fakeSession) Leave(ctx context.Context) error {
	return f.record("leave")
}

func (f *fakeSession) AdjustUnits(ctx context.Context, item int, identity string, delta int) error {
	return f.record(fmt.Sprintf("adjust %d %s %+d", item, identity, delta))
}

func (f *fakeSession) RemoveItem(ctx context.Context, i int) error {
	return f.record(fmt.Sprintf("remove item %d", i))
}

func (f *fakeSession) SetDivision(ctx context.Context, policy models.DivisionPolicy) error {
	return f.record("division " + string(policy))
}

func (f *fakeSession) TransferHost(ctx context.Context, identity string) error {
	return f.record("host " + identity)
}

func (f *fakeSession) EndSession(ctx context.Context) error {
	return f.record("end")
}

func (f *fakeSession) Subscribe() (<-chan session.Notification, func()) {
	return f.notes, func() {}
}

func newTestServer(t *testing.T, s Session) (*httptest.Server, *Hub) {
	t.Helper()
	cfg := DefaultConfig()
	hub := NewHub(s, cfg)
	srv := httptest.NewServer(NewServer("", s, hub, cfg).Handler)
	t.Cleanup(srv.Close)
	return srv, hub
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGetSession(t *testing.T) {
	srv, _ := newTestServer(t, newFakeSession())

	resp, err := http.Get(srv.URL + "/api/session")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var v session.View
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.SessionID != "pizza-day-test01" || v.Identity != "guest-1" {
		t.Errorf("view = %+v", v)
	}
}

func TestUnitsRoutes(t *testing.T) {
	fake := newFakeSession()
	srv, _ := newTestServer(t, fake)

	for _, req := range []UnitsRequest{
		{Item: 0, Op: "add"},
		{Item: 1, Op: "remove"},
		{Item: 2, Op: "remove", Identity: "bia-22"},
	} {
		if resp := post(t, srv.URL+"/api/session/units", req); resp.StatusCode != http.StatusOK {
			t.Fatalf("%+v: status = %d", req, resp.StatusCode)
		}
	}
	if resp := post(t, srv.URL+"/api/session/units", UnitsRequest{Op: "steal"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown op status = %d, want 400", resp.StatusCode)
	}

	want := []string{"add 0", "remove 1", "remove 2 for bia-22"}
	if got := fake.recorded(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("add unit: %w", ledger.ErrExhausted), http.StatusConflict},
		{fmt.Errorf("remove: %w", session.ErrPermissionDenied), http.StatusForbidden},
		{fmt.Errorf("item 9: %w", ledger.ErrUnknownItem), http.StatusBadRequest},
		{session.ErrSessionEnded, http.StatusGone},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		fake := newFakeSession()
		fake.err = tc.err
		srv, _ := newTestServer(t, fake)

		resp := post(t, srv.URL+"/api/session/units", UnitsRequest{Op: "add"})
		if resp.StatusCode != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, resp.StatusCode, tc.want)
		}
		var body errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
			t.Errorf("%v: error body = %+v (%v)", tc.err, body, err)
		}
	}
}

func TestRefreshVisibilityLeaveAndBill(t *testing.T) {
	fake := newFakeSession()
	srv, _ := newTestServer(t, fake)

	if resp := post(t, srv.URL+"/api/session/refresh", struct{}{}); resp.StatusCode != http.StatusAccepted {
		t.Errorf("refresh status = %d", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/api/session/visibility", VisibilityRequest{Visible: false}); resp.StatusCode != http.StatusNoContent {
		t.Errorf("visibility status = %d", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/api/session/leave", struct{}{}); resp.StatusCode != http.StatusNoContent {
		t.Errorf("leave status = %d", resp.StatusCode)
	}

	resp, err := http.Get(srv.URL + "/api/session/bill")
	if err != nil {
		t.Fatalf("get bill: %v", err)
	}
	defer resp.Body.Close()
	var b bill.Bill
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil || b.TotalCents != 6000 {
		t.Errorf("bill = %+v (%v)", b, err)
	}

	want := "refresh,visible false,leave,bill"
	if got := strings.Join(fake.recorded(), ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
}

func TestHostRoutes(t *testing.T) {
	fake := newFakeSession()
	srv, _ := newTestServer(t, fake)

	for path, body := range map[string]any{
		"/api/session/adjust":       AdjustRequest{Item: 1, Identity: "bia-22", Delta: -2},
		"/api/session/items/remove": ItemRequest{Item: 0},
		"/api/session/division":     DivisionRequest{Division: models.DivisionEqualSplit},
		"/api/session/host":         HostRequest{Identity: "bia-22"},
	} {
		if resp := post(t, srv.URL+path, body); resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d", path, resp.StatusCode)
		}
	}
	if resp := post(t, srv.URL+"/api/session/end", struct{}{}); resp.StatusCode != http.StatusNoContent {
		t.Errorf("end status = %d", resp.StatusCode)
	}

	got := fake.recorded()
	for _, want := range []string{"adjust 1 bia-22 -2", "remove item 0", "division equal-split", "host bia-22", "end"} {
		found := false
		for _, call := range got {
			if call == want {
				found = true
			}
		}
		if !found {
			t.Errorf("calls = %v, missing %q", got, want)
		}
	}

	if resp := post(t, srv.URL+"/api/session/host", HostRequest{}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("host without identity: status = %d", resp.StatusCode)
	}
}

func TestGuestCannotUseHostRoutes(t *testing.T) {
	fake := newFakeSession()
	fake.err = fmt.Errorf("end session: %w", session.ErrPermissionDenied)
	srv, _ := newTestServer(t, fake)

	if resp := post(t, srv.URL+"/api/session/end", struct{}{}); resp.StatusCode != http.StatusForbidden {
		t.Errorf("end status = %d, want 403", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/api/session/division", DivisionRequest{Division: models.DivisionEqualSplit}); resp.StatusCode != http.StatusForbidden {
		t.Errorf("division status = %d, want 403", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, newFakeSession())

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/session/units", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow origin = %q, want *", got)
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readNotification(t *testing.T, conn *websocket.Conn) session.Notification {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var n session.Notification
	if err := conn.ReadJSON(&n); err != nil {
		t.Fatalf("read: %v", err)
	}
	return n
}

func TestWebSocketStreamsNotifications(t *testing.T) {
	fake := newFakeSession()
	srv, hub := newTestServer(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	conn := dial(t, srv)
	first := readNotification(t, conn)
	if first.Kind != session.NotifyState || first.View.SessionID != "pizza-day-test01" {
		t.Fatalf("first message = %+v", first)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Connections() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fake.notes <- session.Notification{Kind: session.NotifyNotice, Notice: "no slices left of that item"}
	if n := readNotification(t, conn); n.Kind != session.NotifyNotice || n.Notice != "no slices left of that item" {
		t.Errorf("notice = %+v", n)
	}

	if err := conn.WriteJSON(map[string]any{"type": "visibility", "visible": true}); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for !contains(fake.recorded(), "visible true") {
		if time.Now().After(deadline) {
			t.Fatalf("visibility command not applied; calls = %v", fake.recorded())
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(fake.notes)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("hub did not stop after the session terminated")
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read after termination = %v, want normal close", err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
