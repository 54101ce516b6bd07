package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/donorlink/internal/auth"
	"github.com/zulandar/donorlink/internal/conversation"
	"github.com/zulandar/donorlink/internal/db"
	"github.com/zulandar/donorlink/internal/fulfillment"
	"github.com/zulandar/donorlink/internal/ledger"
	"github.com/zulandar/donorlink/internal/live"
	"github.com/zulandar/donorlink/internal/models"
	"github.com/zulandar/donorlink/internal/request"
)

type testEnv struct {
	router   *gin.Engine
	ledger   *ledger.Ledger
	notifier *fulfillment.Notifier
}

func newTestEnv(t *testing.T, verifier *auth.Verifier) *testEnv {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	l, err := ledger.New(ledger.Opts{DB: gdb})
	if err != nil {
		t.Fatal(err)
	}
	n, err := fulfillment.NewNotifier(fulfillment.NotifierOpts{DB: gdb, Ledger: l})
	if err != nil {
		t.Fatal(err)
	}
	l.SetListener(n)
	ch, err := live.NewChannel(live.ChannelOpts{Source: live.NewStoreSource(gdb, 10*time.Millisecond, 8)})
	if err != nil {
		t.Fatal(err)
	}
	router, err := NewRouter(StartOpts{
		DB:        gdb,
		Ledger:    l,
		Notifier:  n,
		Channel:   ch,
		Verifier:  verifier,
		Heartbeat: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return &testEnv{router: router, ledger: l, notifier: n}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func (e *testEnv) createRequest(t *testing.T, ngo string, needed int) models.Request {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/requests", ngo, map[string]any{"item_name": "blankets", "quantity_needed": needed})
	if w.Code != http.StatusCreated {
		t.Fatalf("create request: %d %s", w.Code, w.Body.String())
	}
	return decode[models.Request](t, w)
}

func TestNewRouter_RequiresDeps(t *testing.T) {
	if _, err := NewRouter(StartOpts{}); err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Errorf("err = %v", err)
	}
}

func TestStart_NilDB(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	if err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Errorf("err = %v", err)
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, nil)
	if w := e.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestIdentify(t *testing.T) {
	e := newTestEnv(t, auth.NewVerifier("s3cret"))
	if w := e.do(t, http.MethodGet, "/api/feed", "spoofed", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unsigned request status = %d, want 401", w.Code)
	}

	token, _ := auth.Issue("s3cret", "donor-1", time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("signed request status = %d: %s", w.Code, w.Body.String())
	}

	dev := newTestEnv(t, nil)
	if w := dev.do(t, http.MethodGet, "/api/feed", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("missing user status = %d, want 401", w.Code)
	}
}

func TestCreateRequest_Validation(t *testing.T) {
	e := newTestEnv(t, nil)
	if w := e.do(t, http.MethodPost, "/api/requests", "ngo-1", map[string]any{"item_name": "rice"}); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/requests", strings.NewReader("{"))
	req.Header.Set("X-User-ID", "ngo-1")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", w.Code)
	}
}

// Over HTTP: the second donor decided on a stale view of 0
// pledged and their pledge is still accepted, overcommitting to 11/10.
func TestPledgeFlow_Overcommit(t *testing.T) {
	e := newTestEnv(t, nil)
	req := e.createRequest(t, "ngo-1", 10)
	path := "/api/requests/" + req.ID + "/pledges"

	w := e.do(t, http.MethodPost, path, "donor-a", map[string]any{"amount": 6})
	if w.Code != http.StatusCreated {
		t.Fatalf("pledge a: %d %s", w.Code, w.Body.String())
	}
	if r := decode[ledger.Receipt](t, w); r.Aggregate.Pledged != 6 || r.Aggregate.Fulfilled {
		t.Errorf("receipt a = %+v", r.Aggregate)
	}

	w = e.do(t, http.MethodPost, path, "donor-b", map[string]any{"amount": 5, "observed_pledged": 0})
	if w.Code != http.StatusCreated {
		t.Fatalf("pledge b: %d %s", w.Code, w.Body.String())
	}
	if r := decode[ledger.Receipt](t, w); r.Aggregate.Pledged != 11 || !r.Aggregate.Fulfilled {
		t.Errorf("receipt b = %+v", r.Aggregate)
	}

	feed := decode[struct{ Requests []fulfillment.Snapshot }](t, e.do(t, http.MethodGet, "/api/feed", "donor-c", nil))
	for _, s := range feed.Requests {
		if s.Request.ID == req.ID {
			t.Error("fulfilled request still in donor feed")
		}
	}

	mine := decode[struct{ Requests []fulfillment.Snapshot }](t, e.do(t, http.MethodGet, "/api/ngos/ngo-1/requests", "ngo-1", nil))
	if len(mine.Requests) != 1 || mine.Requests[0].Aggregate.Pledged != 11 || mine.Requests[0].Aggregate.Needed != 10 {
		t.Errorf("ngo view = %+v", mine.Requests)
	}

	agg := decode[ledger.Aggregate](t, e.do(t, http.MethodGet, "/api/requests/"+req.ID+"/aggregate", "ngo-1", nil))
	if !agg.Overcommitted() {
		t.Errorf("aggregate = %+v, want overcommitted", agg)
	}
	pledges := decode[struct{ Pledges []models.Pledge }](t, e.do(t, http.MethodGet, "/api/requests/"+req.ID+"/pledges", "ngo-1", nil))
	if len(pledges.Pledges) != 2 || pledges.Pledges[0].UserID != "donor-a" {
		t.Errorf("pledges = %+v", pledges.Pledges)
	}
}

func TestFeed_SearchAndCategory(t *testing.T) {
	e := newTestEnv(t, nil)
	for _, body := range []map[string]any{
		{"title": "Warm hands", "item_name": "gloves", "category": "clothing", "quantity_needed": 5},
		{"title": "Pantry", "item_name": "rice", "category": "food", "quantity_needed": 5},
	} {
		if w := e.do(t, http.MethodPost, "/api/requests", "ngo-1", body); w.Code != http.StatusCreated {
			t.Fatalf("create: %d %s", w.Code, w.Body.String())
		}
		time.Sleep(2 * time.Millisecond)
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"rice", "gloves"}},
		{"?q=GLOVE", []string{"gloves"}},
		{"?category=food", []string{"rice"}},
		{"?q=warm&category=food", nil},
	}
	for _, tt := range tests {
		feed := decode[struct{ Requests []fulfillment.Snapshot }](t, e.do(t, http.MethodGet, "/api/feed"+tt.query, "donor", nil))
		var got []string
		for _, s := range feed.Requests {
			got = append(got, s.Request.ItemName)
		}
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("feed%s = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestPledge_ErrorStatuses(t *testing.T) {
	e := newTestEnv(t, nil)
	req := e.createRequest(t, "ngo-1", 3)
	closed := e.createRequest(t, "ngo-1", 3)
	if w := e.do(t, http.MethodPatch, "/api/requests/"+closed.ID, "ngo-1", map[string]any{"status": models.StatusCollected}); w.Code != http.StatusOK {
		t.Fatalf("close: %d %s", w.Code, w.Body.String())
	}

	tests := []struct {
		name string
		id   string
		body map[string]any
		want int
	}{
		{"zero amount", req.ID, map[string]any{"amount": 0}, http.StatusBadRequest},
		{"over capacity", req.ID, map[string]any{"amount": 4}, http.StatusConflict},
		{"negative observed total", req.ID, map[string]any{"amount": 100, "observed_pledged": -100}, http.StatusBadRequest},
		{"missing request", "nope", map[string]any{"amount": 1}, http.StatusNotFound},
		{"closed request", closed.ID, map[string]any{"amount": 1}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/api/requests/"+tt.id+"/pledges", "donor", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestUpdateAndDeleteRequest(t *testing.T) {
	e := newTestEnv(t, nil)
	req := e.createRequest(t, "ngo-1", 3)
	path := "/api/requests/" + req.ID

	if w := e.do(t, http.MethodPatch, path, "ngo-2", map[string]any{"is_urgent": true}); w.Code != http.StatusForbidden {
		t.Errorf("non-owner update = %d, want 403", w.Code)
	}
	w := e.do(t, http.MethodPatch, path, "ngo-1", map[string]any{"is_urgent": true})
	if w.Code != http.StatusOK || !decode[models.Request](t, w).IsUrgent {
		t.Errorf("owner update = %d %s", w.Code, w.Body.String())
	}
	snap := decode[fulfillment.Snapshot](t, e.do(t, http.MethodGet, path, "donor", nil))
	if !snap.Request.IsUrgent || !snap.ActiveForDonors {
		t.Errorf("snapshot = %+v", snap)
	}

	if w := e.do(t, http.MethodDelete, path, "ngo-2", nil); w.Code != http.StatusForbidden {
		t.Errorf("non-owner delete = %d, want 403", w.Code)
	}
	sub := e.notifier.Subscribe(4)
	defer sub.Close()
	if w := e.do(t, http.MethodDelete, path, "ngo-1", nil); w.Code != http.StatusNoContent {
		t.Errorf("delete = %d", w.Code)
	}
	select {
	case removed := <-sub.C():
		if !removed.Deleted || removed.Request.ID != req.ID || removed.ActiveForDonors {
			t.Errorf("delete snapshot = %+v, want removal of %s", removed, req.ID)
		}
	case <-time.After(2 * time.Second):
		t.Error("no snapshot published for the delete")
	}
	if w := e.do(t, http.MethodGet, path, "donor", nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
}

func TestMessages(t *testing.T) {
	e := newTestEnv(t, nil)
	send := func(from, to, content string) *httptest.ResponseRecorder {
		return e.do(t, http.MethodPost, "/api/conversations/"+to+"/messages", from, map[string]any{"content": content})
	}

	if w := send("x", "y", "   "); w.Code != http.StatusBadRequest {
		t.Errorf("empty content = %d, want 400", w.Code)
	}
	if w := send("x", "x", "hi me"); w.Code != http.StatusBadRequest {
		t.Errorf("self message = %d, want 400", w.Code)
	}
	for i, c := range []string{"hello", "hi", "pickup at 5?"} {
		from, to := "x", "y"
		if i == 1 {
			from, to = "y", "x"
		}
		if w := send(from, to, c); w.Code != http.StatusCreated {
			t.Fatalf("send %q: %d %s", c, w.Code, w.Body.String())
		}
		time.Sleep(2 * time.Millisecond)
	}
	send("z", "y", "unrelated to x")

	type page struct {
		Messages []models.Message
		Next     string
	}
	first := decode[page](t, e.do(t, http.MethodGet, "/api/conversations/x/messages?limit=2", "y", nil))
	if len(first.Messages) != 2 || first.Messages[0].Content != "hello" || first.Next == "" {
		t.Fatalf("first page = %+v", first)
	}
	rest := decode[page](t, e.do(t, http.MethodGet, "/api/conversations/x/messages?limit=2&after="+first.Next, "y", nil))
	if len(rest.Messages) != 1 || rest.Messages[0].Content != "pickup at 5?" || rest.Next != "" {
		t.Errorf("second page = %+v", rest)
	}

	if w := e.do(t, http.MethodGet, "/api/conversations/x/messages?after=***", "y", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad cursor = %d, want 400", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/api/conversations/x/messages?limit=-1", "y", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", w.Code)
	}

	convs := decode[struct{ Conversations []conversation.Conversation }](t, e.do(t, http.MethodGet, "/api/conversations", "y", nil))
	if len(convs.Conversations) != 2 || convs.Conversations[0].Counterpart != "z" || convs.Conversations[1].Counterpart != "x" {
		t.Errorf("conversations = %+v", convs.Conversations)
	}
}

func TestSendMessage_ResendByID(t *testing.T) {
	e := newTestEnv(t, nil)
	path := "/api/conversations/ngo-1/messages"
	body := map[string]any{"id": "client-1", "content": "on my way"}

	w := e.do(t, http.MethodPost, path, "donor", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("send = %d %s", w.Code, w.Body.String())
	}
	first := decode[models.Message](t, w)

	w = e.do(t, http.MethodPost, path, "donor", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("resend = %d %s", w.Code, w.Body.String())
	}
	if again := decode[models.Message](t, w); again.ID != first.ID || !again.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("resend = %+v, want %+v", again, first)
	}

	w = e.do(t, http.MethodPost, path, "donor", map[string]any{"id": "client-1", "content": "something else"})
	if w.Code != http.StatusConflict {
		t.Errorf("reused id = %d, want 409: %s", w.Code, w.Body.String())
	}

	thread := decode[struct{ Messages []models.Message }](t, e.do(t, http.MethodGet, path, "donor", nil))
	if len(thread.Messages) != 1 {
		t.Errorf("thread = %+v, want one message", thread.Messages)
	}
}

func readEvent(t *testing.T, lines <-chan string, want string) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream ended before %q event", want)
			}
			if line != "event: "+want {
				continue
			}
			select {
			case data := <-lines:
				return strings.TrimPrefix(data, "data: ")
			case <-deadline:
				t.Fatalf("no data for %q event", want)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", want)
		}
	}
}

func openStream(t *testing.T, srv *httptest.Server, path, user string) <-chan string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path, nil)
	req.Header.Set("X-User-ID", user)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

func TestMessageEvents(t *testing.T) {
	e := newTestEnv(t, nil)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	lines := openStream(t, srv, "/api/events/messages", "y")
	readEvent(t, lines, "connected")

	w := e.do(t, http.MethodPost, "/api/conversations/y/messages", "x", map[string]any{"content": "are you there?"})
	if w.Code != http.StatusCreated {
		t.Fatal(w.Body.String())
	}
	var got models.Message
	if err := json.Unmarshal([]byte(readEvent(t, lines, live.EventMessage)), &got); err != nil {
		t.Fatal(err)
	}
	if got.Content != "are you there?" || got.SenderID != "x" {
		t.Errorf("event message = %+v", got)
	}
}

func TestRequestEvents(t *testing.T) {
	e := newTestEnv(t, nil)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)
	req := e.createRequest(t, "ngo-1", 2)

	lines := openStream(t, srv, "/api/events/requests", "donor")
	readEvent(t, lines, "connected")
	deadline := time.Now().Add(2 * time.Second)
	for e.notifier.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if w := e.do(t, http.MethodPost, "/api/requests/"+req.ID+"/pledges", "donor", map[string]any{"amount": 2}); w.Code != http.StatusCreated {
		t.Fatal(w.Body.String())
	}
	var snap fulfillment.Snapshot
	if err := json.Unmarshal([]byte(readEvent(t, lines, "request")), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Request.ID != req.ID || !snap.Aggregate.Fulfilled || snap.ActiveForDonors {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", auth.ErrUnauthenticated), http.StatusUnauthorized},
		{fmt.Errorf("x: %w", ledger.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("x: %w", conversation.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("x: %w", request.ErrInvalid), http.StatusBadRequest},
		{fmt.Errorf("x: %w", ledger.ErrCapacityExceeded), http.StatusConflict},
		{fmt.Errorf("x: %w", ledger.ErrRequestClosed), http.StatusConflict},
		{fmt.Errorf("x: %w", conversation.ErrConflict), http.StatusConflict},
		{fmt.Errorf("x: %w", ledger.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", request.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", request.ErrNotOwner), http.StatusForbidden},
		{fmt.Errorf("x: %w", ledger.ErrTransport), http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", conversation.ErrTransport), http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", live.ErrTransport), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
