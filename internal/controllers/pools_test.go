package controllers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"zfsdash/internal/controllers"
	"zfsdash/internal/models"
	"zfsdash/internal/routes"
	"zfsdash/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// scriptedSource emits count records per stream, then either fails with err
// or idles until the stream is cancelled.
type scriptedSource struct {
	count int
	err   error
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Stream(ctx context.Context, pool string, interval time.Duration, emit func(models.IOStatMessage) error) error {
	alloc := uint64(1 << 30)
	for i := 1; i <= s.count; i++ {
		msg := models.IOStatMessage{
			Pool:      pool,
			Timestamp: int64(1700000000 + i),
			ReadIOPS:  float64(i),
			WriteIOPS: 2,
			ReadBW:    4096,
			WriteBW:   512,
			Alloc:     &alloc,
		}
		if err := emit(msg); err != nil {
			return err
		}
	}
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return ctx.Err()
}

// newFeedServer serves /api/ws/iostat from source and returns its ws:// URL
func newFeedServer(t *testing.T, source services.IOStatSource) string {
	t.Helper()
	r := gin.New()
	r.GET("/api/ws/iostat", controllers.NewIOStatController(source, time.Second, nil).HandleIOStat)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/iostat"
}

func newPoolsRouter(store *services.Store) *gin.Engine {
	r := gin.New()
	routes.RegisterPoolRoutes(r, controllers.NewPoolsController(store))
	return r
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolsRequestValidation(t *testing.T) {
	store := services.NewStore(services.NewWebSocketDialer("ws://127.0.0.1:1/api/ws/iostat"), services.StoreOptions{})
	defer store.Close()
	r := newPoolsRouter(store)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"bad pool name", http.MethodGet, "/api/pools/9tank/iostat/history", http.StatusBadRequest},
		{"bad pool name on connect", http.MethodPost, "/api/pools/-x/iostat/connect", http.StatusBadRequest},
		{"window not offered", http.MethodGet, "/api/pools/tank/iostat/history?window=42", http.StatusBadRequest},
		{"window not a number", http.MethodGet, "/api/pools/tank/iostat/history?window=abc", http.StatusBadRequest},
		{"default window", http.MethodGet, "/api/pools/tank/iostat/history", http.StatusOK},
		{"largest window", http.MethodGet, "/api/pools/tank/iostat/history?window=3600", http.StatusOK},
		{"status of unknown pool", http.MethodGet, "/api/pools/tank/iostat/status", http.StatusOK},
		{"summary without samples", http.MethodGet, "/api/pools/tank/iostat/summary", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(r, tt.method, tt.path); w.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, w.Code, tt.want, w.Body.String())
			}
		})
	}

	if got := store.Resources(); len(got) != 0 {
		t.Errorf("read-only requests created feeds: %v", got)
	}
}

func TestHistoryOfUnknownPool(t *testing.T) {
	store := services.NewStore(services.NewWebSocketDialer("ws://127.0.0.1:1/api/ws/iostat"), services.StoreOptions{})
	defer store.Close()

	w := do(newPoolsRouter(store), http.MethodGet, "/api/pools/tank/iostat/history")

	var body struct {
		Pool      string          `json:"pool"`
		Window    int             `json:"window"`
		Status    string          `json:"status"`
		Connected bool            `json:"connected"`
		Samples   []models.Sample `json:"samples"`
	}
	decode(t, w, &body)
	if body.Pool != "tank" || body.Window != 300 || body.Status != "idle" || body.Connected {
		t.Errorf("body = %+v", body)
	}
	if body.Samples == nil || len(body.Samples) != 0 {
		t.Errorf("samples = %v, want []", body.Samples)
	}
}

func TestPoolsEndToEnd(t *testing.T) {
	feedURL := newFeedServer(t, &scriptedSource{count: 3})
	store := services.NewStore(services.NewWebSocketDialer(feedURL), services.StoreOptions{})
	defer store.Close()
	r := newPoolsRouter(store)

	w := do(r, http.MethodPost, "/api/pools/tank/iostat/connect")
	if w.Code != http.StatusAccepted {
		t.Fatalf("connect = %d (%s)", w.Code, w.Body.String())
	}
	eventually(t, "3 samples", func() bool { return store.Info("tank").SamplesReceived == 3 })

	w = do(r, http.MethodGet, "/api/pools/tank/iostat/history?window=60")
	var history struct {
		Connected bool            `json:"connected"`
		Samples   []models.Sample `json:"samples"`
	}
	decode(t, w, &history)
	if !history.Connected || len(history.Samples) != 3 {
		t.Fatalf("history = %+v", history)
	}
	if s := history.Samples[2]; s.ReadRate != 3 || s.ReadThroughput != 4096 || s.Alloc != 1<<30 || s.Resource != "tank" {
		t.Errorf("newest sample = %+v", s)
	}
	if !history.Samples[0].Timestamp.Equal(time.Unix(1700000001, 0)) {
		t.Errorf("timestamp = %v, want wire timestamp", history.Samples[0].Timestamp)
	}

	w = do(r, http.MethodGet, "/api/pools/tank/iostat/summary")
	var summary struct {
		Status string            `json:"status"`
		Label  string            `json:"label"`
		Human  map[string]string `json:"human"`
	}
	decode(t, w, &summary)
	if w.Code != http.StatusOK || summary.Status != "open" || summary.Label != "Live" {
		t.Errorf("summary = %d %+v", w.Code, summary)
	}
	if summary.Human["read_bw"] != "4.1 kB/s" || summary.Human["alloc"] != "1.0 GiB" {
		t.Errorf("human = %v", summary.Human)
	}

	w = do(r, http.MethodGet, "/api/iostat/feeds")
	var feeds struct {
		Feeds []struct {
			Pool     string `json:"pool"`
			Status   string `json:"status"`
			Buffered int    `json:"buffered"`
		} `json:"feeds"`
	}
	decode(t, w, &feeds)
	if len(feeds.Feeds) != 1 || feeds.Feeds[0].Pool != "tank" || feeds.Feeds[0].Buffered != 3 {
		t.Errorf("feeds = %+v", feeds)
	}

	w = do(r, http.MethodDelete, "/api/pools/tank/iostat/connect")
	var released struct {
		Status string `json:"status"`
		Refs   int    `json:"refs"`
	}
	decode(t, w, &released)
	if released.Status != "idle" || released.Refs != 0 {
		t.Errorf("release = %+v", released)
	}
	if got := len(store.Snapshot("tank", 60)); got != 3 {
		t.Errorf("history after release = %d samples, want 3", got)
	}
}

func TestStoreReconnectsWhenFeedServerFails(t *testing.T) {
	feedURL := newFeedServer(t, &scriptedSource{count: 1, err: errors.New("zpool exited")})
	store := services.NewStore(services.NewWebSocketDialer(feedURL), services.StoreOptions{
		Feed: services.FeedOptions{BackoffBase: 10 * time.Millisecond, BackoffMax: 20 * time.Millisecond},
	})
	defer store.Close()

	store.Connect("tank")
	eventually(t, "several sessions", func() bool { return store.Info("tank").SamplesReceived >= 3 })

	info := store.Info("tank")
	if info.Status == models.StatusFailed || info.Status == models.StatusIdle {
		t.Errorf("status = %v, want the feed to keep retrying", info.Status)
	}
}

func dialFeed(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestIOStatCloseCodes(t *testing.T) {
	tests := []struct {
		name   string
		source *scriptedSource
		query  string
		code   int
		reason string
	}{
		{"missing pool", &scriptedSource{}, "", websocket.ClosePolicyViolation, "Missing pool parameter"},
		{"invalid pool", &scriptedSource{}, "?pool=1bad", websocket.ClosePolicyViolation, "invalid pool name"},
		{"source failure", &scriptedSource{count: 1, err: errors.New("cannot open 'tank': no such pool")}, "?pool=tank", websocket.CloseInternalServerErr, "no such pool"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialFeed(t, newFeedServer(t, tt.source)+tt.query)
			_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

			var err error
			for err == nil {
				_, _, err = conn.ReadMessage()
			}
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want close error", err)
			}
			if ce.Code != tt.code || !strings.Contains(ce.Text, tt.reason) {
				t.Errorf("close = %d %q, want %d containing %q", ce.Code, ce.Text, tt.code, tt.reason)
			}
		})
	}
}

func TestIOStatWireFormat(t *testing.T) {
	conn := dialFeed(t, newFeedServer(t, &scriptedSource{count: 1})+"?pool=tank")
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	for _, field := range []string{"pool", "timestamp", "alloc", "read_iops", "write_iops", "read_bw", "write_bw"} {
		if _, ok := record[field]; !ok {
			t.Errorf("record %s has no %q", data, field)
		}
	}
	if v, ok := record["free"]; !ok || v != nil {
		t.Errorf("free should be null when unknown: %s", data)
	}
}

func TestLiveRejectsBadRequests(t *testing.T) {
	store := services.NewStore(services.NewWebSocketDialer("ws://127.0.0.1:1/api/ws/iostat"), services.StoreOptions{})
	defer store.Close()
	hub := services.NewLiveHub(store)
	hub.Start()
	defer hub.Stop()

	r := gin.New()
	routes.RegisterWebSocketRoutes(r, controllers.NewIOStatController(&scriptedSource{}, time.Second, nil), controllers.NewLiveController(hub, nil))

	for _, path := range []string{"/api/ws/live", "/api/ws/live?pool=tank&window=7"} {
		if w := do(r, http.MethodGet, path); w.Code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", path, w.Code)
		}
	}
}

func TestLiveStreamsHistoryAndUpdates(t *testing.T) {
	feedURL := newFeedServer(t, &scriptedSource{count: 2})
	store := services.NewStore(services.NewWebSocketDialer(feedURL), services.StoreOptions{})
	defer store.Close()
	hub := services.NewLiveHub(store)
	hub.Start()
	defer hub.Stop()

	r := gin.New()
	routes.RegisterWebSocketRoutes(r, controllers.NewIOStatController(&scriptedSource{}, time.Second, nil), controllers.NewLiveController(hub, nil))
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialFeed(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws/live?pool=tank&window=60")
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first services.LiveMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read history: %v", err)
	}
	if first.Type != "history" || first.Pool != "tank" || first.Status == models.StatusFailed {
		t.Fatalf("first message = %+v", first)
	}

	seen := len(first.Data)
	for seen < 2 {
		var msg struct {
			Type string          `json:"type"`
			Data []models.Sample `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read update: %v", err)
		}
		seen += len(msg.Data)
	}
	if seen != 2 {
		t.Errorf("received %d samples, want 2", seen)
	}
}

func TestStatusOmitsUnsetTimes(t *testing.T) {
	feedURL := newFeedServer(t, &scriptedSource{count: 1})
	store := services.NewStore(services.NewWebSocketDialer(feedURL), services.StoreOptions{})
	defer store.Close()
	r := newPoolsRouter(store)

	var idle map[string]any
	decode(t, do(r, http.MethodGet, "/api/pools/tank/iostat/status"), &idle)
	for _, key := range []string{"next_retry_at", "last_sample_at"} {
		if v, ok := idle[key]; ok {
			t.Errorf("%s = %v on a pool that never connected", key, v)
		}
	}

	store.Connect("tank")
	eventually(t, "sample", func() bool { return store.Info("tank").SamplesReceived == 1 })

	var live map[string]any
	decode(t, do(r, http.MethodGet, "/api/pools/tank/iostat/status"), &live)
	if got, _ := live["last_sample_at"].(string); got != time.Unix(1700000001, 0).Format(time.RFC3339) {
		t.Errorf("last_sample_at = %v", live["last_sample_at"])
	}
	if _, ok := live["next_retry_at"]; ok {
		t.Error("next_retry_at set on an open feed")
	}
}
