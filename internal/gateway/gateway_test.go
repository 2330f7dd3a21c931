package gateway

import (
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
	"github.com/stretchr/testify/require"

	"github.com/scanbridge/scanbridged/internal/prefs"
	"github.com/scanbridge/scanbridged/internal/recompress"
	"github.com/scanbridge/scanbridged/internal/scanner"
	"github.com/scanbridge/scanbridged/internal/session"
)

// fakeBackend is a minimal in-memory scanner.Backend used to drive the
// Gateway's dispatch and event-fan-in logic without real hardware.
type fakeBackend struct {
	mu       sync.Mutex
	selected bool
	events   chan scanner.Event
	failNext bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan scanner.Event, 16)}
}

func (f *fakeBackend) Name() string                 { return "f" }
func (f *fakeBackend) Events() <-chan scanner.Event  { return f.events }
func (f *fakeBackend) Initialize(ctx context.Context, uiHandle any) error { return nil }
func (f *fakeBackend) Shutdown()                     {}
func (f *fakeBackend) Enumerate(ctx context.Context) ([]scanner.Device, error) {
	return []scanner.Device{{ID: "dev1", Name: "Fake Scanner", IsDefault: true, Protocol: "f"}}, nil
}
func (f *fakeBackend) Select(ctx context.Context, localID string) error {
	if localID != "dev1" {
		return fmt.Errorf("unknown device %q", localID)
	}
	f.mu.Lock()
	f.selected = true
	f.mu.Unlock()
	return nil
}
func (f *fakeBackend) Capabilities(ctx context.Context, localID string) (scanner.CapabilitySnapshot, error) {
	return scanner.CapabilitySnapshot{
		scanner.CapDPI: {Key: scanner.CapDPI, Type: scanner.CapabilityInt, Readable: true, Writable: true},
	}, nil
}
func (f *fakeBackend) Apply(ctx context.Context, settings scanner.Settings) error { return nil }
func (f *fakeBackend) Start(ctx context.Context, requestID string) error {
	if f.failNext {
		return fmt.Errorf("simulated start failure")
	}
	go func() {
		f.events <- scanner.Event{RequestID: requestID, Page: &scanner.Page{
			Data:     []byte{0xFF, 0xD8, 0xFF, 0xD9},
			Metadata: scanner.PageMetadata{Format: "jpg", Bytes: 4},
			Ordinal:  1,
		}}
		f.events <- scanner.Event{RequestID: requestID, Completed: &scanner.CompletedEvent{TotalPages: 1}}
	}()
	return nil
}
func (f *fakeBackend) Stop() {}

func newTestGateway(t *testing.T) (*Gateway, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	router := scanner.NewRouter()
	router.Register(backend)
	require.NoError(t, router.Initialize(context.Background(), nil))

	sessions := session.NewStore(8, time.Hour)
	prefStore := prefs.NewStore(t.TempDir())
	gw := New(Config{}, sessions, router, recompress.New(), prefStore, nil)
	return gw, backend
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func sendJSON(t *testing.T, c *websocket.Conn, v map[string]any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, payload))
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestAuthenticateThenPing(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.handleUpgrade))
	defer srv.Close()

	c := dial(t, srv)
	sendJSON(t, c, map[string]any{"action": "authenticate", "requestId": "r1"})
	resp := readJSON(t, c)
	require.Equal(t, "success", resp["status"])
	token, _ := resp["token"].(string)
	require.NotEmpty(t, token)

	sendJSON(t, c, map[string]any{"action": "ping", "requestId": "r2"})
	pong := readJSON(t, c)
	require.Equal(t, "success", pong["status"])
}

func TestActionWithoutTokenIsUnauthorized(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.handleUpgrade))
	defer srv.Close()

	c := dial(t, srv)
	sendJSON(t, c, map[string]any{"action": "list_scanners", "requestId": "r1"})
	resp := readJSON(t, c)
	require.Equal(t, "error", resp["status"])
	require.Equal(t, "UNAUTHORIZED", resp["errorCode"])
}

func TestUnknownActionIsInvalidRequest(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.handleUpgrade))
	defer srv.Close()

	c := dial(t, srv)
	sendJSON(t, c, map[string]any{"action": "levitate", "requestId": "r1"})
	resp := readJSON(t, c)
	require.Equal(t, "error", resp["status"])
	require.Equal(t, "INVALID_REQUEST", resp["errorCode"])
}

func authenticate(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	sendJSON(t, c, map[string]any{"action": "authenticate", "requestId": "auth"})
	resp := readJSON(t, c)
	return resp["token"].(string)
}

func TestFullScanFlowDeliversPageThenCompleted(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.handleUpgrade))
	defer srv.Close()

	c := dial(t, srv)
	token := authenticate(t, c)

	sendJSON(t, c, map[string]any{"action": "select_scanner", "requestId": "r1", "token": token, "settings": map[string]any{"source": "f:dev1"}})
	sel := readJSON(t, c)
	require.Equal(t, "success", sel["status"])

	sendJSON(t, c, map[string]any{"action": "scan", "requestId": "scan1", "token": token})
	started := readJSON(t, c)
	require.Equal(t, "scanning", started["status"])

	page := readJSON(t, c)
	require.Equal(t, "scanning", page["status"])
	require.NotEmpty(t, page["data"])

	completed := readJSON(t, c)
	require.Equal(t, "completed", completed["status"])
	require.EqualValues(t, 1, completed["totalPages"])
}

func TestSelectScannerPersistsAndListScannersMarksStoredDefault(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.handleUpgrade))
	defer srv.Close()

	c := dial(t, srv)
	token := authenticate(t, c)

	sendJSON(t, c, map[string]any{"action": "select_scanner", "requestId": "r1", "token": token, "settings": map[string]any{"source": "f:dev1"}})
	sel := readJSON(t, c)
	require.Equal(t, "success", sel["status"])

	stored := gw.prefs.Load()
	require.Equal(t, "f", stored.DefaultBackend)
	require.Equal(t, "dev1", stored.DefaultDeviceID)

	sendJSON(t, c, map[string]any{"action": "list_scanners", "requestId": "r2", "token": token})
	list := readJSON(t, c)
	require.Equal(t, "success", list["status"])

	scanners, ok := list["scanners"].([]any)
	require.True(t, ok)
	require.Len(t, scanners, 1)
	entry := scanners[0].(map[string]any)
	require.Equal(t, "f:dev1", entry["id"])
	require.True(t, entry["isDefault"].(bool))
}

func TestScanWithoutSelectionFails(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.handleUpgrade))
	defer srv.Close()

	c := dial(t, srv)
	token := authenticate(t, c)

	sendJSON(t, c, map[string]any{"action": "scan", "requestId": "scan1", "token": token})
	resp := readJSON(t, c)
	require.Equal(t, "error", resp["status"])
}

func TestStopScanWithNoActiveJobIsIdempotent(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.handleUpgrade))
	defer srv.Close()

	c := dial(t, srv)
	token := authenticate(t, c)

	sendJSON(t, c, map[string]any{"action": "stop_scan", "requestId": "r1", "token": token})
	resp := readJSON(t, c)
	require.Equal(t, "cancelled", resp["status"])
}

func TestLegacyWakeUpFrameEmitsNotification(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.handleUpgrade))
	defer srv.Close()

	c := dial(t, srv)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("1100")))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-gw.Notifications():
			if n.Kind == "wake_up" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for wake_up notification")
		}
	}
}

func TestConnectAndDisconnectNotifications(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.handleUpgrade))
	defer srv.Close()

	c := dial(t, srv)

	connected := waitForNotification(t, gw, "connected")
	require.NotEmpty(t, connected.Conn)

	c.Close()
	_ = waitForNotification(t, gw, "disconnected")
}

func waitForNotification(t *testing.T, gw *Gateway, kind string) Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-gw.Notifications():
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q notification", kind)
		}
	}
}
