package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"helpnow/server/internal/capture"
	"helpnow/server/internal/config"
	"helpnow/server/internal/gateway"
	"helpnow/server/internal/guide"
	"helpnow/server/internal/model"
	"helpnow/server/internal/scenario"
	"helpnow/server/internal/theme"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubGuideClient struct {
	catalog *scenario.Catalog
}

func (s stubGuideClient) Submit(_ context.Context, transcript string) (model.EmergencyScenario, error) {
	if sc, ok := s.catalog.Match(transcript); ok {
		return sc, nil
	}
	return s.catalog.PickRandom(), nil
}

type testServer struct {
	api  *Server
	http *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Orchestrator.StepNarrationDelay = 0
	cfg.Playback.StopGrace = 0
	cfg.Theme.Path = filepath.Join(t.TempDir(), "theme.yaml")

	catalog := scenario.Builtin()
	srv, err := NewServer(cfg, Deps{
		Guide:       guide.NewService(catalog, nil, cfg.Guide, zerolog.Nop()),
		Catalog:     catalog,
		GuideClient: stubGuideClient{catalog: catalog},
		Theme:       theme.NewService(theme.NewFileStore(cfg.Theme.Path), cfg.Theme, zerolog.Nop()),
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := &testServer{api: srv, http: httptest.NewServer(srv.Routes())}
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ts.http.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (int, []byte, http.Header) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes(), resp.Header
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func (ts *testServer) createSession(t *testing.T) model.CreateSessionResponse {
	t.Helper()
	status, body, _ := ts.do(t, http.MethodPost, "/api/sessions", nil)
	if status != http.StatusOK {
		t.Fatalf("create session: status %d body %s", status, body)
	}
	return decode[model.CreateSessionResponse](t, body)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	status, body, _ := ts.do(t, http.MethodGet, "/healthz", nil)
	if status != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("unexpected healthz: %d %s", status, body)
	}
}

// TestGuideEndpoint 验证指引接口：匹配内置场景、空描述返回 400、非法 JSON 返回 400。
func TestGuideEndpoint(t *testing.T) {
	ts := newTestServer(t)

	status, body, header := ts.do(t, http.MethodPost, "/api/guide", model.GuideRequest{Query: "my friend is choking on food"})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", status, body)
	}
	sc := decode[model.EmergencyScenario](t, body)
	if sc.ID != "choking" || len(sc.Steps) == 0 {
		t.Fatalf("expected choking scenario, got %+v", sc)
	}
	if got := header.Get("X-Guide-Source"); got != string(guide.SourceMatch) {
		t.Fatalf("expected source header %q, got %q", guide.SourceMatch, got)
	}

	status, body, _ = ts.do(t, http.MethodPost, "/api/guide", model.GuideRequest{Query: "   "})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank query, got %d", status)
	}
	if resp := decode[model.ErrorResponse](t, body); resp.Error != guide.ErrEmptyQuery.Error() {
		t.Fatalf("unexpected error body: %s", body)
	}

	status, _, _ = ts.do(t, http.MethodPost, "/api/guide", "{not json")
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", status)
	}
}

func TestScenarioEndpoints(t *testing.T) {
	ts := newTestServer(t)

	status, body, _ := ts.do(t, http.MethodGet, "/api/scenarios", nil)
	if status != http.StatusOK {
		t.Fatalf("list scenarios: %d", status)
	}
	if list := decode[[]model.EmergencyScenario](t, body); len(list) == 0 {
		t.Fatalf("expected builtin scenarios")
	}

	status, body, _ = ts.do(t, http.MethodGet, "/api/scenarios/choking", nil)
	if status != http.StatusOK || decode[model.EmergencyScenario](t, body).ID != "choking" {
		t.Fatalf("find scenario: %d %s", status, body)
	}

	status, _, _ = ts.do(t, http.MethodGet, "/api/scenarios/does-not-exist", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}

	status, body, _ = ts.do(t, http.MethodGet, "/api/scenarios/random", nil)
	if status != http.StatusOK {
		t.Fatalf("random scenario: %d", status)
	}
	if err := decode[model.EmergencyScenario](t, body).Validate(); err != nil {
		t.Fatalf("random scenario invalid: %v", err)
	}
}

// TestSessionLifecycle 验证会话的创建、查询、操作、时间线与删除。
func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createSession(t)
	if created.SessionID == "" || created.State.AppState != model.AppStateIdle || !created.State.AudioEnabled {
		t.Fatalf("unexpected initial session: %+v", created)
	}
	base := "/api/sessions/" + created.SessionID

	status, body, _ := ts.do(t, http.MethodGet, base, nil)
	if status != http.StatusOK || decode[model.SessionState](t, body).SessionID != created.SessionID {
		t.Fatalf("get session: %d %s", status, body)
	}

	// 没有浏览器连接时识别能力缺失
	status, body, _ = ts.do(t, http.MethodPost, base+"/actions", actionRequest{Action: "start_capture"})
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for missing capability, got %d %s", status, body)
	}
	want := capture.NewError(capture.CodeCapabilityMissing, "").Message
	if resp := decode[model.ErrorResponse](t, body); resp.Error != want {
		t.Fatalf("expected %q, got %q", want, resp.Error)
	}

	status, _, _ = ts.do(t, http.MethodPost, base+"/actions", actionRequest{Action: "fly"})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", status)
	}

	status, body, _ = ts.do(t, http.MethodPost, base+"/actions", actionRequest{Action: "toggle_audio"})
	if status != http.StatusOK {
		t.Fatalf("toggle audio: %d %s", status, body)
	}
	state := decode[model.SessionState](t, body)
	if state.AudioEnabled {
		t.Fatalf("expected audio disabled after toggle")
	}
	if state.LastError != want {
		t.Fatalf("expected capability error kept in state, got %q", state.LastError)
	}

	status, body, _ = ts.do(t, http.MethodGet, base+"/timeline", nil)
	if status != http.StatusOK {
		t.Fatalf("timeline: %d", status)
	}
	if events := decode[[]model.TimelineEvent](t, body); len(events) < 2 {
		t.Fatalf("expected timeline entries, got %d", len(events))
	}

	status, _, _ = ts.do(t, http.MethodDelete, base, nil)
	if status != http.StatusNoContent {
		t.Fatalf("delete: %d", status)
	}
	status, _, _ = ts.do(t, http.MethodGet, base, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", status)
	}
	status, _, _ = ts.do(t, http.MethodDelete, base, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", status)
	}
}

func TestUnknownSession(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/sessions/nope", "/api/sessions/nope/timeline"} {
		if status, _, _ := ts.do(t, http.MethodGet, path, nil); status != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, status)
		}
	}
	if status, _, _ := ts.do(t, http.MethodPost, "/api/sessions/nope/actions", actionRequest{Action: "advance"}); status != http.StatusNotFound {
		t.Fatalf("actions: expected 404, got %d", status)
	}
}

// TestThemeEndpoints 验证主题默认值、修改与非法取值。
func TestThemeEndpoints(t *testing.T) {
	ts := newTestServer(t)

	status, body, _ := ts.do(t, http.MethodGet, "/api/theme", nil)
	if status != http.StatusOK || decode[model.ThemePreference](t, body).Mode != model.ThemeLight {
		t.Fatalf("default theme: %d %s", status, body)
	}

	status, body, _ = ts.do(t, http.MethodPut, "/api/theme", themeRequest{Mode: model.ThemeDark})
	if status != http.StatusOK || decode[model.ThemePreference](t, body).Resolved != model.ThemeDark {
		t.Fatalf("set theme: %d %s", status, body)
	}

	status, _, _ = ts.do(t, http.MethodPut, "/api/theme", themeRequest{Mode: "neon"})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid mode, got %d", status)
	}

	status, body, _ = ts.do(t, http.MethodGet, "/api/theme", nil)
	if decode[model.ThemePreference](t, body).Mode != model.ThemeDark {
		t.Fatalf("expected dark kept after invalid update: %d %s", status, body)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	req, _ := http.NewRequest(http.MethodOptions, ts.http.URL+"/api/guide", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

// streamReader 记录读到的全部消息，便于检查顺序不固定的消息
type streamReader struct {
	conn    *websocket.Conn
	history []gateway.ServerMessage
}

func (r *streamReader) types() []gateway.MessageType {
	out := make([]gateway.MessageType, len(r.history))
	for i, m := range r.history {
		out[i] = m.Type
	}
	return out
}

// until 先在已读消息中查找，找不到再继续读。
func (r *streamReader) until(t *testing.T, match func(gateway.ServerMessage) bool) gateway.ServerMessage {
	t.Helper()
	for _, m := range r.history {
		if match(m) {
			return m
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		r.conn.SetReadDeadline(deadline)
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			t.Fatalf("read (seen %v): %v", r.types(), err)
		}
		var msg gateway.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		r.history = append(r.history, msg)
		if match(msg) {
			return msg
		}
	}
}

func (r *streamReader) saw(want gateway.MessageType) bool {
	for _, m := range r.history {
		if m.Type == want {
			return true
		}
	}
	return false
}

func stateIs(app model.AppState) func(gateway.ServerMessage) bool {
	return func(m gateway.ServerMessage) bool {
		return m.Type == gateway.MsgState && m.State != nil && m.State.AppState == app
	}
}

// TestSessionStreamEndToEnd 验证浏览器经 WebSocket 完成一次完整流程：
// 声明能力、开始采集、回传转写、拿到指引并朗读第一步。
func TestSessionStreamEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createSession(t)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/sessions/" + created.SessionID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	stream := &streamReader{conn: conn}
	stream.until(t, stateIs(model.AppStateIdle))

	if err := conn.WriteJSON(map[string]interface{}{
		"type":              "hello",
		"capture_available": true,
		"voices":            []map[string]interface{}{{"name": "Samantha", "lang": "en-US"}},
	}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	if err := conn.WriteJSON(map[string]interface{}{"type": "action", "action": "start_capture"}); err != nil {
		t.Fatalf("action: %v", err)
	}

	stream.until(t, stateIs(model.AppStateListening))
	if !stream.saw(gateway.MsgCaptureStart) {
		t.Fatalf("expected capture.start before listening state, saw %v", stream.types())
	}

	if err := conn.WriteJSON(map[string]interface{}{"type": "capture.result", "text": "someone is choking", "final": true}); err != nil {
		t.Fatalf("result: %v", err)
	}

	guidance := stream.until(t, stateIs(model.AppStateGuidance))
	if guidance.State.Scenario == nil || guidance.State.Scenario.ID != "choking" {
		t.Fatalf("expected choking guidance, got %+v", guidance.State)
	}
	if guidance.State.Transcript != "someone is choking" {
		t.Fatalf("unexpected transcript %q", guidance.State.Transcript)
	}

	speak := stream.until(t, func(m gateway.ServerMessage) bool { return m.Type == gateway.MsgPlaybackSpeak })
	if speak.Utterance == nil || speak.Utterance.Text != guidance.State.Scenario.Steps[0].Instruction {
		t.Fatalf("expected first step narrated, got %+v", speak.Utterance)
	}
	if speak.Utterance.Voice != "Samantha" {
		t.Fatalf("expected preferred voice, got %q", speak.Utterance.Voice)
	}
	if !stream.saw(gateway.MsgCaptureStop) {
		t.Fatalf("expected capture.stop after final result, saw %v", stream.types())
	}
}
