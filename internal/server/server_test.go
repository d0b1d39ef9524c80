package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"camerad/internal/camera"
	"camerad/internal/config"
	"camerad/internal/hdi"
	"camerad/internal/metadata"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestConfig はテスト用の設定を作成する
func newTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0 // ランダムポートを使用
	cfg.Server.ShutdownTimeout = time.Second
	return cfg
}

// newTestServer は設定のカメラを持つ仮想ホストとサーバーを作成する
func newTestServer(t *testing.T) (*Server, *hdi.VirtualHost) {
	t.Helper()
	cfg := newTestConfig()
	logger := zaptest.NewLogger(t)

	cameras := make([]hdi.VirtualCamera, 0, len(cfg.Camera.Devices))
	for _, d := range cfg.Camera.Devices {
		configs, err := d.StreamConfigurations()
		if err != nil {
			t.Fatalf("ストリーム構成の変換に失敗しました: %v", err)
		}
		cam, err := hdi.NewVirtualCamera(d.ID, d.Position, configs)
		if err != nil {
			t.Fatalf("仮想カメラの作成に失敗しました: %v", err)
		}
		cameras = append(cameras, cam)
	}
	host := hdi.NewVirtualHost(cameras...)

	svc := camera.NewDefaultService(host, camera.ServiceOptions{Logger: logger})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("サービスの開始に失敗しました: %v", err)
	}

	srv, err := NewGin(cfg, svc, logger)
	if err != nil {
		t.Fatalf("サーバーの作成に失敗しました: %v", err)
	}
	t.Cleanup(func() {
		srv.handler.Close()
		_ = svc.Stop(context.Background())
		host.Close()
	})
	return srv, host
}

// do はリクエストを送って応答を返す
func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("応答の解析に失敗しました: %v (body=%s)", err, rec.Body.String())
	}
	return v
}

// createSession はcam0にプレビューと静止画のセッションを作成する
func createSession(t *testing.T, srv *Server, pid int) SessionResponse {
	t.Helper()
	body := `{"pid": ` + itoa(pid) + `, "cameraId": "cam0", "outputs": [
		{"kind": "preview", "format": "YCRCB_420_SP", "width": 640, "height": 480},
		{"kind": "photo", "format": "JPEG", "width": 1920, "height": 1080}
	]}`
	rec := do(t, srv, http.MethodPost, "/api/sessions", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("セッションの作成に失敗しました: %d %s", rec.Code, rec.Body.String())
	}
	return decode[SessionResponse](t, rec)
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func streamOfKind(t *testing.T, s SessionResponse, kind string) StreamResponse {
	t.Helper()
	for _, st := range s.Streams {
		if st.Kind == kind {
			return st
		}
	}
	t.Fatalf("%s ストリームがありません: %+v", kind, s.Streams)
	return StreamResponse{}
}

func streamPath(s SessionResponse, st StreamResponse, action string) string {
	return "/api/sessions/" + s.Id + "/streams/" + itoa(int(st.StreamId)) + "/" + action
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv, _ := newTestServer(t)

	// テスト用のコンテキスト（タイムアウト付き）
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// サーバーを別ゴルーチンで起動
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// サーバーが起動するまで少し待つ
	time.Sleep(100 * time.Millisecond)

	// コンテキストをキャンセルしてサーバーを停止
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

// TestServerEndpoints はサーバーのエンドポイントをテストする
func TestServerEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	testCases := []struct {
		name           string
		method         string
		endpoint       string
		expectedStatus int
	}{
		{"ルートエンドポイント", http.MethodGet, "/", http.StatusOK},
		{"ヘルスチェックエンドポイント", http.MethodGet, "/health", http.StatusOK},
		{"ステータスエンドポイント", http.MethodGet, "/api/status", http.StatusOK},
		{"カメラ一覧", http.MethodGet, "/api/cameras", http.StatusOK},
		{"存在しないパス", http.MethodGet, "/api/unknown", http.StatusNotFound},
		{"存在しないセッション", http.MethodGet, "/api/sessions/missing", http.StatusNotFound},
		{"不正なストリームID", http.MethodPost, "/api/sessions/s/streams/abc/capture", http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, srv, tc.method, tc.endpoint, "")
			if rec.Code != tc.expectedStatus {
				t.Errorf("予期しないステータスコード: got %d, want %d (body=%s)",
					rec.Code, tc.expectedStatus, rec.Body.String())
			}
		})
	}
}

func TestGetCameras(t *testing.T) {
	srv, host := newTestServer(t)

	resp := decode[CamerasResponse](t, do(t, srv, http.MethodGet, "/api/cameras", ""))
	if len(resp.Cameras) != 2 {
		t.Fatalf("Expected 2 cameras, got %+v", resp.Cameras)
	}
	cam0 := resp.Cameras[0]
	if cam0.Id != "cam0" || cam0.Status != "available" {
		t.Errorf("Unexpected cam0: %+v", cam0)
	}
	if len(cam0.Configurations) != 3 || cam0.Configurations[2].Format != "JPEG" {
		t.Errorf("Unexpected cam0 configurations: %+v", cam0.Configurations)
	}

	// 切断されたカメラは一覧から消える
	host.RemoveCamera("cam1")
	host.Sync()
	resp = decode[CamerasResponse](t, do(t, srv, http.MethodGet, "/api/cameras", ""))
	if len(resp.Cameras) != 1 {
		t.Errorf("Expected 1 camera after removal, got %+v", resp.Cameras)
	}
}

func TestGetCameraAbility(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("JSON", func(t *testing.T) {
		rec := do(t, srv, http.MethodGet, "/api/cameras/cam0/ability", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		resp := decode[AbilityResponse](t, rec)
		if resp.CameraId != "cam0" || len(resp.Entries) == 0 {
			t.Fatalf("Unexpected ability: %+v", resp)
		}
		for _, e := range resp.Entries {
			if e.Name == "" || e.Type == "" {
				t.Errorf("Entry without name or type: %+v", e)
			}
		}
	})

	t.Run("バイナリ", func(t *testing.T) {
		rec := do(t, srv, http.MethodGet, "/api/cameras/cam0/ability?encoding=binary", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
			t.Errorf("Unexpected content type %q", ct)
		}
		buf, err := metadata.Decode(rec.Body.Bytes())
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		want := metadata.StreamConfiguration{Format: metadata.FormatJPEG, Width: 1920, Height: 1080}
		if !metadata.SupportsConfiguration(buf, want) {
			t.Error("Decoded ability lost the JPEG configuration")
		}
	})

	t.Run("不明なエンコーディング", func(t *testing.T) {
		rec := do(t, srv, http.MethodGet, "/api/cameras/cam0/ability?encoding=xml", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})

	t.Run("存在しないカメラ", func(t *testing.T) {
		rec := do(t, srv, http.MethodGet, "/api/cameras/missing/ability", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", rec.Code)
		}
	})
}

func TestSetFlashlight(t *testing.T) {
	srv, host := newTestServer(t)

	rec := do(t, srv, http.MethodPut, "/api/cameras/cam0/flashlight", `{"on": true}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if !host.FlashlightOn("cam0") {
		t.Error("Flashlight should be on")
	}

	if rec := do(t, srv, http.MethodPut, "/api/cameras/cam0/flashlight", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Missing field: expected 400, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPut, "/api/cameras/missing/flashlight", `{"on": false}`); rec.Code != http.StatusNotFound {
		t.Errorf("Unknown camera: expected 404, got %d", rec.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv, host := newTestServer(t)

	session := createSession(t, srv, 100)
	if session.State != "Committed" || session.CameraId != "cam0" || len(session.Streams) != 2 {
		t.Fatalf("Unexpected session: %+v", session)
	}
	preview := streamOfKind(t, session, "preview")
	photo := streamOfKind(t, session, "photo")
	if preview.StreamId == photo.StreamId || preview.StreamId <= 0 {
		t.Errorf("Stream IDs should be distinct and positive: %d, %d", preview.StreamId, photo.StreamId)
	}
	if !host.IsOpen("cam0") {
		t.Error("cam0 should be open after commit")
	}

	status := decode[StatusResponse](t, do(t, srv, http.MethodGet, "/api/status", ""))
	if status.Sessions != 1 || len(status.OpenDevices) != 1 {
		t.Errorf("Unexpected status: %+v", status)
	}

	// セッションの開始でプレビューが動き出す
	rec := do(t, srv, http.MethodPost, "/api/sessions/"+session.Id+"/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Start failed: %d %s", rec.Code, rec.Body.String())
	}
	started := decode[SessionResponse](t, rec)
	if id := streamOfKind(t, started, "preview").ActiveCaptureId; id <= 0 {
		t.Errorf("Preview should have an active capture, got %d", id)
	}
	if id := streamOfKind(t, started, "photo").ActiveCaptureId; id != 0 {
		t.Errorf("Photo stream should not be started by the session, got %d", id)
	}

	// 静止画の撮影
	rec = do(t, srv, http.MethodPost, streamPath(session, photo, "capture"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Capture failed: %d %s", rec.Code, rec.Body.String())
	}
	if capture := decode[CaptureResponse](t, rec); capture.CaptureId <= 0 {
		t.Errorf("Expected positive capture id, got %d", capture.CaptureId)
	}
	host.Sync()

	got := decode[SessionResponse](t, do(t, srv, http.MethodGet, "/api/sessions/"+session.Id, ""))
	frames := streamOfKind(t, got, "photo").Frames
	if frames == nil || frames.TotalFrames != 1 {
		t.Errorf("Expected 1 recorded photo frame, got %+v", frames)
	}

	// 種類に合わない操作
	if rec := do(t, srv, http.MethodPost, streamPath(session, preview, "capture"), ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Capture on preview: expected 400, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, streamPath(session, photo, "start"), ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Start on photo: expected 400, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/api/sessions/"+session.Id+"/streams/999/start", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Unknown stream: expected 404, got %d", rec.Code)
	}

	// 停止
	rec = do(t, srv, http.MethodPost, "/api/sessions/"+session.Id+"/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Stop session failed: %d %s", rec.Code, rec.Body.String())
	}
	if id := streamOfKind(t, decode[SessionResponse](t, rec), "preview").ActiveCaptureId; id != 0 {
		t.Errorf("Capture id should be cleared after stop, got %d", id)
	}

	// ストリーム単位の開始と停止
	rec = do(t, srv, http.MethodPost, streamPath(session, preview, "start"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Start stream failed: %d %s", rec.Code, rec.Body.String())
	}
	if id := decode[StreamResponse](t, rec).ActiveCaptureId; id <= 0 {
		t.Errorf("Expected active capture after stream start, got %d", id)
	}
	if rec := do(t, srv, http.MethodPost, streamPath(session, preview, "stop"), ""); rec.Code != http.StatusOK {
		t.Errorf("Stop stream: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, srv, http.MethodPost, streamPath(session, preview, "stop"), ""); rec.Code != http.StatusConflict {
		t.Errorf("Second stop: expected 409, got %d", rec.Code)
	}

	// 解放
	if rec := do(t, srv, http.MethodDelete, "/api/sessions/"+session.Id, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("Delete: expected 204, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, "/api/sessions/"+session.Id, ""); rec.Code != http.StatusNotFound {
		t.Errorf("Deleted session: expected 404, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodDelete, "/api/sessions/"+session.Id, ""); rec.Code != http.StatusNotFound {
		t.Errorf("Second delete: expected 404, got %d", rec.Code)
	}
	if host.IsOpen("cam0") {
		t.Error("cam0 should be closed after delete")
	}
}

func TestCreateSessionErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	testCases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{
			name:   "不正なJSON",
			body:   `{"pid": 1,`,
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "出力なし",
			body:   `{"pid": 1, "cameraId": "cam0", "outputs": []}`,
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "不明な種類",
			body:   `{"pid": 1, "cameraId": "cam0", "outputs": [{"kind": "depth", "format": "JPEG"}]}`,
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "存在しないカメラ",
			body:   `{"pid": 1, "cameraId": "missing", "outputs": [{"kind": "metadata", "format": "JPEG"}]}`,
			status: http.StatusNotFound,
			code:   "camera_not_found",
		},
		{
			name:   "サイズが0",
			body:   `{"pid": 1, "cameraId": "cam0", "outputs": [{"kind": "preview", "format": "YCRCB_420_SP"}]}`,
			status: http.StatusBadRequest,
			code:   "InvalidArgument",
		},
		{
			name:   "アビリティにない構成",
			body:   `{"pid": 1, "cameraId": "cam1", "outputs": [{"kind": "video", "format": "YCRCB_420_SP", "width": 1920, "height": 1080}]}`,
			status: http.StatusUnprocessableEntity,
			code:   "InvalidSessionConfiguration",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/api/sessions", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("Expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if resp := decode[ErrorResponse](t, rec); resp.Error != tc.code {
				t.Errorf("Expected error code %q, got %q", tc.code, resp.Error)
			}
		})
	}

	// 失敗したセッションは残らない
	status := decode[StatusResponse](t, do(t, srv, http.MethodGet, "/api/status", ""))
	if status.Sessions != 0 || len(status.OpenDevices) != 0 {
		t.Errorf("Failed sessions leaked: %+v", status)
	}
}

func TestCreateSession_DeviceBusy(t *testing.T) {
	srv, _ := newTestServer(t)
	first := createSession(t, srv, 1)

	body := `{"pid": 2, "cameraId": "cam1", "outputs": [{"kind": "preview", "format": "YCRCB_420_SP", "width": 640, "height": 480}]}`
	rec := do(t, srv, http.MethodPost, "/api/sessions", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decode[ErrorResponse](t, rec); resp.Error != "HostBusy" {
		t.Errorf("Expected HostBusy, got %q", resp.Error)
	}

	// 先のセッションを解放すれば開ける
	if rec := do(t, srv, http.MethodDelete, "/api/sessions/"+first.Id, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("Delete failed: %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/api/sessions", body); rec.Code != http.StatusCreated {
		t.Errorf("Expected 201 after release, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateSession_SamePIDReplaces(t *testing.T) {
	srv, host := newTestServer(t)
	first := createSession(t, srv, 7)

	// 同じpidの新しいセッションで古いセッションは解放される
	second := createSession(t, srv, 7)

	if rec := do(t, srv, http.MethodGet, "/api/sessions/"+first.Id, ""); rec.Code != http.StatusNotFound {
		t.Errorf("Replaced session: expected 404, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, "/api/sessions/"+second.Id, ""); rec.Code != http.StatusOK {
		t.Errorf("Current session: expected 200, got %d", rec.Code)
	}
	if !host.IsOpen("cam0") {
		t.Error("cam0 should stay open for the new session")
	}
}

func TestSessionEvents(t *testing.T) {
	srv, host := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	session := createSession(t, srv, 100)
	photo := streamOfKind(t, session, "photo")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + session.Id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// 購読が登録されるのを待つ
	srv.handler.mu.Lock()
	hub := srv.handler.sessions[session.Id].events
	srv.handler.mu.Unlock()
	deadline := time.Now().Add(2 * time.Second)
	for hub.subscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Subscriber was not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := do(t, srv, http.MethodPost, streamPath(session, photo, "capture"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Capture failed: %d %s", rec.Code, rec.Body.String())
	}
	captureID := decode[CaptureResponse](t, rec).CaptureId
	host.Sync()

	seen := make(map[string]bool)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for !seen[EventCaptureEnded] {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed after %v: %v", seen, err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if ev.SessionID != session.Id {
			t.Errorf("Unexpected session id %q", ev.SessionID)
		}
		if ev.CaptureID != captureID {
			t.Errorf("Unexpected capture id %d, want %d", ev.CaptureID, captureID)
		}
		seen[ev.Type] = true
	}
	for _, typ := range []string{EventCaptureStarted, EventFrame} {
		if !seen[typ] {
			t.Errorf("Missing %s event: %v", typ, seen)
		}
	}

	// セッションの解放で接続が閉じる
	if rec := do(t, srv, http.MethodDelete, "/api/sessions/"+session.Id, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("Delete failed: %d", rec.Code)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("Expected normal closure, got %v", err)
			}
			break
		}
	}
}

func TestOpenAPISpec(t *testing.T) {
	doc, _, err := loadOpenAPI()
	if err != nil {
		t.Fatalf("loadOpenAPI failed: %v", err)
	}
	for _, path := range []string{"/api/sessions", "/api/sessions/{sessionId}/streams/{streamId}/capture"} {
		if doc.Paths.Find(path) == nil {
			t.Errorf("Missing path %s", path)
		}
	}
	if !bytes.Contains(openAPISpec, []byte("operationId: getSessionEvents")) {
		t.Error("Events operation is not documented")
	}
}
