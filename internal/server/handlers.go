package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"camerad/internal/camera"
	"camerad/internal/config"
	"camerad/internal/metadata"
	"camerad/internal/recorder"
)

// WebSocketの書き込み期限
const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// CameradHandler はServerInterfaceを実装する
type CameradHandler struct {
	config  *config.Config
	service camera.Service
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*sessionHandle
}

// sessionHandle はREST経由で作ったセッションと付随するリソース
type sessionHandle struct {
	session   *camera.CaptureSession
	device    *camera.CameraDevice
	recorders map[int32]*recorder.Recorder
	events    *eventHub
}

// close はセッションを解放し、付随するリソースを閉じる
func (h *sessionHandle) close(logger *zap.Logger) {
	if err := h.session.Release(); err != nil {
		logger.Warn("セッションの解放に失敗", zap.String("session_id", h.session.ID()), zap.Error(err))
	}
	if err := h.device.Release(); err != nil {
		logger.Warn("デバイスの解放に失敗", zap.String("camera_id", h.device.ID()), zap.Error(err))
	}
	for _, rec := range h.recorders {
		rec.Close()
	}
	h.events.close()
}

// NewHandler は新しいCameradHandlerを作成する
func NewHandler(cfg *config.Config, service camera.Service, logger *zap.Logger) *CameradHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CameradHandler{
		config:   cfg,
		service:  service,
		logger:   logger,
		sessions: make(map[string]*sessionHandle),
	}
}

// Close はREST経由で作った全てのセッションを解放する
func (h *CameradHandler) Close() {
	h.mu.Lock()
	handles := make([]*sessionHandle, 0, len(h.sessions))
	for id, handle := range h.sessions {
		handles = append(handles, handle)
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	for _, handle := range handles {
		handle.close(h.logger)
	}
}

// pruneLocked はレジストリから外れたセッションの後始末をする
// 同じpidで新しいセッションを作ると古いセッションは解放される
func (h *CameradHandler) pruneLocked() {
	for id, handle := range h.sessions {
		if _, ok := h.service.Registry().LookupByID(id); !ok {
			delete(h.sessions, id)
			handle.close(h.logger)
		}
	}
}

func (h *CameradHandler) lookup(c *gin.Context, sessionID string) (*sessionHandle, bool) {
	h.mu.Lock()
	h.pruneLocked()
	handle, ok := h.sessions[sessionID]
	h.mu.Unlock()

	if !ok {
		writeError(c, http.StatusNotFound, "session_not_found", "指定されたセッションが見つかりません", nil)
	}
	return handle, ok
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *CameradHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *CameradHandler) GetStatus(c *gin.Context) {
	cameras, err := h.service.GetCameras()
	if err != nil {
		writeCameraError(c, "カメラ一覧の取得に失敗しました", err)
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: h.config.Server.Host,
			Port: h.config.Server.Port,
		},
		Cameras:     len(cameras),
		Sessions:    h.service.Registry().Len(),
		OpenDevices: h.service.Arbiter().OpenDevices(),
		Timestamp:   time.Now(),
	})
}

// GetCameras はカメラ一覧取得エンドポイントの実装
func (h *CameradHandler) GetCameras(c *gin.Context) {
	infos, err := h.service.GetCameras()
	if err != nil {
		writeCameraError(c, "カメラ一覧の取得に失敗しました", err)
		return
	}

	cameras := make([]CameraInfo, 0, len(infos))
	for _, info := range infos {
		cameras = append(cameras, CameraInfo{
			Id:             info.ID,
			Position:       int(info.Position),
			FlashAvailable: info.FlashAvailable,
			Status:         string(info.Status),
			Configurations: convertConfigurations(info.Configurations),
		})
	}

	c.JSON(http.StatusOK, CamerasResponse{Cameras: cameras})
}

// GetCameraAbility はアビリティ取得エンドポイントの実装
func (h *CameradHandler) GetCameraAbility(c *gin.Context, cameraId string, params GetCameraAbilityParams) {
	ability, err := h.service.GetCameraAbility(cameraId)
	if err != nil {
		if errors.Is(err, camera.ErrInvalidArgument) {
			writeError(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません", err)
			return
		}
		writeCameraError(c, "アビリティの取得に失敗しました", err)
		return
	}

	if params.Encoding != nil && *params.Encoding == "binary" {
		c.Data(http.StatusOK, "application/octet-stream", ability.Encode())
		return
	}

	entries := make([]AbilityEntry, 0, ability.Len())
	for _, e := range ability.Entries() {
		entries = append(entries, AbilityEntry{
			Tag:    e.Tag,
			Name:   metadata.TagName(e.Tag),
			Type:   e.Type.String(),
			Count:  e.Count,
			Values: displayValues(e),
		})
	}
	c.JSON(http.StatusOK, AbilityResponse{CameraId: cameraId, Entries: entries})
}

// SetFlashlight はライト切り替えエンドポイントの実装
func (h *CameradHandler) SetFlashlight(c *gin.Context, cameraId string) {
	var req FlashlightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "リクエストが不正です", err)
		return
	}

	if err := h.service.SetFlashlight(cameraId, *req.On); err != nil {
		if errors.Is(err, camera.ErrInvalidArgument) {
			writeError(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません", err)
			return
		}
		writeCameraError(c, "ライトの切り替えに失敗しました", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CreateSession はセッション作成エンドポイントの実装
// 入力と出力を1回の構成変更でコミットする
func (h *CameradHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "リクエストが不正です", err)
		return
	}

	device, err := h.service.CreateCameraDevice(req.CameraId)
	if err != nil {
		if errors.Is(err, camera.ErrInvalidArgument) {
			writeError(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません", err)
			return
		}
		writeCameraError(c, "デバイスの作成に失敗しました", err)
		return
	}

	session := h.service.CreateCaptureSession(req.Pid)
	handle := &sessionHandle{
		session:   session,
		device:    device,
		recorders: make(map[int32]*recorder.Recorder),
		events:    newEventHub(session.ID(), h.logger),
	}
	session.SetCallback(handle.events)
	device.SetCallback(handle.events)

	type output struct {
		stream camera.Stream
		rec    *recorder.Recorder
	}
	outputs := make([]output, 0, len(req.Outputs))
	abort := func() {
		for _, out := range outputs {
			out.rec.Close()
		}
		handle.close(h.logger)
	}
	for _, out := range req.Outputs {
		rec := recorder.New(h.config.Camera.FrameBuffer)
		stream, err := h.createOutput(out, rec)
		if err != nil {
			rec.Close()
			abort()
			writeCameraError(c, "出力の作成に失敗しました", err)
			return
		}
		outputs = append(outputs, output{stream: stream, rec: rec})
	}

	err = func() error {
		if err := session.BeginConfig(); err != nil {
			return err
		}
		if err := session.AddInput(device); err != nil {
			return err
		}
		for _, out := range outputs {
			if err := session.AddOutput(out.stream); err != nil {
				return err
			}
		}
		return session.CommitConfig()
	}()
	if err != nil {
		h.logger.Warn("セッションの構成に失敗",
			zap.String("session_id", session.ID()), zap.String("camera_id", req.CameraId), zap.Error(err))
		abort()
		writeCameraError(c, "セッションの構成に失敗しました", err)
		return
	}

	for _, out := range outputs {
		id := out.stream.StreamID()
		handle.recorders[id] = out.rec
		out.stream.SetCallback(streamEvents{hub: handle.events, streamID: id})
		out.rec.SetListener(handle.events.onFrame)
	}

	h.mu.Lock()
	h.pruneLocked()
	h.sessions[session.ID()] = handle
	h.mu.Unlock()

	h.logger.Info("セッションを作成しました",
		zap.String("session_id", session.ID()), zap.Int("pid", req.Pid), zap.String("camera_id", req.CameraId))
	c.JSON(http.StatusCreated, handle.response())
}

func (h *CameradHandler) createOutput(out OutputRequest, rec *recorder.Recorder) (camera.Stream, error) {
	format, ok := metadata.ParseFormat(out.Format)
	if !ok {
		return nil, camera.ErrInvalidArgument
	}

	kind, _ := camera.ParseStreamKind(out.Kind)
	switch kind {
	case camera.KindPreview:
		return h.service.CreatePreviewOutput(rec, format, out.Width, out.Height)
	case camera.KindVideo:
		return h.service.CreateVideoOutput(rec, format, out.Width, out.Height)
	case camera.KindPhoto:
		return h.service.CreatePhotoOutput(rec, format, out.Width, out.Height)
	default:
		return h.service.CreateMetadataOutput(rec, format)
	}
}

// GetSession はセッション取得エンドポイントの実装
func (h *CameradHandler) GetSession(c *gin.Context, sessionId string) {
	handle, ok := h.lookup(c, sessionId)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, handle.response())
}

// DeleteSession はセッション解放エンドポイントの実装
func (h *CameradHandler) DeleteSession(c *gin.Context, sessionId string) {
	h.mu.Lock()
	handle, ok := h.sessions[sessionId]
	delete(h.sessions, sessionId)
	h.mu.Unlock()

	if !ok {
		writeError(c, http.StatusNotFound, "session_not_found", "指定されたセッションが見つかりません", nil)
		return
	}
	handle.close(h.logger)
	c.Status(http.StatusNoContent)
}

// StartSession はプレビューとメタデータの継続キャプチャを開始する
func (h *CameradHandler) StartSession(c *gin.Context, sessionId string) {
	handle, ok := h.lookup(c, sessionId)
	if !ok {
		return
	}
	if err := handle.session.Start(); err != nil {
		writeCameraError(c, "セッションの開始に失敗しました", err)
		return
	}
	c.JSON(http.StatusOK, handle.response())
}

// StopSession はプレビューとメタデータの継続キャプチャを停止する
func (h *CameradHandler) StopSession(c *gin.Context, sessionId string) {
	handle, ok := h.lookup(c, sessionId)
	if !ok {
		return
	}
	if err := handle.session.Stop(); err != nil {
		writeCameraError(c, "セッションの停止に失敗しました", err)
		return
	}
	c.JSON(http.StatusOK, handle.response())
}

func (h *CameradHandler) lookupStream(c *gin.Context, sessionId string, streamId int32) (*sessionHandle, camera.Stream, bool) {
	handle, ok := h.lookup(c, sessionId)
	if !ok {
		return nil, nil, false
	}
	stream, ok := handle.session.StreamByID(streamId)
	if !ok {
		writeError(c, http.StatusNotFound, "stream_not_found", "指定されたストリームが見つかりません", nil)
		return nil, nil, false
	}
	return handle, stream, true
}

// CaptureStream は静止画を1枚撮影する
func (h *CameradHandler) CaptureStream(c *gin.Context, sessionId string, streamId int32) {
	_, stream, ok := h.lookupStream(c, sessionId, streamId)
	if !ok {
		return
	}
	photo, ok := stream.(*camera.CaptureStream)
	if !ok {
		writeError(c, http.StatusBadRequest, "not_photo_stream", "静止画ストリームではありません", nil)
		return
	}

	captureID, err := photo.Capture()
	if err != nil {
		writeCameraError(c, "撮影に失敗しました", err)
		return
	}
	c.JSON(http.StatusOK, CaptureResponse{CaptureId: captureID})
}

// repeatingStream は継続キャプチャを行うストリーム
type repeatingStream interface {
	Start() error
	Stop() error
}

// StartStream はストリーム1本の継続キャプチャを開始する
func (h *CameradHandler) StartStream(c *gin.Context, sessionId string, streamId int32) {
	h.controlStream(c, sessionId, streamId, "開始", repeatingStream.Start)
}

// StopStream はストリーム1本の継続キャプチャを停止する
func (h *CameradHandler) StopStream(c *gin.Context, sessionId string, streamId int32) {
	h.controlStream(c, sessionId, streamId, "停止", repeatingStream.Stop)
}

func (h *CameradHandler) controlStream(c *gin.Context, sessionId string, streamId int32, action string, fn func(repeatingStream) error) {
	handle, stream, ok := h.lookupStream(c, sessionId, streamId)
	if !ok {
		return
	}
	rs, ok := stream.(repeatingStream)
	if !ok {
		writeError(c, http.StatusBadRequest, "not_repeating_stream", "継続キャプチャのストリームではありません", nil)
		return
	}
	if err := fn(rs); err != nil {
		writeCameraError(c, "ストリームの"+action+"に失敗しました", err)
		return
	}
	c.JSON(http.StatusOK, handle.streamResponse(stream))
}

// GetSessionEvents はセッションのイベントをWebSocketで配信する
func (h *CameradHandler) GetSessionEvents(c *gin.Context, sessionId string) {
	handle, ok := h.lookup(c, sessionId)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocketへの切り替えに失敗", zap.String("session_id", sessionId), zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := handle.events.subscribe()
	defer cancel()

	clientAddr := conn.RemoteAddr().String()
	h.logger.Info("イベント購読を開始", zap.String("session_id", sessionId), zap.String("client", clientAddr))

	// クライアントの切断を検知する
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			h.logger.Info("クライアントが切断しました", zap.String("session_id", sessionId), zap.String("client", clientAddr))
			return
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// セッションが解放された
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session released"))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("イベントの変換に失敗", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("イベントの送信に失敗", zap.String("client", clientAddr), zap.Error(err))
				return
			}
		}
	}
}

// ヘルパー関数

type streamDetails interface {
	Configuration() metadata.StreamConfiguration
	ActiveCaptureID() int32
}

func (h *sessionHandle) streamResponse(stream camera.Stream) StreamResponse {
	resp := StreamResponse{
		StreamId: stream.StreamID(),
		Kind:     stream.Kind().String(),
	}
	if d, ok := stream.(streamDetails); ok {
		cfg := d.Configuration()
		resp.Format = metadata.FormatName(cfg.Format)
		resp.Width = cfg.Width
		resp.Height = cfg.Height
		resp.ActiveCaptureId = d.ActiveCaptureID()
	}
	if rec, ok := h.recorders[resp.StreamId]; ok {
		st := rec.Status()
		resp.Frames = &st
	}
	return resp
}

func (h *sessionHandle) response() SessionResponse {
	streams := h.session.Streams()
	resp := SessionResponse{
		Id:       h.session.ID(),
		Pid:      h.session.PID(),
		CameraId: h.device.ID(),
		State:    h.session.State().String(),
		Streams:  make([]StreamResponse, 0, len(streams)),
	}
	for _, s := range streams {
		resp.Streams = append(resp.Streams, h.streamResponse(s))
	}
	return resp
}

// convertConfigurations はストリーム構成を表示形式に変換する
func convertConfigurations(configs []metadata.StreamConfiguration) []StreamConfiguration {
	out := make([]StreamConfiguration, 0, len(configs))
	for _, c := range configs {
		out = append(out, StreamConfiguration{
			Format: metadata.FormatName(c.Format),
			Width:  c.Width,
			Height: c.Height,
		})
	}
	return out
}

// displayValues はバイト列をbase64ではなく数値の配列として表示する
func displayValues(e metadata.Entry) any {
	v := e.Values()
	if b, ok := v.([]uint8); ok {
		ints := make([]int, len(b))
		for i, x := range b {
			ints[i] = int(x)
		}
		return ints
	}
	return v
}
