package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"

	"camerad/internal/recorder"
)

// openapi.yaml のスキーマに対応する型

// HealthResponse はヘルスチェックの応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバーのリッスン先
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StatusResponse はシステム状態の応答
type StatusResponse struct {
	Status      string     `json:"status"`
	Server      ServerInfo `json:"server"`
	Cameras     int        `json:"cameras"`
	Sessions    int        `json:"sessions"`
	OpenDevices []string   `json:"openDevices"`
	Timestamp   time.Time  `json:"timestamp"`
}

// StreamConfiguration はストリーム構成の表示形式
type StreamConfiguration struct {
	Format string `json:"format"`
	Width  int32  `json:"width"`
	Height int32  `json:"height"`
}

// CameraInfo はカメラ一覧の1件
type CameraInfo struct {
	Id             string                `json:"id"`
	Position       int                   `json:"position"`
	FlashAvailable bool                  `json:"flashAvailable"`
	Status         string                `json:"status"`
	Configurations []StreamConfiguration `json:"configurations"`
}

// CamerasResponse はカメラ一覧の応答
type CamerasResponse struct {
	Cameras []CameraInfo `json:"cameras"`
}

// AbilityEntry はアビリティの1項目
type AbilityEntry struct {
	Tag    uint32 `json:"tag"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Count  uint32 `json:"count"`
	Values any    `json:"values"`
}

// AbilityResponse はアビリティの応答
type AbilityResponse struct {
	CameraId string         `json:"cameraId"`
	Entries  []AbilityEntry `json:"entries"`
}

// FlashlightRequest はライト切り替えの要求
type FlashlightRequest struct {
	On *bool `json:"on" binding:"required"`
}

// OutputRequest はセッションに追加する出力
type OutputRequest struct {
	Kind   string `json:"kind" binding:"required,oneof=preview video photo metadata"`
	Format string `json:"format" binding:"required"`
	Width  int32  `json:"width" binding:"min=0"`
	Height int32  `json:"height" binding:"min=0"`
}

// CreateSessionRequest はセッション作成の要求
type CreateSessionRequest struct {
	Pid      int             `json:"pid" binding:"min=0"`
	CameraId string          `json:"cameraId" binding:"required"`
	Outputs  []OutputRequest `json:"outputs" binding:"required,min=1,dive"`
}

// StreamResponse はストリームの状態
type StreamResponse struct {
	StreamId        int32            `json:"streamId"`
	Kind            string           `json:"kind"`
	Format          string           `json:"format"`
	Width           int32            `json:"width"`
	Height          int32            `json:"height"`
	ActiveCaptureId int32            `json:"activeCaptureId"`
	Frames          *recorder.Status `json:"frames,omitempty"`
}

// SessionResponse はセッションの状態
type SessionResponse struct {
	Id       string           `json:"id"`
	Pid      int              `json:"pid"`
	CameraId string           `json:"cameraId"`
	State    string           `json:"state"`
	Streams  []StreamResponse `json:"streams"`
}

// CaptureResponse は撮影要求の応答
type CaptureResponse struct {
	CaptureId int32 `json:"captureId"`
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GetCameraAbilityParams はアビリティ取得のクエリ
type GetCameraAbilityParams struct {
	Encoding *string `form:"encoding" json:"encoding,omitempty"`
}

// ServerInterface はAPIの各操作
type ServerInterface interface {
	HealthCheck(c *gin.Context)
	GetStatus(c *gin.Context)
	GetCameras(c *gin.Context)
	GetCameraAbility(c *gin.Context, cameraId string, params GetCameraAbilityParams)
	SetFlashlight(c *gin.Context, cameraId string)
	CreateSession(c *gin.Context)
	GetSession(c *gin.Context, sessionId string)
	DeleteSession(c *gin.Context, sessionId string)
	StartSession(c *gin.Context, sessionId string)
	StopSession(c *gin.Context, sessionId string)
	CaptureStream(c *gin.Context, sessionId string, streamId int32)
	StartStream(c *gin.Context, sessionId string, streamId int32)
	StopStream(c *gin.Context, sessionId string, streamId int32)
	GetSessionEvents(c *gin.Context, sessionId string)
}

// ServerInterfaceWrapper はパスとクエリのパラメーターを束縛してから各操作を呼ぶ
type ServerInterfaceWrapper struct {
	Handler      ServerInterface
	ErrorHandler func(*gin.Context, error, int)
}

func (siw *ServerInterfaceWrapper) bindPath(c *gin.Context, name string, dest any) bool {
	err := runtime.BindStyledParameterWithLocation("simple", false, name, runtime.ParamLocationPath, c.Param(name), dest)
	if err != nil {
		siw.ErrorHandler(c, fmt.Errorf("パラメーター %s の形式が不正: %w", name, err), http.StatusBadRequest)
		return false
	}
	return true
}

// HealthCheck operation middleware
func (siw *ServerInterfaceWrapper) HealthCheck(c *gin.Context) {
	siw.Handler.HealthCheck(c)
}

// GetStatus operation middleware
func (siw *ServerInterfaceWrapper) GetStatus(c *gin.Context) {
	siw.Handler.GetStatus(c)
}

// GetCameras operation middleware
func (siw *ServerInterfaceWrapper) GetCameras(c *gin.Context) {
	siw.Handler.GetCameras(c)
}

// GetCameraAbility operation middleware
func (siw *ServerInterfaceWrapper) GetCameraAbility(c *gin.Context) {
	var cameraId string
	if !siw.bindPath(c, "cameraId", &cameraId) {
		return
	}

	var params GetCameraAbilityParams
	if err := runtime.BindQueryParameter("form", true, false, "encoding", c.Request.URL.Query(), &params.Encoding); err != nil {
		siw.ErrorHandler(c, fmt.Errorf("パラメーター encoding の形式が不正: %w", err), http.StatusBadRequest)
		return
	}

	siw.Handler.GetCameraAbility(c, cameraId, params)
}

// SetFlashlight operation middleware
func (siw *ServerInterfaceWrapper) SetFlashlight(c *gin.Context) {
	var cameraId string
	if !siw.bindPath(c, "cameraId", &cameraId) {
		return
	}
	siw.Handler.SetFlashlight(c, cameraId)
}

// CreateSession operation middleware
func (siw *ServerInterfaceWrapper) CreateSession(c *gin.Context) {
	siw.Handler.CreateSession(c)
}

// GetSession operation middleware
func (siw *ServerInterfaceWrapper) GetSession(c *gin.Context) {
	var sessionId string
	if !siw.bindPath(c, "sessionId", &sessionId) {
		return
	}
	siw.Handler.GetSession(c, sessionId)
}

// DeleteSession operation middleware
func (siw *ServerInterfaceWrapper) DeleteSession(c *gin.Context) {
	var sessionId string
	if !siw.bindPath(c, "sessionId", &sessionId) {
		return
	}
	siw.Handler.DeleteSession(c, sessionId)
}

// StartSession operation middleware
func (siw *ServerInterfaceWrapper) StartSession(c *gin.Context) {
	var sessionId string
	if !siw.bindPath(c, "sessionId", &sessionId) {
		return
	}
	siw.Handler.StartSession(c, sessionId)
}

// StopSession operation middleware
func (siw *ServerInterfaceWrapper) StopSession(c *gin.Context) {
	var sessionId string
	if !siw.bindPath(c, "sessionId", &sessionId) {
		return
	}
	siw.Handler.StopSession(c, sessionId)
}

func (siw *ServerInterfaceWrapper) bindStream(c *gin.Context) (string, int32, bool) {
	var (
		sessionId string
		streamId  int32
	)
	if !siw.bindPath(c, "sessionId", &sessionId) || !siw.bindPath(c, "streamId", &streamId) {
		return "", 0, false
	}
	return sessionId, streamId, true
}

// CaptureStream operation middleware
func (siw *ServerInterfaceWrapper) CaptureStream(c *gin.Context) {
	if sessionId, streamId, ok := siw.bindStream(c); ok {
		siw.Handler.CaptureStream(c, sessionId, streamId)
	}
}

// StartStream operation middleware
func (siw *ServerInterfaceWrapper) StartStream(c *gin.Context) {
	if sessionId, streamId, ok := siw.bindStream(c); ok {
		siw.Handler.StartStream(c, sessionId, streamId)
	}
}

// StopStream operation middleware
func (siw *ServerInterfaceWrapper) StopStream(c *gin.Context) {
	if sessionId, streamId, ok := siw.bindStream(c); ok {
		siw.Handler.StopStream(c, sessionId, streamId)
	}
}

// GetSessionEvents operation middleware
func (siw *ServerInterfaceWrapper) GetSessionEvents(c *gin.Context) {
	var sessionId string
	if !siw.bindPath(c, "sessionId", &sessionId) {
		return
	}
	siw.Handler.GetSessionEvents(c, sessionId)
}

// RegisterHandlers はルーターに各操作を登録する
func RegisterHandlers(router gin.IRouter, si ServerInterface, errorHandler func(*gin.Context, error, int)) {
	wrapper := ServerInterfaceWrapper{
		Handler:      si,
		ErrorHandler: errorHandler,
	}

	router.GET("/health", wrapper.HealthCheck)
	router.GET("/api/status", wrapper.GetStatus)
	router.GET("/api/cameras", wrapper.GetCameras)
	router.GET("/api/cameras/:cameraId/ability", wrapper.GetCameraAbility)
	router.PUT("/api/cameras/:cameraId/flashlight", wrapper.SetFlashlight)
	router.POST("/api/sessions", wrapper.CreateSession)
	router.GET("/api/sessions/:sessionId", wrapper.GetSession)
	router.DELETE("/api/sessions/:sessionId", wrapper.DeleteSession)
	router.POST("/api/sessions/:sessionId/start", wrapper.StartSession)
	router.POST("/api/sessions/:sessionId/stop", wrapper.StopSession)
	router.POST("/api/sessions/:sessionId/streams/:streamId/capture", wrapper.CaptureStream)
	router.POST("/api/sessions/:sessionId/streams/:streamId/start", wrapper.StartStream)
	router.POST("/api/sessions/:sessionId/streams/:streamId/stop", wrapper.StopStream)
	router.GET("/api/sessions/:sessionId/events", wrapper.GetSessionEvents)
}
