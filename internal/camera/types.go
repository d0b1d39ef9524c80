package camera

import (
	"context"

	"go.uber.org/zap"

	"camerad/internal/hdi"
	"camerad/internal/metadata"
)

// Status はカメラの接続状態を表す
type Status string

const (
	StatusAvailable   Status = "available"   // 接続中
	StatusUnavailable Status = "unavailable" // 切断された
)

// CameraInfo はホストが公開しているカメラの情報
type CameraInfo struct {
	ID             string                         // カメラID
	Position       uint8                          // 取り付け位置
	FlashAvailable bool                           // ライトの有無
	Status         Status                         // 接続状態
	Configurations []metadata.StreamConfiguration // 対応するストリーム構成
}

// StatusSink はカメラとライトの状態通知を受け取る
type StatusSink interface {
	OnCameraStatus(cameraID string, status Status)
	OnFlashlightStatus(cameraID string, status hdi.FlashlightStatus)
}

// ServiceOptions はDefaultServiceの作成オプション
type ServiceOptions struct {
	Logger           *zap.Logger
	ArbiterPolicy    ArbiterPolicy
	RegistryPolicy   RegistryPolicy
	SkipSupportCheck bool
}

// Service はカメラとセッションの作成を担うインターフェース
type Service interface {
	// Start はホストへの通知登録とカメラの初期スキャンを行う
	Start(ctx context.Context) error

	// Stop は全てのセッションを解放する
	Stop(ctx context.Context) error

	// GetCameras はカメラ一覧を取得する
	GetCameras() ([]CameraInfo, error)

	// GetCameraAbility はカメラのアビリティを取得する
	GetCameraAbility(cameraID string) (*metadata.Buffer, error)

	// CreateCameraDevice は入力デバイスを作成する
	CreateCameraDevice(cameraID string) (*CameraDevice, error)

	// CreateCaptureSession はpidのセッションを作成する
	CreateCaptureSession(pid int) *CaptureSession

	// CreatePreviewOutput はプレビューストリームを作成する
	CreatePreviewOutput(producer hdi.BufferProducer, format, width, height int32) (*RepeatStream, error)

	// CreateVideoOutput は動画ストリームを作成する
	CreateVideoOutput(producer hdi.BufferProducer, format, width, height int32) (*RepeatStream, error)

	// CreatePhotoOutput は静止画ストリームを作成する
	CreatePhotoOutput(producer hdi.BufferProducer, format, width, height int32) (*CaptureStream, error)

	// CreateMetadataOutput はメタデータストリームを作成する
	CreateMetadataOutput(producer hdi.BufferProducer, format int32) (*MetadataStream, error)

	// SetFlashlight はライトを点灯・消灯する
	SetFlashlight(cameraID string, on bool) error

	// SetStatusCallback は状態通知の受け取り先を設定する。nilで解除
	SetStatusCallback(sink StatusSink)

	// Registry はセッションレジストリを返す
	Registry() *SessionRegistry

	// Arbiter はデバイスアービターを返す
	Arbiter() *DeviceArbiter
}
