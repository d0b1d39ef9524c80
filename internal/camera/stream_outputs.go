package camera

import (
	"fmt"

	"go.uber.org/zap"

	"camerad/internal/hdi"
	"camerad/internal/metadata"
)

// RepeatStream はプレビューまたは動画の継続ストリーム
type RepeatStream struct {
	streamCommon
}

// NewPreviewStream はプレビュー用のストリームを作成する
func NewPreviewStream(producer hdi.BufferProducer, format, width, height int32, logger *zap.Logger) *RepeatStream {
	s := &RepeatStream{}
	s.init(KindPreview, producer, format, width, height, logger)
	return s
}

// NewVideoStream は動画用のストリームを作成する
func NewVideoStream(producer hdi.BufferProducer, format, width, height int32, logger *zap.Logger) *RepeatStream {
	s := &RepeatStream{}
	s.init(KindVideo, producer, format, width, height, logger)
	return s
}

// Start は継続キャプチャを開始する
func (s *RepeatStream) Start() error {
	return s.startStreaming()
}

// Stop は継続キャプチャを停止する
func (s *RepeatStream) Stop() error {
	return s.stopStreaming()
}

// CaptureStream は静止画のストリーム
type CaptureStream struct {
	streamCommon
}

// NewPhotoStream は静止画用のストリームを作成する
func NewPhotoStream(producer hdi.BufferProducer, format, width, height int32, logger *zap.Logger) *CaptureStream {
	s := &CaptureStream{}
	s.init(KindPhoto, producer, format, width, height, logger)
	return s
}

// Capture はアビリティを設定として1枚撮影し、キャプチャIDを返す
func (s *CaptureStream) Capture() (int32, error) {
	return s.capture(nil)
}

// CaptureWithSettings は指定の設定で1枚撮影する
func (s *CaptureStream) CaptureWithSettings(settings *metadata.Buffer) (int32, error) {
	if settings == nil {
		return 0, fmt.Errorf("撮影設定がありません: %w", ErrInvalidArgument)
	}
	return s.capture(settings.Encode())
}

// CancelCapture は何もしない
// TODO: 連写に対応したら実行中のキャプチャを取り消す
func (s *CaptureStream) CancelCapture() error {
	return nil
}

func (s *CaptureStream) capture(settings []byte) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released || s.operator == nil {
		return 0, fmt.Errorf("photo ストリームはリンクされていません: %w", ErrInvalidState)
	}

	captureID, err := s.ids.Allocate(CapturePhoto)
	if err != nil {
		return 0, err
	}
	if settings == nil {
		settings = s.abilityBytes
	}

	info := hdi.CaptureInfo{
		StreamIDs:             []int32{s.streamID},
		Settings:              settings,
		EnableShutterCallback: true,
	}
	if err := s.operator.Capture(captureID, info, false); err != nil {
		s.logger.Error("撮影に失敗", zap.Int32("capture_id", captureID), zap.Error(err))
		return 0, translateHostError(err)
	}
	return captureID, nil
}

// MetadataStream は解析用メタデータのストリーム
// アビリティのサイズ検査は行わない
type MetadataStream struct {
	streamCommon
}

// NewMetadataStream はメタデータ用のストリームを作成する
func NewMetadataStream(producer hdi.BufferProducer, format int32, logger *zap.Logger) *MetadataStream {
	s := &MetadataStream{}
	s.init(KindMetadata, producer, format, 0, 0, logger)
	return s
}

// Start はメタデータの継続キャプチャを開始する
func (s *MetadataStream) Start() error {
	return s.startStreaming()
}

// Stop はメタデータの継続キャプチャを停止する
func (s *MetadataStream) Stop() error {
	return s.stopStreaming()
}
