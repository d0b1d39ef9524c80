package camera

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"camerad/internal/hdi"
	"camerad/internal/metadata"
)

// DefaultService はServiceのデフォルト実装
type DefaultService struct {
	host         hdi.Host
	arbiter      *DeviceArbiter
	registry     *SessionRegistry
	logger       *zap.Logger
	skipSupport  bool
	statusSink   sinkSlot[StatusSink]
	hostCallback *serviceCallback

	mu      sync.RWMutex
	status  map[string]Status
	started bool
}

// NewDefaultService は新しいDefaultServiceを作成する
func NewDefaultService(host hdi.Host, opts ServiceOptions) *DefaultService {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &DefaultService{
		host:        host,
		arbiter:     NewDeviceArbiter(opts.ArbiterPolicy, logger.Named("arbiter")),
		registry:    NewSessionRegistry(opts.RegistryPolicy, logger.Named("registry")),
		logger:      logger,
		skipSupport: opts.SkipSupportCheck,
		status:      make(map[string]Status),
	}
	s.hostCallback = &serviceCallback{service: s}
	s.statusSink.setLogger(logger)
	return s
}

// Start はホストへの通知登録とカメラの初期スキャンを行う
func (s *DefaultService) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("サービスは既に開始されています: %w", ErrInvalidState)
	}

	if err := s.host.SetCallback(s.hostCallback); err != nil {
		return fmt.Errorf("ホスト通知の登録に失敗: %w", translateHostError(err))
	}

	ids, err := s.host.GetCameraIDs()
	if err != nil {
		return fmt.Errorf("初期スキャンに失敗: %w", translateHostError(err))
	}
	for _, id := range ids {
		s.status[id] = StatusAvailable
	}

	s.started = true
	s.logger.Info("カメラサービスを開始しました", zap.Strings("camera_ids", ids))
	return nil
}

// Stop は全てのセッションを解放する
func (s *DefaultService) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	if err := s.host.SetCallback(nil); err != nil {
		s.logger.Warn("ホスト通知の解除に失敗", zap.Error(err))
	}
	s.statusSink.clear()

	if err := s.registry.ReleaseAll(); err != nil {
		return fmt.Errorf("セッションの解放に失敗: %w", err)
	}
	s.logger.Info("カメラサービスを停止しました")
	return nil
}

// GetCameras はカメラ一覧を取得する
func (s *DefaultService) GetCameras() ([]CameraInfo, error) {
	ids, err := s.host.GetCameraIDs()
	if err != nil {
		return nil, translateHostError(err)
	}

	cameras := make([]CameraInfo, 0, len(ids))
	for _, id := range ids {
		ability, err := s.GetCameraAbility(id)
		if err != nil {
			s.logger.Warn("アビリティの取得に失敗", zap.String("camera_id", id), zap.Error(err))
			continue
		}
		cameras = append(cameras, s.cameraInfo(id, ability))
	}
	return cameras, nil
}

func (s *DefaultService) cameraInfo(id string, ability *metadata.Buffer) CameraInfo {
	info := CameraInfo{ID: id, Status: StatusAvailable}
	if configs, err := metadata.BasicConfigurations(ability); err == nil {
		info.Configurations = configs
	}

	s.mu.RLock()
	if st, ok := s.status[id]; ok {
		info.Status = st
	}
	s.mu.RUnlock()

	if e, err := ability.FindEntry(metadata.TagAbilityCameraPosition); err == nil {
		if v, err := e.Uint8s(); err == nil && len(v) > 0 {
			info.Position = v[0]
		}
	}
	if e, err := ability.FindEntry(metadata.TagAbilityFlashAvailable); err == nil {
		if v, err := e.Uint8s(); err == nil && len(v) > 0 {
			info.FlashAvailable = v[0] != 0
		}
	}
	return info
}

// GetCameraAbility はカメラのアビリティを取得する
func (s *DefaultService) GetCameraAbility(cameraID string) (*metadata.Buffer, error) {
	raw, err := s.host.GetCameraAbility(cameraID)
	if err != nil {
		return nil, fmt.Errorf("カメラ %s のアビリティ取得に失敗: %w", cameraID, translateHostError(err))
	}
	ability, err := metadata.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("カメラ %s のアビリティが不正: %w", cameraID, translateMetadataError(err))
	}
	return ability, nil
}

// CreateCameraDevice は入力デバイスを作成する
func (s *DefaultService) CreateCameraDevice(cameraID string) (*CameraDevice, error) {
	return NewCameraDevice(s.host, s.arbiter, cameraID, s.logger.Named("device"))
}

// CreateCaptureSession はpidのセッションを作成する
// レジストリのポリシーに従って既存のセッションが解放される
func (s *DefaultService) CreateCaptureSession(pid int) *CaptureSession {
	return NewCaptureSession(pid, s.registry, SessionOptions{
		SkipSupportCheck: s.skipSupport,
		Logger:           s.logger.Named("session"),
	})
}

// CreatePreviewOutput はプレビューストリームを作成する
func (s *DefaultService) CreatePreviewOutput(producer hdi.BufferProducer, format, width, height int32) (*RepeatStream, error) {
	if err := validateOutput(producer, format, width, height); err != nil {
		return nil, err
	}
	return NewPreviewStream(producer, format, width, height, s.logger.Named("stream")), nil
}

// CreateVideoOutput は動画ストリームを作成する
func (s *DefaultService) CreateVideoOutput(producer hdi.BufferProducer, format, width, height int32) (*RepeatStream, error) {
	if err := validateOutput(producer, format, width, height); err != nil {
		return nil, err
	}
	return NewVideoStream(producer, format, width, height, s.logger.Named("stream")), nil
}

// CreatePhotoOutput は静止画ストリームを作成する
func (s *DefaultService) CreatePhotoOutput(producer hdi.BufferProducer, format, width, height int32) (*CaptureStream, error) {
	if err := validateOutput(producer, format, width, height); err != nil {
		return nil, err
	}
	return NewPhotoStream(producer, format, width, height, s.logger.Named("stream")), nil
}

// CreateMetadataOutput はメタデータストリームを作成する
func (s *DefaultService) CreateMetadataOutput(producer hdi.BufferProducer, format int32) (*MetadataStream, error) {
	if producer == nil {
		return nil, fmt.Errorf("プロデューサーがありません: %w", ErrInvalidArgument)
	}
	return NewMetadataStream(producer, format, s.logger.Named("stream")), nil
}

func validateOutput(producer hdi.BufferProducer, format, width, height int32) error {
	if producer == nil {
		return fmt.Errorf("プロデューサーがありません: %w", ErrInvalidArgument)
	}
	if _, ok := metadata.ParseFormat(metadata.FormatName(format)); !ok {
		return fmt.Errorf("不明なフォーマット %d: %w", format, ErrInvalidArgument)
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("サイズ %dx%d: %w", width, height, ErrInvalidArgument)
	}
	return nil
}

// SetFlashlight はライトを点灯・消灯する
func (s *DefaultService) SetFlashlight(cameraID string, on bool) error {
	if err := s.host.SetFlashlight(cameraID, on); err != nil {
		s.logger.Error("ライトの切り替えに失敗", zap.String("camera_id", cameraID), zap.Bool("on", on), zap.Error(err))
		return translateHostError(err)
	}
	return nil
}

// SetStatusCallback は状態通知の受け取り先を設定する
func (s *DefaultService) SetStatusCallback(sink StatusSink) {
	s.statusSink.set(sink)
}

// Registry はセッションレジストリを返す
func (s *DefaultService) Registry() *SessionRegistry {
	return s.registry
}

// Arbiter はデバイスアービターを返す
func (s *DefaultService) Arbiter() *DeviceArbiter {
	return s.arbiter
}

// serviceCallback はホストの状態通知を受け取る
type serviceCallback struct {
	service *DefaultService
}

func (cb *serviceCallback) OnCameraStatus(cameraID string, status hdi.CameraStatus) {
	st := StatusUnavailable
	if status == hdi.CameraStatusAvailable {
		st = StatusAvailable
	}

	s := cb.service
	s.mu.Lock()
	s.status[cameraID] = st
	s.mu.Unlock()

	s.logger.Info("カメラの状態が変化しました", zap.String("camera_id", cameraID), zap.String("status", string(st)))
	s.statusSink.deliver(func(sink StatusSink) { sink.OnCameraStatus(cameraID, st) })
}

func (cb *serviceCallback) OnFlashlightStatus(cameraID string, status hdi.FlashlightStatus) {
	cb.service.statusSink.deliver(func(sink StatusSink) { sink.OnFlashlightStatus(cameraID, status) })
}
