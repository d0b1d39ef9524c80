package camera

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"camerad/internal/hdi"
	"camerad/internal/metadata"
)

// CameraDevice はセッションの入力となるカメラデバイス
// open/close/設定更新はデバイスごとのロックで直列化する
type CameraDevice struct {
	cameraID string
	host     hdi.Host
	arbiter  *DeviceArbiter
	logger   *zap.Logger
	ability  *metadata.Buffer

	mu       sync.Mutex
	handle   hdi.Device
	owner    string
	updates  *metadata.Buffer
	released bool

	errSink sinkSlot[DeviceErrorSink]
}

// NewCameraDevice はホストからアビリティを取得してCameraDeviceを作成する
func NewCameraDevice(host hdi.Host, arbiter *DeviceArbiter, cameraID string, logger *zap.Logger) (*CameraDevice, error) {
	if host == nil || arbiter == nil || cameraID == "" {
		return nil, fmt.Errorf("ホスト・アービターまたはカメラIDがありません: %w", ErrInvalidArgument)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	raw, err := host.GetCameraAbility(cameraID)
	if err != nil {
		return nil, fmt.Errorf("カメラ %s のアビリティ取得に失敗: %w", cameraID, translateHostError(err))
	}
	ability, err := metadata.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("カメラ %s のアビリティが不正: %w", cameraID, translateMetadataError(err))
	}

	d := &CameraDevice{
		cameraID: cameraID,
		host:     host,
		arbiter:  arbiter,
		logger:   logger.With(zap.String("camera_id", cameraID)),
		ability:  ability,
		updates:  metadata.New(0, 0),
	}
	d.errSink.setLogger(d.logger)
	return d, nil
}

// ID はカメラIDを返す
func (d *CameraDevice) ID() string {
	return d.cameraID
}

// Ability はアビリティの複製を返す
func (d *CameraDevice) Ability() *metadata.Buffer {
	return d.ability.Clone()
}

// Settings はアビリティにこれまでの設定更新を重ねたものを返す
func (d *CameraDevice) Settings() *metadata.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()

	settings := d.ability.Clone()
	if err := settings.Merge(d.updates); err != nil {
		d.logger.Warn("設定の合成に失敗", zap.Error(err))
		return d.ability.Clone()
	}
	return settings
}

// IsOpen はデバイスが開かれているかを返す
func (d *CameraDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle != nil
}

// SetCallback はデバイスエラーの受け取り先を設定する。nilで解除
func (d *CameraDevice) SetCallback(sink DeviceErrorSink) {
	d.errSink.set(sink)
}

// Open はデバイスを開く。既に開いていれば何もしない
// 直接開いたデバイスは最初にコミットしたセッションが引き継ぐ
func (d *CameraDevice) Open() error {
	_, err := d.open("")
	return err
}

// directOwner はセッションを介さずに開いたときの所有者
func (d *CameraDevice) directOwner() string {
	return "device:" + d.cameraID
}

// openResult はopenの結果
type openResult int

const (
	openedAlready openResult = iota // 同じ所有者が開いている
	openedNow                       // このopenで開いた
	openAdopted                     // 直接開かれていたものを引き継いだ
)

// open はownerとしてデバイスを開く。ownerが空なら直接開く
// 別のセッションが開いているデバイスはポリシーに関わらずBusyで失敗する
func (d *CameraDevice) open(owner string) (openResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return openedAlready, fmt.Errorf("カメラ %s は解放済みです: %w", d.cameraID, ErrInvalidState)
	}
	if d.handle != nil {
		switch d.owner {
		case owner:
			return openedAlready, nil
		case d.directOwner():
			if owner == "" {
				return openedAlready, nil
			}
			d.arbiter.handOver(d.cameraID, d.owner, owner)
			d.owner = owner
			d.logger.Info("直接開かれたカメラを引き継ぎました", zap.String("owner", owner))
			return openAdopted, nil
		default:
			if owner == "" {
				return openedAlready, nil
			}
			return openedAlready, fmt.Errorf("カメラ %s は %s が使用中です: %w", d.cameraID, d.owner, &HostError{Kind: HostBusy})
		}
	}
	if owner == "" {
		owner = d.directOwner()
	}

	if err := d.arbiter.acquire(d.cameraID, owner); err != nil {
		return openedAlready, err
	}

	handle, err := d.host.OpenCamera(d.cameraID, &deviceCallback{device: d})
	if err != nil {
		d.arbiter.release(d.cameraID, owner)
		d.logger.Error("カメラのオープンに失敗", zap.Error(err))
		return openedAlready, translateHostError(err)
	}

	// オープン前に受け付けた設定を反映する
	if d.updates.Len() > 0 {
		if err := handle.UpdateSettings(d.updates.Encode()); err != nil {
			if cerr := handle.Close(); cerr != nil {
				d.logger.Warn("カメラのクローズに失敗", zap.Error(cerr))
			}
			d.arbiter.release(d.cameraID, owner)
			return openedAlready, translateHostError(err)
		}
	}

	d.handle = handle
	d.owner = owner
	d.logger.Info("カメラをオープンしました", zap.String("owner", owner))
	return openedNow, nil
}

// disown は引き継いだデバイスを直接開いた状態に戻す
func (d *CameraDevice) disown(owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == nil || d.owner != owner {
		return
	}
	d.arbiter.handOver(d.cameraID, owner, d.directOwner())
	d.owner = d.directOwner()
}

// Close はデバイスを閉じる。開いていなければ何もしない
func (d *CameraDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *CameraDevice) closeLocked() error {
	if d.handle == nil {
		return nil
	}

	err := d.handle.Close()
	d.handle = nil
	d.arbiter.release(d.cameraID, d.owner)
	d.owner = ""
	if err != nil {
		d.logger.Warn("カメラのクローズに失敗", zap.Error(err))
		return translateHostError(err)
	}
	d.logger.Info("カメラをクローズしました")
	return nil
}

// Release はデバイスを閉じ、以後使用できなくする
func (d *CameraDevice) Release() error {
	d.mu.Lock()
	err := d.closeLocked()
	d.released = true
	d.mu.Unlock()

	d.errSink.clear()
	return err
}

// UpdateSetting は設定を更新する
// 開いていればすぐにHDIへ反映し、閉じていれば次のオープン時に反映する
func (d *CameraDevice) UpdateSetting(settings *metadata.Buffer) error {
	if settings == nil || settings.Len() == 0 {
		return fmt.Errorf("設定が空です: %w", ErrInvalidArgument)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return fmt.Errorf("カメラ %s は解放済みです: %w", d.cameraID, ErrInvalidState)
	}

	merged := d.updates.Clone()
	if err := merged.Merge(settings); err != nil {
		return translateMetadataError(err)
	}

	if d.handle != nil {
		if err := d.handle.UpdateSettings(settings.Encode()); err != nil {
			d.logger.Error("設定の反映に失敗", zap.Error(err))
			return translateHostError(err)
		}
	}

	d.updates = merged
	return nil
}

// EnableResult は結果通知するタグを追加する
func (d *CameraDevice) EnableResult(tags []uint32) error {
	return d.withHandle(func(h hdi.Device) error { return h.EnableResult(tags) })
}

// DisableResult は結果通知するタグを取り除く
func (d *CameraDevice) DisableResult(tags []uint32) error {
	return d.withHandle(func(h hdi.Device) error { return h.DisableResult(tags) })
}

// EnabledResults は結果通知が有効なタグを返す
func (d *CameraDevice) EnabledResults() ([]uint32, error) {
	var tags []uint32
	err := d.withHandle(func(h hdi.Device) error {
		var err error
		tags, err = h.GetEnabledResults()
		return err
	})
	return tags, err
}

func (d *CameraDevice) withHandle(fn func(hdi.Device) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == nil {
		return fmt.Errorf("カメラ %s は開かれていません: %w", d.cameraID, ErrInvalidState)
	}
	return translateHostError(fn(d.handle))
}

// streamOperator はストリームオペレーターを取得する
func (d *CameraDevice) streamOperator(cb hdi.StreamOperatorCallback) (hdi.StreamOperator, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == nil {
		return nil, fmt.Errorf("カメラ %s は開かれていません: %w", d.cameraID, ErrInvalidState)
	}
	op, err := d.handle.GetStreamOperator(cb)
	if err != nil {
		return nil, translateHostError(err)
	}
	return op, nil
}

// deviceCallback はHDIのデバイス通知を受け取る
type deviceCallback struct {
	device *CameraDevice
}

func (cb *deviceCallback) OnError(kind hdi.DeviceErrorType, code int32) {
	err := translateDeviceError(kind)
	cb.device.logger.Warn("デバイスエラーを受信", zap.Int32("code", code), zap.Error(err))
	cb.device.errSink.deliver(func(s DeviceErrorSink) { s.OnDeviceError(err) })
}

func (cb *deviceCallback) OnResult(timestamp uint64, result []byte) {
	cb.device.logger.Debug("結果を受信", zap.Uint64("timestamp", timestamp), zap.Int("bytes", len(result)))
}
