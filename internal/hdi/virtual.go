package hdi

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"camerad/internal/metadata"
)

// VirtualHost の操作名。FailNext と Calls で使う
const (
	OpOpenCamera         = "OpenCamera"
	OpSetFlashlight      = "SetFlashlight"
	OpGetStreamOperator  = "GetStreamOperator"
	OpUpdateSettings     = "UpdateSettings"
	OpCloseDevice        = "Close"
	OpIsStreamsSupported = "IsStreamsSupported"
	OpCreateStreams      = "CreateStreams"
	OpReleaseStreams     = "ReleaseStreams"
	OpCommitStreams      = "CommitStreams"
	OpCapture            = "Capture"
	OpCancelCapture      = "CancelCapture"
)

// VirtualCamera はVirtualHostに登録するカメラ
type VirtualCamera struct {
	ID      string
	Ability []byte
}

// NewVirtualCamera は指定のストリーム構成を公開するカメラを作成する
func NewVirtualCamera(id string, position uint8, configs []metadata.StreamConfiguration) (VirtualCamera, error) {
	ability := metadata.New(10, 100)
	if err := metadata.AddBasicConfigurations(ability, configs); err != nil {
		return VirtualCamera{}, fmt.Errorf("カメラ %s のストリーム構成の設定に失敗: %w", id, err)
	}
	if err := ability.AddEntry(metadata.TagAbilityCameraPosition, []uint8{position}); err != nil {
		return VirtualCamera{}, fmt.Errorf("カメラ %s の位置の設定に失敗: %w", id, err)
	}
	if err := ability.AddEntry(metadata.TagAbilityAECompensationRange, []int32{-2, 3}); err != nil {
		return VirtualCamera{}, fmt.Errorf("カメラ %s の露出補正範囲の設定に失敗: %w", id, err)
	}
	if err := ability.AddEntry(metadata.TagAbilityFlashAvailable, []uint8{1}); err != nil {
		return VirtualCamera{}, fmt.Errorf("カメラ %s のライト設定に失敗: %w", id, err)
	}
	return VirtualCamera{ID: id, Ability: ability.Encode()}, nil
}

// Call はVirtualHostへの呼び出し記録
type Call struct {
	Op       string
	CameraID string
	IDs      []int32
}

// VirtualHost はプロセス内で動くHost実装
// デーモンの既定ホストとテストの両方で使う。コールバックは専用ゴルーチンから順番に配送される
type VirtualHost struct {
	mu       sync.Mutex
	cameras  map[string][]byte
	order    []string
	devices  map[string]*virtualDevice
	flash    map[string]bool
	callback HostCallback

	faults      map[string]RetCode
	unsupported bool
	calls       []Call

	events *dispatcher
}

// NewVirtualHost は新しいVirtualHostを作成する
func NewVirtualHost(cameras ...VirtualCamera) *VirtualHost {
	h := &VirtualHost{
		cameras: make(map[string][]byte),
		devices: make(map[string]*virtualDevice),
		flash:   make(map[string]bool),
		faults:  make(map[string]RetCode),
		events:  newDispatcher(),
	}
	for _, cam := range cameras {
		h.cameras[cam.ID] = cam.Ability
		h.order = append(h.order, cam.ID)
	}
	return h
}

// Close はコールバック配送を停止する
func (h *VirtualHost) Close() {
	h.events.close()
}

// Sync はそれまでに発生したコールバックの配送完了を待つ
// コールバックの中から呼んではいけない
func (h *VirtualHost) Sync() {
	h.events.sync()
}

// FailNext は次のopの呼び出しをcodeで失敗させる
func (h *VirtualHost) FailNext(op string, code RetCode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults[op] = code
}

// SetStreamsUnsupported はIsStreamsSupportedの結果を切り替える
func (h *VirtualHost) SetStreamsUnsupported(unsupported bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsupported = unsupported
}

// Calls はこれまでの呼び出し記録を返す
func (h *VirtualHost) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.calls)
}

// CallCount はopの呼び出し回数を返す
func (h *VirtualHost) CallCount(op string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls は呼び出し記録を消去する
func (h *VirtualHost) ResetCalls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// record は呼び出しを記録し、注入された失敗があれば返す（ロック済み前提）
func (h *VirtualHost) record(op, cameraID string, ids ...int32) error {
	h.calls = append(h.calls, Call{Op: op, CameraID: cameraID, IDs: ids})
	if code, ok := h.faults[op]; ok {
		delete(h.faults, op)
		return code
	}
	return nil
}

// AddCamera はカメラの接続を模擬する
func (h *VirtualHost) AddCamera(cam VirtualCamera) {
	h.mu.Lock()
	if _, exists := h.cameras[cam.ID]; !exists {
		h.order = append(h.order, cam.ID)
	}
	h.cameras[cam.ID] = cam.Ability
	cb := h.callback
	h.mu.Unlock()

	if cb != nil {
		h.events.post(func() { cb.OnCameraStatus(cam.ID, CameraStatusAvailable) })
	}
}

// RemoveCamera はカメラの切断を模擬する。開いていればデバイスにエラーを通知する
func (h *VirtualHost) RemoveCamera(cameraID string) {
	h.mu.Lock()
	delete(h.cameras, cameraID)
	h.order = slices.DeleteFunc(h.order, func(id string) bool { return id == cameraID })
	dev := h.devices[cameraID]
	cb := h.callback
	h.mu.Unlock()

	if dev != nil {
		h.events.post(func() { dev.cb.OnError(DeviceDisconnected, 0) })
	}
	if cb != nil {
		h.events.post(func() { cb.OnCameraStatus(cameraID, CameraStatusUnavailable) })
	}
}

// InjectDeviceError は開いているデバイスへ非同期エラーを通知する
func (h *VirtualHost) InjectDeviceError(cameraID string, kind DeviceErrorType) {
	h.mu.Lock()
	dev := h.devices[cameraID]
	h.mu.Unlock()

	if dev != nil {
		h.events.post(func() { dev.cb.OnError(kind, 0) })
	}
}

// InjectCaptureError はキャプチャ中のストリームへエラーを通知する
func (h *VirtualHost) InjectCaptureError(cameraID string, captureID, streamID int32, kind StreamError) {
	h.mu.Lock()
	var cb StreamOperatorCallback
	if dev := h.devices[cameraID]; dev != nil && dev.operator != nil {
		cb = dev.operator.cb
	}
	h.mu.Unlock()

	if cb != nil {
		h.events.post(func() {
			cb.OnCaptureError(captureID, []CaptureErrorInfo{{StreamID: streamID, Error: kind}})
		})
	}
}

// IsOpen はカメラが開かれているかを返す
func (h *VirtualHost) IsOpen(cameraID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.devices[cameraID]
	return ok
}

// Streams はカメラ上に作成済みのストリームIDを昇順で返す
func (h *VirtualHost) Streams(cameraID string) []int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev := h.devices[cameraID]
	if dev == nil || dev.operator == nil {
		return nil
	}
	ids := make([]int32, 0, len(dev.operator.streams))
	for id := range dev.operator.streams {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ActiveCaptures は継続中のキャプチャIDを昇順で返す
func (h *VirtualHost) ActiveCaptures(cameraID string) []int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev := h.devices[cameraID]
	if dev == nil || dev.operator == nil {
		return nil
	}
	ids := make([]int32, 0, len(dev.operator.captures))
	for id := range dev.operator.captures {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// DeviceSettings は最後にデバイスへ適用された設定を返す
func (h *VirtualHost) DeviceSettings(cameraID string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if dev := h.devices[cameraID]; dev != nil {
		return slices.Clone(dev.settings)
	}
	return nil
}

// FlashlightOn はライトの状態を返す
func (h *VirtualHost) FlashlightOn(cameraID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flash[cameraID]
}

// SetCallback はホスト通知の配送先を設定する
func (h *VirtualHost) SetCallback(cb HostCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callback = cb
	return nil
}

// GetCameraIDs は登録順にカメラIDを返す
func (h *VirtualHost) GetCameraIDs() ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.order), nil
}

// GetCameraAbility はカメラのアビリティを返す
func (h *VirtualHost) GetCameraAbility(cameraID string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ability, ok := h.cameras[cameraID]
	if !ok {
		return nil, InvalidArgument
	}
	return slices.Clone(ability), nil
}

// OpenCamera はカメラを開く。同じカメラは同時に1つしか開けない
func (h *VirtualHost) OpenCamera(cameraID string, cb DeviceCallback) (Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.record(OpOpenCamera, cameraID); err != nil {
		return nil, err
	}
	if _, ok := h.cameras[cameraID]; !ok || cb == nil {
		return nil, InvalidArgument
	}
	if _, open := h.devices[cameraID]; open {
		return nil, CameraBusy
	}

	dev := &virtualDevice{
		host:     h,
		cameraID: cameraID,
		cb:       cb,
		results:  make(map[uint32]bool),
	}
	h.devices[cameraID] = dev
	return dev, nil
}

// SetFlashlight はライトを切り替える。カメラ使用中は点灯できない
func (h *VirtualHost) SetFlashlight(cameraID string, on bool) error {
	h.mu.Lock()
	if err := h.record(OpSetFlashlight, cameraID); err != nil {
		h.mu.Unlock()
		return err
	}
	if _, ok := h.cameras[cameraID]; !ok {
		h.mu.Unlock()
		return InvalidArgument
	}
	if _, open := h.devices[cameraID]; open && on {
		h.mu.Unlock()
		return CameraBusy
	}
	h.flash[cameraID] = on
	cb := h.callback
	h.mu.Unlock()

	if cb != nil {
		status := FlashlightOff
		if on {
			status = FlashlightOn
		}
		h.events.post(func() { cb.OnFlashlightStatus(cameraID, status) })
	}
	return nil
}

type virtualDevice struct {
	host     *VirtualHost
	cameraID string
	cb       DeviceCallback
	closed   bool
	settings []byte
	results  map[uint32]bool
	operator *virtualOperator
}

func (d *virtualDevice) GetStreamOperator(cb StreamOperatorCallback) (StreamOperator, error) {
	h := d.host
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.record(OpGetStreamOperator, d.cameraID); err != nil {
		return nil, err
	}
	if d.closed {
		return nil, CameraClosed
	}
	if cb == nil {
		return nil, InvalidArgument
	}
	if d.operator == nil {
		d.operator = &virtualOperator{
			dev:      d,
			streams:  make(map[int32]StreamInfo),
			captures: make(map[int32]CaptureInfo),
		}
	}
	d.operator.cb = cb
	return d.operator, nil
}

func (d *virtualDevice) UpdateSettings(settings []byte) error {
	h := d.host
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.record(OpUpdateSettings, d.cameraID); err != nil {
		return err
	}
	if d.closed {
		return CameraClosed
	}
	if _, err := metadata.Decode(settings); err != nil {
		return InvalidArgument
	}
	d.settings = slices.Clone(settings)
	return nil
}

func (d *virtualDevice) GetEnabledResults() ([]uint32, error) {
	h := d.host
	h.mu.Lock()
	defer h.mu.Unlock()

	if d.closed {
		return nil, CameraClosed
	}
	tags := make([]uint32, 0, len(d.results))
	for tag := range d.results {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags, nil
}

func (d *virtualDevice) EnableResult(tags []uint32) error {
	return d.setResults(tags, true)
}

func (d *virtualDevice) DisableResult(tags []uint32) error {
	return d.setResults(tags, false)
}

func (d *virtualDevice) setResults(tags []uint32, enabled bool) error {
	h := d.host
	h.mu.Lock()
	defer h.mu.Unlock()

	if d.closed {
		return CameraClosed
	}
	for _, tag := range tags {
		if enabled {
			d.results[tag] = true
		} else {
			delete(d.results, tag)
		}
	}
	return nil
}

func (d *virtualDevice) Close() error {
	h := d.host
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.record(OpCloseDevice, d.cameraID); err != nil {
		return err
	}
	if d.closed {
		return nil
	}
	d.closed = true
	d.operator = nil
	if h.devices[d.cameraID] == d {
		delete(h.devices, d.cameraID)
	}
	return nil
}

type virtualOperator struct {
	dev       *virtualDevice
	cb        StreamOperatorCallback
	streams   map[int32]StreamInfo
	committed bool
	captures  map[int32]CaptureInfo
}

func (o *virtualOperator) IsStreamsSupported(_ OperationMode, _ []byte, infos []StreamInfo) (StreamSupportType, error) {
	h := o.dev.host
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.record(OpIsStreamsSupported, o.dev.cameraID, streamIDsOf(infos)...); err != nil {
		return SupportNone, err
	}
	if o.dev.closed {
		return SupportNone, CameraClosed
	}
	if h.unsupported {
		return SupportNone, nil
	}
	return SupportDynamic, nil
}

func (o *virtualOperator) CreateStreams(infos []StreamInfo) error {
	h := o.dev.host
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.record(OpCreateStreams, o.dev.cameraID, streamIDsOf(infos)...); err != nil {
		return err
	}
	if o.dev.closed {
		return CameraClosed
	}

	seen := make(map[int32]bool, len(infos))
	for _, info := range infos {
		if _, exists := o.streams[info.StreamID]; exists || seen[info.StreamID] || info.StreamID <= 0 {
			return InvalidArgument
		}
		if info.Intent != IntentAnalyze && (info.Width <= 0 || info.Height <= 0) {
			return InvalidArgument
		}
		seen[info.StreamID] = true
	}
	for _, info := range infos {
		o.streams[info.StreamID] = info
	}
	o.committed = false
	return nil
}

func (o *virtualOperator) ReleaseStreams(streamIDs []int32) error {
	h := o.dev.host
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.record(OpReleaseStreams, o.dev.cameraID, streamIDs...); err != nil {
		return err
	}
	if o.dev.closed {
		return CameraClosed
	}
	for _, id := range streamIDs {
		if _, exists := o.streams[id]; !exists {
			return InvalidArgument
		}
	}
	for _, id := range streamIDs {
		delete(o.streams, id)
		for captureID, info := range o.captures {
			if slices.Contains(info.StreamIDs, id) {
				delete(o.captures, captureID)
			}
		}
	}
	return nil
}

func (o *virtualOperator) CommitStreams(_ OperationMode, settings []byte) error {
	h := o.dev.host
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.record(OpCommitStreams, o.dev.cameraID); err != nil {
		return err
	}
	if o.dev.closed {
		return CameraClosed
	}
	if len(o.streams) == 0 {
		return InvalidArgument
	}
	if len(settings) > 0 {
		if _, err := metadata.Decode(settings); err != nil {
			return InvalidArgument
		}
	}
	o.committed = true
	return nil
}

func (o *virtualOperator) Capture(captureID int32, info CaptureInfo, streaming bool) error {
	h := o.dev.host
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.record(OpCapture, o.dev.cameraID, captureID); err != nil {
		return err
	}
	if o.dev.closed {
		return CameraClosed
	}
	if !o.committed || len(info.StreamIDs) == 0 {
		return InvalidArgument
	}
	if _, active := o.captures[captureID]; active {
		return InvalidArgument
	}
	targets := make([]StreamInfo, 0, len(info.StreamIDs))
	for _, id := range info.StreamIDs {
		s, exists := o.streams[id]
		if !exists {
			return InvalidArgument
		}
		targets = append(targets, s)
	}

	cb := o.cb
	streamIDs := slices.Clone(info.StreamIDs)
	if streaming {
		o.captures[captureID] = info
		h.events.post(func() {
			cb.OnCaptureStarted(captureID, streamIDs)
			produceFrames(cb, captureID, targets)
		})
		return nil
	}

	shutter := info.EnableShutterCallback
	h.events.post(func() {
		cb.OnCaptureStarted(captureID, streamIDs)
		if shutter {
			cb.OnFrameShutter(captureID, streamIDs, uint64(time.Now().UnixNano()))
		}
		ended := produceFrames(cb, captureID, targets)
		cb.OnCaptureEnded(captureID, ended)
	})
	return nil
}

func (o *virtualOperator) CancelCapture(captureID int32) error {
	h := o.dev.host
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.record(OpCancelCapture, o.dev.cameraID, captureID); err != nil {
		return err
	}
	if o.dev.closed {
		return CameraClosed
	}
	info, active := o.captures[captureID]
	if !active {
		return InvalidArgument
	}
	delete(o.captures, captureID)

	cb := o.cb
	ended := make([]CaptureEndedInfo, 0, len(info.StreamIDs))
	for _, id := range info.StreamIDs {
		ended = append(ended, CaptureEndedInfo{StreamID: id, FrameCount: 1})
	}
	h.events.post(func() { cb.OnCaptureEnded(captureID, ended) })
	return nil
}

// produceFrames は各ストリームへ1フレームずつ渡す
// 受け取りに失敗したストリームはバッファ消失として通知する
func produceFrames(cb StreamOperatorCallback, captureID int32, targets []StreamInfo) []CaptureEndedInfo {
	ended := make([]CaptureEndedInfo, 0, len(targets))
	var lost []CaptureErrorInfo
	for _, s := range targets {
		if s.Producer == nil {
			ended = append(ended, CaptureEndedInfo{StreamID: s.StreamID})
			continue
		}
		err := s.Producer.Produce(Buffer{
			StreamID:  s.StreamID,
			CaptureID: captureID,
			Format:    s.Format.FrameFormat(),
			Width:     s.Width,
			Height:    s.Height,
			Timestamp: time.Now(),
		})
		if err != nil {
			lost = append(lost, CaptureErrorInfo{StreamID: s.StreamID, Error: StreamBufferLost})
			ended = append(ended, CaptureEndedInfo{StreamID: s.StreamID})
			continue
		}
		ended = append(ended, CaptureEndedInfo{StreamID: s.StreamID, FrameCount: 1})
	}
	if len(lost) > 0 {
		cb.OnCaptureError(captureID, lost)
	}
	return ended
}

func streamIDsOf(infos []StreamInfo) []int32 {
	ids := make([]int32, len(infos))
	for i, info := range infos {
		ids[i] = info.StreamID
	}
	return ids
}
