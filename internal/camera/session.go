package camera

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"camerad/internal/hdi"
)

// SessionState はセッションの状態
type SessionState int

const (
	StateInit SessionState = iota
	StateConfiguring
	StateCommitted
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateConfiguring:
		return "ConfiguringInProgress"
	case StateCommitted:
		return "Committed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// SessionOptions はセッション作成時のオプション
type SessionOptions struct {
	// SkipSupportCheck はコミット時のIsStreamsSupportedを省略する
	SkipSupportCheck bool
	Logger           *zap.Logger
}

// CaptureSession は入力デバイスと出力ストリームの構成をまとめてコミットする
//
// BeginConfigからCommitConfigまでの変更はステージングされ、
// コミットに失敗するとBeginConfig前の状態に戻る
type CaptureSession struct {
	id           string
	pid          int
	registry     *SessionRegistry
	logger       *zap.Logger
	checkSupport bool
	callback     *sessionCallback

	mu                sync.Mutex
	state             SessionState
	stateBeforeConfig SessionState
	released          bool

	device              *CameraDevice
	operator            hdi.StreamOperator
	deviceRemovePending bool
	committed           []Stream

	stagedDevice     *CameraDevice
	staged           []Stream
	deletedStreamIDs []int32

	// nextStreamID は巻き戻さない
	nextStreamID int32
	ids          *CaptureIDPool

	indexMu sync.RWMutex
	index   map[int32]Stream

	errSink sinkSlot[SessionErrorSink]
}

// NewCaptureSession はpidのセッションを作成しレジストリに登録する
func NewCaptureSession(pid int, registry *SessionRegistry, opts SessionOptions) *CaptureSession {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.New().String()
	s := &CaptureSession{
		id:           id,
		pid:          pid,
		registry:     registry,
		logger:       logger.With(zap.String("session_id", id), zap.Int("pid", pid)),
		checkSupport: !opts.SkipSupportCheck,
		state:        StateInit,
		nextStreamID: 1,
		ids:          NewCaptureIDPool(),
		index:        make(map[int32]Stream),
	}
	s.callback = &sessionCallback{session: s}
	s.errSink.setLogger(s.logger)

	if registry != nil {
		registry.register(s)
	}
	s.logger.Info("セッションを作成しました")
	return s
}

// ID はセッションIDを返す
func (s *CaptureSession) ID() string { return s.id }

// PID はクライアントのpidを返す
func (s *CaptureSession) PID() int { return s.pid }

// State は現在の状態を返す
func (s *CaptureSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Device はコミット済みの入力を返す
func (s *CaptureSession) Device() *CameraDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// Streams はコミット済みのストリームを返す
func (s *CaptureSession) Streams() []Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.committed)
}

// StreamByID はストリームIDからコミット済みのストリームを返す
func (s *CaptureSession) StreamByID(streamID int32) (Stream, bool) {
	st := s.lookup(streamID)
	return st, st != nil
}

// SetCallback はセッションエラーの受け取り先を設定する。nilで解除
func (s *CaptureSession) SetCallback(sink SessionErrorSink) {
	s.errSink.set(sink)
}

// BeginConfig は構成の変更を開始する
func (s *CaptureSession) BeginConfig() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return fmt.Errorf("解放済みのセッション: %w", ErrInvalidState)
	}
	if s.state == StateConfiguring {
		return fmt.Errorf("既に構成中です: %w", ErrInvalidState)
	}

	s.stateBeforeConfig = s.state
	s.clearStagingLocked()
	s.state = StateConfiguring
	return nil
}

func (s *CaptureSession) requireConfiguringLocked() error {
	if s.released {
		return fmt.Errorf("解放済みのセッション: %w", ErrInvalidState)
	}
	if s.state != StateConfiguring {
		return fmt.Errorf("セッションは %s です: %w", s.state, ErrInvalidState)
	}
	return nil
}

// AddInput は入力デバイスを追加する。入力は1つまで
func (s *CaptureSession) AddInput(device *CameraDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireConfiguringLocked(); err != nil {
		return err
	}
	if device == nil {
		return fmt.Errorf("デバイスがありません: %w", ErrInvalidArgument)
	}

	if device == s.device {
		if s.stagedDevice != nil {
			return fmt.Errorf("入力は既に追加されています: %w", ErrInvalidSessionConfig)
		}
		s.deviceRemovePending = false
		return nil
	}
	if s.stagedDevice != nil || (s.device != nil && !s.deviceRemovePending) {
		return fmt.Errorf("入力は既に追加されています: %w", ErrInvalidSessionConfig)
	}

	s.stagedDevice = device
	return nil
}

// RemoveInput は入力デバイスを取り除く
func (s *CaptureSession) RemoveInput(device *CameraDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireConfiguringLocked(); err != nil {
		return err
	}
	if device == nil {
		return fmt.Errorf("デバイスがありません: %w", ErrInvalidArgument)
	}

	switch device {
	case s.stagedDevice:
		s.stagedDevice = nil
	case s.device:
		s.deviceRemovePending = true
	default:
		return fmt.Errorf("カメラ %s はセッションの入力ではありません: %w", device.ID(), ErrInvalidArgument)
	}
	return nil
}

// AddOutput は出力ストリームを追加する
func (s *CaptureSession) AddOutput(stream Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireConfiguringLocked(); err != nil {
		return err
	}
	if stream == nil {
		return fmt.Errorf("ストリームがありません: %w", ErrInvalidArgument)
	}

	c := stream.common()
	if c.isReleased() {
		return fmt.Errorf("解放済みの %s ストリーム: %w", c.kind, ErrInvalidArgument)
	}
	if slices.Contains(s.staged, stream) {
		return fmt.Errorf("%s ストリームは追加済みです: %w", c.kind, ErrInvalidSessionConfig)
	}

	if slices.Contains(s.committed, stream) {
		if !c.isReleasePending() {
			return fmt.Errorf("%s ストリームは追加済みです: %w", c.kind, ErrInvalidSessionConfig)
		}
		// 削除予定を取り消す
		c.setReleasePending(false)
		id := c.StreamID()
		s.deletedStreamIDs = slices.DeleteFunc(s.deletedStreamIDs, func(v int32) bool { return v == id })
		return nil
	}

	c.attachPool(s.ids)
	s.staged = append(s.staged, stream)
	return nil
}

// RemoveOutput は出力ストリームを取り除く
func (s *CaptureSession) RemoveOutput(stream Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireConfiguringLocked(); err != nil {
		return err
	}
	if stream == nil {
		return fmt.Errorf("ストリームがありません: %w", ErrInvalidArgument)
	}

	if i := slices.Index(s.staged, stream); i >= 0 {
		s.staged = slices.Delete(s.staged, i, i+1)
		return nil
	}
	if slices.Contains(s.committed, stream) {
		c := stream.common()
		if !c.isReleasePending() {
			c.setReleasePending(true)
			s.deletedStreamIDs = append(s.deletedStreamIDs, c.StreamID())
		}
		return nil
	}
	return fmt.Errorf("%s ストリームはセッションにありません: %w", stream.Kind(), ErrInvalidArgument)
}

// commitAttempt はロールバックに必要なコミット途中の状態
type commitAttempt struct {
	snapshots map[Stream]linkState
	opened    *CameraDevice
	adopted   *CameraDevice
}

// CommitConfig はステージングした構成をHDIへ反映する
// 失敗した場合はBeginConfig前の状態に戻す
func (s *CaptureSession) CommitConfig() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireConfiguringLocked(); err != nil {
		return err
	}

	if s.stagedDevice == nil && (s.device == nil || s.deviceRemovePending) {
		s.rollbackLocked(nil)
		return fmt.Errorf("入力がありません: %w", ErrInvalidSessionConfig)
	}

	kept := make([]Stream, 0, len(s.committed))
	for _, st := range s.committed {
		if !st.common().isReleasePending() {
			kept = append(kept, st)
		}
	}
	if len(kept)+len(s.staged) == 0 {
		s.rollbackLocked(nil)
		return fmt.Errorf("出力がありません: %w", ErrInvalidSessionConfig)
	}

	att := &commitAttempt{snapshots: make(map[Stream]linkState, len(s.committed))}
	for _, st := range s.committed {
		att.snapshots[st] = st.common().snapshot()
	}

	device, operator := s.device, s.operator
	deviceChanged := s.device == nil || s.deviceRemovePending
	if deviceChanged {
		device = s.stagedDevice
		result, err := device.open(s.id)
		if err != nil {
			s.rollbackLocked(att)
			return fmt.Errorf("カメラ %s のオープンに失敗: %w", device.ID(), err)
		}
		switch result {
		case openedNow:
			att.opened = device
		case openAdopted:
			att.adopted = device
		}
		operator, err = device.streamOperator(s.callback)
		if err != nil {
			s.rollbackLocked(att)
			return fmt.Errorf("ストリームオペレーターの取得に失敗: %w", err)
		}
	}

	// 同じデバイスを使い続ける場合は削除したストリームを先に解放する
	if !deviceChanged && len(s.deletedStreamIDs) > 0 {
		if err := operator.ReleaseStreams(slices.Clone(s.deletedStreamIDs)); err != nil {
			s.rollbackLocked(att)
			return fmt.Errorf("ストリームの解放に失敗: %w", translateHostError(err))
		}
	}

	ability := device.Ability()
	all := make([]hdi.StreamInfo, 0, len(kept)+len(s.staged))
	var newOnly []hdi.StreamInfo
	for _, st := range kept {
		streamID := st.StreamID()
		if deviceChanged {
			streamID = s.allocStreamIDLocked()
		}
		if err := st.LinkInput(operator, ability, streamID); err != nil {
			s.rollbackLocked(att)
			return err
		}
		info := st.SetStreamInfo()
		all = append(all, info)
		if deviceChanged {
			newOnly = append(newOnly, info)
		}
	}
	for _, st := range s.staged {
		if err := st.LinkInput(operator, ability, s.allocStreamIDLocked()); err != nil {
			s.rollbackLocked(att)
			return err
		}
		info := st.SetStreamInfo()
		all = append(all, info)
		newOnly = append(newOnly, info)
	}

	settings := device.Settings().Encode()
	if s.checkSupport {
		support, err := operator.IsStreamsSupported(hdi.ModeNormal, settings, all)
		if err != nil {
			s.rollbackLocked(att)
			return fmt.Errorf("ストリーム構成の確認に失敗: %w", translateHostError(err))
		}
		if support == hdi.SupportNone {
			s.rollbackLocked(att)
			return fmt.Errorf("ストリーム構成に対応していません: %w", ErrUnsupported)
		}
	}

	if len(newOnly) > 0 {
		if err := operator.CreateStreams(newOnly); err != nil {
			s.releaseCreatedLocked(operator, newOnly)
			s.rollbackLocked(att)
			return fmt.Errorf("ストリームの作成に失敗: %w", translateHostError(err))
		}
	}
	if err := operator.CommitStreams(hdi.ModeNormal, settings); err != nil {
		s.releaseCreatedLocked(operator, newOnly)
		s.rollbackLocked(att)
		return fmt.Errorf("ストリームのコミットに失敗: %w", translateHostError(err))
	}

	previous := s.device
	var removed []Stream
	live := make([]Stream, 0, len(kept)+len(s.staged))
	for _, st := range s.committed {
		if st.common().isReleasePending() {
			removed = append(removed, st)
		} else {
			live = append(live, st)
		}
	}
	live = append(live, s.staged...)

	s.committed = live
	s.device = device
	s.operator = operator
	s.clearStagingLocked()
	s.state = StateCommitted
	s.rebuildIndexLocked()

	for _, st := range removed {
		if err := st.Release(); err != nil {
			s.logger.Warn("ストリームの解放に失敗", zap.Error(err))
		}
	}
	if deviceChanged && previous != nil && previous != device {
		if err := previous.Close(); err != nil {
			s.logger.Warn("以前の入力のクローズに失敗", zap.String("camera_id", previous.ID()), zap.Error(err))
		}
	}

	s.logger.Info("構成をコミットしました",
		zap.String("camera_id", device.ID()), zap.Int("streams", len(live)), zap.Int("created", len(newOnly)))
	return nil
}

func (s *CaptureSession) allocStreamIDLocked() int32 {
	id := s.nextStreamID
	s.nextStreamID++
	return id
}

// releaseCreatedLocked は作成途中のストリームを解放する。失敗は記録のみ
func (s *CaptureSession) releaseCreatedLocked(operator hdi.StreamOperator, infos []hdi.StreamInfo) {
	if len(infos) == 0 {
		return
	}
	ids := make([]int32, len(infos))
	for i, info := range infos {
		ids[i] = info.StreamID
	}
	if err := operator.ReleaseStreams(ids); err != nil {
		s.logger.Debug("作成途中のストリーム解放に失敗", zap.Int32s("stream_ids", ids), zap.Error(err))
	}
}

// rollbackLocked はBeginConfig前の状態に戻す
func (s *CaptureSession) rollbackLocked(att *commitAttempt) {
	for _, st := range s.committed {
		c := st.common()
		c.setReleasePending(false)
		if att != nil {
			if snap, ok := att.snapshots[st]; ok {
				c.restore(snap)
			}
		}
	}
	for _, st := range s.staged {
		if err := st.Release(); err != nil {
			s.logger.Warn("ステージングしたストリームの解放に失敗", zap.Error(err))
		}
	}
	if att != nil && att.opened != nil {
		if err := att.opened.Close(); err != nil {
			s.logger.Warn("ロールバック時のクローズに失敗", zap.Error(err))
		}
	}
	if att != nil && att.adopted != nil {
		att.adopted.disown(s.id)
	}

	s.clearStagingLocked()
	s.state = s.stateBeforeConfig
	s.logger.Info("構成をロールバックしました", zap.Stringer("state", s.state))
}

func (s *CaptureSession) clearStagingLocked() {
	for _, st := range s.committed {
		st.common().setReleasePending(false)
	}
	s.stagedDevice = nil
	s.staged = nil
	s.deletedStreamIDs = nil
	s.deviceRemovePending = false
}

func (s *CaptureSession) rebuildIndexLocked() {
	index := make(map[int32]Stream, len(s.committed))
	for _, st := range s.committed {
		index[st.StreamID()] = st
	}
	s.indexMu.Lock()
	s.index = index
	s.indexMu.Unlock()
}

func (s *CaptureSession) lookup(streamID int32) Stream {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return s.index[streamID]
}

// Start はプレビューとメタデータのストリームを開始する
// 動画と静止画は個別に操作する
func (s *CaptureSession) Start() error {
	return s.eachRepeating("開始", func(st streamStarter) error { return st.Start() })
}

// Stop はプレビューとメタデータのストリームを停止する
func (s *CaptureSession) Stop() error {
	return s.eachRepeating("停止", func(st streamStarter) error { return st.Stop() })
}

func (s *CaptureSession) eachRepeating(action string, fn func(streamStarter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released || s.state != StateCommitted {
		return fmt.Errorf("セッションは %s です: %w", s.state, ErrInvalidState)
	}
	for _, st := range s.committed {
		if st.Kind() != KindPreview && st.Kind() != KindMetadata {
			continue
		}
		starter, ok := st.(streamStarter)
		if !ok {
			continue
		}
		if err := fn(starter); err != nil {
			s.logger.Error("ストリームの"+action+"に失敗",
				zap.Stringer("kind", st.Kind()), zap.Int32("stream_id", st.StreamID()), zap.Error(err))
			return err
		}
	}
	return nil
}

// Release はセッションを解放する。2回目以降は何もしない
func (s *CaptureSession) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true

	if s.operator != nil && len(s.committed) > 0 {
		ids := make([]int32, 0, len(s.committed))
		for _, st := range s.committed {
			if id := st.StreamID(); id != 0 {
				ids = append(ids, id)
			}
		}
		if err := s.operator.ReleaseStreams(ids); err != nil {
			s.logger.Warn("ストリームの解放に失敗", zap.Error(err))
		}
	}
	for _, st := range append(slices.Clone(s.committed), s.staged...) {
		if err := st.Release(); err != nil {
			s.logger.Warn("ストリームの解放に失敗", zap.Error(err))
		}
	}

	var closeErr error
	if s.device != nil {
		closeErr = s.device.Close()
	}

	s.clearStagingLocked()
	s.committed = nil
	s.device = nil
	s.operator = nil
	s.ids.Reset()
	s.state = StateInit
	s.mu.Unlock()

	s.indexMu.Lock()
	s.index = make(map[int32]Stream)
	s.indexMu.Unlock()
	s.errSink.clear()

	if s.registry != nil {
		s.registry.unregister(s)
	}
	s.logger.Info("セッションを解放しました")
	return closeErr
}

// sessionCallback はHDIのキャプチャ通知をストリームへ振り分ける
type sessionCallback struct {
	session *CaptureSession
}

func (cb *sessionCallback) stream(streamID int32) *streamCommon {
	st := cb.session.lookup(streamID)
	if st == nil {
		cb.session.logger.Debug("通知先のストリームがありません", zap.Int32("stream_id", streamID))
		return nil
	}
	return st.common()
}

func (cb *sessionCallback) OnCaptureStarted(captureID int32, streamIDs []int32) {
	for _, id := range streamIDs {
		if c := cb.stream(id); c != nil {
			c.onCaptureStarted(captureID)
		}
	}
}

func (cb *sessionCallback) OnCaptureEnded(captureID int32, infos []hdi.CaptureEndedInfo) {
	for _, info := range infos {
		if c := cb.stream(info.StreamID); c != nil {
			c.onCaptureEnded(captureID, info.FrameCount)
		}
	}
}

func (cb *sessionCallback) OnCaptureError(captureID int32, infos []hdi.CaptureErrorInfo) {
	for _, info := range infos {
		err := translateStreamError(info.Error)
		if c := cb.stream(info.StreamID); c != nil {
			c.onCaptureError(captureID, err)
		}
		serr := fmt.Errorf("キャプチャ %d のストリーム %d: %w", captureID, info.StreamID, err)
		cb.session.errSink.deliver(func(s SessionErrorSink) { s.OnSessionError(serr) })
	}
}

func (cb *sessionCallback) OnFrameShutter(captureID int32, streamIDs []int32, timestamp uint64) {
	for _, id := range streamIDs {
		if c := cb.stream(id); c != nil {
			c.onFrameShutter(captureID, timestamp)
		}
	}
}
