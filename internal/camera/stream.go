package camera

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"camerad/internal/hdi"
	"camerad/internal/metadata"
)

// StreamKind は出力ストリームの種類
type StreamKind int

const (
	KindPreview StreamKind = iota
	KindVideo
	KindPhoto
	KindMetadata
)

func (k StreamKind) String() string {
	switch k {
	case KindPreview:
		return "preview"
	case KindVideo:
		return "video"
	case KindPhoto:
		return "photo"
	case KindMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("StreamKind(%d)", int(k))
	}
}

// ParseStreamKind は名前からStreamKindを返す
func ParseStreamKind(name string) (StreamKind, bool) {
	for k := KindPreview; k <= KindMetadata; k++ {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

// kindSpec は種類ごとの固定値
type kindSpec struct {
	capture   CaptureType
	intent    hdi.StreamIntent
	encode    hdi.EncodeType
	checkSize bool
}

var kindSpecs = [...]kindSpec{
	KindPreview:  {capture: CapturePreview, intent: hdi.IntentPreview, encode: hdi.EncodeNull, checkSize: true},
	KindVideo:    {capture: CaptureVideo, intent: hdi.IntentVideo, encode: hdi.EncodeH264, checkSize: true},
	KindPhoto:    {capture: CapturePhoto, intent: hdi.IntentStillCapture, encode: hdi.EncodeJPEG, checkSize: true},
	KindMetadata: {capture: CaptureMetadata, intent: hdi.IntentAnalyze, encode: hdi.EncodeNull, checkSize: false},
}

const defaultDataSpace = 8

// Stream はセッションに追加する出力
// 実装はこのパッケージの RepeatStream, CaptureStream, MetadataStream に限られる
type Stream interface {
	// Kind はストリームの種類を返す
	Kind() StreamKind

	// StreamID はリンク済みのストリームIDを返す。未リンクなら0
	StreamID() int32

	// LinkInput はストリームをデバイスのオペレーターに結び付ける
	LinkInput(operator hdi.StreamOperator, ability *metadata.Buffer, streamID int32) error

	// SetStreamInfo はCreateStreamsに渡す記述子を作る
	SetStreamInfo() hdi.StreamInfo

	// SetCallback はキャプチャ通知の受け取り先を設定する。nilで解除
	// nilを指す型付きポインタは解除にならず、最初の通知で配送が止まる
	SetCallback(sink StreamEventSink)

	// Release はリンクを解除する。解放後は再利用できない
	Release() error

	common() *streamCommon
}

// streamStarter は継続キャプチャを行うストリーム
type streamStarter interface {
	Stream
	Start() error
	Stop() error
}

type linkState struct {
	operator     hdi.StreamOperator
	ability      *metadata.Buffer
	abilityBytes []byte
	streamID     int32
}

// streamCommon は全ストリーム共通の状態
type streamCommon struct {
	mu     sync.Mutex
	kind   StreamKind
	spec   kindSpec
	logger *zap.Logger

	format   int32
	width    int32
	height   int32
	producer hdi.BufferProducer

	streamID        int32
	operator        hdi.StreamOperator
	ability         *metadata.Buffer
	abilityBytes    []byte
	activeCaptureID int32
	releasePending  bool
	released        bool

	ids  *CaptureIDPool
	sink sinkSlot[StreamEventSink]
}

func (c *streamCommon) init(kind StreamKind, producer hdi.BufferProducer, format, width, height int32, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c.kind = kind
	c.spec = kindSpecs[kind]
	c.producer = producer
	c.format = format
	c.width = width
	c.height = height
	c.ids = NewCaptureIDPool()
	c.logger = logger.With(zap.Stringer("kind", kind))
	c.sink.setLogger(c.logger)
}

func (c *streamCommon) common() *streamCommon { return c }

// Kind はストリームの種類を返す
func (c *streamCommon) Kind() StreamKind { return c.kind }

// Configuration は (format, width, height) を返す
func (c *streamCommon) Configuration() metadata.StreamConfiguration {
	return metadata.StreamConfiguration{Format: c.format, Width: c.width, Height: c.height}
}

// StreamID はリンク済みのストリームIDを返す
func (c *streamCommon) StreamID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID
}

// ActiveCaptureID は実行中のキャプチャIDを返す。停止中は0
func (c *streamCommon) ActiveCaptureID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCaptureID
}

// LinkInput はストリームをオペレーターとアビリティに結び付ける
func (c *streamCommon) LinkInput(operator hdi.StreamOperator, ability *metadata.Buffer, streamID int32) error {
	if operator == nil || ability == nil {
		return fmt.Errorf("オペレーターまたはアビリティがありません: %w", ErrInvalidArgument)
	}
	if streamID <= 0 {
		return fmt.Errorf("ストリームID %d: %w", streamID, ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return fmt.Errorf("解放済みの %s ストリーム: %w", c.kind, ErrInvalidState)
	}
	if c.spec.checkSize {
		want := metadata.StreamConfiguration{Format: c.format, Width: c.width, Height: c.height}
		if !metadata.SupportsConfiguration(ability, want) {
			return fmt.Errorf("%s %dx%d はアビリティにありません: %w",
				metadata.FormatName(c.format), c.width, c.height, ErrInvalidSessionConfig)
		}
	}

	c.operator = operator
	c.ability = ability
	c.abilityBytes = ability.Encode()
	c.streamID = streamID
	return nil
}

// SetStreamInfo はCreateStreamsに渡す記述子を作る
func (c *streamCommon) SetStreamInfo() hdi.StreamInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return hdi.StreamInfo{
		StreamID:     c.streamID,
		Width:        c.width,
		Height:       c.height,
		Format:       pixelFormatOf(c.format),
		DataSpace:    defaultDataSpace,
		Intent:       c.spec.intent,
		TunneledMode: true,
		EncodeType:   c.spec.encode,
		Producer:     c.producer,
	}
}

// SetCallback はキャプチャ通知の受け取り先を設定する
func (c *streamCommon) SetCallback(sink StreamEventSink) {
	c.sink.set(sink)
}

// Release はリンクを解除し、実行中の継続キャプチャがあれば取り消す
func (c *streamCommon) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	op, active := c.operator, c.activeCaptureID
	c.released = true
	c.operator = nil
	c.ability = nil
	c.abilityBytes = nil
	c.streamID = 0
	c.activeCaptureID = 0
	c.releasePending = false
	c.mu.Unlock()

	if op != nil && active != 0 {
		if err := op.CancelCapture(active); err != nil {
			c.logger.Warn("解放時のキャプチャ取り消しに失敗", zap.Int32("capture_id", active), zap.Error(err))
		}
	}
	c.sink.clear()
	return nil
}

// startStreaming は種類の範囲からIDを払い出して継続キャプチャを開始する
func (c *streamCommon) startStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released || c.operator == nil {
		return fmt.Errorf("%s ストリームはリンクされていません: %w", c.kind, ErrInvalidState)
	}
	if c.activeCaptureID != 0 {
		return fmt.Errorf("%s ストリームはキャプチャ %d を実行中です: %w", c.kind, c.activeCaptureID, ErrInvalidState)
	}

	captureID, err := c.ids.Allocate(c.spec.capture)
	if err != nil {
		return err
	}

	info := hdi.CaptureInfo{
		StreamIDs: []int32{c.streamID},
		Settings:  c.abilityBytes,
	}
	if err := c.operator.Capture(captureID, info, true); err != nil {
		c.logger.Error("キャプチャの開始に失敗",
			zap.Int32("stream_id", c.streamID), zap.Int32("capture_id", captureID), zap.Error(err))
		return translateHostError(err)
	}

	c.activeCaptureID = captureID
	c.logger.Debug("キャプチャを開始", zap.Int32("stream_id", c.streamID), zap.Int32("capture_id", captureID))
	return nil
}

// stopStreaming は継続キャプチャを取り消す
// HDIが失敗を返してもキャプチャIDは解除する
func (c *streamCommon) stopStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released || c.operator == nil {
		return fmt.Errorf("%s ストリームはリンクされていません: %w", c.kind, ErrInvalidState)
	}
	if c.activeCaptureID == 0 {
		return fmt.Errorf("%s ストリームはキャプチャしていません: %w", c.kind, ErrInvalidState)
	}

	captureID := c.activeCaptureID
	err := c.operator.CancelCapture(captureID)
	c.activeCaptureID = 0
	if err != nil {
		c.logger.Warn("キャプチャの取り消しに失敗", zap.Int32("capture_id", captureID), zap.Error(err))
		return translateHostError(err)
	}
	return nil
}

func (c *streamCommon) snapshot() linkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return linkState{
		operator:     c.operator,
		ability:      c.ability,
		abilityBytes: c.abilityBytes,
		streamID:     c.streamID,
	}
}

func (c *streamCommon) restore(s linkState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operator = s.operator
	c.ability = s.ability
	c.abilityBytes = s.abilityBytes
	c.streamID = s.streamID
}

func (c *streamCommon) setReleasePending(pending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releasePending = pending
}

func (c *streamCommon) isReleasePending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releasePending
}

func (c *streamCommon) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

func (c *streamCommon) attachPool(ids *CaptureIDPool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = ids
}

func (c *streamCommon) onCaptureStarted(captureID int32) {
	c.sink.deliver(func(s StreamEventSink) { s.OnCaptureStarted(captureID) })
}

func (c *streamCommon) onCaptureEnded(captureID, frameCount int32) {
	c.sink.deliver(func(s StreamEventSink) { s.OnCaptureEnded(captureID, frameCount) })
}

func (c *streamCommon) onCaptureError(captureID int32, err error) {
	c.sink.deliver(func(s StreamEventSink) { s.OnCaptureError(captureID, err) })
}

func (c *streamCommon) onFrameShutter(captureID int32, timestamp uint64) {
	c.sink.deliver(func(s StreamEventSink) { s.OnFrameShutter(captureID, timestamp) })
}

// pixelFormatOf はアビリティのフォーマットをHDIのピクセルフォーマットへ変換する
func pixelFormatOf(format int32) hdi.PixelFormat {
	switch format {
	case metadata.FormatRGBA8888:
		return hdi.PixelFmtRGBA8888
	case metadata.FormatYCbCr420888:
		return hdi.PixelFmtYCbCr420P
	case metadata.FormatJPEG:
		return hdi.PixelFmtBlob
	default:
		return hdi.PixelFmtYCrCb420SP
	}
}
