package server

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"camerad/internal/camera"
	"camerad/internal/recorder"
)

// イベント種別
const (
	EventCaptureStarted = "capture_started"
	EventCaptureEnded   = "capture_ended"
	EventCaptureError   = "capture_error"
	EventFrameShutter   = "frame_shutter"
	EventFrame          = "frame"
	EventSessionError   = "session_error"
	EventDeviceError    = "device_error"
)

// 購読者ごとのイベントの待ち行列の長さ。溢れた分は捨てる
const subscriberBuffer = 64

// Event はWebSocketで配信するセッションのイベント
type Event struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"sessionId"`
	StreamID   int32     `json:"streamId,omitempty"`
	CaptureID  int32     `json:"captureId,omitempty"`
	FrameCount int32     `json:"frameCount,omitempty"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// eventHub はセッション1つ分のイベントを購読者へ配る
// HDIの通知ゴルーチンから呼ばれるため、配信でブロックしない
type eventHub struct {
	sessionID string
	logger    *zap.Logger

	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
}

func newEventHub(sessionID string, logger *zap.Logger) *eventHub {
	return &eventHub{
		sessionID:   sessionID,
		logger:      logger,
		subscribers: make(map[chan Event]struct{}),
	}
}

func (h *eventHub) publish(ev Event) {
	ev.SessionID = h.sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("購読者の待ち行列が一杯のためイベントを破棄",
				zap.String("session_id", h.sessionID), zap.String("type", ev.Type))
		}
	}
}

// subscribe は購読を開始する。返した関数で解除する
// ハブが閉じるとチャネルも閉じる
func (h *eventHub) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subscribers[ch] = struct{}{}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
}

func (h *eventHub) subscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		delete(h.subscribers, ch)
		close(ch)
	}
}

// OnSessionError はcamera.SessionErrorSinkの実装
func (h *eventHub) OnSessionError(err error) {
	h.publish(Event{Type: EventSessionError, Code: camera.ErrorCode(err), Error: err.Error()})
}

// OnDeviceError はcamera.DeviceErrorSinkの実装
func (h *eventHub) OnDeviceError(err error) {
	h.publish(Event{Type: EventDeviceError, Code: camera.ErrorCode(err), Error: err.Error()})
}

func (h *eventHub) onFrame(f recorder.Frame) {
	h.publish(Event{Type: EventFrame, StreamID: f.StreamID, CaptureID: f.CaptureID, Timestamp: f.Timestamp})
}

// streamEvents はストリーム1本分の通知をハブへ流す
type streamEvents struct {
	hub      *eventHub
	streamID int32
}

func (s streamEvents) OnCaptureStarted(captureID int32) {
	s.hub.publish(Event{Type: EventCaptureStarted, StreamID: s.streamID, CaptureID: captureID})
}

func (s streamEvents) OnCaptureEnded(captureID int32, frameCount int32) {
	s.hub.publish(Event{Type: EventCaptureEnded, StreamID: s.streamID, CaptureID: captureID, FrameCount: frameCount})
}

func (s streamEvents) OnCaptureError(captureID int32, err error) {
	s.hub.publish(Event{
		Type:      EventCaptureError,
		StreamID:  s.streamID,
		CaptureID: captureID,
		Code:      camera.ErrorCode(err),
		Error:     err.Error(),
	})
}

func (s streamEvents) OnFrameShutter(captureID int32, _ uint64) {
	s.hub.publish(Event{Type: EventFrameShutter, StreamID: s.streamID, CaptureID: captureID})
}
