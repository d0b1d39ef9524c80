package camera

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// StreamEventSink はストリームのキャプチャ通知を受け取る
type StreamEventSink interface {
	OnCaptureStarted(captureID int32)
	OnCaptureEnded(captureID int32, frameCount int32)
	OnCaptureError(captureID int32, err error)
	OnFrameShutter(captureID int32, timestamp uint64)
}

// SessionErrorSink はセッションの非同期エラーを受け取る
type SessionErrorSink interface {
	OnSessionError(err error)
}

// DeviceErrorSink はデバイスの非同期エラーを受け取る
type DeviceErrorSink interface {
	OnDeviceError(err error)
}

// sinkSlot は通知先を1つ保持する
//
// 配送中は読み取りロックを保持する。そのため set/clear から戻った時点で
// 古い通知先への配送は終わっており、以後開始されることもない。
// 通知先の中から同じスロットの set/clear を呼ぶとデッドロックする。
//
// nilを指す型付きポインタは解除にならない。通知先がpanicした場合は
// 記録して、次に set されるまで配送を止める。
type sinkSlot[T any] struct {
	mu     sync.RWMutex
	sink   T
	ok     bool
	broken atomic.Bool
	logger *zap.Logger
}

func (s *sinkSlot[T]) setLogger(logger *zap.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

func (s *sinkSlot[T]) set(sink T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
	s.ok = any(sink) != nil
	s.broken.Store(false)
}

func (s *sinkSlot[T]) clear() {
	var zero T
	s.set(zero)
}

func (s *sinkSlot[T]) deliver(fn func(T)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ok || s.broken.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.broken.Store(true)
			if s.logger != nil {
				s.logger.Error("通知先でpanicが発生したため配送を止めます",
					zap.String("sink", fmt.Sprintf("%T", s.sink)), zap.Any("panic", r))
			}
		}
	}()
	fn(s.sink)
}
