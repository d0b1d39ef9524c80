// Package recorder はストリームの出力先となるBufferProducerを提供する
package recorder

import (
	"errors"
	"sync"

	"camerad/internal/hdi"
)

// ErrClosed は終了したレコーダーにフレームが渡されたことを表す
var ErrClosed = errors.New("レコーダーは終了しています")

// Recorder は受け取ったフレームの記述を新しい順に一定数だけ保持する
type Recorder struct {
	mu          sync.RWMutex
	frameBuffer []Frame
	maxFrames   int
	status      Status
	listener    func(Frame)
}

// New は新しいRecorderを作成する。maxFramesが0以下ならDefaultMaxFramesを使う
func New(maxFrames int) *Recorder {
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	return &Recorder{
		frameBuffer: make([]Frame, 0, maxFrames),
		maxFrames:   maxFrames,
	}
}

// SetListener はフレームを受け取るたびに呼ぶ関数を設定する。nilで解除
func (r *Recorder) SetListener(fn func(Frame)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = fn
}

// Produce はhdi.BufferProducerの実装
func (r *Recorder) Produce(buf hdi.Buffer) error {
	frame := Frame{
		StreamID:  buf.StreamID,
		CaptureID: buf.CaptureID,
		Format:    string(buf.Format),
		Width:     buf.Width,
		Height:    buf.Height,
		Timestamp: buf.Timestamp,
	}

	r.mu.Lock()
	if r.status.Closed {
		r.mu.Unlock()
		return ErrClosed
	}

	r.frameBuffer = append(r.frameBuffer, frame)
	// バッファサイズ制限をチェック
	if len(r.frameBuffer) > r.maxFrames {
		// 古いフレームを削除（FIFO）
		r.frameBuffer = r.frameBuffer[1:]
	}
	r.status.TotalFrames++
	r.status.LastUpdate = frame.Timestamp
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		listener(frame)
	}
	return nil
}

// Frames は保持しているフレームを古い順に返す
func (r *Recorder) Frames() []Frame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Frame(nil), r.frameBuffer...)
}

// Status は現在の状態を取得する
func (r *Recorder) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.status
	st.FrameBufferSize = len(r.frameBuffer)
	return st
}

// Close はフレームの受け取りを終了する。以後のProduceはErrClosedを返す
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Closed = true
	r.listener = nil
}
