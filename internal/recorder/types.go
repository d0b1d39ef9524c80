package recorder

import (
	"time"
)

// Frame はプロデューサーが受け取った1フレーム分の記述
type Frame struct {
	StreamID  int32     `json:"stream_id"`  // ストリームID
	CaptureID int32     `json:"capture_id"` // キャプチャID
	Format    string    `json:"format"`     // フレームのメモリ配置 (例: NV21, MJPEG)
	Width     int32     `json:"width"`      // 幅
	Height    int32     `json:"height"`     // 高さ
	Timestamp time.Time `json:"timestamp"`  // フレームの時刻
}

// Status はレコーダーの現在状態
type Status struct {
	TotalFrames     int64     `json:"total_frames"`      // 受け取った総フレーム数
	FrameBufferSize int       `json:"frame_buffer_size"` // 保持しているフレーム数
	LastUpdate      time.Time `json:"last_update"`       // 最後にフレームを受け取った時刻
	Closed          bool      `json:"closed"`            // 受け取りを終了したか
}

// DefaultMaxFrames は保持するフレーム数のデフォルト値
const DefaultMaxFrames = 30
