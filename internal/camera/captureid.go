package camera

import (
	"fmt"
	"sync"
)

// CaptureType はキャプチャIDの範囲が表す種別
type CaptureType int

const (
	CapturePreview CaptureType = iota
	CapturePhoto
	CaptureVideo
	CaptureMetadata
	CaptureUnknown
)

func (c CaptureType) String() string {
	switch c {
	case CapturePreview:
		return "preview"
	case CapturePhoto:
		return "photo"
	case CaptureVideo:
		return "video"
	case CaptureMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

type idRange struct {
	start, end int32
}

// 種別ごとのキャプチャIDの範囲。互いに重ならない
var captureIDRanges = [...]idRange{
	CapturePreview:  {1, 100},
	CapturePhoto:    {101, 200},
	CaptureVideo:    {201, 300},
	CaptureMetadata: {301, 400},
}

// CaptureTypeOf はキャプチャIDの種別を返す
func CaptureTypeOf(captureID int32) CaptureType {
	for t, r := range captureIDRanges {
		if captureID >= r.start && captureID <= r.end {
			return CaptureType(t)
		}
	}
	return CaptureUnknown
}

// CaptureIDPool は種別ごとのキャプチャIDを払い出す
// 払い出したIDはResetまで再利用しない
type CaptureIDPool struct {
	mu   sync.Mutex
	last [len(captureIDRanges)]int32
}

// NewCaptureIDPool は新しいCaptureIDPoolを作成する
func NewCaptureIDPool() *CaptureIDPool {
	p := &CaptureIDPool{}
	p.Reset()
	return p
}

// Allocate は種別の範囲から次のIDを返す
func (p *CaptureIDPool) Allocate(t CaptureType) (int32, error) {
	if t < 0 || int(t) >= len(captureIDRanges) {
		return 0, fmt.Errorf("キャプチャ種別 %d: %w", t, ErrInvalidArgument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r := captureIDRanges[t]
	if p.last[t] >= r.end {
		return 0, fmt.Errorf("%s の範囲 [%d, %d]: %w", t, r.start, r.end, ErrCaptureLimitExceeded)
	}
	p.last[t]++
	return p.last[t], nil
}

// Reset は全種別を範囲の先頭に戻す
func (p *CaptureIDPool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for t, r := range captureIDRanges {
		p.last[t] = r.start - 1
	}
}

// advanceTo は次に払い出すIDがlast+1になるよう進める
func (p *CaptureIDPool) advanceTo(t CaptureType, last int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last[t] = last
}
