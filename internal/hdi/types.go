package hdi

import (
	"fmt"
	"time"

	"github.com/pion/mediadevices/pkg/frame"
)

// RetCode はHDIが返す結果コード
// NoError 以外は error として扱う
type RetCode int32

const (
	NoError               RetCode = 0
	CameraBusy            RetCode = -1
	InsufficientResources RetCode = -2
	InvalidArgument       RetCode = -3
	MethodNotSupported    RetCode = -4
	CameraClosed          RetCode = -5
	DeviceError           RetCode = -6
)

func (c RetCode) Error() string {
	switch c {
	case NoError:
		return "hdi: no error"
	case CameraBusy:
		return "hdi: camera busy"
	case InsufficientResources:
		return "hdi: insufficient resources"
	case InvalidArgument:
		return "hdi: invalid argument"
	case MethodNotSupported:
		return "hdi: method not supported"
	case CameraClosed:
		return "hdi: camera closed"
	case DeviceError:
		return "hdi: device error"
	default:
		return fmt.Sprintf("hdi: code %d", int32(c))
	}
}

// StreamIntent はストリームの用途
type StreamIntent int32

const (
	IntentPreview StreamIntent = iota
	IntentVideo
	IntentStillCapture
	IntentPostView
	IntentAnalyze
	IntentCustom
)

// EncodeType はストリームの符号化方式
type EncodeType int32

const (
	EncodeNull EncodeType = iota
	EncodeH264
	EncodeH265
	EncodeJPEG
)

// OperationMode はストリーム構成の動作モード
type OperationMode int32

const (
	ModeNormal OperationMode = iota
)

// StreamSupportType はストリーム構成の対応可否
type StreamSupportType int32

const (
	SupportDynamic StreamSupportType = iota
	SupportReConfig
	SupportNone
)

// StreamError はキャプチャ中のストリームエラー種別
type StreamError int32

const (
	StreamUnknownError StreamError = iota
	StreamBufferLost
)

// DeviceErrorType はデバイスから非同期に通知されるエラー種別
type DeviceErrorType int32

const (
	DeviceFatalError DeviceErrorType = iota
	DeviceRequestTimeout
	DeviceDriverError
	DevicePreempted
	DeviceDisconnected
)

// CameraStatus はホットプラグ通知のカメラ状態
type CameraStatus int32

const (
	CameraStatusUnavailable CameraStatus = iota
	CameraStatusAvailable
)

// FlashlightStatus はライト状態
type FlashlightStatus int32

const (
	FlashlightOff FlashlightStatus = iota
	FlashlightOn
	FlashlightUnavailable
)

// PixelFormat はHDIが扱うバッファのピクセルフォーマット
type PixelFormat int32

const (
	PixelFmtRGBA8888 PixelFormat = iota + 1
	PixelFmtYCbCr420P
	PixelFmtYCrCb420SP
	PixelFmtBlob
)

// FrameFormat はフレームのメモリ配置を返す
func (p PixelFormat) FrameFormat() frame.Format {
	switch p {
	case PixelFmtRGBA8888:
		return frame.FormatRGBA
	case PixelFmtYCbCr420P:
		return frame.FormatI420
	case PixelFmtBlob:
		return frame.FormatMJPEG
	default:
		return frame.FormatNV21
	}
}

// StreamInfo はCreateStreamsに渡すストリーム記述子
type StreamInfo struct {
	StreamID     int32
	Width        int32
	Height       int32
	Format       PixelFormat
	DataSpace    int32
	Intent       StreamIntent
	TunneledMode bool
	EncodeType   EncodeType
	Producer     BufferProducer
}

// CaptureInfo はCaptureに渡すキャプチャ要求
type CaptureInfo struct {
	StreamIDs             []int32
	Settings              []byte
	EnableShutterCallback bool
}

// CaptureEndedInfo はキャプチャ終了時のストリームごとの情報
type CaptureEndedInfo struct {
	StreamID   int32
	FrameCount int32
}

// CaptureErrorInfo はキャプチャエラー時のストリームごとの情報
type CaptureErrorInfo struct {
	StreamID int32
	Error    StreamError
}

// Buffer はプロデューサーへ渡す1フレーム分の記述
type Buffer struct {
	StreamID  int32
	CaptureID int32
	Format    frame.Format
	Width     int32
	Height    int32
	Timestamp time.Time
}

// BufferProducer はフレームの受け渡し先。所有者は呼び出し側
type BufferProducer interface {
	Produce(buf Buffer) error
}
