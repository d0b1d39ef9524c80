package camera

import (
	"errors"
	"fmt"

	"camerad/internal/hdi"
	"camerad/internal/metadata"
)

var (
	ErrInvalidArgument      = errors.New("不正な引数です")
	ErrInvalidState         = errors.New("現在の状態では実行できません")
	ErrInvalidSessionConfig = errors.New("セッション構成が不正です")
	ErrUnsupported          = errors.New("サポートされていない構成です")
	ErrCaptureLimitExceeded = errors.New("キャプチャIDを使い切りました")
	ErrAllocationFailure    = errors.New("領域の確保に失敗しました")
)

// HostErrorKind はHDI由来のエラー種別
type HostErrorKind int

const (
	HostUnknown HostErrorKind = iota
	HostBufferLost
	HostBusy
	HostClosed
	HostRequestTimeout
	HostPreempted
)

func (k HostErrorKind) String() string {
	switch k {
	case HostBufferLost:
		return "BufferLost"
	case HostBusy:
		return "Busy"
	case HostClosed:
		return "Closed"
	case HostRequestTimeout:
		return "RequestTimeout"
	case HostPreempted:
		return "Preempted"
	default:
		return "Unknown"
	}
}

// HostError はHDIの結果コードや非同期エラーを変換したもの
type HostError struct {
	Kind HostErrorKind
	Code hdi.RetCode
}

func (e *HostError) Error() string {
	return fmt.Sprintf("HDIエラー (%s, code=%d)", e.Kind, int32(e.Code))
}

// Unwrap は元の結果コードを返す
func (e *HostError) Unwrap() error {
	if e.Code == hdi.NoError {
		return nil
	}
	return e.Code
}

// IsHostError はerrがkindのHostErrorかを返す
func IsHostError(err error, kind HostErrorKind) bool {
	var he *HostError
	return errors.As(err, &he) && he.Kind == kind
}

// translateHostError はHDIの結果をこのパッケージのエラーへ変換する
// HDI呼び出しの直後で一度だけ使う
func translateHostError(err error) error {
	if err == nil {
		return nil
	}

	var code hdi.RetCode
	if !errors.As(err, &code) {
		return &HostError{Kind: HostUnknown}
	}

	switch code {
	case hdi.NoError:
		return nil
	case hdi.CameraBusy:
		return &HostError{Kind: HostBusy, Code: code}
	case hdi.InvalidArgument:
		return fmt.Errorf("%w: %w", ErrInvalidArgument, code)
	case hdi.CameraClosed:
		return &HostError{Kind: HostClosed, Code: code}
	default:
		return &HostError{Kind: HostUnknown, Code: code}
	}
}

// translateDeviceError はデバイスの非同期エラー種別を変換する
func translateDeviceError(kind hdi.DeviceErrorType) error {
	switch kind {
	case hdi.DeviceRequestTimeout:
		return &HostError{Kind: HostRequestTimeout}
	case hdi.DevicePreempted:
		return &HostError{Kind: HostPreempted}
	case hdi.DeviceDisconnected:
		return &HostError{Kind: HostClosed}
	default:
		return &HostError{Kind: HostUnknown}
	}
}

// translateStreamError はキャプチャ中のストリームエラーを変換する
func translateStreamError(kind hdi.StreamError) error {
	if kind == hdi.StreamBufferLost {
		return &HostError{Kind: HostBufferLost}
	}
	return &HostError{Kind: HostUnknown}
}

// translateMetadataError はメタデータ操作の失敗を変換する
func translateMetadataError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, metadata.ErrAllocation) {
		return fmt.Errorf("%w: %w", ErrAllocationFailure, err)
	}
	return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
}

// ErrorCode はエラーを外部向けの識別子に変換する
func ErrorCode(err error) string {
	var he *HostError
	switch {
	case err == nil:
		return "OK"
	case errors.As(err, &he):
		return "Host" + he.Kind.String()
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	case errors.Is(err, ErrInvalidState):
		return "InvalidState"
	case errors.Is(err, ErrInvalidSessionConfig):
		return "InvalidSessionConfiguration"
	case errors.Is(err, ErrUnsupported):
		return "Unsupported"
	case errors.Is(err, ErrCaptureLimitExceeded):
		return "CaptureLimitExceeded"
	case errors.Is(err, ErrAllocationFailure):
		return "AllocationFailure"
	default:
		return "Unknown"
	}
}
