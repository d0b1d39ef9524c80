package hdi

// Host はカメラHDIのホスト
type Host interface {
	// SetCallback はカメラ状態とライト状態の通知先を設定する
	SetCallback(cb HostCallback) error

	// GetCameraIDs は利用可能なカメラIDの一覧を返す
	GetCameraIDs() ([]string, error)

	// GetCameraAbility はエンコード済みのアビリティを返す
	GetCameraAbility(cameraID string) ([]byte, error)

	// OpenCamera はカメラを開く
	OpenCamera(cameraID string, cb DeviceCallback) (Device, error)

	// SetFlashlight はライトを点灯・消灯する
	SetFlashlight(cameraID string, on bool) error
}

// Device は開かれたカメラデバイス
type Device interface {
	GetStreamOperator(cb StreamOperatorCallback) (StreamOperator, error)
	UpdateSettings(settings []byte) error
	GetEnabledResults() ([]uint32, error)
	EnableResult(tags []uint32) error
	DisableResult(tags []uint32) error
	Close() error
}

// StreamOperator はデバイス上のストリームを操作する
type StreamOperator interface {
	IsStreamsSupported(mode OperationMode, settings []byte, infos []StreamInfo) (StreamSupportType, error)
	CreateStreams(infos []StreamInfo) error
	ReleaseStreams(streamIDs []int32) error
	CommitStreams(mode OperationMode, settings []byte) error
	Capture(captureID int32, info CaptureInfo, streaming bool) error
	CancelCapture(captureID int32) error
}

// HostCallback はホストからの非同期通知
type HostCallback interface {
	OnCameraStatus(cameraID string, status CameraStatus)
	OnFlashlightStatus(cameraID string, status FlashlightStatus)
}

// DeviceCallback はデバイスからの非同期通知
type DeviceCallback interface {
	OnError(kind DeviceErrorType, code int32)
	OnResult(timestamp uint64, result []byte)
}

// StreamOperatorCallback はキャプチャの非同期通知
// 呼び出しはHDI側のゴルーチンから行われる
type StreamOperatorCallback interface {
	OnCaptureStarted(captureID int32, streamIDs []int32)
	OnCaptureEnded(captureID int32, infos []CaptureEndedInfo)
	OnCaptureError(captureID int32, infos []CaptureErrorInfo)
	OnFrameShutter(captureID int32, streamIDs []int32, timestamp uint64)
}
