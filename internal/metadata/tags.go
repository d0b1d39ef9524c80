package metadata

import "fmt"

// Section はタグの上位16ビットで表されるタグの区分
type Section uint32

const (
	SectionCameraProperties Section = iota
	SectionCameraSensor
	SectionCameraSensorInfo
	SectionCameraStatistics
	SectionDeviceControl
	SectionDeviceExposure
	SectionDeviceFocus
	SectionDeviceFlash
	SectionDeviceZoom
	SectionStreamAbility
	SectionStreamJpeg
	sectionEnd
)

// カメラ属性
const (
	TagAbilityCameraPosition = iota + uint32(SectionCameraProperties)<<16
	TagAbilityCameraType
	TagAbilityCameraConnectionType
	TagAbilityFocalLength
)

// センサー
const (
	TagSensorExposureTime = iota + uint32(SectionCameraSensor)<<16
	TagSensorColorCorrectionGains
	TagSensorOrientation
)

// センサー情報
const (
	TagSensorInfoActiveArraySize = iota + uint32(SectionCameraSensorInfo)<<16
	TagSensorInfoSensitivityRange
	TagSensorInfoPhysicalSize
)

// 統計
const (
	TagStatisticsFaceDetectMode = iota + uint32(SectionCameraStatistics)<<16
	TagAbilityStatisticsFaceDetectModes
	TagStatisticsFaceRectangles
)

// 制御
const (
	TagControlAEAntibandingMode = iota + uint32(SectionDeviceControl)<<16
	TagControlAEExposureCompensation
	TagControlAELock
	TagControlAEMode
	TagControlAERegions
	TagControlAETargetFPSRange
	TagControlFPSRanges
	TagControlAFMode
	TagAbilityAECompensationRange
	TagAbilityAECompensationStep
)

// 露出
const (
	TagAbilityExposureModes = iota + uint32(SectionDeviceExposure)<<16
	TagControlExposureMode
)

// フォーカス
const (
	TagAbilityFocusModes = iota + uint32(SectionDeviceFocus)<<16
	TagControlFocusMode
)

// フラッシュ
const (
	TagAbilityFlashModes = iota + uint32(SectionDeviceFlash)<<16
	TagControlFlashMode
	TagControlFlashState
	TagAbilityFlashAvailable
)

// ズーム
const (
	TagAbilityZoomRatioRange = iota + uint32(SectionDeviceZoom)<<16
	TagControlZoomRatio
)

// ストリーム
const (
	TagAbilityStreamAvailableBasicConfigurations = iota + uint32(SectionStreamAbility)<<16
)

// JPEG
const (
	TagJpegGPSCoordinates = iota + uint32(SectionStreamJpeg)<<16
	TagJpegOrientation
	TagJpegQuality
	TagJpegThumbnailSize
)

type tagInfo struct {
	name string
	typ  DataType
}

var tagTable = map[uint32]tagInfo{
	TagAbilityCameraPosition:       {"ability.camera_position", TypeByte},
	TagAbilityCameraType:           {"ability.camera_type", TypeByte},
	TagAbilityCameraConnectionType: {"ability.camera_connection_type", TypeByte},
	TagAbilityFocalLength:          {"ability.focal_length", TypeFloat},

	TagSensorExposureTime:         {"sensor.exposure_time", TypeInt64},
	TagSensorColorCorrectionGains: {"sensor.color_correction_gains", TypeFloat},
	TagSensorOrientation:          {"sensor.orientation", TypeInt32},

	TagSensorInfoActiveArraySize:  {"sensor_info.active_array_size", TypeInt32},
	TagSensorInfoSensitivityRange: {"sensor_info.sensitivity_range", TypeInt32},
	TagSensorInfoPhysicalSize:     {"sensor_info.physical_size", TypeFloat},

	TagStatisticsFaceDetectMode:         {"statistics.face_detect_mode", TypeByte},
	TagAbilityStatisticsFaceDetectModes: {"ability.face_detect_modes", TypeByte},
	TagStatisticsFaceRectangles:         {"statistics.face_rectangles", TypeFloat},

	TagControlAEAntibandingMode:      {"control.ae_antibanding_mode", TypeByte},
	TagControlAEExposureCompensation: {"control.ae_exposure_compensation", TypeInt32},
	TagControlAELock:                 {"control.ae_lock", TypeByte},
	TagControlAEMode:                 {"control.ae_mode", TypeByte},
	TagControlAERegions:              {"control.ae_regions", TypeFloat},
	TagControlAETargetFPSRange:       {"control.ae_target_fps_range", TypeInt32},
	TagControlFPSRanges:              {"control.fps_ranges", TypeInt32},
	TagControlAFMode:                 {"control.af_mode", TypeByte},
	TagAbilityAECompensationRange:    {"ability.ae_compensation_range", TypeInt32},
	TagAbilityAECompensationStep:     {"ability.ae_compensation_step", TypeRational},

	TagAbilityExposureModes: {"ability.exposure_modes", TypeByte},
	TagControlExposureMode:  {"control.exposure_mode", TypeByte},

	TagAbilityFocusModes: {"ability.focus_modes", TypeByte},
	TagControlFocusMode:  {"control.focus_mode", TypeByte},

	TagAbilityFlashModes:     {"ability.flash_modes", TypeByte},
	TagControlFlashMode:      {"control.flash_mode", TypeByte},
	TagControlFlashState:     {"control.flash_state", TypeByte},
	TagAbilityFlashAvailable: {"ability.flash_available", TypeByte},

	TagAbilityZoomRatioRange: {"ability.zoom_ratio_range", TypeFloat},
	TagControlZoomRatio:      {"control.zoom_ratio", TypeFloat},

	TagAbilityStreamAvailableBasicConfigurations: {"ability.stream_available_basic_configurations", TypeInt32},

	TagJpegGPSCoordinates: {"jpeg.gps_coordinates", TypeDouble},
	TagJpegOrientation:    {"jpeg.orientation", TypeInt32},
	TagJpegQuality:        {"jpeg.quality", TypeByte},
	TagJpegThumbnailSize:  {"jpeg.thumbnail_size", TypeInt32},
}

// TagSection はタグが属する区分を返す
func TagSection(tag uint32) Section {
	return Section(tag >> 16)
}

// Valid は区分が定義済みかを返す
func (s Section) Valid() bool {
	return s < sectionEnd
}

// TagType はタグに対応するデータ型を返す。未知のタグはfalse
func TagType(tag uint32) (DataType, bool) {
	info, ok := tagTable[tag]
	if !ok {
		return 0, false
	}
	return info.typ, true
}

// TagName はタグの表示名を返す
func TagName(tag uint32) string {
	if info, ok := tagTable[tag]; ok {
		return info.name
	}
	return fmt.Sprintf("unknown.0x%08x", tag)
}
