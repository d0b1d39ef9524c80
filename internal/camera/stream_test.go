package camera

import (
	"errors"
	"testing"

	"camerad/internal/hdi"
	"camerad/internal/metadata"
)

// openOperator はcam0を直接開いてオペレーターとアビリティを返す
func openOperator(t *testing.T, host *hdi.VirtualHost) (hdi.StreamOperator, *metadata.Buffer) {
	t.Helper()
	raw, err := host.GetCameraAbility("cam0")
	if err != nil {
		t.Fatalf("GetCameraAbility failed: %v", err)
	}
	ability, err := metadata.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	dev, err := host.OpenCamera("cam0", nopCallbacks{})
	if err != nil {
		t.Fatalf("OpenCamera failed: %v", err)
	}
	op, err := dev.GetStreamOperator(nopCallbacks{})
	if err != nil {
		t.Fatalf("GetStreamOperator failed: %v", err)
	}
	return op, ability
}

func TestStream_LinkInput(t *testing.T) {
	host := newTestHost(t)
	op, ability := openOperator(t, host)

	tests := []struct {
		name     string
		stream   Stream
		operator hdi.StreamOperator
		id       int32
		wantErr  error
	}{
		{"オペレーターなし", newPreview(), nil, 1, ErrInvalidArgument},
		{"ストリームID 0", newPreview(), op, 0, ErrInvalidArgument},
		{"アビリティにないサイズ", NewPreviewStream(&recordingProducer{}, metadata.FormatYCrCb420SP, 320, 240, nil), op, 1, ErrInvalidSessionConfig},
		{"アビリティにないフォーマット", NewPhotoStream(&recordingProducer{}, metadata.FormatRGBA8888, 1920, 1080, nil), op, 1, ErrInvalidSessionConfig},
		{"メタデータはサイズを検査しない", NewMetadataStream(&recordingProducer{}, metadata.FormatYCrCb420SP, nil), op, 1, nil},
		{"プレビュー", newPreview(), op, 3, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.stream.LinkInput(tt.operator, ability, tt.id)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				if tt.stream.StreamID() != 0 {
					t.Errorf("Failed link should leave stream id unset, got %d", tt.stream.StreamID())
				}
				return
			}
			if err != nil {
				t.Fatalf("LinkInput failed: %v", err)
			}
			if tt.stream.StreamID() != tt.id {
				t.Errorf("Expected stream id %d, got %d", tt.id, tt.stream.StreamID())
			}
		})
	}
}

func TestStream_SetStreamInfo(t *testing.T) {
	host := newTestHost(t)
	op, ability := openOperator(t, host)

	tests := []struct {
		name   string
		stream Stream
		intent hdi.StreamIntent
		encode hdi.EncodeType
		format hdi.PixelFormat
		width  int32
		height int32
	}{
		{"プレビュー", newPreview(), hdi.IntentPreview, hdi.EncodeNull, hdi.PixelFmtYCrCb420SP, 640, 480},
		{"動画", newVideo(), hdi.IntentVideo, hdi.EncodeH264, hdi.PixelFmtYCrCb420SP, 1280, 720},
		{"静止画", newPhoto(), hdi.IntentStillCapture, hdi.EncodeJPEG, hdi.PixelFmtBlob, 1920, 1080},
		{"メタデータ", NewMetadataStream(&recordingProducer{}, metadata.FormatYCrCb420SP, nil), hdi.IntentAnalyze, hdi.EncodeNull, hdi.PixelFmtYCrCb420SP, 0, 0},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := int32(i + 1)
			if err := tt.stream.LinkInput(op, ability, id); err != nil {
				t.Fatalf("LinkInput failed: %v", err)
			}
			info := tt.stream.SetStreamInfo()
			if info.StreamID != id {
				t.Errorf("StreamID = %d, want %d", info.StreamID, id)
			}
			if info.Intent != tt.intent {
				t.Errorf("Intent = %d, want %d", info.Intent, tt.intent)
			}
			if info.EncodeType != tt.encode {
				t.Errorf("EncodeType = %d, want %d", info.EncodeType, tt.encode)
			}
			if info.Format != tt.format {
				t.Errorf("Format = %d, want %d", info.Format, tt.format)
			}
			if info.Width != tt.width || info.Height != tt.height {
				t.Errorf("Size = %dx%d, want %dx%d", info.Width, info.Height, tt.width, tt.height)
			}
			if !info.TunneledMode || info.DataSpace != 8 {
				t.Errorf("Unexpected tunneled=%v dataspace=%d", info.TunneledMode, info.DataSpace)
			}
			if info.Producer == nil {
				t.Error("Producer should be set")
			}
		})
	}
}

func TestStream_Release(t *testing.T) {
	host := newTestHost(t)
	op, ability := openOperator(t, host)

	s := newPreview()
	if err := s.LinkInput(op, ability, 1); err != nil {
		t.Fatalf("LinkInput failed: %v", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Second Release failed: %v", err)
	}
	if s.StreamID() != 0 {
		t.Errorf("Released stream should have no id, got %d", s.StreamID())
	}
	if err := s.LinkInput(op, ability, 2); !errors.Is(err, ErrInvalidState) {
		t.Errorf("LinkInput after Release: expected ErrInvalidState, got %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Start after Release: expected ErrInvalidState, got %v", err)
	}
}

func TestRepeatStream_StartStopTwice(t *testing.T) {
	env := newTestEnv(t, ArbiterStrict, RegistryPerClient)
	s := env.session(1)
	preview := newPreview()
	commit(t, s, env.device("cam0"), preview)

	if err := preview.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Stop before Start: expected ErrInvalidState, got %v", err)
	}
	if err := preview.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := preview.Start(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Second Start: expected ErrInvalidState, got %v", err)
	}
	if preview.ActiveCaptureID() != 1 {
		t.Errorf("Expected capture id 1, got %d", preview.ActiveCaptureID())
	}
	if err := preview.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := preview.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Second Stop: expected ErrInvalidState, got %v", err)
	}
}

func TestStream_Unlinked(t *testing.T) {
	preview := newPreview()
	if err := preview.Start(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Start unlinked: expected ErrInvalidState, got %v", err)
	}
	photo := newPhoto()
	if _, err := photo.Capture(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Capture unlinked: expected ErrInvalidState, got %v", err)
	}
	if _, err := photo.CaptureWithSettings(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil settings: expected ErrInvalidArgument, got %v", err)
	}
	if newVideo().Kind() != KindVideo || preview.Kind() != KindPreview {
		t.Errorf("Unexpected kinds: %s / %s", newVideo().Kind(), preview.Kind())
	}
}

func TestParseStreamKind(t *testing.T) {
	for k := KindPreview; k <= KindMetadata; k++ {
		got, ok := ParseStreamKind(k.String())
		if !ok || got != k {
			t.Errorf("ParseStreamKind(%q) = %v, %v", k.String(), got, ok)
		}
	}
	if _, ok := ParseStreamKind("depth"); ok {
		t.Error("Unknown kind should not parse")
	}
}

func TestPixelFormatOf(t *testing.T) {
	tests := []struct {
		name   string
		format int32
		want   hdi.PixelFormat
	}{
		{"RGBA", metadata.FormatRGBA8888, hdi.PixelFmtRGBA8888},
		{"YCbCr420", metadata.FormatYCbCr420888, hdi.PixelFmtYCbCr420P},
		{"JPEG", metadata.FormatJPEG, hdi.PixelFmtBlob},
		{"YCrCb420SP", metadata.FormatYCrCb420SP, hdi.PixelFmtYCrCb420SP},
		{"不明なフォーマット", 99, hdi.PixelFmtYCrCb420SP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pixelFormatOf(tt.format); got != tt.want {
				t.Errorf("pixelFormatOf(%d) = %d, want %d", tt.format, got, tt.want)
			}
		})
	}
}
