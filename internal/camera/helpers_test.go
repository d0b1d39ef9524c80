package camera

import (
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"camerad/internal/hdi"
	"camerad/internal/metadata"
)

var (
	previewConfig = metadata.StreamConfiguration{Format: metadata.FormatYCrCb420SP, Width: 640, Height: 480}
	videoConfig   = metadata.StreamConfiguration{Format: metadata.FormatYCrCb420SP, Width: 1280, Height: 720}
	photoConfig   = metadata.StreamConfiguration{Format: metadata.FormatJPEG, Width: 1920, Height: 1080}
)

// recordingProducer は受け取ったフレームを記録する
type recordingProducer struct {
	mu     sync.Mutex
	frames []hdi.Buffer
}

func (p *recordingProducer) Produce(buf hdi.Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, buf)
	return nil
}

func (p *recordingProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

type failingProducer struct{}

func (failingProducer) Produce(hdi.Buffer) error { return errors.New("consumer gone") }

// recordingSink は全種類の通知を記録する
type recordingSink struct {
	mu         sync.Mutex
	started    []int32
	ended      []int32
	shutter    []int32
	streamErrs []error
	errs       []error
	status     map[string]Status
}

func (r *recordingSink) OnCaptureStarted(captureID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, captureID)
}

func (r *recordingSink) OnCaptureEnded(captureID int32, _ int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, captureID)
}

func (r *recordingSink) OnCaptureError(_ int32, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamErrs = append(r.streamErrs, err)
}

func (r *recordingSink) OnFrameShutter(captureID int32, _ uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutter = append(r.shutter, captureID)
}

func (r *recordingSink) OnSessionError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingSink) OnDeviceError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingSink) OnCameraStatus(cameraID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == nil {
		r.status = make(map[string]Status)
	}
	r.status[cameraID] = status
}

func (r *recordingSink) OnFlashlightStatus(string, hdi.FlashlightStatus) {}

func (r *recordingSink) statusOf(cameraID string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.status[cameraID]
	return st, ok
}

// sinkRecord はrecordingSinkの記録の写し
type sinkRecord struct {
	started    []int32
	ended      []int32
	shutter    []int32
	streamErrs []error
	errs       []error
}

func (r *recordingSink) snapshot() sinkRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sinkRecord{
		started:    append([]int32(nil), r.started...),
		ended:      append([]int32(nil), r.ended...),
		shutter:    append([]int32(nil), r.shutter...),
		streamErrs: append([]error(nil), r.streamErrs...),
		errs:       append([]error(nil), r.errs...),
	}
}

func newVirtualCamera(t *testing.T, id string, configs ...metadata.StreamConfiguration) hdi.VirtualCamera {
	t.Helper()
	cam, err := hdi.NewVirtualCamera(id, 0, configs)
	if err != nil {
		t.Fatalf("NewVirtualCamera failed: %v", err)
	}
	return cam
}

// newTestHost はcam0（全構成）とcam1（プレビューと静止画のみ）を持つホストを作成する
func newTestHost(t *testing.T) *hdi.VirtualHost {
	t.Helper()
	h := hdi.NewVirtualHost(
		newVirtualCamera(t, "cam0", previewConfig, videoConfig, photoConfig),
		newVirtualCamera(t, "cam1", previewConfig, photoConfig),
	)
	t.Cleanup(h.Close)
	return h
}

type testEnv struct {
	host     *hdi.VirtualHost
	arbiter  *DeviceArbiter
	registry *SessionRegistry
	t        *testing.T
}

func newTestEnv(t *testing.T, arbiter ArbiterPolicy, registry RegistryPolicy) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return &testEnv{
		host:     newTestHost(t),
		arbiter:  NewDeviceArbiter(arbiter, logger),
		registry: NewSessionRegistry(registry, logger),
		t:        t,
	}
}

func (e *testEnv) device(id string) *CameraDevice {
	e.t.Helper()
	dev, err := NewCameraDevice(e.host, e.arbiter, id, zaptest.NewLogger(e.t))
	if err != nil {
		e.t.Fatalf("NewCameraDevice failed: %v", err)
	}
	return dev
}

func (e *testEnv) session(pid int) *CaptureSession {
	return NewCaptureSession(pid, e.registry, SessionOptions{Logger: zaptest.NewLogger(e.t)})
}

func newPreview() *RepeatStream {
	return NewPreviewStream(&recordingProducer{}, previewConfig.Format, previewConfig.Width, previewConfig.Height, nil)
}

func newVideo() *RepeatStream {
	return NewVideoStream(&recordingProducer{}, videoConfig.Format, videoConfig.Width, videoConfig.Height, nil)
}

func newPhoto() *CaptureStream {
	return NewPhotoStream(&recordingProducer{}, photoConfig.Format, photoConfig.Width, photoConfig.Height, nil)
}

// commit は1回分の構成変更をまとめて行う
func commit(t *testing.T, s *CaptureSession, dev *CameraDevice, streams ...Stream) {
	t.Helper()
	if err := s.BeginConfig(); err != nil {
		t.Fatalf("BeginConfig failed: %v", err)
	}
	if dev != nil {
		if err := s.AddInput(dev); err != nil {
			t.Fatalf("AddInput failed: %v", err)
		}
	}
	for _, st := range streams {
		if err := s.AddOutput(st); err != nil {
			t.Fatalf("AddOutput failed: %v", err)
		}
	}
	if err := s.CommitConfig(); err != nil {
		t.Fatalf("CommitConfig failed: %v", err)
	}
}

// nopCallbacks はHDIの通知を捨てる
type nopCallbacks struct{}

func (nopCallbacks) OnError(hdi.DeviceErrorType, int32)          {}
func (nopCallbacks) OnResult(uint64, []byte)                      {}
func (nopCallbacks) OnCaptureStarted(int32, []int32)              {}
func (nopCallbacks) OnCaptureEnded(int32, []hdi.CaptureEndedInfo) {}
func (nopCallbacks) OnCaptureError(int32, []hdi.CaptureErrorInfo) {}
func (nopCallbacks) OnFrameShutter(int32, []int32, uint64)        {}
