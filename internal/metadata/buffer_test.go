package metadata

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestBuffer_AddFindDirect(t *testing.T) {
	b := New(10, 100)

	if err := b.AddEntry(TagAbilityAECompensationRange, []int32{-2, 3}); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}
	if err := b.AddEntry(TagAbilityFocalLength, []float32{4.5}); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}
	if err := b.AddEntry(TagAbilityStatisticsFaceDetectModes, []uint8{0, 1, 2}); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}

	// 容量内なので拡張されない
	if b.ItemCapacity() != 10 || b.DataCapacity() != 104 {
		t.Fatalf("Expected capacities (10, 104), got (%d, %d)", b.ItemCapacity(), b.DataCapacity())
	}

	e, err := b.FindEntry(TagAbilityAECompensationRange)
	if err != nil {
		t.Fatalf("FindEntry failed: %v", err)
	}
	if e.Type != TypeInt32 || e.Count != 2 {
		t.Fatalf("Expected int32 x2, got %s x%d", e.Type, e.Count)
	}
	values, err := e.Int32s()
	if err != nil {
		t.Fatalf("Int32s failed: %v", err)
	}
	if values[0] != -2 || values[1] != 3 {
		t.Errorf("Expected [-2 3], got %v", values)
	}

	modes, err := b.FindEntry(TagAbilityStatisticsFaceDetectModes)
	if err != nil {
		t.Fatalf("FindEntry failed: %v", err)
	}
	if !bytes.Equal(modes.Data, []byte{0, 1, 2}) || modes.Count != 3 {
		t.Errorf("Unexpected payload %v (count %d)", modes.Data, modes.Count)
	}
}

func TestBuffer_AddFindGrow(t *testing.T) {
	b := New(1, 8)

	if err := b.AddEntry(TagSensorOrientation, []int32{90}); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}

	// 項目数が足りないので拡張される
	fps := []int32{15, 30, 30, 60}
	if err := b.AddEntry(TagControlFPSRanges, fps); err != nil {
		t.Fatalf("AddEntry with growth failed: %v", err)
	}
	if b.ItemCapacity() != 4 || b.DataCapacity() != 48 {
		t.Fatalf("Expected grown capacities (4, 48), got (%d, %d)", b.ItemCapacity(), b.DataCapacity())
	}

	gps := []float64{35.68, 139.76}
	if err := b.AddEntry(TagJpegGPSCoordinates, gps); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}
	if b.DataSize() != 32 {
		t.Errorf("Expected data size 32, got %d", b.DataSize())
	}

	// 拡張前に追加した項目も残っている
	e, err := b.FindEntry(TagSensorOrientation)
	if err != nil {
		t.Fatalf("FindEntry failed: %v", err)
	}
	if v, _ := e.Int32s(); len(v) != 1 || v[0] != 90 {
		t.Errorf("Expected [90], got %v", v)
	}

	e, err = b.FindEntry(TagControlFPSRanges)
	if err != nil {
		t.Fatalf("FindEntry failed: %v", err)
	}
	got, _ := e.Int32s()
	for i := range fps {
		if got[i] != fps[i] {
			t.Fatalf("Expected %v, got %v", fps, got)
		}
	}

	e, err = b.FindEntry(TagJpegGPSCoordinates)
	if err != nil {
		t.Fatalf("FindEntry failed: %v", err)
	}
	if v, _ := e.Float64s(); v[0] != gps[0] || v[1] != gps[1] {
		t.Errorf("Expected %v, got %v", gps, v)
	}
}

func TestBuffer_AddDuplicateLeavesBufferUnchanged(t *testing.T) {
	b := New(2, 16)
	if err := b.AddEntry(TagControlAEExposureCompensation, []int32{1}); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}
	before := b.Encode()

	err := b.AddEntry(TagControlAEExposureCompensation, []int32{2})
	if !errors.Is(err, ErrItemExists) {
		t.Fatalf("Expected ErrItemExists, got %v", err)
	}
	if !bytes.Equal(before, b.Encode()) {
		t.Error("Buffer changed after duplicate AddEntry")
	}
}

func TestBuffer_UpdateEntry(t *testing.T) {
	b := New(2, 8)
	if err := b.AddEntry(TagControlZoomRatio, []float32{1.0}); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}
	before := b.Encode()

	// 存在しないタグの更新は失敗し、内容は変わらない
	if err := b.UpdateEntry(TagControlAEMode, []uint8{1}); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("Expected ErrItemNotFound, got %v", err)
	}
	if !bytes.Equal(before, b.Encode()) {
		t.Fatal("Buffer changed after UpdateEntry on absent tag")
	}

	// 容量を超える更新は拡張せずに失敗する
	if err := b.UpdateEntry(TagControlZoomRatio, []float32{1, 2, 3, 4}); !errors.Is(err, ErrDataCapacityExceeded) {
		t.Fatalf("Expected ErrDataCapacityExceeded, got %v", err)
	}
	if !bytes.Equal(before, b.Encode()) {
		t.Fatal("Buffer changed after failed UpdateEntry")
	}

	if err := b.UpdateEntry(TagControlZoomRatio, []float32{2.5, 3}); err != nil {
		t.Fatalf("UpdateEntry failed: %v", err)
	}
	e, err := b.FindEntry(TagControlZoomRatio)
	if err != nil {
		t.Fatalf("FindEntry failed: %v", err)
	}
	if v, _ := e.Float32s(); len(v) != 2 || v[0] != 2.5 || v[1] != 3 {
		t.Errorf("Expected [2.5 3], got %v", v)
	}
	if b.DataSize() != 8 {
		t.Errorf("Expected data size 8, got %d", b.DataSize())
	}
}

func TestBuffer_FindEmptyAndAbsent(t *testing.T) {
	b := New(4, 32)

	if _, err := b.FindEntry(TagControlAEMode); !errors.Is(err, ErrEmptyBuffer) {
		t.Fatalf("Expected ErrEmptyBuffer, got %v", err)
	}

	if err := b.AddEntry(TagControlAELock, []uint8{1}); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}
	_, err := b.FindEntry(TagControlAEMode)
	if !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("Expected ErrItemNotFound, got %v", err)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound should report absent tag")
	}
}

func TestBuffer_DataSizeAccounting(t *testing.T) {
	testCases := []struct {
		name string
		tag  uint32
		data any
		want uint32
	}{
		{"byte x3 is inline", TagAbilityFlashModes, []uint8{0, 1, 2}, 0},
		{"int32 x1 is inline", TagSensorOrientation, []int32{0}, 0},
		{"byte x5 is aligned", TagAbilityFocusModes, []uint8{0, 1, 2, 3, 4}, 8},
		{"int32 x3 is aligned", TagSensorInfoActiveArraySize, []int32{0, 0, 4000}, 16},
		{"rational x1", TagAbilityAECompensationStep, []Rational{{1, 3}}, 8},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := New(1, 64)
			if err := b.AddEntry(tc.tag, tc.data); err != nil {
				t.Fatalf("AddEntry failed: %v", err)
			}
			if b.DataSize() != tc.want {
				t.Errorf("Expected data size %d, got %d", tc.want, b.DataSize())
			}
		})
	}
}

func TestBuffer_AddRejectsInvalidEntries(t *testing.T) {
	testCases := []struct {
		name    string
		tag     uint32
		data    any
		wantErr error
	}{
		{"unknown tag", 0xffff0001, []int32{1}, ErrInvalidTag},
		{"type mismatch", TagControlAEMode, []int32{1}, ErrTypeMismatch},
		{"empty payload", TagControlAEMode, []uint8{}, ErrInvalidPayload},
		{"unsupported go type", TagControlAEMode, "on", ErrInvalidPayload},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := New(2, 16)
			if err := b.AddEntry(tc.tag, tc.data); !errors.Is(err, tc.wantErr) {
				t.Fatalf("Expected %v, got %v", tc.wantErr, err)
			}
			if b.Len() != 0 {
				t.Errorf("Expected empty buffer, got %d items", b.Len())
			}
		})
	}
}

func TestBuffer_GrowthLimit(t *testing.T) {
	b := New(2, 16)
	if err := b.AddEntry(TagSensorOrientation, []int32{0}); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}
	before := b.Encode()

	huge := make([]uint8, MaxDataCapacity+1)
	err := b.AddEntry(TagAbilityFlashModes, huge)
	if !errors.Is(err, ErrAllocation) {
		t.Fatalf("Expected ErrAllocation, got %v", err)
	}
	if !bytes.Equal(before, b.Encode()) {
		t.Error("Buffer changed after failed growth")
	}
}

func TestNew_ClampsCapacity(t *testing.T) {
	testCases := []struct {
		name     string
		items    uint32
		data     uint32
		wantItem uint32
		wantData uint32
	}{
		{"上限内", 4, 30, 4, 32},
		{"上限ちょうど", MaxItemCapacity, MaxDataCapacity, MaxItemCapacity, MaxDataCapacity},
		{"最大値", math.MaxUint32, math.MaxUint32, MaxItemCapacity, MaxDataCapacity},
		{"整列で桁あふれする値", 1, math.MaxUint32 - 3, 1, MaxDataCapacity},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := New(tc.items, tc.data)
			if b.ItemCapacity() != tc.wantItem || b.DataCapacity() != tc.wantData {
				t.Fatalf("Expected capacities (%d, %d), got (%d, %d)",
					tc.wantItem, tc.wantData, b.ItemCapacity(), b.DataCapacity())
			}
			if err := b.AddEntry(TagAbilityFocalLength, []float32{4.5}); err != nil {
				t.Errorf("AddEntry failed: %v", err)
			}
		})
	}
}

func TestBuffer_DeleteEntry(t *testing.T) {
	b := New(4, 64)
	_ = b.AddEntry(TagControlFPSRanges, []int32{15, 30})
	_ = b.AddEntry(TagControlAEMode, []uint8{1})

	if err := b.DeleteEntry(TagControlFPSRanges); err != nil {
		t.Fatalf("DeleteEntry failed: %v", err)
	}
	if b.Len() != 1 || b.DataSize() != 0 {
		t.Fatalf("Expected 1 item and 0 bytes, got %d items and %d bytes", b.Len(), b.DataSize())
	}
	if err := b.DeleteEntry(TagControlFPSRanges); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Expected ErrItemNotFound, got %v", err)
	}

	// 削除後は再追加できる
	if err := b.AddEntry(TagControlFPSRanges, []int32{30, 30}); err != nil {
		t.Errorf("AddEntry after delete failed: %v", err)
	}
}

func TestBuffer_Merge(t *testing.T) {
	base := New(2, 8)
	_ = base.AddEntry(TagControlAEMode, []uint8{0})
	_ = base.AddEntry(TagControlZoomRatio, []float32{1})

	update := New(2, 16)
	_ = update.AddEntry(TagControlAEMode, []uint8{1})
	_ = update.AddEntry(TagControlFPSRanges, []int32{30, 30})

	if err := base.Merge(update); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if base.Len() != 3 {
		t.Fatalf("Expected 3 items, got %d", base.Len())
	}

	e, _ := base.FindEntry(TagControlAEMode)
	if v, _ := e.Uint8s(); v[0] != 1 {
		t.Errorf("Expected merged AE mode 1, got %v", v)
	}
	if _, err := base.FindEntry(TagControlZoomRatio); err != nil {
		t.Errorf("Existing entry lost after merge: %v", err)
	}
}

func TestBuffer_CloneIsIndependent(t *testing.T) {
	b := New(2, 16)
	_ = b.AddEntry(TagControlAEExposureCompensation, []int32{1})

	c := b.Clone()
	if err := c.UpdateEntry(TagControlAEExposureCompensation, []int32{2}); err != nil {
		t.Fatalf("UpdateEntry failed: %v", err)
	}

	e, _ := b.FindEntry(TagControlAEExposureCompensation)
	if v, _ := e.Int32s(); v[0] != 1 {
		t.Errorf("Original changed through clone: %v", v)
	}
}
