package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrItemExists           = errors.New("タグは既に存在します")
	ErrItemNotFound         = errors.New("タグが見つかりません")
	ErrEmptyBuffer          = errors.New("メタデータが空です")
	ErrInvalidTag           = errors.New("未定義のタグです")
	ErrTypeMismatch         = errors.New("タグのデータ型が一致しません")
	ErrInvalidPayload       = errors.New("不正なペイロードです")
	ErrItemCapacityExceeded = errors.New("項目数の上限を超えています")
	ErrDataCapacityExceeded = errors.New("データ容量の上限を超えています")
	ErrAllocation           = errors.New("メタデータ領域を確保できません")
	ErrMalformed            = errors.New("メタデータの形式が不正です")
)

// IsNotFound はタグが存在しないことを表すエラーかを返す
func IsNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound) || errors.Is(err, ErrEmptyBuffer)
}

// DataType はエントリの要素型
type DataType uint32

const (
	TypeByte DataType = iota
	TypeInt32
	TypeUint32
	TypeFloat
	TypeInt64
	TypeDouble
	TypeRational
)

var dataTypeSizes = [...]int{1, 4, 4, 4, 8, 8, 8}

var dataTypeNames = [...]string{"byte", "int32", "uint32", "float", "int64", "double", "rational"}

// Size は要素1個あたりのバイト数を返す
func (t DataType) Size() int {
	if !t.Valid() {
		return 0
	}
	return dataTypeSizes[t]
}

// Valid は定義済みの型かを返す
func (t DataType) Valid() bool {
	return int(t) < len(dataTypeSizes)
}

func (t DataType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("DataType(%d)", uint32(t))
	}
	return dataTypeNames[t]
}

// Rational は分数値
type Rational struct {
	Numerator   int32 `json:"numerator"`
	Denominator int32 `json:"denominator"`
}

// Entry はタグ1件分のデータ
// Data はリトルエンディアンで並べた要素列
type Entry struct {
	Tag   uint32
	Type  DataType
	Count uint32
	Data  []byte
}

// dataSize はデータ領域の消費量を返す。4バイト以下は項目内に格納されるため0
func (e Entry) dataSize() uint32 {
	return payloadDataSize(e.Type, e.Count)
}

func payloadDataSize(t DataType, count uint32) uint32 {
	n := uint32(t.Size()) * count
	if n <= 4 {
		return 0
	}
	return alignTo(n, dataAlignment)
}

func (e Entry) clone() Entry {
	e.Data = append([]byte(nil), e.Data...)
	return e
}

// newEntry は型付きスライスからエントリを作成する
func newEntry(tag uint32, data any) (Entry, error) {
	want, ok := TagType(tag)
	if !ok {
		return Entry{}, fmt.Errorf("タグ 0x%08x: %w", tag, ErrInvalidTag)
	}

	typ, count, payload, err := encodePayload(data)
	if err != nil {
		return Entry{}, err
	}
	if typ != want {
		return Entry{}, fmt.Errorf("%s は %s 型ですが %s が渡されました: %w", TagName(tag), want, typ, ErrTypeMismatch)
	}
	if count == 0 {
		return Entry{}, fmt.Errorf("%s の要素数が0です: %w", TagName(tag), ErrInvalidPayload)
	}

	return Entry{Tag: tag, Type: typ, Count: count, Data: payload}, nil
}

func encodePayload(data any) (DataType, uint32, []byte, error) {
	le := binary.LittleEndian
	switch v := data.(type) {
	case []uint8:
		return TypeByte, uint32(len(v)), append([]byte(nil), v...), nil
	case []int32:
		buf := make([]byte, 0, len(v)*4)
		for _, x := range v {
			buf = le.AppendUint32(buf, uint32(x))
		}
		return TypeInt32, uint32(len(v)), buf, nil
	case []uint32:
		buf := make([]byte, 0, len(v)*4)
		for _, x := range v {
			buf = le.AppendUint32(buf, x)
		}
		return TypeUint32, uint32(len(v)), buf, nil
	case []float32:
		buf := make([]byte, 0, len(v)*4)
		for _, x := range v {
			buf = le.AppendUint32(buf, math.Float32bits(x))
		}
		return TypeFloat, uint32(len(v)), buf, nil
	case []int64:
		buf := make([]byte, 0, len(v)*8)
		for _, x := range v {
			buf = le.AppendUint64(buf, uint64(x))
		}
		return TypeInt64, uint32(len(v)), buf, nil
	case []float64:
		buf := make([]byte, 0, len(v)*8)
		for _, x := range v {
			buf = le.AppendUint64(buf, math.Float64bits(x))
		}
		return TypeDouble, uint32(len(v)), buf, nil
	case []Rational:
		buf := make([]byte, 0, len(v)*8)
		for _, x := range v {
			buf = le.AppendUint32(buf, uint32(x.Numerator))
			buf = le.AppendUint32(buf, uint32(x.Denominator))
		}
		return TypeRational, uint32(len(v)), buf, nil
	default:
		return 0, 0, nil, fmt.Errorf("未対応のデータ %T: %w", data, ErrInvalidPayload)
	}
}

func (e Entry) expect(t DataType) error {
	if e.Type != t {
		return fmt.Errorf("%s は %s 型です: %w", TagName(e.Tag), e.Type, ErrTypeMismatch)
	}
	return nil
}

// Uint8s はbyte型の値を返す
func (e Entry) Uint8s() ([]uint8, error) {
	if err := e.expect(TypeByte); err != nil {
		return nil, err
	}
	return append([]uint8(nil), e.Data...), nil
}

// Int32s はint32型の値を返す
func (e Entry) Int32s() ([]int32, error) {
	if err := e.expect(TypeInt32); err != nil {
		return nil, err
	}
	out := make([]int32, e.Count)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(e.Data[i*4:]))
	}
	return out, nil
}

// Uint32s はuint32型の値を返す
func (e Entry) Uint32s() ([]uint32, error) {
	if err := e.expect(TypeUint32); err != nil {
		return nil, err
	}
	out := make([]uint32, e.Count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(e.Data[i*4:])
	}
	return out, nil
}

// Float32s はfloat型の値を返す
func (e Entry) Float32s() ([]float32, error) {
	if err := e.expect(TypeFloat); err != nil {
		return nil, err
	}
	out := make([]float32, e.Count)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(e.Data[i*4:]))
	}
	return out, nil
}

// Int64s はint64型の値を返す
func (e Entry) Int64s() ([]int64, error) {
	if err := e.expect(TypeInt64); err != nil {
		return nil, err
	}
	out := make([]int64, e.Count)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(e.Data[i*8:]))
	}
	return out, nil
}

// Float64s はdouble型の値を返す
func (e Entry) Float64s() ([]float64, error) {
	if err := e.expect(TypeDouble); err != nil {
		return nil, err
	}
	out := make([]float64, e.Count)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(e.Data[i*8:]))
	}
	return out, nil
}

// Rationals はrational型の値を返す
func (e Entry) Rationals() ([]Rational, error) {
	if err := e.expect(TypeRational); err != nil {
		return nil, err
	}
	out := make([]Rational, e.Count)
	for i := range out {
		out[i] = Rational{
			Numerator:   int32(binary.LittleEndian.Uint32(e.Data[i*8:])),
			Denominator: int32(binary.LittleEndian.Uint32(e.Data[i*8+4:])),
		}
	}
	return out, nil
}

// Values は型に応じたスライスを返す。表示用
func (e Entry) Values() any {
	var (
		v   any
		err error
	)
	switch e.Type {
	case TypeByte:
		v, err = e.Uint8s()
	case TypeInt32:
		v, err = e.Int32s()
	case TypeUint32:
		v, err = e.Uint32s()
	case TypeFloat:
		v, err = e.Float32s()
	case TypeInt64:
		v, err = e.Int64s()
	case TypeDouble:
		v, err = e.Float64s()
	case TypeRational:
		v, err = e.Rationals()
	default:
		return nil
	}
	if err != nil {
		return nil
	}
	return v
}
