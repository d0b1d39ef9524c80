package metadata

import (
	"encoding/binary"
	"fmt"
)

const (
	headerSize       = 16
	recordHeaderSize = 12
)

// Encode はBufferをワイヤ形式に変換する
//
//	header: itemCapacity, itemCount, dataCapacity, dataSize (u32 LE)
//	record: tag, dataType, count (u32 LE), payload
func (b *Buffer) Encode() []byte {
	size := headerSize
	for _, e := range b.items {
		size += recordHeaderSize + len(e.Data)
	}

	le := binary.LittleEndian
	out := make([]byte, 0, size)
	out = le.AppendUint32(out, b.itemCapacity)
	out = le.AppendUint32(out, uint32(len(b.items)))
	out = le.AppendUint32(out, b.dataCapacity)
	out = le.AppendUint32(out, b.dataSize)
	for _, e := range b.items {
		out = le.AppendUint32(out, e.Tag)
		out = le.AppendUint32(out, uint32(e.Type))
		out = le.AppendUint32(out, e.Count)
		out = append(out, e.Data...)
	}
	return out
}

// Decode はワイヤ形式からBufferを復元する
func Decode(data []byte) (*Buffer, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("ヘッダーが短すぎます (%d バイト): %w", len(data), ErrMalformed)
	}

	le := binary.LittleEndian
	itemCapacity := min(le.Uint32(data[0:]), MaxItemCapacity)
	itemCount := le.Uint32(data[4:])
	dataCapacity := min(le.Uint32(data[8:]), MaxDataCapacity)
	dataSize := le.Uint32(data[12:])

	if itemCount > itemCapacity {
		return nil, fmt.Errorf("項目数 %d が容量 %d を超えています: %w", itemCount, itemCapacity, ErrMalformed)
	}

	b := New(itemCapacity, dataCapacity)
	rest := data[headerSize:]
	for i := uint32(0); i < itemCount; i++ {
		if len(rest) < recordHeaderSize {
			return nil, fmt.Errorf("項目 %d が途中で切れています: %w", i, ErrMalformed)
		}
		e := Entry{
			Tag:   le.Uint32(rest[0:]),
			Type:  DataType(le.Uint32(rest[4:])),
			Count: le.Uint32(rest[8:]),
		}
		rest = rest[recordHeaderSize:]

		if !e.Type.Valid() || e.Count == 0 {
			return nil, fmt.Errorf("%s の型または要素数が不正です: %w", TagName(e.Tag), ErrMalformed)
		}
		if want, known := TagType(e.Tag); known && want != e.Type {
			return nil, fmt.Errorf("%s の型が一致しません: %w", TagName(e.Tag), ErrMalformed)
		}

		n := uint64(e.Type.Size()) * uint64(e.Count)
		if uint64(len(rest)) < n {
			return nil, fmt.Errorf("%s のペイロードが途中で切れています: %w", TagName(e.Tag), ErrMalformed)
		}
		e.Data = rest[:n]
		rest = rest[n:]

		if b.indexOf(e.Tag) >= 0 {
			return nil, fmt.Errorf("%s が重複しています: %w", TagName(e.Tag), ErrMalformed)
		}
		if err := b.insert(e); err != nil {
			return nil, fmt.Errorf("%s: %w: %w", TagName(e.Tag), ErrMalformed, err)
		}
	}

	if len(rest) != 0 {
		return nil, fmt.Errorf("末尾に %d バイトの余分なデータがあります: %w", len(rest), ErrMalformed)
	}
	if b.dataSize != dataSize {
		return nil, fmt.Errorf("データサイズ %d が実際の %d と一致しません: %w", dataSize, b.dataSize, ErrMalformed)
	}

	return b, nil
}
