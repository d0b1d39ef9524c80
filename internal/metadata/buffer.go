package metadata

import "fmt"

const (
	dataAlignment = 8

	// MaxItemCapacity は拡張後の項目数の上限
	MaxItemCapacity = 1000 * 10
	// MaxDataCapacity は拡張後のデータ容量の上限
	MaxDataCapacity = 1000 * 10 * 10
)

func alignTo(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// Buffer はタグをキーとするメタデータ領域
// 内部で排他制御は行わない。複数ゴルーチンで共有する場合は呼び出し側でロックすること
type Buffer struct {
	itemCapacity uint32
	dataCapacity uint32
	dataSize     uint32
	items        []Entry
}

// New は指定容量の空のBufferを作成する
// 容量はMaxItemCapacity/MaxDataCapacityで頭打ちにする
func New(itemCapacity, dataCapacity uint32) *Buffer {
	itemCapacity = min(itemCapacity, MaxItemCapacity)
	dataCapacity = min(dataCapacity, MaxDataCapacity)
	return &Buffer{
		itemCapacity: itemCapacity,
		dataCapacity: alignTo(dataCapacity, dataAlignment),
		items:        make([]Entry, 0, itemCapacity),
	}
}

// ItemCapacity は格納可能な項目数を返す
func (b *Buffer) ItemCapacity() uint32 { return b.itemCapacity }

// DataCapacity はデータ領域の容量を返す
func (b *Buffer) DataCapacity() uint32 { return b.dataCapacity }

// DataSize はデータ領域の使用量を返す
func (b *Buffer) DataSize() uint32 { return b.dataSize }

// Len は項目数を返す
func (b *Buffer) Len() int { return len(b.items) }

func (b *Buffer) indexOf(tag uint32) int {
	for i := range b.items {
		if b.items[i].Tag == tag {
			return i
		}
	}
	return -1
}

// AddEntry はタグを追加する
// 既存のタグは追加できない（UpdateEntryを使う）。容量が足りない場合は拡張した領域へ
// 全項目を複製してから差し替えるため、失敗時は元の内容が保たれる
func (b *Buffer) AddEntry(tag uint32, data any) error {
	if b.indexOf(tag) >= 0 {
		return fmt.Errorf("%s: %w", TagName(tag), ErrItemExists)
	}

	e, err := newEntry(tag, data)
	if err != nil {
		return err
	}

	return b.add(e)
}

func (b *Buffer) add(e Entry) error {
	if err := b.insert(e); err == nil {
		return nil
	}
	return b.growAndAdd(e)
}

// insert は容量内に収まる場合だけ項目を追加する
func (b *Buffer) insert(e Entry) error {
	if uint32(len(b.items)) >= b.itemCapacity {
		return ErrItemCapacityExceeded
	}
	need := e.dataSize()
	if b.dataSize+need > b.dataCapacity {
		return ErrDataCapacityExceeded
	}

	b.items = append(b.items, e.clone())
	b.dataSize += need
	return nil
}

func (b *Buffer) growAndAdd(e Entry) error {
	itemCapacity := min((b.itemCapacity+1)*2, MaxItemCapacity)
	dataCapacity := min((b.dataCapacity+e.dataSize())*2, MaxDataCapacity)

	grown := New(itemCapacity, dataCapacity)
	for _, item := range b.items {
		if err := grown.insert(item); err != nil {
			return fmt.Errorf("既存項目の複製に失敗: %w: %w", ErrAllocation, err)
		}
	}
	if err := grown.insert(e); err != nil {
		return fmt.Errorf("%s の追加に失敗: %w: %w", TagName(e.Tag), ErrAllocation, err)
	}

	*b = *grown
	return nil
}

// UpdateEntry は既存タグの値を置き換える。領域の拡張は行わない
func (b *Buffer) UpdateEntry(tag uint32, data any) error {
	i := b.indexOf(tag)
	if i < 0 {
		return fmt.Errorf("%s: %w", TagName(tag), ErrItemNotFound)
	}

	e, err := newEntry(tag, data)
	if err != nil {
		return err
	}

	old := b.items[i].dataSize()
	if b.dataSize-old+e.dataSize() > b.dataCapacity {
		return fmt.Errorf("%s: %w", TagName(tag), ErrDataCapacityExceeded)
	}

	b.items[i] = e
	b.dataSize = b.dataSize - old + e.dataSize()
	return nil
}

// FindEntry はタグの値を返す
// 項目が1件もない場合は ErrEmptyBuffer、タグがない場合は ErrItemNotFound
func (b *Buffer) FindEntry(tag uint32) (Entry, error) {
	if len(b.items) == 0 {
		return Entry{}, ErrEmptyBuffer
	}
	i := b.indexOf(tag)
	if i < 0 {
		return Entry{}, fmt.Errorf("%s: %w", TagName(tag), ErrItemNotFound)
	}
	return b.items[i].clone(), nil
}

// DeleteEntry はタグを削除する
func (b *Buffer) DeleteEntry(tag uint32) error {
	i := b.indexOf(tag)
	if i < 0 {
		return fmt.Errorf("%s: %w", TagName(tag), ErrItemNotFound)
	}

	b.dataSize -= b.items[i].dataSize()
	b.items = append(b.items[:i], b.items[i+1:]...)
	return nil
}

// Entries は全項目の複製を追加順に返す
func (b *Buffer) Entries() []Entry {
	out := make([]Entry, len(b.items))
	for i, e := range b.items {
		out[i] = e.clone()
	}
	return out
}

// Clone は同じ容量と内容を持つ複製を返す
func (b *Buffer) Clone() *Buffer {
	c := &Buffer{
		itemCapacity: b.itemCapacity,
		dataCapacity: b.dataCapacity,
		dataSize:     b.dataSize,
		items:        make([]Entry, len(b.items), b.itemCapacity),
	}
	for i, e := range b.items {
		c.items[i] = e.clone()
	}
	return c
}

// Merge はsrcの各項目を追加または上書きする
// 途中で失敗した場合は何も反映しない
func (b *Buffer) Merge(src *Buffer) error {
	if src == nil {
		return nil
	}

	merged := b.Clone()
	for _, e := range src.items {
		if i := merged.indexOf(e.Tag); i >= 0 {
			merged.dataSize -= merged.items[i].dataSize()
			merged.items = append(merged.items[:i], merged.items[i+1:]...)
		}
		if err := merged.add(e); err != nil {
			return fmt.Errorf("%s のマージに失敗: %w", TagName(e.Tag), err)
		}
	}

	*b = *merged
	return nil
}
