// Package metadata はカメラのアビリティと設定を表すタグ付きバイナリ領域を扱う
//
// # 責務
// - タグをキーとする項目の追加・更新・検索・削除
// - 容量不足時の領域拡張（複製してから差し替える）
// - デバイス設定・アビリティ交換に使うワイヤ形式への変換
//
// # 仕様
// - タグは一意。上位16ビットが区分、下位16ビットが区分内の番号
// - 4バイト以下のペイロードは項目内に格納し、データ容量を消費しない
// - それ以外は8バイト境界に揃えた長さを消費する
// - 排他制御は行わない
package metadata
