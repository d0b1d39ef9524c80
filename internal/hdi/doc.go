// Package hdi はカメラHDI（ハードウェア抽象層）との境界を定義する
//
// # 責務
// - ホスト・デバイス・ストリームオペレーターのインターフェース
// - ストリーム記述子とキャプチャ要求の型
// - 非同期通知のコールバック
// - プロセス内で動くVirtualHost
//
// # 仕様
// - 結果コードは RetCode として error で返す
// - 設定とアビリティはmetadataのワイヤ形式のバイト列でやり取りする
// - コールバックはHDI側のゴルーチンから呼ばれる
package hdi
