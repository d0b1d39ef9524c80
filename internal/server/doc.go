// Package server は、カメラ制御のREST APIとイベント配信を提供します。
//
// ルーティングはGinで行い、リクエストは埋め込みのopenapi.yamlで検証します。
// セッションのイベントはWebSocketで配信します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - カメラ一覧、アビリティ、ライトの操作
//   - キャプチャセッションの作成、開始、停止、解放
//   - ストリーム単位の撮影と継続キャプチャの制御
//   - キャプチャ通知とエラー通知のWebSocket配信
//
// 仕様:
//   - 1回のPOST /api/sessions で入力と出力を構成し、コミットまで行う
//   - カメラのエラーはErrorResponseのerrorにエラーコードとして返す
//   - 遅い購読者のイベントは捨てる（HDIの通知を止めない）
package server
