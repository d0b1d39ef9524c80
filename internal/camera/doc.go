// Package camera カメラデバイスとキャプチャセッションのライフサイクルを管理する
//
// # 責務
// - 入力デバイス（CameraDevice）のオープン・クローズと設定更新
// - 出力ストリーム（プレビュー・動画・静止画・メタデータ）の作成とリンク
// - CaptureSessionによる構成のステージング・コミット・ロールバック
// - キャプチャIDの種類別の払い出し
// - HDIの戻り値と非同期通知のエラー変換
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - カメラの入出力構成をまとめて変更したい
// - 構成の変更に失敗したとき元の構成に戻したい
// - キャプチャの開始・終了・エラー通知をストリームごとに受け取りたい
//
// # 仕様
// - Service: カメラ一覧・デバイス・セッション・ストリームの作成窓口
// - CaptureSession: BeginConfig → Add/Remove → CommitConfig の順に操作する
// - DeviceArbiter: 同時に開けるデバイスを制限する
// - SessionRegistry: pidごとのセッションを管理する
// - キャプチャID: プレビュー 1-100、静止画 101-200、動画 201-300、メタデータ 301-400
// - HDIからの通知は別ゴルーチンで届く。通知先の中から同じオブジェクトのSetCallbackを呼んではいけない
package camera
