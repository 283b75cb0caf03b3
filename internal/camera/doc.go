// Package camera キャプチャセッションのライフサイクル管理を担う
//
// # 責務
// - キャプチャデバイスのオープンとセッション構築
// - ハンドル→セッションのレジストリ管理（ハンドルは再利用しない）
// - 配信スレッドからフレームシンクへのフレーム書き込み
// - 写真撮影・動画録画コマンドの調停
// - デバイス切断時のセッション強制クローズとイベント発火
//
// # 仕様
// - Session: Configuring → Running → Stopped の状態機械。
//   録画状態は独立したオーバーレイフラグとして管理する
// - FrameSink: 容量1の上書きバッファ。フレームはキューせず、
//   未消費のまま次が到着したら破棄する（鮮度優先）
// - Stop は配信ゴルーチンの完全停止まで同期的にブロックする。
//   セッション破棄とフレーム配信の競合を防ぐための意図的な barrier
// - エラーは InvalidArgument / IllegalState / NotFound /
//   OperationFailed / Unknown の分類で呼び出し元へ同期的に返す。
//   open後に非同期で発生したエラーはイベントチャンネルでのみ報告する
//
// # 前提要件
//   - v4l-utils: デバイス情報の取得に使用（本番バックエンド）
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: フレーム取得・静止画撮影・録画に使用（本番バックエンド）
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
