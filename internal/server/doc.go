// Package server ホストブリッジのHTTP/WebSocketトランスポートを担う
//
// # 責務
// - コマンドサーフェスのHTTP公開（POST /api/commands/:name）
// - イベントチャンネルのWebSocket配信（/ws/device, /ws/cameras/...）
// - 描画経路向けの最新フレーム取得エンドポイント
// - グレースフルシャットダウン
//
// # 仕様
// - ルーティングはgin-gonic/ginを使用
// - WebSocketはgorilla/websocketを使用
// - 分類エラーはHTTPステータスへ変換する
//   (invalidArgument→400, notFound→404, illegalState→409,
//   operationFailed/unknown→500, 未実装→501)
// - イベントのWebSocket購読は接続の登録のみで、配信の有効化は
//   attachコマンドがイベントルーターへシンクを登録した時に始まる
package server
