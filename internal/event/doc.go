// Package event カメラ単位・カテゴリ単位のイベント配信を担う
//
// # 責務
// - カメラハンドル×カテゴリ（error/status/button）毎の配信シンク管理
// - プロセス全体のデバイス接続・切断イベントの配信
// - ネイティブ側イベント生成とホストブリッジ配信の分離
//
// # 仕様
// - (handle, category) 毎にシンクは最大1つ。attachは冪等で、
//   既にシンクがある場合は何もしない
// - detachはシンクが存在しない場合も安全に呼び出せる
// - emitはシンクが存在する場合のみ配信し、存在しない場合は
//   バッファせず黙って破棄する（バックプレッシャーなし）
// - デバイス接続イベントはハンドルに紐付かないプロセス全体の
//   チャンネルで配信する（openより前に発生するため）
// - 全ての操作は単一のミューテックスで同期される
package event
