// Package bridge ホストブリッジとの契約とコマンドディスパッチを担う
//
// # 責務
// - コマンド名→ハンドラの状態を持たないルーティング
// - 引数バッグの検証と、結果・失敗のレスポンス形式への変換
// - テクスチャレジストリのインメモリ実装
//
// # 仕様
// - 失敗は camera.Error の分類（invalidArgument / illegalState /
//   notFound / operationFailed / unknown）を持つ構造化エラーとして返す
// - 未知のコマンド名は全ての分類エラーと区別される
//   「未実装」（ErrNotImplemented）として解決する
// - 引数バッグはJSON由来の map[string]any。数値はfloat64としても届く
package bridge
