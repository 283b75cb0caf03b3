package bridge

import (
	"fmt"
	"sync"

	"kakehashi/internal/camera"
)

// MemoryTextureRegistry はテクスチャレジストリのインメモリ実装
// フレームシンクをテクスチャIDに対応付け、再描画通知を数える
type MemoryTextureRegistry struct {
	mu      sync.Mutex
	nextID  int64
	sinks   map[int64]*camera.FrameSink
	repaint map[int64]uint64
}

// NewMemoryTextureRegistry は新しいMemoryTextureRegistryを作成する
func NewMemoryTextureRegistry() *MemoryTextureRegistry {
	return &MemoryTextureRegistry{
		sinks:   make(map[int64]*camera.FrameSink),
		repaint: make(map[int64]uint64),
	}
}

// Register はフレームシンクをテクスチャとして登録しIDを返す
func (r *MemoryTextureRegistry) Register(sink *camera.FrameSink) (int64, error) {
	if sink == nil {
		return 0, fmt.Errorf("フレームシンクがnilです")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.sinks[id] = sink
	return id, nil
}

// Unregister はテクスチャ登録を解除する
func (r *MemoryTextureRegistry) Unregister(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sinks, id)
	delete(r.repaint, id)
}

// NotifyFrame は新フレームの到着を記録する
// 配信スレッドから呼ばれるためブロックしない
func (r *MemoryTextureRegistry) NotifyFrame(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sinks[id]; !exists {
		return
	}
	r.repaint[id]++
}

// Latest は描画経路向けに最新フレームのコピーを取得する
func (r *MemoryTextureRegistry) Latest(id int64) ([]byte, bool) {
	r.mu.Lock()
	sink, exists := r.sinks[id]
	r.mu.Unlock()

	if !exists {
		return nil, false
	}
	return sink.Latest()
}

// RepaintCount はこれまでの再描画通知数を返す（テスト用）
func (r *MemoryTextureRegistry) RepaintCount(id int64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.repaint[id]
}
