package camera

import (
	"sync"
)

// FrameSink は1カメラ分の最新フレームを保持する容量1のバッファ
// 書き込み（配信スレッド）と読み出し（描画経路）は短い
// クリティカルセクションで相互排他され、どちらもブロックしない
type FrameSink struct {
	mu    sync.Mutex
	frame []byte
	seq   uint64
}

// NewFrameSink は新しいFrameSinkを作成する
func NewFrameSink() *FrameSink {
	return &FrameSink{}
}

// Store は最新フレームを上書きする
// 未消費のフレームはキューせず破棄する（鮮度優先）
func (s *FrameSink) Store(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frame = frame
	s.seq++
}

// Latest は最新フレームのコピーを返す
// フレームが未到着の場合は false を返す
func (s *FrameSink) Latest() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frame == nil {
		return nil, false
	}

	frame := make([]byte, len(s.frame))
	copy(frame, s.frame)
	return frame, true
}

// Seq はこれまでに書き込まれたフレーム数を返す
func (s *FrameSink) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}
