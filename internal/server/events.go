package server

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kakehashi/internal/event"
)

// deviceChannel はデバイス接続チャンネル用の擬似カテゴリ
const deviceChannel = "device"

// writeWait はWebSocket書き込みの上限時間
// 応答しないクライアントはこの時間で切り離す
const writeWait = 5 * time.Second

// hubKey はWebSocket購読のキー
// デバイスチャンネルは handle=0, category="device" で表す
type hubKey struct {
	handle   int64
	category string
}

// hubConn は書き込みを直列化したWebSocket接続
// gorilla/websocketは同時書き込みを許さないため、接続毎のロックで保護する
type hubConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// writeJSON は期限付きでペイロードを書き込む
func (c *hubConn) writeJSON(payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(payload)
}

// EventHub はイベントチャンネル毎のWebSocket接続を管理する
// イベントルーターのシンクとして振る舞い、届いたペイロードを
// 該当チャンネルの全接続へブロードキャストする
type EventHub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[hubKey]map[*hubConn]bool
}

// NewEventHub は新しいEventHubを作成する
func NewEventHub() *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[hubKey]map[*hubConn]bool),
	}
}

// CameraSink は (handle, category) 向けの配信シンクを返す
func (h *EventHub) CameraSink(handle int64, category event.Category) event.Sink {
	key := hubKey{handle: handle, category: string(category)}
	return event.SinkFunc(func(payload any) {
		h.broadcast(key, payload)
	})
}

// DeviceSink はデバイス接続チャンネル向けの配信シンクを返す
func (h *EventHub) DeviceSink() event.Sink {
	key := hubKey{category: deviceChannel}
	return event.SinkFunc(func(payload any) {
		h.broadcast(key, payload)
	})
}

// Subscribe はHTTP接続をWebSocketへ昇格し、チャンネルに登録する
// クライアント切断まで読み取りループでブロックする
func (h *EventHub) Subscribe(w http.ResponseWriter, r *http.Request, handle int64, category string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket接続の昇格に失敗: %v", err)
		return
	}

	key := hubKey{handle: handle, category: category}
	subscriber := &hubConn{conn: conn}

	h.mu.Lock()
	if h.conns[key] == nil {
		h.conns[key] = make(map[*hubConn]bool)
	}
	h.conns[key][subscriber] = true
	h.mu.Unlock()

	defer func() {
		_ = conn.Close()
		h.mu.Lock()
		delete(h.conns[key], subscriber)
		h.mu.Unlock()
	}()

	// 切断検知のための読み取りループ
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// broadcast はチャンネルの全接続へペイロードを配信する
// 書き込みはハブのロックの外で行い、遅いクライアントが
// 配信スレッドや他チャンネルのemitを止めないようにする。
// 書き込みに失敗した接続はクローズして除去する
func (h *EventHub) broadcast(key hubKey, payload any) {
	h.mu.Lock()
	subscribers := make([]*hubConn, 0, len(h.conns[key]))
	for subscriber := range h.conns[key] {
		subscribers = append(subscribers, subscriber)
	}
	h.mu.Unlock()

	for _, subscriber := range subscribers {
		if err := subscriber.writeJSON(payload); err != nil {
			log.Printf("イベントの配信に失敗: %v", err)
			_ = subscriber.conn.Close()

			h.mu.Lock()
			delete(h.conns[key], subscriber)
			h.mu.Unlock()
		}
	}
}

// SubscriberCount はチャンネルの現在の接続数を返す（テスト用）
func (h *EventHub) SubscriberCount(handle int64, category string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[hubKey{handle: handle, category: category}])
}
