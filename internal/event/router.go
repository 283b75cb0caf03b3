package event

import (
	"sync"
)

// Category はイベントカテゴリを表す
type Category string

const (
	// CategoryError はランタイムエラーイベント
	CategoryError Category = "error"
	// CategoryStatus はステータス変化イベント
	CategoryStatus Category = "status"
	// CategoryButton はカメラボタンイベント
	CategoryButton Category = "button"
)

// Valid はカテゴリが既知の値かチェックする
func (c Category) Valid() bool {
	switch c {
	case CategoryError, CategoryStatus, CategoryButton:
		return true
	}
	return false
}

// Sink はイベントの配信先を表す
type Sink interface {
	// Send はペイロードを配信する。ベストエフォートであり、
	// 配信失敗をルーターへ伝搬してはならない
	Send(payload any)
}

// SinkFunc は関数をSinkとして扱うためのアダプター
type SinkFunc func(payload any)

// Send はペイロードを配信する
func (f SinkFunc) Send(payload any) {
	f(payload)
}

// ErrorDetail はエラーイベントの詳細
type ErrorDetail struct {
	Type   string `json:"type"`   // エラー種別
	Reason string `json:"reason"` // 人間可読なメッセージ
}

// ErrorPayload はerror_eventsチャンネルのペイロード
type ErrorPayload struct {
	CameraID int64       `json:"cameraId"`
	Error    ErrorDetail `json:"error"`
}

// StatusDetail はステータスイベントの詳細
type StatusDetail struct {
	StatusClass     string `json:"statusClass"`
	Event           string `json:"event"`
	Selector        string `json:"selector"`
	StatusAttribute string `json:"statusAttribute"`
	EventName       string `json:"eventName"`
}

// StatusPayload はstatus_eventsチャンネルのペイロード
type StatusPayload struct {
	CameraID int64        `json:"cameraId"`
	Payload  StatusDetail `json:"payload"`
}

// ButtonPayload はbutton_eventsチャンネルのペイロード
type ButtonPayload struct {
	CameraID int64 `json:"cameraId"`
	Button   int   `json:"button"`
	State    int   `json:"state"`
}

// DeviceEventAttached / DeviceEventDetached はデバイス接続イベントの種別
const (
	DeviceEventAttached = "attached"
	DeviceEventDetached = "detached"
)

// DevicePayload はプロセス全体のデバイス接続チャンネルのペイロード
type DevicePayload struct {
	Device string `json:"device"` // デバイス識別子
	Type   string `json:"type"`   // attached / detached
}

// sinkKey は (handle, category) の複合キー
type sinkKey struct {
	handle   int64
	category Category
}

// Router はカメラ毎・カテゴリ毎のイベント配信を管理する
type Router struct {
	mu         sync.Mutex
	sinks      map[sinkKey]Sink
	deviceSink Sink
}

// NewRouter は新しいRouterを作成する
func NewRouter() *Router {
	return &Router{
		sinks: make(map[sinkKey]Sink),
	}
}

// Attach は (handle, category) にシンクを登録する
// 既にシンクが登録されている場合は何もしない（冪等）
func (r *Router) Attach(handle int64, category Category, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sinkKey{handle: handle, category: category}
	if _, exists := r.sinks[key]; exists {
		return
	}
	r.sinks[key] = sink
}

// Detach は (handle, category) のシンクを解除する
// シンクが存在しない場合は何もしない
func (r *Router) Detach(handle int64, category Category) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sinks, sinkKey{handle: handle, category: category})
}

// DetachAll は指定ハンドルの全カテゴリのシンクを解除する
// セッションクローズ時の購読回収に使用する
func (r *Router) DetachAll(handle int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, category := range []Category{CategoryError, CategoryStatus, CategoryButton} {
		delete(r.sinks, sinkKey{handle: handle, category: category})
	}
}

// Attached は (handle, category) にシンクが登録されているか返す
func (r *Router) Attached(handle int64, category Category) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.sinks[sinkKey{handle: handle, category: category}]
	return exists
}

// Emit はシンクが登録されている場合のみペイロードを配信する
// 未登録の場合はバッファせず破棄する
func (r *Router) Emit(handle int64, category Category, payload any) {
	r.mu.Lock()
	sink, exists := r.sinks[sinkKey{handle: handle, category: category}]
	r.mu.Unlock()

	if !exists {
		return
	}
	sink.Send(payload)
}

// AttachDeviceSink はプロセス全体のデバイス接続チャンネルにシンクを登録する
// 既に登録されている場合は何もしない（冪等）
func (r *Router) AttachDeviceSink(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deviceSink != nil {
		return
	}
	r.deviceSink = sink
}

// DetachDeviceSink はデバイス接続チャンネルのシンクを解除する
func (r *Router) DetachDeviceSink() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deviceSink = nil
}

// EmitDevice はデバイス接続イベントを配信する
// シンクが未登録の場合は破棄する
func (r *Router) EmitDevice(payload DevicePayload) {
	r.mu.Lock()
	sink := r.deviceSink
	r.mu.Unlock()

	if sink == nil {
		return
	}
	sink.Send(payload)
}
