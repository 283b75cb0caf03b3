package camera

import (
	"context"
	"sort"
)

// Handle はオープン中のキャプチャセッションを識別する正の整数
// レジストリが単調増加で割り当て、プロセス生存中は再利用しない
type Handle int64

// DeviceDescriptor はキャプチャデバイスの識別情報
// 列挙後は不変として扱う
type DeviceDescriptor struct {
	ID             string `json:"id"`             // 列挙間で安定な識別子
	Name           string `json:"name"`           // 表示名
	DeviceClass    int    `json:"deviceClass"`    // デバイスクラス
	DeviceSubclass int    `json:"deviceSubclass"` // デバイスサブクラス
	VendorID       int    `json:"vendorId"`       // ベンダーID
	ProductID      int    `json:"productId"`      // プロダクトID
}

// PreviewMode はネゴシエート済みのフレームジオメトリ
type PreviewMode struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	PixelFormat string `json:"pixelFormat"`
}

// Valid はモードのタプルが整形かチェックする
func (m PreviewMode) Valid() bool {
	return m.Width > 0 && m.Height > 0
}

// Area はピクセル面積を返す
func (m PreviewMode) Area() int {
	return m.Width * m.Height
}

// Preset はオープン時に要求する解像度ティア
type Preset string

const (
	PresetMin    Preset = "min"
	PresetLow    Preset = "low"
	PresetMedium Preset = "medium"
	PresetHigh   Preset = "high"
	PresetMax    Preset = "max"
)

// presetLines はプリセット毎の目標ライン数
var presetLines = map[Preset]int{
	PresetMin:    0, // 最小モードを選択
	PresetLow:    480,
	PresetMedium: 720,
	PresetHigh:   1080,
}

// NormalizeModes はモード一覧を (width, height) で重複排除し、
// ピクセル面積の昇順に整列する。同面積の順序は幅で決定的にする
func NormalizeModes(modes []PreviewMode) []PreviewMode {
	type sizeKey struct{ w, h int }
	seen := make(map[sizeKey]struct{}, len(modes))

	result := make([]PreviewMode, 0, len(modes))
	for _, mode := range modes {
		key := sizeKey{w: mode.Width, h: mode.Height}
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, mode)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Area() != result[j].Area() {
			return result[i].Area() < result[j].Area()
		}
		return result[i].Width < result[j].Width
	})

	return result
}

// NegotiateMode はプリセットに最も近いサポート済みモードを選択する
// 未知のプリセットは最大のモードにフォールバックする
func NegotiateMode(modes []PreviewMode, preset Preset) (PreviewMode, bool) {
	normalized := NormalizeModes(modes)
	if len(normalized) == 0 {
		return PreviewMode{}, false
	}

	if preset == PresetMin {
		return normalized[0], true
	}

	target, known := presetLines[preset]
	if !known {
		// max および未知のプリセットは最大モード
		return normalized[len(normalized)-1], true
	}

	// 目標ライン数以上で最小のモードを選択する
	for _, mode := range normalized {
		if mode.Height >= target {
			return mode, true
		}
	}
	return normalized[len(normalized)-1], true
}

// NotificationKind はバックエンド通知の種別
type NotificationKind string

const (
	// NotificationError はランタイムエラー・中断
	NotificationError NotificationKind = "error"
	// NotificationStatus はステータス変化
	NotificationStatus NotificationKind = "status"
	// NotificationButton はカメラボタン操作
	NotificationButton NotificationKind = "button"
)

// Notification はバックエンドから非同期に届く通知
// open済みセッションで発生したエラーはこの経路でのみ報告される
type Notification struct {
	Kind NotificationKind

	// Kind == NotificationError
	ErrorType string
	Reason    string

	// Kind == NotificationStatus
	StatusClass     string
	Event           string
	Selector        string
	StatusAttribute string
	EventName       string

	// Kind == NotificationButton
	Button int
	State  int
}

// TextureRegistry はホストブリッジのテクスチャレジストリとの契約
// セッションはフレームシンクを登録し、新フレーム到着を通知する
type TextureRegistry interface {
	// Register はフレームシンクをテクスチャとして登録しIDを返す
	Register(sink *FrameSink) (int64, error)

	// Unregister はテクスチャ登録を解除する
	Unregister(id int64)

	// NotifyFrame は新しいフレームの到着を通知する
	// 配信スレッドから呼ばれるためブロックしてはならない
	NotifyFrame(id int64)
}

// Backend はキャプチャバックエンドとの契約
// デバイス列挙・フォーマットネゴシエーション・エンコードは
// バックエンドに委譲する
type Backend interface {
	// Supported はこの環境でキャプチャが利用可能かを返す
	Supported() bool

	// RequestPermission はデバイスアクセス許可を要求する
	RequestPermission(ctx context.Context) (bool, error)

	// ScanDevices は利用可能なデバイス一覧を取得する
	ScanDevices(ctx context.Context) ([]DeviceDescriptor, error)

	// SupportedModes はデバイスが広告するフレームジオメトリ一覧を取得する
	SupportedModes(ctx context.Context, deviceID string) ([]PreviewMode, error)

	// OpenPipeline はデバイスを指定モードで開きパイプラインを構築する
	OpenPipeline(ctx context.Context, deviceID string, mode PreviewMode) (Pipeline, error)
}

// Pipeline は構成済みのキャプチャパイプライン
// フレームと通知は専用の配信ゴルーチンが消費する
type Pipeline interface {
	// Start はフレーム配信を開始する
	Start(ctx context.Context) error

	// Stop はフレーム配信を同期的に停止する
	// 停止後、FramesとNotificationsのチャンネルはクローズされる
	Stop(ctx context.Context) error

	// Frames はデコード済みフレームのチャンネルを返す
	Frames() <-chan []byte

	// Notifications はランタイム通知のチャンネルを返す
	Notifications() <-chan Notification

	// SupportedModes はデバイスが広告するモード一覧を返す
	SupportedModes() []PreviewMode

	// CurrentMode は現在アクティブなモードを返す
	CurrentMode() PreviewMode

	// SetMode はアクティブなフォーマットを切り替える
	SetMode(ctx context.Context, mode PreviewMode) error

	// CapturePhoto は静止画撮影を発行する
	// 完了はチャンネルで一度だけ通知される
	CapturePhoto(ctx context.Context, path string) <-chan error

	// StartRecording は指定パスへの録画を開始する
	StartRecording(ctx context.Context, path string, mode PreviewMode) error

	// StopRecording は録画ファイルを確定する
	StopRecording(ctx context.Context) error

	// Close はパイプラインを破棄しデバイスを解放する
	Close(ctx context.Context) error
}
