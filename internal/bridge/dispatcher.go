package bridge

import (
	"context"
	"errors"
	"fmt"

	"kakehashi/internal/camera"
	"kakehashi/internal/event"
)

// ErrNotImplemented は未知のコマンド名に対する結果
// 分類エラーとは区別して扱う
var ErrNotImplemented = errors.New("未実装のコマンドです")

// Args はコマンドの引数バッグ
// JSON経由で届くため、数値はfloat64としても現れる
type Args map[string]any

// Handler は1コマンド分の処理
type Handler func(ctx context.Context, args Args) (any, error)

// SinkProvider はイベント購読のattach時に配信シンクを供給する
// ホストブリッジのイベント配送トランスポートが実装する
type SinkProvider interface {
	// CameraSink は (handle, category) 向けのシンクを返す
	CameraSink(handle int64, category event.Category) event.Sink

	// DeviceSink はプロセス全体のデバイス接続チャンネル向けのシンクを返す
	DeviceSink() event.Sink
}

// Dispatcher はコマンド名からハンドラへの状態を持たないルーティングテーブル
type Dispatcher struct {
	backend       camera.Backend
	registry      *camera.Registry
	router        *event.Router
	sinks         SinkProvider
	defaultPreset camera.Preset
	handlers      map[string]Handler
}

// NewDispatcher は新しいDispatcherを作成する
// defaultPresetはopenCameraでプリセット省略時に使用する
func NewDispatcher(backend camera.Backend, registry *camera.Registry, router *event.Router, sinks SinkProvider, defaultPreset camera.Preset) *Dispatcher {
	d := &Dispatcher{
		backend:       backend,
		registry:      registry,
		router:        router,
		sinks:         sinks,
		defaultPreset: defaultPreset,
	}

	d.handlers = map[string]Handler{
		"isSupported":             d.isSupported,
		"getDevices":              d.getDevices,
		"requestDevicePermission": d.requestDevicePermission,
		"openCamera":              d.openCamera,
		"closeCamera":             d.closeCamera,
		"getCameraTextureId":      d.getCameraTextureID,
		"getSupportedModes":       d.getSupportedModes,
		"getPreviewMode":          d.getPreviewMode,
		"setPreviewMode":          d.setPreviewMode,
		"takePicture":             d.takePicture,
		"startVideoRecording":     d.startVideoRecording,
		"stopVideoRecording":      d.stopVideoRecording,

		"attachToCameraErrorCallback":  d.attachCallback(event.CategoryError),
		"detachToCameraErrorCallback":  d.detachCallback(event.CategoryError),
		"attachToCameraStatusCallback": d.attachCallback(event.CategoryStatus),
		"detachToCameraStatusCallback": d.detachCallback(event.CategoryStatus),
		"attachToCameraButtonCallback": d.attachCallback(event.CategoryButton),
		"detachToCameraButtonCallback": d.detachCallback(event.CategoryButton),

		"attachToDeviceCallback": d.attachDeviceCallback,
		"detachToDeviceCallback": d.detachDeviceCallback,
	}

	return d
}

// Dispatch はコマンド名でハンドラを解決して実行する
// 未知のコマンド名はErrNotImplementedとして解決する
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args Args) (any, error) {
	handler, exists := d.handlers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, name)
	}
	return handler(ctx, args)
}

// Commands は登録済みのコマンド名一覧を返す
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

func (d *Dispatcher) isSupported(_ context.Context, _ Args) (any, error) {
	return d.backend.Supported(), nil
}

func (d *Dispatcher) getDevices(ctx context.Context, _ Args) (any, error) {
	devices, err := d.backend.ScanDevices(ctx)
	if err != nil {
		return nil, camera.WrapError(camera.KindOperationFailed, err, "デバイス一覧の取得に失敗")
	}

	result := make(map[string]camera.DeviceDescriptor, len(devices))
	for _, device := range devices {
		result[device.ID] = device
	}
	return result, nil
}

func (d *Dispatcher) requestDevicePermission(ctx context.Context, _ Args) (any, error) {
	granted, err := d.backend.RequestPermission(ctx)
	if err != nil {
		return nil, camera.WrapError(camera.KindOperationFailed, err, "許可の要求に失敗")
	}
	return granted, nil
}

func (d *Dispatcher) openCamera(ctx context.Context, args Args) (any, error) {
	deviceName, err := argString(args, "deviceName")
	if err != nil {
		return nil, err
	}

	// プリセットは省略可能。省略時は設定のデフォルトプリセット、
	// 未知の値は最大解像度にフォールバックする
	preset, _ := args["resolutionPreset"].(string)
	if preset == "" {
		preset = string(d.defaultPreset)
	}

	handle, err := d.registry.Open(ctx, deviceName, camera.Preset(preset))
	if err != nil {
		return nil, err
	}
	return int64(handle), nil
}

func (d *Dispatcher) closeCamera(ctx context.Context, args Args) (any, error) {
	handle, err := argHandle(args)
	if err != nil {
		return nil, err
	}
	return nil, d.registry.Close(ctx, handle)
}

func (d *Dispatcher) getCameraTextureID(_ context.Context, args Args) (any, error) {
	session, err := d.session(args)
	if err != nil {
		return nil, err
	}
	return session.TextureID(), nil
}

func (d *Dispatcher) getSupportedModes(_ context.Context, args Args) (any, error) {
	session, err := d.session(args)
	if err != nil {
		return nil, err
	}
	return session.SupportedModes(), nil
}

func (d *Dispatcher) getPreviewMode(_ context.Context, args Args) (any, error) {
	session, err := d.session(args)
	if err != nil {
		return nil, err
	}
	return session.CurrentMode(), nil
}

func (d *Dispatcher) setPreviewMode(ctx context.Context, args Args) (any, error) {
	session, err := d.session(args)
	if err != nil {
		return nil, err
	}

	mode, err := argMode(args, "previewMode")
	if err != nil {
		return nil, err
	}
	return nil, session.SetPreviewMode(ctx, mode)
}

func (d *Dispatcher) takePicture(ctx context.Context, args Args) (any, error) {
	session, err := d.session(args)
	if err != nil {
		return nil, err
	}
	return session.TakePicture(ctx)
}

func (d *Dispatcher) startVideoRecording(ctx context.Context, args Args) (any, error) {
	session, err := d.session(args)
	if err != nil {
		return nil, err
	}

	// 録画モードは省略可能。省略時は現在のプレビュージオメトリを使う
	var mode camera.PreviewMode
	if _, exists := args["videoRecordingMode"]; exists {
		mode, err = argMode(args, "videoRecordingMode")
		if err != nil {
			return nil, err
		}
	}
	return session.StartRecording(ctx, mode)
}

func (d *Dispatcher) stopVideoRecording(ctx context.Context, args Args) (any, error) {
	session, err := d.session(args)
	if err != nil {
		return nil, err
	}
	return nil, session.StopRecording(ctx)
}

// attachCallback は指定カテゴリのイベント購読を確立するハンドラを返す
// 既に購読が存在する場合は何もしない（冪等）
func (d *Dispatcher) attachCallback(category event.Category) Handler {
	return func(_ context.Context, args Args) (any, error) {
		handle, err := argHandle(args)
		if err != nil {
			return nil, err
		}
		d.router.Attach(int64(handle), category, d.sinks.CameraSink(int64(handle), category))
		return nil, nil
	}
}

// detachCallback は指定カテゴリのイベント購読を解除するハンドラを返す
// 購読が存在しない場合も何もしない
func (d *Dispatcher) detachCallback(category event.Category) Handler {
	return func(_ context.Context, args Args) (any, error) {
		handle, err := argHandle(args)
		if err != nil {
			return nil, err
		}
		d.router.Detach(int64(handle), category)
		return nil, nil
	}
}

func (d *Dispatcher) attachDeviceCallback(_ context.Context, _ Args) (any, error) {
	d.router.AttachDeviceSink(d.sinks.DeviceSink())
	return nil, nil
}

func (d *Dispatcher) detachDeviceCallback(_ context.Context, _ Args) (any, error) {
	d.router.DetachDeviceSink()
	return nil, nil
}

// session は引数バッグのcameraIdからセッションを解決する
func (d *Dispatcher) session(args Args) (*camera.Session, error) {
	handle, err := argHandle(args)
	if err != nil {
		return nil, err
	}
	return d.registry.Get(handle)
}

// argHandle はcameraIdをハンドルとして取り出す
func argHandle(args Args) (camera.Handle, error) {
	value, exists := args["cameraId"]
	if !exists {
		return 0, camera.NewError(camera.KindInvalidArgument, "cameraIdが指定されていません")
	}

	var handle int64
	switch v := value.(type) {
	case float64:
		handle = int64(v)
	case int:
		handle = int64(v)
	case int64:
		handle = v
	default:
		return 0, camera.NewError(camera.KindInvalidArgument, "cameraIdが数値ではありません: %T", value)
	}

	if handle <= 0 {
		return 0, camera.NewError(camera.KindInvalidArgument, "cameraIdが不正です: %d", handle)
	}
	return camera.Handle(handle), nil
}

// argString は必須の文字列引数を取り出す
func argString(args Args, key string) (string, error) {
	value, exists := args[key]
	if !exists {
		return "", camera.NewError(camera.KindInvalidArgument, "%sが指定されていません", key)
	}

	s, ok := value.(string)
	if !ok || s == "" {
		return "", camera.NewError(camera.KindInvalidArgument, "%sが文字列ではありません", key)
	}
	return s, nil
}

// argMode はプレビューモードの引数を取り出す
func argMode(args Args, key string) (camera.PreviewMode, error) {
	value, exists := args[key]
	if !exists {
		return camera.PreviewMode{}, camera.NewError(camera.KindInvalidArgument, "%sが指定されていません", key)
	}

	raw, ok := value.(map[string]any)
	if !ok {
		return camera.PreviewMode{}, camera.NewError(camera.KindInvalidArgument, "%sがオブジェクトではありません", key)
	}

	width, err := numberField(raw, "width")
	if err != nil {
		return camera.PreviewMode{}, camera.NewError(camera.KindInvalidArgument, "%s.widthが不正です", key)
	}
	height, err := numberField(raw, "height")
	if err != nil {
		return camera.PreviewMode{}, camera.NewError(camera.KindInvalidArgument, "%s.heightが不正です", key)
	}

	pixelFormat, _ := raw["pixelFormat"].(string)

	mode := camera.PreviewMode{Width: width, Height: height, PixelFormat: pixelFormat}
	if !mode.Valid() {
		return camera.PreviewMode{}, camera.NewError(camera.KindInvalidArgument, "%sのサイズが不正です: %dx%d", key, width, height)
	}
	return mode, nil
}

// numberField はJSON数値フィールドをintとして取り出す
func numberField(raw map[string]any, key string) (int, error) {
	value, exists := raw[key]
	if !exists {
		return 0, fmt.Errorf("フィールドがありません: %s", key)
	}

	switch v := value.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	}
	return 0, fmt.Errorf("数値ではありません: %s", key)
}
