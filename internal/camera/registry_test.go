package camera

import (
	"context"
	"testing"

	"kakehashi/internal/event"
)

func newTestRegistry(t *testing.T) (*Registry, *MockBackend, *event.Router) {
	t.Helper()

	backend := NewMockBackend(
		DeviceDescriptor{ID: "/dev/video0", Name: "テストカメラ 1"},
		DeviceDescriptor{ID: "/dev/video2", Name: "テストカメラ 2"},
	)
	router := event.NewRouter()
	registry := NewRegistry(backend, newMockTextures(), router, t.TempDir(), 0)

	if err := registry.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start registry: %v", err)
	}
	return registry, backend, router
}

func TestRegistry_OpenAssignsMonotonicHandles(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := registry.Open(ctx, "テストカメラ 1", PresetMax)
	if err != nil {
		t.Fatalf("Failed to open camera: %v", err)
	}
	second, err := registry.Open(ctx, "テストカメラ 2", PresetMax)
	if err != nil {
		t.Fatalf("Failed to open camera: %v", err)
	}

	if first == second {
		t.Errorf("Handles must be distinct: %d", first)
	}
	if second <= first {
		t.Errorf("Handles must be monotonically increasing: %d then %d", first, second)
	}

	if err := registry.Close(ctx, first); err != nil {
		t.Fatalf("Failed to close camera: %v", err)
	}

	// クローズ後もハンドルは再利用されない
	third, err := registry.Open(ctx, "テストカメラ 1", PresetMax)
	if err != nil {
		t.Fatalf("Failed to reopen camera: %v", err)
	}
	if third <= second {
		t.Errorf("Handle was reused: %d after %d", third, second)
	}
}

func TestRegistry_OpenByID(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	// 名前の代わりにデバイスIDでも開ける
	handle, err := registry.Open(ctx, "/dev/video0", PresetMax)
	if err != nil {
		t.Fatalf("Failed to open camera by ID: %v", err)
	}

	session, err := registry.Get(handle)
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if session.Device().ID != "/dev/video0" {
		t.Errorf("Unexpected device: %s", session.Device().ID)
	}
}

func TestRegistry_OpenErrors(t *testing.T) {
	registry, backend, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := registry.Open(ctx, "", PresetMax); KindOf(err) != KindInvalidArgument {
		t.Errorf("Expected InvalidArgument for empty name, got %v", err)
	}

	if _, err := registry.Open(ctx, "存在しないカメラ", PresetMax); KindOf(err) != KindNotFound {
		t.Errorf("Expected NotFound for unknown device, got %v", err)
	}

	backend.SetFailOpen(true)
	if _, err := registry.Open(ctx, "テストカメラ 1", PresetMax); KindOf(err) != KindOperationFailed {
		t.Errorf("Expected OperationFailed on pipeline failure, got %v", err)
	}
}

func TestRegistry_OpenStartFailureReleasesTexture(t *testing.T) {
	backend := NewMockBackend(
		DeviceDescriptor{ID: "/dev/video0", Name: "テストカメラ 1"},
	)
	backend.SetFailStart(true)

	textures := newMockTextures()
	registry := NewRegistry(backend, textures, event.NewRouter(), t.TempDir(), 0)
	ctx := context.Background()

	if err := registry.Start(ctx); err != nil {
		t.Fatalf("Failed to start registry: %v", err)
	}

	if _, err := registry.Open(ctx, "テストカメラ 1", PresetMax); KindOf(err) != KindOperationFailed {
		t.Fatalf("Expected OperationFailed on start failure, got %v", err)
	}

	// 失敗したopenがテクスチャ枠を残さないこと
	if textures.RegisteredCount() != 0 {
		t.Errorf("Expected no registered textures after failed open, got %d", textures.RegisteredCount())
	}
	if registry.Count() != 0 {
		t.Errorf("Expected no sessions after failed open, got %d", registry.Count())
	}

	// 失敗後も正常なopenは可能
	backend.SetFailStart(false)
	if _, err := registry.Open(ctx, "テストカメラ 1", PresetMax); err != nil {
		t.Errorf("Expected open to succeed after recovery: %v", err)
	}
	if textures.RegisteredCount() != 1 {
		t.Errorf("Expected 1 registered texture, got %d", textures.RegisteredCount())
	}
}

func TestRegistry_OpenWithPreset(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	// mediumプリセットは720pへネゴシエートされる
	handle, err := registry.Open(ctx, "テストカメラ 1", PresetMedium)
	if err != nil {
		t.Fatalf("Failed to open camera: %v", err)
	}

	session, err := registry.Get(handle)
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}

	mode := session.CurrentMode()
	if mode.Width != 1280 || mode.Height != 720 {
		t.Errorf("Expected 1280x720 for medium preset, got %dx%d", mode.Width, mode.Height)
	}
	if session.State() != StateRunning {
		t.Errorf("Expected running session, got %s", session.State())
	}
}

func TestRegistry_CloseInvalidatesHandle(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	handle, err := registry.Open(ctx, "テストカメラ 1", PresetMax)
	if err != nil {
		t.Fatalf("Failed to open camera: %v", err)
	}
	if registry.Count() != 1 {
		t.Fatalf("Expected 1 session, got %d", registry.Count())
	}

	if err := registry.Close(ctx, handle); err != nil {
		t.Fatalf("Failed to close camera: %v", err)
	}
	if registry.Count() != 0 {
		t.Errorf("Expected 0 sessions, got %d", registry.Count())
	}

	// クローズ済みハンドルへの操作はNotFound
	if _, err := registry.Get(handle); KindOf(err) != KindNotFound {
		t.Errorf("Expected NotFound after close, got %v", err)
	}
	if err := registry.Close(ctx, handle); KindOf(err) != KindNotFound {
		t.Errorf("Expected NotFound on double close, got %v", err)
	}

	if _, err := registry.Get(Handle(999)); KindOf(err) != KindNotFound {
		t.Errorf("Expected NotFound for unknown handle, got %v", err)
	}
}

func TestRegistry_CloseRetractsSubscriptions(t *testing.T) {
	registry, _, router := newTestRegistry(t)
	ctx := context.Background()

	handle, err := registry.Open(ctx, "テストカメラ 1", PresetMax)
	if err != nil {
		t.Fatalf("Failed to open camera: %v", err)
	}

	recorder := &eventRecorder{}
	router.Attach(int64(handle), event.CategoryError, recorder.sink())
	router.Attach(int64(handle), event.CategoryStatus, recorder.sink())

	if err := registry.Close(ctx, handle); err != nil {
		t.Fatalf("Failed to close camera: %v", err)
	}

	// ハンドルに紐付く購読は全カテゴリ回収される
	for _, category := range []event.Category{event.CategoryError, event.CategoryStatus, event.CategoryButton} {
		if router.Attached(int64(handle), category) {
			t.Errorf("Expected %s subscription to be retracted", category)
		}
	}
}

func TestRegistry_DeviceAttached(t *testing.T) {
	registry, backend, router := newTestRegistry(t)
	ctx := context.Background()

	recorder := &eventRecorder{}
	router.AttachDeviceSink(recorder.sink())

	backend.AddDevice(DeviceDescriptor{ID: "/dev/video4", Name: "新しいカメラ"})
	if err := registry.CheckDevices(ctx); err != nil {
		t.Fatalf("Failed to check devices: %v", err)
	}

	events := recorder.snapshot()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	payload, ok := events[0].(event.DevicePayload)
	if !ok {
		t.Fatalf("Unexpected payload type: %T", events[0])
	}
	if payload.Type != event.DeviceEventAttached || payload.Device != "/dev/video4" {
		t.Errorf("Unexpected payload: %+v", payload)
	}
}

func TestRegistry_DeviceDetached(t *testing.T) {
	registry, backend, router := newTestRegistry(t)
	ctx := context.Background()

	handle, err := registry.Open(ctx, "テストカメラ 1", PresetMax)
	if err != nil {
		t.Fatalf("Failed to open camera: %v", err)
	}

	// ハンドルのエラーチャンネルとデバイスチャンネルを同じ記録先へ向け、
	// 相対順序を検証できるようにする
	recorder := &eventRecorder{}
	router.Attach(int64(handle), event.CategoryError, recorder.sink())
	router.AttachDeviceSink(recorder.sink())

	backend.RemoveDevice("/dev/video0")
	if err := registry.CheckDevices(ctx); err != nil {
		t.Fatalf("Failed to check devices: %v", err)
	}

	events := recorder.snapshot()
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d: %+v", len(events), events)
	}

	// 退去より前にハンドルのエラーチャンネルへ通知される
	errorPayload, ok := events[0].(event.ErrorPayload)
	if !ok {
		t.Fatalf("Expected error event first, got %T", events[0])
	}
	if errorPayload.CameraID != int64(handle) {
		t.Errorf("Unexpected camera ID: %d", errorPayload.CameraID)
	}

	// その後でプロセス全体のデバイスチャンネルへ切断が通知される
	devicePayload, ok := events[1].(event.DevicePayload)
	if !ok {
		t.Fatalf("Expected device event second, got %T", events[1])
	}
	if devicePayload.Type != event.DeviceEventDetached || devicePayload.Device != "/dev/video0" {
		t.Errorf("Unexpected payload: %+v", devicePayload)
	}

	// セッションは強制クローズされ、ハンドルは無効化されている
	if _, err := registry.Get(handle); KindOf(err) != KindNotFound {
		t.Errorf("Expected NotFound after disconnect, got %v", err)
	}
	if router.Attached(int64(handle), event.CategoryError) {
		t.Error("Expected subscriptions to be retracted after disconnect")
	}
}

func TestRegistry_StopClosesAllSessions(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := registry.Open(ctx, "テストカメラ 1", PresetMax); err != nil {
		t.Fatalf("Failed to open camera: %v", err)
	}
	if _, err := registry.Open(ctx, "テストカメラ 2", PresetMax); err != nil {
		t.Fatalf("Failed to open camera: %v", err)
	}

	if err := registry.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop registry: %v", err)
	}
	if registry.Count() != 0 {
		t.Errorf("Expected 0 sessions after stop, got %d", registry.Count())
	}

	// 複数の停止経路から呼ばれてもパニックしない
	if err := registry.Stop(ctx); err != nil {
		t.Errorf("Second stop should be a no-op: %v", err)
	}
}
