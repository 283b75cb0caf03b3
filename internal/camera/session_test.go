package camera

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"kakehashi/internal/event"
)

// mockTextures はテスト用のテクスチャレジストリ
type mockTextures struct {
	mu       sync.Mutex
	nextID   int64
	sinks    map[int64]*FrameSink
	notified map[int64]int
}

func newMockTextures() *mockTextures {
	return &mockTextures{
		sinks:    make(map[int64]*FrameSink),
		notified: make(map[int64]int),
	}
}

func (m *mockTextures) Register(sink *FrameSink) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.sinks[m.nextID] = sink
	return m.nextID, nil
}

func (m *mockTextures) Unregister(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sinks, id)
}

func (m *mockTextures) NotifyFrame(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified[id]++
}

func (m *mockTextures) NotifyCount(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notified[id]
}

func (m *mockTextures) RegisteredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sinks)
}

// eventRecorder はルーターから届いたペイロードを順序付きで記録する
type eventRecorder struct {
	mu     sync.Mutex
	events []any
}

func (r *eventRecorder) sink() event.SinkFunc {
	return func(payload any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, payload)
	}
}

func (r *eventRecorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]any, len(r.events))
	copy(events, r.events)
	return events
}

// waitFor は条件が成立するまでポーリングする
// 配信ゴルーチン経由の到達を待つテストで使用する
func waitFor(t *testing.T, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func testDevice() DeviceDescriptor {
	return DeviceDescriptor{
		ID:       "/dev/video0",
		Name:     "テストカメラ 1",
		VendorID: 0x046d,
	}
}

func newTestSession(t *testing.T) (*Session, *MockPipeline, *mockTextures, *event.Router) {
	t.Helper()

	pipeline := NewMockPipeline(DefaultMockModes(), PreviewMode{Width: 1280, Height: 720, PixelFormat: "MJPG"})
	textures := newMockTextures()
	router := event.NewRouter()

	session, err := NewSession(1, testDevice(), pipeline, textures, router, t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return session, pipeline, textures, router
}

func TestSession_FrameDelivery(t *testing.T) {
	session, pipeline, textures, _ := newTestSession(t)
	ctx := context.Background()

	if session.State() != StateConfiguring {
		t.Errorf("Expected configuring state, got %s", session.State())
	}

	if err := session.Start(ctx); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	if session.State() != StateRunning {
		t.Errorf("Expected running state, got %s", session.State())
	}

	pipeline.InjectFrame([]byte{0xFF, 0xD8, 0xFF, 0xD9})

	// フレームがシンクへ届き、再描画が通知されること
	waitFor(t, func() bool { return session.Sink().Seq() == 1 })
	waitFor(t, func() bool { return textures.NotifyCount(session.TextureID()) == 1 })

	frame, ok := session.Sink().Latest()
	if !ok || len(frame) != 4 {
		t.Errorf("Unexpected frame in sink: %v", frame)
	}

	if err := session.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop session: %v", err)
	}
	if session.State() != StateStopped {
		t.Errorf("Expected stopped state, got %s", session.State())
	}
}

func TestSession_StartIdempotent(t *testing.T) {
	session, _, _, _ := newTestSession(t)
	ctx := context.Background()

	if err := session.Start(ctx); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	// 実行中のStartは何もしない
	if err := session.Start(ctx); err != nil {
		t.Errorf("Second start should be a no-op: %v", err)
	}

	if err := session.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop session: %v", err)
	}
	// 停止済みのStopも何もしない
	if err := session.Stop(ctx); err != nil {
		t.Errorf("Second stop should be a no-op: %v", err)
	}

	// 停止済みセッションの再開は禁止
	if err := session.Start(ctx); KindOf(err) != KindIllegalState {
		t.Errorf("Expected IllegalState on restart, got %v", err)
	}
}

func TestSession_SupportedModesNormalized(t *testing.T) {
	session, _, _, _ := newTestSession(t)

	modes := session.SupportedModes()
	if len(modes) != 4 {
		t.Fatalf("Expected 4 deduplicated modes, got %d", len(modes))
	}
	for i := 1; i < len(modes); i++ {
		if modes[i-1].Area() > modes[i].Area() {
			t.Errorf("Modes not sorted by area: %v", modes)
		}
	}
}

func TestSession_SetPreviewMode(t *testing.T) {
	session, _, _, _ := newTestSession(t)
	ctx := context.Background()

	if err := session.Start(ctx); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	// 広告モードへの切り替えは成功し、CurrentModeへ反映される
	if err := session.SetPreviewMode(ctx, PreviewMode{Width: 640, Height: 480}); err != nil {
		t.Fatalf("Failed to set preview mode: %v", err)
	}
	current := session.CurrentMode()
	if current.Width != 640 || current.Height != 480 {
		t.Errorf("Expected 640x480, got %dx%d", current.Width, current.Height)
	}

	// 不正な寸法
	if err := session.SetPreviewMode(ctx, PreviewMode{Width: 0, Height: 480}); KindOf(err) != KindInvalidArgument {
		t.Errorf("Expected InvalidArgument, got %v", err)
	}

	// 広告されていない寸法
	if err := session.SetPreviewMode(ctx, PreviewMode{Width: 999, Height: 999}); KindOf(err) != KindNotFound {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestSession_SetPreviewModeWhileRecording(t *testing.T) {
	session, _, _, _ := newTestSession(t)
	ctx := context.Background()

	if err := session.Start(ctx); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	if _, err := session.StartRecording(ctx, PreviewMode{}); err != nil {
		t.Fatalf("Failed to start recording: %v", err)
	}

	// 録画中のジオメトリ変更は拒否される
	err := session.SetPreviewMode(ctx, PreviewMode{Width: 640, Height: 480})
	if KindOf(err) != KindIllegalState {
		t.Errorf("Expected IllegalState while recording, got %v", err)
	}

	if err := session.StopRecording(ctx); err != nil {
		t.Fatalf("Failed to stop recording: %v", err)
	}
	// 録画確定後は変更できる
	if err := session.SetPreviewMode(ctx, PreviewMode{Width: 640, Height: 480}); err != nil {
		t.Errorf("Expected mode change after recording stopped: %v", err)
	}
}

func TestSession_TakePicture(t *testing.T) {
	session, _, _, _ := newTestSession(t)
	ctx := context.Background()

	// 実行中でなければ撮影できない
	if _, err := session.TakePicture(ctx); KindOf(err) != KindIllegalState {
		t.Errorf("Expected IllegalState before start, got %v", err)
	}

	if err := session.Start(ctx); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	path, err := session.TakePicture(ctx)
	if err != nil {
		t.Fatalf("Failed to take picture: %v", err)
	}
	if !strings.HasSuffix(path, ".jpg") {
		t.Errorf("Expected .jpg path, got %s", path)
	}

	// 画像ファイルが実在し、空でないこと
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Photo file not found: %v", err)
	}
	if info.Size() == 0 {
		t.Error("Photo file is empty")
	}

	// 完了したリクエストは保持集合から除去されていること
	if session.PendingPhotoCount() != 0 {
		t.Errorf("Expected no pending requests, got %d", session.PendingPhotoCount())
	}
}

func TestSession_TakePictureFailure(t *testing.T) {
	session, pipeline, _, _ := newTestSession(t)
	ctx := context.Background()

	if err := session.Start(ctx); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	pipeline.SetFailPhoto(true)

	if _, err := session.TakePicture(ctx); KindOf(err) != KindOperationFailed {
		t.Errorf("Expected OperationFailed, got %v", err)
	}
	// 失敗したリクエストも即座に除去される
	if session.PendingPhotoCount() != 0 {
		t.Errorf("Expected no pending requests, got %d", session.PendingPhotoCount())
	}
}

func TestSession_Recording(t *testing.T) {
	session, _, _, _ := newTestSession(t)
	ctx := context.Background()

	// 実行中でなければ録画できない
	if _, err := session.StartRecording(ctx, PreviewMode{}); KindOf(err) != KindIllegalState {
		t.Errorf("Expected IllegalState before start, got %v", err)
	}

	if err := session.Start(ctx); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	path, err := session.StartRecording(ctx, PreviewMode{})
	if err != nil {
		t.Fatalf("Failed to start recording: %v", err)
	}
	if !strings.HasSuffix(path, ".mp4") {
		t.Errorf("Expected .mp4 path, got %s", path)
	}
	if !session.Recording() {
		t.Error("Expected recording flag to be set")
	}

	// 録画ファイルは開始時点から漸進的に有効
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Recording file not found: %v", err)
	}

	// 二重録画は拒否される
	if _, err := session.StartRecording(ctx, PreviewMode{}); KindOf(err) != KindIllegalState {
		t.Errorf("Expected IllegalState on double start, got %v", err)
	}

	if err := session.StopRecording(ctx); err != nil {
		t.Fatalf("Failed to stop recording: %v", err)
	}
	if session.Recording() {
		t.Error("Expected recording flag to be cleared")
	}

	// 録画中でないStopRecordingは何もしない
	if err := session.StopRecording(ctx); err != nil {
		t.Errorf("Idle stop should be a no-op: %v", err)
	}
}

func TestSession_RecordingWithMode(t *testing.T) {
	session, _, _, _ := newTestSession(t)
	ctx := context.Background()

	if err := session.Start(ctx); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	// モード指定の録画はアクティブなジオメトリへ反映される
	if _, err := session.StartRecording(ctx, PreviewMode{Width: 1920, Height: 1080}); err != nil {
		t.Fatalf("Failed to start recording: %v", err)
	}
	current := session.CurrentMode()
	if current.Width != 1920 || current.Height != 1080 {
		t.Errorf("Expected 1920x1080, got %dx%d", current.Width, current.Height)
	}

	// 広告されていないモードの録画は拒否される
	if err := session.StopRecording(ctx); err != nil {
		t.Fatalf("Failed to stop recording: %v", err)
	}
	if _, err := session.StartRecording(ctx, PreviewMode{Width: 999, Height: 999}); KindOf(err) != KindNotFound {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestSession_NotificationForwarding(t *testing.T) {
	session, pipeline, _, router := newTestSession(t)
	ctx := context.Background()

	recorder := &eventRecorder{}
	router.Attach(int64(session.Handle()), event.CategoryError, recorder.sink())

	if err := session.Start(ctx); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	pipeline.InjectNotification(Notification{
		Kind:      NotificationError,
		ErrorType: "deviceError",
		Reason:    "テスト通知",
	})

	waitFor(t, func() bool { return len(recorder.snapshot()) == 1 })

	payload, ok := recorder.snapshot()[0].(event.ErrorPayload)
	if !ok {
		t.Fatalf("Unexpected payload type: %T", recorder.snapshot()[0])
	}
	if payload.CameraID != int64(session.Handle()) {
		t.Errorf("Unexpected camera ID: %d", payload.CameraID)
	}
	if payload.Error.Reason != "テスト通知" {
		t.Errorf("Unexpected reason: %s", payload.Error.Reason)
	}
}

func TestSession_CloseReleasesTexture(t *testing.T) {
	session, _, textures, _ := newTestSession(t)
	ctx := context.Background()

	if err := session.Start(ctx); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	if textures.RegisteredCount() != 1 {
		t.Fatalf("Expected 1 registered texture, got %d", textures.RegisteredCount())
	}

	if err := session.Close(ctx); err != nil {
		t.Fatalf("Failed to close session: %v", err)
	}

	// テクスチャ登録が解除されていること
	if textures.RegisteredCount() != 0 {
		t.Errorf("Expected no registered textures, got %d", textures.RegisteredCount())
	}
}
