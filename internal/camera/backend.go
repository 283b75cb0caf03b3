package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"sync"
)

// MockBackend はテスト用のバックエンド実装
type MockBackend struct {
	mu         sync.Mutex
	devices    []DeviceDescriptor
	modes      map[string][]PreviewMode
	pipelines  map[string]*MockPipeline
	supported  bool
	permission bool
	failOpen   bool
	failStart  bool
}

// DefaultMockModes はモックデバイスが広告するモード一覧
// (1280, 720) はピクセルフォーマット違いで重複させ、
// 重複排除の動作確認に使用する
func DefaultMockModes() []PreviewMode {
	return []PreviewMode{
		{Width: 1920, Height: 1080, PixelFormat: "MJPG"},
		{Width: 640, Height: 480, PixelFormat: "YUYV"},
		{Width: 1280, Height: 720, PixelFormat: "MJPG"},
		{Width: 1280, Height: 720, PixelFormat: "YUYV"},
		{Width: 320, Height: 240, PixelFormat: "YUYV"},
	}
}

// NewMockBackend は新しいMockBackendを作成する
func NewMockBackend(devices ...DeviceDescriptor) *MockBackend {
	backend := &MockBackend{
		modes:      make(map[string][]PreviewMode),
		pipelines:  make(map[string]*MockPipeline),
		supported:  true,
		permission: true,
	}
	for _, device := range devices {
		backend.devices = append(backend.devices, device)
		backend.modes[device.ID] = DefaultMockModes()
	}
	return backend
}

// Supported はキャプチャが利用可能かを返す
func (b *MockBackend) Supported() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.supported
}

// RequestPermission はデバイスアクセス許可を要求する
func (b *MockBackend) RequestPermission(_ context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.permission, nil
}

// ScanDevices はモックデバイス一覧を返す
func (b *MockBackend) ScanDevices(_ context.Context) ([]DeviceDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	devices := make([]DeviceDescriptor, len(b.devices))
	copy(devices, b.devices)
	return devices, nil
}

// SupportedModes はデバイスの広告モード一覧を返す
func (b *MockBackend) SupportedModes(_ context.Context, deviceID string) ([]PreviewMode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	modes, exists := b.modes[deviceID]
	if !exists {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", deviceID)
	}
	result := make([]PreviewMode, len(modes))
	copy(result, modes)
	return result, nil
}

// OpenPipeline はモックパイプラインを構築する
func (b *MockBackend) OpenPipeline(_ context.Context, deviceID string, mode PreviewMode) (Pipeline, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failOpen {
		return nil, fmt.Errorf("モック: パイプライン構築に失敗")
	}

	modes, exists := b.modes[deviceID]
	if !exists {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", deviceID)
	}

	pipeline := NewMockPipeline(modes, mode)
	pipeline.failStart = b.failStart
	b.pipelines[deviceID] = pipeline
	return pipeline, nil
}

// Pipeline は直近にオープンしたモックパイプラインを返す（テスト用）
func (b *MockBackend) Pipeline(deviceID string) (*MockPipeline, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pipeline, exists := b.pipelines[deviceID]
	return pipeline, exists
}

// AddDevice はテスト用にデバイスを追加する
func (b *MockBackend) AddDevice(device DeviceDescriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range b.devices {
		if d.ID == device.ID {
			return
		}
	}
	b.devices = append(b.devices, device)
	b.modes[device.ID] = DefaultMockModes()
}

// RemoveDevice はテスト用にデバイスを取り外す
func (b *MockBackend) RemoveDevice(deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, d := range b.devices {
		if d.ID == deviceID {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			break
		}
	}
	delete(b.modes, deviceID)
}

// SetSupported はテスト用にサポート状態を設定する
func (b *MockBackend) SetSupported(supported bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.supported = supported
}

// SetPermission はテスト用に許可応答を設定する
func (b *MockBackend) SetPermission(granted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.permission = granted
}

// SetFailOpen はテスト用にパイプライン構築失敗を設定する
func (b *MockBackend) SetFailOpen(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOpen = fail
}

// SetFailStart はテスト用に、以後構築されるパイプラインの開始失敗を設定する
func (b *MockBackend) SetFailStart(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failStart = fail
}

// MockPipeline はテスト用のパイプライン実装
type MockPipeline struct {
	mu      sync.Mutex
	modes   []PreviewMode
	mode    PreviewMode
	running bool
	stopped bool

	frames chan []byte
	notifs chan Notification

	recordingFile *os.File

	failStart     bool
	failSetMode   bool
	failPhoto     bool
	failRecording bool
}

// NewMockPipeline は新しいMockPipelineを作成する
func NewMockPipeline(modes []PreviewMode, mode PreviewMode) *MockPipeline {
	copied := make([]PreviewMode, len(modes))
	copy(copied, modes)
	return &MockPipeline{
		modes:  copied,
		mode:   mode,
		frames: make(chan []byte, 4),
		notifs: make(chan Notification, 4),
	}
}

// Start はフレーム配信を開始する
func (p *MockPipeline) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return fmt.Errorf("モック: 停止済みのパイプラインは再開できません")
	}
	if p.failStart {
		return fmt.Errorf("モック: パイプラインの開始に失敗")
	}
	p.running = true
	return nil
}

// Stop はフレーム配信を同期的に停止しチャンネルをクローズする
func (p *MockPipeline) Stop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.running = false
	p.stopped = true
	close(p.frames)
	close(p.notifs)
	return nil
}

// Frames はフレームチャンネルを返す
func (p *MockPipeline) Frames() <-chan []byte {
	return p.frames
}

// Notifications は通知チャンネルを返す
func (p *MockPipeline) Notifications() <-chan Notification {
	return p.notifs
}

// SupportedModes は広告モード一覧を返す
func (p *MockPipeline) SupportedModes() []PreviewMode {
	p.mu.Lock()
	defer p.mu.Unlock()

	modes := make([]PreviewMode, len(p.modes))
	copy(modes, p.modes)
	return modes
}

// CurrentMode は現在のモードを返す
func (p *MockPipeline) CurrentMode() PreviewMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// SetMode はアクティブなモードを切り替える
func (p *MockPipeline) SetMode(_ context.Context, mode PreviewMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failSetMode {
		return fmt.Errorf("モック: モード切り替えに失敗")
	}
	p.mode = mode
	return nil
}

// CapturePhoto は静止画をJPEGとして非同期に書き出す
func (p *MockPipeline) CapturePhoto(_ context.Context, path string) <-chan error {
	done := make(chan error, 1)

	p.mu.Lock()
	fail := p.failPhoto
	mode := p.mode
	p.mu.Unlock()

	go func() {
		if fail {
			done <- fmt.Errorf("モック: 静止画のエンコードに失敗")
			return
		}
		done <- writeTestJPEG(path, mode.Width, mode.Height)
	}()
	return done
}

// StartRecording は録画ファイルの書き込みを開始する
func (p *MockPipeline) StartRecording(_ context.Context, path string, mode PreviewMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failRecording {
		return fmt.Errorf("モック: 録画の開始に失敗")
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("録画ファイルの作成に失敗: %w", err)
	}
	// ファイルは漸進的に有効になる。先頭ぶんだけ書いておく
	if _, err := file.Write([]byte("mock-video")); err != nil {
		_ = file.Close()
		return fmt.Errorf("録画ファイルの書き込みに失敗: %w", err)
	}

	p.recordingFile = file
	if mode.Valid() {
		p.mode = mode
	}
	return nil
}

// StopRecording は録画ファイルを確定する
func (p *MockPipeline) StopRecording(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.recordingFile == nil {
		return nil
	}
	err := p.recordingFile.Close()
	p.recordingFile = nil
	if err != nil {
		return fmt.Errorf("録画ファイルのクローズに失敗: %w", err)
	}
	return nil
}

// Close はパイプラインを破棄する
func (p *MockPipeline) Close(ctx context.Context) error {
	if err := p.StopRecording(ctx); err != nil {
		return err
	}
	return p.Stop(ctx)
}

// InjectFrame はテスト用にフレームを配信する
func (p *MockPipeline) InjectFrame(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	// 遅延フレームは破棄する方針に合わせ、バッファ満杯時は捨てる
	select {
	case p.frames <- frame:
	default:
	}
}

// InjectNotification はテスト用に通知を配信する
func (p *MockPipeline) InjectNotification(notification Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	select {
	case p.notifs <- notification:
	default:
	}
}

// SetFailSetMode はテスト用にモード切り替え失敗を設定する
func (p *MockPipeline) SetFailSetMode(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failSetMode = fail
}

// SetFailPhoto はテスト用に静止画撮影失敗を設定する
func (p *MockPipeline) SetFailPhoto(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failPhoto = fail
}

// SetFailRecording はテスト用に録画開始失敗を設定する
func (p *MockPipeline) SetFailRecording(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failRecording = fail
}

// writeTestJPEG は指定サイズの無地JPEGを書き出す
func writeTestJPEG(path string, width, height int) error {
	if width <= 0 {
		width = 1
	}
	if height <= 0 {
		height = 1
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return fmt.Errorf("JPEGのエンコードに失敗: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("JPEGの書き込みに失敗: %w", err)
	}
	return nil
}
