package camera

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"kakehashi/internal/event"
)

// State はセッションの主状態を表す
type State string

const (
	// StateConfiguring はパイプライン構成中
	StateConfiguring State = "configuring"
	// StateRunning はフレーム配信中
	StateRunning State = "running"
	// StateStopped は停止済み（破棄待ち）
	StateStopped State = "stopped"
)

// Session は1台の物理デバイスとそのキャプチャパイプラインを所有する
// 呼び出しスレッドと配信ゴルーチンの2つの並行ドメインから触られるため、
// 状態はミューテックスで保護する。FrameSinkだけはこのロックを経由せず、
// 自前の短いクリティカルセクションで保護される
type Session struct {
	handle   Handle
	device   DeviceDescriptor
	pipeline Pipeline
	sink     *FrameSink
	textures TextureRegistry
	router   *event.Router

	textureID  int64
	captureDir string

	mu        sync.Mutex
	state     State
	recording bool
	pending   map[string]struct{} // 処理中の静止画リクエストID

	wg sync.WaitGroup
}

// NewSession は新しいSessionを構成する
// フレームシンクのテクスチャ登録まで行い、失敗時はOperationFailedを返す
func NewSession(handle Handle, device DeviceDescriptor, pipeline Pipeline, textures TextureRegistry, router *event.Router, captureDir string) (*Session, error) {
	sink := NewFrameSink()

	textureID, err := textures.Register(sink)
	if err != nil {
		return nil, WrapError(KindOperationFailed, err, "テクスチャの登録に失敗")
	}

	return &Session{
		handle:     handle,
		device:     device,
		pipeline:   pipeline,
		sink:       sink,
		textures:   textures,
		router:     router,
		textureID:  textureID,
		captureDir: captureDir,
		state:      StateConfiguring,
		pending:    make(map[string]struct{}),
	}, nil
}

// Handle はセッションのハンドルを返す
func (s *Session) Handle() Handle {
	return s.handle
}

// Device はセッションが所有するデバイスの記述子を返す
func (s *Session) Device() DeviceDescriptor {
	return s.device
}

// TextureID は登録済みテクスチャのIDを返す
func (s *Session) TextureID() int64 {
	return s.textureID
}

// Sink はセッションのフレームシンクを返す
func (s *Session) Sink() *FrameSink {
	return s.sink
}

// State は現在の主状態を返す
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Recording は録画中かを返す
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Start はパイプラインと配信ゴルーチンを開始する
// 既に実行中の場合は何もしない（冪等）
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		return nil
	}
	if s.state == StateStopped {
		return NewError(KindIllegalState, "停止済みのセッションは再開できません")
	}

	if err := s.pipeline.Start(ctx); err != nil {
		return WrapError(KindOperationFailed, err, "パイプラインの開始に失敗")
	}

	s.wg.Add(1)
	go s.deliver()

	s.state = StateRunning
	return nil
}

// Stop はパイプラインを停止し、配信ゴルーチンの終了を待つ
// 既に停止済みの場合は何もしない（冪等）
// セッション破棄がフレーム配信と競合しないよう、完全停止まで同期的にブロックする
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		s.state = StateStopped
		return nil
	}

	// Stopでフレーム・通知チャンネルがクローズされ、配信ゴルーチンが抜ける
	if err := s.pipeline.Stop(ctx); err != nil {
		return WrapError(KindOperationFailed, err, "パイプラインの停止に失敗")
	}
	s.wg.Wait()

	s.state = StateStopped
	return nil
}

// Close はセッションを破棄する
// 録画中であれば確定し、パイプライン停止後にバックエンド資源を解放する
func (s *Session) Close(ctx context.Context) error {
	if err := s.StopRecording(ctx); err != nil {
		return err
	}
	if err := s.Stop(ctx); err != nil {
		return err
	}

	s.textures.Unregister(s.textureID)

	if err := s.pipeline.Close(ctx); err != nil {
		return WrapError(KindOperationFailed, err, "パイプラインの解放に失敗")
	}
	return nil
}

// deliver は配信ゴルーチン本体
// フレームをシンクへ書き込み、テクスチャの再描画を通知する。
// バックエンド通知はイベントルーターへ転送する。
// チャンネルが両方クローズされたら終了する
func (s *Session) deliver() {
	defer s.wg.Done()

	frames := s.pipeline.Frames()
	notifications := s.pipeline.Notifications()

	for frames != nil || notifications != nil {
		select {
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			s.sink.Store(frame)
			s.textures.NotifyFrame(s.textureID)

		case notification, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			s.forward(notification)
		}
	}
}

// forward はバックエンド通知をイベントルーターのペイロードに変換して発火する
func (s *Session) forward(n Notification) {
	handle := int64(s.handle)

	switch n.Kind {
	case NotificationError:
		s.router.Emit(handle, event.CategoryError, event.ErrorPayload{
			CameraID: handle,
			Error: event.ErrorDetail{
				Type:   n.ErrorType,
				Reason: n.Reason,
			},
		})
	case NotificationStatus:
		s.router.Emit(handle, event.CategoryStatus, event.StatusPayload{
			CameraID: handle,
			Payload: event.StatusDetail{
				StatusClass:     n.StatusClass,
				Event:           n.Event,
				Selector:        n.Selector,
				StatusAttribute: n.StatusAttribute,
				EventName:       n.EventName,
			},
		})
	case NotificationButton:
		s.router.Emit(handle, event.CategoryButton, event.ButtonPayload{
			CameraID: handle,
			Button:   n.Button,
			State:    n.State,
		})
	}
}

// SupportedModes は広告モードを (width, height) で重複排除し、
// ピクセル面積の昇順で返す
func (s *Session) SupportedModes() []PreviewMode {
	return NormalizeModes(s.pipeline.SupportedModes())
}

// CurrentMode は現在アクティブなモードを返す
func (s *Session) CurrentMode() PreviewMode {
	return s.pipeline.CurrentMode()
}

// SetPreviewMode はアクティブなフレームジオメトリを切り替える
// (width, height) が広告モードと完全一致しない場合はNotFoundを返す。
// 録画中のジオメトリ変更は録画を暗黙に無効化するためIllegalStateで拒否する
func (s *Session) SetPreviewMode(ctx context.Context, mode PreviewMode) error {
	if !mode.Valid() {
		return NewError(KindInvalidArgument, "プレビューモードが不正です: %dx%d", mode.Width, mode.Height)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recording {
		return NewError(KindIllegalState, "録画中はプレビューモードを変更できません")
	}

	matched, found := s.matchMode(mode)
	if !found {
		return NewError(KindNotFound, "サポートされていないモードです: %dx%d", mode.Width, mode.Height)
	}

	if err := s.pipeline.SetMode(ctx, matched); err != nil {
		return WrapError(KindOperationFailed, err, "モードの切り替えに失敗")
	}
	return nil
}

// matchMode は (width, height) が完全一致する広告モードを探す
func (s *Session) matchMode(mode PreviewMode) (PreviewMode, bool) {
	for _, candidate := range s.pipeline.SupportedModes() {
		if candidate.Width == mode.Width && candidate.Height == mode.Height {
			return candidate, true
		}
	}
	return PreviewMode{}, false
}

// TakePicture は静止画撮影を発行し、完了を待って画像パスを返す
// 完了は別ドメインのコールバックで届くため、チャンネル経由で
// 呼び出し元のドメインへ結果を戻す。撮影のキャンセル手段はない
func (s *Session) TakePicture(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return "", NewError(KindIllegalState, "セッションが実行中ではありません")
	}

	requestID := uuid.New().String()
	path := filepath.Join(s.captureDir, fmt.Sprintf("photo_%s.jpg", requestID))
	s.pending[requestID] = struct{}{}
	s.mu.Unlock()

	done := s.pipeline.CapturePhoto(ctx, path)

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	// 完了・失敗したリクエストは即座に保持集合から除去する
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()

	if err != nil {
		return "", WrapError(KindOperationFailed, err, "静止画の撮影に失敗")
	}
	return path, nil
}

// PendingPhotoCount は処理中の静止画リクエスト数を返す（テスト用）
func (s *Session) PendingPhotoCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// StartRecording は録画を開始し、書き込み先のパスを即座に返す
// 既に録画中の場合はIllegalStateを返す。modeが指定された場合は
// アクティブなジオメトリとして適用する。録画の完了・失敗は
// この呼び出しの結果ではなくエラーイベントチャンネルで通知される
func (s *Session) StartRecording(ctx context.Context, mode PreviewMode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recording {
		return "", NewError(KindIllegalState, "既に録画中です")
	}
	if s.state != StateRunning {
		return "", NewError(KindIllegalState, "セッションが実行中ではありません")
	}

	if mode.Valid() {
		matched, found := s.matchMode(mode)
		if !found {
			return "", NewError(KindNotFound, "サポートされていないモードです: %dx%d", mode.Width, mode.Height)
		}
		if err := s.pipeline.SetMode(ctx, matched); err != nil {
			return "", WrapError(KindOperationFailed, err, "モードの切り替えに失敗")
		}
		mode = matched
	} else {
		mode = s.pipeline.CurrentMode()
	}

	path := filepath.Join(s.captureDir, fmt.Sprintf("video_%s.mp4", uuid.New().String()))
	if err := s.pipeline.StartRecording(ctx, path, mode); err != nil {
		return "", WrapError(KindOperationFailed, err, "録画の開始に失敗")
	}

	s.recording = true
	return path, nil
}

// StopRecording は録画ファイルを確定する
// 録画中でない場合は何もしない
func (s *Session) StopRecording(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.recording {
		return nil
	}

	if err := s.pipeline.StopRecording(ctx); err != nil {
		return WrapError(KindOperationFailed, err, "録画の停止に失敗")
	}
	s.recording = false
	return nil
}
