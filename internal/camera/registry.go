package camera

import (
	"context"
	"log"
	"sync"
	"time"

	"kakehashi/internal/event"
)

// Registry はハンドル→セッションの対応を管理する単一の権威
// ハンドルは単調増加で割り当て、クローズ後も再利用しない
type Registry struct {
	backend  Backend
	textures TextureRegistry
	router   *event.Router

	captureDir   string
	scanInterval time.Duration

	mu         sync.RWMutex
	sessions   map[Handle]*Session
	known      map[string]DeviceDescriptor // 前回スキャンで確認したデバイス
	nextHandle int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry は新しいRegistryを作成する
func NewRegistry(backend Backend, textures TextureRegistry, router *event.Router, captureDir string, scanInterval time.Duration) *Registry {
	return &Registry{
		backend:      backend,
		textures:     textures,
		router:       router,
		captureDir:   captureDir,
		scanInterval: scanInterval,
		sessions:     make(map[Handle]*Session),
		known:        make(map[string]DeviceDescriptor),
		stopCh:       make(chan struct{}),
	}
}

// Start は初期デバイススキャンを実行し、ホットプラグ監視を開始する
func (r *Registry) Start(ctx context.Context) error {
	devices, err := r.backend.ScanDevices(ctx)
	if err != nil {
		return WrapError(KindOperationFailed, err, "初期デバイススキャンに失敗")
	}

	r.mu.Lock()
	for _, device := range devices {
		r.known[device.ID] = device
	}
	r.mu.Unlock()

	if r.scanInterval > 0 {
		r.wg.Add(1)
		go r.watchDevices(ctx)
	}

	return nil
}

// Stop はホットプラグ監視を止め、全セッションをクローズする
// 複数の停止経路から呼ばれるため冪等
func (r *Registry) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.sessions = make(map[Handle]*Session)
	r.mu.Unlock()

	for _, session := range sessions {
		if err := session.Close(ctx); err != nil {
			log.Printf("セッション %d のクローズに失敗: %v", session.Handle(), err)
		}
		r.router.DetachAll(int64(session.Handle()))
	}
	return nil
}

// Open はデバイスを開き、セッションを構成・開始して新しいハンドルを割り当てる
func (r *Registry) Open(ctx context.Context, deviceName string, preset Preset) (Handle, error) {
	if deviceName == "" {
		return 0, NewError(KindInvalidArgument, "デバイス名が指定されていません")
	}

	devices, err := r.backend.ScanDevices(ctx)
	if err != nil {
		return 0, WrapError(KindOperationFailed, err, "デバイススキャンに失敗")
	}

	var device DeviceDescriptor
	found := false
	for _, candidate := range devices {
		if candidate.Name == deviceName || candidate.ID == deviceName {
			device = candidate
			found = true
			break
		}
	}
	if !found {
		return 0, NewError(KindNotFound, "デバイスが見つかりません: %s", deviceName)
	}

	modes, err := r.backend.SupportedModes(ctx, device.ID)
	if err != nil {
		return 0, WrapError(KindOperationFailed, err, "モード一覧の取得に失敗")
	}

	mode, ok := NegotiateMode(modes, preset)
	if !ok {
		return 0, NewError(KindOperationFailed, "デバイスが利用可能なモードを広告していません: %s", device.ID)
	}

	pipeline, err := r.backend.OpenPipeline(ctx, device.ID, mode)
	if err != nil {
		return 0, WrapError(KindOperationFailed, err, "パイプラインの構築に失敗")
	}

	r.mu.Lock()
	r.nextHandle++
	handle := Handle(r.nextHandle)
	r.mu.Unlock()

	session, err := NewSession(handle, device, pipeline, r.textures, r.router, r.captureDir)
	if err != nil {
		_ = pipeline.Close(ctx)
		return 0, err
	}

	if err := session.Start(ctx); err != nil {
		// 登録済みのテクスチャ枠を残さない
		r.textures.Unregister(session.TextureID())
		_ = pipeline.Close(ctx)
		return 0, err
	}

	r.mu.Lock()
	r.sessions[handle] = session
	r.mu.Unlock()

	// レジストリに存在するハンドルは常に構成済みセッションを指す
	return handle, nil
}

// Close はセッションを停止して退去させ、ハンドルを無効化する
// ハンドルに紐付く全イベント購読も回収する
func (r *Registry) Close(ctx context.Context, handle Handle) error {
	r.mu.Lock()
	session, exists := r.sessions[handle]
	if !exists {
		r.mu.Unlock()
		return NewError(KindNotFound, "ハンドルが見つかりません: %d", handle)
	}
	delete(r.sessions, handle)
	r.mu.Unlock()

	r.router.DetachAll(int64(handle))
	return session.Close(ctx)
}

// Get は指定ハンドルのセッションを取得する
func (r *Registry) Get(handle Handle) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[handle]
	if !exists {
		return nil, NewError(KindNotFound, "ハンドルが見つかりません: %d", handle)
	}
	return session, nil
}

// Count は現在オープン中のセッション数を返す
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// watchDevices は定期的にデバイスの着脱を監視する
func (r *Registry) watchDevices(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.CheckDevices(ctx); err != nil {
				log.Printf("デバイススキャンに失敗: %v", err)
			}
		}
	}
}

// CheckDevices は1回分のデバイススキャンを実行し、着脱を処理する
// 切断されたデバイスに紐付くセッションは強制クローズし、
// 退去より前にそのハンドルのエラーチャンネルへイベントを発火する
func (r *Registry) CheckDevices(ctx context.Context) error {
	devices, err := r.backend.ScanDevices(ctx)
	if err != nil {
		return WrapError(KindOperationFailed, err, "デバイススキャンに失敗")
	}

	current := make(map[string]DeviceDescriptor, len(devices))
	for _, device := range devices {
		current[device.ID] = device
	}

	r.mu.Lock()
	var attached []DeviceDescriptor
	for id, device := range current {
		if _, exists := r.known[id]; !exists {
			attached = append(attached, device)
		}
	}
	var detached []DeviceDescriptor
	for id, device := range r.known {
		if _, exists := current[id]; !exists {
			detached = append(detached, device)
		}
	}
	r.known = current
	r.mu.Unlock()

	for _, device := range attached {
		r.router.EmitDevice(event.DevicePayload{
			Device: device.ID,
			Type:   event.DeviceEventAttached,
		})
	}

	for _, device := range detached {
		r.closeDisconnected(ctx, device)
		r.router.EmitDevice(event.DevicePayload{
			Device: device.ID,
			Type:   event.DeviceEventDetached,
		})
	}

	return nil
}

// closeDisconnected は切断デバイスに紐付く全セッションを強制クローズする
func (r *Registry) closeDisconnected(ctx context.Context, device DeviceDescriptor) {
	r.mu.Lock()
	var bound []*Session
	for handle, session := range r.sessions {
		if session.Device().ID == device.ID {
			bound = append(bound, session)
			delete(r.sessions, handle)
		}
	}
	r.mu.Unlock()

	for _, session := range bound {
		handle := int64(session.Handle())

		// 購読者が黙って消えたセッションを待ち続けないよう、退去前に通知する
		r.router.Emit(handle, event.CategoryError, event.ErrorPayload{
			CameraID: handle,
			Error: event.ErrorDetail{
				Type:   string(KindOperationFailed),
				Reason: "デバイスが切断されました: " + device.ID,
			},
		})

		if err := session.Close(ctx); err != nil {
			log.Printf("切断セッション %d のクローズに失敗: %v", handle, err)
		}
		r.router.DetachAll(handle)
	}
}
