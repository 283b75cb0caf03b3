package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"kakehashi/internal/bridge"
	"kakehashi/internal/camera"
	"kakehashi/internal/config"
	"kakehashi/internal/event"
)

// Server はホストブリッジのHTTPトランスポートを管理する構造体
type Server struct {
	config     *config.Config
	registry   *camera.Registry
	router     *event.Router
	textures   *bridge.MemoryTextureRegistry
	hub        *EventHub
	dispatcher *bridge.Dispatcher
	engine     *gin.Engine
	httpServer *http.Server
}

// ErrorResponse はエラーレスポンスの形式
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// New は新しいServerインスタンスを作成する
// セッションレジストリ・イベントルーター・ディスパッチャまで一式を構成する
func New(cfg *config.Config, backend camera.Backend) *Server {
	router := event.NewRouter()
	textures := bridge.NewMemoryTextureRegistry()
	hub := NewEventHub()
	registry := camera.NewRegistry(backend, textures, router, cfg.Camera.CaptureDir, cfg.Camera.ScanInterval)
	dispatcher := bridge.NewDispatcher(backend, registry, router, hub, camera.Preset(cfg.Camera.DefaultPreset))

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		config:     cfg,
		registry:   registry,
		router:     router,
		textures:   textures,
		hub:        hub,
		dispatcher: dispatcher,
		engine:     engine,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	s.setupRoutes()
	return s
}

// Registry はセッションレジストリを返す
func (s *Server) Registry() *camera.Registry {
	return s.registry
}

// Dispatcher はコマンドディスパッチャを返す
func (s *Server) Dispatcher() *bridge.Dispatcher {
	return s.dispatcher
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.handleHealth)

	// APIエンドポイント
	s.engine.GET("/api/status", s.handleStatus)
	s.engine.POST("/api/commands/:name", s.handleCommand)
	s.engine.GET("/api/cameras/:id/frame", s.handleFrame)

	// イベントチャンネル
	s.engine.GET("/ws/device", s.handleDeviceSocket)
	s.engine.GET("/ws/cameras/:id/:category", s.handleCameraSocket)
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleStatus はシステム状態取得エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": s.config.Server.Host,
			"port": s.config.Server.Port,
		},
		"cameras":   s.registry.Count(),
		"timestamp": time.Now(),
	})
}

// handleCommand はコマンドディスパッチエンドポイント
// リクエストボディのJSONオブジェクトを引数バッグとして渡す
func (s *Server) handleCommand(c *gin.Context) {
	name := c.Param("name")

	args := bridge.Args{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&args); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     string(camera.KindInvalidArgument),
				Message:   "引数の解析に失敗しました",
				Timestamp: time.Now(),
			})
			return
		}
	}

	result, err := s.dispatcher.Dispatch(c.Request.Context(), name, args)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// handleFrame は描画経路向けに最新フレームを返す
func (s *Server) handleFrame(c *gin.Context) {
	handle, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || handle <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     string(camera.KindInvalidArgument),
			Message:   "カメラIDが不正です",
			Timestamp: time.Now(),
		})
		return
	}

	session, err := s.registry.Get(camera.Handle(handle))
	if err != nil {
		s.writeError(c, err)
		return
	}

	frame, ok := s.textures.Latest(session.TextureID())
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     string(camera.KindNotFound),
			Message:   "フレームがまだ到着していません",
			Timestamp: time.Now(),
		})
		return
	}

	c.Data(http.StatusOK, "image/jpeg", frame)
}

// handleDeviceSocket はデバイス接続チャンネルのWebSocket購読
func (s *Server) handleDeviceSocket(c *gin.Context) {
	s.hub.Subscribe(c.Writer, c.Request, 0, deviceChannel)
}

// handleCameraSocket はカメラ毎イベントチャンネルのWebSocket購読
func (s *Server) handleCameraSocket(c *gin.Context) {
	handle, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || handle <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     string(camera.KindInvalidArgument),
			Message:   "カメラIDが不正です",
			Timestamp: time.Now(),
		})
		return
	}

	category := event.Category(c.Param("category"))
	if !category.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     string(camera.KindInvalidArgument),
			Message:   "イベントカテゴリが不正です",
			Timestamp: time.Now(),
		})
		return
	}

	s.hub.Subscribe(c.Writer, c.Request, handle, string(category))
}

// writeError は分類エラーをHTTPレスポンスへ変換する
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := string(camera.KindUnknown)

	if errors.Is(err, bridge.ErrNotImplemented) {
		status = http.StatusNotImplemented
		code = "notImplemented"
	} else {
		switch camera.KindOf(err) {
		case camera.KindInvalidArgument:
			status = http.StatusBadRequest
			code = string(camera.KindInvalidArgument)
		case camera.KindIllegalState:
			status = http.StatusConflict
			code = string(camera.KindIllegalState)
		case camera.KindNotFound:
			status = http.StatusNotFound
			code = string(camera.KindNotFound)
		case camera.KindOperationFailed:
			status = http.StatusInternalServerError
			code = string(camera.KindOperationFailed)
		}
	}

	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

// Start はサーバーを起動する
// シグナル受信またはコンテキストキャンセルでグレースフルに停止する
func (s *Server) Start(ctx context.Context) error {
	// 撮影ファイルの出力先を用意する
	if err := os.MkdirAll(s.config.Camera.CaptureDir, 0755); err != nil {
		return fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	// セッションレジストリとホットプラグ監視を開始
	if err := s.registry.Start(ctx); err != nil {
		return fmt.Errorf("レジストリの開始に失敗: %w", err)
	}

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		log.Printf("HTTPサーバーを起動しています: %s", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		log.Println("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		log.Printf("シグナルを受信しました: %v", sig)
	case err := <-shutdownCh:
		_ = s.registry.Stop(context.Background())
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
// 全セッションを同期的にクローズしてからHTTPサーバーを停止する
func (s *Server) Shutdown() error {
	log.Println("サーバーをシャットダウンしています...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.registry.Stop(ctx); err != nil {
		log.Printf("レジストリの停止に失敗: %v", err)
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	log.Println("サーバーが正常にシャットダウンされました")
	return nil
}
