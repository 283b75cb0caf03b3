package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig `yaml:"server"`
	Camera CameraConfig `yaml:"camera"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	CaptureDir    string        `yaml:"capture_dir"`    // 撮影ファイルの出力先
	DefaultPreset string        `yaml:"default_preset"` // openCamera時のデフォルトプリセット
	ScanInterval  time.Duration `yaml:"scan_interval"`  // ホットプラグ監視の間隔
}

// Load は設定を読み込む
// 環境変数が設定されていない項目はデフォルト値を使用する
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsIntOrDefault("PORT", 8080),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // イベント配信用にタイムアウト無効化
		},
		Camera: CameraConfig{
			CaptureDir:    getEnvOrDefault("CAPTURE_DIR", filepath.Join(os.TempDir(), "kakehashi")),
			DefaultPreset: getEnvOrDefault("DEFAULT_PRESET", "max"),
			ScanInterval:  time.Duration(getEnvAsIntOrDefault("SCAN_INTERVAL", 30)) * time.Second,
		},
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	if c.Camera.CaptureDir == "" {
		return fmt.Errorf("撮影ファイルの出力先が設定されていません")
	}

	if c.Camera.ScanInterval < 0 {
		return fmt.Errorf("無効なスキャン間隔: %v", c.Camera.ScanInterval)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
