package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"camerad/internal/metadata"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig `yaml:"server"`
	Camera CameraConfig `yaml:"camera"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host" validate:"required"`        // リッスンするホスト
	Port int    `yaml:"port" validate:"min=1,max=65535"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // グレースフルシャットダウンの待ち時間
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	// 仮想ホストに登録するカメラ
	Devices []CameraDevice `yaml:"devices" validate:"required,min=1,unique=ID,dive"`

	ArbiterPolicy      string `yaml:"arbiter_policy" validate:"omitempty,oneof=strict log_only"`
	SessionPolicy      string `yaml:"session_policy" validate:"omitempty,oneof=per_client evict_all"`
	CheckStreamSupport bool   `yaml:"check_stream_support"` // falseならIsStreamsSupportedを省略する

	FrameBuffer int `yaml:"frame_buffer" validate:"min=0"` // ストリームごとに保持するフレーム記述の数
}

// CameraDevice は個別カメラの設定
type CameraDevice struct {
	ID       string         `yaml:"id" validate:"required"` // カメラID
	Name     string         `yaml:"name"`                   // カメラ名
	Position uint8          `yaml:"position"`               // 0: 背面, 1: 前面
	Streams  []StreamConfig `yaml:"streams" validate:"required,min=1,dive"`
}

// StreamConfig はカメラが公開するストリーム構成
type StreamConfig struct {
	Format string `yaml:"format" validate:"required,pixelformat"` // 例: YCRCB_420_SP, JPEG
	Width  int32  `yaml:"width" validate:"gt=0"`
	Height int32  `yaml:"height" validate:"gt=0"`
}

// StreamConfigurations はアビリティに登録する形式に変換する
func (d CameraDevice) StreamConfigurations() ([]metadata.StreamConfiguration, error) {
	configs := make([]metadata.StreamConfiguration, 0, len(d.Streams))
	for _, s := range d.Streams {
		format, ok := metadata.ParseFormat(s.Format)
		if !ok {
			return nil, fmt.Errorf("カメラ %s: 不明なフォーマット %q", d.ID, s.Format)
		}
		configs = append(configs, metadata.StreamConfiguration{Format: format, Width: s.Width, Height: s.Height})
	}
	return configs, nil
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsIntOrDefault("SERVER_PORT", getEnvAsIntOrDefault("PORT", 8080)),
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // WebSocket用にタイムアウト無効化
			ShutdownTimeout: 5 * time.Second,
		},
		Camera: CameraConfig{
			Devices: []CameraDevice{
				{
					ID:       "cam0",
					Name:     "背面カメラ",
					Position: 0,
					Streams: []StreamConfig{
						{Format: "YCRCB_420_SP", Width: 640, Height: 480},
						{Format: "YCRCB_420_SP", Width: 1280, Height: 720},
						{Format: "JPEG", Width: 1920, Height: 1080},
					},
				},
				{
					ID:       "cam1",
					Name:     "前面カメラ",
					Position: 1,
					Streams: []StreamConfig{
						{Format: "YCRCB_420_SP", Width: 640, Height: 480},
						{Format: "JPEG", Width: 1280, Height: 720},
					},
				},
			},
			ArbiterPolicy:      "strict",
			SessionPolicy:      "per_client",
			CheckStreamSupport: true,
			FrameBuffer:        30,
		},
		Log: LogConfig{
			Level:       getEnvOrDefault("LOG_LEVEL", "info"),
			Development: false,
		},
	}
}

// Load は環境変数とデフォルト値から設定を読み込む
func Load() (*Config, error) {
	cfg := Default()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile はYAMLファイルの設定をデフォルト値に重ねて読み込む
// ファイル中の ${VAR} は環境変数で展開する
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// 登録に失敗するのはタグ名が空の場合だけ
	_ = v.RegisterValidation("pixelformat", func(fl validator.FieldLevel) bool {
		_, ok := metadata.ParseFormat(fl.Field().String())
		return ok
	})
	return v
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("設定の検証に失敗: %w", err)
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
