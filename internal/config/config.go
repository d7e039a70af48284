package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config 聚合客户端与本地桩服务的配置项。
type Config struct {
	Endpoint   EndpointConfig   `toml:"endpoint"`
	Connection ConnectionConfig `toml:"connection"`
	Audio      AudioConfig      `toml:"audio"`
	Log        LogConfig        `toml:"log"`
	Stub       StubConfig       `toml:"stub"`
}

// EndpointConfig 描述助手服务地址。
type EndpointConfig struct {
	WebSocketURL string `toml:"ws_url"`
	APIURL       string `toml:"api_url"`
	HTTPTimeout  int    `toml:"http_timeout"` // 秒
}

// ConnectionConfig 描述重连与心跳策略。
type ConnectionConfig struct {
	ReconnectBaseMS      int `toml:"reconnect_base_ms"`
	ReconnectMaxAttempts int `toml:"reconnect_max_attempts"`
	PingInterval         int `toml:"ping_interval"` // 秒，0 表示关闭
}

// AudioConfig 描述录音与播放命令。
type AudioConfig struct {
	CaptureCommand  string `toml:"capture_command"`
	CaptureDevice   string `toml:"capture_device"`
	CaptureFormat   string `toml:"capture_format"`
	SampleRate      int    `toml:"sample_rate"`
	PlaybackCommand string `toml:"playback_command"`
	PlaybackQueue   int    `toml:"playback_queue"`
}

// LogConfig 描述日志与指标输出。
type LogConfig struct {
	Level       string `toml:"level"`
	MetricsAddr string `toml:"metrics_addr"`
}

// StubConfig 描述本地桩服务。
type StubConfig struct {
	Addr      string  `toml:"addr"`
	ChunkRate float64 `toml:"chunk_rate"` // 每秒分片数
}

// Default 返回默认配置。
func Default() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			WebSocketURL: "ws://localhost:8000/ws",
			APIURL:       "http://localhost:8000/api",
			HTTPTimeout:  30,
		},
		Connection: ConnectionConfig{
			ReconnectBaseMS:      1000,
			ReconnectMaxAttempts: 5,
			PingInterval:         30,
		},
		Audio: AudioConfig{
			CaptureCommand:  "ffmpeg",
			CaptureFormat:   "pulse",
			SampleRate:      16000,
			PlaybackCommand: "ffplay",
			PlaybackQueue:   32,
		},
		Log:  LogConfig{Level: "info"},
		Stub: StubConfig{Addr: ":8000", ChunkRate: 20},
	}
}

// Load 依次应用默认值、ASSISTANT_CONFIG 指向的 TOML 文件和环境变量。
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("ASSISTANT_CONFIG")); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Endpoint.WebSocketURL = getEnvOrDefault("ASSISTANT_WS_URL", cfg.Endpoint.WebSocketURL)
	cfg.Endpoint.APIURL = getEnvOrDefault("ASSISTANT_API_URL", cfg.Endpoint.APIURL)
	cfg.Audio.CaptureCommand = getEnvOrDefault("ASSISTANT_CAPTURE_COMMAND", cfg.Audio.CaptureCommand)
	cfg.Audio.CaptureDevice = getEnvOrDefault("ASSISTANT_CAPTURE_DEVICE", cfg.Audio.CaptureDevice)
	cfg.Audio.CaptureFormat = getEnvOrDefault("ASSISTANT_CAPTURE_FORMAT", cfg.Audio.CaptureFormat)
	cfg.Audio.PlaybackCommand = getEnvOrDefault("ASSISTANT_PLAYBACK_COMMAND", cfg.Audio.PlaybackCommand)
	cfg.Log.Level = getEnvOrDefault("ASSISTANT_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.MetricsAddr = getEnvOrDefault("ASSISTANT_METRICS_ADDR", cfg.Log.MetricsAddr)

	ints := []struct {
		key    string
		target *int
	}{
		{"ASSISTANT_HTTP_TIMEOUT", &cfg.Endpoint.HTTPTimeout},
		{"ASSISTANT_RECONNECT_BASE_MS", &cfg.Connection.ReconnectBaseMS},
		{"ASSISTANT_RECONNECT_MAX_ATTEMPTS", &cfg.Connection.ReconnectMaxAttempts},
		{"ASSISTANT_PING_INTERVAL", &cfg.Connection.PingInterval},
		{"ASSISTANT_SAMPLE_RATE", &cfg.Audio.SampleRate},
		{"ASSISTANT_PLAYBACK_QUEUE", &cfg.Audio.PlaybackQueue},
	}
	for _, item := range ints {
		val, err := parseOptionalIntEnv(item.key)
		if err != nil {
			return err
		}
		if val != nil {
			*item.target = *val
		}
	}

	addr, err := stubAddr(getEnvOrDefault("PORT", cfg.Stub.Addr))
	if err != nil {
		return err
	}
	cfg.Stub.Addr = addr

	rate, err := parseOptionalFloatEnv("STUB_CHUNK_RATE")
	if err != nil {
		return err
	}
	if rate != nil {
		cfg.Stub.ChunkRate = *rate
	}
	return nil
}

// Validate 校验配置取值。
func (c *Config) Validate() error {
	if err := validateURL("ASSISTANT_WS_URL", c.Endpoint.WebSocketURL, "ws", "wss"); err != nil {
		return err
	}
	if err := validateURL("ASSISTANT_API_URL", c.Endpoint.APIURL, "http", "https"); err != nil {
		return err
	}
	switch {
	case c.Connection.ReconnectBaseMS <= 0:
		return fmt.Errorf("reconnect base must be positive, got %d", c.Connection.ReconnectBaseMS)
	case c.Connection.ReconnectMaxAttempts <= 0:
		return fmt.Errorf("reconnect max attempts must be positive, got %d", c.Connection.ReconnectMaxAttempts)
	case c.Connection.PingInterval < 0:
		return fmt.Errorf("ping interval cannot be negative, got %d", c.Connection.PingInterval)
	case c.Audio.SampleRate <= 0:
		return fmt.Errorf("sample rate must be positive, got %d", c.Audio.SampleRate)
	case c.Stub.ChunkRate <= 0:
		return fmt.Errorf("stub chunk rate must be positive, got %v", c.Stub.ChunkRate)
	}
	return nil
}

// ReconnectBase 重连基础延迟。
func (c ConnectionConfig) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMS) * time.Millisecond
}

// Ping 心跳间隔。
func (c ConnectionConfig) Ping() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

// Timeout HTTP 请求超时。
func (c EndpointConfig) Timeout() time.Duration {
	return time.Duration(c.HTTPTimeout) * time.Second
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("invalid %s value %q: expected %s URL", key, raw, strings.Join(schemes, "/"))
}

// stubAddr 解析桩服务监听地址。
func stubAddr(port string) (string, error) {
	if strings.Contains(port, ":") {
		// 允许直接传入 ":8000" 或 "127.0.0.1:8000"。
		return port, nil
	}
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	return ":" + port, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
