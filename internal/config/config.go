package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/goopcall/internal/util"
)

// FileName is the config file inside a peer or relay directory.
const FileName = "goopcall.json"

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	Call      Call      `json:"call"`
	ICE       ICE       `json:"ice"`
	Media     Media     `json:"media"`
	Storage   Storage   `json:"storage"`
	API       API       `json:"api"`
	Log       Log       `json:"log"`
	Relay     Relay     `json:"relay"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`

	// Bearer token presented to the relay, minted with `goopcall token`.
	Token string `json:"token"`
}

type Signaling struct {
	// Websocket URL of the relay, e.g. ws://127.0.0.1:8788/ws
	URL                 string `json:"url"`
	ReconnectDelayMs    int    `json:"reconnect_delay_ms"`
	ReconnectMaxDelayMs int    `json:"reconnect_max_delay_ms"`

	// 0 retries forever.
	ReconnectAttempts int `json:"reconnect_attempts"`
	WriteTimeoutSec   int `json:"write_timeout_seconds"`
	PingIntervalSec   int `json:"ping_interval_seconds"`
}

type Call struct {
	NoAnswerTimeoutSec int `json:"no_answer_timeout_seconds"`
	HistorySize        int `json:"history_size"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICE struct {
	Servers                []ICEServer `json:"servers"`
	DisconnectedTimeoutSec int         `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int         `json:"failed_timeout_seconds"`
	KeepAliveSec           int         `json:"keepalive_seconds"`
	PLIIntervalSec         int         `json:"pli_interval_seconds"`
}

type Media struct {
	// "device" captures camera and microphone, "synthetic" generates
	// silent audio and blank video.
	Capture      string `json:"capture"`
	VideoBitRate int    `json:"video_bitrate"`
	MaxWidth     int    `json:"max_width"`
	MaxHeight    int    `json:"max_height"`
}

type Storage struct {
	// Relative to the peer directory.
	Dir string `json:"dir"`
}

type API struct {
	// Empty disables the control API.
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type Relay struct {
	ListenAddr    string `json:"listen_addr"`
	JWTSecret     string `json:"jwt_secret"`
	JWTIssuer     string `json:"jwt_issuer"`
	TokenTTLHours int    `json:"token_ttl_hours"`

	// Empty keeps the call registry in memory.
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	CallTTLSec    int    `json:"call_ttl_seconds"`
}

const (
	CaptureDevice    = "device"
	CaptureSynthetic = "synthetic"
)

func Default() Config {
	return Config{
		Signaling: Signaling{
			URL:                 "ws://127.0.0.1:8788/ws",
			ReconnectDelayMs:    1000,
			ReconnectMaxDelayMs: 5000,
			ReconnectAttempts:   0,
			WriteTimeoutSec:     10,
			PingIntervalSec:     20,
		},
		Call: Call{
			NoAnswerTimeoutSec: 45,
			HistorySize:        100,
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			DisconnectedTimeoutSec: 5,
			FailedTimeoutSec:       25,
			KeepAliveSec:           2,
			PLIIntervalSec:         3,
		},
		Media: Media{
			Capture:      CaptureDevice,
			VideoBitRate: 1_000_000,
			MaxWidth:     1280,
			MaxHeight:    720,
		},
		Storage: Storage{
			Dir: "data",
		},
		API: API{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Relay: Relay{
			ListenAddr:    ":8788",
			JWTIssuer:     "goopcall",
			TokenTTLHours: 24 * 30,
			CallTTLSec:    3600,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if c.Identity.UserID != "" {
		if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
			return fmt.Errorf("identity.user_id: %w", err)
		}
	}

	// Signaling
	if err := validateWebsocketURL(strings.TrimSpace(c.Signaling.URL)); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if c.Signaling.ReconnectDelayMs <= 0 {
		return errors.New("signaling.reconnect_delay_ms must be > 0")
	}
	if c.Signaling.ReconnectMaxDelayMs < c.Signaling.ReconnectDelayMs {
		return errors.New("signaling.reconnect_max_delay_ms must be >= signaling.reconnect_delay_ms")
	}
	if c.Signaling.ReconnectAttempts < 0 {
		return errors.New("signaling.reconnect_attempts must be >= 0")
	}
	if c.Signaling.WriteTimeoutSec <= 0 {
		return errors.New("signaling.write_timeout_seconds must be > 0")
	}
	if c.Signaling.PingIntervalSec <= 0 {
		return errors.New("signaling.ping_interval_seconds must be > 0")
	}

	// Call
	if c.Call.NoAnswerTimeoutSec < 1 || c.Call.NoAnswerTimeoutSec > 600 {
		return errors.New("call.no_answer_timeout_seconds must be 1..600")
	}
	if c.Call.HistorySize <= 0 {
		return errors.New("call.history_size must be > 0")
	}

	// ICE
	if err := c.ICE.validate(); err != nil {
		return err
	}

	// Media
	switch c.Media.Capture {
	case CaptureDevice, CaptureSynthetic:
	default:
		return fmt.Errorf("media.capture must be %q or %q", CaptureDevice, CaptureSynthetic)
	}
	if c.Media.VideoBitRate <= 0 {
		return errors.New("media.video_bitrate must be > 0")
	}
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.Dir) == "" {
		return errors.New("storage.dir is required")
	}

	// API
	if a := strings.TrimSpace(c.API.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("api.http_addr: %w", err)
		}
	}

	// Log
	if err := c.Log.validate(); err != nil {
		return err
	}

	// Relay
	if _, _, err := net.SplitHostPort(c.Relay.ListenAddr); err != nil {
		return fmt.Errorf("relay.listen_addr: %w", err)
	}
	if c.Relay.TokenTTLHours <= 0 {
		return errors.New("relay.token_ttl_hours must be > 0")
	}
	if c.Relay.CallTTLSec <= 0 {
		return errors.New("relay.call_ttl_seconds must be > 0")
	}
	if c.Relay.RedisDB < 0 {
		return errors.New("relay.redis_db must be >= 0")
	}

	return nil
}

func (i ICE) validate() error {
	for n, s := range i.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls is empty", n)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("ice.servers[%d]: %q is not a stun: or turn: url", n, u)
			}
		}
	}
	if i.DisconnectedTimeoutSec <= 0 || i.FailedTimeoutSec <= 0 || i.KeepAliveSec <= 0 {
		return errors.New("ice timeouts must be > 0")
	}
	if i.FailedTimeoutSec < i.DisconnectedTimeoutSec {
		return errors.New("ice.failed_timeout_seconds must be >= ice.disconnected_timeout_seconds")
	}
	if i.PLIIntervalSec < 0 {
		return errors.New("ice.pli_interval_seconds must be >= 0")
	}
	return nil
}

func (l Log) validate() error {
	switch strings.ToLower(l.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not a known level", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "text", "json":
	default:
		return errors.New("log.format must be text or json")
	}
	return nil
}

func validateWebsocketURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// NoAnswerTimeout is the ringing limit for outgoing calls.
func (c Call) NoAnswerTimeout() time.Duration { return seconds(c.NoAnswerTimeoutSec) }

func (s Signaling) ReconnectDelay() time.Duration {
	return time.Duration(s.ReconnectDelayMs) * time.Millisecond
}

func (s Signaling) ReconnectMaxDelay() time.Duration {
	return time.Duration(s.ReconnectMaxDelayMs) * time.Millisecond
}

func (s Signaling) WriteTimeout() time.Duration { return seconds(s.WriteTimeoutSec) }
func (s Signaling) PingInterval() time.Duration { return seconds(s.PingIntervalSec) }

func (r Relay) TokenTTL() time.Duration { return time.Duration(r.TokenTTLHours) * time.Hour }
func (r Relay) CallTTL() time.Duration  { return seconds(r.CallTTLSec) }

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation. Useful for reading
// individual fields when full validation may fail.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
