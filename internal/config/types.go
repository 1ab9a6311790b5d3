package config

import (
	"strings"
	"time"
)

// Config 是 neotrader 的主配置载体。
type Config struct {
	App     AppConfig     `toml:"app"`
	Broker  BrokerConfig  `toml:"broker"`
	Storage StorageConfig `toml:"storage"`
	Monitor MonitorConfig `toml:"monitor"`
	Symbols SymbolsConfig `toml:"symbols"`
	Notify  NotifyConfig  `toml:"notify"`
}

type AppConfig struct {
	Env          string `toml:"env"`
	LogLevel     string `toml:"log_level"`
	HTTPAddr     string `toml:"http_addr"`
	LogPath      string `toml:"log_path"`
	AuditLogPath string `toml:"audit_log_path"`
}

// BrokerConfig 描述券商 REST 桥接服务的访问方式。
type BrokerConfig struct {
	APIURL             string  `toml:"api_url"`
	AccessToken        string  `toml:"access_token"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`
	RatePerSecond      float64 `toml:"rate_per_second"`
	InsecureSkipVerify bool    `toml:"insecure_skip_verify"`
	DefaultExchange    string  `toml:"default_exchange"`
}

type StorageConfig struct {
	DBPath      string `toml:"db_path"`
	JournalPath string `toml:"journal_path"`
}

// MonitorConfig 控制盘中巡检的节奏与指标参数。
type MonitorConfig struct {
	IntervalSeconds        int     `toml:"interval_seconds"`
	OffsetSeconds          int     `toml:"offset_seconds"`
	Timezone               string  `toml:"timezone"`
	MarketOpen             string  `toml:"market_open"`  // HH:MM
	MarketClose            string  `toml:"market_close"` // HH:MM
	Workers                int     `toml:"workers"`
	EMAPeriod              int     `toml:"ema_period"`
	RSIPeriod              int     `toml:"rsi_period"`
	RSIExitThreshold       float64 `toml:"rsi_exit_threshold"`
	HistoryDays            int     `toml:"history_days"`
	VerificationTTLSeconds int     `toml:"verification_ttl_seconds"`
	PlaceInitialOrders     bool    `toml:"place_initial_orders"`
	FailureThreshold       int     `toml:"failure_threshold"`
	FailureCooldownSeconds int     `toml:"failure_cooldown_seconds"`
}

// Interval 返回巡检间隔。
func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

func (m MonitorConfig) Offset() time.Duration {
	return time.Duration(m.OffsetSeconds) * time.Second
}

func (m MonitorConfig) VerificationTTL() time.Duration {
	return time.Duration(m.VerificationTTLSeconds) * time.Second
}

func (m MonitorConfig) FailureCooldown() time.Duration {
	return time.Duration(m.FailureCooldownSeconds) * time.Second
}

// Location 解析交易所时区，失败时回退到 IST 固定偏移。
func (m MonitorConfig) Location() *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(m.Timezone))
	if err != nil || strings.TrimSpace(m.Timezone) == "" {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

type SymbolsConfig struct {
	MapPath string `toml:"map_path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
