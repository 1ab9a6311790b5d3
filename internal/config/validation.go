package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Monitor.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	if strings.TrimSpace(b.APIURL) == "" {
		return fmt.Errorf("broker.api_url cannot be empty")
	}
	if _, err := url.Parse(b.APIURL); err != nil {
		return fmt.Errorf("broker.api_url invalid: %w", err)
	}
	if b.TimeoutSeconds <= 0 {
		return fmt.Errorf("broker.timeout_seconds must be > 0")
	}
	if b.RatePerSecond <= 0 {
		return fmt.Errorf("broker.rate_per_second must be > 0")
	}
	switch b.DefaultExchange {
	case "NSE", "BSE":
	default:
		return fmt.Errorf("broker.default_exchange only supports NSE or BSE, got %s", b.DefaultExchange)
	}
	return nil
}

func (s *StorageConfig) validate() error {
	if strings.TrimSpace(s.DBPath) == "" {
		return fmt.Errorf("storage.db_path cannot be empty")
	}
	if strings.TrimSpace(s.JournalPath) == "" {
		return fmt.Errorf("storage.journal_path cannot be empty")
	}
	return nil
}

func (m *MonitorConfig) validate() error {
	if m.IntervalSeconds < 5 {
		return fmt.Errorf("monitor.interval_seconds must be >= 5")
	}
	if m.Workers <= 0 || m.Workers > 64 {
		return fmt.Errorf("monitor.workers must be in [1,64]")
	}
	if m.EMAPeriod < 2 {
		return fmt.Errorf("monitor.ema_period must be >= 2")
	}
	if m.RSIPeriod < 2 {
		return fmt.Errorf("monitor.rsi_period must be >= 2")
	}
	if m.RSIExitThreshold <= 0 || m.RSIExitThreshold >= 100 {
		return fmt.Errorf("monitor.rsi_exit_threshold must be in (0,100)")
	}
	if m.HistoryDays < m.EMAPeriod+1 || m.HistoryDays < m.RSIPeriod+1 {
		return fmt.Errorf("monitor.history_days must cover ema_period and rsi_period")
	}
	if _, err := time.LoadLocation(m.Timezone); err != nil {
		return fmt.Errorf("monitor.timezone invalid: %w", err)
	}
	open, err := ParseClock(m.MarketOpen)
	if err != nil {
		return fmt.Errorf("monitor.market_open: %w", err)
	}
	closeAt, err := ParseClock(m.MarketClose)
	if err != nil {
		return fmt.Errorf("monitor.market_close: %w", err)
	}
	if closeAt <= open {
		return fmt.Errorf("monitor.market_close must be after market_open")
	}
	if m.FailureThreshold <= 0 {
		return fmt.Errorf("monitor.failure_threshold must be > 0")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

// ParseClock 解析 HH:MM，返回距零点的偏移。
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("expect HH:MM, got %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
