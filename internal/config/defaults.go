package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppHTTPAddr        = ":9991"
	defaultAppLogPath         = "/data/logs/neotrader.log"
	defaultAppAuditLogPath    = "/data/logs/neotrader-orders.log"
	defaultBrokerAPI          = "http://neo-bridge:8080/api/v1"
	defaultBrokerTimeout      = 15
	defaultBrokerRate         = 5
	defaultBrokerExchange     = "NSE"
	defaultStorageDB          = "/data/db/neotrader.db"
	defaultStorageJournal     = "/data/db/journal.db"
	defaultMonitorInterval    = 60
	defaultMonitorTimezone    = "Asia/Kolkata"
	defaultMonitorOpen        = "09:15"
	defaultMonitorClose       = "15:30"
	defaultMonitorWorkers     = 10
	defaultMonitorEMAPeriod   = 9
	defaultMonitorRSIPeriod   = 10
	defaultMonitorRSIExit     = 50
	defaultMonitorHistoryDays = 200
	defaultMonitorVerifyTTL   = 30
	defaultMonitorFailures    = 5
	defaultMonitorCooldown    = 120
	defaultSymbolsMapPath     = "configs/symbols.yaml"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
	c.Monitor.applyDefaults(keys)
	c.Symbols.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.audit_log_path", &a.AuditLogPath, defaultAppAuditLogPath),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("broker.api_url", &b.APIURL, defaultBrokerAPI),
		stringFieldDefault("broker.default_exchange", &b.DefaultExchange, defaultBrokerExchange),
		fieldDefault{
			key:   "broker.timeout_seconds",
			need:  func() bool { return b.TimeoutSeconds <= 0 },
			apply: func() { b.TimeoutSeconds = defaultBrokerTimeout },
		},
		fieldDefault{
			key:   "broker.rate_per_second",
			need:  func() bool { return b.RatePerSecond <= 0 },
			apply: func() { b.RatePerSecond = defaultBrokerRate },
		},
	)
	b.DefaultExchange = strings.ToUpper(strings.TrimSpace(b.DefaultExchange))
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("storage.db_path", &s.DBPath, defaultStorageDB),
		stringFieldDefault("storage.journal_path", &s.JournalPath, defaultStorageJournal),
	)
}

func (m *MonitorConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("monitor.timezone", &m.Timezone, defaultMonitorTimezone),
		stringFieldDefault("monitor.market_open", &m.MarketOpen, defaultMonitorOpen),
		stringFieldDefault("monitor.market_close", &m.MarketClose, defaultMonitorClose),
		intFieldDefault("monitor.interval_seconds", &m.IntervalSeconds, defaultMonitorInterval),
		intFieldDefault("monitor.workers", &m.Workers, defaultMonitorWorkers),
		intFieldDefault("monitor.ema_period", &m.EMAPeriod, defaultMonitorEMAPeriod),
		intFieldDefault("monitor.rsi_period", &m.RSIPeriod, defaultMonitorRSIPeriod),
		intFieldDefault("monitor.history_days", &m.HistoryDays, defaultMonitorHistoryDays),
		intFieldDefault("monitor.verification_ttl_seconds", &m.VerificationTTLSeconds, defaultMonitorVerifyTTL),
		intFieldDefault("monitor.failure_threshold", &m.FailureThreshold, defaultMonitorFailures),
		intFieldDefault("monitor.failure_cooldown_seconds", &m.FailureCooldownSeconds, defaultMonitorCooldown),
		fieldDefault{
			key:   "monitor.rsi_exit_threshold",
			need:  func() bool { return m.RSIExitThreshold <= 0 },
			apply: func() { m.RSIExitThreshold = defaultMonitorRSIExit },
		},
		boolFieldDefault("monitor.place_initial_orders", &m.PlaceInitialOrders, true),
	)
	if m.OffsetSeconds < 0 {
		m.OffsetSeconds = 0
	}
}

func (s *SymbolsConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("symbols.map_path", &s.MapPath, defaultSymbolsMapPath),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
