package symbol

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"neotrader/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Override 描述单个标的的交易代码覆盖。
type Override struct {
	TradingSymbol string `yaml:"trading_symbol"`
	Exchange      string `yaml:"exchange"`
	Ticker        string `yaml:"ticker"`
}

// FileConfig 映射 symbols 文件。
type FileConfig struct {
	Symbols map[string]Override `yaml:"symbols"`
}

// Resolved is the broker-facing identity of an instrument.
type Resolved struct {
	Base          string
	TradingSymbol string
	Exchange      string
	Ticker        string
}

// Registry resolves base symbols to trading symbols, honoring a hot-reloaded override file.
// A nil or file-less registry falls back to Parse defaults.
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	overrides map[string]Override
	loadedAt  time.Time
}

// NewRegistry 读取覆盖文件并监听更新；path 为空时仅使用默认规则。
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: strings.TrimSpace(path), overrides: map[string]Override{}}
	if r.path == "" {
		return r, nil
	}
	v := viper.New()
	v.SetConfigFile(r.path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read symbol map failed: %w", err)
	}
	r.v = v
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("symbol map reload failed (%s): %v", evt.Name, err)
			return
		}
		logger.Infof("symbol map reloaded entries=%d", r.Len())
	})
	v.WatchConfig()
	return r, nil
}

// NewStaticRegistry builds a registry from in-memory overrides.
func NewStaticRegistry(overrides map[string]Override) *Registry {
	r := &Registry{overrides: map[string]Override{}, loadedAt: time.Now()}
	for k, o := range overrides {
		r.overrides[strings.ToUpper(strings.TrimSpace(k))] = normalizeOverride(o)
	}
	return r
}

func (r *Registry) reload() error {
	cfg, err := readSymbolFile(r.path)
	if err != nil {
		return err
	}
	next := make(map[string]Override, len(cfg.Symbols))
	for k, o := range cfg.Symbols {
		key := strings.ToUpper(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		next[key] = normalizeOverride(o)
	}
	r.mu.Lock()
	r.overrides = next
	r.loadedAt = time.Now()
	r.mu.Unlock()
	return nil
}

func readSymbolFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read symbol map failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse symbol map failed: %w", err)
	}
	return cfg, nil
}

func normalizeOverride(o Override) Override {
	o.TradingSymbol = strings.ToUpper(strings.TrimSpace(o.TradingSymbol))
	o.Exchange = strings.ToUpper(strings.TrimSpace(o.Exchange))
	o.Ticker = strings.ToUpper(strings.TrimSpace(o.Ticker))
	return o
}

// Len returns the number of overrides currently loaded.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.overrides)
}

// Resolve maps any symbol spelling to the trading symbol, exchange and ticker to use.
func (r *Registry) Resolve(raw string) Resolved {
	parsed := Parse(raw)
	out := Resolved{
		Base:          parsed.Base,
		TradingSymbol: parsed.TradingSymbol(),
		Exchange:      parsed.Exchange,
		Ticker:        parsed.Ticker(),
	}
	if r == nil || parsed.Base == "" {
		return out
	}
	r.mu.RLock()
	o, ok := r.overrides[parsed.Base]
	r.mu.RUnlock()
	if !ok {
		return out
	}
	if o.Exchange != "" {
		out.Exchange = o.Exchange
		out.TradingSymbol = Symbol{Base: parsed.Base, Series: parsed.Series, Exchange: o.Exchange}.TradingSymbol()
		out.Ticker = Symbol{Base: parsed.Base, Exchange: o.Exchange}.Ticker()
	}
	if o.TradingSymbol != "" {
		out.TradingSymbol = o.TradingSymbol
	}
	if o.Ticker != "" {
		out.Ticker = o.Ticker
	}
	return out
}
