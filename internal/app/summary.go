package app

import (
	"fmt"
	"strings"
	"time"
)

type StartupSummary struct {
	Broker          string
	DefaultExchange string
	DBPath          string
	JournalPath     string
	Timezone        string
	MarketOpen      string
	MarketClose     string
	Interval        time.Duration
	Workers         int
	EMAPeriod       int
	RSIPeriod       int
	RSIExit         float64
	RestoredSells   int
	OpenPositions   int
	SymbolOverrides int
	HTTPAddr        string
	Telegram        bool
}

func (s *StartupSummary) Print() {
	fmt.Print(s.String())
}

func (s *StartupSummary) String() string {
	var b strings.Builder
	title := "启动配置摘要 (STARTUP SUMMARY)"
	b.WriteString(strings.Repeat("=", 80) + "\n")
	fmt.Fprintf(&b, "%*s\n", 40+len(title)/2, title)
	b.WriteString(strings.Repeat("=", 80) + "\n")

	b.WriteString("[券商 (BROKER)]\n")
	fmt.Fprintf(&b, "  桥接地址: %s\n", s.Broker)
	fmt.Fprintf(&b, "  默认交易所: %s\n", s.DefaultExchange)
	b.WriteString("\n")

	b.WriteString("[交易时段 (SESSION)]\n")
	fmt.Fprintf(&b, "  时区: %s\n", s.Timezone)
	fmt.Fprintf(&b, "  时段: %s - %s\n", s.MarketOpen, s.MarketClose)
	fmt.Fprintf(&b, "  巡检间隔: %s (workers=%d)\n", s.Interval, s.Workers)
	b.WriteString("\n")

	b.WriteString("[指标 (INDICATORS)]\n")
	fmt.Fprintf(&b, "  EMA%d 目标价 / RSI%d 强平阈值 %.1f\n", s.EMAPeriod, s.RSIPeriod, s.RSIExit)
	b.WriteString("\n")

	b.WriteString("[状态 (STATE)]\n")
	fmt.Fprintf(&b, "  数据库: %s\n", s.DBPath)
	fmt.Fprintf(&b, "  挂单日志: %s\n", s.JournalPath)
	fmt.Fprintf(&b, "  恢复卖单: %d\n", s.RestoredSells)
	fmt.Fprintf(&b, "  持仓数量: %d\n", s.OpenPositions)
	fmt.Fprintf(&b, "  代码映射: %d\n", s.SymbolOverrides)
	b.WriteString("\n")

	b.WriteString("[接口 (SERVICES)]\n")
	fmt.Fprintf(&b, "  HTTP: %s\n", s.HTTPAddr)
	fmt.Fprintf(&b, "  Telegram: %s\n", onOff(s.Telegram))
	b.WriteString(strings.Repeat("=", 80) + "\n")
	return b.String()
}

func onOff(v bool) string {
	if v {
		return "启用"
	}
	return "关闭"
}
