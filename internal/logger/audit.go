package logger

import (
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
)

var (
	auditMu  sync.Mutex
	auditLog *log.Logger
)

// SetAuditWriter 设置订单审计日志的输出；nil 表示关闭。
func SetAuditWriter(w io.Writer) {
	auditMu.Lock()
	defer auditMu.Unlock()
	if w == nil {
		auditLog = nil
		return
	}
	auditLog = log.New(w, "", log.LstdFlags)
}

// LogOrderTransition records one step of an order's modify/replace flow.
// Fields are written in key order so lines stay diffable.
func LogOrderTransition(symbol, orderID, from, to string, fields map[string]any) {
	line := formatTransition(symbol, orderID, from, to, fields)
	Debugf("%s", line)
	auditMu.Lock()
	l := auditLog
	auditMu.Unlock()
	if l == nil {
		return
	}
	l.Print(line)
}

func formatTransition(symbol, orderID, from, to string, fields map[string]any) string {
	var b strings.Builder
	b.WriteString("[ORDER]")
	if symbol != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(strings.TrimSpace(symbol)))
		b.WriteString("]")
	}
	if orderID != "" {
		b.WriteString(" order=")
		b.WriteString(orderID)
	}
	b.WriteString(" ")
	if from == "" {
		from = "-"
	}
	b.WriteString(from)
	b.WriteString(" -> ")
	b.WriteString(to)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf(" %s=%v", k, fields[k]))
		}
	}
	return b.String()
}
