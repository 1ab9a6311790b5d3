package livehttp

import (
	"bufio"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"neotrader/internal/monitor"
	"neotrader/internal/store"

	"github.com/gin-gonic/gin"
)

// Router 暴露只读的查询接口。
type Router struct {
	orders   OrderSource
	cycles   CycleSource
	store    StoreSource
	trades   TradeSource
	logPaths map[string]string
	logNames []string
	now      func() time.Time
}

// NewRouter 构造 live HTTP router。
func NewRouter(cfg ServerConfig) *Router {
	names := make([]string, 0, len(cfg.LogPaths))
	for name, path := range cfg.LogPaths {
		if strings.TrimSpace(path) == "" || strings.TrimSpace(name) == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &Router{
		orders:   cfg.Orders,
		cycles:   cfg.Cycles,
		store:    cfg.Store,
		trades:   cfg.Trades,
		logPaths: cfg.LogPaths,
		logNames: names,
		now:      time.Now,
	}
}

// Register 将路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/orders/active", r.handleActiveOrders)
	group.GET("/monitor/last-cycle", r.handleLastCycle)
	group.GET("/positions", r.handlePositions)
	group.GET("/circuit-waits", r.handleCircuitWaits)
	group.GET("/forced-exits", r.handleForcedExits)
	group.GET("/trades", r.handleTrades)
	group.GET("/logs", r.handleLogs)
}

func (r *Router) handleActiveOrders(c *gin.Context) {
	sells := r.orders.ActiveSellOrders()
	buys := r.orders.ActiveBuyOrders()
	sellOut := make([]sellView, 0, len(sells))
	for _, s := range sells {
		sellOut = append(sellOut, sellView{
			Symbol:       s.Symbol,
			OrderID:      s.OrderID,
			TargetPrice:  s.TargetPrice,
			Quantity:     s.Quantity,
			Ticker:       s.Ticker,
			PlacedSymbol: s.PlacedSymbol,
			Exchange:     s.Exchange,
			RegisteredAt: s.RegisteredAt,
			LastUpdated:  s.LastUpdated,
		})
	}
	sort.Slice(sellOut, func(i, j int) bool { return sellOut[i].Symbol < sellOut[j].Symbol })
	buyOut := make([]buyView, 0, len(buys))
	for _, b := range buys {
		buyOut = append(buyOut, buyView{
			OrderID:          b.OrderID,
			Symbol:           b.Symbol,
			Quantity:         b.Quantity,
			Price:            b.Price,
			OriginalQuantity: b.OriginalQuantity,
			OriginalPrice:    b.OriginalPrice,
			ManualCancelled:  b.IsManuallyCancelled,
			RegisteredAt:     b.RegisteredAt,
		})
	}
	sort.Slice(buyOut, func(i, j int) bool { return buyOut[i].OrderID < buyOut[j].OrderID })
	c.JSON(http.StatusOK, gin.H{"sells": sellOut, "buys": buyOut})
}

func (r *Router) handleLastCycle(c *gin.Context) {
	if r.cycles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "monitor not configured"})
		return
	}
	rep, ok := r.cycles.LastReport()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cycle has run yet"})
		return
	}
	c.JSON(http.StatusOK, toCycleView(rep))
}

func toCycleView(rep monitor.CycleReport) cycleView {
	b, s := rep.Buys, rep.Sells
	return cycleView{
		TraceID:    rep.TraceID,
		StartedAt:  rep.StartedAt,
		DurationMS: rep.Duration.Milliseconds(),
		Orders:     rep.Orders,
		Buys: map[string]int{
			"tracked":   b.Tracked,
			"executed":  b.Executed,
			"rejected":  b.Rejected,
			"cancelled": b.Cancelled,
			"modified":  b.Modified,
			"pending":   b.Pending,
			"errors":    b.Errors,
		},
		Sells: map[string]int{
			"tracked":         s.Tracked,
			"checked":         s.Checked,
			"updated":         s.Updated,
			"unchanged":       s.Unchanged,
			"skipped":         s.Skipped,
			"errors":          s.Errors,
			"executed":        s.Executed,
			"removed":         s.Removed,
			"manual_sells":    s.ManualSells,
			"manual_buys":     s.ManualBuys,
			"resized":         s.Resized,
			"circuit_queued":  s.CircuitQueued,
			"circuit_retried": s.CircuitRetried,
			"circuit_waiting": s.CircuitWaiting,
			"forced_exits":    s.ForcedExits,
		},
		Error: rep.Err,
	}
}

func (r *Router) handlePositions(c *gin.Context) {
	if r.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store not configured"})
		return
	}
	positions, err := r.store.ListOpenPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (r *Router) handleCircuitWaits(c *gin.Context) {
	if r.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store not configured"})
		return
	}
	waits, err := r.store.ListCircuitWaits(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]waitView, 0, len(waits))
	for _, w := range waits {
		out = append(out, waitView{
			Symbol:     w.Symbol,
			OrderID:    w.OrderID,
			Quantity:   w.Quantity,
			Upper:      w.Upper,
			Lower:      w.Lower,
			EMA9Target: w.EMA9Target,
			Reason:     w.RejectionReason,
			Status:     w.Status,
			NewOrderID: w.NewOrderID,
			CreatedAt:  w.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"waits": out})
}

func (r *Router) handleForcedExits(c *gin.Context) {
	if r.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store not configured"})
		return
	}
	date := strings.TrimSpace(c.Query("date"))
	if date == "" {
		date = r.now().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}
	exits, err := r.store.ListForcedExits(c.Request.Context(), date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "forced_exits": exits})
}

func (r *Router) handleTrades(c *gin.Context) {
	if r.trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	trades, err := r.trades.ListTrades(c.Request.Context(), symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if trades == nil {
		trades = []store.TradeRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (r *Router) handleLogs(c *gin.Context) {
	if len(r.logNames) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "未配置日志文件"})
		return
	}
	name := strings.TrimSpace(c.DefaultQuery("name", ""))
	path := ""
	if name != "" {
		path = strings.TrimSpace(r.logPaths[name])
	}
	if path == "" {
		name = r.logNames[0]
		path = r.logPaths[name]
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if limit <= 0 {
		limit = 200
	}
	lines, err := readLastLines(path, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "name": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":      name,
		"lines":     lines,
		"available": r.logNames,
	})
}

const maxLogLineSize = 1024 * 1024

func readLastLines(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLogLineSize)
	lines := make([]string, 0, limit)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
