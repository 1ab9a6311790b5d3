// Package neo talks to the broker through a REST bridge that wraps the broker SDK session.
// Every response is pushed through the order normalization layer before leaving this package.
package neo

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"neotrader/internal/config"
	"neotrader/internal/logger"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// Client wraps the bridge endpoints the engine needs.
type Client struct {
	baseURL         *url.URL
	httpClient      *http.Client
	token           string
	defaultExchange string
	limiter         *rate.Limiter
}

// NewClient constructs a bridge client from configuration.
func NewClient(cfg config.BrokerConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.APIURL)
	if raw == "" {
		return nil, fmt.Errorf("broker.api_url 不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 broker.api_url 失败: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
		} else {
			transport.TLSClientConfig.InsecureSkipVerify = true // #nosec G402
		}
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	exch := strings.ToUpper(strings.TrimSpace(cfg.DefaultExchange))
	if exch == "" {
		exch = "NSE"
	}
	return &Client{
		baseURL:         parsed,
		httpClient:      &http.Client{Timeout: timeout, Transport: transport},
		token:           strings.TrimSpace(cfg.AccessToken),
		defaultExchange: exch,
		limiter:         rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// bridgeError 是桥接服务返回的业务错误。
type bridgeError struct {
	Status  int
	Code    string
	Message string
}

func (e *bridgeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker 返回错误(%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("broker 返回错误(%d): %s", e.Status, e.Message)
}

// do 发送请求并返回原始响应体；非 2xx 或 stat=Not_Ok 视为错误。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("broker client 未初始化")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	endpoint, err := c.resolveEndpoint(path, query)
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用 broker 失败: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("读取 broker 响应失败: %w", err)
	}
	logger.Debugf("broker %s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode >= 300 {
		return nil, parseBridgeError(resp.StatusCode, data)
	}
	if gjson.ValidBytes(data) {
		stat := strings.ToLower(gjson.GetBytes(data, "stat").String())
		if stat == "not_ok" || stat == "error" {
			return nil, parseBridgeError(resp.StatusCode, data)
		}
	}
	return data, nil
}

func parseBridgeError(status int, data []byte) error {
	e := &bridgeError{Status: status}
	if gjson.ValidBytes(data) {
		res := gjson.ParseBytes(data)
		for _, k := range []string{"errMsg", "emsg", "message", "error"} {
			if v := res.Get(k); v.Exists() && v.String() != "" {
				e.Message = v.String()
				break
			}
		}
		for _, k := range []string{"stCode", "code"} {
			if v := res.Get(k); v.Exists() && v.String() != "" {
				e.Code = v.String()
				break
			}
		}
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(data))
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func (c *Client) resolveEndpoint(path string, query url.Values) (*url.URL, error) {
	if c.baseURL == nil {
		return nil, fmt.Errorf("broker API 地址未设置")
	}
	trimmed := strings.TrimSpace(path)
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	base := *c.baseURL
	base.Path = strings.TrimSuffix(base.Path, "/") + trimmed
	base.RawPath = ""
	base.RawQuery = ""
	if len(query) > 0 {
		base.RawQuery = query.Encode()
	}
	base.Fragment = ""
	return &base, nil
}
