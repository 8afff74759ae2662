package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Hermes/pkg/codec"
	gwerrors "github.com/wehubfusion/Hermes/pkg/errors"
	"github.com/wehubfusion/Hermes/pkg/mapping"
	"github.com/wehubfusion/Hermes/pkg/model"
)

// maxResponseBytes caps how much of a downstream body is read
const maxResponseBytes = 32 << 20

// HTTPMeta is the metaInfo of an HTTP node
type HTTPMeta struct {
	URL          string            `json:"url" validate:"required,url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	ResponseType string            `json:"responseType" validate:"omitempty,oneof=json xml JSON XML"`
	Charset      string            `json:"charset"`
	TimeoutMs    int               `json:"timeoutMs" validate:"gte=0"`
}

// HTTPClientConfig sizes the shared outbound connection pool
type HTTPClientConfig struct {
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxConnsPerHost int           `mapstructure:"max_conns_per_host"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	PoolWaitTimeout time.Duration `mapstructure:"pool_wait_timeout"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout"`
}

// DefaultHTTPClientConfig returns the pool defaults
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		MaxIdleConns:    200,
		MaxConnsPerHost: 20,
		ConnectTimeout:  20 * time.Second,
		ResponseTimeout: 20 * time.Second,
		PoolWaitTimeout: 10 * time.Second,
		IdleConnTimeout: 90 * time.Second,
	}
}

func (c *HTTPClientConfig) applyDefaults() {
	d := DefaultHTTPClientConfig()
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = d.MaxIdleConns
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = d.MaxConnsPerHost
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.PoolWaitTimeout <= 0 {
		c.PoolWaitTimeout = d.PoolWaitTimeout
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = d.IdleConnTimeout
	}
}

// NewHTTPClient builds the pooled client shared by HTTP and SOAP nodes. The
// overall timeout covers connect, waiting for a pooled connection and the
// response, so no request waits without bound.
func NewHTTPClient(cfg HTTPClientConfig) *http.Client {
	cfg.applyDefaults()
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.ConnectTimeout + cfg.PoolWaitTimeout + cfg.ResponseTimeout,
	}
}

// HTTPCaller sends the PRE tree as JSON
type HTTPCaller struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPCaller creates a caller on client; nil selects a default pool
func NewHTTPCaller(client *http.Client, logger *zap.Logger) *HTTPCaller {
	if client == nil {
		client = NewHTTPClient(DefaultHTTPClientConfig())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPCaller{client: client, logger: logger}
}

func (c *HTTPCaller) Call(ctx context.Context, node *model.WorkflowNode, params []*model.ParamTreeNode) (any, *Exchange, error) {
	var meta HTTPMeta
	if err := decodeMeta(node.MetaInfo, &meta); err != nil {
		return nil, nil, gwerrors.NewInvalidConfig(fmt.Sprintf("http node %d", node.ID), err)
	}
	method := strings.ToUpper(meta.Method)
	switch method {
	case "":
		method = http.MethodGet
	case http.MethodGet, http.MethodPost:
	default:
		return nil, nil, gwerrors.NewInvalidConfig(fmt.Sprintf("http node %d: unsupported method %s, want GET or POST", node.ID, meta.Method), nil)
	}

	ex := &Exchange{}
	target := meta.URL
	var body io.Reader
	if method == http.MethodGet {
		query := queryString(mapping.FlattenDefault(params))
		if query != "" {
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + query
		}
		ex.Request = target
	} else {
		payload, err := json.Marshal(requestBody(params))
		if err != nil {
			return nil, ex, gwerrors.NewCodecError("encode request body", err)
		}
		ex.Request = string(payload)
		if payload, err = codec.EncodeCharset(payload, meta.Charset); err != nil {
			return nil, ex, err
		}
		body = bytes.NewReader(payload)
	}

	if meta.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(meta.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, ex, gwerrors.NewInvalidConfig(fmt.Sprintf("http node %d request", node.ID), err)
	}
	if body != nil {
		charset := meta.Charset
		if charset == "" {
			charset = "UTF-8"
		}
		req.Header.Set("Content-Type", "application/json;charset="+charset)
	}
	req.Header.Set("Accept", "application/json, application/xml;q=0.9, */*;q=0.8")
	for k, v := range meta.Headers {
		req.Header.Set(k, v)
	}

	respBody, status, contentType, err := c.do(req)
	if err != nil {
		return nil, ex, gwerrors.NewRemoteInvokeError(fmt.Sprintf("%s %s", method, meta.URL), err)
	}

	charset := meta.Charset
	if charset == "" {
		charset = codec.CharsetFromContentType(contentType)
	}
	if respBody, err = codec.DecodeCharset(respBody, charset); err != nil {
		return nil, ex, gwerrors.NewRemoteInvokeError("decode response charset", err)
	}
	ex.Response = string(respBody)

	if status < 200 || status >= 300 {
		return nil, ex, gwerrors.NewRemoteInvokeError(fmt.Sprintf("%s %s returned HTTP %d", method, meta.URL, status), nil)
	}

	var resp any
	if strings.EqualFold(meta.ResponseType, "xml") {
		resp, err = codec.DecodeXMLContent(respBody)
	} else {
		resp, err = codec.DecodeJSONValue(respBody)
	}
	if err != nil {
		return nil, ex, gwerrors.NewRemoteInvokeError("decode response", err)
	}
	return resp, ex, nil
}

func (c *HTTPCaller) do(req *http.Request) ([]byte, int, string, error) {
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, "", fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("Downstream call",
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	return body, resp.StatusCode, resp.Header.Get("Content-Type"), nil
}

// requestBody is the flattened tree, or the list itself when the tree is a
// single PURE_ARRAY node
func requestBody(params []*model.ParamTreeNode) any {
	if len(params) == 1 && params[0].Type == model.TypePureArray {
		return mapping.ArrayValue(params[0], true)
	}
	return mapping.FlattenDefault(params)
}

// queryString encodes the scalar and scalar-list parameters in key order
func queryString(values map[string]any) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := url.Values{}
	for _, k := range keys {
		switch v := values[k].(type) {
		case nil, map[string]any:
		case []any:
			for _, item := range v {
				if _, nested := item.(map[string]any); !nested && item != nil {
					q.Add(k, codec.FormatScalar(item))
				}
			}
		default:
			q.Add(k, codec.FormatScalar(v))
		}
	}
	return q.Encode()
}
