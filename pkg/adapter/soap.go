package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Hermes/pkg/codec"
	gwerrors "github.com/wehubfusion/Hermes/pkg/errors"
	"github.com/wehubfusion/Hermes/pkg/model"
)

// InputParamPlaceholder marks where the parameter tree goes in a SOAP body
const InputParamPlaceholder = "${inputParam}"

// SOAPHeaderElement is one element of the soapenv:Header block. Value is
// written as text; Children nest further elements.
type SOAPHeaderElement struct {
	Element  string                       `json:"element"`
	Value    *string                      `json:"value"`
	Children map[string]SOAPHeaderElement `json:"children"`
}

// SOAPMeta is the metaInfo of a SOAP node
type SOAPMeta struct {
	URL               string                       `json:"url" validate:"required,url"`
	Method            string                       `json:"method"`
	Headers           map[string]string            `json:"headers"`
	Envelope          map[string]string            `json:"envelope"`
	Header            map[string]SOAPHeaderElement `json:"header"`
	Body              string                       `json:"body" validate:"required,contains=${inputParam}"`
	ResponseNamespace string                       `json:"responseNamespace"`
	ResultElementName string                       `json:"resultElementName"`
	RequestType       string                       `json:"requestType"`
	Charset           string                       `json:"charset"`
	TimeoutMs         int                          `json:"timeoutMs" validate:"gte=0"`
}

// SOAPCaller posts a SOAP envelope wrapping the PRE tree as XML
type SOAPCaller struct {
	client *http.Client
	logger *zap.Logger
}

// NewSOAPCaller creates a caller on client; nil selects a default pool
func NewSOAPCaller(client *http.Client, logger *zap.Logger) *SOAPCaller {
	if client == nil {
		client = NewHTTPClient(DefaultHTTPClientConfig())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SOAPCaller{client: client, logger: logger}
}

func (c *SOAPCaller) Call(ctx context.Context, node *model.WorkflowNode, params []*model.ParamTreeNode) (any, *Exchange, error) {
	var meta SOAPMeta
	if err := decodeMeta(node.MetaInfo, &meta); err != nil {
		return nil, nil, gwerrors.NewInvalidConfig(fmt.Sprintf("soap node %d", node.ID), err)
	}
	method := strings.ToUpper(meta.Method)
	if method == "" {
		method = http.MethodPost
	}

	envelope := BuildEnvelope(meta, params)
	ex := &Exchange{Request: envelope}
	payload, err := codec.EncodeCharset([]byte(envelope), meta.Charset)
	if err != nil {
		return nil, ex, err
	}

	if meta.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(meta.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, meta.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, ex, gwerrors.NewInvalidConfig(fmt.Sprintf("soap node %d request", node.ID), err)
	}
	charset := meta.Charset
	if charset == "" {
		charset = "UTF-8"
	}
	req.Header.Set("Content-Type", "text/xml;charset="+charset)
	for k, v := range meta.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, ex, gwerrors.NewRemoteInvokeError("soap call "+meta.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, ex, gwerrors.NewRemoteInvokeError("read soap response", err)
	}
	c.logger.Debug("SOAP call",
		zap.String("url", req.URL.Redacted()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	respCharset := meta.Charset
	if respCharset == "" {
		respCharset = codec.CharsetFromContentType(resp.Header.Get("Content-Type"))
	}
	if body, err = codec.DecodeCharset(body, respCharset); err != nil {
		return nil, ex, gwerrors.NewRemoteInvokeError("decode soap response charset", err)
	}
	ex.Response = string(body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ex, gwerrors.NewRemoteInvokeError(fmt.Sprintf("soap call %s returned HTTP %d", meta.URL, resp.StatusCode), nil)
	}

	doc, err := codec.DecodeResponseXML(body, codec.XMLMeta{
		ResponseNamespace: meta.ResponseNamespace,
		ResultElementName: meta.ResultElementName,
		RequestType:       meta.RequestType,
	})
	if err != nil {
		return nil, ex, gwerrors.NewRemoteInvokeError("decode soap response", err)
	}
	return doc, ex, nil
}

// BuildEnvelope renders the full soapenv:Envelope for params
func BuildEnvelope(meta SOAPMeta, params []*model.ParamTreeNode) string {
	var b strings.Builder
	b.WriteString("<soapenv:Envelope")
	for _, k := range sortedKeys(meta.Envelope) {
		fmt.Fprintf(&b, ` %s="%s"`, k, meta.Envelope[k])
	}
	b.WriteString(">")

	b.WriteString("<soapenv:Header>")
	writeHeaderElements(&b, meta.Header)
	b.WriteString("</soapenv:Header>")

	b.WriteString("<soapenv:Body>")
	b.WriteString(strings.ReplaceAll(meta.Body, InputParamPlaceholder, TreeXML(params)))
	b.WriteString("</soapenv:Body>")
	b.WriteString("</soapenv:Envelope>")
	return b.String()
}

func writeHeaderElements(b *strings.Builder, elements map[string]SOAPHeaderElement) {
	keys := make([]string, 0, len(elements))
	for k := range elements {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		el := elements[k]
		name := el.Element
		if name == "" {
			name = k
		}
		b.WriteString("<" + name + ">")
		switch {
		case len(el.Children) > 0:
			writeHeaderElements(b, el.Children)
		case el.Value != nil:
			var buf bytes.Buffer
			escape(&buf, *el.Value)
			b.Write(buf.Bytes())
		}
		b.WriteString("</" + name + ">")
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
