// internal/pkg/httpclient/client.go

package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Resolver 把服务名解析为一个健康实例，nacos.Client 实现了它。
type Resolver interface {
	DiscoverServiceInstance(serviceName string) (string, int, error)
}

// StatusError 是下游返回非 2xx 时的错误，保留响应体供调用方解析类型化错误。
type StatusError struct {
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service %s returned status %d", e.URL, e.StatusCode)
}

// Client 是一个可追踪的、可注入的HTTP客户端
type Client struct {
	Tracer     trace.Tracer
	HTTPClient *http.Client
	resolver   Resolver
}

// NewClient 创建一个新的客户端实例。resolver 为 nil 时 target 必须是完整的 base URL。
func NewClient(tracer trace.Tracer, resolver Resolver) *Client {
	// 不设置 Timeout 字段，让其完全受控于每次请求传入的 context
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
		},
	}
	return &Client{
		Tracer:     tracer,
		HTTPClient: httpClient,
		resolver:   resolver,
	}
}

// PostJSON 发送 JSON 请求体，2xx 时把响应解码到 out（out 可为 nil）。
func (c *Client) PostJSON(ctx context.Context, target, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "marshal request body")
	}
	return c.do(ctx, http.MethodPost, target, path, body, out)
}

// GetJSON 发起 GET 请求并解码响应。
func (c *Client) GetJSON(ctx context.Context, target, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, target, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, target, path string, body []byte, out interface{}) error {
	baseURL, err := c.resolve(target)
	if err != nil {
		return err
	}
	parsedURL, err := url.Parse(strings.TrimRight(baseURL, "/") + path)
	if err != nil {
		return err
	}
	// 从 URL 中解析出服务名用于 Span
	spanName := fmt.Sprintf("call-%s", strings.Split(parsedURL.Host, ":")[0])
	if !strings.Contains(target, "://") {
		spanName = "call-" + target
	}

	ctx, span := c.Tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, parsedURL.String(), reader)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	span.SetAttributes(
		attribute.String("http.url", parsedURL.String()),
		attribute.String("http.method", method),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := &StatusError{URL: parsedURL.String(), StatusCode: resp.StatusCode, Body: respBody}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(respBody, out), "decode response body")
}

// resolve target 可以是 http(s) base URL，也可以是注册在 Nacos 的服务名。
func (c *Client) resolve(target string) (string, error) {
	if strings.Contains(target, "://") {
		return target, nil
	}
	if c.resolver == nil {
		return "", errors.Errorf("cannot resolve service %q without a resolver", target)
	}
	ip, port, err := c.resolver.DiscoverServiceInstance(target)
	if err != nil {
		return "", err
	}
	return "http://" + ip + ":" + strconv.Itoa(port), nil
}
