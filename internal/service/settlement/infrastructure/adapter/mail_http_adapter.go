package adapter

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"nexus-settlement/internal/pkg/httpclient"
	"nexus-settlement/internal/service/settlement/domain/port"
)

const sendPath = "/send"

type sendResponse struct {
	MessageID string `json:"messageId"`
}

type relayError struct {
	Code      string `json:"code"`
	Permanent *bool  `json:"permanent"`
	Message   string `json:"message"`
}

// MailHTTPAdapter 实现了 port.MailTransport，把邮件交给中继服务投递。
type MailHTTPAdapter struct {
	client *httpclient.Client
	target string
	from   string
}

func NewMailHTTPAdapter(client *httpclient.Client, target, from string) *MailHTTPAdapter {
	return &MailHTTPAdapter{client: client, target: target, from: from}
}

// Send 成功返回 messageId；所有失败都转换为 *port.DeliveryError。
func (a *MailHTTPAdapter) Send(ctx context.Context, msg port.MailMessage) (string, error) {
	if msg.From == "" {
		msg.From = a.from
	}
	var out sendResponse
	err := a.client.PostJSON(ctx, a.target, sendPath, msg, &out)
	if err == nil {
		if out.MessageID == "" {
			return "", &port.DeliveryError{Code: "empty_message_id", Err: errors.New("relay accepted without message id")}
		}
		return out.MessageID, nil
	}

	var statusErr *httpclient.StatusError
	if !errors.As(err, &statusErr) {
		return "", &port.DeliveryError{Code: "transport", Err: err}
	}

	// 4xx 默认视为永久失败，5xx/429 视为可重试；中继可在响应体中显式覆盖。
	derr := &port.DeliveryError{
		Code:      http.StatusText(statusErr.StatusCode),
		Permanent: statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 && statusErr.StatusCode != http.StatusTooManyRequests,
		Err:       err,
	}
	var body relayError
	if json.Unmarshal(statusErr.Body, &body) == nil {
		if body.Code != "" {
			derr.Code = body.Code
		}
		if body.Permanent != nil {
			derr.Permanent = *body.Permanent
		}
		if body.Message != "" {
			derr.Err = errors.Wrap(err, body.Message)
		}
	}
	return "", derr
}
