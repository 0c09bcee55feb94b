package port

import (
	"context"
	"fmt"

	"nexus-settlement/internal/service/settlement/domain"
)

// NotificationRequest 是交给外部内容服务的渲染请求，内容只从已落库的订单推导。
type NotificationRequest struct {
	Recipient domain.Recipient
	Order     *domain.Order
	Language  string
}

type RenderedContent struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// ContentProvider 负责通知内容渲染（模板、多语言），属于外部协作者。
type ContentProvider interface {
	Render(ctx context.Context, req NotificationRequest) (RenderedContent, error)
}

type MailMessage struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// MailTransport 投递邮件，成功返回 messageId，失败返回 *DeliveryError。
type MailTransport interface {
	Send(ctx context.Context, msg MailMessage) (messageID string, err error)
}

// DeliveryError 是邮件中继返回的类型化投递错误。
type DeliveryError struct {
	Code      string
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("mail delivery failed (%s, permanent=%t): %v", e.Code, e.Permanent, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ResendQueue 把失败的通知排入独立的补发队列。
type ResendQueue interface {
	EnqueueResend(ctx context.Context, orderID, reason string) error
}
