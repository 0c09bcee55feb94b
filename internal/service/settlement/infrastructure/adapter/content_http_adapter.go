package adapter

import (
	"context"

	"github.com/pkg/errors"

	"nexus-settlement/internal/pkg/httpclient"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
)

const renderPath = "/render"

type renderRequest struct {
	Template      string               `json:"template"`
	Language      string               `json:"language"`
	RecipientKind domain.RecipientKind `json:"recipientKind"`
	OrderID       string               `json:"orderId"`
	TransactionID string               `json:"transactionId"`
	Currency      string               `json:"currency"`
	Subtotal      string               `json:"subtotal"`
	NetTotal      string               `json:"netTotal"`
	Commission    string               `json:"commission,omitempty"`
	CustomerName  string               `json:"customerName,omitempty"`
	LineItems     []domain.LineItem    `json:"lineItems"`
}

// ContentHTTPAdapter 实现了 port.ContentProvider，调用外部渲染服务。
type ContentHTTPAdapter struct {
	client *httpclient.Client
	target string
}

// NewContentHTTPAdapter target 是 base URL 或 Nacos 服务名。
func NewContentHTTPAdapter(client *httpclient.Client, target string) *ContentHTTPAdapter {
	return &ContentHTTPAdapter{client: client, target: target}
}

func (a *ContentHTTPAdapter) Render(ctx context.Context, req port.NotificationRequest) (port.RenderedContent, error) {
	o := req.Order
	exp := domain.MinorUnitExponent(o.Currency, nil)
	body := renderRequest{
		Template:      "order-completed-" + string(req.Recipient.Kind),
		Language:      req.Language,
		RecipientKind: req.Recipient.Kind,
		OrderID:       o.ID,
		TransactionID: o.TransactionID,
		Currency:      o.Currency,
		Subtotal:      o.Subtotal.StringFixed(exp),
		NetTotal:      o.NetTotal.StringFixed(exp),
		CustomerName:  o.Customer.Name,
		LineItems:     o.LineItems,
	}
	if o.Commission != nil && req.Recipient.Kind != domain.RecipientCustomer {
		body.Commission = o.Commission.Amount.StringFixed(exp)
	}

	var out port.RenderedContent
	if err := a.client.PostJSON(ctx, a.target, renderPath, body, &out); err != nil {
		return port.RenderedContent{}, errors.Wrapf(err, "render %s for order %s", body.Template, o.ID)
	}
	if out.Subject == "" || (out.HTML == "" && out.Text == "") {
		return port.RenderedContent{}, errors.Errorf("renderer returned empty content for order %s", o.ID)
	}
	return out, nil
}
