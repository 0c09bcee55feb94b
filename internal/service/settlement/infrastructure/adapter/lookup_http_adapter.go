package adapter

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"nexus-settlement/internal/pkg/httpclient"
	"nexus-settlement/internal/service/settlement/domain"
)

// LookupHTTPAdapter 实现了 port.CompletionLookup，向支付服务商查询交易详情用于补录。
type LookupHTTPAdapter struct {
	client *httpclient.Client
	target string
}

func NewLookupHTTPAdapter(client *httpclient.Client, target string) *LookupHTTPAdapter {
	return &LookupHTTPAdapter{client: client, target: target}
}

func (a *LookupHTTPAdapter) FetchCompletion(ctx context.Context, transactionID string) (*domain.CompletionEvent, error) {
	var event domain.CompletionEvent
	err := a.client.GetJSON(ctx, a.target, "/transactions/"+url.PathEscape(transactionID), &event)
	if err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, errors.Wrap(domain.ErrTransactionUnknown, transactionID)
		}
		return nil, errors.Wrapf(err, "lookup transaction %s", transactionID)
	}
	if event.TransactionID == "" {
		event.TransactionID = transactionID
	}
	return &event, nil
}
