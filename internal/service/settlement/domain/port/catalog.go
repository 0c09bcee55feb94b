package port

import (
	"context"
	"time"

	"nexus-settlement/internal/service/settlement/domain"
)

// AffiliateDirectory 按推广码查找推广者，找不到时返回 domain.ErrAffiliateNotFound。
type AffiliateDirectory interface {
	FindByCode(ctx context.Context, code string) (*domain.Affiliate, error)
}

// CampaignCatalog 返回在 at 时刻生效、且 ID 在 refs 中或 GroupTag 在 tags 中的活动。
type CampaignCatalog interface {
	FindApplicable(ctx context.Context, refs, tags []string, at time.Time) ([]domain.Campaign, error)
}

// CompletionLookup 向支付服务商查询交易，用于后台补录。
type CompletionLookup interface {
	FetchCompletion(ctx context.Context, transactionID string) (*domain.CompletionEvent, error)
}

// Locker 是分布式互斥锁，保证恢复扫描在集群内只有一个实例执行。
type Locker interface {
	TryLock(ctx context.Context, resource string) (unlock func() error, acquired bool, err error)
}
