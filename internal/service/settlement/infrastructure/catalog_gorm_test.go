package infrastructure_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/infrastructure"
	"nexus-settlement/internal/service/settlement/infrastructure/dbtest"
)

func TestGormCatalog_FindByCode(t *testing.T) {
	db := dbtest.Open(t)
	require.NoError(t, db.Create(&infrastructure.AffiliateModel{ID: "aff-1", Code: "ALICE", Email: "alice@example.com", Rate: dec("0.1"), Active: true}).Error)
	catalog := infrastructure.NewGormCatalog(db)

	aff, err := catalog.FindByCode(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "aff-1", aff.ID)
	assert.True(t, aff.Rate.Equal(dec("0.1")))

	_, err = catalog.FindByCode(context.Background(), "ghost")
	assert.True(t, errors.Is(err, domain.ErrAffiliateNotFound))
}

func TestGormCatalog_FindApplicable(t *testing.T) {
	db := dbtest.Open(t)
	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ended := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, m := range []infrastructure.CampaignModel{
		{ID: "by-ref", GroupTag: "other", SharePct: dec("0.1"), Active: true},
		{ID: "by-tag", GroupTag: "summer", SharePct: dec("0.2"), Active: true, StartsAt: &past},
		{ID: "by-expr", MatchExpr: "item.quantity > 1", SharePct: dec("0.3"), Active: true},
		{ID: "inactive", GroupTag: "summer", SharePct: dec("0.4"), Active: false},
		{ID: "expired", GroupTag: "summer", SharePct: dec("0.5"), Active: true, EndsAt: &ended},
		{ID: "unrelated", GroupTag: "winter", SharePct: dec("0.6"), Active: true},
	} {
		m := m
		require.NoError(t, db.Create(&m).Error)
	}
	catalog := infrastructure.NewGormCatalog(db)

	got, err := catalog.FindApplicable(context.Background(), []string{"by-ref"}, []string{"summer"}, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	var ids []string
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"by-expr", "by-ref", "by-tag"}, ids)
}
