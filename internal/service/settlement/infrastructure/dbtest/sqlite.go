// Package dbtest 为测试打开使用生产表结构的临时 sqlite 数据库。
package dbtest

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"nexus-settlement/internal/service/settlement/infrastructure"
)

// Open 返回一个已迁移的临时 sqlite 库，测试结束时关闭。
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := infrastructure.OpenSQLite(filepath.Join(t.TempDir(), "settlement.db"), gormlogger.Silent)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql.DB: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}
