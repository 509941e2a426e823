package mysql

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// dbFrom 解析当前 context 绑定的事务，未绑定时返回基础连接
func dbFrom(ctx context.Context, base *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return base.WithContext(ctx)
}

// withTx 开启事务并绑定到 context，供同库仓储复用
func withTx(ctx context.Context, base *gorm.DB, fn func(txCtx context.Context) error) error {
	return base.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}
