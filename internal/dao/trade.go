package dao

import (
	"context"

	"coinpilot/internal/model"

	"gorm.io/gorm"
)

type TradeDao struct {
	db *gorm.DB
}

func NewTradeDao(db *gorm.DB) *TradeDao {
	return &TradeDao{db: db}
}

// 插入成交记录
func (d *TradeDao) Insert(ctx context.Context, record *model.TradeRecord) error {
	return d.db.WithContext(ctx).Create(record).Error
}

// 最近 N 条成交记录，状态接口用
func (d *TradeDao) ListRecent(ctx context.Context, symbol string, limit int) (items []model.TradeRecord, err error) {
	q := d.db.WithContext(ctx).Model(&model.TradeRecord{})
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	err = q.Order("created_at DESC").Limit(limit).Find(&items).Error
	return
}
