package dao

import (
	"context"
	"errors"

	"coinpilot/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ContextDao struct {
	db *gorm.DB
}

func NewContextDao(db *gorm.DB) *ContextDao {
	return &ContextDao{db: db}
}

// Load 读取单标的上下文，不存在时返回 (nil, nil)
func (d *ContextDao) Load(ctx context.Context, symbol string) (*model.InstrumentContext, error) {
	var ic model.InstrumentContext
	err := d.db.WithContext(ctx).Where("symbol = ?", symbol).First(&ic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ic, nil
}

// Save 写入上下文，存在则整行覆盖
func (d *ContextDao) Save(ctx context.Context, ic *model.InstrumentContext) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		UpdateAll: true,
	}).Create(ic).Error
}

// LoadAll 启动时恢复全部上下文
func (d *ContextDao) LoadAll(ctx context.Context) ([]model.InstrumentContext, error) {
	var items []model.InstrumentContext
	err := d.db.WithContext(ctx).Find(&items).Error
	return items, err
}
