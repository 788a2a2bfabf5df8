package server

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/models"
)

// Stats computes the admin dashboard figures. Concurrent callers share one
// query, so a burst of writes with many open streams costs a single read.
// Invalidate moves later callers to a new shared query, so a read started
// before a write is never handed to a caller woken by that write.
type Stats struct {
	db    *gorm.DB
	now   func() time.Time
	group singleflight.Group
	gen   atomic.Uint64
}

// NewStats creates a Stats. A nil clock defaults to time.Now.
func NewStats(db *gorm.DB, now func() time.Time) *Stats {
	if now == nil {
		now = time.Now
	}
	return &Stats{db: db, now: now}
}

// Get returns the current figures. The shared query is not tied to any one
// caller, so a caller that goes away only abandons its own wait.
func (s *Stats) Get(ctx context.Context) (models.AdminStats, error) {
	key := "stats:" + strconv.FormatUint(s.gen.Load(), 10)
	ch := s.group.DoChan(key, func() (any, error) {
		return s.query(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return models.AdminStats{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return models.AdminStats{}, r.Err
		}
		return r.Val.(models.AdminStats), nil
	}
}

// Invalidate marks the data as changed.
func (s *Stats) Invalidate() {
	s.gen.Add(1)
}

func (s *Stats) query(ctx context.Context) (models.AdminStats, error) {
	out := models.AdminStats{Revenue: decimal.Zero}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		live := func(model any) *gorm.DB {
			return tx.Model(model).Where("deleted_at IS NULL")
		}
		if err := live(&models.Contact{}).Count(&out.Contacts).Error; err != nil {
			return err
		}
		if err := live(&models.Deposit{}).Count(&out.Deposits).Error; err != nil {
			return err
		}
		if err := live(&models.Article{}).Count(&out.Articles).Error; err != nil {
			return err
		}
		if err := live(&models.Article{}).Where("status = ?", models.ArticleSold).Count(&out.ArticlesSold).Error; err != nil {
			return err
		}

		var totals []decimal.Decimal
		if err := live(&models.Sale{}).Where("refunded_at IS NULL").Pluck("total", &totals).Error; err != nil {
			return err
		}
		out.Sales = int64(len(totals))
		for _, t := range totals {
			out.Revenue = out.Revenue.Add(t)
		}
		return nil
	})
	if err != nil {
		return models.AdminStats{}, apperrors.Wrap(apperrors.ErrDatabase, "compute stats", err)
	}
	out.GeneratedAt = s.now().UnixMilli()
	return out, nil
}
