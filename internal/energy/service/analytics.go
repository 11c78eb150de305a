package service

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/smallbiznis/energyguard/internal/cache"
	energydomain "github.com/smallbiznis/energyguard/internal/energy/domain"
	"go.uber.org/zap"
)

const (
	defaultAnalyticsDays = 30
	maxAnalyticsDays     = 365
)

// GetEnergyAnalytics summarizes the transaction log over the last days
// calendar days (UTC, today included). Results are cached per user and
// concurrent recomputes for the same window share one query.
func (s *Service) GetEnergyAnalytics(ctx context.Context, userID string, days int) (energydomain.Analytics, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return energydomain.Analytics{}, err
	}
	if days == 0 {
		days = defaultAnalyticsDays
	}
	if days < 0 || days > maxAnalyticsDays {
		return energydomain.Analytics{}, &energydomain.ValidationError{Field: "days", Code: "out_of_range", Message: "days must be between 1 and 365"}
	}

	if cached, ok, err := cache.GetJSON[energydomain.Analytics](ctx, s.cache, cache.NamespaceAnalytics, userID); err == nil && ok && cached.PeriodDays == days {
		return cached, nil
	}

	v, err, _ := s.analyticsGroup.Do(userID+":"+strconv.Itoa(days), func() (any, error) {
		analytics, err := s.computeAnalytics(ctx, userID, days)
		if err != nil {
			return energydomain.Analytics{}, err
		}
		if err := cache.SetJSON(ctx, s.cache, cache.NamespaceAnalytics, userID, analytics, s.config.Get().AnalyticsCacheTTL); err != nil {
			s.log.Warn("failed to cache analytics", zap.Error(err))
		}
		return analytics, nil
	})
	if err != nil {
		return energydomain.Analytics{}, err
	}
	return v.(energydomain.Analytics), nil
}

func (s *Service) computeAnalytics(ctx context.Context, userID string, days int) (energydomain.Analytics, error) {
	now := s.clock.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from := today.AddDate(0, 0, -(days - 1))

	items, err := retry(ctx, s, "analytics", func() ([]*energydomain.Transaction, error) {
		return s.repo.ListTransactions(ctx, s.db, energydomain.TransactionFilter{UserID: userID, Since: &from})
	})
	if err != nil {
		return energydomain.Analytics{}, err
	}

	var consumed, refunded, purchased int64
	perAction := map[string]*energydomain.ActionUsage{}
	actionUnits := map[string]int64{}
	daily := make(map[string]int64, days)

	for _, item := range items {
		switch item.Kind {
		case energydomain.TransactionConsume:
			units := -item.Amount
			consumed += units
			daily[item.CreatedAt.UTC().Format(time.DateOnly)] += units
			usage, ok := perAction[item.ActionName]
			if !ok {
				usage = &energydomain.ActionUsage{Action: item.ActionName}
				perAction[item.ActionName] = usage
			}
			usage.Count++
			actionUnits[item.ActionName] += units
		case energydomain.TransactionRefund:
			refunded += item.Amount
		case energydomain.TransactionPurchase:
			purchased += item.Amount
		}
	}

	analytics := energydomain.Analytics{
		UserID:           userID,
		PeriodDays:       days,
		From:             from,
		To:               now,
		TransactionCount: len(items),
		TotalConsumed:    energydomain.ToEnergy(consumed),
		TotalRefunded:    energydomain.ToEnergy(refunded),
		TotalPurchased:   energydomain.ToEnergy(purchased),
	}

	series := make([]float64, 0, days)
	for d := 0; d < days; d++ {
		date := from.AddDate(0, 0, d).Format(time.DateOnly)
		value := energydomain.ToEnergy(daily[date])
		analytics.Daily = append(analytics.Daily, energydomain.DailyUsage{Date: date, Consumed: value})
		series = append(series, value)
	}
	analytics.AverageDaily = round1(analytics.TotalConsumed / float64(days))
	sort.Float64s(series)
	analytics.MedianDaily = round1(percentile(series, 50))
	analytics.P95Daily = round1(percentile(series, 95))

	mostUsed := 0
	for action, usage := range perAction {
		usage.Energy = energydomain.ToEnergy(actionUnits[action])
		analytics.ByAction = append(analytics.ByAction, *usage)
		if usage.Count > mostUsed || (usage.Count == mostUsed && action < analytics.MostUsedAction) {
			mostUsed = usage.Count
			analytics.MostUsedAction = action
		}
	}
	sort.Slice(analytics.ByAction, func(i, j int) bool {
		if analytics.ByAction[i].Energy == analytics.ByAction[j].Energy {
			return analytics.ByAction[i].Action < analytics.ByAction[j].Action
		}
		return analytics.ByAction[i].Energy > analytics.ByAction[j].Energy
	})
	return analytics, nil
}

// percentile uses nearest rank over an ascending series.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
