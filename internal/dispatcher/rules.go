package dispatcher

import (
	"context"
	"fmt"
	"time"

	"postbot/internal/model"
	"postbot/internal/reporter"
	logx "postbot/pkg/logx"
)

func (d *Dispatcher) scanSend(ctx context.Context, now time.Time) ([]Unit, error) {
	items, err := d.store.ListDueItems(ctx, now, d.config().ScanLimit)
	if err != nil {
		return nil, err
	}
	units := make([]Unit, 0, len(items))
	for _, it := range items {
		units = append(units, Unit{
			Key: fmt.Sprintf("send:%d", it.ID),
			Run: func(ctx context.Context) error { return d.send(ctx, it) },
		})
	}
	return units, nil
}

func (d *Dispatcher) scanUnpin(ctx context.Context, now time.Time) ([]Unit, error) {
	lives, err := d.store.ListDueUnpins(ctx, now, d.config().ScanLimit)
	if err != nil {
		return nil, err
	}
	units := make([]Unit, 0, len(lives))
	for _, l := range lives {
		units = append(units, Unit{
			Key: fmt.Sprintf("unpin:%d", l.ID),
			Run: func(ctx context.Context) error { return d.unpin(ctx, l) },
		})
	}
	return units, nil
}

// scanDelete groups due copies by item so that one unit retires all of an
// item's copies and can send the aggregated final report.
func (d *Dispatcher) scanDelete(ctx context.Context, now time.Time) ([]Unit, error) {
	lives, err := d.store.ListDueDeletes(ctx, now, d.config().ScanLimit)
	if err != nil {
		return nil, err
	}
	var order []int64
	byItem := map[int64][]model.LiveInstance{}
	for _, l := range lives {
		if _, ok := byItem[l.ItemID]; !ok {
			order = append(order, l.ItemID)
		}
		byItem[l.ItemID] = append(byItem[l.ItemID], l)
	}
	units := make([]Unit, 0, len(order))
	for _, itemID := range order {
		group := byItem[itemID]
		units = append(units, Unit{
			Key: fmt.Sprintf("delete:%d", itemID),
			Run: func(ctx context.Context) error { return d.retire(ctx, itemID, group) },
		})
	}
	return units, nil
}

func (d *Dispatcher) scanReport(ctx context.Context, now time.Time) ([]Unit, error) {
	lives, err := d.store.ListReportCandidates(ctx, now, d.config().ScanLimit)
	if err != nil {
		return nil, err
	}
	groups := reporter.GroupStaged(lives, now)
	units := make([]Unit, 0, len(groups))
	for _, g := range groups {
		units = append(units, Unit{
			// Keyed per item so a late 24h report and the 48h one never overlap.
			Key: fmt.Sprintf("report:%d", g.ItemID),
			Run: func(ctx context.Context) error { return d.rep.SendStaged(ctx, g) },
		})
	}
	return units, nil
}

func (d *Dispatcher) scanHousekeeping(_ context.Context, now time.Time) ([]Unit, error) {
	cutoff := now.Add(-d.config().AbandonAfter)
	return []Unit{{
		Key: "housekeeping",
		Run: func(ctx context.Context) error {
			n, err := d.store.PurgeAbandonedItems(ctx, cutoff)
			if err != nil {
				return err
			}
			if n > 0 {
				d.log.Info("abandoned drafts purged", logx.Int64("count", n))
			}
			return nil
		},
	}}, nil
}
