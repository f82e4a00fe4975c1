package reporter

import (
	"context"
	"fmt"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/model"
	logx "postbot/pkg/logx"
)

// FinalLine is one figure of a final report.
type FinalLine struct {
	// Horizon is zero for the at-deletion figure.
	Horizon model.Horizon
	Views   int64
	Money   float64
}

// FinalFigures computes the lines of a final report for copies deleted
// after lifetime. Horizons count as crossed when the lifetime reached them
// within tol. The last crossed horizon also absorbs the deletion sample,
// so a copy deleted right after a horizon is not reported twice.
func FinalFigures(lives []model.LiveInstance, lifetime, tol time.Duration) []FinalLine {
	var crossed []model.Horizon
	for _, h := range model.Horizons {
		if lifetime >= h.Duration()-tol {
			crossed = append(crossed, h)
		}
	}
	if len(crossed) == 0 {
		var ln FinalLine
		for _, l := range lives {
			v := finalOf(l)
			ln.Views += v
			ln.Money += Money(l.CPMPrice, v)
		}
		return []FinalLine{ln}
	}
	out := make([]FinalLine, 0, len(crossed))
	for i, h := range crossed {
		last := i == len(crossed)-1
		ln := FinalLine{Horizon: h}
		for _, l := range lives {
			v, _ := l.ViewsAt(h)
			if last {
				if f := finalOf(l); f > v {
					v = f
				}
			}
			ln.Views += v
			ln.Money += Money(l.CPMPrice, v)
		}
		out = append(out, ln)
	}
	return out
}

func finalOf(l model.LiveInstance) int64 {
	if l.FinalViews != nil && *l.FinalViews > 0 {
		return *l.FinalViews
	}
	return l.MaxViews()
}

// Lifetime is the age of the oldest copy at deletion.
func Lifetime(lives []model.LiveInstance, deletedAt time.Time) time.Duration {
	var first time.Time
	for _, l := range lives {
		if first.IsZero() || l.CreatedAt.Before(first) {
			first = l.CreatedAt
		}
	}
	if first.IsZero() || deletedAt.Before(first) {
		return 0
	}
	return deletedAt.Sub(first)
}

// SendFinal sends the aggregated report for the deleted CPM copies of one
// item. lives must carry their final views.
func (r *Reporter) SendFinal(ctx context.Context, itemID, ownerID int64, lives []model.LiveInstance, deletedAt time.Time) error {
	var cpm []model.LiveInstance
	for _, l := range lives {
		if l.HasCPM() {
			cpm = append(cpm, l)
		}
	}
	if len(cpm) == 0 {
		return nil
	}
	lifetime := Lifetime(cpm, deletedAt)
	text := FormatFinal(FinalReport{
		Lives:    cpm,
		Lines:    FinalFigures(cpm, lifetime, r.cfg.HorizonTolerance),
		Lifetime: lifetime,
		Channels: r.titles(ctx, cpm),
		Owner:    r.owner(ctx, ownerID),
		Max:      r.cfg.MaxChannels,
	})
	if err := r.send(ctx, ownerID, text); err != nil {
		return fmt.Errorf("final report: %w", err)
	}
	r.log.Info("final report sent", logx.ItemID(itemID), logx.Int("copies", len(cpm)), logx.Duration("lifetime", lifetime))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeReportSent, Data: eventbus.ReportSent{
			ItemID: itemID, Final: true, Copies: len(cpm),
		}})
	}
	return nil
}
