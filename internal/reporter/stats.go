package reporter

import (
	"context"
	"errors"

	"postbot/internal/model"
	logx "postbot/pkg/logx"
)

// historyLimit caps posts read per channel and refresh.
const historyLimit = 100

// ChannelStats interpolates typical views at each horizon from a channel's
// recent posts.
func ChannelStats(posts []Sample, factor float64) [3]int64 {
	var out [3]int64
	s := FilterOutliers(posts, factor)
	if len(s) == 0 {
		return out
	}
	for i, h := range model.Horizons {
		out[i] = Interpolate(s, float64(h))
	}
	return out
}

// RefreshStats recomputes the stats of every subscribed channel. A failing
// channel is logged and skipped.
func (r *Reporter) RefreshStats(ctx context.Context) error {
	chans, err := r.store.ListSubscribedChannels(ctx)
	if err != nil {
		return err
	}
	now := r.now()
	var errs []error
	updated := 0
	for _, ch := range chans {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		posts, err := r.views.History(cctx, ch.ChatID, now.Add(-r.cfg.StatsWindow), historyLimit)
		cancel()
		if err != nil {
			r.log.Debug("channel history unavailable", logx.ChannelID(ch.ChatID), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		samples := make([]Sample, 0, len(posts))
		for _, p := range posts {
			if p.Views <= 0 {
				continue
			}
			samples = append(samples, Sample{AgeHours: now.Sub(p.Date).Hours(), Views: p.Views})
		}
		if len(samples) == 0 {
			continue
		}
		stats := ChannelStats(samples, r.cfg.OutlierFactor)
		if err := r.store.UpdateChannelStats(ctx, ch.ChatID, stats, now); err != nil {
			errs = append(errs, err)
			continue
		}
		updated++
	}
	r.log.Info("channel stats refreshed", logx.Int("channels", len(chans)), logx.Int("updated", updated), logx.Int("failed", len(errs)))
	if updated == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
