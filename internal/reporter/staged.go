package reporter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/model"
	logx "postbot/pkg/logx"
)

// StagedGroup is the set of an item's copies that crossed the same horizon.
type StagedGroup struct {
	ItemID  int64
	OwnerID int64
	Horizon model.Horizon
	Lives   []model.LiveInstance
}

// Key identifies the group for in-flight deduplication.
func (g StagedGroup) Key() string { return fmt.Sprintf("staged:%d:%d", g.ItemID, g.Horizon) }

// GroupStaged buckets report candidates by item and by their smallest
// unsent crossed horizon. Copies with nothing due at now are left out.
func GroupStaged(lives []model.LiveInstance, now time.Time) []StagedGroup {
	type key struct {
		item int64
		h    model.Horizon
	}
	idx := map[key]int{}
	var out []StagedGroup
	for _, l := range lives {
		if !l.HasCPM() || l.Status != model.LiveActive {
			continue
		}
		h, ok := l.NextHorizon(now)
		if !ok {
			continue
		}
		k := key{l.ItemID, h}
		i, seen := idx[k]
		if !seen {
			i = len(out)
			idx[k] = i
			out = append(out, StagedGroup{ItemID: l.ItemID, OwnerID: l.OwnerID, Horizon: h})
		}
		out[i].Lives = append(out[i].Lives, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].Horizon < out[j].Horizon
	})
	return out
}

// SendStaged samples the group's views, persists them for the horizon and
// sends one report to the owner. Copies whose horizon was already recorded
// are not reported again; nothing is sent if none remain.
func (r *Reporter) SendStaged(ctx context.Context, g StagedGroup) error {
	log := r.log.With(logx.ItemID(g.ItemID), logx.Int("horizon", int(g.Horizon)))
	views := r.SampleViews(ctx, g.Lives)

	var reported []model.LiveInstance
	for _, l := range g.Lives {
		v := views[l.ID]
		ok, err := r.store.RecordHorizon(ctx, l.ID, g.Horizon, v)
		if err != nil {
			log.Warn("horizon not recorded", logx.LiveID(l.ID), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		l.SetViews(g.Horizon, v)
		l.MarkSent(g.Horizon)
		reported = append(reported, l)
	}
	if len(reported) == 0 {
		log.Debug("staged report already sent")
		return nil
	}

	text := FormatStaged(StagedReport{
		Horizon:  g.Horizon,
		Lives:    reported,
		Channels: r.titles(ctx, reported),
		Owner:    r.owner(ctx, g.OwnerID),
		Now:      r.now(),
		Max:      r.cfg.MaxChannels,
	})
	if err := r.send(ctx, g.OwnerID, text); err != nil {
		return fmt.Errorf("staged report: %w", err)
	}
	log.Info("staged report sent", logx.Int("copies", len(reported)))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeReportSent, Data: eventbus.ReportSent{
			ItemID: g.ItemID, Horizon: int(g.Horizon), Copies: len(reported),
		}})
	}
	return nil
}
