package reporter

import (
	"fmt"
	"strings"
	"time"

	"postbot/internal/model"
)

type StagedReport struct {
	Horizon  model.Horizon
	Lives    []model.LiveInstance
	Channels map[int64]model.Channel
	Owner    *model.Owner
	Now      time.Time
	Max      int
}

type FinalReport struct {
	Lives    []model.LiveInstance
	Lines    []FinalLine
	Lifetime time.Duration
	Channels map[int64]model.Channel
	Owner    *model.Owner
	Max      int
}

func FormatStaged(r StagedReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💰 CPM report · %dh\n", int(r.Horizon))
	writeHeader(&b, r.Lives, r.Channels, r.Max)

	var views int64
	var money float64
	for _, l := range r.Lives {
		v, _ := l.ViewsAt(r.Horizon)
		views += v
		money += Money(l.CPMPrice, v)
	}
	if d, ok := untilDelete(r.Lives, r.Now); ok {
		fmt.Fprintf(&b, "\n⏳ Deleted in: %d h", int(d/time.Hour))
	}
	fmt.Fprintf(&b, "\n👁 Views: %d", views)
	fmt.Fprintf(&b, "\n💸 CPM: %s", formatAmount(r.Lives[0].CPMPrice))
	fmt.Fprintf(&b, "\n💵 Amount: %s%s", formatAmount(money), converted(money, r.Owner))
	return b.String()
}

func FormatFinal(r FinalReport) string {
	var b strings.Builder
	b.WriteString("🏁 Final CPM report\n")
	writeHeader(&b, r.Lives, r.Channels, r.Max)
	fmt.Fprintf(&b, "\n⏱ Lifetime: %d h", int(r.Lifetime/time.Hour))
	fmt.Fprintf(&b, "\n💸 CPM: %s", formatAmount(r.Lives[0].CPMPrice))
	for _, ln := range r.Lines {
		label := "At deletion"
		if ln.Horizon != 0 {
			label = fmt.Sprintf("%dh", int(ln.Horizon))
		}
		fmt.Fprintf(&b, "\n%s: %d views · %s%s", label, ln.Views, formatAmount(ln.Money), converted(ln.Money, r.Owner))
	}
	return b.String()
}

func writeHeader(b *strings.Builder, lives []model.LiveInstance, chans map[int64]model.Channel, limit int) {
	if len(lives) > 0 && lives[0].Preview != "" {
		fmt.Fprintf(b, "«%s»\n", lives[0].Preview)
	}
	b.WriteString("\nChannels:")
	for i, l := range lives {
		if limit > 0 && i == limit {
			fmt.Fprintf(b, "\n… and %d more", len(lives)-limit)
			break
		}
		title := chans[l.ChannelID].Title
		if title == "" {
			title = fmt.Sprint(l.ChannelID)
		}
		fmt.Fprintf(b, "\n- %s", title)
	}
	b.WriteString("\n")
}

// untilDelete is the time left before the earliest scheduled delete.
func untilDelete(lives []model.LiveInstance, now time.Time) (time.Duration, bool) {
	var first *time.Time
	for _, l := range lives {
		if l.DeleteAt != nil && (first == nil || l.DeleteAt.Before(*first)) {
			first = l.DeleteAt
		}
	}
	if first == nil {
		return 0, false
	}
	if d := first.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}

func formatAmount(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

func converted(amount float64, o *model.Owner) string {
	rate := o.Rate()
	if rate == 1 {
		return ""
	}
	cur := "USDT"
	if o.Currency != "" {
		cur = o.Currency
	}
	return fmt.Sprintf(" (≈ %.2f %s)", Convert(amount, rate), cur)
}
