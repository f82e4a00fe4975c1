package publish

import (
	"fmt"
	"strings"

	"postbot/internal/model"
)

// maxErrorLines caps per-destination error lines in a summary.
const maxErrorLines = 20

// WantsSummary reports whether the owner should get a delivery summary.
func WantsSummary(it *model.ContentItem, rs []DeliveryResult) bool {
	return it.Report || Count(rs).Failed > 0
}

// FormatSummary renders the owner-facing delivery summary. titles maps
// destination ids to display names.
func FormatSummary(it *model.ContentItem, rs []DeliveryResult, titles map[int64]string) string {
	c := Count(rs)
	var b strings.Builder
	fmt.Fprintf(&b, "%s #%d\n", kindLabel(it.Kind), it.ID)
	if p := it.Preview(PreviewLen); p != "" {
		fmt.Fprintf(&b, "«%s»\n", p)
	}
	fmt.Fprintf(&b, "\n✅ Delivered: %d", c.Delivered+c.Existing)
	if c.Skipped > 0 {
		fmt.Fprintf(&b, "\n⏭ Skipped (not subscribed): %d", c.Skipped)
	}
	if c.Failed == 0 {
		return b.String()
	}
	fmt.Fprintf(&b, "\n❌ Failed: %d", c.Failed)
	n := 0
	for _, r := range rs {
		if r.Status != StatusFailed {
			continue
		}
		if n == maxErrorLines {
			fmt.Fprintf(&b, "\n… and %d more", c.Failed-n)
			break
		}
		name := titles[r.ChannelID]
		if name == "" {
			name = fmt.Sprint(r.ChannelID)
		}
		msg := "unknown error"
		if r.Err != nil {
			msg = model.PreviewText(r.Err.Error(), 100)
		}
		fmt.Fprintf(&b, "\n- %s: %s", name, msg)
		n++
	}
	return b.String()
}

func kindLabel(k model.Kind) string {
	switch k {
	case model.KindStory:
		return "📖 Story"
	case model.KindBroadcast:
		return "📣 Broadcast"
	default:
		return "📝 Post"
	}
}
