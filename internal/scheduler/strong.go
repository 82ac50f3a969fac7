package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"notibot/internal/producers"
	logx "notibot/pkg/logx"
)

// previousMonth returns the UTC window covering the calendar month before
// now: [first of previous month, first of current month).
func previousMonth(now time.Time) (from, to time.Time) {
	now = now.UTC()
	to = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	from = to.AddDate(0, -1, 0)
	return from, to
}

// strongSection fetches the previous-month performance numbers and renders
// them as the extra section of a monthly report. Any failure degrades to an
// empty section.
func (s *Service) strongSection(ctx context.Context, now time.Time) string {
	src := s.deps.Stats
	if src == nil {
		return ""
	}
	from, to := previousMonth(now)
	st, err := src.PerformanceStats(ctx, from, to)
	if err != nil {
		s.log.Warn("performance stats unavailable",
			logx.Time("from", from),
			logx.Time("to", to),
			logx.Err(err),
		)
		return ""
	}
	return formatStrong(st, from.Month())
}

// formatStrong renders the stats block, or nothing when the month had no
// signals. Profit lines only appear once at least one signal settled.
func formatStrong(st *producers.PerformanceStats, month time.Month) string {
	if st == nil || st.Total == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "── 🏆 <b>Strong signals: %s</b> ──\n", month)
	fmt.Fprintf(&b, "📌 Signals: <b>%d</b>", st.Total)
	if st.Calculated > 0 {
		fmt.Fprintf(&b, "\n📈 Avg profit: <b>%.2f%%</b>", st.AvgProfitPct)
		if d, ok := st.ByDirection["long"]; ok && d.Count > 0 {
			fmt.Fprintf(&b, "\n🧤 Long: %.2f%% (%d)", d.AvgProfitPct, d.Count)
		}
		if d, ok := st.ByDirection["short"]; ok && d.Count > 0 {
			fmt.Fprintf(&b, "\n🎒 Short: %.2f%% (%d)", d.AvgProfitPct, d.Count)
		}
	}
	if st.Pending > 0 {
		fmt.Fprintf(&b, "\n⏳ Awaiting settlement: %d", st.Pending)
	}
	return b.String()
}
