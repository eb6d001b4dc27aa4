package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/types"
)

// Render formats an alert event as plain text.
func Render(e models.AlertEvent) string {
	p := e.Payload
	where := fmt.Sprintf("%s on %s (%s)", e.Ref, p.Chain, p.Dex)
	bounds := fmt.Sprintf("[%s, %s)", p.LowerPrice.String(), p.UpperPrice.String())

	switch e.Kind {
	case types.AlertOutOfRange:
		return fmt.Sprintf("Position %s is OUT OF RANGE.\nPrice %s is outside %s.\nIt no longer earns fees.",
			where, p.NewPrice.String(), bounds)
	case types.AlertBackInRange:
		return fmt.Sprintf("Position %s is back IN RANGE.\nPrice %s is within %s.",
			where, p.NewPrice.String(), bounds)
	case types.AlertPriceMove:
		return fmt.Sprintf("Price moved %s%% for position %s: %s -> %s.",
			p.MovePercent.String(), where, p.OldPrice.String(), p.NewPrice.String())
	case types.AlertRebalanceRecommended:
		return fmt.Sprintf("Position %s has been out of range for %s.\nPrice %s, range %s. Consider rebalancing.",
			where, humanDuration(p.OutOfRangeFor), p.NewPrice.String(), bounds)
	}
	return fmt.Sprintf("Position %s: %s", where, e.Kind)
}

// RenderSummary formats the daily summary of a user's positions.
func RenderSummary(day time.Time, positions []models.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily summary for %s\n", day.Format("2006-01-02"))
	if len(positions) == 0 {
		b.WriteString("No tracked positions.")
		return b.String()
	}

	counts := make(map[types.PositionStatus]int)
	for _, p := range positions {
		counts[p.Status]++
	}
	fmt.Fprintf(&b, "%d positions: %d in range, %d out of range, %d unknown\n",
		len(positions), counts[types.StatusInRange], counts[types.StatusOutOfRange], counts[types.StatusUnknown])
	for _, p := range positions {
		fmt.Fprintf(&b, "- %s: %s, price %s, range [%s, %s)\n",
			p.Ref, p.Status, p.ActivePrice.String(), p.LowerPrice.String(), p.UpperPrice.String())
	}
	return strings.TrimRight(b.String(), "\n")
}

func humanDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	switch {
	case h == 0:
		return fmt.Sprintf("%dm", m)
	case m == 0:
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dh%dm", h, m)
}
