package heuristic

// DefaultDevToolsGap is the outer/inner window gap in pixels above which
// docked developer tools are assumed.
const DefaultDevToolsGap = 160

// DevTools detects open developer tools from the window chrome gap and the
// console trap.
type DevTools struct {
	Gap int
}

// NewDevTools returns a heuristic with the given gap threshold.
func NewDevTools(gap int) *DevTools {
	if gap <= 0 {
		gap = DefaultDevToolsGap
	}
	return &DevTools{Gap: gap}
}

// Name implements SuspicionHeuristic.
func (d *DevTools) Name() string { return "devtools" }

// Evaluate implements SuspicionHeuristic.
func (d *DevTools) Evaluate(m WindowMetrics) Result {
	widthGap := m.OuterWidth - m.InnerWidth
	heightGap := m.OuterHeight - m.InnerHeight

	ev := Evidence{
		"width_gap":    widthGap,
		"height_gap":   heightGap,
		"threshold":    d.Gap,
		"console_trap": m.ConsoleTrap,
	}

	switch {
	case m.ConsoleTrap:
		return Result{Detected: true, Confidence: 1, Rule: "console-trap", Evidence: ev}
	case widthGap > d.Gap:
		return Result{Detected: true, Confidence: 1, Rule: "width-gap", Evidence: ev}
	case heightGap > d.Gap:
		return Result{Detected: true, Confidence: 1, Rule: "height-gap", Evidence: ev}
	default:
		return Result{Evidence: ev}
	}
}
