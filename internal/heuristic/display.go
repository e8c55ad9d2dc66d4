package heuristic

import (
	"fmt"
	"math"
)

// Rule confidences. isExtended is authoritative when reported.
const (
	ConfidenceExtended      = 1.0
	ConfidenceAvailDiff     = 0.7
	ConfidenceWindowOutside = 0.6
	ConfidenceWideScreen    = 0.6
	ConfidencePixelRatio    = 0.3
)

// DisplayTopology detects an attached external display.
type DisplayTopology struct {
	// AvailDiff is the screen minus available size, in pixels, above which
	// the difference is larger than any taskbar or dock.
	AvailDiff int
	// WidthRatio is the screen to inner width ratio that suggests a
	// spanned desktop.
	WidthRatio float64
	// MinConfidence is the confidence a rule needs to count as detected.
	MinConfidence float64
}

// NewDisplayTopology returns the heuristic with standard thresholds.
func NewDisplayTopology(minConfidence float64) *DisplayTopology {
	if minConfidence <= 0 {
		minConfidence = 0.5
	}
	return &DisplayTopology{AvailDiff: 300, WidthRatio: 2, MinConfidence: minConfidence}
}

// Name implements SuspicionHeuristic.
func (d *DisplayTopology) Name() string { return "display" }

// UnusualPixelRatio reports a device pixel ratio that is not typical of a
// single built-in or external display.
func UnusualPixelRatio(dpr float64) bool {
	return dpr < 0.9 || (dpr > 1.1 && dpr < 1.4) || dpr > 3.1
}

// Evaluate implements SuspicionHeuristic. Rules run in priority order and the
// strongest firing rule decides; ties go to the earlier rule.
func (d *DisplayTopology) Evaluate(m WindowMetrics) Result {
	ev := Evidence{
		"screen":      fmt.Sprintf("%dx%d", m.ScreenWidth, m.ScreenHeight),
		"available":   fmt.Sprintf("%dx%d", m.AvailWidth, m.AvailHeight),
		"inner":       fmt.Sprintf("%dx%d", m.InnerWidth, m.InnerHeight),
		"outer":       fmt.Sprintf("%dx%d", m.OuterWidth, m.OuterHeight),
		"pixel_ratio": m.DevicePixelRatio,
	}
	if m.ScreenHeight > 0 {
		ev["aspect_ratio"] = math.Round(float64(m.ScreenWidth)/float64(m.ScreenHeight)*100) / 100
	}

	if m.IsExtended != nil {
		ev["is_extended"] = *m.IsExtended
		if *m.IsExtended {
			return Result{Detected: true, Confidence: ConfidenceExtended, Rule: "is-extended", Evidence: ev}
		}
		return Result{Rule: "is-extended", Evidence: ev}
	}
	ev["is_extended"] = "not available"

	widthDiff := abs(m.ScreenWidth - m.AvailWidth)
	heightDiff := abs(m.ScreenHeight - m.AvailHeight)
	ev["avail_diff"] = map[string]int{"width": widthDiff, "height": heightDiff}

	type rule struct {
		name       string
		fired      bool
		confidence float64
	}
	rules := []rule{
		{"avail-diff", widthDiff > d.AvailDiff || heightDiff > d.AvailDiff, ConfidenceAvailDiff},
		{"window-outside-screen", m.ScreenWidth > 0 && (m.InnerWidth > m.ScreenWidth || m.OuterWidth > m.ScreenWidth ||
			m.InnerHeight > m.ScreenHeight || m.OuterHeight > m.ScreenHeight), ConfidenceWindowOutside},
		{"pixel-ratio", m.DevicePixelRatio > 0 && UnusualPixelRatio(m.DevicePixelRatio), ConfidencePixelRatio},
		{"wide-screen", m.InnerWidth > 0 && float64(m.ScreenWidth) > d.WidthRatio*float64(m.InnerWidth), ConfidenceWideScreen},
	}

	var best rule
	fired := make([]string, 0, len(rules))
	for _, r := range rules {
		if !r.fired {
			continue
		}
		fired = append(fired, r.name)
		if r.confidence > best.confidence {
			best = r
		}
	}
	ev["fired"] = fired

	return Result{
		Detected:   best.fired && best.confidence >= d.MinConfidence,
		Confidence: best.confidence,
		Rule:       best.name,
		Evidence:   ev,
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
