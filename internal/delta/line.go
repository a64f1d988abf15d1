package delta

import "strings"

// LineDiffer diffs line by line and refines replaced blocks of lines at
// character granularity when they are small enough, so a one-word edit
// inside a paragraph does not store the whole paragraph again.
type LineDiffer struct {
	// RefineLimit is the largest replaced block, in characters on either
	// side, that is refined per character.
	RefineLimit int
}

func NewLineDiffer() *LineDiffer {
	return &LineDiffer{RefineLimit: 2048}
}

func (LineDiffer) Name() string { return StrategyLine }

func (d LineDiffer) Diff(before, after string) []Segment {
	a := splitLines(before)
	b := splitLines(after)

	var segments []Segment
	var removed, added []string

	flush := func() {
		if len(removed) == 0 && len(added) == 0 {
			return
		}
		oldBlock := strings.Join(removed, "")
		newBlock := strings.Join(added, "")
		oldRunes, newRunes := []rune(oldBlock), []rune(newBlock)
		if len(oldRunes) > 0 && len(newRunes) > 0 && len(oldRunes) <= d.RefineLimit && len(newRunes) <= d.RefineLimit {
			segments = diffRunes(oldRunes, newRunes, segments)
		} else {
			segments = appendSegment(segments, Delete, oldBlock)
			segments = appendSegment(segments, Insert, newBlock)
		}
		removed, added = removed[:0], added[:0]
	}

	for _, s := range lcsSpans(a, b) {
		switch s.kind {
		case Equal:
			flush()
			segments = appendSegment(segments, Equal, strings.Join(a[s.aStart:s.aEnd], ""))
		case Delete:
			removed = append(removed, a[s.aStart:s.aEnd]...)
		case Insert:
			added = append(added, b[s.bStart:s.bEnd]...)
		}
	}
	flush()
	return segments
}

// splitLines keeps line terminators so joining the parts restores s.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
