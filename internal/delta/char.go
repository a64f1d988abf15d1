package delta

// CharDiffer diffs at character granularity.
type CharDiffer struct{}

func NewCharDiffer() *CharDiffer {
	return &CharDiffer{}
}

func (CharDiffer) Name() string { return StrategyChar }

func (CharDiffer) Diff(before, after string) []Segment {
	return diffRunes([]rune(before), []rune(after), nil)
}

func diffRunes(a, b []rune, segments []Segment) []Segment {
	for _, s := range lcsSpans(a, b) {
		switch s.kind {
		case Equal, Delete:
			segments = appendSegment(segments, s.kind, string(a[s.aStart:s.aEnd]))
		case Insert:
			segments = appendSegment(segments, s.kind, string(b[s.bStart:s.bEnd]))
		}
	}
	return segments
}
