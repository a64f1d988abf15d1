package delta

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

type SegmentKind int

const (
	Equal SegmentKind = iota
	Delete
	Insert
)

func (k SegmentKind) String() string {
	switch k {
	case Equal:
		return "equal"
	case Delete:
		return "delete"
	case Insert:
		return "insert"
	default:
		return "unknown"
	}
}

// MarshalText lets segments serialize as readable kinds.
func (k SegmentKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

type Segment struct {
	Kind SegmentKind `json:"kind"`
	Text string      `json:"text"`
}

// Differ computes the segments turning before into after. Implementations
// must be deterministic and never fail.
type Differ interface {
	Name() string
	Diff(before, after string) []Segment
}

const (
	StrategyLine = "line"
	StrategyChar = "char"
	StrategyDMP  = "dmp"
)

func ForStrategy(name string) (Differ, error) {
	switch name {
	case StrategyLine, "":
		return NewLineDiffer(), nil
	case StrategyChar:
		return NewCharDiffer(), nil
	case StrategyDMP:
		return NewDMPDiffer(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
}

// Registry picks a Differ per content type, falling back to a default.
type Registry struct {
	byType   map[string]Differ
	fallback Differ
	mutex    sync.RWMutex
}

func NewRegistry(fallback Differ) *Registry {
	if fallback == nil {
		fallback = NewLineDiffer()
	}
	return &Registry{
		byType:   make(map[string]Differ),
		fallback: fallback,
	}
}

func (r *Registry) Register(contentType string, d Differ) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.byType[normalizeType(contentType)] = d
}

func (r *Registry) For(contentType string) Differ {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ct := normalizeType(contentType)
	if d, ok := r.byType[ct]; ok {
		return d
	}
	if major, _, found := strings.Cut(ct, "/"); found {
		if d, ok := r.byType[major+"/*"]; ok {
			return d
		}
	}
	return r.fallback
}

func normalizeType(contentType string) string {
	ct, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// Stats summarizes a segment list in characters.
type Stats struct {
	Inserted  int `json:"inserted"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
}

func Summarize(segments []Segment) Stats {
	var s Stats
	for _, seg := range segments {
		n := utf8.RuneCountInString(seg.Text)
		switch seg.Kind {
		case Equal:
			s.Unchanged += n
		case Delete:
			s.Deleted += n
		case Insert:
			s.Inserted += n
		}
	}
	return s
}

// appendSegment merges runs of the same kind and drops empty text.
func appendSegment(segments []Segment, kind SegmentKind, text string) []Segment {
	if text == "" {
		return segments
	}
	if last := len(segments) - 1; last >= 0 && segments[last].Kind == kind {
		segments[last].Text += text
		return segments
	}
	return append(segments, Segment{Kind: kind, Text: text})
}
