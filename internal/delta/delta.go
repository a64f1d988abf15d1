package delta

import (
	"fmt"
	"unicode/utf8"

	"github.com/officepro/historydb/internal/content"
)

type OpKind string

const (
	OpRetain OpKind = "r"
	OpDelete OpKind = "d"
	OpInsert OpKind = "i"
)

// Op is one step of a delta. Retain and Delete carry a character count,
// Insert carries the text to insert.
type Op struct {
	Kind  OpKind `json:"k"`
	Count int    `json:"n,omitempty"`
	Text  string `json:"t,omitempty"`
}

// Delta transforms one content string into the next. ResultLength and
// ResultDigest describe the expected output and are checked on Apply.
type Delta struct {
	BaseLength   int    `json:"base_length"`
	ResultLength int    `json:"result_length"`
	ResultDigest string `json:"result_digest"`
	Ops          []Op   `json:"ops"`
}

// New builds the delta from base to result out of the segments a Differ
// produced for that pair.
func New(base, result string, segments []Segment) *Delta {
	d := &Delta{
		BaseLength:   utf8.RuneCountInString(base),
		ResultLength: utf8.RuneCountInString(result),
		ResultDigest: content.Digest(result),
	}

	for _, seg := range segments {
		n := utf8.RuneCountInString(seg.Text)
		if n == 0 {
			continue
		}
		switch seg.Kind {
		case Equal:
			d.push(Op{Kind: OpRetain, Count: n})
		case Delete:
			d.push(Op{Kind: OpDelete, Count: n})
		case Insert:
			d.push(Op{Kind: OpInsert, Text: seg.Text})
		}
	}
	return d
}

func (d *Delta) push(op Op) {
	if last := len(d.Ops) - 1; last >= 0 && d.Ops[last].Kind == op.Kind {
		if op.Kind == OpInsert {
			d.Ops[last].Text += op.Text
		} else {
			d.Ops[last].Count += op.Count
		}
		return
	}
	d.Ops = append(d.Ops, op)
}

// Apply replays the delta on base. It fails with ErrMalformed when the ops
// do not fit base and with ErrChecksumMismatch when the output does not
// match the recorded length and digest.
func (d *Delta) Apply(base string) (string, error) {
	src := []rune(base)
	if len(src) != d.BaseLength {
		return "", fmt.Errorf("%w: base has %d characters, delta expects %d", ErrMalformed, len(src), d.BaseLength)
	}

	out := make([]rune, 0, d.ResultLength)
	cursor := 0
	for i, op := range d.Ops {
		switch op.Kind {
		case OpRetain:
			if op.Count < 0 || cursor+op.Count > len(src) {
				return "", fmt.Errorf("%w: retain at op %d overruns base", ErrMalformed, i)
			}
			out = append(out, src[cursor:cursor+op.Count]...)
			cursor += op.Count
		case OpDelete:
			if op.Count < 0 || cursor+op.Count > len(src) {
				return "", fmt.Errorf("%w: delete at op %d overruns base", ErrMalformed, i)
			}
			cursor += op.Count
		case OpInsert:
			out = append(out, []rune(op.Text)...)
		default:
			return "", fmt.Errorf("%w: unknown op kind %q", ErrMalformed, op.Kind)
		}
	}
	if cursor != len(src) {
		return "", fmt.Errorf("%w: %d trailing base characters not consumed", ErrMalformed, len(src)-cursor)
	}

	if len(out) != d.ResultLength {
		return "", fmt.Errorf("%w: produced %d characters, expected %d", ErrChecksumMismatch, len(out), d.ResultLength)
	}
	result := string(out)
	if d.ResultDigest != "" && content.Digest(result) != d.ResultDigest {
		return "", fmt.Errorf("%w: digest differs", ErrChecksumMismatch)
	}
	return result, nil
}

// Changes counts inserted and deleted characters.
func (d *Delta) Changes() (inserted, deleted int) {
	for _, op := range d.Ops {
		switch op.Kind {
		case OpInsert:
			inserted += utf8.RuneCountInString(op.Text)
		case OpDelete:
			deleted += op.Count
		}
	}
	return inserted, deleted
}
