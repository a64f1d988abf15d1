package delta

import (
	"errors"
	"strings"
	"testing"
)

var diffCases = []struct {
	name          string
	before, after string
}{
	{"empty to text", "", "Hello world"},
	{"text to empty", "Hello world", ""},
	{"identical", "same\ntext\n", "same\ntext\n"},
	{"prefix insert", "Hello world", "Say: Hello world"},
	{"replace word", "Hello world", "Say: He world"},
	{"multi line", "one\ntwo\nthree\nfour\n", "one\n2\nthree\nfour\nfive\n"},
	{"unicode", "héllo wörld", "hello wörld!"},
	{"no trailing newline", "a\nb", "a\nb\nc"},
	{"paragraph edit", "First paragraph.\n\nSecond paragraph here.\n", "First paragraph.\n\nSecond paragraph is here.\n"},
}

func allDiffers() []Differ {
	return []Differ{NewLineDiffer(), NewCharDiffer(), NewDMPDiffer()}
}

func TestDiffers_RoundTrip(t *testing.T) {
	for _, differ := range allDiffers() {
		for _, tc := range diffCases {
			t.Run(differ.Name()+"/"+tc.name, func(t *testing.T) {
				segments := differ.Diff(tc.before, tc.after)

				var rebuiltBefore, rebuiltAfter strings.Builder
				for _, seg := range segments {
					if seg.Kind != Insert {
						rebuiltBefore.WriteString(seg.Text)
					}
					if seg.Kind != Delete {
						rebuiltAfter.WriteString(seg.Text)
					}
				}
				if rebuiltBefore.String() != tc.before {
					t.Errorf("Segments do not rebuild before: %q", rebuiltBefore.String())
				}
				if rebuiltAfter.String() != tc.after {
					t.Errorf("Segments do not rebuild after: %q", rebuiltAfter.String())
				}

				d := New(tc.before, tc.after, segments)
				got, err := d.Apply(tc.before)
				if err != nil {
					t.Fatalf("Apply failed: %v", err)
				}
				if got != tc.after {
					t.Errorf("Expected %q, got %q", tc.after, got)
				}
			})
		}
	}
}

func TestLineDiffer_RefinesSmallEdits(t *testing.T) {
	before := "alpha beta gamma\n"
	after := "alpha BETA gamma\n"

	d := New(before, after, NewLineDiffer().Diff(before, after))
	inserted, deleted := d.Changes()
	if inserted != 4 || deleted != 4 {
		t.Errorf("Expected 4 inserted and 4 deleted characters, got %d and %d", inserted, deleted)
	}
}

func TestDelta_ChecksumMismatch(t *testing.T) {
	d := New("abc", "abXc", NewCharDiffer().Diff("abc", "abXc"))

	corrupted := *d
	corrupted.ResultLength = 10
	if _, err := corrupted.Apply("abc"); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Expected ErrChecksumMismatch for wrong length, got %v", err)
	}

	corrupted = *d
	corrupted.ResultDigest = strings.Repeat("0", 64)
	if _, err := corrupted.Apply("abc"); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Expected ErrChecksumMismatch for wrong digest, got %v", err)
	}

	if _, err := d.Apply("abcd"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for wrong base, got %v", err)
	}
}

func TestDelta_MalformedOps(t *testing.T) {
	d := &Delta{BaseLength: 3, ResultLength: 3, Ops: []Op{{Kind: OpRetain, Count: 5}}}
	if _, err := d.Apply("abc"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for overrun, got %v", err)
	}

	d = &Delta{BaseLength: 3, ResultLength: 1, Ops: []Op{{Kind: OpRetain, Count: 1}}}
	if _, err := d.Apply("abc"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for unconsumed base, got %v", err)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		codec, err := NewCodec(compress)
		if err != nil {
			t.Fatalf("NewCodec(%v) failed: %v", compress, err)
		}
		defer codec.Close()

		text := strings.Repeat("Hello world\n", 50)
		payload, enc := codec.EncodeBaseline(text)
		if compress && enc != EncodingTextZstd {
			t.Errorf("Expected compressed encoding, got %s", enc)
		}
		if compress && len(payload) >= len(text) {
			t.Errorf("Compressed payload should be smaller: %d >= %d", len(payload), len(text))
		}
		decoded, err := codec.DecodeBaseline(payload, enc)
		if err != nil || decoded != text {
			t.Fatalf("Baseline round trip failed: %v", err)
		}

		d := New(text, text+"more", NewLineDiffer().Diff(text, text+"more"))
		payload, enc, err = codec.EncodeDelta(d)
		if err != nil {
			t.Fatalf("EncodeDelta failed: %v", err)
		}
		back, err := codec.DecodeDelta(payload, enc)
		if err != nil {
			t.Fatalf("DecodeDelta failed: %v", err)
		}
		got, err := back.Apply(text)
		if err != nil || got != text+"more" {
			t.Errorf("Decoded delta applied to %q, %v", got, err)
		}
	}
}

func TestCodec_ReadsCompressedWithCompressionOff(t *testing.T) {
	writer, _ := NewCodec(true)
	defer writer.Close()
	reader, _ := NewCodec(false)
	defer reader.Close()

	payload, enc := writer.EncodeBaseline("stored compressed")
	got, err := reader.DecodeBaseline(payload, enc)
	if err != nil || got != "stored compressed" {
		t.Errorf("Expected to read compressed payload, got %q, %v", got, err)
	}
}

func TestCodec_Errors(t *testing.T) {
	codec, _ := NewCodec(false)
	defer codec.Close()

	if _, err := codec.DecodeBaseline([]byte("x"), EncodingDelta); !errors.Is(err, ErrUnknownEncoding) {
		t.Errorf("Expected ErrUnknownEncoding, got %v", err)
	}
	if _, err := codec.DecodeDelta([]byte("{not json"), EncodingDelta); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}
	if _, err := codec.DecodeBaseline([]byte("garbage"), EncodingTextZstd); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for bad zstd frame, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("text/csv", NewCharDiffer())
	r.Register("application/*", NewDMPDiffer())

	if got := r.For("text/csv; charset=utf-8").Name(); got != StrategyChar {
		t.Errorf("Expected char differ for csv, got %s", got)
	}
	if got := r.For("application/json").Name(); got != StrategyDMP {
		t.Errorf("Expected dmp differ for application/json, got %s", got)
	}
	if got := r.For("text/plain").Name(); got != StrategyLine {
		t.Errorf("Expected line differ fallback, got %s", got)
	}

	if _, err := ForStrategy("words"); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("Expected ErrUnknownStrategy, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	stats := Summarize(NewCharDiffer().Diff("Hello world", "Say: He world"))
	if stats.Inserted != 5 || stats.Deleted != 3 || stats.Unchanged != 8 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}
