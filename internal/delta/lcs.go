package delta

// span is a run of the edit script in terms of indexes into a and b.
type span struct {
	kind   SegmentKind
	aStart int
	aEnd   int
	bStart int
	bEnd   int
}

// maxLCSCells bounds the dynamic-programming table. Larger middles are
// emitted as one delete plus one insert, which is still a valid delta.
const maxLCSCells = 4 << 20

// lcsSpans returns an edit script from a to b based on their longest
// common subsequence, after trimming the common prefix and suffix.
func lcsSpans[T comparable](a, b []T) []span {
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	var spans []span
	add := func(kind SegmentKind, ai, aj, bi, bj int) {
		if ai == aj && bi == bj {
			return
		}
		if last := len(spans) - 1; last >= 0 && spans[last].kind == kind && spans[last].aEnd == ai && spans[last].bEnd == bi {
			spans[last].aEnd = aj
			spans[last].bEnd = bj
			return
		}
		spans = append(spans, span{kind: kind, aStart: ai, aEnd: aj, bStart: bi, bEnd: bj})
	}

	add(Equal, 0, prefix, 0, prefix)

	ma := a[prefix : len(a)-suffix]
	mb := b[prefix : len(b)-suffix]
	n, m := len(ma), len(mb)

	switch {
	case n == 0:
		add(Insert, prefix, prefix, prefix, prefix+m)
	case m == 0:
		add(Delete, prefix, prefix+n, prefix, prefix)
	case (n+1)*(m+1) > maxLCSCells:
		add(Delete, prefix, prefix+n, prefix, prefix)
		add(Insert, prefix+n, prefix+n, prefix, prefix+m)
	default:
		// table[i][j] is the LCS length of ma[i:] and mb[j:]
		width := m + 1
		table := make([]int32, (n+1)*width)
		for i := n - 1; i >= 0; i-- {
			for j := m - 1; j >= 0; j-- {
				if ma[i] == mb[j] {
					table[i*width+j] = table[(i+1)*width+j+1] + 1
				} else if down, right := table[(i+1)*width+j], table[i*width+j+1]; down >= right {
					table[i*width+j] = down
				} else {
					table[i*width+j] = right
				}
			}
		}

		i, j := 0, 0
		for i < n && j < m {
			switch {
			case ma[i] == mb[j]:
				add(Equal, prefix+i, prefix+i+1, prefix+j, prefix+j+1)
				i++
				j++
			case table[(i+1)*width+j] >= table[i*width+j+1]:
				add(Delete, prefix+i, prefix+i+1, prefix+j, prefix+j)
				i++
			default:
				add(Insert, prefix+i, prefix+i, prefix+j, prefix+j+1)
				j++
			}
		}
		if i < n {
			add(Delete, prefix+i, prefix+n, prefix+j, prefix+j)
		}
		if j < m {
			add(Insert, prefix+n, prefix+n, prefix+j, prefix+m)
		}
	}

	add(Equal, len(a)-suffix, len(a), len(b)-suffix, len(b))
	return spans
}
