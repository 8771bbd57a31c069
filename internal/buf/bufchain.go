// Package buf implements BufChain, a reference-counted, possibly segmented
// byte chain used to carry protocol frames end-to-end without copies where
// possible. It is the Go analogue of MaxScale's GWBUF.
package buf

import "fmt"

// region is a shared, immutable-once-published byte area. Multiple segments
// may reference the same region; it is only mutated in place when a segment
// holds the sole reference (tracked via refs).
type region struct {
	data []byte
	refs int
}

// segment is one link of a Chain: a window [start, end) into a shared region.
type segment struct {
	reg   *region
	start int
	end   int
}

func (s *segment) length() int { return s.end - s.start }

func (s *segment) bytes() []byte { return s.reg.data[s.start:s.end] }

// Chain is a BufChain: an ordered sequence of segments that together form one
// logical byte stream. The zero value is a valid empty chain.
//
// Invariants: for every segment, 0 <= start <= end <= len(region.data);
// consuming from the front only advances start; trimming from the back only
// retracts end; Length() == sum(end-start) over all segments.
type Chain struct {
	segs []segment
}

// New builds a Chain that owns a fresh copy of b. The caller may reuse b
// afterwards.
func New(b []byte) Chain {
	if len(b) == 0 {
		return Chain{}
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	r := &region{data: cp, refs: 1}
	return Chain{segs: []segment{{reg: r, start: 0, end: len(cp)}}}
}

// Length returns the total number of bytes currently held by the chain.
func (c Chain) Length() int {
	n := 0
	for _, s := range c.segs {
		n += s.length()
	}
	return n
}

// Empty reports whether the chain currently holds zero bytes. An empty
// chain is still a valid, present value (see the gwbuf_trim open question
// in SPEC_FULL.md / spec.md §9) — callers must not treat it as nil.
func (c Chain) Empty() bool { return c.Length() == 0 }

// Append adds bytes to the tail of the chain. If the tail segment is
// uniquely owned and has trailing capacity in its backing region, the bytes
// are written in place; otherwise a new segment (and region) is allocated.
// Existing readers of other segments, or of clones sharing this chain's
// regions, are never invalidated.
func (c Chain) Append(b []byte) Chain {
	if len(b) == 0 {
		return c
	}
	out := Chain{segs: make([]segment, len(c.segs))}
	copy(out.segs, c.segs)
	if n := len(out.segs); n > 0 {
		last := out.segs[n-1]
		if last.reg.refs == 1 && last.end == len(last.reg.data) {
			last.reg.data = append(last.reg.data, b...)
			last.end = len(last.reg.data)
			out.segs[n-1] = last
			return out
		}
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	r := &region{data: cp, refs: 1}
	out.segs = append(out.segs, segment{reg: r, start: 0, end: len(cp)})
	return out
}

// Consume advances the chain's start by up to n bytes, freeing and unlinking
// any segment that becomes fully consumed. The default saturates at
// Length(); use ConsumeExact for strict behavior.
func (c Chain) Consume(n int) Chain {
	out, _ := c.consume(n, false)
	return out
}

// ErrUnderflow is returned by ConsumeExact when n exceeds the chain length.
var ErrUnderflow = fmt.Errorf("buf: consume underflow")

// ConsumeExact behaves like Consume but fails with ErrUnderflow instead of
// saturating when n > Length().
func (c Chain) ConsumeExact(n int) (Chain, error) {
	return c.consume(n, true)
}

func (c Chain) consume(n int, exact bool) (Chain, error) {
	if n <= 0 {
		return c, nil
	}
	if exact && n > c.Length() {
		return c, ErrUnderflow
	}
	remaining := n
	i := 0
	for i < len(c.segs) && remaining > 0 {
		avail := c.segs[i].length()
		if remaining < avail {
			break
		}
		remaining -= avail
		i++
	}
	out := Chain{segs: append([]segment(nil), c.segs[i:]...)}
	if remaining > 0 && len(out.segs) > 0 {
		head := out.segs[0]
		head.start += remaining
		out.segs[0] = head
	}
	return out, nil
}

// Split returns the front n bytes as an independent chain, leaving the
// remainder in place. Both results share regions with the original — no
// bytes are copied.
func (c Chain) Split(n int) (front Chain, rest Chain) {
	if n <= 0 {
		return Chain{}, c
	}
	total := c.Length()
	if n >= total {
		return c, Chain{}
	}

	frontSegs := make([]segment, 0, len(c.segs))
	restSegs := make([]segment, 0, len(c.segs))
	remaining := n

	for _, s := range c.segs {
		if remaining <= 0 {
			restSegs = append(restSegs, s)
			continue
		}
		avail := s.length()
		if remaining >= avail {
			s.reg.refs++
			frontSegs = append(frontSegs, s)
			remaining -= avail
			continue
		}
		// Split this segment: front gets [start, start+remaining),
		// rest gets [start+remaining, end).
		s.reg.refs += 2
		frontSegs = append(frontSegs, segment{reg: s.reg, start: s.start, end: s.start + remaining})
		restSegs = append(restSegs, segment{reg: s.reg, start: s.start + remaining, end: s.end})
		remaining = 0
	}

	return Chain{segs: frontSegs}, Chain{segs: restSegs}
}

// Trim removes the last n bytes from the chain by retracting segment ends.
// Per the resolved open question (spec.md §9), the result is always a
// valid, present Chain — possibly empty — never a zero/nil sentinel.
func (c Chain) Trim(n int) Chain {
	if n <= 0 {
		return c
	}
	total := c.Length()
	if n >= total {
		return Chain{}
	}
	keep := total - n
	return c.headBytesChain(keep)
}

// headBytesChain builds a brand-new segs slice and only ever assigns whole
// segment values into it (never indexes into c.segs by pointer), so a
// sibling clone sharing c's backing array is never touched by this call.
func (c Chain) headBytesChain(keep int) Chain {
	segs := make([]segment, 0, len(c.segs))
	remaining := keep
	for _, s := range c.segs {
		if remaining <= 0 {
			break
		}
		avail := s.length()
		if remaining >= avail {
			s.reg.refs++
			segs = append(segs, s)
			remaining -= avail
			continue
		}
		s.reg.refs++
		segs = append(segs, segment{reg: s.reg, start: s.start, end: s.start + remaining})
		remaining = 0
	}
	return Chain{segs: segs}
}

// CopyData copies min(n, Length()-offset) bytes starting at offset into dst,
// returning the number of bytes copied.
func (c Chain) CopyData(offset, n int, dst []byte) int {
	copied := 0
	pos := 0
	for _, s := range c.segs {
		segLen := s.length()
		if pos+segLen <= offset {
			pos += segLen
			continue
		}
		start := 0
		if offset > pos {
			start = offset - pos
		}
		for start < segLen && copied < n && copied < len(dst) {
			dst[copied] = s.reg.data[s.start+start]
			copied++
			start++
		}
		pos += segLen
		if copied >= n || copied >= len(dst) {
			break
		}
	}
	return copied
}

// MakeContiguous collapses the chain into a single segment holding all
// current bytes. The caller must not use the receiver chain afterwards.
func (c Chain) MakeContiguous() Chain {
	if len(c.segs) <= 1 {
		return c
	}
	total := c.Length()
	data := make([]byte, total)
	off := 0
	for _, s := range c.segs {
		off += copy(data[off:], s.bytes())
	}
	r := &region{data: data, refs: 1}
	return Chain{segs: []segment{{reg: r, start: 0, end: total}}}
}

// Bytes returns a contiguous copy of the chain's content. Convenience for
// callers that don't need zero-copy semantics (logging, checksums).
func (c Chain) Bytes() []byte {
	total := c.Length()
	out := make([]byte, total)
	off := 0
	for _, s := range c.segs {
		off += copy(out[off:], s.bytes())
	}
	return out
}

// ShallowClone shares regions with the original; intended only for in-flight
// duplication (e.g. the tee filter). Long-term storage requires DeepClone.
func (c Chain) ShallowClone() Chain {
	segs := make([]segment, len(c.segs))
	for i, s := range c.segs {
		s.reg.refs++
		segs[i] = s
	}
	return Chain{segs: segs}
}

// DeepClone copies all regions so the clone is fully independent of the
// original; mutating one never affects the other.
func (c Chain) DeepClone() Chain {
	segs := make([]segment, len(c.segs))
	for i, s := range c.segs {
		data := make([]byte, s.length())
		copy(data, s.bytes())
		r := &region{data: data, refs: 1}
		segs[i] = segment{reg: r, start: 0, end: len(data)}
	}
	return Chain{segs: segs}
}

// EnsureUnique copies any region that is shared (refs > 1) so that
// subsequent writes through this chain are safe.
func (c Chain) EnsureUnique() Chain {
	segs := make([]segment, len(c.segs))
	for i, s := range c.segs {
		if s.reg.refs <= 1 {
			segs[i] = s
			continue
		}
		data := make([]byte, s.length())
		copy(data, s.bytes())
		s.reg.refs--
		segs[i] = segment{reg: &region{data: data, refs: 1}, start: 0, end: len(data)}
	}
	return Chain{segs: segs}
}
