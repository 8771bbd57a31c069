package buf

import "testing"

func TestConsumeSaturatesAtLength(t *testing.T) {
	c := New([]byte("hello world"))
	c = c.Consume(1000)
	if c.Length() != 0 {
		t.Fatalf("expected length 0 after over-consuming, got %d", c.Length())
	}
}

func TestConsumeExactUnderflow(t *testing.T) {
	c := New([]byte("hi"))
	if _, err := c.ConsumeExact(10); err != ErrUnderflow {
		t.Fatalf("expected ErrUnderflow, got %v", err)
	}
}

func TestSplitPreservesBytes(t *testing.T) {
	c := New([]byte("abcdefgh"))
	front, rest := c.Split(3)
	if string(front.Bytes()) != "abc" {
		t.Fatalf("front = %q, want %q", front.Bytes(), "abc")
	}
	if string(rest.Bytes()) != "defgh" {
		t.Fatalf("rest = %q, want %q", rest.Bytes(), "defgh")
	}
}

func TestSplitThenAppendRoundTrips(t *testing.T) {
	orig := []byte("round-trip-me")
	c := New(orig)
	front, rest := c.Split(5)
	rejoined := front.Append(rest.Bytes())
	if string(rejoined.Bytes()) != string(orig) {
		t.Fatalf("rejoined = %q, want %q", rejoined.Bytes(), orig)
	}
}

func TestMakeContiguousMatchesOriginal(t *testing.T) {
	c := New([]byte("part1"))
	c = c.Append([]byte("part2"))
	before := c.Bytes()
	contig := c.MakeContiguous()
	if string(contig.Bytes()) != string(before) {
		t.Fatalf("make_contiguous changed bytes: got %q, want %q", contig.Bytes(), before)
	}
}

func TestDeepCloneIsIndependent(t *testing.T) {
	c := New([]byte("original"))
	clone := c.DeepClone()
	mutated := clone.EnsureUnique()
	mutated.segs[0].reg.data[0] = 'X'
	if c.Bytes()[0] == 'X' {
		t.Fatalf("mutating deep clone leaked into original")
	}
}

func TestShallowCloneSharesRegionButAppendDoesNotCorruptSibling(t *testing.T) {
	c := New([]byte("shared"))
	sibling := c.ShallowClone()
	c = c.Append([]byte("-more"))
	if string(sibling.Bytes()) != "shared" {
		t.Fatalf("append through one clone mutated a sibling clone: got %q", sibling.Bytes())
	}
}

func TestTrimAlwaysReturnsPresentChain(t *testing.T) {
	c := New([]byte("abc"))
	trimmed := c.Trim(3)
	if trimmed.Length() != 0 {
		t.Fatalf("expected zero-length chain, got %d", trimmed.Length())
	}
	if !trimmed.Empty() {
		t.Fatalf("expected Empty() true for fully trimmed chain")
	}
}

func TestConsumeUnlinksFullyConsumedSegments(t *testing.T) {
	c := New([]byte("seg1"))
	c = c.Append([]byte("seg2"))
	c = c.Consume(4)
	if string(c.Bytes()) != "seg2" {
		t.Fatalf("got %q, want %q", c.Bytes(), "seg2")
	}
}

func TestCopyData(t *testing.T) {
	c := New([]byte("0123456789"))
	dst := make([]byte, 4)
	n := c.CopyData(3, 4, dst)
	if n != 4 || string(dst) != "3456" {
		t.Fatalf("got %d bytes %q, want 4 bytes %q", n, dst, "3456")
	}

	// best-effort: asking past the end copies fewer bytes.
	dst2 := make([]byte, 4)
	n2 := c.CopyData(8, 4, dst2)
	if n2 != 2 {
		t.Fatalf("got %d bytes, want 2", n2)
	}
}
