package listener

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
)

func pipeWithHeader(t *testing.T, header []byte, tail []byte) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		client.Write(header)
		if len(tail) > 0 {
			client.Write(tail)
		}
	}()
	t.Cleanup(func() { client.Close(); server.Close() })
	return server
}

func TestPeekProxyHeaderV1(t *testing.T) {
	conn := pipeWithHeader(t, []byte("PROXY TCP4 203.0.113.5 198.51.100.9 56324 3306\r\n"), []byte("tail-bytes"))
	addr, br, err := peekProxyHeader(conn)
	if err != nil {
		t.Fatalf("peekProxyHeader: %v", err)
	}
	if addr.IP != "203.0.113.5" || addr.Port != 56324 {
		t.Fatalf("addr = %+v", addr)
	}
	rest := make([]byte, len("tail-bytes"))
	if _, err := io.ReadFull(br, rest); err != nil {
		t.Fatalf("reading tail: %v", err)
	}
	if string(rest) != "tail-bytes" {
		t.Fatalf("tail = %q", rest)
	}
}

func TestPeekProxyHeaderV1Unknown(t *testing.T) {
	conn := pipeWithHeader(t, []byte("PROXY UNKNOWN\r\n"), nil)
	addr, _, err := peekProxyHeader(conn)
	if err != nil {
		t.Fatalf("peekProxyHeader: %v", err)
	}
	if addr != (SourceAddr{}) {
		t.Fatalf("expected zero addr for UNKNOWN, got %+v", addr)
	}
}

func buildV2Header(cmd byte, fam byte, body []byte) []byte {
	header := make([]byte, 16+len(body))
	copy(header[0:12], proxyProtoV2Sig)
	header[12] = 0x20 | cmd // version 2
	header[13] = fam
	binary.BigEndian.PutUint16(header[14:16], uint16(len(body)))
	copy(header[16:], body)
	return header
}

func TestPeekProxyHeaderV2IPv4(t *testing.T) {
	body := make([]byte, 12)
	copy(body[0:4], net.ParseIP("203.0.113.5").To4())
	copy(body[4:8], net.ParseIP("198.51.100.9").To4())
	binary.BigEndian.PutUint16(body[8:10], 56324)
	binary.BigEndian.PutUint16(body[10:12], 3306)

	conn := pipeWithHeader(t, buildV2Header(0x01, 0x11, body), nil)
	addr, _, err := peekProxyHeader(conn)
	if err != nil {
		t.Fatalf("peekProxyHeader: %v", err)
	}
	if addr.IP != "203.0.113.5" || addr.Port != 56324 {
		t.Fatalf("addr = %+v", addr)
	}
}

func TestPeekProxyHeaderV2Local(t *testing.T) {
	conn := pipeWithHeader(t, buildV2Header(0x00, 0x00, nil), nil)
	addr, _, err := peekProxyHeader(conn)
	if err != nil {
		t.Fatalf("peekProxyHeader: %v", err)
	}
	if addr != (SourceAddr{}) {
		t.Fatalf("expected zero addr for LOCAL command, got %+v", addr)
	}
}

func TestPeekProxyHeaderNoHeader(t *testing.T) {
	conn := pipeWithHeader(t, []byte("\x03\x00\x00\x00\x01some-mysql-bytes"), nil)
	addr, br, err := peekProxyHeader(conn)
	if err != nil {
		t.Fatalf("peekProxyHeader: %v", err)
	}
	if addr != (SourceAddr{}) {
		t.Fatalf("expected zero addr with no proxy header, got %+v", addr)
	}
	first, err := br.Peek(1)
	if err != nil || first[0] != 0x03 {
		t.Fatalf("expected original bytes preserved, peek = %v err = %v", first, err)
	}
}

type fakeAddr string

func (f fakeAddr) Network() string { return "tcp" }
func (f fakeAddr) String() string  { return string(f) }

func TestAllowedByEmptyAllowList(t *testing.T) {
	if !allowedBy(nil, fakeAddr("10.0.0.5:1234")) {
		t.Fatal("empty allow-list should accept any remote")
	}
}

func TestAllowedByCIDR(t *testing.T) {
	_, cidr, err := net.ParseCIDR("10.0.0.0/24")
	if err != nil {
		t.Fatal(err)
	}
	nets := []*net.IPNet{cidr}

	if !allowedBy(nets, fakeAddr("10.0.0.5:1234")) {
		t.Fatal("10.0.0.5 should be allowed")
	}
	if allowedBy(nets, fakeAddr("10.0.1.5:1234")) {
		t.Fatal("10.0.1.5 should not be allowed")
	}
}

func TestAllowedByMalformedAddr(t *testing.T) {
	_, cidr, _ := net.ParseCIDR("10.0.0.0/24")
	if allowedBy([]*net.IPNet{cidr}, fakeAddr("not-an-address")) {
		t.Fatal("malformed remote address should never be allowed when an allow-list is configured")
	}
}
