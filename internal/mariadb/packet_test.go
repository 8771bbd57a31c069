package mariadb

import (
	"bytes"
	"testing"

	"github.com/joao-brasil/dbproxy/internal/buf"
)

func TestBuildPacketsSplitsAtMaxPayload(t *testing.T) {
	payload := make([]byte, MaxPayload+10)
	packets := BuildPackets(payload, 0)
	if len(packets) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(packets))
	}
	if packets[0].Header.Length != MaxPayload {
		t.Fatalf("first packet length = %d, want %d", packets[0].Header.Length, MaxPayload)
	}
	if packets[1].Header.Length != 10 {
		t.Fatalf("second packet length = %d, want 10", packets[1].Header.Length)
	}
	if packets[1].Header.Sequence != 1 {
		t.Fatalf("second packet sequence = %d, want 1", packets[1].Header.Sequence)
	}
}

func TestReadMessageReassemblesAcrossContinuations(t *testing.T) {
	payload := bytes.Repeat([]byte{'z'}, MaxPayload+5)
	packets := BuildPackets(payload, 3)

	var wire bytes.Buffer
	for _, p := range packets {
		if err := WritePacket(&wire, p); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}

	got, firstSeq, raw, err := ReadMessage(&wire)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}
	if firstSeq != 3 {
		t.Fatalf("firstSeq = %d, want 3", firstSeq)
	}
	if len(raw) != len(packets) {
		t.Fatalf("raw packet count = %d, want %d", len(raw), len(packets))
	}
}

func TestReadMessageChainReassemblesAcrossContinuations(t *testing.T) {
	payload := bytes.Repeat([]byte{'q'}, MaxPayload+5)
	packets := BuildPackets(payload, 7)

	var wire bytes.Buffer
	for _, p := range packets {
		if err := WritePacket(&wire, p); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}

	got, firstSeq, raw, rest, err := ReadMessageChain(&wire, buf.Chain{})
	if err != nil {
		t.Fatalf("ReadMessageChain: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}
	if firstSeq != 7 {
		t.Fatalf("firstSeq = %d, want 7", firstSeq)
	}
	if len(raw) != len(packets) {
		t.Fatalf("raw packet count = %d, want %d", len(raw), len(packets))
	}
	if !rest.Empty() {
		t.Fatalf("expected no leftover bytes, got %d", rest.Length())
	}
}

func TestReadMessageChainCarriesOverTrailingBytes(t *testing.T) {
	first := BuildPackets([]byte("abc"), 0)
	second := BuildPackets([]byte("defgh"), 0)

	var wire bytes.Buffer
	for _, p := range append(first, second...) {
		if err := WritePacket(&wire, p); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}

	// Simulate a short read that already buffered both messages' bytes in
	// one go before the caller asked for the first message.
	all := wire.Bytes()
	carry := buf.New(all)
	empty := bytes.NewReader(nil)

	got1, _, _, rest, err := ReadMessageChain(empty, carry)
	if err != nil {
		t.Fatalf("first ReadMessageChain: %v", err)
	}
	if string(got1) != "abc" {
		t.Fatalf("first message = %q, want %q", got1, "abc")
	}

	got2, _, _, rest2, err := ReadMessageChain(empty, rest)
	if err != nil {
		t.Fatalf("second ReadMessageChain: %v", err)
	}
	if string(got2) != "defgh" {
		t.Fatalf("second message = %q, want %q", got2, "defgh")
	}
	if !rest2.Empty() {
		t.Fatalf("expected chain drained, got %d leftover bytes", rest2.Length())
	}
}

func TestLenEncIntRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 250, 251, 65535, 65536, 1 << 24, 1 << 40}
	for _, n := range cases {
		enc := EncodeLenEncInt(n)
		got, consumed, ok := DecodeLenEncInt(enc)
		if !ok {
			t.Fatalf("DecodeLenEncInt(%x) not ok", enc)
		}
		if got != n {
			t.Fatalf("round trip %d -> %d", n, got)
		}
		if consumed != len(enc) {
			t.Fatalf("consumed %d, want %d", consumed, len(enc))
		}
	}
}

func TestInspectRequestTransactionLifecycle(t *testing.T) {
	begin := append([]byte{byte(ComQuery)}, []byte("BEGIN")...)
	if r := InspectRequest(ComQuery, begin); r.Action != PinActionPin {
		t.Fatalf("BEGIN: got %v, want Pin", r.Action)
	}

	commit := append([]byte{byte(ComQuery)}, []byte("COMMIT")...)
	if r := InspectRequest(ComQuery, commit); r.Action != PinActionUnpin {
		t.Fatalf("COMMIT: got %v, want Unpin", r.Action)
	}

	sel := append([]byte{byte(ComQuery)}, []byte("SELECT 1")...)
	if r := InspectRequest(ComQuery, sel); r.Action != PinActionNone {
		t.Fatalf("SELECT 1: got %v, want None", r.Action)
	}
}

func TestInspectRequestDoesNotMatchSubstringWords(t *testing.T) {
	// "BEGINNING" must not be treated as BEGIN (word-boundary check).
	q := append([]byte{byte(ComQuery)}, []byte("BEGINNING OF TIME")...)
	if r := InspectRequest(ComQuery, q); r.Action != PinActionNone {
		t.Fatalf("got %v, want None", r.Action)
	}
}

func TestIsSessionWrite(t *testing.T) {
	use := append([]byte{byte(ComQuery)}, []byte("USE mydb")...)
	if !IsSessionWrite(ComQuery, use) {
		t.Fatalf("USE mydb should be a session write")
	}
	sel := append([]byte{byte(ComQuery)}, []byte("SELECT 1")...)
	if IsSessionWrite(ComQuery, sel) {
		t.Fatalf("SELECT 1 should not be a session write")
	}
	if !IsSessionWrite(ComInitDB, nil) {
		t.Fatalf("COM_INIT_DB should always be a session write")
	}
}

func TestHandshakeResponseRoundTrip(t *testing.T) {
	orig := HandshakeResponse{
		Capabilities:   DefaultServerCapabilities,
		MaxPacketSize:  16 * 1024 * 1024,
		CharacterSet:   0x21,
		Username:       "app_user",
		AuthResponse:   []byte{1, 2, 3, 4, 5},
		Database:       "appdb",
		AuthPluginName: DefaultAuthPlugin,
	}
	body := orig.Marshal()
	got, err := ParseHandshakeResponse(body)
	if err != nil {
		t.Fatalf("ParseHandshakeResponse: %v", err)
	}
	if got.Username != orig.Username || got.Database != orig.Database {
		t.Fatalf("got %+v, want %+v", got, orig)
	}
	if !bytes.Equal(got.AuthResponse, orig.AuthResponse) {
		t.Fatalf("auth response mismatch: got %v, want %v", got.AuthResponse, orig.AuthResponse)
	}
}
