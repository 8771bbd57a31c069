package dcb

import (
	"bytes"
	"net"
	"testing"

	"github.com/joao-brasil/dbproxy/internal/mariadb"
)

// pipeConn adapts a net.Pipe end plus a plain io writer/reader pair isn't
// needed here: Descriptor only needs net.Conn for ReadMessage/ReadPacket,
// and net.Pipe gives us a real net.Conn without touching the network.
func TestDescriptorReadMessageReassemblesAcrossContinuations(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := bytes.Repeat([]byte{'x'}, mariadb.MaxPayload+3)
	packets := mariadb.BuildPackets(payload, 0)

	go func() {
		for _, p := range packets {
			_ = mariadb.WritePacket(client, p)
		}
	}()

	d := New(1, RoleClientHandler, server, Watermarks{Low: 0, High: 1 << 20})
	got, firstSeq, raw, err := d.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}
	if firstSeq != 0 {
		t.Fatalf("firstSeq = %d, want 0", firstSeq)
	}
	if len(raw) != len(packets) {
		t.Fatalf("packet count = %d, want %d", len(raw), len(packets))
	}
}

func TestDescriptorReadPacketReturnsSinglePacket(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = mariadb.WritePacket(client, mariadb.Packet{
			Header:  mariadb.Header{Length: 3, Sequence: 0},
			Payload: []byte("abc"),
		})
	}()

	d := New(2, RoleClientHandler, server, Watermarks{Low: 0, High: 1 << 20})
	pkt, err := d.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if string(pkt.Payload) != "abc" {
		t.Fatalf("payload = %q, want %q", pkt.Payload, "abc")
	}
}

func TestQueueWriteFiresHighWaterOncePerCrossing(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	d := New(3, RoleBackendHandler, server, Watermarks{Low: 1, High: 4})
	fired := 0
	d.OnCallback(ReasonHighWater, func(*Descriptor) { fired++ })

	d.QueueWrite([]byte("12345"))
	d.QueueWrite([]byte("6"))
	if fired != 1 {
		t.Fatalf("HighWater fired %d times, want 1", fired)
	}
}

func TestCloseIsIdempotentAndFiresCallbackOnce(t *testing.T) {
	_, server := net.Pipe()
	d := New(4, RoleClientHandler, server, Watermarks{})
	fired := 0
	d.OnCallback(ReasonClose, func(*Descriptor) { fired++ })

	d.Close()
	d.Close()
	if fired != 1 {
		t.Fatalf("Close callback fired %d times, want 1", fired)
	}
	if d.State() != StateDisconnected {
		t.Fatalf("state = %v, want %v", d.State(), StateDisconnected)
	}
}
