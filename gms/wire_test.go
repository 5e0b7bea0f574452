package gms

import (
	"testing"

	"github.com/tamitakada/derecho"
)

func TestFillFrame_Codec(t *testing.T) {
	in := fillFrame{vid: 5, subgroup: 3, senderRank: 1, index: 42, data: []byte("payload")}
	out, err := decodeFill(encodeFill(in))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if out.vid != in.vid || out.subgroup != in.subgroup || out.senderRank != in.senderRank || out.index != in.index || string(out.data) != "payload" {
		t.Fatalf("frame mismatch: %+v", out)
	}
}

func TestStateBlob_Verify(t *testing.T) {
	blob := NewStateBlob(1, 7, []byte("replicated state"))
	if err := blob.Verify(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	blob.Data[0] ^= 0xff
	if err := blob.Verify(); err == nil {
		t.Fatal("corruption went undetected")
	}
}

func TestControlMessage_Codec(t *testing.T) {
	addr := &Address{IP: "10.0.0.1", Ports: derecho.NodePorts{GMS: 23580, SST: 37683}}
	msg := controlMessage{Type: ctlJoinRequest, JoinerID: 9, JoinerAddr: addr}
	out, err := decodeControl(encodeControl(msg))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if out.Type != ctlJoinRequest || out.JoinerID != 9 || out.JoinerAddr == nil || out.JoinerAddr.IP != "10.0.0.1" {
		t.Fatalf("message mismatch: %+v", out)
	}
}

func TestTrimSeq(t *testing.T) {
	// Two senders capped at 3 and 2: prefix is 0,1,2,3,4 (sender 0 index
	// 0..2, sender 1 index 0..1), so the last sequence is 4.
	if got := trimSeq([]int32{3, 2}, 2); got != 4 {
		t.Fatalf("trimSeq = %d, want 4", got)
	}
	if got := trimSeq([]int32{0, 0}, 2); got != -1 {
		t.Fatalf("trimSeq of empty caps = %d, want -1", got)
	}
}

func TestPackIP(t *testing.T) {
	if got := unpackIP(packIP("127.0.0.1")); got != "127.0.0.1" {
		t.Fatalf("round trip = %q", got)
	}
	if packIP("") != 0 {
		t.Fatal("empty IP must pack to zero")
	}
	if unpackIP(0) != "" {
		t.Fatal("zero must unpack to empty")
	}
}
