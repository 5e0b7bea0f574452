package multicast

import (
	"testing"

	"github.com/tamitakada/derecho"
)

// Every dissemination pattern must reach every rotated rank exactly through
// the relay graph rooted at the sender.
func TestRelayTargets_CoverAllRanks(t *testing.T) {
	for _, alg := range []derecho.SendAlgorithm{
		derecho.BinomialSend, derecho.ChainSend, derecho.SequentialSend, derecho.TreeSend,
	} {
		for n := 1; n <= 16; n++ {
			reached := make([]bool, n)
			reached[0] = true
			frontier := []int{0}
			for len(frontier) > 0 {
				var next []int
				for _, p := range frontier {
					for _, q := range relayTargets(alg, n, p) {
						if q <= 0 || q >= n {
							t.Fatalf("%s n=%d: rank %d targets out-of-range %d", alg, n, p, q)
						}
						if !reached[q] {
							reached[q] = true
							next = append(next, q)
						}
					}
				}
				frontier = next
			}
			for p, ok := range reached {
				if !ok {
					t.Fatalf("%s n=%d: rank %d never receives", alg, n, p)
				}
			}
		}
	}
}

// The sequential pattern has the sender transmit to everyone directly.
func TestRelayTargets_SequentialShape(t *testing.T) {
	if got := relayTargets(derecho.SequentialSend, 5, 0); len(got) != 4 {
		t.Fatalf("sender targets = %v", got)
	}
	for p := 1; p < 5; p++ {
		if got := relayTargets(derecho.SequentialSend, 5, p); len(got) != 0 {
			t.Fatalf("rank %d should not relay, got %v", p, got)
		}
	}
}

// The chain pattern forwards along ranks one hop at a time.
func TestRelayTargets_ChainShape(t *testing.T) {
	for p := 0; p < 4; p++ {
		got := relayTargets(derecho.ChainSend, 5, p)
		if len(got) != 1 || got[0] != p+1 {
			t.Fatalf("rank %d targets = %v", p, got)
		}
	}
	if got := relayTargets(derecho.ChainSend, 5, 4); len(got) != 0 {
		t.Fatalf("tail of chain should not relay, got %v", got)
	}
}

// Rank rotation round-trips.
func TestRotateRank(t *testing.T) {
	for n := 1; n < 8; n++ {
		for sender := 0; sender < n; sender++ {
			for rank := 0; rank < n; rank++ {
				rot := rotateRank(rank, sender, n)
				if sender == rank && rot != 0 {
					t.Fatalf("sender must rotate to 0, got %d", rot)
				}
				if back := unrotateRank(rot, sender, n); back != rank {
					t.Fatalf("rotate(%d,%d,%d) does not round trip: %d", rank, sender, n, back)
				}
			}
		}
	}
}

// A block frame round-trips through the wire encoding.
func TestBlockFrame_Codec(t *testing.T) {
	in := blockFrame{
		subgroup:  2,
		senderID:  7,
		index:     1234,
		blockNum:  3,
		numBlocks: 9,
		totalSize: 1 << 20,
		data:      []byte("block contents"),
	}
	out, err := decodeBlockFrame(encodeBlockFrame(in))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if out.subgroup != in.subgroup || out.senderID != in.senderID || out.index != in.index ||
		out.blockNum != in.blockNum || out.numBlocks != in.numBlocks || out.totalSize != in.totalSize ||
		string(out.data) != string(in.data) {
		t.Fatalf("frame mismatch: %+v != %+v", out, in)
	}
}

// Reassembly completes exactly once and tolerates duplicate blocks.
func TestBlockAssembly(t *testing.T) {
	const blockSize = 4
	a := newBlockAssembly(3, 10)
	add := func(num uint32, data string) bool {
		return a.add(blockFrame{blockNum: num, data: []byte(data)}, blockSize)
	}
	if add(0, "aaaa") {
		t.Fatal("complete too early")
	}
	if add(0, "xxxx") {
		t.Fatal("duplicate counted")
	}
	if add(2, "cc") {
		t.Fatal("complete too early")
	}
	if !add(1, "bbbb") {
		t.Fatal("assembly never completed")
	}
	if string(a.buf) != "aaaabbbbcc" {
		t.Fatalf("reassembled %q", a.buf)
	}
}
