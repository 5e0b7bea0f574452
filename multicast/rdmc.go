package multicast

import (
	"encoding/binary"
	"fmt"

	"github.com/tamitakada/derecho"
)

// The block plane disseminates large messages as fixed-size blocks over the
// reliable point-to-point transport. The dissemination pattern is chosen per
// subgroup; relative ranks are rotated so the sender is always rank 0 and
// relay targets depend only on a node's rotated rank.

// relayTargets returns the rotated ranks this node forwards every block to,
// given n shard members and this node's rotated rank (0 = the sender).
func relayTargets(alg derecho.SendAlgorithm, n, rotatedRank int) []int {
	if n <= 1 {
		return nil
	}
	switch alg {
	case derecho.SequentialSend:
		// The sender transmits directly to everyone; nobody relays.
		if rotatedRank != 0 {
			return nil
		}
		targets := make([]int, 0, n-1)
		for p := 1; p < n; p++ {
			targets = append(targets, p)
		}
		return targets

	case derecho.ChainSend:
		if rotatedRank+1 < n {
			return []int{rotatedRank + 1}
		}
		return nil

	case derecho.BinomialSend:
		// Round r: every node with data forwards to rank + 2^r. A node at
		// rank p first has data in the round where 2^r exceeds p.
		var targets []int
		for step := 1; ; step <<= 1 {
			if step <= rotatedRank {
				continue
			}
			next := rotatedRank + step
			if next >= n {
				break
			}
			targets = append(targets, next)
		}
		return targets

	case derecho.TreeSend:
		var targets []int
		for _, c := range []int{2*rotatedRank + 1, 2*rotatedRank + 2} {
			if c < n {
				targets = append(targets, c)
			}
		}
		return targets
	}
	return nil
}

// rotateRank maps a shard rank into the rank space rooted at senderRank.
func rotateRank(shardRank, senderShardRank, n int) int {
	return ((shardRank - senderShardRank) + n) % n
}

// unrotateRank is the inverse of rotateRank.
func unrotateRank(rotated, senderShardRank, n int) int {
	return (rotated + senderShardRank) % n
}

// Block plane wire format, after the transport kind byte:
//
//	uint32 subgroup
//	uint32 sender id
//	int64  message index
//	uint32 block number
//	uint32 total blocks
//	uint64 total message size
//	block bytes
const blockHeaderSize = 4 + 4 + 8 + 4 + 4 + 8

type blockFrame struct {
	subgroup  derecho.SubgroupID
	senderID  derecho.NodeID
	index     derecho.MessageID
	blockNum  uint32
	numBlocks uint32
	totalSize uint64
	data      []byte
}

func encodeBlockFrame(f blockFrame) []byte {
	buf := make([]byte, blockHeaderSize+len(f.data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.subgroup))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(f.senderID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(f.index))
	binary.LittleEndian.PutUint32(buf[16:20], f.blockNum)
	binary.LittleEndian.PutUint32(buf[20:24], f.numBlocks)
	binary.LittleEndian.PutUint64(buf[24:32], f.totalSize)
	copy(buf[blockHeaderSize:], f.data)
	return buf
}

func decodeBlockFrame(buf []byte) (blockFrame, error) {
	if len(buf) < blockHeaderSize {
		return blockFrame{}, fmt.Errorf("short block frame: %d bytes", len(buf))
	}
	return blockFrame{
		subgroup:  derecho.SubgroupID(binary.LittleEndian.Uint32(buf[0:4])),
		senderID:  derecho.NodeID(binary.LittleEndian.Uint32(buf[4:8])),
		index:     derecho.MessageID(binary.LittleEndian.Uint64(buf[8:16])),
		blockNum:  binary.LittleEndian.Uint32(buf[16:20]),
		numBlocks: binary.LittleEndian.Uint32(buf[20:24]),
		totalSize: binary.LittleEndian.Uint64(buf[24:32]),
		data:      buf[blockHeaderSize:],
	}, nil
}

// blockAssembly reassembles one in-flight block-plane message.
type blockAssembly struct {
	buf       []byte
	received  []bool
	remaining uint32
}

func newBlockAssembly(numBlocks uint32, totalSize uint64) *blockAssembly {
	return &blockAssembly{
		buf:       make([]byte, totalSize),
		received:  make([]bool, numBlocks),
		remaining: numBlocks,
	}
}

// add copies a block into place. Returns true when the message is complete.
// Duplicate blocks, which relaying can produce, are ignored.
func (a *blockAssembly) add(f blockFrame, blockSize uint64) bool {
	if f.blockNum >= uint32(len(a.received)) || a.received[f.blockNum] {
		return false
	}
	a.received[f.blockNum] = true
	a.remaining--
	copy(a.buf[uint64(f.blockNum)*blockSize:], f.data)
	return a.remaining == 0
}

// numBlocksFor returns how many blocks a message of the given size needs.
func numBlocksFor(size, blockSize uint64) uint32 {
	if size == 0 {
		return 1
	}
	return uint32((size + blockSize - 1) / blockSize)
}
