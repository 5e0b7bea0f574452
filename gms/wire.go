package gms

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/tamitakada/derecho"
)

// Control messages ride the point-to-point plane under the GMS kind byte,
// JSON encoded: they are rare and small, and the encoding survives view
// schema evolution.
const (
	ctlJoinRequest = "join_request"
	ctlInstall     = "install"
	ctlState       = "state"
	ctlLeft        = "left"
)

type controlMessage struct {
	Type string `json:"type"`

	// join_request
	JoinerID   derecho.NodeID `json:"joiner_id,omitempty"`
	JoinerAddr *Address       `json:"joiner_addr,omitempty"`

	// install
	View []byte `json:"view,omitempty"`
	// Counters seeds the joiner's change-proposal counters so its row
	// agrees with the survivors' rows in the new view.
	Counters *ChangeCounters `json:"counters,omitempty"`

	// state
	States []StateBlob `json:"states,omitempty"`
}

// ChangeCounters is the slice of the group-management counters a joiner
// must adopt at install.
type ChangeCounters struct {
	Changes   int32 `json:"changes"`
	Committed int32 `json:"committed"`
	Acked     int32 `json:"acked"`
	Installed int32 `json:"installed"`
}

// StateBlob carries one subgroup's serialized replicated state to a joiner.
type StateBlob struct {
	Subgroup derecho.SubgroupID `json:"subgroup"`
	// Version is the next version the subgroup will assign; the joiner's
	// engine resumes from it.
	Version derecho.Version `json:"version"`
	Data    []byte          `json:"data"`
	// Checksum guards the state bytes end to end across the transfer.
	Checksum uint64 `json:"checksum"`
}

// NewStateBlob stamps the checksum over the state bytes.
func NewStateBlob(sub derecho.SubgroupID, ver derecho.Version, data []byte) StateBlob {
	return StateBlob{Subgroup: sub, Version: ver, Data: data, Checksum: xxhash.Sum64(data)}
}

// Verify checks the blob against its checksum.
func (b StateBlob) Verify() error {
	if got := xxhash.Sum64(b.Data); got != b.Checksum {
		return fmt.Errorf("state transfer corrupted: checksum %x != %x", got, b.Checksum)
	}
	return nil
}

func encodeControl(msg controlMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err) // all fields are marshalable
	}
	return data
}

func decodeControl(data []byte) (controlMessage, error) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return controlMessage{}, errors.Wrap(err, "decode gms control message")
	}
	return msg, nil
}

// Fill-forward frames are binary: they sit on the view-change critical
// path. The vid keeps a straggling reply from one view change out of the
// next view's engine.
//
//	int32  vid
//	uint32 subgroup
//	uint32 sender rank
//	int64  index
//	data (reply only)
const fillHeaderSize = 4 + 4 + 4 + 8

type fillFrame struct {
	vid        int32
	subgroup   derecho.SubgroupID
	senderRank int
	index      derecho.MessageID
	data       []byte
}

func encodeFill(f fillFrame) []byte {
	buf := make([]byte, fillHeaderSize+len(f.data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.vid))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(f.subgroup))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.senderRank))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(f.index))
	copy(buf[fillHeaderSize:], f.data)
	return buf
}

func decodeFill(buf []byte) (fillFrame, error) {
	if len(buf) < fillHeaderSize {
		return fillFrame{}, fmt.Errorf("short fill frame: %d bytes", len(buf))
	}
	return fillFrame{
		vid:        int32(binary.LittleEndian.Uint32(buf[0:4])),
		subgroup:   derecho.SubgroupID(binary.LittleEndian.Uint32(buf[4:8])),
		senderRank: int(binary.LittleEndian.Uint32(buf[8:12])),
		index:      derecho.MessageID(binary.LittleEndian.Uint64(buf[12:20])),
		data:       buf[fillHeaderSize:],
	}, nil
}

// Barrier frames are JSON like the other control messages.
type barrierMessage struct {
	Epoch   int32          `json:"epoch"`
	From    derecho.NodeID `json:"from"`
	Release bool           `json:"release,omitempty"`
}

func encodeBarrier(msg barrierMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	return data
}

func decodeBarrier(data []byte) (barrierMessage, error) {
	var msg barrierMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return barrierMessage{}, errors.Wrap(err, "decode barrier message")
	}
	return msg, nil
}
