package persist

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/tamitakada/derecho"
)

// BoltLog is the default durable Log, one bucket per subgroup keyed by
// version. A version that has been stored here survives a full restart of
// the process and is readable byte for byte.
type BoltLog struct {
	db *bolt.DB
}

// OpenBoltLog opens or creates the log file at path.
func OpenBoltLog(path string) (*BoltLog, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open persistence log %s", path)
	}
	return &BoltLog{db: db}, nil
}

func subgroupBucket(sub derecho.SubgroupID) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(sub))
	return b[:]
}

func versionKey(ver derecho.Version) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(ver))
	return b[:]
}

// Append implements Log.
func (l *BoltLog) Append(rec Record) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(subgroupBucket(rec.Subgroup))
		if err != nil {
			return err
		}
		val := make([]byte, 8+len(rec.Payload))
		binary.BigEndian.PutUint64(val[0:8], rec.TimestampNS)
		copy(val[8:], rec.Payload)
		return bkt.Put(versionKey(rec.Version), val)
	})
}

// LastVersion implements Log.
func (l *BoltLog) LastVersion(sub derecho.SubgroupID) (derecho.Version, error) {
	last := derecho.InvalidVersion
	err := l.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(subgroupBucket(sub))
		if bkt == nil {
			return nil
		}
		if k, _ := bkt.Cursor().Last(); k != nil {
			last = derecho.Version(binary.BigEndian.Uint64(k))
		}
		return nil
	})
	return last, err
}

// Read implements Log.
func (l *BoltLog) Read(sub derecho.SubgroupID, ver derecho.Version) ([]byte, error) {
	var payload []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(subgroupBucket(sub))
		if bkt == nil {
			return ErrVersionNotFound
		}
		val := bkt.Get(versionKey(ver))
		if val == nil {
			return ErrVersionNotFound
		}
		payload = make([]byte, len(val)-8)
		copy(payload, val[8:])
		return nil
	})
	return payload, err
}

// Close implements Log.
func (l *BoltLog) Close() error { return l.db.Close() }
