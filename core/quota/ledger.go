package quota

import (
	"encoding/binary"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("project-quotas")

// Ledger persists the path -> (project id, space limit, inode limit)
// assignments a Driver hands out, the same role devmapper.PoolMetadata
// gives bbolt for device state, so a restarted daemon can report
// StatFSByProject for a volume it has not yet re-created on this boot
// without recomputing anything.
type Ledger struct {
	db *bolt.DB
}

// OpenLedger opens (creating if absent) a bbolt database at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open quota ledger %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize quota ledger bucket")
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying bbolt database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

type record struct {
	ProjectID  uint32
	SpaceBytes uint64
	Inodes     uint64
}

func encodeRecord(r record) []byte {
	buf := make([]byte, 4+8+8)
	binary.BigEndian.PutUint32(buf[0:4], r.ProjectID)
	binary.BigEndian.PutUint64(buf[4:12], r.SpaceBytes)
	binary.BigEndian.PutUint64(buf[12:20], r.Inodes)
	return buf
}

func decodeRecord(b []byte) (record, bool) {
	if len(b) != 20 {
		return record{}, false
	}
	return record{
		ProjectID:  binary.BigEndian.Uint32(b[0:4]),
		SpaceBytes: binary.BigEndian.Uint64(b[4:12]),
		Inodes:     binary.BigEndian.Uint64(b[12:20]),
	}, true
}

// Record stores or updates the assignment for path.
func (l *Ledger) Record(path string, projectID uint32, spaceBytes, inodes uint64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put([]byte(path), encodeRecord(record{ProjectID: projectID, SpaceBytes: spaceBytes, Inodes: inodes}))
	})
}

// Lookup returns the project id recorded for path, if any.
func (l *Ledger) Lookup(path string) (uint32, bool) {
	var id uint32
	var ok bool
	_ = l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get([]byte(path))
		if r, decoded := decodeRecord(v); decoded {
			id = r.ProjectID
			ok = true
		}
		return nil
	})
	return id, ok
}

// Forget removes the ledger entry for path.
func (l *Ledger) Forget(path string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(path))
	})
}

// Paths returns every path currently recorded, used by startup recovery to
// reconcile the ledger against the live volume set.
func (l *Ledger) Paths() ([]string, error) {
	var out []string
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.ForEach(func(k, v []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}
