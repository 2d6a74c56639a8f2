package chanstate

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// DefaultCheckpointFileName is the name of the checkpoint database
	// within the data directory.
	DefaultCheckpointFileName = "channels.db"
)

var (
	// channelBucket holds one nested bucket per channel.
	channelBucket = []byte("channel-checkpoints")

	// metaBucket holds the key index counter.
	metaBucket = []byte("checkpoint-meta")

	stateKey    = []byte("state")
	markerKey   = []byte("marker")
	keyIndexKey = []byte("next-key-index")

	// ErrCorruptCheckpoint is returned when a stored checkpoint can not be
	// read back. The node must not start on top of it.
	ErrCorruptCheckpoint = errors.New("corrupt channel checkpoint")

	// ErrCheckpointFailed is returned when channel state could not be
	// written. A revocation is only handed out after its write succeeded.
	ErrCheckpointFailed = errors.New("unable to checkpoint channel")
)

// CheckpointStore persists channel state in a bolt database.
type CheckpointStore struct {
	db kvdb.Backend
}

// OpenCheckpointStore opens, creating if needed, the checkpoint database in
// dir.
func OpenCheckpointStore(dir string) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	db, err := kvdb.Create(
		kvdb.BoltBackendName,
		filepath.Join(dir, DefaultCheckpointFileName), true,
		kvdb.DefaultDBTimeout, false,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to open checkpoint db: %w", err)
	}

	return &CheckpointStore{db: db}, nil
}

// Close closes the database.
func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

// PutChannel writes the checkpoint of c together with its integrity marker.
func (s *CheckpointStore) PutChannel(c *Channel) error {
	var b bytes.Buffer
	if err := encodeChannel(&b, c); err != nil {
		return fmt.Errorf("unable to encode channel %v: %w", c.ChanID,
			err)
	}
	blob := b.Bytes()
	marker := sha256.Sum256(blob)

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		root, err := tx.CreateTopLevelBucket(channelBucket)
		if err != nil {
			return err
		}
		bucket, err := root.CreateBucketIfNotExists(c.ChanID[:])
		if err != nil {
			return err
		}
		if err := bucket.Put(stateKey, blob); err != nil {
			return err
		}

		return bucket.Put(markerKey, marker[:])
	}, func() {})
}

// LoadChannels reads every stored channel. A database without checkpoints
// yields no channels. Any checkpoint that fails its integrity check or can
// not be decoded yields ErrCorruptCheckpoint.
func (s *CheckpointStore) LoadChannels(ring KeyRing) ([]*Channel, error) {
	var channels []*Channel

	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		root := tx.ReadBucket(channelBucket)
		if root == nil {
			log.Infof("No channel checkpoints found, starting with " +
				"fresh channel state")
			return nil
		}

		return root.ForEach(func(k, v []byte) error {
			bucket := root.NestedReadBucket(k)
			if bucket == nil {
				return fmt.Errorf("%w: %x is not a bucket",
					ErrCorruptCheckpoint, k)
			}

			c, err := readCheckpoint(bucket, ring)
			if err != nil {
				return fmt.Errorf("%w: channel %x: %v",
					ErrCorruptCheckpoint, k, err)
			}
			channels = append(channels, c)

			return nil
		})
	}, func() {
		channels = nil
	})
	if err != nil {
		return nil, err
	}

	return channels, nil
}

// readCheckpoint verifies and decodes one channel bucket.
func readCheckpoint(bucket kvdb.RBucket, ring KeyRing) (*Channel, error) {
	blob := bucket.Get(stateKey)
	marker := bucket.Get(markerKey)
	if blob == nil || marker == nil {
		return nil, errors.New("incomplete checkpoint")
	}

	sum := sha256.Sum256(blob)
	if !bytes.Equal(sum[:], marker) {
		return nil, errors.New("integrity marker mismatch")
	}

	return decodeChannel(bytes.NewReader(blob), ring)
}

// NextKeyIndex reserves a fresh key index for a new channel.
func (s *CheckpointStore) NextKeyIndex() (uint32, error) {
	var index uint32

	err := kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		meta, err := tx.CreateTopLevelBucket(metaBucket)
		if err != nil {
			return err
		}

		if v := meta.Get(keyIndexKey); len(v) == 4 {
			index = binary.BigEndian.Uint32(v)
		}

		var next [4]byte
		binary.BigEndian.PutUint32(next[:], index+1)

		return meta.Put(keyIndexKey, next[:])
	}, func() {
		index = 0
	})

	return index, err
}
