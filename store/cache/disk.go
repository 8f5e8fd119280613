package cache

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// diskHeaderSize is the length of the expiry prefix written before each payload.
const diskHeaderSize = 8

// DiskBackend is a local persistent tier storing one file per key.
//
// Each file starts with the expiry as big-endian unix nanoseconds (0 for none),
// followed by the raw payload.
type DiskBackend struct {
	name  string
	dir   string
	clock Clock
}

// NewDiskBackend creates the directory if needed and returns a tier rooted at it.
func NewDiskBackend(name, dir string, clock Clock) (*DiskBackend, error) {
	if dir == "" {
		return nil, errors.New("disk backend requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create cache directory %s", dir)
	}
	if clock == nil {
		clock = SystemClock
	}
	return &DiskBackend{name: name, dir: dir, clock: clock}, nil
}

func (d *DiskBackend) Name() string {
	return d.name
}

func (d *DiskBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	path := d.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "failed to read %s", path)
	}
	if len(data) < diskHeaderSize {
		// Truncated write from a crashed process; treat as absent.
		_ = os.Remove(path)
		return nil, false, nil
	}

	var deadline time.Time
	if nanos := int64(binary.BigEndian.Uint64(data[:diskHeaderSize])); nanos != 0 {
		deadline = time.Unix(0, nanos)
	}
	if expired(deadline, d.clock()) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, false, errors.Wrapf(err, "failed to remove expired %s", path)
		}
		return nil, false, nil
	}
	return data[diskHeaderSize:], true, nil
}

func (d *DiskBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var header [diskHeaderSize]byte
	if deadline := expiryFor(d.clock(), ttl); !deadline.IsZero() {
		binary.BigEndian.PutUint64(header[:], uint64(deadline.UnixNano()))
	}

	tmp, err := os.CreateTemp(d.dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(header[:]); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write header")
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write payload")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp file")
	}
	if err := os.Rename(tmp.Name(), d.path(key)); err != nil {
		return errors.Wrap(err, "failed to commit cache file")
	}
	return nil
}

func (d *DiskBackend) Delete(_ context.Context, key string) error {
	if err := os.Remove(d.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete %s", key)
	}
	return nil
}

func (d *DiskBackend) path(key string) string {
	return filepath.Join(d.dir, KeyHash(key))
}
