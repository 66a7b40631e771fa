// Package volume provisions, mounts, resizes, and destroys storage
// volumes through one of seven pluggable backend strategies, enforces
// quota guarantees across volumes sharing a device, and persists volume
// state across daemon restarts.
package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/blockspacer/porto/internal/atomicfile"
)

// Record is the persisted projection of a Volume. List fields are
// ';'-joined escaped strings; flags and numbers keep their native TOML
// types (bool and integer).
type Record struct {
	ID               string `toml:"id"`
	Path             string `toml:"path"`
	AutoPath         bool   `toml:"auto_path"`
	Storage          string `toml:"storage"`
	AutoStorage      bool   `toml:"auto_storage"`
	Backend          string `toml:"backend"`
	User             string `toml:"user"`
	Group            string `toml:"group"`
	Permissions      string `toml:"permissions"`
	Creator          string `toml:"creator"`
	Ready            bool   `toml:"ready"`
	Private          string `toml:"private"`
	Containers       string `toml:"containers"`
	LoopDev          int    `toml:"loop_dev"`
	ReadOnly         bool   `toml:"read_only"`
	Layers           string `toml:"layers"`
	SpaceLimit       uint64 `toml:"space_limit"`
	SpaceGuarantee   uint64 `toml:"space_guarantee"`
	InodeLimit       uint64 `toml:"inode_limit"`
	InodeGuarantee   uint64 `toml:"inode_guarantee"`
	Place            string `toml:"place,omitempty"`
}

// escapeSemicolons escapes ';' and '\' in a list element so JoinEscaped's
// output can be split unambiguously.
func escapeSemicolons(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, ";", `\;`)
}

// JoinEscaped joins items with ';', escaping any literal ';' or '\' in an
// item first.
func JoinEscaped(items []string) string {
	escaped := make([]string, len(items))
	for i, it := range items {
		escaped[i] = escapeSemicolons(it)
	}
	return strings.Join(escaped, ";")
}

// SplitEscaped is the inverse of JoinEscaped.
func SplitEscaped(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	var cur strings.Builder
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ';':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	out = append(out, cur.String())
	return out
}

// Encode marshals the record to its on-disk TOML representation.
func (r *Record) Encode() ([]byte, error) {
	b, err := toml.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode volume record")
	}
	return b, nil
}

// DecodeRecord parses a record previously written by Encode.
func DecodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "failed to decode volume record")
	}
	return &r, nil
}

// KVStore is the narrow persistence surface Recovery and Volume.Save
// depend on. The default implementation is
// a plain directory of files; tests may substitute an in-memory map.
type KVStore interface {
	Load(id string) ([]byte, error)
	Save(id string, data []byte) error
	Delete(id string) error
	List() ([]string, error)
}

// DirKVStore is the default KVStore: one file per id under root.
type DirKVStore struct {
	root string
}

// NewDirKVStore returns a DirKVStore rooted at dir, creating dir if
// necessary.
func NewDirKVStore(dir string) (*DirKVStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "failed to create kv root %s", dir)
	}
	return &DirKVStore{root: dir}, nil
}

func (s *DirKVStore) path(id string) string {
	return filepath.Join(s.root, id)
}

// Load reads the record file for id.
func (s *DirKVStore) Load(id string) ([]byte, error) {
	return os.ReadFile(s.path(id))
}

// Save atomically writes data to the record file for id.
func (s *DirKVStore) Save(id string, data []byte) error {
	return atomicfile.WriteFile(s.path(id), 0600, data)
}

// Delete removes the record file for id, tolerating its absence.
func (s *DirKVStore) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns every id with a record on disk.
func (s *DirKVStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// MemKVStore is an in-memory KVStore for tests.
type MemKVStore struct {
	data map[string][]byte
}

// NewMemKVStore returns an empty in-memory store.
func NewMemKVStore() *MemKVStore {
	return &MemKVStore{data: map[string][]byte{}}
}

func (s *MemKVStore) Load(id string) ([]byte, error) {
	b, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("record %q not found", id)
	}
	return b, nil
}

func (s *MemKVStore) Save(id string, data []byte) error {
	s.data[id] = append([]byte(nil), data...)
	return nil
}

func (s *MemKVStore) Delete(id string) error {
	delete(s.data, id)
	return nil
}

func (s *MemKVStore) List() ([]string, error) {
	out := make([]string, 0, len(s.data))
	for id := range s.data {
		out = append(out, id)
	}
	return out, nil
}

func parseOctal(s string, fallback os.FileMode) os.FileMode {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return fallback
	}
	return os.FileMode(v)
}
