package branch

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"inkwell/engine/internal/content"
	"inkwell/engine/internal/store"
	"inkwell/engine/internal/util"
)

const (
	Main       = "main"
	sidePrefix = "branches/"
)

// SideBranch names the personal branch of user.
func SideBranch(user string) string {
	return sidePrefix + user
}

// SideOwner returns the user owning a branches/{user} name.
func SideOwner(name string) (string, bool) {
	user, ok := strings.CutPrefix(name, sidePrefix)
	if !ok || user == "" || strings.Contains(user, "/") {
		return "", false
	}
	return user, true
}

func ValidName(name string) bool {
	if name == Main {
		return true
	}
	_, ok := SideOwner(name)
	return ok
}

// Version is an immutable snapshot of a project's text.
type Version struct {
	Hash        string
	ParentHash  string
	Branch      string
	Author      string
	Timestamp   time.Time
	Content     []byte
	ContentHash string
	Label       string
}

// ComputeHash digests the version fields in a fixed order, each prefixed by
// its 8-byte big-endian length so field boundaries are unambiguous.
func ComputeHash(parent, branch, author string, at time.Time, data []byte, label string) string {
	h := sha256.New()
	var size [8]byte
	write := func(field []byte) {
		binary.BigEndian.PutUint64(size[:], uint64(len(field)))
		h.Write(size[:])
		h.Write(field)
	}
	write([]byte(parent))
	write([]byte(branch))
	write([]byte(author))
	write([]byte(strconv.FormatInt(util.Stamp(at).UnixMicro(), 10)))
	write(data)
	write([]byte(label))
	return hex.EncodeToString(h.Sum(nil))
}

func NewVersion(parent, branch, author string, at time.Time, data []byte, label string) Version {
	at = util.Stamp(at)
	return Version{
		Hash:        ComputeHash(parent, branch, author, at, data, label),
		ParentHash:  parent,
		Branch:      branch,
		Author:      author,
		Timestamp:   at,
		Content:     data,
		ContentHash: content.Digest(data),
		Label:       label,
	}
}

// Valid reports whether the stored hashes match the fields.
func (v Version) Valid() bool {
	return v.Hash == ComputeHash(v.ParentHash, v.Branch, v.Author, v.Timestamp, v.Content, v.Label) &&
		v.ContentHash == content.Digest(v.Content)
}

func (v Version) Record() store.Version {
	return store.Version{
		Hash:        v.Hash,
		ParentHash:  v.ParentHash,
		Branch:      v.Branch,
		Author:      v.Author,
		Timestamp:   v.Timestamp,
		ContentHash: v.ContentHash,
		ContentSize: int64(len(v.Content)),
		Label:       v.Label,
	}
}

func fromRecord(rec store.Version, data []byte) Version {
	return Version{
		Hash:        rec.Hash,
		ParentHash:  rec.ParentHash,
		Branch:      rec.Branch,
		Author:      rec.Author,
		Timestamp:   util.Stamp(rec.Timestamp),
		Content:     data,
		ContentHash: rec.ContentHash,
		Label:       rec.Label,
	}
}
