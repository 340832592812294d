// Package users implements UserDirectory: a parsed and cached credential
// table with salted MD5/SHA-256 validation and an opaque role tag, grounded
// on the original broker's users::list / users::user (users.cpp).
package users

import (
	"bufio"
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Algorithm identifies the hash function a credential record was stored
// under.
type Algorithm int

const (
	AlgUnknown Algorithm = iota
	AlgMD5
	AlgSHA256
)

// ErrUnknownAlgorithm is returned by Get when a record names an alg other
// than md5/sha256.
var ErrUnknownAlgorithm = errors.New("users: unknown hash algorithm")

// User is one parsed credential record.
type User struct {
	Name     string
	alg      Algorithm
	passcode string // expected hash, hex, as stored (case preserved)
	salt     string
	role     string
}

// Role returns the opaque role tag consumed by the dispatcher's
// permission-bit translation.
func (u *User) Role() string { return u.role }

// Validate computes hash(passcode ∥ salt) under the record's algorithm and
// compares it case-insensitively, in constant time, against the stored
// hash.
func (u *User) Validate(passcode string) bool {
	var sum []byte
	switch u.alg {
	case AlgMD5:
		h := md5.Sum([]byte(passcode + u.salt))
		sum = h[:]
	case AlgSHA256:
		h := sha256.Sum256([]byte(passcode + u.salt))
		sum = h[:]
	default:
		return false
	}

	got := hex.EncodeToString(sum)
	want := strings.ToLower(u.passcode)
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Directory is the UserDirectory: parsed records keyed by login name,
// mirrored into an in-process cache for O(1) lookup (SPEC_FULL.md §4.2).
// There is no on-disk mirror: Directory holds only the in-memory map plus
// the source path to support reload().
type Directory struct {
	sourcePath string
	records    map[string]string // name -> "alg:hash:salt:role"
}

// Open parses sourcePath into the in-memory cache. A missing source file
// is not an error: it yields an empty directory, matching the original
// users::list::open behavior.
func Open(sourcePath string) (*Directory, error) {
	d := &Directory{sourcePath: sourcePath, records: make(map[string]string)}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) load() error {
	records := make(map[string]string)

	f, err := os.Open(d.sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			d.records = records
			return nil
		}
		return fmt.Errorf("users: open %q: %w", d.sourcePath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexAny(line, "#\r\n"); i >= 0 {
			line = line[:i]
		}
		if line == "" {
			continue
		}
		if i := strings.IndexByte(line, ':'); i >= 0 {
			records[line[:i]] = line[i+1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	d.records = records
	return nil
}

// Reload re-parses the source file; from callers' perspective it is
// atomic (lookups keep using the old map until this returns, and a failed
// reload leaves the old map in place).
func (d *Directory) Reload() error {
	return d.load()
}

// Get looks up name and parses its stored record into a User.
func (d *Directory) Get(name string) (*User, error) {
	value, ok := d.records[name]
	if !ok {
		return nil, fmt.Errorf("users: %w: %q", errNotFound, name)
	}

	parts := strings.SplitN(value, ":", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("users: malformed record for %q", name)
	}

	var alg Algorithm
	switch strings.ToLower(parts[0]) {
	case "md5":
		alg = AlgMD5
	case "sha256":
		alg = AlgSHA256
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, parts[0])
	}

	return &User{
		Name:     name,
		alg:      alg,
		passcode: parts[1],
		salt:     parts[2],
		role:     parts[3],
	}, nil
}

var errNotFound = errors.New("not found")
