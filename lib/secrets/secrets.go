// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

// Package secrets keeps fencing device credentials out of cluster
// configuration. A device parameter whose configured value is the
// magic marker is replaced, just before an agent runs, with the real
// value read from a per-device directory on local disk.
//
// Two storage forms are supported. A sealed secret is an age-encrypted
// file decrypted with the store's identity, so the plaintext never
// rests on disk. A plaintext secret is an ordinary file paired with a
// checksum sibling; the checksum is verified on every read to catch
// truncated or hand-edited values before they reach a power switch.
package secrets

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/zeebo/blake3"
)

// Marker is the parameter value that marks a secret for substitution.
// The real value never appears in cluster configuration; it lives in
// the store under the owning device's id.
const Marker = "secret://"

// Options configures a Store.
type Options struct {
	// Dir is the store root. The value for parameter p of device d
	// lives at <Dir>/<d>/<p>, either sealed (p.age) or plaintext with
	// a checksum sibling (p + p.sum).
	Dir string

	// Identity decrypts sealed secret files. Optional; without it
	// only checksummed plaintext files can be read.
	Identity age.Identity

	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// Store reads device secrets from a local directory tree.
type Store struct {
	dir      string
	identity age.Identity
	logger   *slog.Logger
}

// New builds a Store. The directory is not touched until a lookup.
func New(options Options) *Store {
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		dir:      options.Dir,
		identity: options.Identity,
		logger:   options.Logger,
	}
}

// Substitute replaces, in place, every parameter whose value is
// Marker with the stored secret for that device and parameter name.
// On any lookup failure the parameter map is left entirely untouched
// and the first failure is returned, so an agent never sees a mix of
// real values and markers.
func (s *Store) Substitute(deviceID string, parameters map[string]string) error {
	var resolved map[string]string
	for key, value := range parameters {
		if value != Marker {
			continue
		}
		secret, err := s.lookup(deviceID, key)
		if err != nil {
			return fmt.Errorf("secret %s/%s: %w", deviceID, key, err)
		}
		if resolved == nil {
			resolved = make(map[string]string)
		}
		resolved[key] = secret
	}
	for key, value := range resolved {
		parameters[key] = value
	}
	if len(resolved) > 0 {
		s.logger.Debug("substituted secret parameters", "device", deviceID, "count", len(resolved))
	}
	return nil
}

// lookup reads one secret value. A sealed file wins over a plaintext
// one of the same name.
func (s *Store) lookup(deviceID, parameter string) (string, error) {
	if s.dir == "" {
		return "", errors.New("no secret directory configured")
	}
	if deviceID == "" {
		return "", errors.New("no device id to look under")
	}
	base := filepath.Join(s.dir, deviceID, parameter)

	sealed := base + ".age"
	if _, err := os.Stat(sealed); err == nil {
		return s.readSealed(sealed)
	}
	return s.readChecksummed(base)
}

// readSealed decrypts an age-sealed secret file with the store
// identity.
func (s *Store) readSealed(path string) (string, error) {
	if s.identity == nil {
		return "", errors.New("sealed secret but no identity configured")
	}
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	reader, err := age.Decrypt(file, s.identity)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading decrypted value: %w", err)
	}
	return trimValue(plaintext), nil
}

// readChecksummed reads a plaintext secret file and verifies it
// against its checksum sibling. The checksum is the blake3 hash of
// the raw file bytes, hex-encoded.
func (s *Store) readChecksummed(path string) (string, error) {
	value, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sumText, err := os.ReadFile(path + ".sum")
	if err != nil {
		return "", fmt.Errorf("reading checksum: %w", err)
	}

	sum := blake3.Sum256(value)
	got := hex.EncodeToString(sum[:])
	want := strings.TrimSpace(string(sumText))
	if got != want {
		return "", fmt.Errorf("checksum mismatch: value hashes to %s, checksum file says %s", got, want)
	}
	return trimValue(value), nil
}

// trimValue strips the single trailing newline editors and shell
// redirection leave behind. Interior whitespace is preserved.
func trimValue(raw []byte) string {
	return strings.TrimSuffix(string(raw), "\n")
}
