// Package profile stores generation presets in two JSON documents inside a
// config directory: a self-healing default document and a user document
// with per-checkpoint default assignments.
//
// Every operation reads or writes the files directly. Nothing is cached and
// nothing is locked, so concurrent writers follow last-writer-wins.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Recorder receives each user document after it has been written.
// Implemented by storage.Store.
type Recorder interface {
	RecordRevision(document []byte, profileCount int) error
}

// Store owns reads and writes of the profile documents in one directory.
type Store struct {
	dir      string
	recorder Recorder
	logger   *slog.Logger
}

// NewStore creates a Store rooted at dir. The directory is created on the
// first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir, logger: slog.Default()}
}

// NewStoreWithRecorder creates a Store that reports every successful save
// to r.
func NewStoreWithRecorder(dir string, r Recorder) *Store {
	s := NewStore(dir)
	s.recorder = r
	return s
}

// Dir returns the config directory.
func (s *Store) Dir() string { return s.dir }

// DefaultPath returns the path of the default profile document.
func (s *Store) DefaultPath() string { return filepath.Join(s.dir, DefaultFile) }

// UserPath returns the path of the user profile document.
func (s *Store) UserPath() string { return filepath.Join(s.dir, UserFile) }

// EnsureDefaultSeeded guarantees that the default document exists and holds
// a valid profile, rewriting it with Seed() otherwise. A corrupt file is
// repaired silently; only a failed write is reported.
func (s *Store) EnsureDefaultSeeded() error {
	_, err := s.ensureDefault()
	return err
}

// LoadDefaultProfile returns the default profile, seeding the document first
// if needed.
func (s *Store) LoadDefaultProfile() (Profile, error) {
	return s.ensureDefault()
}

func (s *Store) ensureDefault() (Profile, error) {
	p, reason := s.readDefault()
	if reason == "" {
		return p, nil
	}

	seed := Seed()
	data, err := marshalDocument(DefaultDocument{DefaultProfile: seed})
	if err != nil {
		return Profile{}, err
	}
	if err := writeAtomic(s.DefaultPath(), data); err != nil {
		return Profile{}, fmt.Errorf("seeding default profile: %w", err)
	}
	s.logger.Warn("default profile document reseeded", "path", s.DefaultPath(), "reason", reason)
	return seed, nil
}

// readDefault returns the stored default profile, or a non-empty reason why
// it cannot be used.
func (s *Store) readDefault() (Profile, string) {
	data, err := os.ReadFile(s.DefaultPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Profile{}, "missing"
		}
		return Profile{}, err.Error()
	}
	if !json.Valid(data) || !isObject(data) {
		return Profile{}, "not a JSON object"
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return Profile{}, err.Error()
	}
	raw, ok := top["default_profile"]
	if !ok {
		return Profile{}, "missing default_profile"
	}
	p, err := decodeProfile(DefaultName, raw, false)
	if err != nil {
		return Profile{}, err.Error()
	}
	return p, ""
}

// Check reports whether file, one of DefaultFile or UserFile, currently
// holds a usable document. Unlike LoadDefaultProfile it never repairs.
func (s *Store) Check(file string) error {
	switch file {
	case DefaultFile:
		if _, reason := s.readDefault(); reason != "" {
			return fmt.Errorf("%w: %s: %s", ErrInvalid, DefaultFile, reason)
		}
		return nil
	case UserFile:
		_, err := s.LoadUserProfiles()
		return err
	}
	return fmt.Errorf("unknown profile document %q", file)
}

// LoadUserProfiles reads and validates the user document. A missing file is
// an empty document; an invalid one is an error wrapping ErrInvalid and is
// never repaired.
func (s *Store) LoadUserProfiles() (UserDocument, error) {
	data, err := os.ReadFile(s.UserPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewUserDocument(), nil
		}
		return UserDocument{}, fmt.Errorf("reading %s: %w", UserFile, err)
	}
	return DecodeUserDocument(data)
}

// SaveUserProfiles validates doc and replaces the user document with it.
// Nothing is written when validation fails.
func (s *Store) SaveUserProfiles(doc UserDocument) error {
	if doc.Profiles == nil {
		doc.Profiles = map[string]Profile{}
	}
	if doc.CheckpointDefaults == nil {
		doc.CheckpointDefaults = map[string]string{}
	}
	if err := doc.Validate(); err != nil {
		return err
	}

	data, err := marshalDocument(doc)
	if err != nil {
		return err
	}
	if err := writeAtomic(s.UserPath(), data); err != nil {
		return fmt.Errorf("writing %s: %w", UserFile, err)
	}

	if s.recorder != nil {
		if err := s.recorder.RecordRevision(data, len(doc.Profiles)); err != nil {
			s.logger.Warn("recording profile revision failed", "error", err)
		}
	}
	return nil
}

// ResolveProfile returns the effective profile for a selection. The reserved
// DefaultName resolves through checkpoint_defaults when allowCheckpointDefault
// is set and checkpoint is non-empty, and to the default profile otherwise.
// Any other name must exist in the user document.
func (s *Store) ResolveProfile(name, checkpoint string, allowCheckpointDefault bool) (Resolution, error) {
	user, err := s.LoadUserProfiles()
	if err != nil {
		return Resolution{}, err
	}

	if name == DefaultName {
		if allowCheckpointDefault && checkpoint != "" {
			if target, ok := user.CheckpointDefaults[checkpoint]; ok {
				p, ok := user.Profiles[target]
				if !ok {
					return Resolution{}, fmt.Errorf("%w: %q (checkpoint default for %q)", ErrProfileNotFound, target, checkpoint)
				}
				return Resolution{Name: target, Source: SourceCheckpoint, Profile: p}, nil
			}
		}
		def, err := s.LoadDefaultProfile()
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Name: DefaultName, Source: SourceDefault, Profile: def}, nil
	}

	p, ok := user.Profiles[name]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	return Resolution{Name: name, Source: SourceExplicit, Profile: p}, nil
}

// ProfileNames lists DefaultName followed by the user profile names in
// sorted order. An unreadable user document contributes no names.
func (s *Store) ProfileNames() []string {
	names := []string{DefaultName}
	user, err := s.LoadUserProfiles()
	if err != nil {
		s.logger.Debug("listing profiles without user document", "error", err)
		return names
	}
	userNames := make([]string, 0, len(user.Profiles))
	for name := range user.Profiles {
		userNames = append(userNames, name)
	}
	sort.Strings(userNames)
	return append(names, userNames...)
}

func marshalDocument(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling profile document: %w", err)
	}
	return data, nil
}

// writeAtomic writes to a temp file in the same directory, then renames it
// over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
