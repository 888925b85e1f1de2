package profile

import "errors"

// DefaultName is the reserved selection that always resolves to the seeded
// default profile. User profiles may not use it.
const DefaultName = "Default"

// File names inside the config directory.
const (
	DefaultFile = "profiles.default.json"
	UserFile    = "profiles.user.json"
)

var (
	// ErrInvalid wraps every schema, reserved-name and reference violation.
	ErrInvalid = errors.New("invalid profiles")
	// ErrProfileNotFound is returned when a selection names no stored profile.
	ErrProfileNotFound = errors.New("profile not found")
)

// Profile is a named bundle of generation parameters. Its name is the key
// it is stored under.
type Profile struct {
	Steps       int      `json:"steps" yaml:"steps" validate:"min=1"`
	CFG         float64  `json:"cfg" yaml:"cfg"`
	Sampler     string   `json:"sampler" yaml:"sampler"`
	Scheduler   string   `json:"scheduler" yaml:"scheduler"`
	Denoise     float64  `json:"denoise" yaml:"denoise"`
	ClipSkip    int      `json:"clip_skip" yaml:"clip_skip"`
	Note        string   `json:"note" yaml:"note"`
	Checkpoints []string `json:"checkpoints,omitempty" yaml:"checkpoints,omitempty"`
}

// Seed returns the profile written to a missing or corrupt default file.
func Seed() Profile {
	return Profile{
		Steps:     30,
		CFG:       5,
		Sampler:   "euler_ancestral",
		Scheduler: "karras",
		Denoise:   1.0,
		ClipSkip:  -2,
		Note:      "",
	}
}

// DefaultDocument is the content of profiles.default.json.
type DefaultDocument struct {
	DefaultProfile Profile `json:"default_profile"`
}

// UserDocument is the content of profiles.user.json.
type UserDocument struct {
	Profiles           map[string]Profile `json:"profiles" yaml:"profiles"`
	CheckpointDefaults map[string]string  `json:"checkpoint_defaults" yaml:"checkpoint_defaults"`
}

// NewUserDocument returns a document with empty, non-nil maps.
func NewUserDocument() UserDocument {
	return UserDocument{
		Profiles:           map[string]Profile{},
		CheckpointDefaults: map[string]string{},
	}
}

// Source records how a selection was resolved.
type Source string

const (
	SourceDefault    Source = "default"
	SourceCheckpoint Source = "checkpoint"
	SourceExplicit   Source = "explicit"
)

// Resolution is the effective profile for a selection.
type Resolution struct {
	Name    string  `json:"name"`
	Source  Source  `json:"source"`
	Profile Profile `json:"profile"`
}
