package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var profileValidate *validator.Validate

func init() {
	profileValidate = validator.New()
	profileValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

type fieldKind int

const (
	kindInteger fieldKind = iota
	kindNumber
	kindString
)

// requiredFields lists the profile keys in the order they are checked.
var requiredFields = []struct {
	key  string
	kind fieldKind
}{
	{"steps", kindInteger},
	{"cfg", kindNumber},
	{"sampler", kindString},
	{"scheduler", kindString},
	{"denoise", kindNumber},
	{"clip_skip", kindInteger},
	{"note", kindString},
}

// DecodeUserDocument parses and validates a user profile document. The raw
// JSON types are checked before decoding so that, for example, a float
// where an integer is required is rejected instead of silently truncated.
func DecodeUserDocument(data []byte) (UserDocument, error) {
	if !json.Valid(data) {
		return UserDocument{}, fmt.Errorf("%w: %s is not valid JSON", ErrInvalid, UserFile)
	}
	if !isObject(data) {
		return UserDocument{}, fmt.Errorf("%w: %s must be an object", ErrInvalid, UserFile)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return UserDocument{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var rawProfiles, rawDefaults map[string]json.RawMessage
	if raw, ok := top["profiles"]; ok {
		if !isObject(raw) {
			return UserDocument{}, fmt.Errorf("%w: profiles must be an object", ErrInvalid)
		}
		if err := json.Unmarshal(raw, &rawProfiles); err != nil {
			return UserDocument{}, fmt.Errorf("%w: profiles: %v", ErrInvalid, err)
		}
	}
	if raw, ok := top["checkpoint_defaults"]; ok {
		if !isObject(raw) {
			return UserDocument{}, fmt.Errorf("%w: checkpoint_defaults must be an object", ErrInvalid)
		}
		if err := json.Unmarshal(raw, &rawDefaults); err != nil {
			return UserDocument{}, fmt.Errorf("%w: checkpoint_defaults: %v", ErrInvalid, err)
		}
	}

	doc := NewUserDocument()
	for _, name := range sortedKeys(rawProfiles) {
		if name == DefaultName {
			return UserDocument{}, reservedNameError()
		}
		p, err := decodeProfile(name, rawProfiles[name], true)
		if err != nil {
			return UserDocument{}, err
		}
		doc.Profiles[name] = p
	}

	for _, checkpoint := range sortedKeys(rawDefaults) {
		var target string
		if err := json.Unmarshal(rawDefaults[checkpoint], &target); err != nil {
			return UserDocument{}, fmt.Errorf("%w: checkpoint default %q must name a profile", ErrInvalid, checkpoint)
		}
		doc.CheckpointDefaults[checkpoint] = target
	}

	if err := doc.Validate(); err != nil {
		return UserDocument{}, err
	}
	return doc, nil
}

// Validate applies the rules shared by load and save: no profile may use the
// reserved name, every profile must satisfy the field constraints, and every
// checkpoint default must point at an existing profile.
func (d UserDocument) Validate() error {
	names := sortedKeys(d.Profiles)
	for _, name := range names {
		if name == DefaultName {
			return reservedNameError()
		}
	}
	for _, name := range names {
		if err := validateStruct(name, d.Profiles[name]); err != nil {
			return err
		}
	}
	for _, checkpoint := range sortedKeys(d.CheckpointDefaults) {
		target := d.CheckpointDefaults[checkpoint]
		if _, ok := d.Profiles[target]; !ok {
			return fmt.Errorf("%w: checkpoint default %q points to missing profile %q", ErrInvalid, checkpoint, target)
		}
	}
	return nil
}

// decodeProfile type-checks one raw profile object. The optional
// checkpoints list is only inspected when withOptional is set; the default
// document has never been held to it.
func decodeProfile(name string, raw json.RawMessage, withOptional bool) (Profile, error) {
	if !isObject(raw) {
		return Profile{}, fmt.Errorf("%w: profile %q must be an object", ErrInvalid, name)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Profile{}, fmt.Errorf("%w: profile %q: %v", ErrInvalid, name, err)
	}

	for _, f := range requiredFields {
		v, ok := fields[f.key]
		if !ok {
			return Profile{}, fmt.Errorf("%w: profile %q missing %q", ErrInvalid, name, f.key)
		}
		if !hasKind(v, f.kind) {
			return Profile{}, fmt.Errorf("%w: profile %q field %q has invalid type", ErrInvalid, name, f.key)
		}
	}

	if withOptional {
		if v, ok := fields["checkpoints"]; ok && !isStringList(v) {
			return Profile{}, fmt.Errorf("%w: profile %q field \"checkpoints\" must be a list of strings", ErrInvalid, name)
		}
	} else {
		delete(fields, "checkpoints")
	}

	known, err := json.Marshal(fields)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: profile %q: %v", ErrInvalid, name, err)
	}
	var p Profile
	if err := json.Unmarshal(known, &p); err != nil {
		return Profile{}, fmt.Errorf("%w: profile %q: %v", ErrInvalid, name, err)
	}
	if err := validateStruct(name, p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func validateStruct(name string, p Profile) error {
	err := profileValidate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: profile %q field %q fails %s=%s", ErrInvalid, name, fe.Field(), fe.Tag(), fe.Param())
	}
	return fmt.Errorf("%w: profile %q: %v", ErrInvalid, name, err)
}

func reservedNameError() error {
	return fmt.Errorf("%w: profiles may not include %q", ErrInvalid, DefaultName)
}

func hasKind(raw json.RawMessage, kind fieldKind) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch kind {
	case kindString:
		return raw[0] == '"'
	case kindNumber:
		return isNumber(raw)
	case kindInteger:
		if !isNumber(raw) || bytes.ContainsAny(raw, ".eE") {
			return false
		}
		_, err := strconv.ParseInt(string(raw), 10, 0)
		return err == nil
	}
	return false
}

func isNumber(raw []byte) bool {
	return raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9')
}

func isObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func isStringList(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return false
	}
	for _, item := range items {
		if !hasKind(item, kindString) {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
