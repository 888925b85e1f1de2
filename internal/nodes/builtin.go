package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"github.com/weirdion/weirdion/internal/catalog"
	"github.com/weirdion/weirdion/internal/lora"
	"github.com/weirdion/weirdion/internal/profile"
)

const (
	// CheckpointPlaceholder is the checkpoint choice shown before the user
	// picks a real checkpoint.
	CheckpointPlaceholder = "Select Checkpoint"
	// UnsavedSuffix marks a profile selection whose widget values were
	// edited after loading.
	UnsavedSuffix = " (unsaved)"

	loraPlaceholder = "Insert LoRA"
)

// ProfileSource is the subset of profile.Store the nodes use.
type ProfileSource interface {
	ResolveProfile(name, checkpoint string, allowCheckpointDefault bool) (profile.Resolution, error)
	ProfileNames() []string
	LoadDefaultProfile() (profile.Profile, error)
}

// ModelSource lists model files. Implemented by catalog.Catalog.
type ModelSource interface {
	Checkpoints(ctx context.Context) ([]string, error)
	Loras(ctx context.Context) ([]string, error)
}

// Deps carries what the built-in nodes read from. A nil Models behaves as
// an empty catalog.
type Deps struct {
	Profiles ProfileSource
	Models   ModelSource
}

var errNoProfiles = errors.New("profile store not configured")

func builtins(d Deps) []Node {
	return []Node{
		textCombine{},
		promptWithLora{deps: d},
		loadProfileInputParameters{deps: d},
		loadCheckpointWithProfiles{deps: d},
	}
}

// NormalizeSelection maps a profile dropdown value onto a stored profile
// name: the unsaved marker is removed and an empty choice means the default.
func NormalizeSelection(s string) string {
	if strings.HasSuffix(s, UnsavedSuffix) {
		return strings.TrimSuffix(s, UnsavedSuffix)
	}
	if s == "" {
		return profile.DefaultName
	}
	return s
}

func (d Deps) loras(ctx context.Context) []string {
	if d.Models == nil {
		return nil
	}
	names, err := d.Models.Loras(ctx)
	if err != nil {
		slog.Default().Warn("listing loras failed", "error", err)
		return nil
	}
	return names
}

func (d Deps) checkpoints(ctx context.Context) []string {
	if d.Models == nil {
		return nil
	}
	names, err := d.Models.Checkpoints(ctx)
	if err != nil {
		slog.Default().Warn("listing checkpoints failed", "error", err)
		return nil
	}
	return names
}

func (d Deps) profileNames() []string {
	if d.Profiles == nil {
		return []string{profile.DefaultName}
	}
	return d.Profiles.ProfileNames()
}

// --- weirdion_TextCombine ---

type textCombine struct{}

func (textCombine) Name() string        { return "weirdion_TextCombine" }
func (textCombine) DisplayName() string { return "Text Combine (weirdion)" }
func (textCombine) Category() string    { return "weirdion/utility" }

func (textCombine) Inputs(context.Context) []Port {
	return []Port{
		{Name: "text1", Type: "STRING", Default: ""},
		{Name: "text2", Type: "STRING", Default: ""},
		{Name: "separator", Type: "STRING", Default: " "},
	}
}

func (textCombine) Outputs() []Port {
	return []Port{{Name: "combined", Type: "STRING"}}
}

func (textCombine) Run(_ context.Context, in Inputs) ([]Output, error) {
	t1, err := in.String("text1", "")
	if err != nil {
		return nil, err
	}
	t2, err := in.String("text2", "")
	if err != nil {
		return nil, err
	}
	sep, err := in.String("separator", " ")
	if err != nil {
		return nil, err
	}
	return []Output{{Name: "combined", Value: t1 + sep + t2}}, nil
}

// --- weirdion_PromptWithLora ---

// LoraLoad is a parsed tag with its name matched against the LoRA catalog.
type LoraLoad struct {
	Name     string  `json:"name"`
	File     string  `json:"file"`
	Strength float64 `json:"strength"`
}

// MarshalJSON keeps overflowed strengths representable.
func (l LoraLoad) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name     string `json:"name"`
		File     string `json:"file"`
		Strength any    `json:"strength"`
	}{l.Name, l.File, lora.JSONStrength(l.Strength)})
}

type promptWithLora struct{ deps Deps }

func (promptWithLora) Name() string        { return "weirdion_PromptWithLora" }
func (promptWithLora) DisplayName() string { return "Prompt w/ LoRA (weirdion)" }
func (promptWithLora) Category() string    { return "weirdion/prompting" }

func (n promptWithLora) Inputs(ctx context.Context) []Port {
	options := []string{loraPlaceholder}
	for _, name := range n.deps.loras(ctx) {
		options = append(options, strings.TrimSuffix(name, path.Ext(name)))
	}
	return []Port{
		{Name: "prompt", Type: "STRING", Default: "", Tooltip: "Prompt text. LoRA tags like <lora:name:strength> are supported."},
		{Name: "lora", Type: "COMBO", Default: loraPlaceholder, Options: options, Tooltip: "Insert a LoRA tag into the prompt"},
	}
}

func (promptWithLora) Outputs() []Port {
	return []Port{
		{Name: "loras", Type: "LORA_LIST"},
		{Name: "clean_prompt", Type: "STRING", Tooltip: "Prompt with LoRA tags removed, for encoding"},
		{Name: "prompt_text", Type: "STRING", Tooltip: "Prompt text (LoRA tags preserved)"},
	}
}

func (n promptWithLora) Run(ctx context.Context, in Inputs) ([]Output, error) {
	prompt, err := in.String("prompt", "")
	if err != nil {
		return nil, err
	}

	tags := lora.Parse(prompt)
	loads := make([]LoraLoad, 0, len(tags))
	if len(tags) > 0 {
		candidates := n.deps.loras(ctx)
		for _, t := range tags {
			loads = append(loads, LoraLoad{
				Name:     t.Name,
				File:     lora.ResolveName(t.Name, candidates),
				Strength: t.Strength,
			})
		}
	}

	return []Output{
		{Name: "loras", Value: loads},
		{Name: "clean_prompt", Value: lora.Strip(prompt)},
		{Name: "prompt_text", Value: prompt},
	}, nil
}

// --- weirdion_LoadProfileInputParameters ---

type loadProfileInputParameters struct{ deps Deps }

func (loadProfileInputParameters) Name() string { return "weirdion_LoadProfileInputParameters" }
func (loadProfileInputParameters) DisplayName() string {
	return "Load Profile Input Parameters (weirdion)"
}
func (loadProfileInputParameters) Category() string { return "weirdion/loaders" }

func (n loadProfileInputParameters) Inputs(context.Context) []Port {
	return []Port{
		{Name: "checkpoint_name", Type: "STRING", Default: "", Tooltip: "Checkpoint name to match profiles"},
		{Name: "profile", Type: "COMBO", Default: profile.DefaultName, Options: n.deps.profileNames(), Tooltip: "Profile to apply"},
	}
}

func (loadProfileInputParameters) Outputs() []Port {
	return parameterPorts("checkpoint_name")
}

func (n loadProfileInputParameters) Run(_ context.Context, in Inputs) ([]Output, error) {
	if n.deps.Profiles == nil {
		return nil, errNoProfiles
	}
	checkpoint, err := in.String("checkpoint_name", "")
	if err != nil {
		return nil, err
	}
	if checkpoint == "" {
		return nil, errors.New("checkpoint_name is required")
	}
	selection, err := in.String("profile", profile.DefaultName)
	if err != nil {
		return nil, err
	}

	res, err := n.deps.Profiles.ResolveProfile(selection, checkpoint, true)
	if err != nil {
		return nil, err
	}
	p := res.Profile
	return parameterOutputs("checkpoint_name", checkpoint, p.Steps, p.CFG, p.Sampler, p.Scheduler, p.ClipSkip, p.Denoise), nil
}

// --- weirdion_LoadCheckpointWithProfiles ---

type loadCheckpointWithProfiles struct{ deps Deps }

func (loadCheckpointWithProfiles) Name() string { return "weirdion_LoadCheckpointWithProfiles" }
func (loadCheckpointWithProfiles) DisplayName() string {
	return "Load Checkpoint w/ Profiles (weirdion)"
}
func (loadCheckpointWithProfiles) Category() string { return "weirdion/loaders" }

func (n loadCheckpointWithProfiles) defaults() profile.Profile {
	if n.deps.Profiles == nil {
		return profile.Seed()
	}
	p, err := n.deps.Profiles.LoadDefaultProfile()
	if err != nil {
		return profile.Seed()
	}
	return p
}

func (n loadCheckpointWithProfiles) Inputs(ctx context.Context) []Port {
	def := n.defaults()
	checkpoints := append([]string{CheckpointPlaceholder}, n.deps.checkpoints(ctx)...)
	return []Port{
		{Name: "checkpoint", Type: "COMBO", Default: CheckpointPlaceholder, Options: checkpoints, Tooltip: "Checkpoint to load"},
		{Name: "profile", Type: "COMBO", Default: profile.DefaultName, Options: n.deps.profileNames(), Tooltip: "Profile to apply"},
		{Name: "steps", Type: "INT", Default: def.Steps},
		{Name: "cfg", Type: "FLOAT", Default: def.CFG},
		{Name: "sampler", Type: "COMBO", Default: def.Sampler, Options: catalog.Samplers()},
		{Name: "scheduler", Type: "COMBO", Default: def.Scheduler, Options: catalog.Schedulers()},
		{Name: "denoise", Type: "FLOAT", Default: def.Denoise},
		{Name: "clip_skip", Type: "INT", Default: def.ClipSkip},
	}
}

func (loadCheckpointWithProfiles) Outputs() []Port {
	ports := []Port{{Name: "clip_skip_value", Type: "STRING"}}
	return append(ports, parameterPorts("model_name")...)
}

func (n loadCheckpointWithProfiles) Run(_ context.Context, in Inputs) ([]Output, error) {
	if n.deps.Profiles == nil {
		return nil, errNoProfiles
	}
	checkpoint, err := in.String("checkpoint", "")
	if err != nil {
		return nil, err
	}
	if checkpoint == "" || checkpoint == CheckpointPlaceholder {
		return nil, errors.New("checkpoint is required")
	}
	selection, err := in.String("profile", profile.DefaultName)
	if err != nil {
		return nil, err
	}
	if _, err := n.deps.Profiles.ResolveProfile(NormalizeSelection(selection), checkpoint, true); err != nil {
		return nil, err
	}

	// The widgets already hold the profile values (or the user's edits).
	def := n.defaults()
	steps, err := in.Int("steps", def.Steps)
	if err != nil {
		return nil, err
	}
	cfg, err := in.Float("cfg", def.CFG)
	if err != nil {
		return nil, err
	}
	sampler, err := in.String("sampler", def.Sampler)
	if err != nil {
		return nil, err
	}
	scheduler, err := in.String("scheduler", def.Scheduler)
	if err != nil {
		return nil, err
	}
	denoise, err := in.Float("denoise", def.Denoise)
	if err != nil {
		return nil, err
	}
	clipSkip, err := in.Int("clip_skip", def.ClipSkip)
	if err != nil {
		return nil, err
	}

	out := []Output{{Name: "clip_skip_value", Value: strconv.Itoa(clipSkip)}}
	return append(out, parameterOutputs("model_name", checkpoint, steps, cfg, sampler, scheduler, clipSkip, denoise)...), nil
}

// parameterPorts and parameterOutputs describe the generation parameters
// shared by the two profile loaders, led by the checkpoint name.
func parameterPorts(checkpointName string) []Port {
	return []Port{
		{Name: checkpointName, Type: "STRING"},
		{Name: "steps", Type: "INT"},
		{Name: "cfg", Type: "FLOAT"},
		{Name: "sampler", Type: "SAMPLER"},
		{Name: "sampler_name", Type: "STRING"},
		{Name: "scheduler", Type: "SCHEDULER"},
		{Name: "scheduler_name", Type: "STRING"},
		{Name: "clip_skip", Type: "INT"},
		{Name: "denoise", Type: "FLOAT"},
	}
}

func parameterOutputs(checkpointName, checkpoint string, steps int, cfg float64, sampler, scheduler string, clipSkip int, denoise float64) []Output {
	return []Output{
		{Name: checkpointName, Value: checkpoint},
		{Name: "steps", Value: steps},
		{Name: "cfg", Value: cfg},
		{Name: "sampler", Value: sampler},
		{Name: "sampler_name", Value: sampler},
		{Name: "scheduler", Value: scheduler},
		{Name: "scheduler_name", Value: scheduler},
		{Name: "clip_skip", Value: clipSkip},
		{Name: "denoise", Value: denoise},
	}
}
