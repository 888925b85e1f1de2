package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/weirdion/weirdion/internal/api"
	"github.com/weirdion/weirdion/internal/catalog"
	"github.com/weirdion/weirdion/internal/config"
	"github.com/weirdion/weirdion/internal/lora"
	"github.com/weirdion/weirdion/internal/nodes"
	"github.com/weirdion/weirdion/internal/profile"
	"github.com/weirdion/weirdion/internal/storage"
)

// localProfiles opens the profile files named by the loaded config.
func localProfiles() (*profile.Store, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, err
	}
	return profile.NewStore(cfg.Storage.ConfigDir), cfg, nil
}

// --- profiles ---

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Inspect and edit generation profiles",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List selectable profile names",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := localProfiles()
		if err != nil {
			return err
		}
		doc, err := store.LoadUserProfiles()
		if err != nil {
			printWarning("user profiles unreadable: %v", err)
			doc = profile.NewUserDocument()
		}

		assigned := map[string][]string{}
		for ckpt, name := range doc.CheckpointDefaults {
			assigned[name] = append(assigned[name], ckpt)
		}

		out := cmd.OutOrStdout()
		for _, name := range store.ProfileNames() {
			line := name
			if name == profile.DefaultName {
				line = colorize(colorBold, name)
			}
			if ckpts := assigned[name]; len(ckpts) > 0 {
				line += "  " + colorize(colorCyan, strings.Join(ckpts, ", "))
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

var profilesShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show all profile documents, or one profile as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := localProfiles()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			res, err := store.ResolveProfile(args[0], "", false)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res.Profile)
		}

		def, err := store.LoadDefaultProfile()
		if err != nil {
			return err
		}
		user, err := store.LoadUserProfiles()
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"default_profile":     def,
			"profiles":            user.Profiles,
			"checkpoint_defaults": user.CheckpointDefaults,
		})
	},
}

var profilesResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve a profile selection the way the loader nodes do",
	Long: `Resolve a profile selection the way the loader nodes do.

Examples:
  weirdion profiles resolve --checkpoint sdxl/base.safetensors
  weirdion profiles resolve --profile Portrait
  weirdion profiles resolve --profile Default --checkpoint a.safetensors --no-checkpoint-default`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("profile")
		checkpoint, _ := cmd.Flags().GetString("checkpoint")
		noDefault, _ := cmd.Flags().GetBool("no-checkpoint-default")

		store, _, err := localProfiles()
		if err != nil {
			return err
		}
		res, err := store.ResolveProfile(nodes.NormalizeSelection(name), checkpoint, !noDefault)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var profilesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check both profile documents without modifying them",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := localProfiles()
		if err != nil {
			return err
		}

		failed := 0
		for _, file := range []string{profile.DefaultFile, profile.UserFile} {
			if err := store.Check(file); err != nil {
				printError("%s: %v", file, err)
				failed++
				continue
			}
			printSuccess("%s is valid", file)
		}
		if failed > 0 {
			return fmt.Errorf("%d profile document(s) invalid", failed)
		}
		return nil
	},
}

var profilesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export user profiles and checkpoint defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		store, _, err := localProfiles()
		if err != nil {
			return err
		}
		doc, err := store.LoadUserProfiles()
		if err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		if err := encodeDocument(w, doc, format); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Profiles exported to %s", output)
		}
		return nil
	},
}

var profilesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace user profiles from a JSON or YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading import file: %w", err)
		}
		doc, err := decodeImport(args[0], data)
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		var store *profile.Store
		revs, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			printWarning("revision history unavailable: %v", err)
			store = profile.NewStore(cfg.Storage.ConfigDir)
		} else {
			defer revs.Close()
			store = profile.NewStoreWithRecorder(cfg.Storage.ConfigDir, revs)
		}

		if err := store.SaveUserProfiles(doc); err != nil {
			return err
		}
		printSuccess("Imported %d profile(s) and %d checkpoint default(s)", len(doc.Profiles), len(doc.CheckpointDefaults))
		return nil
	},
}

var profilesHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List saved revisions of the user profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/weirdion/profiles/history?limit=%d", limit))
		if err != nil {
			return err
		}
		var revs []storage.Revision
		if err := decodeJSON(resp, &revs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(revs) == 0 {
			fmt.Fprintln(out, "No revisions found.")
			return nil
		}
		for _, rev := range revs {
			fmt.Fprintf(out, "%s  %s  %d profile(s)\n",
				colorize(colorCyan, rev.ID),
				rev.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				rev.ProfileCount,
			)
		}
		return nil
	},
}

var profilesRestoreCmd = &cobra.Command{
	Use:   "restore <revision-id>",
	Short: "Restore user profiles from a saved revision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/weirdion/profiles/history/"+args[0]+"/restore", map[string]any{})
		if err != nil {
			return err
		}
		var result struct {
			Profiles int `json:"profiles"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Restored revision %s (%d profile(s))", args[0], result.Profiles)
		return nil
	},
}

var profilesWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print profile document changes as the server sees them",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		conn, err := client.dialEvents(cmd.Context())
		if err != nil {
			return err
		}
		defer conn.Close()

		printStep("Watching profile documents (Ctrl+C to stop)")
		for {
			var ev api.ProfileEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return fmt.Errorf("event stream closed: %w", err)
			}
			printEvent(cmd.OutOrStdout(), ev)
		}
	},
}

func printEvent(w io.Writer, ev api.ProfileEvent) {
	state := colorize(colorGreen, "valid")
	if !ev.Valid {
		state = colorize(colorRed, "invalid: "+ev.Error)
	}
	fmt.Fprintf(w, "%s %s  %s\n", ev.File, ev.Op, state)
}

func init() {
	profilesResolveCmd.Flags().String("profile", profile.DefaultName, "profile selection")
	profilesResolveCmd.Flags().String("checkpoint", "", "checkpoint file name")
	profilesResolveCmd.Flags().Bool("no-checkpoint-default", false, "ignore checkpoint default assignments")
	profilesExportCmd.Flags().String("format", "json", "output format: json or yaml")
	profilesExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	profilesHistoryCmd.Flags().Int("limit", 20, "maximum number of revisions to list")

	profilesCmd.AddCommand(profilesListCmd, profilesShowCmd, profilesResolveCmd, profilesValidateCmd)
	profilesCmd.AddCommand(profilesExportCmd, profilesImportCmd)
	profilesCmd.AddCommand(profilesHistoryCmd, profilesRestoreCmd, profilesWatchCmd)
}

func encodeDocument(w io.Writer, doc profile.UserDocument, format string) error {
	switch strings.ToLower(format) {
	case "json":
		return printJSON(w, doc)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q: use json or yaml", format)
	}
}

// decodeImport reads a user document from JSON, or from YAML when the file
// extension says so. YAML is converted to JSON first so both go through the
// same validation.
func decodeImport(path string, data []byte) (profile.UserDocument, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return profile.UserDocument{}, fmt.Errorf("%w: parsing yaml: %v", profile.ErrInvalid, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
		converted, err := json.Marshal(raw)
		if err != nil {
			return profile.UserDocument{}, fmt.Errorf("%w: yaml is not representable as json: %v", profile.ErrInvalid, err)
		}
		data = converted
	}
	return profile.DecodeUserDocument(data)
}

// --- lora ---

var loraCmd = &cobra.Command{
	Use:   "lora",
	Short: "Work with <lora:name:strength> prompt tags",
}

var loraParseCmd = &cobra.Command{
	Use:   "parse <prompt>",
	Short: "List the LoRA tags in a prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tags := lora.Parse(args[0])
		resolve, _ := cmd.Flags().GetBool("resolve")
		if !resolve {
			return printJSON(cmd.OutOrStdout(), tags)
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		files, err := catalog.New(cfg.Models.CheckpointsDir, cfg.Models.LorasDir).Loras(cmd.Context())
		if err != nil {
			return err
		}
		type resolved struct {
			Tag  lora.Tag `json:"tag"`
			File string   `json:"file"`
		}
		out := make([]resolved, 0, len(tags))
		for _, t := range tags {
			out = append(out, resolved{Tag: t, File: lora.ResolveName(t.Name, files)})
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var loraStripCmd = &cobra.Command{
	Use:   "strip <prompt>",
	Short: "Print a prompt with every LoRA tag removed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), lora.Strip(args[0]))
		return nil
	},
}

func init() {
	loraParseCmd.Flags().Bool("resolve", false, "resolve tag names against the configured LoRA folder")
	loraCmd.AddCommand(loraParseCmd, loraStripCmd)
}

// --- nodes ---

func localRegistry() (*nodes.Registry, error) {
	store, cfg, err := localProfiles()
	if err != nil {
		return nil, err
	}
	return nodes.NewRegistry(nodes.Deps{
		Profiles: store,
		Models:   catalog.New(cfg.Models.CheckpointsDir, cfg.Models.LorasDir),
	})
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List and run the registered nodes",
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := localRegistry()
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printJSON(cmd.OutOrStdout(), reg.Describe(cmd.Context()))
		}
		for _, n := range reg.List() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
				colorize(colorCyan, n.Name()), n.DisplayName(), n.Category())
		}
		return nil
	},
}

var nodesRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run a node with key=value inputs",
	Long: `Run a node with key=value inputs.

Examples:
  weirdion nodes run weirdion_TextCombine --input text1=a --input text2=b --input separator=", "
  weirdion nodes run weirdion_LoadProfileInputParameters --input checkpoint_name=base.safetensors`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, _ := cmd.Flags().GetStringArray("input")
		in, err := nodes.ParseInputs(pairs)
		if err != nil {
			return err
		}
		reg, err := localRegistry()
		if err != nil {
			return err
		}
		out, err := reg.Run(cmd.Context(), args[0], in)
		if errors.Is(err, nodes.ErrUnknownNode) {
			return fmt.Errorf("%w (see weirdion nodes list)", err)
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	nodesListCmd.Flags().Bool("json", false, "print full node descriptions as JSON")
	nodesRunCmd.Flags().StringArray("input", nil, "node input as key=value (repeatable)")
	nodesCmd.AddCommand(nodesListCmd, nodesRunCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			if strings.HasPrefix(err.Error(), "unknown config key") {
				return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
			}
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
