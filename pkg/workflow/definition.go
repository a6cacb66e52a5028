// Package workflow loads, validates and executes acquisition workflow
// documents.
//
// A workflow document is a YAML file with five top-level sections:
// `properties` (free-form string metadata, title and version required),
// `launch_conditions` (the eligibility predicate), `actions` (named action
// definitions), `workflow` (the ordered step list referencing actions by
// name) and `reporting` (archive, encryption and metadata policy). Unknown
// keys at recognized levels are rejected at load; unknown string properties
// under `properties` are permitted.
package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrierhq/harrier/pkg/errors"
	"github.com/harrierhq/harrier/pkg/pattern"
)

// ActionType tags the action variant.
type ActionType string

const (
	// ActionCommand spawns a program resolved through PATH.
	ActionCommand ActionType = "command"
	// ActionBinary spawns an operator-supplied binary from the custom files
	// directory (or an absolute path).
	ActionBinary ActionType = "binary"
	// ActionStore captures files matching glob patterns into the report.
	ActionStore ActionType = "store"
	// ActionYara scans files with YARA rules, optionally storing matches.
	ActionYara ActionType = "yara"
	// ActionTerminal opens an interactive terminal session.
	ActionTerminal ActionType = "terminal"
)

// ParallelCapable reports whether steps referencing this action type may run
// in the background.
func (t ActionType) ParallelCapable() bool {
	switch t {
	case ActionCommand, ActionBinary, ActionTerminal:
		return true
	}
	return false
}

// TimeoutCapable reports whether steps referencing this action type honor a
// step timeout. Store and yara manage their own pacing; terminal sessions are
// interactive.
func (t ActionType) TimeoutCapable() bool {
	switch t {
	case ActionCommand, ActionBinary:
		return true
	}
	return false
}

// CommandAttributes configures a command action.
type CommandAttributes struct {
	Cmd       string   `yaml:"cmd"`
	Args      []string `yaml:"args"`
	Cwd       string   `yaml:"cwd"`
	LogToFile bool     `yaml:"log_to_file"`
}

// BinaryAttributes configures a binary action. A relative Path resolves under
// the custom files directory.
type BinaryAttributes struct {
	Path      string   `yaml:"path"`
	Args      []string `yaml:"args"`
	LogToFile bool     `yaml:"log_to_file"`
}

// StoreAttributes configures a store action. Patterns is a newline-separated
// glob list. SizeLimit caps the running total captured by one action; zero
// means unlimited.
type StoreAttributes struct {
	CaseSensitive bool     `yaml:"case_sensitive"`
	Patterns      string   `yaml:"patterns"`
	SizeLimit     ByteSize `yaml:"size_limit"`
}

// YaraAttributes configures a yara action. Relative rule patterns resolve
// under the custom files directory.
type YaraAttributes struct {
	RulesPaths   string   `yaml:"rules_paths"`
	FilesToScan  string   `yaml:"files_to_scan"`
	StoreOnMatch bool     `yaml:"store_on_match"`
	NumThreads   int      `yaml:"num_threads"`
	ScanTimeout  Duration `yaml:"scan_timeout"`
}

// TerminalAttributes configures a terminal action.
//
// Valid combinations: wait=true requires separate_window=true, and a session
// that is not waited on cannot produce a transcript.
type TerminalAttributes struct {
	Shell            string `yaml:"shell"`
	Wait             bool   `yaml:"wait"`
	SeparateWindow   bool   `yaml:"separate_window"`
	EnableTranscript bool   `yaml:"enable_transcript"`
}

// Action is one named acquisition unit: a type tag plus the attribute record
// for that variant. Exactly one of the attribute pointers is set.
type Action struct {
	Name     string
	Type     ActionType
	Command  *CommandAttributes
	Binary   *BinaryAttributes
	Store    *StoreAttributes
	Yara     *YaraAttributes
	Terminal *TerminalAttributes
}

// UnmarshalYAML implements yaml.Unmarshaler, dispatching the attributes node
// into the variant named by the type tag.
func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		Name       string    `yaml:"name"`
		Type       string    `yaml:"type"`
		Attributes yaml.Node `yaml:"attributes"`
	}
	if err := strictDecode(node, &aux); err != nil {
		return err
	}
	a.Name = aux.Name
	a.Type = ActionType(aux.Type)

	switch a.Type {
	case ActionCommand:
		attrs := CommandAttributes{LogToFile: true}
		if err := strictDecode(&aux.Attributes, &attrs); err != nil {
			return fmt.Errorf("action %q: %w", a.Name, err)
		}
		a.Command = &attrs
	case ActionBinary:
		attrs := BinaryAttributes{LogToFile: true}
		if err := strictDecode(&aux.Attributes, &attrs); err != nil {
			return fmt.Errorf("action %q: %w", a.Name, err)
		}
		a.Binary = &attrs
	case ActionStore:
		attrs := StoreAttributes{}
		if err := strictDecode(&aux.Attributes, &attrs); err != nil {
			return fmt.Errorf("action %q: %w", a.Name, err)
		}
		a.Store = &attrs
	case ActionYara:
		attrs := YaraAttributes{
			StoreOnMatch: true,
			NumThreads:   1,
			ScanTimeout:  Duration(60 * time.Second),
		}
		if err := strictDecode(&aux.Attributes, &attrs); err != nil {
			return fmt.Errorf("action %q: %w", a.Name, err)
		}
		a.Yara = &attrs
	case ActionTerminal:
		attrs := TerminalAttributes{EnableTranscript: true}
		if err := strictDecode(&aux.Attributes, &attrs); err != nil {
			return fmt.Errorf("action %q: %w", a.Name, err)
		}
		a.Terminal = &attrs
	default:
		return fmt.Errorf("action %q: invalid action type %q", a.Name, aux.Type)
	}
	return nil
}

// Step is one workflow entry: an action reference with execution policy.
type Step struct {
	Action                string   `yaml:"action"`
	OnError               OnError  `yaml:"on_error"`
	Parallel              bool     `yaml:"parallel"`
	Timeout               Duration `yaml:"timeout"`
	ContinueAfterKeypress bool     `yaml:"continue_after_keypress"`
}

// CustomCommand is an eligibility probe: a command whose stdout is tested
// against the contains predicates. At least one predicate must be set.
type CustomCommand struct {
	Cmd           string   `yaml:"cmd"`
	Args          []string `yaml:"args"`
	ContainsAny   []string `yaml:"contains_any"`
	ContainsAll   []string `yaml:"contains_all"`
	ContainsRegex string   `yaml:"contains_regex"`
}

// LaunchConditions is the per-host eligibility predicate, evaluated in order
// with short-circuiting: enabled, os, arch, is_elevated, custom_command.
type LaunchConditions struct {
	OS            []string       `yaml:"os"`
	Enabled       bool           `yaml:"enabled"`
	Arch          []string       `yaml:"arch"`
	IsElevated    bool           `yaml:"is_elevated"`
	CustomCommand *CustomCommand `yaml:"custom_command"`
}

// Encryption configures the hybrid encryption of the report archive.
type Encryption struct {
	Enabled   bool      `yaml:"enabled"`
	PublicKey string    `yaml:"public_key"`
	Algorithm Algorithm `yaml:"algorithm"`
}

// Compression configures per-file deflate inside the archive. Files larger
// than SizeLimit are stored uncompressed.
type Compression struct {
	Enabled   bool     `yaml:"enabled"`
	SizeLimit ByteSize `yaml:"size_limit"`
}

// ZipArchive configures the report archive step.
type ZipArchive struct {
	Enabled     bool        `yaml:"enabled"`
	Encryption  Encryption  `yaml:"encryption"`
	Compression Compression `yaml:"compression"`
}

// Metadata selects which columns the metadata CSV carries.
type Metadata struct {
	MACTimes  bool `yaml:"mac_times"`
	Checksums bool `yaml:"checksums"`
	Paths     bool `yaml:"paths"`
}

// Reporting is the report policy section of a workflow document.
type Reporting struct {
	ZipArchive ZipArchive `yaml:"zip_archive"`
	Metadata   Metadata   `yaml:"metadata"`
}

// DefaultCompressionLimit is the per-file size above which archive members
// are stored instead of deflated.
const DefaultCompressionLimit = ByteSize(100 * 1000 * 1000)

func defaultReporting() Reporting {
	return Reporting{
		ZipArchive: ZipArchive{
			Enabled: true,
			Compression: Compression{
				Enabled:   true,
				SizeLimit: DefaultCompressionLimit,
			},
		},
	}
}

// Definition is a parsed workflow document.
type Definition struct {
	Properties       map[string]string `yaml:"properties"`
	LaunchConditions LaunchConditions  `yaml:"launch_conditions"`
	Actions          []Action          `yaml:"actions"`
	Workflow         []Step            `yaml:"workflow"`
	Reporting        Reporting         `yaml:"reporting"`

	source string
}

// Title returns the workflow title from properties.
func (d *Definition) Title() string {
	return d.Properties["title"]
}

// Version returns the workflow version from properties.
func (d *Definition) Version() string {
	return d.Properties["version"]
}

// Source returns the file the definition was loaded from, if any.
func (d *Definition) Source() string {
	return d.source
}

// ActionByName resolves an action definition.
func (d *Definition) ActionByName(name string) (*Action, bool) {
	for i := range d.Actions {
		if d.Actions[i].Name == name {
			return &d.Actions[i], true
		}
	}
	return nil, false
}

// Load reads, parses and validates a workflow document from disk.
// Non-fatal conflicts are normalized and returned as warnings.
func Load(path string) (*Definition, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &errors.ConfigError{Reason: "cannot read workflow file", Cause: err}
	}
	def, warnings, err := Parse(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	def.source = path
	return def, warnings, nil
}

// Parse parses and validates a workflow document.
func Parse(data []byte) (*Definition, []string, error) {
	def := &Definition{
		LaunchConditions: LaunchConditions{Enabled: true},
		Reporting:        defaultReporting(),
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(def); err != nil {
		if err == io.EOF {
			return nil, nil, &errors.ValidationError{Message: "empty workflow document"}
		}
		return nil, nil, &errors.ValidationError{Message: fmt.Sprintf("cannot parse workflow document: %v", err)}
	}

	warnings, err := def.Validate()
	if err != nil {
		return nil, nil, err
	}
	return def, warnings, nil
}

var knownOS = map[string]bool{"windows": true, "linux": true, "macos": true}
var knownArch = map[string]bool{"x86": true, "x86_64": true, "aarch64": true, "arm": true}

// Validate checks the document invariants and normalizes non-fatal
// conflicts, returning one warning per normalization.
func (d *Definition) Validate() ([]string, error) {
	var warnings []string

	for _, key := range []string{"title", "version"} {
		if d.Properties[key] == "" {
			return nil, &errors.ValidationError{
				Field:      "properties." + key,
				Message:    "required property is missing",
				Suggestion: "add " + key + " under properties",
			}
		}
	}

	if err := d.validateLaunchConditions(); err != nil {
		return nil, err
	}

	if len(d.Actions) == 0 {
		return nil, &errors.ValidationError{
			Field:   "actions",
			Message: "workflow document must define at least one action",
		}
	}
	names := make(map[string]bool, len(d.Actions))
	for i := range d.Actions {
		action := &d.Actions[i]
		if action.Name == "" {
			return nil, &errors.ValidationError{Field: "actions.name", Message: "action name is required"}
		}
		if names[action.Name] {
			return nil, &errors.ValidationError{
				Field:   "actions.name",
				Message: fmt.Sprintf("duplicate action name %q", action.Name),
			}
		}
		names[action.Name] = true
		if err := action.validate(); err != nil {
			return nil, err
		}
	}

	if len(d.Workflow) == 0 {
		return nil, &errors.ValidationError{
			Field:   "workflow",
			Message: "workflow must have at least one step",
		}
	}
	stepWarnings, err := d.validateSteps()
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, stepWarnings...)

	warnings = append(warnings, d.normalizeReporting()...)

	return warnings, nil
}

func (d *Definition) validateLaunchConditions() error {
	lc := &d.LaunchConditions
	if len(lc.OS) == 0 {
		return &errors.ValidationError{
			Field:   "launch_conditions.os",
			Message: "at least one operating system is required",
		}
	}
	for _, name := range lc.OS {
		if !knownOS[name] {
			return &errors.ValidationError{
				Field:      "launch_conditions.os",
				Message:    fmt.Sprintf("unknown operating system %q", name),
				Suggestion: "use windows, linux or macos",
			}
		}
	}
	for _, arch := range lc.Arch {
		if !knownArch[arch] {
			return &errors.ValidationError{
				Field:      "launch_conditions.arch",
				Message:    fmt.Sprintf("unknown architecture %q", arch),
				Suggestion: "use x86, x86_64, aarch64 or arm",
			}
		}
	}
	if cc := lc.CustomCommand; cc != nil {
		if cc.Cmd == "" {
			return &errors.ValidationError{
				Field:   "launch_conditions.custom_command.cmd",
				Message: "probe command is required",
			}
		}
		if len(cc.ContainsAny) == 0 && len(cc.ContainsAll) == 0 && cc.ContainsRegex == "" {
			return &errors.ValidationError{
				Field:      "launch_conditions.custom_command",
				Message:    "custom_command requires contains_any, contains_all or contains_regex",
				Suggestion: "add at least one contains predicate",
			}
		}
		if cc.ContainsRegex != "" {
			if _, err := regexp.Compile(cc.ContainsRegex); err != nil {
				return &errors.ValidationError{
					Field:   "launch_conditions.custom_command.contains_regex",
					Message: fmt.Sprintf("invalid regular expression: %v", err),
				}
			}
		}
	}
	return nil
}

func (a *Action) validate() error {
	field := fmt.Sprintf("actions[%s]", a.Name)
	switch a.Type {
	case ActionCommand:
		if a.Command.Cmd == "" {
			return &errors.ValidationError{Field: field + ".cmd", Message: "command is required"}
		}
	case ActionBinary:
		if a.Binary.Path == "" {
			return &errors.ValidationError{Field: field + ".path", Message: "binary path is required"}
		}
	case ActionStore:
		if a.Store.Patterns == "" {
			return &errors.ValidationError{Field: field + ".patterns", Message: "at least one pattern is required"}
		}
		if err := pattern.Validate(a.Store.Patterns); err != nil {
			return &errors.ValidationError{Field: field + ".patterns", Message: err.Error()}
		}
	case ActionYara:
		if a.Yara.RulesPaths == "" {
			return &errors.ValidationError{Field: field + ".rules_paths", Message: "at least one rules path is required"}
		}
		if a.Yara.FilesToScan == "" {
			return &errors.ValidationError{Field: field + ".files_to_scan", Message: "at least one scan pattern is required"}
		}
		if err := pattern.Validate(a.Yara.RulesPaths); err != nil {
			return &errors.ValidationError{Field: field + ".rules_paths", Message: err.Error()}
		}
		if err := pattern.Validate(a.Yara.FilesToScan); err != nil {
			return &errors.ValidationError{Field: field + ".files_to_scan", Message: err.Error()}
		}
		if a.Yara.NumThreads < 1 {
			return &errors.ValidationError{Field: field + ".num_threads", Message: "must be at least 1"}
		}
	case ActionTerminal:
		if a.Terminal.Wait && !a.Terminal.SeparateWindow {
			return &errors.ValidationError{
				Field:      field,
				Message:    "wait requires separate_window",
				Suggestion: "set separate_window to true or wait to false",
			}
		}
		if !a.Terminal.Wait && a.Terminal.EnableTranscript {
			return &errors.ValidationError{
				Field:      field,
				Message:    "a session that is not waited on cannot produce a transcript",
				Suggestion: "set wait to true or enable_transcript to false",
			}
		}
	}
	return nil
}

func (d *Definition) validateSteps() ([]string, error) {
	var warnings []string
	for i := range d.Workflow {
		step := &d.Workflow[i]
		action, ok := d.ActionByName(step.Action)
		if !ok {
			return nil, &errors.ValidationError{
				Field:   fmt.Sprintf("workflow[%d].action", i),
				Message: fmt.Sprintf("unknown action %q", step.Action),
			}
		}

		if step.OnError.Kind == "" {
			step.OnError.Kind = OnErrorContinue
		}
		if step.OnError.Kind == OnErrorGoto {
			if !d.gotoTargetAfter(i, step.OnError.Goto) {
				return nil, &errors.ValidationError{
					Field:      fmt.Sprintf("workflow[%d].on_error.goto", i),
					Message:    fmt.Sprintf("goto target %q must name a later step", step.OnError.Goto),
					Suggestion: "goto only jumps forward; reorder the steps",
				}
			}
		}

		if step.Parallel && !action.Type.ParallelCapable() {
			warnings = append(warnings, fmt.Sprintf(
				"step %q: %s actions cannot run in parallel, disabling parallel", step.Action, action.Type))
			step.Parallel = false
		}
		if step.Timeout > 0 && !action.Type.TimeoutCapable() {
			warnings = append(warnings, fmt.Sprintf(
				"step %q: %s actions do not honor a step timeout, dropping it", step.Action, action.Type))
			step.Timeout = 0
		}
		if step.Parallel {
			switch action.Type {
			case ActionCommand:
				if !action.Command.LogToFile {
					warnings = append(warnings, fmt.Sprintf(
						"step %q: parallel output must be logged to a file, enabling log_to_file", step.Action))
					action.Command.LogToFile = true
				}
			case ActionBinary:
				if !action.Binary.LogToFile {
					warnings = append(warnings, fmt.Sprintf(
						"step %q: parallel output must be logged to a file, enabling log_to_file", step.Action))
					action.Binary.LogToFile = true
				}
			case ActionTerminal:
				if !action.Terminal.SeparateWindow {
					warnings = append(warnings, fmt.Sprintf(
						"step %q: an integrated terminal cannot run in parallel, disabling parallel", step.Action))
					step.Parallel = false
				}
			}
		}
		if step.Parallel && step.OnError.Kind != OnErrorContinue {
			warnings = append(warnings, fmt.Sprintf(
				"step %q: parallel steps cannot branch on errors, resetting on_error to continue", step.Action))
			step.OnError = OnError{Kind: OnErrorContinue}
		}
		if step.Parallel && step.ContinueAfterKeypress {
			warnings = append(warnings, fmt.Sprintf(
				"step %q: parallel steps cannot wait for a keypress, disabling continue_after_keypress", step.Action))
			step.ContinueAfterKeypress = false
		}
	}
	return warnings, nil
}

// gotoTargetAfter reports whether a step named target exists strictly after
// position i. Forward-only jumps guarantee termination.
func (d *Definition) gotoTargetAfter(i int, target string) bool {
	for j := i + 1; j < len(d.Workflow); j++ {
		if d.Workflow[j].Action == target {
			return true
		}
	}
	return false
}

func (d *Definition) normalizeReporting() []string {
	var warnings []string
	zip := &d.Reporting.ZipArchive
	if !zip.Enabled && zip.Encryption.Enabled {
		warnings = append(warnings, "zip_archive is disabled: disabling encryption as well")
		zip.Encryption.Enabled = false
		zip.Encryption.Algorithm = AlgorithmNone
	}
	if !zip.Enabled && zip.Compression.Enabled {
		warnings = append(warnings, "zip_archive is disabled: disabling compression as well")
		zip.Compression.Enabled = false
	}
	if zip.Encryption.Enabled && zip.Encryption.Algorithm == AlgorithmNone {
		warnings = append(warnings, "encryption is enabled without an algorithm: disabling encryption")
		zip.Encryption.Enabled = false
	}
	if zip.Compression.Enabled && zip.Compression.SizeLimit == 0 {
		zip.Compression.SizeLimit = DefaultCompressionLimit
	}
	return warnings
}

// strictDecode decodes a YAML node into out, rejecting unknown keys.
func strictDecode(node *yaml.Node, out interface{}) error {
	if node.Kind == 0 {
		return nil
	}
	data, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}
