// Copyright 2025 The Harrier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Duration is a YAML duration scalar. It accepts the suffixes understood by
// time.ParseDuration ("30s", "5m", "1h") and treats a bare number as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" || node.Tag == "!!float" {
		var secs float64
		if err := node.Decode(&secs); err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		if secs < 0 {
			return fmt.Errorf("invalid duration: %v must not be negative", secs)
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}

	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	raw = strings.TrimSpace(raw)

	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs < 0 {
			return fmt.Errorf("invalid duration: %q must not be negative", raw)
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid duration: %q must not be negative", raw)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// sizePattern accepts a decimal number followed by a decimal byte unit.
var sizePattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*(B|KB|MB|GB)$`)

// ByteSize is a YAML size scalar. It accepts a bare integer (bytes) or a
// decimal-unit string such as "10 MB" (1 KB = 1000 B). Any other form is a
// load error. A zero store size_limit means unlimited; a zero
// compression size_limit is replaced by DefaultCompressionLimit at load.
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" {
		var n int64
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("invalid size: %w", err)
		}
		if n < 0 {
			return fmt.Errorf("invalid size: %d must not be negative", n)
		}
		*b = ByteSize(n)
		return nil
	}

	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	if !sizePattern.MatchString(raw) {
		return fmt.Errorf("invalid size %q: expected bytes or a B/KB/MB/GB value", raw)
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return humanize.Bytes(uint64(b)), nil
}

// Error policies for a workflow step.
const (
	OnErrorContinue = "continue"
	OnErrorAbort    = "abort"
	OnErrorGoto     = "goto"
)

// OnError is a step's error policy: continue (default), abort, or a forward
// jump to a named step.
type OnError struct {
	Kind string
	Goto string
}

// UnmarshalYAML implements yaml.Unmarshaler. The YAML form is either the
// scalar "continue"/"abort" or the mapping {goto: <step-name>}.
func (o *OnError) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		switch s {
		case OnErrorContinue, OnErrorAbort:
			o.Kind = s
			return nil
		}
		return fmt.Errorf("invalid on_error value %q", s)
	case yaml.MappingNode:
		var m struct {
			Goto string `yaml:"goto"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		if m.Goto == "" {
			return fmt.Errorf("on_error goto requires a step name")
		}
		o.Kind = OnErrorGoto
		o.Goto = m.Goto
		return nil
	}
	return fmt.Errorf("invalid on_error value")
}

// MarshalYAML implements yaml.Marshaler.
func (o OnError) MarshalYAML() (interface{}, error) {
	if o.Kind == OnErrorGoto {
		return map[string]string{"goto": o.Goto}, nil
	}
	if o.Kind == "" {
		return OnErrorContinue, nil
	}
	return o.Kind, nil
}

// Algorithm names the symmetric cipher used to seal the report archive.
type Algorithm string

const (
	// AlgorithmNone disables encryption.
	AlgorithmNone Algorithm = ""
	// AlgorithmAES128GCM is AES-128-GCM (RFC 5116).
	AlgorithmAES128GCM Algorithm = "AES-128-GCM"
	// AlgorithmChaCha20Poly1305 is CHACHA20-POLY1305 (RFC 8439).
	AlgorithmChaCha20Poly1305 Algorithm = "CHACHA20-POLY1305"
)

// Valid reports whether the algorithm is one the crypto core implements.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmNone, AlgorithmAES128GCM, AlgorithmChaCha20Poly1305:
		return true
	}
	return false
}

// UnmarshalYAML implements yaml.Unmarshaler, accepting "None" as the empty
// algorithm for compatibility with hand-written documents.
func (a *Algorithm) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if strings.EqualFold(s, "none") {
		*a = AlgorithmNone
		return nil
	}
	*a = Algorithm(s)
	if !a.Valid() {
		return fmt.Errorf("unknown encryption algorithm %q", s)
	}
	return nil
}
