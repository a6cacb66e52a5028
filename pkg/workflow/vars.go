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
	"log/slog"
	"regexp"
)

// tokenPattern matches ${NAME} variable references.
var tokenPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand substitutes ${NAME} tokens in s from bindings. Unknown names expand
// to the empty string; warn, when non-nil, is invoked for every unknown token,
// so a name that appears twice is reported twice.
func Expand(s string, bindings map[string]string, warn func(name string)) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := token[2 : len(token)-1]
		value, ok := bindings[name]
		if !ok && warn != nil {
			warn(name)
		}
		return value
	})
}

// ExpandList substitutes tokens in every element of list, in place.
func ExpandList(list []string, bindings map[string]string, warn func(name string)) {
	for i, s := range list {
		list[i] = Expand(s, bindings, warn)
	}
}

// Bind substitutes variables into every string leaf of the actions section
// and of the launch-condition custom_command, as a single pre-pass before the
// runner starts. Properties and reporting are never expanded. Unknown names
// expand to the empty string and are logged as warnings.
func (d *Definition) Bind(bindings map[string]string, logger *slog.Logger) {
	warned := make(map[string]bool)
	warn := func(name string) {
		if warned[name] {
			return
		}
		warned[name] = true
		if logger != nil {
			logger.Warn("unknown variable in workflow document", "name", name)
		}
	}

	if cc := d.LaunchConditions.CustomCommand; cc != nil {
		cc.Cmd = Expand(cc.Cmd, bindings, warn)
		ExpandList(cc.Args, bindings, warn)
		ExpandList(cc.ContainsAny, bindings, warn)
		ExpandList(cc.ContainsAll, bindings, warn)
		cc.ContainsRegex = Expand(cc.ContainsRegex, bindings, warn)
	}

	for i := range d.Actions {
		action := &d.Actions[i]
		switch action.Type {
		case ActionCommand:
			action.Command.Cmd = Expand(action.Command.Cmd, bindings, warn)
			action.Command.Cwd = Expand(action.Command.Cwd, bindings, warn)
			ExpandList(action.Command.Args, bindings, warn)
		case ActionBinary:
			action.Binary.Path = Expand(action.Binary.Path, bindings, warn)
			ExpandList(action.Binary.Args, bindings, warn)
		case ActionStore:
			action.Store.Patterns = Expand(action.Store.Patterns, bindings, warn)
		case ActionYara:
			action.Yara.RulesPaths = Expand(action.Yara.RulesPaths, bindings, warn)
			action.Yara.FilesToScan = Expand(action.Yara.FilesToScan, bindings, warn)
		case ActionTerminal:
			action.Terminal.Shell = Expand(action.Terminal.Shell, bindings, warn)
		}
	}
}
