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
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// probeTimeout is the hard cap on the eligibility probe command.
const probeTimeout = 30 * time.Second

// Probe describes the host a workflow's launch conditions are evaluated
// against.
type Probe struct {
	OS         string
	Arch       string
	IsElevated bool
}

// Eligibility is the outcome of a launch evaluation. Reason is set when the
// workflow is not eligible.
type Eligibility struct {
	Eligible bool
	Reason   string
}

func ineligible(format string, args ...interface{}) Eligibility {
	return Eligibility{Reason: fmt.Sprintf(format, args...)}
}

// EvaluateLaunch decides whether the workflow should run on this host. The
// conditions are checked in order and short-circuit: enabled, os, arch,
// is_elevated, custom_command. Variables must already be bound.
func (d *Definition) EvaluateLaunch(ctx context.Context, probe Probe) Eligibility {
	lc := &d.LaunchConditions

	if !lc.Enabled {
		return ineligible("workflow is disabled")
	}
	if !contains(lc.OS, probe.OS) {
		return ineligible("operating system %s not in %v", probe.OS, lc.OS)
	}
	// An absent arch list allows every architecture.
	if len(lc.Arch) > 0 && !contains(lc.Arch, probe.Arch) {
		return ineligible("architecture %s not in %v", probe.Arch, lc.Arch)
	}
	if lc.IsElevated && !probe.IsElevated {
		return ineligible("workflow requires elevated privileges")
	}
	if cc := lc.CustomCommand; cc != nil {
		ok, err := evalProbeCommand(ctx, cc)
		if err != nil {
			return ineligible("probe command failed: %v", err)
		}
		if !ok {
			return ineligible("probe command output did not satisfy the contains predicates")
		}
	}
	return Eligibility{Eligible: true}
}

// evalProbeCommand runs the probe and tests its stdout. The composite result
// is the logical AND of whichever contains predicates are specified.
func evalProbeCommand(ctx context.Context, cc *CustomCommand) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, cc.Cmd, cc.Args...)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return false, fmt.Errorf("probe command exceeded %v", probeTimeout)
		}
		return false, err
	}
	stdout := strings.TrimSpace(string(out))

	if len(cc.ContainsAny) > 0 {
		any := false
		for _, s := range cc.ContainsAny {
			if strings.Contains(stdout, s) {
				any = true
				break
			}
		}
		if !any {
			return false, nil
		}
	}
	for _, s := range cc.ContainsAll {
		if !strings.Contains(stdout, s) {
			return false, nil
		}
	}
	if cc.ContainsRegex != "" {
		re, err := regexp.Compile(cc.ContainsRegex)
		if err != nil {
			return false, err
		}
		if !re.MatchString(stdout) {
			return false, nil
		}
	}
	return true, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
