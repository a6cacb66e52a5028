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

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrierhq/harrier/pkg/workflow"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>...",
		Short: "Validate workflow documents without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				def, warnings, err := workflow.Load(path)
				if err != nil {
					fmt.Printf("✗ %s: %v\n", path, err)
					failed++
					continue
				}
				fmt.Printf("✓ %s (%s %s, %d steps)\n", path, def.Title(), def.Version(), len(def.Workflow))
				for _, w := range warnings {
					fmt.Printf("  warning: %s\n", w)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d invalid workflow document(s)", failed)
			}
			return nil
		},
	}
}
