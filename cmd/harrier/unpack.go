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
	"github.com/spf13/cobra"

	"github.com/harrierhq/harrier/pkg/unpack"
)

func newUnpackCommand() *cobra.Command {
	var opts unpack.Options

	cmd := &cobra.Command{
		Use:   "unpack",
		Short: "Decrypt, extract and verify a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return unpack.Run(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.InputDir, "input", "i", "", "report directory to unpack")
	cmd.Flags().StringVarP(&opts.PrivateKeyPath, "private", "k", "", "private key for decryption")
	cmd.Flags().StringVarP(&opts.OutputDir, "output", "o", "", "extraction directory (default <input>/output)")
	cmd.Flags().BoolVarP(&opts.Restore, "restore", "r", false, "restore stored files under their original paths")
	cmd.Flags().BoolVar(&opts.Verify, "verify", true, "verify the checksums in the metadata journal")
	cmd.MarkFlagRequired("input")
	return cmd
}
