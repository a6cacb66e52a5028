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
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/harrierhq/harrier/pkg/crypto"
)

func newKeygenCommand() *cobra.Command {
	var (
		bits        int
		privateFile string
		publicFile  string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA key pair for report encryption",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := afero.NewOsFs()

			key, err := crypto.GenerateKeyPair(bits)
			if err != nil {
				return err
			}
			if err := crypto.SavePrivateKey(fs, privateFile, key); err != nil {
				return err
			}
			if err := crypto.SavePublicKey(fs, publicFile, &key.PublicKey); err != nil {
				return err
			}

			fmt.Printf("Wrote %s and %s (%d bit)\n", privateFile, publicFile, bits)
			if filepath.Base(filepath.Dir(privateFile)) == "keys" {
				fmt.Println("WARNING: do not keep the private key in the collector's keys directory; move it to a secure location.")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size (2048 or 4096)")
	cmd.Flags().StringVar(&privateFile, "private", "private.pem", "private key output file")
	cmd.Flags().StringVar(&publicFile, "public", "public.pem", "public key output file")
	return cmd
}
