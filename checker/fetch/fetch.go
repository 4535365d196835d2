// Copyright 2021 Anapaya Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fetch implements the rule set download command.
package fetch

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehcheck/ehcheck/pkg/log"
	"github.com/ehcheck/ehcheck/pkg/private/serrors"
	"github.com/ehcheck/ehcheck/private/app/command"
	"github.com/ehcheck/ehcheck/private/distribution"
)

// Cmd creates the fetch-rules command.
func Cmd(pather command.Pather) *cobra.Command {
	var flags struct {
		url       string
		rules     string
		bnRules   string
		valueSets string
	}
	cmd := &cobra.Command{
		Use:   "fetch-rules [flags] <country> ...",
		Short: "Download acceptance rules, booster rules and value sets",
		Long: `'fetch-rules' downloads the policy documents consumed by 'scan' from
a business rule distribution service: the acceptance rules for each given
country, the booster notification rules, and the value sets. Each document
is stored as one file named by its identifier, ready for the --rules,
--bnrules and --valuesets flags of 'scan'.`,
		Example: fmt.Sprintf(`  %[1]s fetch-rules DE
  %[1]s fetch-rules --rules acceptance --valuesets sets DE AT`,
			pather.CommandPath(),
		),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if err := log.Setup(log.Config{}); err != nil {
				return serrors.Wrap("setting up logging", err)
			}
			defer log.Flush()
			ctx := cmd.Context()
			logger := log.FromCtx(ctx)
			client := &distribution.Client{BaseURL: flags.url}
			for _, country := range args {
				names, err := client.FetchRules(ctx, country, flags.rules)
				if err != nil {
					return serrors.Wrap("fetching rules", err, "country", country)
				}
				logger.Info("Fetched acceptance rules",
					"country", country, "rules", len(names))
			}
			names, err := client.FetchBoosterRules(ctx, flags.bnRules)
			if err != nil {
				return serrors.Wrap("fetching booster rules", err)
			}
			logger.Info("Fetched booster rules", "rules", len(names))
			if names, err = client.FetchValueSets(ctx, flags.valueSets); err != nil {
				return serrors.Wrap("fetching value sets", err)
			}
			logger.Info("Fetched value sets", "sets", len(names))
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.url, "url", distribution.DefaultBaseURL,
		"Business rule distribution service")
	cmd.Flags().StringVar(&flags.rules, "rules", "rules",
		"Output directory for acceptance rules")
	cmd.Flags().StringVar(&flags.bnRules, "bnrules", "bnrules",
		"Output directory for booster notification rules")
	cmd.Flags().StringVar(&flags.valueSets, "valuesets", "valuesets",
		"Output directory for value sets")
	return cmd
}
