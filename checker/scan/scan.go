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

// Package scan implements the certificate check-in command.
package scan

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ehcheck/ehcheck/pkg/hcert"
	"github.com/ehcheck/ehcheck/pkg/log"
	"github.com/ehcheck/ehcheck/pkg/private/serrors"
	"github.com/ehcheck/ehcheck/private/app/command"
	"github.com/ehcheck/ehcheck/private/session"
	"github.com/ehcheck/ehcheck/private/trust"
	"github.com/ehcheck/ehcheck/private/validate"
)

// DefaultTrustURL is the public trust list distribution point.
const DefaultTrustURL = "https://de.dscg.ubirch.com/trustList/DSC"

// DefaultCountries are the issuer countries whose signer certificates are
// downloaded when no pinned trust list is given.
var DefaultCountries = []string{"DE", "AT", "SE", "GB", "NL"}

type flags struct {
	trustList string
	trustURL  string
	countries []string
	rules     string
	bnRules   string
	valueSets string
	schema    string
	allowed   string
	accessLog string
	count     int
	noVerify  bool
	noRules   bool
	noUnique  bool
	verbose   bool
}

// Cmd creates the scan command.
func Cmd(pather command.Pather) *cobra.Command {
	var flags flags
	cmd := &cobra.Command{
		Use:   "scan [flags] [certificate|file ...]",
		Short: "Check health certificates and track admissions",
		Long: `'scan' decodes and checks digital health certificates and keeps a
running count of admitted subjects.

Each argument is either a raw certificate string, recognized by its "HC1:"
prefix, or a path to a file with one certificate string per line. Without
arguments, certificate strings are read from standard input.

Signer certificates are downloaded from the trust list service for the
configured countries, or read from a pinned trust list file. An empty trust
list aborts the command.

Certificates can additionally be checked against acceptance and booster
notification rule sets and restricted to subjects on an allow list. Every
distinct valid scan appends one line to the access log.`,
		Example: fmt.Sprintf(`  %[1]s scan codes.txt
  %[1]s scan --allowed guests.txt --rules rules --valuesets valuesets codes.txt
  %[1]s scan --trustlist trustlist.json "HC1:NCFOXN..."`,
			pather.CommandPath(),
		),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			level := "info"
			if flags.verbose {
				level = "debug"
			}
			if err := log.Setup(log.Config{
				Console: log.ConsoleConfig{Level: level},
			}); err != nil {
				return serrors.Wrap("setting up logging", err)
			}
			defer log.Flush()
			return run(cmd.Context(), cmd.OutOrStdout(), cmd.InOrStdin(), flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.trustList, "trustlist", "",
		"Pinned trust list file, skips the download")
	cmd.Flags().StringVar(&flags.trustURL, "trust-url", DefaultTrustURL,
		"Trust list service")
	cmd.Flags().StringSliceVar(&flags.countries, "countries", DefaultCountries,
		"Issuer countries to download signer certificates for")
	cmd.Flags().StringVar(&flags.rules, "rules", "",
		"Directory with acceptance rules")
	cmd.Flags().StringVar(&flags.bnRules, "bnrules", "",
		"Directory with booster notification rules")
	cmd.Flags().StringVar(&flags.valueSets, "valuesets", "",
		"Directory with value sets")
	cmd.Flags().StringVar(&flags.schema, "schema", "",
		"Structural schema file")
	cmd.Flags().StringVar(&flags.allowed, "allowed", "",
		"Allow list file with one SURNAME;GIVEN entry per line")
	cmd.Flags().StringVar(&flags.accessLog, "access-log", "",
		"Access log file, appended to (default stderr)")
	cmd.Flags().IntVar(&flags.count, "count", 0,
		"Initial admission count, e.g. to continue a previous session")
	cmd.Flags().BoolVar(&flags.noVerify, "no-verify", false,
		"Skip signature verification (DEBUGGING ONLY)")
	cmd.Flags().BoolVar(&flags.noRules, "no-rules", false,
		"Skip rule validation (DEBUGGING ONLY)")
	cmd.Flags().BoolVar(&flags.noUnique, "no-unique", false,
		"Skip subject deduplication (DEBUGGING ONLY)")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false,
		"Enable debug logging")
	return cmd
}

func run(ctx context.Context, out io.Writer, in io.Reader, flags flags,
	args []string) error {

	logger := log.FromCtx(ctx)
	if flags.noVerify || flags.noRules || flags.noUnique {
		logger.Info("Debugging bypass enabled, results are NOT trustworthy",
			"no_verify", flags.noVerify,
			"no_rules", flags.noRules,
			"no_unique", flags.noUnique,
		)
	}

	verifier, err := newVerifier(ctx, flags)
	if err != nil {
		return err
	}
	validator, err := newValidator(ctx, flags)
	if err != nil {
		return err
	}
	cfg := session.Config{
		Verifier:     verifier,
		Validator:    validator,
		Metrics:      sessionMetrics(),
		InitialCount: flags.count,
		SkipVerify:   flags.noVerify,
		SkipRules:    flags.noRules,
		SkipUnique:   flags.noUnique,
		AccessLog:    os.Stderr,
	}
	if flags.allowed != "" {
		if cfg.AllowList, err = session.LoadAllowList(flags.allowed); err != nil {
			return err
		}
		logger.Info("Loaded allow list",
			"file", flags.allowed, "entries", cfg.AllowList.Len())
	}
	if flags.accessLog != "" {
		f, err := os.OpenFile(flags.accessLog,
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return serrors.Wrap("opening access log", err, "file", flags.accessLog)
		}
		defer f.Close()
		cfg.AccessLog = f
	}

	raws, err := collect(in, args)
	if err != nil {
		return err
	}
	s := session.New(cfg)
	results, err := s.ProcessAll(ctx, raws)
	if err != nil {
		return err
	}
	for _, res := range results {
		report(out, res)
	}
	fmt.Fprintf(out, "%d admitted\n", s.Count())
	return nil
}

// newVerifier builds the signature verifier from a pinned trust list file
// or by downloading the signer certificates. An empty trust store is fatal.
func newVerifier(ctx context.Context, flags flags) (*trust.Verifier, error) {
	store := trust.NewStore()
	if flags.trustList != "" {
		raw, err := os.ReadFile(flags.trustList)
		if err != nil {
			return nil, serrors.Wrap("reading trust list", err, "file", flags.trustList)
		}
		anchors, err := trust.ParseList(raw)
		if err != nil {
			return nil, serrors.Wrap("parsing trust list", err, "file", flags.trustList)
		}
		store.Load(anchors)
	} else {
		fetcher := &trust.Fetcher{BaseURL: flags.trustURL}
		failed := store.Refresh(ctx, fetcher, flags.countries)
		if len(failed) > 0 {
			log.FromCtx(ctx).Info("Trust list download incomplete",
				"failed", strings.Join(failed, ","))
		}
	}
	if err := store.Check(); err != nil {
		return nil, err
	}
	log.FromCtx(ctx).Info("Trust store ready", "anchors", store.Count())
	return &trust.Verifier{Store: store}, nil
}

// newValidator loads the rule sets, value sets and schema named on the
// command line. Unparsable files are skipped with a warning; acceptance
// falls to the remaining rules.
func newValidator(ctx context.Context, flags flags) (*validate.Validator, error) {
	logger := log.FromCtx(ctx)
	var v validate.Validator
	var err error
	if flags.rules != "" {
		var res validate.LoadResult
		if v.Rules, res, err = validate.LoadRules(flags.rules); err != nil {
			return nil, err
		}
		logIgnored(logger, "rule", res)
	}
	if flags.bnRules != "" {
		var res validate.LoadResult
		if v.BoosterRules, res, err = validate.LoadRules(flags.bnRules); err != nil {
			return nil, err
		}
		logIgnored(logger, "booster rule", res)
	}
	if flags.valueSets != "" {
		var res validate.LoadResult
		if v.ValueSets, res, err = validate.LoadValueSets(flags.valueSets); err != nil {
			return nil, err
		}
		logIgnored(logger, "value set", res)
	}
	if flags.schema != "" {
		if v.Schema, err = validate.LoadSchema(flags.schema); err != nil {
			return nil, err
		}
	}
	return &v, nil
}

func logIgnored(logger log.Logger, kind string, res validate.LoadResult) {
	for file, err := range res.Ignored {
		logger.Info("Ignoring unusable file", "kind", kind, "file", file, "err", err)
	}
}

// collect expands the positional arguments into raw certificate strings.
// An argument with the certificate prefix is taken verbatim, anything else
// is read as a file with one certificate per line. Without arguments,
// standard input is read.
func collect(in io.Reader, args []string) ([]string, error) {
	var raws []string
	if len(args) == 0 {
		return readLines(in, "stdin")
	}
	for _, arg := range args {
		if strings.HasPrefix(arg, hcert.SchemePrefix) {
			raws = append(raws, arg)
			continue
		}
		f, err := os.Open(arg)
		if err != nil {
			return nil, serrors.Wrap("opening input", err, "file", arg)
		}
		lines, err := readLines(f, arg)
		f.Close()
		if err != nil {
			return nil, err
		}
		raws = append(raws, lines...)
	}
	return raws, nil
}

func readLines(r io.Reader, name string) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, serrors.Wrap("reading input", err, "source", name)
	}
	return lines, nil
}

var (
	metricsOnce sync.Once
	metrics     *session.Metrics
)

// sessionMetrics registers the scan counters with the default registerer,
// once per process.
func sessionMetrics() *session.Metrics {
	metricsOnce.Do(func() {
		metrics = session.NewMetrics(prometheus.DefaultRegisterer)
	})
	return metrics
}

var (
	green = color.New(color.FgGreen)
	red   = color.New(color.FgRed)
)

func report(out io.Writer, res *session.Result) {
	switch {
	case res.Valid && res.Allowed:
		suffix := ""
		if !res.Unique {
			suffix = " (seen before)"
		}
		green.Fprintf(out, "ACCEPT %s%s\n", res.Name, suffix)
	case res.Valid:
		red.Fprintf(out, "REJECT %s: not on the allow list\n", res.Name)
	case res.Err != nil:
		red.Fprintf(out, "REJECT %s: %s\n", res.Name, res.Err)
	default:
		red.Fprintf(out, "REJECT %s\n", res.Name)
	}
}
