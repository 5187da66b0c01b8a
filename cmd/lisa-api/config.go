package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lisa-sandbox/lisa-api/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thoas/go-funk"
	"sigs.k8s.io/yaml"
)

const (
	jsonFormat = "json"
	yamlFormat = "yaml"

	redacted = "<redacted>"
)

var legalOutputTypes = []string{jsonFormat, yamlFormat}

type ConfigOptions struct {
	Output string
}

func DefaultConfigOptions() *ConfigOptions {
	return &ConfigOptions{Output: yamlFormat}
}

func NewCmdConfig() *cobra.Command {
	o := DefaultConfigOptions()
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Validate(); err != nil {
				return err
			}
			return o.Run(cmd)
		},
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *ConfigOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Output, "output", "o", o.Output, fmt.Sprintf("Output format. One of: (%s).", strings.Join(legalOutputTypes, ", ")))
}

func (o *ConfigOptions) Validate() error {
	if !funk.Contains(legalOutputTypes, o.Output) {
		return fmt.Errorf("output format must be one of %s", strings.Join(legalOutputTypes, ", "))
	}
	return nil
}

func (o *ConfigOptions) Run(cmd *cobra.Command) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}

	out, err := renderConfig(redact(cfg), o.Output)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}

func redact(cfg *config.Config) *config.Config {
	db := *cfg.Database
	svc := *cfg.Service
	if db.Password != "" {
		db.Password = redacted
	}
	if svc.S3.SecretKey != "" {
		svc.S3.SecretKey = redacted
	}
	return &config.Config{Database: &db, Service: &svc}
}

func renderConfig(cfg *config.Config, output string) ([]byte, error) {
	switch output {
	case jsonFormat:
		return json.MarshalIndent(cfg, "", "  ")
	case yamlFormat:
		return yaml.Marshal(cfg)
	default:
		return nil, fmt.Errorf("unknown output format %q", output)
	}
}
