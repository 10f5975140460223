package main

import (
	"fmt"
	"os"
	"strings"

	"hookdeploy/internal/security"

	"github.com/spf13/cobra"
)

var (
	checkConfigFile string
	checkStrict     bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file",
	Long: `Load and validate the configuration, then print every deployment target.

Every invalid target is listed and the command exits non-zero. The webhook
secret and deploy API key are checked for length, placeholders and entropy;
with --strict a failing credential also makes the command exit non-zero.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVarP(&checkConfigFile, "config", "c", getEnvOrDefault("HOOKDEPLOY_CONFIG_FILE", ""), "Path to hookdeploy.yaml configuration file")
	checkCmd.Flags().BoolVar(&checkStrict, "strict", false, "Fail when a credential does not pass the secret checks")
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(checkConfigFile)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration: %s\n", cfg.Path)
	fmt.Fprintf(out, "Targets: %d\n", len(cfg.Targets))
	for _, d := range cfg.Targets {
		where := d.DeployDir
		if d.IsRemote() {
			where = fmt.Sprintf("%s@%s:%s", d.User, d.Address(), d.DeployDir)
		}
		fmt.Fprintf(out, "  %-40s %-10s %-6s branch=%s %s\n", d.Repository, d.Server, d.Kind, d.Branch, where)
		if len(d.Tasks) > 0 {
			fmt.Fprintf(out, "    tasks: %s\n", strings.Join(d.Tasks, "; "))
		}
	}

	for _, key := range cfg.Ignored {
		fmt.Fprintf(out, "Ignored key: %s\n", key)
	}
	if len(cfg.Warnings) > 0 {
		fmt.Fprintln(os.Stderr, "Warnings:")
		for _, w := range cfg.Warnings {
			fmt.Fprintf(os.Stderr, "  - %s\n", w)
		}
	}

	var weak []string
	for _, c := range []struct{ label, value string }{
		{"webhook_secret", cfg.WebhookSecret},
		{"deploy_api_key", cfg.DeployAPIKey},
	} {
		if err := security.ValidateSecret(c.label, c.value); err != nil {
			fmt.Fprintf(out, "Secret check failed: %v\n", err)
			weak = append(weak, c.label)
		}
	}
	if checkStrict && len(weak) > 0 {
		return fmt.Errorf("credentials failed secret checks: %s", strings.Join(weak, ", "))
	}

	fmt.Fprintln(out, "Configuration OK")
	return nil
}
