package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/spf13/cobra"

	"github.com/isometry/ldap-replicator/internal/config"
	"github.com/isometry/ldap-replicator/internal/ldap"
)

var (
	version = "dev"
	commit  = "none"
)

// errRejected signals that the run completed but some records were refused.
var errRejected = errors.New("one or more records were rejected")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		if !errors.Is(err, errRejected) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "replicad",
		Short:         "replicad - replay directory change records to LDAP replicas",
		Long:          "Applies queued LDAP add, modify, delete and modrdn records to one or more replica directory servers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newReplicateCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "replicad version %s (commit: %s)\n", version, commit)
		},
	}
}

// loadConfig reads the configuration and installs the root logger and its
// subsystems on ctx.
func loadConfig(ctx context.Context, path string) (context.Context, *config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return ctx, nil, err
	}

	ctx = initLogging(ctx, cfg.LogLevel())

	for _, r := range cfg.Replicas {
		tflog.Debug(ctx, "Replica configured", ldap.SanitizeFields(map[string]any{
			"replica":     r.Name,
			"url":         r.URL,
			"host":        r.Host,
			"domain":      r.Domain,
			"bind_method": r.BindMethod,
			"bind_dn":     r.BindDN,
			"password":    r.Password,
			"principal":   r.Principal,
			"keytab":      r.Keytab,
		}))
	}

	return ctx, cfg, nil
}

// initLogging installs a JSON root logger on stderr. REPLICAD_LOG overrides
// the configured level; REPLICAD_LOG_<SUBSYSTEM> overrides a subsystem.
func initLogging(ctx context.Context, level hclog.Level) context.Context {
	if env := hclog.LevelFromString(os.Getenv("REPLICAD_LOG")); env != hclog.NoLevel {
		level = env
	}

	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName("replicad"),
		tfsdklog.WithLevel(level),
		tfsdklog.WithoutLocation(),
		tfsdklog.WithStderrFromInit(),
	)
	return ldap.NewLoggingContext(ctx)
}
