package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/cobra"

	"github.com/isometry/ldap-replicator/internal/admin"
	"github.com/isometry/ldap-replicator/internal/config"
	"github.com/isometry/ldap-replicator/internal/ldap"
	"github.com/isometry/ldap-replicator/internal/metrics"
	"github.com/isometry/ldap-replicator/internal/replay"
	"github.com/isometry/ldap-replicator/internal/replica"
)

func newReplicateCmd() *cobra.Command {
	var configPath, recordsPath string

	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Replay change records to every configured replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplicate(cmd.Context(), cmd.OutOrStdout(), cmd.InOrStdin(), configPath, recordsPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "replicad.yaml", "Path to the configuration file")
	cmd.Flags().StringVarP(&recordsPath, "records", "r", "-", "Path to the YAML record stream, or - for stdin")

	return cmd
}

func runReplicate(ctx context.Context, out io.Writer, stdin io.Reader, configPath, recordsPath string) error {
	ctx, cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}

	records, closeRecords, err := openRecords(recordsPath, stdin)
	if err != nil {
		return err
	}
	defer closeRecords()

	collector := metrics.New()
	dispatchers, err := newDispatchers(ctx, cfg, replica.WithObserver(collector))
	if err != nil {
		return err
	}
	defer func() {
		for _, d := range dispatchers {
			// An interrupted run drops connections without an unbind round trip.
			if ctx.Err() != nil {
				_ = d.Session().Close()
				continue
			}
			_ = d.Session().Unbind(ctx)
		}
	}()

	targets := make([]replay.Target, 0, len(dispatchers))
	for i, d := range dispatchers {
		targets = append(targets, replay.Target{Name: cfg.Replicas[i].Name, Replicator: d})
	}

	driver := replay.NewDriver(targets, replayOptions(cfg.Replay))

	if cfg.Admin.Listen != "" {
		srv := admin.NewServer(ctx, cfg.Admin.Listen, collector.Registry(), driver)
		go func() {
			if err := srv.Start(ctx); err != nil {
				tflog.SubsystemError(ctx, ldap.SubsystemAdmin, "Admin server stopped", map[string]any{
					"error": err.Error(),
				})
			}
		}()
		defer func() { _ = srv.Stop() }()
	}

	tflog.Info(ctx, "Starting replay", map[string]any{
		"replicas": len(targets),
		"records":  recordsPath,
	})

	reports, runErr := driver.Run(ctx, replay.NewDecoder(records))
	printReports(out, reports)
	if runErr != nil {
		return runErr
	}

	for _, r := range reports {
		if r.Failed() {
			return errRejected
		}
	}
	return nil
}

func openRecords(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open records: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// newDispatchers creates one session and dispatcher per configured replica.
func newDispatchers(ctx context.Context, cfg *config.Config, opts ...replica.DispatcherOption) ([]*replica.Dispatcher, error) {
	dispatchers := make([]*replica.Dispatcher, 0, len(cfg.Replicas))
	for i := range cfg.Replicas {
		rc, err := cfg.Replicas[i].ConnectionConfig(ctx)
		if err != nil {
			return nil, err
		}
		dispatchers = append(dispatchers, replica.NewDispatcher(ldap.NewSession(rc), opts...))
	}
	return dispatchers, nil
}

func replayOptions(r config.Replay) replay.Options {
	return replay.Options{
		MaxRetries:     r.MaxRetries,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
		BackoffFactor:  r.BackoffFactor,
		Limiter:        replay.NewLimiter(r.Rate, r.Burst),
	}
}

func printReports(out io.Writer, reports []replay.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REPLICA\tOK\tREJECTED\tRETRIED")
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", r.Replica, r.OK, r.Rejected, r.Retried)
	}
	_ = w.Flush()

	for _, r := range reports {
		for _, rej := range r.Rejections {
			fmt.Fprintf(out, "%s: rejected %s %s: %s\n", r.Replica, rej.ChangeType, rej.DN, rej.Message)
		}
	}
}
