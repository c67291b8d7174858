package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/isometry/ldap-replicator/internal/ldap"
)

func newCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and bind to every replica once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "replicad.yaml", "Path to the configuration file")

	return cmd
}

func runCheck(ctx context.Context, out io.Writer, configPath string) error {
	ctx, cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}

	dispatchers, err := newDispatchers(ctx, cfg)
	if err != nil {
		return err
	}

	failed := 0
	for i, d := range dispatchers {
		name := cfg.Replicas[i].Name
		session := d.Session()

		fields := map[string]any{
			"replica":  name,
			"endpoint": session.Endpoint(),
		}
		err := ldap.LogOperation(ctx, ldap.SubsystemLDAP, "check_bind", fields, func() error {
			return session.EnsureBound(ctx)
		})
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s\t%s\tFAILED (%s)\t%v\n", name, session.Endpoint(), ldap.GetErrorCategory(err), err)
			continue
		}

		status := "OK"
		if p := session.Principal(); p != "" {
			status = "OK (" + p + ")"
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", name, session.Endpoint(), status)
		_ = session.Unbind(ctx)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d replicas failed to bind", failed, len(dispatchers))
	}
	return nil
}
