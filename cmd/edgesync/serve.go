package main

import (
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/edgesync/internal/app"
	"github.com/dropDatabas3/edgesync/internal/edge/localdb"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

func (c *cli) centralCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "central", Short: "Proceso central"}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Sirve /sync/* y corre el mantenimiento",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			center, err := app.BuildCenter(ctx, c.cfg, app.Deps{Logger: logger.Named("central"), Version: version})
			if err != nil {
				return err
			}
			defer center.Close()
			return center.Run(ctx)
		},
	})
	return cmd
}

func (c *cli) edgeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "edge", Short: "Proceso edge"}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Registra el nodo y corre heartbeat, pull, push y mantenimiento",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if c.cfg.Edge.Version == "" {
				c.cfg.Edge.Version = version
			}
			e, err := app.BuildEdge(ctx, c.cfg, app.Deps{Logger: logger.Named("edge"), Version: version})
			if err != nil {
				return err
			}
			defer e.Close()
			return e.Run(ctx)
		},
	})
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	var edge bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Aplica las migraciones pendientes (central o, con --edge, la base local)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if edge {
				db, err := localdb.Open(ctx, c.cfg.Edge.DBPath, logger.S())
				if err != nil {
					return err
				}
				defer db.Close()
				c.print(map[string]any{"ok": true, "db": c.cfg.Edge.DBPath}, func() { cmd.Println("edge schema up to date") })
				return nil
			}
			core, err := app.OpenCore(ctx, c.cfg, app.Deps{Logger: logger.Named("migrate"), Version: version})
			if err != nil {
				return err
			}
			defer core.Close()
			c.print(map[string]any{"ok": true, "driver": core.Conn.Name()}, func() { cmd.Println("central schema up to date") })
			return nil
		},
	}
	cmd.Flags().BoolVar(&edge, "edge", false, "Migrar la base SQLite del edge")
	return cmd
}
