package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/edgesync/internal/config"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// version se inyecta con -ldflags "-X main.version=..."
var version = "dev"

type cli struct {
	configPath string
	out        string // "json" | "text"
	cfg        *config.Config
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("⚠️  .env: %v", err)
	}

	c := &cli{
		configPath: envOr("EDGESYNC_CONFIG", ""),
		out:        envOr("EDGESYNC_OUT", "text"),
	}

	root := &cobra.Command{
		Use:           "edgesync",
		Short:         "Sincronización central/edge: servidores, secretos, nodos y outbox",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			logger.Init(logger.Config{
				Env:         cfg.App.Env,
				Level:       cfg.App.LogLevel,
				ServiceName: cfg.App.ServiceName,
				Version:     version,
				NodeID:      cfg.Edge.ServerID,
			})
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", c.configPath, "Archivo YAML de configuración (env EDGESYNC_CONFIG)")
	root.PersistentFlags().StringVar(&c.out, "out", c.out, "Formato de salida: json|text")

	root.AddCommand(
		c.centralCmd(),
		c.edgeCmd(),
		c.migrateCmd(),
		c.secretsCmd(),
		c.nodesCmd(),
		c.tokenCmd(),
		c.outboxCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// print escribe v como JSON indentado o, en modo text, usa text().
func (c *cli) print(v any, text func()) {
	if c.out == "json" || text == nil {
		b, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(b))
		return
	}
	text()
}
