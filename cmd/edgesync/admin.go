package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/edgesync/internal/app"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/edge/outbox"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
	"github.com/dropDatabas3/edgesync/internal/security/secretbox"
)

const cliActor = "cli"

func table(header string, rows func(w *tabwriter.Writer)) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, header)
	rows(w)
	w.Flush()
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// withCore abre el core central, ejecuta fn y lo cierra.
func (c *cli) withCore(ctx context.Context, fn func(*app.Core) error) error {
	core, err := app.OpenCore(ctx, c.cfg, app.Deps{Logger: logger.Named("cli"), Version: version})
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(core)
}

// ─── secrets ───

func (c *cli) secretsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "secrets", Short: "Ciclo de vida de los secretos compartidos"}

	var (
		fType, fNode, fStatus string
		limit                 int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "Lista secretos (sin material)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withCore(cmd.Context(), func(core *app.Core) error {
				out, err := core.Secrets.ListSecrets(cmd.Context(), repository.SecretFilter{
					Type:       repository.SecretType(fType),
					EdgeNodeID: fNode,
					Status:     repository.SecretStatus(fStatus),
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				c.print(out, func() {
					table("ID\tTYPE\tNODE\tSTATUS\tREASON\tEXPIRES", func(w *tabwriter.Writer) {
						for _, s := range out {
							node := s.NodeKey()
							if node == "" {
								node = "-"
							}
							fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Type, node, s.Status, s.RotationReason, s.ExpiresAt.UTC().Format(time.RFC3339))
						}
					})
				})
				return nil
			})
		},
	}
	list.Flags().StringVar(&fType, "type", "", "node_auth|sync|api")
	list.Flags().StringVar(&fNode, "node", "", "Instance id del edge")
	list.Flags().StringVar(&fStatus, "status", "", "pending|active|inactive|expired|compromised")
	list.Flags().IntVar(&limit, "limit", 100, "Máximo de filas")

	var rType, rNode, rReason string
	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Emite y activa un secreto nuevo para la tupla (tipo, nodo)",
		RunE: func(cmd *cobra.Command, args []string) error {
			reason := repository.RotationReason(rReason)
			if !reason.Valid() {
				return fmt.Errorf("--reason %q inválida", rReason)
			}
			return c.withCore(cmd.Context(), func(core *app.Core) error {
				res, err := core.Secrets.RotateSecret(cmd.Context(), repository.SecretType(rType), rNode, cliActor, reason)
				if err != nil {
					return err
				}
				c.print(res, func() {
					fmt.Printf("new=%s previous=%s expires=%s\n", res.NewSecretID, res.PreviousSecretID, res.ExpiresAt.UTC().Format(time.RFC3339))
				})
				return nil
			})
		},
	}
	rotate.Flags().StringVar(&rType, "type", string(repository.SecretTypeSync), "node_auth|sync|api")
	rotate.Flags().StringVar(&rNode, "node", "", "Instance id del edge (vacío = global)")
	rotate.Flags().StringVar(&rReason, "reason", string(repository.ReasonManual), "manual|scheduled|compromise")

	compromise := &cobra.Command{
		Use:   "compromise <secret-id>",
		Short: "Marca un secreto como comprometido (terminal)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withCore(cmd.Context(), func(core *app.Core) error {
				if err := core.Secrets.MarkCompromised(cmd.Context(), args[0], cliActor); err != nil {
					return err
				}
				c.print(map[string]any{"ok": true, "id": args[0]}, func() { fmt.Println("ok") })
				return nil
			})
		},
	}

	chain := &cobra.Command{
		Use:   "chain <secret-id>",
		Short: "Muestra la cadena de rotación hasta el secreto inicial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withCore(cmd.Context(), func(core *app.Core) error {
				out, err := core.Secrets.RotationChain(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				c.print(out, func() {
					table("ID\tSTATUS\tREASON\tACTIVATED\tDEACTIVATED", func(w *tabwriter.Writer) {
						for _, s := range out {
							fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Status, s.RotationReason, fmtTime(s.ActivatedAt), fmtTime(s.DeactivatedAt))
						}
					})
				})
				return nil
			})
		},
	}

	genMaster := &cobra.Command{
		Use:   "gen-master",
		Short: "Genera una master key nueva (base64, 32 bytes)",
		// no necesita config
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := secretbox.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(k)
			return nil
		},
	}

	cmd.AddCommand(list, rotate, compromise, chain, genMaster)
	return cmd
}

// ─── nodes ───

func (c *cli) nodesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "nodes", Short: "Edge nodes registrados"}
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "Lista nodos",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withCore(cmd.Context(), func(core *app.Core) error {
				out, err := core.Registry.List(cmd.Context(), repository.NodeStatus(status))
				if err != nil {
					return err
				}
				c.print(out, func() {
					table("INSTANCE\tSERVER\tGEO\tSTATUS\tONLINE\tLAST SEEN\tQUEUE\tVERSION", func(w *tabwriter.Writer) {
						for _, n := range out {
							fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%d\t%s\n",
								n.InstanceID, n.ServerID, n.GeoID, n.Status, core.Registry.IsOnline(n), fmtTime(n.LastSeen), n.SyncQueueSize, n.Version)
						}
					})
				})
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "active|inactive|maintenance|spare|error")
	cmd.AddCommand(list)
	return cmd
}

// ─── token ───

func (c *cli) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Registration tokens"}
	var (
		serverID, geoID string
		ttl             time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Emite un token para registrar un edge",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverID == "" || geoID == "" {
				return fmt.Errorf("--server-id y --geo-id son requeridos")
			}
			iss, err := app.NewTokenIssuer(c.cfg, nil)
			if err != nil {
				return err
			}
			tok, exp, err := iss.Issue(serverID, geoID, ttl)
			if err != nil {
				return err
			}
			c.print(map[string]any{"token": tok, "expires_at": exp}, func() { fmt.Println(tok) })
			return nil
		},
	}
	issue.Flags().StringVar(&serverID, "server-id", "", "Server id del edge")
	issue.Flags().StringVar(&geoID, "geo-id", "", "Geo del edge")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Validez del token")
	cmd.AddCommand(issue)
	return cmd
}

// ─── outbox (edge) ───

func (c *cli) withOutbox(ctx context.Context, fn func(*outbox.Store) error) error {
	db, ob, err := app.OpenEdgeStore(ctx, c.cfg, app.Deps{Logger: logger.Named("cli")})
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ob)
}

func (c *cli) outboxCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Cola de salida del edge"}

	depth := &cobra.Command{
		Use:   "depth",
		Short: "Filas por estado",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withOutbox(cmd.Context(), func(ob *outbox.Store) error {
				d, err := ob.Depth(cmd.Context())
				if err != nil {
					return err
				}
				c.print(d, func() {
					table("STATUS\tROWS", func(w *tabwriter.Writer) {
						for _, s := range outbox.Statuses {
							fmt.Fprintf(w, "%s\t%d\n", s, d[s])
						}
					})
				})
				return nil
			})
		},
	}

	var limit int
	dead := &cobra.Command{
		Use:   "dead",
		Short: "Lista filas dead",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withOutbox(cmd.Context(), func(ob *outbox.Store) error {
				out, err := ob.ListDead(cmd.Context(), limit)
				if err != nil {
					return err
				}
				c.print(out, func() {
					table("ID\tOP\tENTITY\tENTITY ID\tRETRIES\tERROR", func(w *tabwriter.Writer) {
						for _, e := range out {
							fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", e.ID, e.Operation, e.Entity, e.EntityID, e.Retries, e.Error)
						}
					})
				})
				return nil
			})
		},
	}
	dead.Flags().IntVar(&limit, "limit", 50, "Máximo de filas")

	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Devuelve una fila dead o failed a pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("id inválido %q", args[0])
			}
			return c.withOutbox(cmd.Context(), func(ob *outbox.Store) error {
				if err := ob.Retry(cmd.Context(), id); err != nil {
					return err
				}
				c.print(map[string]any{"ok": true, "id": id}, func() { fmt.Println("ok") })
				return nil
			})
		},
	}

	cmd.AddCommand(depth, dead, retry)
	return cmd
}
