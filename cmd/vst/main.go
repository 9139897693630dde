package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"veristage/internal/app"
	"veristage/internal/config"
	"veristage/internal/db"
	"veristage/internal/domain"
	"veristage/internal/engine"
	"veristage/internal/repo"
	"veristage/internal/server"
	"veristage/internal/template"
)

var rootCmd = &cobra.Command{
	Use:   "vst",
	Short: "Veristage CLI",
	Long: `Veristage issues verification certificates for constructs by replaying
them against committed ground truth.
Core concepts:
- Workspace: your .veristage directory with the database; veristage.yml
  next to it configures the issuer, scorer, adapters and datasets.
- Template: the immutable recipe of one verification (criteria, weights,
  construct reference, datasets, resolution program).
- Theatre: one execution of a template. It moves
  DRAFT -> COMMITTED -> ACTIVE -> SETTLING -> RESOLVED -> ARCHIVED and
  never moves backwards.
- Commitment: at commit time the template, version pins and dataset
  hashes are hashed together; the receipt proves what was promised
  before any result existed.
- Certificate: the terminal artifact with per-criterion scores, the
  composite, and a tier (UNVERIFIED, BACKTESTED, PROVEN).
- Dispute: contests a construct's evidence; open disputes force the
  next certificate to UNVERIFIED.
- Event log: diary of changes, view with 'vst log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VERISTAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(theatreCmd())
	rootCmd.AddCommand(receiptCmd())
	rootCmd.AddCommand(certificateCmd())
	rootCmd.AddCommand(constructCmd())
	rootCmd.AddCommand(disputeCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var issuerID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(issuerID)), 0o644); err != nil {
				return err
			}
			e, conn, err := app.Load(workspace, issuerID)
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Printf("Initialized workspace for issuer %s (config at %s)\n", e.Config.Issuer.ID, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&issuerID, "issuer", "local-issuer", "issuer id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage verification templates",
		Long:  "Templates describe one verification: criteria and weights, the construct under test, datasets, and the resolution program. They are immutable once a theatre commits to them.",
	}
	tpl.AddCommand(templateCreateCmd())
	tpl.AddCommand(templateValidateCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	return tpl
}

func templateCreateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a template from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := templateFromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateTemplate(ctx, t, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to template JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateValidateCmd() *cobra.Command {
	var filePath string
	var datasetHashes []string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a template file and report every violation",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := templateFromFile(filePath)
			if err != nil {
				return err
			}
			hashes, err := parsePairs(datasetHashes)
			if err != nil {
				return err
			}
			violations := template.Validate(t, hashes)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": len(violations) == 0, "violations": violations})
			}
			if len(violations) == 0 {
				fmt.Println("template OK")
				return nil
			}
			for _, v := range violations {
				fmt.Printf("%s: %s\n", v.Rule, v.Message)
			}
			return fmt.Errorf("%d violation(s)", len(violations))
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to template JSON")
	cmd.Flags().StringArrayVar(&datasetHashes, "dataset-hash", []string{}, "dataset hash as id=sha256 (repeatable)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateListCmd() *cobra.Command {
	var family string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTemplates(ctx, family)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Family", "Mode", "Construct", "Certifying"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Family, t.ExecutionMode, t.Construct.ID + "@" + t.Construct.Version, t.Certifying})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&family, "family", "", "family filter")
	return cmd
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func theatreCmd() *cobra.Command {
	th := &cobra.Command{
		Use:   "theatre",
		Short: "Manage theatres",
		Long:  "A theatre is one execution of a template. Create it in DRAFT, commit the pins and dataset hashes, then run. Human resolution steps park the theatre until 'vst theatre resolve'.",
	}
	th.AddCommand(theatreCreateCmd())
	th.AddCommand(theatreCommitCmd())
	th.AddCommand(theatreRunCmd())
	th.AddCommand(theatreResolveCmd())
	th.AddCommand(theatreShowCmd())
	th.AddCommand(theatreListCmd())
	th.AddCommand(theatreScoresCmd())
	th.AddCommand(theatreArchiveCmd())
	return th
}

func theatreCreateCmd() *cobra.Command {
	var templateID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a theatre in DRAFT",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTheatre(ctx, templateID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func theatreCommitCmd() *cobra.Command {
	var pins, datasetHashes []string
	cmd := &cobra.Command{
		Use:   "commit <id>",
		Short: "Commit a theatre and print the receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pinMap, err := parsePairs(pins)
			if err != nil {
				return err
			}
			hashMap, err := parsePairs(datasetHashes)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.CommitTheatre(ctx, args[0], pinMap, hashMap, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringArrayVar(&pins, "pin", []string{}, "version pin as component=version (repeatable)")
	cmd.Flags().StringArrayVar(&datasetHashes, "dataset-hash", []string{}, "dataset hash as id=sha256 (repeatable)")
	return cmd
}

func theatreRunCmd() *cobra.Command {
	var wait bool
	var waitTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Run a committed theatre",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				done := make(chan string, 1)
				if wait {
					e.Done = func(id string) { done <- id }
				}
				t, err := e.RunTheatre(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !wait {
					return printJSONOrTable(t)
				}
				select {
				case <-done:
				case <-time.After(waitTimeout):
					return fmt.Errorf("theatre %s still running after %s", args[0], waitTimeout)
				}
				final, err := e.Repo.GetTheatre(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(final)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the run to finish or park")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 10*time.Minute, "maximum time to wait with --wait")
	return cmd
}

func theatreResolveCmd() *cobra.Command {
	var stepID, decisionJSON string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a pending human step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var decision any
			if decisionJSON != "" {
				if err := json.Unmarshal([]byte(decisionJSON), &decision); err != nil {
					return fmt.Errorf("invalid --decision-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ResolveHumanStep(ctx, args[0], stepID, decision, viper.GetString("actor-id")); err != nil {
					return err
				}
				t, err := e.Repo.GetTheatre(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&stepID, "step", "", "pending step id")
	cmd.Flags().StringVar(&decisionJSON, "decision-json", "", "decision payload JSON")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func theatreShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a theatre",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTheatre(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func theatreListCmd() *cobra.Command {
	var f repo.TheatreFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List theatres",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTheatres(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Template", "State", "Owner", "Done", "Failed"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.TemplateID, t.State, t.OwnerID, t.EpisodesDone, t.EpisodesFailed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.TemplateID, "template", "", "template filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func theatreScoresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scores <id>",
		Short: "List per-episode scores for a theatre",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scores, err := e.Repo.ListEpisodeScores(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(scores)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Episode", "Composite"})
				for _, s := range scores {
					tw.AppendRow(table.Row{s.EpisodeID, fmt.Sprintf("%.4f", s.Composite)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func theatreArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a resolved theatre",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ArchiveTheatre(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func receiptCmd() *cobra.Command {
	rec := &cobra.Command{Use: "receipt", Short: "Commitment receipts"}
	rec.AddCommand(&cobra.Command{
		Use:   "show <theatre-id>",
		Short: "Show the commitment receipt of a theatre",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Repo.GetReceipt(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	})
	return rec
}

func certificateCmd() *cobra.Command {
	cert := &cobra.Command{
		Use:   "certificate",
		Short: "Issued certificates",
	}
	cert.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCertificate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})
	cert.AddCommand(certificateListCmd())
	return cert
}

func certificateListCmd() *cobra.Command {
	var f repo.CertificateFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List certificates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCertificates(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Construct", "Version", "Tier", "Composite", "Replays", "Issued"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.ConstructID, c.ConstructVersion, c.Tier, fmt.Sprintf("%.4f", c.Composite), c.ReplayCount, c.IssuedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ConstructID, "construct", "", "construct filter")
	cmd.Flags().StringVar(&f.Tier, "tier", "", "tier filter")
	cmd.Flags().StringVar(&f.Sort, "sort", "issued", "sort order (issued, composite)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func constructCmd() *cobra.Command {
	c := &cobra.Command{Use: "construct", Short: "Construct queries"}
	c.AddCommand(constructReviewLevelCmd())
	return c
}

func constructReviewLevelCmd() *cobra.Command {
	var declared string
	cmd := &cobra.Command{
		Use:   "review-level <construct-id>",
		Short: "Effective review level given the construct's best tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				effective, err := e.ReviewLevel(ctx, args[0], declared)
				if err != nil {
					return err
				}
				out := map[string]string{
					"construct_id": args[0],
					"declared":     declared,
					"effective":    effective,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Println(effective)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&declared, "declared", "full", "declared review level")
	return cmd
}

func disputeCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dispute",
		Short: "Manage disputes",
	}
	d.AddCommand(disputeOpenCmd())
	d.AddCommand(disputeCloseCmd())
	d.AddCommand(disputeListCmd())
	return d
}

func disputeOpenCmd() *cobra.Command {
	var constructID, reason string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a dispute against a construct",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.OpenDispute(ctx, constructID, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&constructID, "construct", "", "construct id")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	_ = cmd.MarkFlagRequired("construct")
	return cmd
}

func disputeCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CloseDispute(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func disputeListCmd() *cobra.Command {
	var constructID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List disputes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDisputes(ctx, constructID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Construct", "Status", "Opened By", "Created"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.ConstructID, d.Status, d.OpenedBy, d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&constructID, "construct", "", "construct filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (open, closed)")
	return cmd
}

func keyCmd() *cobra.Command {
	k := &cobra.Command{Use: "key", Short: "API keys for the HTTP server"}
	k.AddCommand(keyMintCmd())
	k.AddCommand(keyListCmd())
	k.AddCommand(keyRevokeCmd())
	return k
}

func keyMintCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plaintext, err := e.MintAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				out := map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      plaintext,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Key %s for %s\n%s\n", key.ID, key.ActorID, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func keyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var theatreID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, theatreID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&theatreID, "theatre", "", "theatre filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, conn, err := app.Load(workspace, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("VERISTAGE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("VERISTAGE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Veristage API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	e, conn, err := app.Load(workspace, viper.GetString("actor-id"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func templateFromFile(path string) (domain.Template, error) {
	var t domain.Template
	data, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("invalid template JSON: %w", err)
	}
	return t, nil
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
