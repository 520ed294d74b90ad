package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"packline/internal/config"
	"packline/internal/db"
	"packline/internal/domain"
	"packline/internal/engine"
	"packline/internal/migrate"
	"packline/internal/repo"
	"packline/internal/server"
	"packline/internal/storage"
	"packline/internal/tool"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Packline CLI",
	Long: `Packline modifies packaged application archives without paying for a full
unpack on every change. An uploaded archive is unpacked once into an
immutable cache; each modification task copies the cache into a private
workspace, applies its rules in order and repackages the result.
- Artifact: one uploaded archive plus its cached unpacked tree.
- Task: one ordered list of text/binary rules run against a workspace copy.
- Rules: 'text' replaces pattern occurrences (optionally regex), 'binary'
  swaps a file's content for a base64 payload.
- Event log: diary of uploads, task runs, and deletions ('pl log tail').`,
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
	viper.SetEnvPrefix("PACKLINE")
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
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default packline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(workspace)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func artifactCmd() *cobra.Command {
	art := &cobra.Command{
		Use:   "artifact",
		Short: "Manage artifacts",
		Long:  "An artifact is one uploaded archive plus its cached unpacked tree. Import unpacks immediately; every later task reuses the cache.",
	}
	art.AddCommand(artifactImportCmd())
	art.AddCommand(artifactListCmd())
	art.AddCommand(artifactShowCmd())
	art.AddCommand(artifactFilesCmd())
	art.AddCommand(artifactCatCmd())
	art.AddCommand(artifactDeleteCmd())
	return art
}

func artifactImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an archive and build its cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.UploadArtifact(ctx, filepath.Base(filePath), content, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to the archive")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func artifactListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListArtifacts(ctx)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByArtifact(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Filename", "Size", "Cache", "Tasks", "Created"})
				for _, a := range items {
					t.AppendRow(table.Row{a.ID, a.Filename, a.Size, a.CacheStatus, counts[a.ID], a.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func artifactShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <artifact-id>",
		Short: "Show an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.Repo.GetArtifact(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func artifactFilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files <artifact-id>",
		Short: "List the cached unpacked tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entry, err := e.OpenCache(ctx, args[0])
				if err != nil {
					return err
				}
				nodes, err := entry.ListFiles()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nodes)
				}
				for i, n := range nodes {
					printFileTree(n, "", i == len(nodes)-1)
				}
				return nil
			})
		},
	}
	return cmd
}

func artifactCatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cat <artifact-id> <path>",
		Short: "Print one cached file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entry, err := e.OpenCache(ctx, args[0])
				if err != nil {
					return err
				}
				data, err := entry.ReadFile(args[1])
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(data)
				return err
			})
		},
	}
	return cmd
}

func artifactDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <artifact-id>",
		Short: "Delete an artifact and everything derived from it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteArtifact(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "A task applies an ordered list of rules to a private copy of an artifact's cache, then repackages the result. Statuses go pending -> processing -> completed/failed.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var artifactID, rulesFile, rulesJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and run a task",
		Long:  "Reads the rules as a JSON array, runs the task to completion and prints the terminal task. Rules come from --rules-file or inline --rules.",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(rulesJSON)
			if rulesFile != "" {
				var err error
				raw, err = os.ReadFile(rulesFile)
				if err != nil {
					return err
				}
			}
			if len(raw) == 0 {
				return fmt.Errorf("--rules-file or --rules required")
			}
			var rules []domain.Rule
			if err := json.Unmarshal(raw, &rules); err != nil {
				return fmt.Errorf("parse rules: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.CreateTask(ctx, artifactID, rules, viper.GetString("actor-id"))
				if err != nil {
					var verr *engine.RuleValidationError
					if errors.As(err, &verr) {
						for _, ve := range verr.Errors {
							fmt.Fprintf(os.Stderr, "rule %d %s: %s\n", ve.RuleIndex, ve.Field, ve.Message)
						}
					}
					return err
				}
				// Without a running server the task executed inline; show
				// the terminal state.
				final, err := e.Repo.GetTask(ctx, t.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(final)
			})
		},
	}
	cmd.Flags().StringVar(&artifactID, "artifact", "", "artifact id")
	cmd.Flags().StringVar(&rulesFile, "rules-file", "", "path to a JSON rules array")
	cmd.Flags().StringVar(&rulesJSON, "rules", "", "inline JSON rules array")
	_ = cmd.MarkFlagRequired("artifact")
	return cmd
}

func taskListCmd() *cobra.Command {
	var artifactID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an artifact's tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListTasksByArtifact(ctx, artifactID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Status", "Created", "Completed"})
				for _, s := range items {
					completed := ""
					if s.CompletedAt != nil {
						completed = *s.CompletedAt
					}
					t.AppendRow(table.Row{s.ID, s.Status, s.CreatedAt, completed})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&artifactID, "artifact", "", "artifact id")
	_ = cmd.MarkFlagRequired("artifact")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its rule results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.New().String() + uuid.New().String()
				k := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				fmt.Printf("API key for %s (store it now, it is not saved): %s\n", actor, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Issue bearer tokens"}
	tok.AddCommand(tokenIssueCmd())
	return tok
}

func tokenIssueCmd() *cobra.Command {
	var actor string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an HS256 bearer token (requires PACKLINE_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			secret := os.Getenv("PACKLINE_JWT_SECRET")
			now := time.Now()
			token, err := server.IssueToken(secret, actor, jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			})
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "subject actor id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: uploads, cache builds, task runs, deletions.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
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
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			store, err := storage.New(cfg.Storage.DataDir)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, store, tool.CmdRunner{Bin: cfg.Tool.Bin})
			if err := e.Start(cmd.Context()); err != nil {
				return err
			}
			defer e.Stop()

			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PACKLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				authCfg.AllowAnonymous = true
				fmt.Println("WARNING: PACKLINE_JWT_SECRET not set; requests run as the local actor")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: cfg.Server.BasePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Packline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	store, err := storage.New(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, store, tool.CmdRunner{Bin: cfg.Tool.Bin})
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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

func printFileTree(n domain.FileNode, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	name := n.Name
	if n.IsDirectory {
		name += "/"
	}
	fmt.Printf("%s%s%s\n", prefix, connector, name)
	for i, c := range n.Children {
		printFileTree(c, newPrefix, i == len(n.Children)-1)
	}
}
