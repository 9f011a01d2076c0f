package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"workflowmgr/internal/app"
	"workflowmgr/internal/config"
	"workflowmgr/internal/db"
	"workflowmgr/internal/domain"
	"workflowmgr/internal/engine"
	"workflowmgr/internal/engine/auth"
	"workflowmgr/internal/logging"
	"workflowmgr/internal/migrate"
	"workflowmgr/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wf",
	Short: "Workflow Manager CLI",
	Long: `Workflow Manager tracks project work on a four-stage board.
- Workflow: a project owned by one user, shared with members.
- Roles: owner, project_manager, developer, viewer. Owners and project managers manage members;
  everyone but viewers creates and advances tasks; anyone with access comments.
- Tasks move report -> in_reflexion -> in_progress -> done, one step at a time.
- Invites: inviting an unknown address mails a single-use link; registering with it joins the workflow.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config", "", "config file (default ./workflowmgr.yml)")
	rootCmd.PersistentFlags().String("db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().String("as", "", "email of the acting user")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(inviteCmd())
}

// loadConfig reads the config file, then applies WF_* env and flag overrides.
// Without a config file and without a secret override, sessions are signed
// with a random secret that lives as long as the process; ephemeral reports
// that case.
func loadConfig() (cfg *config.Config, ephemeral bool, err error) {
	if p := viper.GetString("config"); p != "" {
		cfg, err = config.FromFile(p)
	} else {
		cfg, err = config.LoadOptional(".")
	}
	if err != nil {
		return nil, false, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if v := viper.GetString("db"); v != "" {
		cfg.Database.Path = v
	}
	if v := viper.GetString("auth.secret"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := viper.GetString("server.origin"); v != "" {
		cfg.Server.Origin = v
	}
	if v := viper.GetString("mail.host"); v != "" {
		cfg.Mail.Host = v
	}
	if v := viper.GetString("mail.username"); v != "" {
		cfg.Mail.Username = v
	}
	if v := viper.GetString("mail.password"); v != "" {
		cfg.Mail.Password = v
	}
	if v := viper.GetString("log.level"); v != "" {
		cfg.Log.Level = v
	}
	if cfg.Auth.Secret == "" {
		cfg.Auth.Secret = config.NewSecret()
		ephemeral = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return cfg, ephemeral, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, ephemeral, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return err
	}
	defer logger.Sync()
	if ephemeral {
		logger.Warn("auth.secret not configured; using a random per-process secret, sessions end when the process exits",
			zap.String("hint", "run `wf config init` or set WF_AUTH_SECRET"))
	}
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withActor runs fn as the user named by --as.
func withActor(ctx context.Context, fn func(context.Context, engine.Engine, domain.User) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		actor, err := a.ResolveActor(ctx, viper.GetString("as"))
		if err != nil {
			return err
		}
		return fn(ctx, a.Engine, actor)
	})
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Logger:   a.Logger,
					Metrics:  a.Metrics,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Bool("mail_relay", a.Config.Mail.Enabled()),
				)
				fmt.Printf("Serving Workflow Manager API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Path: cfg.Database.Path})
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx := cmd.Context()
			if err := migrate.Migrate(ctx, conn); err != nil {
				return err
			}
			v, err := migrate.Version(ctx, conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"version": v})
			}
			fmt.Printf("schema at version %d\n", v)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config with a fresh signing secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(".")
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(config.NewSecret())), 0o600); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ephemeral, err := loadConfig()
			if viper.GetBool("json") {
				res := map[string]any{"valid": err == nil}
				if err != nil {
					res["error"] = err.Error()
				}
				if ephemeral {
					res["warning"] = "auth.secret not configured"
				}
				if perr := printJSON(res); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			if ephemeral {
				fmt.Println("config ok (auth.secret not configured; a random secret is used per process)")
				return nil
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}
	user.AddCommand(userRegisterCmd())
	user.AddCommand(userListCmd())
	return user
}

func userRegisterCmd() *cobra.Command {
	var opts engine.RegisterOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Password == "" {
				opts.Password = os.Getenv("WF_PASSWORD")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Register(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("registered %s (%s)\n", res.Profile.Email, res.Profile.ID)
				if res.InviteRedeemed {
					fmt.Printf("joined workflow %s as %s\n", res.WorkflowID, res.Member.Role)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Email, "email", "", "email address")
	cmd.Flags().StringVar(&opts.Password, "password", "", "password (or WF_PASSWORD)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.InviteToken, "invite", "", "invite token to redeem")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				profiles, err := a.Repo.ListProfiles(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(profiles)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Email", "Name", "Created"})
				for _, p := range profiles {
					tw.AppendRow(table.Row{p.ID, p.Email, p.Name, p.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflows",
	}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	return wf
}

func workflowCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow owned by the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				w, err := e.CreateWorkflow(ctx, actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("created workflow %s (%s)\n", w.Name, w.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "workflow name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func workflowListCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows the acting user owns or belongs to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				items, err := e.ListWorkflows(ctx, actor, query)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Members", "Created"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Name, auth.ResolveRole(w, actor.ID), len(w.Members), w.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "case-insensitive name filter")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow with its members and board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				view, err := e.GetWorkflow(ctx, actor, args[0])
				if err != nil {
					return err
				}
				tasks, err := e.ListTasks(ctx, actor, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"workflow": view, "tasks": tasks})
				}
				fmt.Printf("%s (%s)\nowner: %s\nyour role: %s\n\n", view.Workflow.Name, view.Workflow.ID, view.OwnerName, view.Role)
				mt := newTable()
				mt.SetTitle("Members")
				mt.AppendHeader(table.Row{"UID", "Email", "Name", "Role"})
				for _, m := range view.Workflow.Members {
					mt.AppendRow(table.Row{m.UID, m.Email, m.Name, m.Role})
				}
				mt.Render()
				fmt.Println()
				renderBoard(tasks)
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskAdvanceCmd())
	task.AddCommand(taskCommentCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task in the report stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				t, err := e.CreateTask(ctx, actor, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("created task %s (%s)\n", t.Title, t.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.WorkflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "task description")
	cmd.Flags().StringVar(&opts.AssignedTo, "assign", "", "assignee uid (default: you)")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var workflowID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks of a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				tasks, err := e.ListTasks(ctx, actor, workflowID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Comments"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.AssignedTo, len(t.Comments)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func taskAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <id>",
		Short: "Move a task to the next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				t, err := e.AdvanceTask(ctx, actor, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("%s is now %s\n", t.Title, t.Status)
				return nil
			})
		},
	}
}

func taskCommentCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "comment <id>",
		Short: "Comment on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				t, err := e.AddComment(ctx, actor, args[0], text)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t.Comments)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"When", "Who", "Text"})
				for _, c := range t.Comments {
					tw.AppendRow(table.Row{c.Timestamp.Format(time.RFC3339), c.UserName, c.Text})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "comment text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func memberCmd() *cobra.Command {
	member := &cobra.Command{
		Use:   "member",
		Short: "Manage workflow members",
	}
	member.AddCommand(memberInviteCmd())
	member.AddCommand(memberRoleCmd())
	member.AddCommand(memberRemoveCmd())
	return member
}

func memberInviteCmd() *cobra.Command {
	var workflowID, email, role string
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Add a registered user or mail an invitation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				res, err := e.InviteMember(ctx, actor, workflowID, email, domain.Role(role))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch res.Outcome {
				case engine.OutcomeAddedDirectly:
					fmt.Printf("added %s as %s\n", res.Member.Email, res.Member.Role)
				default:
					fmt.Printf("invitation sent to %s\nlink: %s\n", email, res.Link)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&email, "email", "", "invitee email")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleDeveloper), "project_manager, developer or viewer")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func memberRoleCmd() *cobra.Command {
	var workflowID, role string
	cmd := &cobra.Command{
		Use:   "role <uid>",
		Short: "Change a member's role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				w, err := e.ChangeMemberRole(ctx, actor, workflowID, args[0], domain.Role(role))
				if err != nil {
					return err
				}
				return printMembers(w)
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&role, "role", "", "project_manager, developer or viewer")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func memberRemoveCmd() *cobra.Command {
	var workflowID string
	cmd := &cobra.Command{
		Use:   "remove <uid>",
		Short: "Remove a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				w, err := e.RemoveMember(ctx, actor, workflowID, args[0])
				if err != nil {
					return err
				}
				return printMembers(w)
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func inviteCmd() *cobra.Command {
	inv := &cobra.Command{
		Use:   "invite",
		Short: "Manage invitations",
	}
	inv.AddCommand(&cobra.Command{
		Use:   "redeem <token>",
		Short: "Join a workflow as the acting user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				r, err := e.RedeemInvite(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("joined workflow %s as %s\n", r.WorkflowID, r.Member.Role)
				return nil
			})
		},
	})
	return inv
}

// --- helpers ---

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func renderBoard(tasks []domain.Task) {
	columns := []domain.Status{domain.StatusReport, domain.StatusInReflexion, domain.StatusInProgress, domain.StatusDone}
	byStatus := map[domain.Status][]string{}
	depth := 0
	for _, t := range tasks {
		byStatus[t.Status] = append(byStatus[t.Status], t.Title)
		if n := len(byStatus[t.Status]); n > depth {
			depth = n
		}
	}
	tw := newTable()
	tw.SetTitle("Board")
	header := table.Row{}
	for _, c := range columns {
		header = append(header, c)
	}
	tw.AppendHeader(header)
	for i := 0; i < depth; i++ {
		row := table.Row{}
		for _, c := range columns {
			cell := ""
			if i < len(byStatus[c]) {
				cell = byStatus[c][i]
			}
			row = append(row, cell)
		}
		tw.AppendRow(row)
	}
	tw.Render()
}

func printMembers(w domain.Workflow) error {
	if viper.GetBool("json") {
		return printJSON(w)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"UID", "Email", "Name", "Role"})
	for _, m := range w.Members {
		tw.AppendRow(table.Row{m.UID, m.Email, m.Name, m.Role})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
