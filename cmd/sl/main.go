package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
	"stageline/internal/pipeline"
	"stageline/internal/repo"
	"stageline/internal/server"
	"stageline/internal/stage"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline drives delivery projects through a staged pipeline with an autopilot.
Core concepts:
- Workspace: your .stageline directory holding only the database; configs live in the DB and are imported explicitly.
- Project: one delivery engagement moving onboarding -> assignment -> build -> test -> defect_validation -> complete.
- Contract: the read-only snapshot of collaborator inputs (onboarding form, team assignments, template selection) that every gate decision is computed from.
- Gates: per-stage readiness rules; a stage is ready, blocked (with reasons), or awaiting_approval when a human must sign off.
- Autopilot: dispatches the next stage's job automatically; conditional mode asks humans at approval gates, full mode only stops at unconditional ones.
- Safety interlocks: a throttle between dispatches, a circuit breaker after repeated failures, and a pause when the next stage is ambiguous.
- Rework loop: failed defect validation sends the project back to build, at most defect_cycle_cap times before it parks in needs_review.
- Event log: diary of every decision, view with 'sl log tail'.`,
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
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(autopilotCmd())
	rootCmd.AddCommand(onboardingCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(outputCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectUseCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Stage", "Autopilot", "Mode"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Status, p.CurrentStage, p.AutopilotEnabled, p.AutopilotMode})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := pipeline.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrIndent(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(p)
			})
		},
	}
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project and all its data",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete without --yes")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				return e.Repo.DeleteProject(ctx, e.Config.Project.ID)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <project-id>",
		Short: "Set the default project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			envPath := filepath.Join(workspace, ".env")
			if err := setEnvValue(envPath, "STAGELINE_PROJECT", args[0]); err != nil {
				return err
			}
			fmt.Printf("Default project set to %s (in %s)\n", args[0], envPath)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				return printJSONOrIndent(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrIndent(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the pipeline status",
		Long:  "The pipeline scoreboard: per-stage state, blockers, safety interlocks and pending approvals.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				st, err := e.Status(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	return cmd
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Re-evaluate all stage gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				st, err := e.Evaluate(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	return cmd
}

func advanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Run one autopilot step",
		Long:  "Evaluate the gates and, when exactly one stage is ready and no interlock holds, dispatch its job.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				st, err := e.AutoAdvance(ctx, e.Config.Project.ID, pipeline.TriggerManual, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	return cmd
}

func approveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "approve <stage>",
		Short: "Approve a pending stage gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := stage.Parse(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				st, err := e.Approve(ctx, e.Config.Project.ID, key, viper.GetString("actor-id"), comment)
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "review comment")
	return cmd
}

func rejectCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "reject <stage>",
		Short: "Reject a pending stage gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := stage.Parse(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				st, err := e.Reject(ctx, e.Config.Project.ID, key, viper.GetString("actor-id"), comment)
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "review comment")
	return cmd
}

func pauseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause autopilot dispatches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				st, err := e.Pause(ctx, e.Config.Project.ID, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "pause reason")
	return cmd
}

func resumeCmd() *cobra.Command {
	var resetFailures bool
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume autopilot",
		Long:  "Re-enables autopilot. With --reset-failures it clears the breaker counters and un-parks a needs_review project.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				st, err := e.Resume(ctx, e.Config.Project.ID, resetFailures, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	cmd.Flags().BoolVar(&resetFailures, "reset-failures", false, "clear failure counters and needs_review")
	return cmd
}

func autopilotCmd() *cobra.Command {
	var enabled bool
	var mode string
	cmd := &cobra.Command{
		Use:   "autopilot",
		Short: "Set the autopilot toggle and mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				p, err := e.SetAutopilot(ctx, e.Config.Project.ID, enabled, mode, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(p)
			})
		},
	}
	cmd.Flags().BoolVar(&enabled, "enabled", true, "autopilot enabled")
	cmd.Flags().StringVar(&mode, "mode", domain.AutopilotConditional, "off|conditional|full")
	return cmd
}

func onboardingCmd() *cobra.Command {
	ob := &cobra.Command{Use: "onboarding", Short: "Client onboarding input"}
	ob.AddCommand(onboardingSubmitCmd())
	return ob
}

func contractCmd() *cobra.Command {
	ct := &cobra.Command{Use: "contract", Short: "Project contract snapshot"}
	ct.AddCommand(contractShowCmd())
	return ct
}

func contractShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the cached contract snapshot gate evaluation reads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				snap, err := e.Contract(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(snap)
			})
		},
	}
}

func onboardingSubmitCmd() *cobra.Command {
	var fields []string
	var filePath string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Record the client onboarding submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{}
			if filePath != "" {
				data, err := os.ReadFile(filePath)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &payload); err != nil {
					return fmt.Errorf("invalid onboarding JSON: %w", err)
				}
			}
			for _, kv := range fields {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --field %q, want key=value", kv)
				}
				payload[k] = v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				b, _ := json.Marshal(payload)
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.UpsertOnboarding(ctx, repo.OnboardingSubmission{
					ProjectID: e.Config.Project.ID, Submitted: true,
					PayloadJSON: string(b), SubmittedAt: &now,
				}); err != nil {
					return err
				}
				st, err := e.Evaluate(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	cmd.Flags().StringArrayVar(&fields, "field", nil, "onboarding field key=value (repeatable)")
	cmd.Flags().StringVar(&filePath, "file", "", "path to onboarding JSON")
	return cmd
}

func assignCmd() *cobra.Command {
	as := &cobra.Command{Use: "assign", Short: "Team assignments"}
	as.AddCommand(assignSetCmd())
	as.AddCommand(assignListCmd())
	return as
}

func assignSetCmd() *cobra.Command {
	var role, actor string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Assign a project role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.UpsertAssignment(ctx, e.Config.Project.ID, role, actor, now); err != nil {
					return err
				}
				st, err := e.Evaluate(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role (consultant|builder|tester)")
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func assignListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List team assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				assignments, err := e.Repo.ListAssignments(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(assignments)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Role", "Actor"})
				for role, actor := range assignments {
					tw.AppendRow(table.Row{role, actor})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Template selection input"}
	tpl.AddCommand(templateSetCmd())
	return tpl
}

func templateSetCmd() *cobra.Command {
	var id, validation, validationErr string
	var preview bool
	var quality int
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Record the template selection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				sel := repo.TemplateSelection{
					ProjectID:        e.Config.Project.ID,
					TemplateID:       id,
					ValidationStatus: validation,
					ValidationError:  validationErr,
					PreviewReady:     preview,
					UpdatedAt:        time.Now().UTC().Format(time.RFC3339),
				}
				if cmd.Flags().Changed("quality") {
					sel.QualityScore = &quality
				}
				if err := e.Repo.UpsertTemplateSelection(ctx, sel); err != nil {
					return err
				}
				st, err := e.Evaluate(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "template id")
	cmd.Flags().StringVar(&validation, "validation", "pending", "pending|passed|failed")
	cmd.Flags().StringVar(&validationErr, "validation-error", "", "validation error message")
	cmd.Flags().BoolVar(&preview, "preview-ready", false, "client preview is ready")
	cmd.Flags().IntVar(&quality, "quality", 0, "quality score 0-100")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func outputCmd() *cobra.Command {
	out := &cobra.Command{Use: "output", Short: "Stage outputs"}
	out.AddCommand(outputSetCmd())
	return out
}

func outputSetCmd() *cobra.Command {
	var filePath string
	var quality int
	cmd := &cobra.Command{
		Use:   "set <stage>",
		Short: "Record a stage output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := stage.Parse(args[0])
			if err != nil {
				return err
			}
			payload := "{}"
			if filePath != "" {
				data, err := os.ReadFile(filePath)
				if err != nil {
					return err
				}
				if !json.Valid(data) {
					return fmt.Errorf("output file %s is not valid JSON", filePath)
				}
				payload = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				out := repo.StageOutput{
					ProjectID:  e.Config.Project.ID,
					StageKey:   key,
					OutputJSON: payload,
					UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
				}
				if cmd.Flags().Changed("quality") {
					out.QualityScore = &quality
				}
				if err := e.Repo.UpsertStageOutput(ctx, out); err != nil {
					return err
				}
				st, err := e.Evaluate(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to output JSON")
	cmd.Flags().IntVar(&quality, "quality", 0, "quality score 0-100")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Job runs"}
	job.AddCommand(jobListCmd())
	job.AddCommand(jobSucceedCmd())
	job.AddCommand(jobFailCmd())
	return job
}

func jobListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				runs, err := e.Repo.ListJobRuns(ctx, e.Config.Project.ID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Kind", "Status", "Error", "Updated"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.StageKey, r.Kind, r.Status, r.Error, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 20, "number of runs")
	return cmd
}

func jobSucceedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "succeed <job-id>",
		Short: "Report a job as succeeded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				st, err := e.OnJobSuccess(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	return cmd
}

func jobFailCmd() *cobra.Command {
	var errMsg string
	cmd := &cobra.Command{
		Use:   "fail <job-id>",
		Short: "Report a job as failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				st, err := e.OnJobFailure(ctx, args[0], errMsg, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	cmd.Flags().StringVar(&errMsg, "error", "", "failure message")
	return cmd
}

func sweepCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweeper pass over all active projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				report, err := e.RunSweeper(ctx, batch)
				if err != nil {
					return err
				}
				return printJSONOrIndent(report)
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "max projects per pass (0 = default)")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				events, err := e.Repo.ListEvents(ctx, e.Config.Project.ID, n)
				if err != nil {
					return err
				}
				if evtType != "" {
					filtered := events[:0]
					for _, evt := range events {
						if evt.Type == evtType {
							filtered = append(filtered, evt)
						}
					}
					events = filtered
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Stage", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.StageKey, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func rbacCmd() *cobra.Command {
	rb := &cobra.Command{Use: "rbac", Short: "Roles and permissions"}
	rb.AddCommand(rbacWhoamiCmd())
	rb.AddCommand(rbacGrantCmd())
	rb.AddCommand(rbacRevokeCmd())
	return rb
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the current actor and its roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				actorID := viper.GetString("actor-id")
				roles, err := e.Repo.ActorRoles(ctx, e.Config.Project.ID, actorID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"actor_id": actorID, "roles": roles})
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureActor(ctx, tx, actor, now); err != nil {
					return err
				}
				if err := e.Repo.AssignRole(ctx, tx, e.Config.Project.ID, actor, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.RevokeRole(ctx, tx, e.Config.Project.ID, actor, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP server"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				raw := "sk-" + uuid.New().String()
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureActor(ctx, tx, actor, now); err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: now,
				}
				if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				// The raw key is shown once and never stored.
				return printJSONOrIndent(map[string]any{"id": key.ID, "actor_id": actor, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e pipeline.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := pipeline.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("STAGELINE_JWT_SECRET"),
				AllowAnonymous: allowAnonymous,
			}
			if authCfg.JWTSecret == "" && !allowAnonymous {
				return fmt.Errorf("STAGELINE_JWT_SECRET is required unless --allow-anonymous is set")
			}
			handler, err := server.New(server.Config{
				Engine:     e,
				BasePath:   basePath,
				Auth:       authCfg,
				SweepEvery: time.Duration(cfg.Autopilot.SweeperSeconds) * time.Second,
				SweepBatch: cfg.Autopilot.SweeperBatch,
			})
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
			fmt.Printf("Serving Stageline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "admit unauthenticated local requests")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, pipeline.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := pipeline.New(conn, cfg)
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

func printStatus(st domain.PipelineStatus) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	fmt.Printf("Project: %s (%s)\n", st.ProjectID, st.ProjectStatus)
	fmt.Printf("Current stage: %s\n", st.CurrentStage)
	auto := "off"
	if st.AutopilotEnabled {
		auto = st.AutopilotMode
	}
	fmt.Printf("Autopilot: %s", auto)
	if st.PausedReason != "" {
		fmt.Printf(" (paused: %s)", st.PausedReason)
	}
	fmt.Println()
	if st.Safety.CircuitBreaker || st.Safety.CooldownActive || st.Safety.AmbiguousNextStage {
		var flags []string
		if st.Safety.CircuitBreaker {
			flags = append(flags, "circuit-breaker")
		}
		if st.Safety.CooldownActive {
			flags = append(flags, "cooldown")
		}
		if st.Safety.AmbiguousNextStage {
			flags = append(flags, "ambiguous-next-stage")
		}
		fmt.Printf("Safety: %s\n", strings.Join(flags, ", "))
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Stage", "Status", "Reasons"})
	for _, s := range st.Stages {
		tw.AppendRow(table.Row{s.StageKey, s.Status, strings.Join(s.BlockedReasons, "; ")})
	}
	tw.Render()
	for _, a := range st.PendingApprovals {
		fmt.Printf("Pending approval: %s (requested %s)\n", a.StageKey, a.CreatedAt)
	}
	return nil
}

func printJSONOrIndent(v any) error {
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
