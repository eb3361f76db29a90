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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/repo"
	"stageline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline tracks construction projects through approval-gated stages.
Core concepts:
- Workspace: the .stageline directory holding the database; project config lives in the DB and is imported from stageline.yml.
- Project: a construction project owning phases, stages, and the event log.
- Phases: ordered groups of stages (design, permitting, construction).
- Stages: units of work with a lifecycle (not_started -> in_progress -> completed). A stage that requires approval only completes through an approved request; asking for completion early parks it in awaiting_approval.
- Rounds: revision cycles on a stage. Documents, notes, and approvals are tagged with their round; deleting a round renumbers later rounds so numbering stays contiguous.
- Approvals: sign-off requests per stage round. Approving one completes the stage; rejecting leaves it waiting.
- Event log: diary of changes, view with 'sl log tail'.`,
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
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(roundCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(noteCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rbacCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
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
				return printJSONOrTable(items)
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
			if id == "" {
				return fmt.Errorf("--id required")
			}
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
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
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
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var status string
	var description string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				var descPtr *string
				if cmd.Flags().Changed("description") {
					descPtr = &description
				}
				if err := e.Repo.UpdateProject(ctx, target, status, descPtr); err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (active, paused, archived)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				return e.Repo.DeleteProject(ctx, target)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "STAGELINE_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set STAGELINE_PROJECT=%s in %s/.env\n", projectID, workspace)
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
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
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
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
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
		Short: "Show project status",
		Long:  "A scoreboard for the project: phases with their stage counts and anything waiting on approval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := e.Config.Project.ID
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				phases, err := e.Repo.ListPhases(ctx, projectID)
				if err != nil {
					return err
				}
				type phaseSummary struct {
					ID      string         `json:"id"`
					Name    string         `json:"name"`
					Status  string         `json:"status"`
					Stages  map[string]int `json:"stages"`
					Waiting []string       `json:"awaiting_approval,omitempty"`
				}
				var summaries []phaseSummary
				for _, ph := range phases {
					stages, err := e.Repo.ListStages(ctx, ph.ID)
					if err != nil {
						return err
					}
					ps := phaseSummary{ID: ph.ID, Name: ph.Name, Status: ph.Status, Stages: map[string]int{}}
					for _, s := range stages {
						ps.Stages[s.Status]++
						if s.Status == engine.StatusAwaitingApproval {
							ps.Waiting = append(ps.Waiting, s.Name)
						}
					}
					summaries = append(summaries, ps)
				}
				out := map[string]any{
					"project_id": p.ID,
					"status":     p.Status,
					"phases":     summaries,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				for _, ps := range summaries {
					fmt.Printf("Phase %s [%s]\n", ps.Name, ps.Status)
					for status, c := range ps.Stages {
						fmt.Printf("  %s: %d\n", status, c)
					}
					for _, name := range ps.Waiting {
						fmt.Printf("  awaiting approval: %s\n", name)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func phaseCmd() *cobra.Command {
	phase := &cobra.Command{
		Use:   "phase",
		Short: "Manage phases",
		Long:  "Phases group stages in order: design before permitting before construction.",
	}
	phase.AddCommand(phaseCreateCmd())
	phase.AddCommand(phaseListCmd())
	return phase
}

func phaseCreateCmd() *cobra.Command {
	var opts engine.PhaseCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				p, err := e.CreatePhase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "phase id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "phase name")
	cmd.Flags().IntVar(&opts.Sequence, "sequence", 0, "ordering within the project")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func phaseListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				phases, err := e.Repo.ListPhases(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(phases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Seq", "Status"})
				for _, p := range phases {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Sequence, p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func stageCmd() *cobra.Command {
	stage := &cobra.Command{
		Use:   "stage",
		Short: "Manage stages",
		Long:  "Stages are units of work inside a phase. A stage that requires approval only completes through an approved request for its current round.",
	}
	stage.AddCommand(stageCreateCmd())
	stage.AddCommand(stageListCmd())
	stage.AddCommand(stageGetCmd())
	stage.AddCommand(stageSetStatusCmd())
	stage.AddCommand(stageApprovalStatusCmd())
	return stage
}

func stageCreateCmd() *cobra.Command {
	var opts engine.StageCreateOptions
	var requiresApproval, allowsRounds bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("requires-approval") {
				opts.RequiresApproval = &requiresApproval
			}
			if cmd.Flags().Changed("allows-rounds") {
				opts.AllowsRounds = &allowsRounds
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateStage(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "stage id (generated when empty)")
	cmd.Flags().StringVar(&opts.PhaseID, "phase", "", "phase id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "stage name")
	cmd.Flags().StringVar(&opts.Template, "template", "", "stage template from the config catalog")
	cmd.Flags().BoolVar(&requiresApproval, "requires-approval", false, "override template approval flag")
	cmd.Flags().BoolVar(&allowsRounds, "allows-rounds", false, "override template rounds flag")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func stageListCmd() *cobra.Command {
	var phaseID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stages in a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if phaseID == "" {
				return fmt.Errorf("--phase required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stages, err := e.Repo.ListStages(ctx, phaseID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Round", "Approval", "Rounds"})
				for _, s := range stages {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Status, s.CurrentRound, yesNo(s.RequiresApproval), yesNo(s.AllowsRounds)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id")
	return cmd
}

func stageGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func stageSetStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Change a stage's status",
		Long:  "Requesting completed on an approval-gated stage without an approved request parks it in awaiting_approval instead.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--status required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SetStageStatus(ctx, args[0], status, false, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Stage %s: %s\n", res.Stage.ID, res.Stage.Status)
				if res.RequiresApproval {
					if res.ApprovalTriggered {
						fmt.Println("Approval required: request one with 'sl approval request'.")
					} else {
						fmt.Println("Approval required: a request for this round is already unresolved.")
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "not_started, in_progress, awaiting_approval, completed, on_hold")
	return cmd
}

func stageApprovalStatusCmd() *cobra.Command {
	var round int
	cmd := &cobra.Command{
		Use:   "approval-status <id>",
		Short: "Show the approval status for a stage round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStage(ctx, args[0])
				if err != nil {
					return err
				}
				r := round
				if r == 0 {
					r = s.CurrentRound
				}
				status, err := e.RoundApprovalStatus(ctx, s.ID, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"stage_id": s.ID,
					"round":    r,
					"status":   status,
				})
			})
		},
	}
	cmd.Flags().IntVar(&round, "round", 0, "round number (defaults to current)")
	return cmd
}

func approvalCmd() *cobra.Command {
	appr := &cobra.Command{
		Use:   "approval",
		Short: "Manage stage approvals",
		Long:  "Approvals are sign-off requests per stage round. Approving one completes the stage.",
	}
	appr.AddCommand(approvalRequestCmd())
	appr.AddCommand(approvalApproveCmd())
	appr.AddCommand(approvalRejectCmd())
	appr.AddCommand(approvalListCmd())
	return appr
}

func approvalRequestCmd() *cobra.Command {
	var stageID, assignedTo, notes string
	var round int
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request approval for a stage round",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stageID == "" || assignedTo == "" {
				return fmt.Errorf("--stage and --assigned-to required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RequestApproval(ctx, stageID, round, assignedTo, notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().IntVar(&round, "round", 0, "round number (defaults to current)")
	cmd.Flags().StringVar(&assignedTo, "assigned-to", "", "approver actor id")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the approver")
	return cmd
}

func approvalApproveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending request and complete the stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Approve(ctx, args[0], notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func approvalRejectCmd() *cobra.Command {
	var notes string
	var needsRevision bool
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Reject(ctx, args[0], notes, needsRevision, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	cmd.Flags().BoolVar(&needsRevision, "needs-revision", false, "mark as revision_required instead of rejected")
	return cmd
}

func approvalListCmd() *cobra.Command {
	var stageID string
	var round int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals for a stage round",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stageID == "" {
				return fmt.Errorf("--stage required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStage(ctx, stageID)
				if err != nil {
					return err
				}
				r := round
				if r == 0 {
					r = s.CurrentRound
				}
				items, err := e.Repo.FindApprovalsByStageAndRound(ctx, s.ID, r)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Round", "Status", "Assigned To", "Requested At"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.RoundNumber, a.Status, a.AssignedTo, a.RequestedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().IntVar(&round, "round", 0, "round number (defaults to current)")
	return cmd
}

func roundCmd() *cobra.Command {
	round := &cobra.Command{
		Use:   "round",
		Short: "Manage stage rounds",
		Long:  "Rounds are revision cycles. Starting one bumps the stage's current round; deleting one removes its content and renumbers later rounds.",
	}
	round.AddCommand(roundStartCmd())
	round.AddCommand(roundDeleteCmd())
	round.AddCommand(roundContentCmd())
	return round
}

func roundStartCmd() *cobra.Command {
	var stageID string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new round on a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stageID == "" {
				return fmt.Errorf("--stage required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.StartNewRound(ctx, stageID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Stage %s is now on round %d\n", s.ID, s.CurrentRound)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	return cmd
}

func roundDeleteCmd() *cobra.Command {
	var stageID string
	var round int
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a round and renumber later rounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stageID == "" || round == 0 {
				return fmt.Errorf("--stage and --round required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if e.RoundHasContent(ctx, stageID, round) && !viper.GetBool("force") {
					return fmt.Errorf("round %d has documents or notes; re-run with --force to delete them", round)
				}
				res, err := e.DeleteRound(ctx, stageID, round, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Deleted round %d; stage %s is now on round %d\n", round, res.Stage.ID, res.Stage.CurrentRound)
				for _, w := range res.Warnings {
					fmt.Println("warning:", w)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().IntVar(&round, "round", 0, "round number")
	return cmd
}

func roundContentCmd() *cobra.Command {
	var stageID string
	var round int
	cmd := &cobra.Command{
		Use:   "content",
		Short: "Check whether a round has documents or notes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stageID == "" || round == 0 {
				return fmt.Errorf("--stage and --round required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				has := e.RoundHasContent(ctx, stageID, round)
				return printJSONOrTable(map[string]any{
					"stage_id":    stageID,
					"round":       round,
					"has_content": has,
				})
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().IntVar(&round, "round", 0, "round number")
	return cmd
}

func docCmd() *cobra.Command {
	doc := &cobra.Command{Use: "doc", Short: "Manage stage documents"}
	doc.AddCommand(docAddCmd())
	doc.AddCommand(docListCmd())
	return doc
}

func docAddCmd() *cobra.Command {
	var stageID, title, fileRef string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Attach a document to a stage's current round",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stageID == "" || title == "" {
				return fmt.Errorf("--stage and --title required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.AddDocument(ctx, stageID, title, fileRef, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().StringVar(&title, "title", "", "document title")
	cmd.Flags().StringVar(&fileRef, "file", "", "file reference (path or URL)")
	return cmd
}

func docListCmd() *cobra.Command {
	var stageID string
	var round int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents for a stage round",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stageID == "" {
				return fmt.Errorf("--stage required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStage(ctx, stageID)
				if err != nil {
					return err
				}
				r := round
				if r == 0 {
					r = s.CurrentRound
				}
				items, err := e.Docs.ListByStageAndRound(ctx, s.ID, r)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Round", "Title", "Uploaded By"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.RoundNumber, d.Title, d.UploadedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().IntVar(&round, "round", 0, "round number (defaults to current)")
	return cmd
}

func noteCmd() *cobra.Command {
	note := &cobra.Command{Use: "note", Short: "Manage stage discussion notes"}
	note.AddCommand(noteAddCmd())
	note.AddCommand(noteListCmd())
	return note
}

func noteAddCmd() *cobra.Command {
	var stageID, body string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a note to a stage's current round",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stageID == "" || body == "" {
				return fmt.Errorf("--stage and --body required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.AddNote(ctx, stageID, body, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().StringVar(&body, "body", "", "note text")
	return cmd
}

func noteListCmd() *cobra.Command {
	var stageID string
	var round int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notes for a stage round",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stageID == "" {
				return fmt.Errorf("--stage required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStage(ctx, stageID)
				if err != nil {
					return err
				}
				r := round
				if r == 0 {
					r = s.CurrentRound
				}
				items, err := e.Notes.ListByStageAndRound(ctx, s.ID, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().IntVar(&round, "round", 0, "round number (defaults to current)")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, 0, e.Config.Project.ID, evtType, entityKind, entityID)
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

func rbacCmd() *cobra.Command {
	rbac := &cobra.Command{Use: "rbac", Short: "Manage roles and permissions"}
	rbac.AddCommand(rbacWhoAmICmd())
	rbac.AddCommand(rbacGrantCmd())
	rbac.AddCommand(rbacRevokeCmd())
	rbac.AddCommand(rbacBootstrapCmd())
	return rbac
}

func rbacWhoAmICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the current actor's roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, e.Config.Project.ID, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, e.Config.Project.ID, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacBootstrapCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Bootstrap an actor role without RBAC checks (dev only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			projectID := strings.TrimSpace(viper.GetString("project"))
			if projectID == "" {
				return fmt.Errorf("project not specified; use --project or set STAGELINE_PROJECT (sl project use <id>)")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetProject(ctx, projectID); err != nil {
					return err
				}
				cfg, cfgErr := r.GetProjectConfig(ctx, projectID)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if cfgErr == nil && cfg != nil {
					if roleDef, ok := cfg.RBAC.Roles[role]; ok {
						if err := r.InsertRole(ctx, tx, role, roleDef.Description); err != nil {
							return err
						}
						for _, perm := range roleDef.Permissions {
							if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
								return err
							}
							if err := r.AddRolePermission(ctx, tx, role, perm); err != nil {
								return err
							}
						}
					} else {
						if err := r.InsertRole(ctx, tx, role, ""); err != nil {
							return err
						}
					}
				} else {
					if err := r.InsertRole(ctx, tx, role, ""); err != nil {
						return err
					}
				}
				if err := r.EnsureActor(ctx, tx, target, time.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				if err := r.AssignProjectRole(ctx, tx, projectID, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), r, workspace, viper.GetString("project"))
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("STAGELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				fmt.Println("STAGELINE_JWT_SECRET not set; running in local mode (requests act as local-user)")
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
			fmt.Printf("Serving Stageline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, r, workspace, viper.GetString("project"))
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
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

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
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
