package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trustline/internal/config"
	"trustline/internal/db"
	"trustline/internal/domain"
	"trustline/internal/engine"
	"trustline/internal/migrate"
	"trustline/internal/repo"
	"trustline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Trustline CLI",
	Long: `Trustline runs a community's claim and trust ledger.
Admins publish tasks with verification criteria and incentive points.
Members claim tasks with proofs; peers review; approved claims earn
trust score, and score crossings promote members through the ranks.
Every state change lands in an append-only event log ('tl log tail').`,
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
	viper.SetEnvPrefix("TRUSTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the workspace database and seed settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SeedSettings(ctx, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("workspace initialized:", db.Path(viper.GetString("workspace")))
				return nil
			})
		},
	}
}

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Manage members"}
	cmd.AddCommand(memberRegisterCmd())
	cmd.AddCommand(memberListCmd())
	cmd.AddCommand(memberShowCmd())
	cmd.AddCommand(memberPromoteCmd())
	return cmd
}

func memberRegisterCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a member",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RegisterMember(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrValue(m)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "member id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func memberListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				members, err := e.ListMembers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Trust Score"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.ID, m.DisplayName, m.Role, m.TrustScore})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func memberShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <member-id>",
		Short: "Show a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetMember(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrValue(m)
			})
		},
	}
}

func memberPromoteCmd() *cobra.Command {
	var role, reason string
	cmd := &cobra.Command{
		Use:   "promote <member-id>",
		Short: "Promote a member to a role (admin override)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.PromoteMember(ctx, viper.GetString("actor-id"), args[0], domain.Role(role), reason)
				if err != nil {
					return err
				}
				return printJSONOrValue(m)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "target role (contributor, steward, guardian)")
	cmd.Flags().StringVar(&reason, "reason", "", "override reason for the audit trail")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func missionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mission", Short: "Manage missions"}
	cmd.AddCommand(missionCreateCmd())
	cmd.AddCommand(missionListCmd())
	return cmd
}

func missionCreateCmd() *cobra.Command {
	var id, title, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMission(ctx, id, title, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrValue(m)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "mission id")
	cmd.Flags().StringVar(&title, "title", "", "mission title")
	cmd.Flags().StringVar(&desc, "description", "", "mission description")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func missionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				missions, err := e.ListMissions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title"})
				for _, m := range missions {
					tw.AppendRow(table.Row{m.ID, m.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskPublishCmd())
	return cmd
}

// parseIncentives turns dimension=points pairs into a schedule.
func parseIncentives(pairs []string) (map[domain.Dimension]int, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := map[domain.Dimension]int{}
	for _, pair := range pairs {
		dim, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("incentive %q: want dimension=points", pair)
		}
		points, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("incentive %q: %w", pair, err)
		}
		out[domain.Dimension(dim)] = points
	}
	return out, nil
}

// parseCriteria turns description[:proof-type] entries into criterion inputs.
func parseCriteria(entries []string) []engine.CriterionInput {
	var out []engine.CriterionInput
	for _, entry := range entries {
		desc, proofType, ok := strings.Cut(entry, ":")
		if !ok {
			out = append(out, engine.CriterionInput{Description: entry})
			continue
		}
		out = append(out, engine.CriterionInput{Description: desc, ProofType: proofType})
	}
	return out
}

func taskCreateCmd() *cobra.Command {
	var id, mission, title, desc, method string
	var maxCompletions int
	var incentives, criteria []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Draft a task",
		Example: `  tl task create --mission onboarding --title "Write an intro" \
    --criterion "post an introduction:text" \
    --incentive participation=25 --incentive collaboration=10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			schedule, err := parseIncentives(incentives)
			if err != nil {
				return err
			}
			opts := engine.TaskCreateOptions{
				ID:                 id,
				MissionID:          mission,
				Title:              title,
				Description:        desc,
				VerificationMethod: method,
				Criteria:           parseCriteria(criteria),
				Incentives:         schedule,
				ActorID:            viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("max-completions") {
				opts.MaxCompletions = &maxCompletions
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrValue(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&mission, "mission", "", "mission id")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "task description")
	cmd.Flags().StringVar(&method, "verification", "peer_review", "auto_approve, peer_review or admin_review")
	cmd.Flags().IntVar(&maxCompletions, "max-completions", 0, "limit on non-rejected claims")
	cmd.Flags().StringArrayVar(&criteria, "criterion", nil, "criterion as description[:proof-type]")
	cmd.Flags().StringArrayVar(&incentives, "incentive", nil, "incentive as dimension=points")
	_ = cmd.MarkFlagRequired("mission")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Mission", "Title", "State", "Verification", "Points"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.MissionID, t.Title, t.State, t.VerificationMethod, t.TotalPoints()})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.MissionID, "mission", "", "mission filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with criteria and incentives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrValue(t)
			})
		},
	}
}

func taskPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <task-id>",
		Short: "Publish a draft task (freezes its definition)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.PublishTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrValue(t)
			})
		},
	}
}

func claimCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "claim", Short: "Submit and track claims"}
	cmd.AddCommand(claimSubmitCmd())
	cmd.AddCommand(claimListCmd())
	cmd.AddCommand(claimShowCmd())
	cmd.AddCommand(claimResubmitCmd())
	return cmd
}

// parseProofs turns criterion-id=value pairs into proof inputs. Text proofs
// carry the value inline; artifact proofs use artifact-id:content-hash.
func parseProofs(textPairs, artifactPairs []string) ([]engine.ProofInput, error) {
	var out []engine.ProofInput
	for _, pair := range textPairs {
		criterionID, text, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("proof %q: want criterion-id=text", pair)
		}
		out = append(out, engine.ProofInput{CriterionID: criterionID, Kind: "text", Text: text})
	}
	for _, pair := range artifactPairs {
		criterionID, ref, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("artifact %q: want criterion-id=artifact-id:content-hash", pair)
		}
		artifactID, hash, ok := strings.Cut(ref, ":")
		if !ok {
			return nil, fmt.Errorf("artifact %q: want criterion-id=artifact-id:content-hash", pair)
		}
		out = append(out, engine.ProofInput{CriterionID: criterionID, Kind: "artifact", ArtifactID: artifactID, ContentHash: hash})
	}
	return out, nil
}

func claimSubmitCmd() *cobra.Command {
	var taskID, memberID string
	var textProofs, artifactProofs []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Claim a task with one proof per criterion",
		RunE: func(cmd *cobra.Command, args []string) error {
			proofs, err := parseProofs(textProofs, artifactProofs)
			if err != nil {
				return err
			}
			if memberID == "" {
				memberID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SubmitClaim(ctx, engine.SubmitOptions{
					MemberID: memberID,
					TaskID:   taskID,
					Proofs:   proofs,
					ActorID:  memberID,
				})
				if err != nil {
					return err
				}
				return printJSONOrValue(res)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&memberID, "member", "", "claiming member (defaults to actor-id)")
	cmd.Flags().StringArrayVar(&textProofs, "proof", nil, "text proof as criterion-id=text")
	cmd.Flags().StringArrayVar(&artifactProofs, "artifact", nil, "artifact proof as criterion-id=artifact-id:content-hash")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func claimListCmd() *cobra.Command {
	var f repo.ClaimFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				claims, err := e.ListClaims(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(claims)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Member", "Task", "Status", "Reviewer", "Revisions"})
				for _, c := range claims {
					reviewer := ""
					if c.ReviewerID != nil {
						reviewer = *c.ReviewerID
					}
					tw.AppendRow(table.Row{c.ID, c.MemberID, c.TaskID, c.Status, reviewer, c.RevisionCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.MemberID, "member", "", "member filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ReviewerID, "reviewer", "", "reviewer filter")
	return cmd
}

func claimShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <claim-id>",
		Short: "Show a claim with its proofs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetClaim(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrValue(c)
			})
		},
	}
}

func claimResubmitCmd() *cobra.Command {
	var memberID string
	var textProofs, artifactProofs []string
	cmd := &cobra.Command{
		Use:   "resubmit <claim-id>",
		Short: "Resubmit a claim after a revision request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proofs, err := parseProofs(textProofs, artifactProofs)
			if err != nil {
				return err
			}
			if memberID == "" {
				memberID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ResubmitClaim(ctx, args[0], memberID, proofs, memberID)
				if err != nil {
					return err
				}
				return printJSONOrValue(c)
			})
		},
	}
	cmd.Flags().StringVar(&memberID, "member", "", "claim owner (defaults to actor-id)")
	cmd.Flags().StringArrayVar(&textProofs, "proof", nil, "text proof as criterion-id=text")
	cmd.Flags().StringArrayVar(&artifactProofs, "artifact", nil, "artifact proof as criterion-id=artifact-id:content-hash")
	return cmd
}

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "review", Short: "Review claims"}
	cmd.AddCommand(reviewAssignCmd())
	cmd.AddCommand(reviewApproveCmd())
	cmd.AddCommand(reviewRejectCmd())
	cmd.AddCommand(reviewReviseCmd())
	cmd.AddCommand(reviewReleaseCmd())
	cmd.AddCommand(reviewSweepCmd())
	return cmd
}

func reviewerFlag(cmd *cobra.Command, reviewer *string) {
	cmd.Flags().StringVar(reviewer, "reviewer", "", "reviewer id (defaults to actor-id)")
}

func resolveReviewer(reviewer string) string {
	if reviewer != "" {
		return reviewer
	}
	return viper.GetString("actor-id")
}

func reviewAssignCmd() *cobra.Command {
	var reviewer string
	cmd := &cobra.Command{
		Use:   "assign <claim-id>",
		Short: "Take a submitted claim for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AssignReviewer(ctx, args[0], resolveReviewer(reviewer))
				if err != nil {
					return err
				}
				return printJSONOrValue(c)
			})
		},
	}
	reviewerFlag(cmd, &reviewer)
	return cmd
}

func reviewApproveCmd() *cobra.Command {
	var reviewer, feedback string
	cmd := &cobra.Command{
		Use:   "approve <claim-id>",
		Short: "Approve a claim and award its points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApproveClaim(ctx, args[0], resolveReviewer(reviewer), feedback)
				if err != nil {
					return err
				}
				return printJSONOrValue(res)
			})
		},
	}
	reviewerFlag(cmd, &reviewer)
	cmd.Flags().StringVar(&feedback, "feedback", "", "optional approval feedback")
	return cmd
}

func reviewRejectCmd() *cobra.Command {
	var reviewer, feedback string
	cmd := &cobra.Command{
		Use:   "reject <claim-id>",
		Short: "Reject a claim (feedback required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.RejectClaim(ctx, args[0], resolveReviewer(reviewer), feedback)
				if err != nil {
					return err
				}
				return printJSONOrValue(c)
			})
		},
	}
	reviewerFlag(cmd, &reviewer)
	cmd.Flags().StringVar(&feedback, "feedback", "", "rejection feedback")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func reviewReviseCmd() *cobra.Command {
	var reviewer, feedback string
	cmd := &cobra.Command{
		Use:   "revise <claim-id>",
		Short: "Send a claim back for revision (feedback required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.RequestRevision(ctx, args[0], resolveReviewer(reviewer), feedback)
				if err != nil {
					return err
				}
				return printJSONOrValue(c)
			})
		},
	}
	reviewerFlag(cmd, &reviewer)
	cmd.Flags().StringVar(&feedback, "feedback", "", "revision feedback")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func reviewReleaseCmd() *cobra.Command {
	var reviewer, reason string
	cmd := &cobra.Command{
		Use:   "release <claim-id>",
		Short: "Hand an assigned claim back to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ReleaseClaim(ctx, args[0], resolveReviewer(reviewer), reason)
				if err != nil {
					return err
				}
				return printJSONOrValue(c)
			})
		},
	}
	reviewerFlag(cmd, &reviewer)
	cmd.Flags().StringVar(&reason, "reason", "", "optional release reason")
	return cmd
}

func reviewSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release claims stuck under review past the timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				released, err := e.ReleaseOrphanedClaims(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if len(released) == 0 {
					fmt.Println("no orphaned claims")
					return nil
				}
				return printJSONOrValue(released)
			})
		},
	}
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "score", Short: "Trust score derivation"}
	cmd.AddCommand(scoreShowCmd())
	cmd.AddCommand(scoreDriftCmd())
	cmd.AddCommand(scoreRecalcCmd())
	return cmd
}

func scoreShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <member-id>",
		Short: "Derived score with per-dimension breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				score, err := e.TrustScore(ctx, args[0])
				if err != nil {
					return err
				}
				breakdown, err := e.IncentiveBreakdown(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrValue(map[string]any{
					"member_id": args[0],
					"score":     score,
					"breakdown": breakdown,
				})
			})
		},
	}
}

func scoreDriftCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drift <member-id>",
		Short: "Compare the cached score against the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.DetectCacheDrift(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrValue(report)
			})
		},
	}
}

func scoreRecalcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recalculate <member-id>",
		Short: "Repair the cached score from the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.RecalculateScore(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrValue(report)
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Versioned settings"}
	cmd.AddCommand(configListCmd())
	cmd.AddCommand(configGetCmd())
	cmd.AddCommand(configSetCmd())
	return cmd
}

func configListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				settings, err := e.ListSettings(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(settings)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Value", "Updated"})
				for _, s := range settings {
					tw.AppendRow(table.Row{s.Key, s.Value, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetSetting(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrValue(s)
			})
		},
	}
}

func configSetCmd() *cobra.Command {
	var desc string
	cmd := &cobra.Command{
		Use:   "set <key> <json-value>",
		Short: "Update a setting (logged to the ledger)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SetSetting(ctx, viper.GetString("actor-id"), args[0], json.RawMessage(args[1]), desc)
				if err != nil {
					return err
				}
				return printJSONOrValue(s)
			})
		},
	}
	cmd.Flags().StringVar(&desc, "description", "", "setting description")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event ledger",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var limit int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest ledger events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.EventLog(ctx, limit, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if err := e.SeedSettings(cmd.Context(), viper.GetString("actor-id")); err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TRUSTLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TRUSTLINE_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Trustline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSONOrValue(v any) error {
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
