package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"batchline/internal/config"
	"batchline/internal/db"
	"batchline/internal/domain"
	"batchline/internal/engine"
	"batchline/internal/fault"
	"batchline/internal/logging"
	"batchline/internal/migrate"
	"batchline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Batchline CLI",
	Long: `Batchline tracks food production from raw material intake to shipping.
Core concepts:
- Workspace: the .batchline directory holding the plant database; site settings come from batchline.yml.
- Flow: a recipe graph; versions move DRAFT -> REVIEW -> PUBLISHED and a published graph never changes again.
- Run: one execution of a published flow, stepping 0 through 10 from intake to shipping.
- Lot: a batch of material with a type, weight and status; consuming lots into a child records genealogy.
- Buffer: a storage location that only accepts its allowed lot types, with a temperature band and capacity.
- QC: inspections and temperature readings; a violation puts the lot on HOLD and holds block the run.
- Audit: append-only record of every change, view with 'bl audit tail'.`,
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
	viper.SetEnvPrefix("BATCHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting user identifier")
	rootCmd.PersistentFlags().String("role", "OPERATOR", "acting user role (ADMIN, MANAGER, OPERATOR, AUDITOR)")
	rootCmd.PersistentFlags().String("log-mode", "off", "engine logging: off, dev or prod")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("log-mode", rootCmd.PersistentFlags().Lookup("log-mode"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(lotCmd())
	rootCmd.AddCommand(bufferCmd())
	rootCmd.AddCommand(stockCmd())
	rootCmd.AddCommand(qcCmd())
	rootCmd.AddCommand(tempCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(statusCmd())
}

func flowCmd() *cobra.Command {
	f := &cobra.Command{
		Use:   "flow",
		Short: "Manage flow definitions and versions",
		Long:  "Flows are the recipes: a graph of production steps. Editing happens on DRAFT versions; publishing freezes the graph so every run can be traced back to the exact recipe it followed.",
	}
	f.AddCommand(flowCreateCmd())
	f.AddCommand(flowListCmd())
	f.AddCommand(flowShowCmd())
	f.AddCommand(flowVersionsCmd())
	f.AddCommand(flowVersionCmd())
	f.AddCommand(flowUpdateGraphCmd())
	f.AddCommand(flowSubmitCmd())
	f.AddCommand(flowPublishCmd())
	f.AddCommand(flowForkCmd())
	f.AddCommand(flowDeleteCmd())
	return f
}

func flowCreateCmd() *cobra.Command {
	var nameHU, nameEN, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a flow with its first draft version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				def, ver, err := e.CreateFlow(ctx, engine.FlowCreateOptions{
					Name:        domain.LocalizedText{HU: nameHU, EN: nameEN},
					Description: description,
					Actor:       principal(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"flow": def, "version": ver})
			})
		},
	}
	cmd.Flags().StringVar(&nameHU, "name-hu", "", "flow name (Hungarian)")
	cmd.Flags().StringVar(&nameEN, "name-en", "", "flow name (English)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func flowListCmd() *cobra.Command {
	var limit int
	var cursorCreatedAt, cursorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				flows, err := e.ListFlows(ctx, limit, cursorCreatedAt, cursorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(flows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created By", "Created At"})
				for _, f := range flows {
					tw.AppendRow(table.Row{f.ID, flowName(f.Name), f.CreatedBy, f.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	cmd.Flags().StringVar(&cursorCreatedAt, "cursor-created-at", "", "pagination cursor (created_at)")
	cmd.Flags().StringVar(&cursorID, "cursor-id", "", "pagination cursor (id)")
	return cmd
}

func flowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <definition-id>",
		Short: "Show a flow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				def, err := e.GetFlow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(def)
			})
		},
	}
	return cmd
}

func flowVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <definition-id>",
		Short: "List versions of a flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				versions, err := e.ListVersions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(versions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Status", "Published By", "Created At"})
				for _, v := range versions {
					tw.AppendRow(table.Row{v.ID, v.VersionNum, v.Status, deref(v.PublishedBy), v.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
		Args: cobra.ExactArgs(1),
	}
	return cmd
}

func flowVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version <version-id>",
		Short: "Show one flow version with its graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ver, err := e.GetVersion(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ver)
			})
		},
	}
	return cmd
}

func flowUpdateGraphCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "update-graph <version-id>",
		Short: "Replace the graph of a draft version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var graph domain.Graph
			if err := json.Unmarshal(data, &graph); err != nil {
				return fmt.Errorf("parse graph file: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ver, err := e.UpdateGraph(ctx, args[0], graph, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(ver)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "graph JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func flowSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <version-id>",
		Short: "Submit a draft version for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ver, err := e.SubmitForReview(ctx, args[0], principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(ver)
			})
		},
	}
	return cmd
}

func flowPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <version-id>",
		Short: "Publish a reviewed version",
		Long:  "Publishing freezes the graph and deprecates the previously published version. Only MANAGER or ADMIN may publish.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ver, err := e.Publish(ctx, args[0], principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(ver)
			})
		},
	}
	return cmd
}

func flowForkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fork <definition-id>",
		Short: "Create a new draft from the latest version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ver, err := e.Fork(ctx, args[0], principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(ver)
			})
		},
	}
	return cmd
}

func flowDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <definition-id>",
		Short: "Delete a flow that was never published",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteFlow(ctx, args[0], principal()); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": args[0]})
				}
				fmt.Println("flow deleted:", args[0])
				return nil
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "run",
		Short: "Manage production runs",
		Long:  "A run executes one published flow version across steps 0-10. Runs advance one step at a time and refuse to move while a lot at the current step is on HOLD.",
	}
	r.AddCommand(runCreateCmd())
	r.AddCommand(runListCmd())
	r.AddCommand(runShowCmd())
	r.AddCommand(runStepsCmd())
	r.AddCommand(runStartCmd())
	r.AddCommand(runAdvanceCmd())
	r.AddCommand(runHoldCmd())
	r.AddCommand(runResumeCmd())
	r.AddCommand(runCompleteCmd())
	r.AddCommand(runAbortCmd())
	r.AddCommand(runArchiveCmd())
	return r
}

func runCreateCmd() *cobra.Command {
	var versionID, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run of a published flow version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = uuid.NewString()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.CreateRun(ctx, engine.RunCreateOptions{
					FlowVersionID:  versionID,
					IdempotencyKey: key,
					Actor:          principal(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&versionID, "version", "", "published flow version id")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (generated when empty)")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func runListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Status", "Step", "Flow Version", "Created At"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.Code, r.Status, r.CurrentStepIndex, r.FlowVersionID, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.FlowVersionID, "version", "", "flow version filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id|code>",
		Short: "Show a run by id or run code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var run domain.ProductionRun
				var err error
				if strings.HasPrefix(args[0], "RUN-") {
					run, err = e.GetRunByCode(ctx, args[0])
				} else {
					run, err = e.GetRun(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runStepsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps <run-id>",
		Short: "List step executions of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				steps, err := e.ListRunSteps(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Node", "Status", "Operator", "Started At", "Completed At"})
				for _, s := range steps {
					tw.AppendRow(table.Row{s.StepIndex, s.NodeID, s.Status, deref(s.OperatorID), deref(s.StartedAt), deref(s.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <run-id>",
		Short: "Start an idle run at step 0",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.StartRun(ctx, args[0], principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <run-id>",
		Short: "Advance a running run to the next step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.AdvanceRun(ctx, args[0], principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runHoldCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "hold <run-id>",
		Short: "Put a running run on hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.HoldRun(ctx, args[0], reason, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "hold reason (at least 10 characters)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func runResumeCmd() *cobra.Command {
	var resolution string
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a held run",
		Long:  "Resuming requires MANAGER or ADMIN and a resolution note explaining how the hold was cleared.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.ResumeRun(ctx, args[0], resolution, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "resolution note (at least 10 characters)")
	_ = cmd.MarkFlagRequired("resolution")
	return cmd
}

func runCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <run-id>",
		Short: "Complete a run at the final step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.CompleteRun(ctx, args[0], principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runAbortCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <run-id>",
		Short: "Abort a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.AbortRun(ctx, args[0], reason, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "abort reason (at least 10 characters)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func runArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <run-id>",
		Short: "Archive a completed or aborted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.ArchiveRun(ctx, args[0], principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func lotCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "lot",
		Short: "Manage lots and genealogy",
		Long:  "Lots are batches of material. Consuming parent lots into a child records which material went where, so any lot can be traced back to its raw inputs and forward to finished goods.",
	}
	l.AddCommand(lotCreateCmd())
	l.AddCommand(lotListCmd())
	l.AddCommand(lotShowCmd())
	l.AddCommand(lotTransitionCmd())
	l.AddCommand(lotConsumeCmd())
	l.AddCommand(lotParentsCmd())
	l.AddCommand(lotChildrenCmd())
	l.AddCommand(lotTreeCmd())
	return l
}

func lotCreateCmd() *cobra.Command {
	var code, lotType, runID string
	var step int
	var weight, temp float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.LotCreateOptions{
					Code:     code,
					Type:     lotType,
					WeightKG: weight,
					RunID:    optionalString(runID),
					Actor:    principal(),
				}
				if cmd.Flags().Changed("step") {
					opts.StepIndex = &step
				}
				if cmd.Flags().Changed("temp") {
					opts.TemperatureC = &temp
				}
				lot, err := e.CreateLot(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(lot)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "lot code")
	cmd.Flags().StringVar(&lotType, "type", "", "lot type (RAW, DEB, BULK, MIX, ...)")
	cmd.Flags().Float64Var(&weight, "weight", 0, "weight in kg")
	cmd.Flags().IntVar(&step, "step", 0, "production step index 0-10")
	cmd.Flags().Float64Var(&temp, "temp", 0, "temperature in °C")
	cmd.Flags().StringVar(&runID, "run", "", "production run id")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("weight")
	return cmd
}

func lotListCmd() *cobra.Command {
	var f repo.LotFilters
	var step int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lots",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("step") {
				f.StepIndex = &step
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lots, err := e.ListLots(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lots)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Type", "Status", "Step", "Weight kg"})
				for _, l := range lots {
					stepCol := ""
					if l.StepIndex != nil {
						stepCol = strconv.Itoa(*l.StepIndex)
					}
					tw.AppendRow(table.Row{l.ID, l.Code, l.Type, l.Status, stepCol, l.WeightKG})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "lot type filter")
	cmd.Flags().StringVar(&f.RunID, "run", "", "run filter")
	cmd.Flags().IntVar(&step, "step", 0, "step index filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func lotShowCmd() *cobra.Command {
	var byCode bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var lot domain.Lot
				var err error
				if byCode {
					lot, err = e.GetLotByCode(ctx, args[0])
				} else {
					lot, err = e.GetLot(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(lot)
			})
		},
	}
	cmd.Flags().BoolVar(&byCode, "by-code", false, "treat the argument as a lot code")
	return cmd
}

func lotTransitionCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "transition <lot-id>",
		Short: "Move a lot to a new status",
		Long:  "Statuses follow CREATED -> QUARANTINE -> RELEASED -> CONSUMED/FINISHED, with HOLD and REJECTED as the quality detours. Invalid jumps are refused.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lot, err := e.TransitionLot(ctx, args[0], to, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(lot)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func lotConsumeCmd() *cobra.Command {
	var parents []string
	var childCode, childType, runID string
	var step int
	var weight float64
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume parent lots into a new child lot",
		Long:  "Marks the parents CONSUMED, creates the child and records a genealogy edge per parent. Parents must be RELEASED.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ConsumeOptions{
				ChildCode: childCode,
				ChildType: childType,
				WeightKG:  weight,
				RunID:     optionalString(runID),
				Actor:     principal(),
			}
			for _, p := range parents {
				cp, err := parseParent(p)
				if err != nil {
					return err
				}
				opts.Parents = append(opts.Parents, cp)
			}
			if cmd.Flags().Changed("step") {
				opts.StepIndex = &step
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				child, err := e.ConsumeIntoChild(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(child)
			})
		},
	}
	cmd.Flags().StringArrayVar(&parents, "parent", []string{}, "parent as lot-id:quantity-kg (repeatable)")
	cmd.Flags().StringVar(&childCode, "code", "", "child lot code")
	cmd.Flags().StringVar(&childType, "type", "", "child lot type")
	cmd.Flags().Float64Var(&weight, "weight", 0, "child weight in kg")
	cmd.Flags().IntVar(&step, "step", 0, "production step index 0-10")
	cmd.Flags().StringVar(&runID, "run", "", "production run id")
	_ = cmd.MarkFlagRequired("parent")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("weight")
	return cmd
}

func lotParentsCmd() *cobra.Command {
	var depth int
	var byCode bool
	cmd := &cobra.Command{
		Use:   "parents <lot-id>",
		Short: "Trace a lot backward to its inputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveLotID(ctx, e, args[0], byCode)
				if err != nil {
					return err
				}
				tree, err := e.LotParents(ctx, id, depth)
				if err != nil {
					return err
				}
				return printJSONOrTable(tree)
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 1, "generations to trace (1-10)")
	cmd.Flags().BoolVar(&byCode, "by-code", false, "treat the argument as a lot code")
	return cmd
}

func lotChildrenCmd() *cobra.Command {
	var depth int
	var byCode bool
	cmd := &cobra.Command{
		Use:   "children <lot-id>",
		Short: "Trace a lot forward to its products",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveLotID(ctx, e, args[0], byCode)
				if err != nil {
					return err
				}
				tree, err := e.LotChildren(ctx, id, depth)
				if err != nil {
					return err
				}
				return printJSONOrTable(tree)
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 1, "generations to trace (1-10)")
	cmd.Flags().BoolVar(&byCode, "by-code", false, "treat the argument as a lot code")
	return cmd
}

func lotTreeCmd() *cobra.Command {
	var depth int
	var byCode bool
	cmd := &cobra.Command{
		Use:   "tree <lot-id>",
		Short: "Full genealogy tree in both directions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveLotID(ctx, e, args[0], byCode)
				if err != nil {
					return err
				}
				tree, err := e.LotTree(ctx, id, depth)
				if err != nil {
					return err
				}
				return printJSONOrTable(tree)
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 3, "generations in each direction (1-5)")
	cmd.Flags().BoolVar(&byCode, "by-code", false, "treat the argument as a lot code")
	return cmd
}

func bufferCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "buffer",
		Short: "Manage storage buffers",
		Long:  "Buffers are the plant's storage locations. Each one declares which lot types it accepts and the temperature band it keeps; stock moves into a buffer are checked against both.",
	}
	b.AddCommand(bufferCreateCmd())
	b.AddCommand(bufferUpdateCmd())
	b.AddCommand(bufferListCmd())
	b.AddCommand(bufferShowCmd())
	b.AddCommand(bufferSummaryCmd())
	b.AddCommand(bufferSeedCmd())
	return b
}

func bufferCreateCmd() *cobra.Command {
	var code, bufferType string
	var allow []string
	var capacity, tempMin, tempMax float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a buffer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				buf, err := e.CreateBuffer(ctx, engine.BufferCreateOptions{
					Code:            code,
					Type:            bufferType,
					AllowedLotTypes: allow,
					CapacityKG:      capacity,
					TempMinC:        tempMin,
					TempMaxC:        tempMax,
					Actor:           principal(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(buf)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "buffer code")
	cmd.Flags().StringVar(&bufferType, "type", "", "buffer type (LK, MIX, SKW15, SKW30, FRZ, PAL)")
	cmd.Flags().StringArrayVar(&allow, "allow", []string{}, "allowed lot type (repeatable)")
	cmd.Flags().Float64Var(&capacity, "capacity", 0, "capacity in kg")
	cmd.Flags().Float64Var(&tempMin, "temp-min", 0, "temperature band lower bound in °C")
	cmd.Flags().Float64Var(&tempMax, "temp-max", 0, "temperature band upper bound in °C")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("allow")
	_ = cmd.MarkFlagRequired("capacity")
	_ = cmd.MarkFlagRequired("temp-min")
	_ = cmd.MarkFlagRequired("temp-max")
	return cmd
}

func bufferUpdateCmd() *cobra.Command {
	var allow []string
	var capacity, tempMin, tempMax float64
	var active bool
	cmd := &cobra.Command{
		Use:   "update <buffer-id>",
		Short: "Update a buffer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.BufferUpdateOptions{Actor: principal()}
			if cmd.Flags().Changed("allow") {
				opts.AllowedLotTypes = allow
			}
			if cmd.Flags().Changed("capacity") {
				opts.CapacityKG = &capacity
			}
			if cmd.Flags().Changed("temp-min") {
				opts.TempMinC = &tempMin
			}
			if cmd.Flags().Changed("temp-max") {
				opts.TempMaxC = &tempMax
			}
			if cmd.Flags().Changed("active") {
				opts.Active = &active
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				buf, err := e.UpdateBuffer(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(buf)
			})
		},
	}
	cmd.Flags().StringArrayVar(&allow, "allow", []string{}, "allowed lot type (repeatable, replaces the list)")
	cmd.Flags().Float64Var(&capacity, "capacity", 0, "capacity in kg")
	cmd.Flags().Float64Var(&tempMin, "temp-min", 0, "temperature band lower bound in °C")
	cmd.Flags().Float64Var(&tempMax, "temp-max", 0, "temperature band upper bound in °C")
	cmd.Flags().BoolVar(&active, "active", true, "whether the buffer accepts stock")
	return cmd
}

func bufferListCmd() *cobra.Command {
	var f repo.BufferFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List buffers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				buffers, err := e.ListBuffers(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(buffers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Type", "Allowed", "Capacity kg", "Band °C", "Active"})
				for _, b := range buffers {
					band := fmt.Sprintf("%g..%g", b.TempMinC, b.TempMaxC)
					tw.AppendRow(table.Row{b.ID, b.Code, b.Type, strings.Join(b.AllowedLotTypes, ","), b.CapacityKG, band, b.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "buffer type filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active-only", false, "only active buffers")
	return cmd
}

func bufferShowCmd() *cobra.Command {
	var byCode bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a buffer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var buf domain.Buffer
				var err error
				if byCode {
					buf, err = e.GetBufferByCode(ctx, args[0])
				} else {
					buf, err = e.GetBuffer(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(buf)
			})
		},
	}
	cmd.Flags().BoolVar(&byCode, "by-code", false, "treat the argument as a buffer code")
	return cmd
}

func bufferSummaryCmd() *cobra.Command {
	var bufferType string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show stored quantity per active buffer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sums, err := e.BufferSummaries(ctx, bufferType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sums)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Type", "Stored kg", "Items", "Capacity kg"})
				for _, s := range sums {
					tw.AppendRow(table.Row{s.Buffer.Code, s.Buffer.Type, s.QuantityKG, s.ItemCount, s.Buffer.CapacityKG})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&bufferType, "type", "", "buffer type filter")
	return cmd
}

func bufferSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the default plant buffers",
		Long:  "Creates the standard storage set: cold store, mixing, smoking, freezing and palletizing buffers. Codes that already exist are left alone.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				defaults := []engine.BufferCreateOptions{
					{Code: "LK-001", Type: "LK", AllowedLotTypes: []string{"DEB", "BULK"}, CapacityKG: 1000, TempMinC: 1, TempMaxC: 4},
					{Code: "MIX-001", Type: "MIX", AllowedLotTypes: []string{"MIX"}, CapacityKG: 500, TempMinC: 2, TempMaxC: 4},
					{Code: "SKW15-001", Type: "SKW15", AllowedLotTypes: []string{"SKW15"}, CapacityKG: 300, TempMinC: 2, TempMaxC: 4},
					{Code: "SKW30-001", Type: "SKW30", AllowedLotTypes: []string{"SKW30"}, CapacityKG: 300, TempMinC: 2, TempMaxC: 4},
					{Code: "FRZ-001", Type: "FRZ", AllowedLotTypes: []string{"FRZ15", "FRZ30"}, CapacityKG: 800, TempMinC: -25, TempMaxC: -18},
					{Code: "PAL-001", Type: "PAL", AllowedLotTypes: []string{"PAL"}, CapacityKG: 2000, TempMinC: -22, TempMaxC: -18},
				}
				var created []string
				for _, opts := range defaults {
					opts.Actor = principal()
					if _, err := e.CreateBuffer(ctx, opts); err != nil {
						if fault.IsKind(err, fault.KindConflict) {
							continue
						}
						return err
					}
					created = append(created, opts.Code)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"created": created})
				}
				if len(created) == 0 {
					fmt.Println("all default buffers already exist")
					return nil
				}
				fmt.Println("created buffers:", strings.Join(created, ", "))
				return nil
			})
		},
	}
	return cmd
}

func stockCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "stock",
		Short: "Move and inspect stock",
		Long:  "Stock moves are idempotent: retry a move with the same key and you get the original result instead of a double booking.",
	}
	s.AddCommand(stockReceiveCmd())
	s.AddCommand(stockTransferCmd())
	s.AddCommand(stockConsumeCmd())
	s.AddCommand(stockShipCmd())
	s.AddCommand(stockItemsCmd())
	s.AddCommand(stockMovesCmd())
	return s
}

func stockReceiveCmd() *cobra.Command {
	var lotID, toBuffer, runID, key string
	var qty float64
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive a lot into a buffer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = uuid.NewString()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				mv, err := e.MoveStock(ctx, engine.MoveStockOptions{
					LotID:          lotID,
					ToBufferID:     optionalString(toBuffer),
					QuantityKG:     qty,
					MoveType:       domain.MoveReceive,
					RunID:          optionalString(runID),
					IdempotencyKey: key,
					Actor:          principal(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(mv)
			})
		},
	}
	cmd.Flags().StringVar(&lotID, "lot", "", "lot id")
	cmd.Flags().StringVar(&toBuffer, "to", "", "destination buffer id")
	cmd.Flags().Float64Var(&qty, "qty", 0, "quantity in kg")
	cmd.Flags().StringVar(&runID, "run", "", "production run id")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (generated when empty)")
	_ = cmd.MarkFlagRequired("lot")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("qty")
	return cmd
}

func stockTransferCmd() *cobra.Command {
	var lotID, fromBuffer, toBuffer, runID, key string
	var qty float64
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Transfer a lot between buffers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = uuid.NewString()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				mv, err := e.MoveStock(ctx, engine.MoveStockOptions{
					LotID:          lotID,
					FromBufferID:   optionalString(fromBuffer),
					ToBufferID:     optionalString(toBuffer),
					QuantityKG:     qty,
					MoveType:       domain.MoveTransfer,
					RunID:          optionalString(runID),
					IdempotencyKey: key,
					Actor:          principal(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(mv)
			})
		},
	}
	cmd.Flags().StringVar(&lotID, "lot", "", "lot id")
	cmd.Flags().StringVar(&fromBuffer, "from", "", "source buffer id")
	cmd.Flags().StringVar(&toBuffer, "to", "", "destination buffer id")
	cmd.Flags().Float64Var(&qty, "qty", 0, "quantity in kg")
	cmd.Flags().StringVar(&runID, "run", "", "production run id")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (generated when empty)")
	_ = cmd.MarkFlagRequired("lot")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("qty")
	return cmd
}

func stockConsumeCmd() *cobra.Command {
	var lotID, fromBuffer, runID, key string
	var qty float64
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Take a lot out of a buffer for production",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = uuid.NewString()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				mv, err := e.MoveStock(ctx, engine.MoveStockOptions{
					LotID:          lotID,
					FromBufferID:   optionalString(fromBuffer),
					QuantityKG:     qty,
					MoveType:       domain.MoveConsume,
					RunID:          optionalString(runID),
					IdempotencyKey: key,
					Actor:          principal(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(mv)
			})
		},
	}
	cmd.Flags().StringVar(&lotID, "lot", "", "lot id")
	cmd.Flags().StringVar(&fromBuffer, "from", "", "source buffer id")
	cmd.Flags().Float64Var(&qty, "qty", 0, "quantity in kg")
	cmd.Flags().StringVar(&runID, "run", "", "production run id")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (generated when empty)")
	_ = cmd.MarkFlagRequired("lot")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("qty")
	return cmd
}

func stockShipCmd() *cobra.Command {
	var lotID, fromBuffer, key string
	var qty float64
	cmd := &cobra.Command{
		Use:   "ship",
		Short: "Ship a lot out of a buffer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = uuid.NewString()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				mv, err := e.MoveStock(ctx, engine.MoveStockOptions{
					LotID:          lotID,
					FromBufferID:   optionalString(fromBuffer),
					QuantityKG:     qty,
					MoveType:       domain.MoveShip,
					IdempotencyKey: key,
					Actor:          principal(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(mv)
			})
		},
	}
	cmd.Flags().StringVar(&lotID, "lot", "", "lot id")
	cmd.Flags().StringVar(&fromBuffer, "from", "", "source buffer id")
	cmd.Flags().Float64Var(&qty, "qty", 0, "quantity in kg")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (generated when empty)")
	_ = cmd.MarkFlagRequired("lot")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("qty")
	return cmd
}

func stockItemsCmd() *cobra.Command {
	var f repo.ItemFilters
	cmd := &cobra.Command{
		Use:   "items",
		Short: "List inventory items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListInventory(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Lot", "Buffer", "Run", "Qty kg", "Entered", "Exited"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.LotID, it.BufferID, deref(it.RunID), it.QuantityKG, it.EnteredAt, deref(it.ExitedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.LotID, "lot", "", "lot filter")
	cmd.Flags().StringVar(&f.BufferID, "buffer", "", "buffer filter")
	cmd.Flags().StringVar(&f.RunID, "run", "", "run filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active-only", false, "only items still in the buffer")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max results")
	return cmd
}

func stockMovesCmd() *cobra.Command {
	var f repo.MoveFilters
	cmd := &cobra.Command{
		Use:   "moves",
		Short: "List stock moves",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				moves, err := e.ListStockMoves(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(moves)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Lot", "From", "To", "Qty kg", "By", "At"})
				for _, m := range moves {
					tw.AppendRow(table.Row{m.MoveType, m.LotID, deref(m.FromBufferID), deref(m.ToBufferID), m.QuantityKG, m.MovedBy, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.LotID, "lot", "", "lot filter")
	cmd.Flags().StringVar(&f.BufferID, "buffer", "", "buffer filter (source or destination)")
	cmd.Flags().StringVar(&f.MoveType, "type", "", "move type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max results")
	return cmd
}

func qcCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "qc",
		Short: "Record and inspect quality checks",
		Long:  "QC inspections carry a decision (PASS, HOLD, FAIL) that feeds straight back into the lot status. HOLD and FAIL require notes so the reason survives the shift change.",
	}
	q.AddCommand(qcRecordCmd())
	q.AddCommand(qcListCmd())
	q.AddCommand(qcShowCmd())
	return q
}

func qcRecordCmd() *cobra.Command {
	var lotID, runID, inspectionType, decision, notes, key string
	var step int
	var ccp bool
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record an inspection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = uuid.NewString()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				insp, err := e.RecordInspection(ctx, engine.InspectionOptions{
					LotID:          lotID,
					RunID:          runID,
					StepIndex:      step,
					InspectionType: inspectionType,
					IsCCP:          ccp,
					Decision:       decision,
					Notes:          optionalString(notes),
					IdempotencyKey: key,
					Actor:          principal(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(insp)
			})
		},
	}
	cmd.Flags().StringVar(&lotID, "lot", "", "lot id")
	cmd.Flags().StringVar(&runID, "run", "", "production run id")
	cmd.Flags().IntVar(&step, "step", 0, "production step index 0-10")
	cmd.Flags().StringVar(&inspectionType, "type", "", "inspection type (VISUAL, TEMPERATURE, WEIGHT, ...)")
	cmd.Flags().BoolVar(&ccp, "ccp", false, "mark as a critical control point check")
	cmd.Flags().StringVar(&decision, "decision", "", "PASS, HOLD or FAIL")
	cmd.Flags().StringVar(&notes, "notes", "", "inspection notes")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (generated when empty)")
	_ = cmd.MarkFlagRequired("lot")
	_ = cmd.MarkFlagRequired("run")
	_ = cmd.MarkFlagRequired("step")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func qcListCmd() *cobra.Command {
	var f repo.InspectionFilters
	var step int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List inspections",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("step") {
				f.StepIndex = &step
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inspections, err := e.ListInspections(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(inspections)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Lot", "Step", "Type", "Decision", "CCP", "Inspector", "At"})
				for _, i := range inspections {
					tw.AppendRow(table.Row{i.ID, i.LotID, i.StepIndex, i.InspectionType, i.Decision, i.IsCCP, i.InspectorID, i.InspectedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.LotID, "lot", "", "lot filter")
	cmd.Flags().StringVar(&f.RunID, "run", "", "run filter")
	cmd.Flags().IntVar(&step, "step", 0, "step index filter")
	cmd.Flags().StringVar(&f.Decision, "decision", "", "decision filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func qcShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <inspection-id>",
		Short: "Show an inspection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				insp, err := e.GetInspection(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(insp)
			})
		},
	}
	return cmd
}

func tempCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "temp",
		Short: "Record and inspect temperature readings",
		Long:  "Readings above 4°C on a surface probe or above -18°C in the core or ambient air are violations; a violating reading on a lot puts it on HOLD immediately.",
	}
	t.AddCommand(tempRecordCmd())
	t.AddCommand(tempListCmd())
	return t
}

func tempRecordCmd() *cobra.Command {
	var lotID, bufferID, inspectionID, measurementType string
	var celsius float64
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a temperature reading",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tl, err := e.RecordTemperature(ctx, engine.TemperatureOptions{
					LotID:           optionalString(lotID),
					BufferID:        optionalString(bufferID),
					InspectionID:    optionalString(inspectionID),
					TemperatureC:    celsius,
					MeasurementType: measurementType,
					Actor:           principal(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(tl)
			})
		},
	}
	cmd.Flags().StringVar(&lotID, "lot", "", "lot id")
	cmd.Flags().StringVar(&bufferID, "buffer", "", "buffer id")
	cmd.Flags().StringVar(&inspectionID, "inspection", "", "inspection id")
	cmd.Flags().Float64Var(&celsius, "celsius", 0, "temperature in °C")
	cmd.Flags().StringVar(&measurementType, "type", "CORE", "measurement type (CORE, SURFACE, AMBIENT)")
	_ = cmd.MarkFlagRequired("celsius")
	return cmd
}

func tempListCmd() *cobra.Command {
	var f repo.TemperatureFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List temperature readings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logs, err := e.ListTemperatureLogs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Lot", "Buffer", "°C", "Type", "Violation", "By", "At"})
				for _, l := range logs {
					tw.AppendRow(table.Row{deref(l.LotID), deref(l.BufferID), l.TemperatureC, l.MeasurementType, l.IsViolation, l.RecordedBy, l.RecordedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.LotID, "lot", "", "lot filter")
	cmd.Flags().StringVar(&f.BufferID, "buffer", "", "buffer filter")
	cmd.Flags().StringVar(&f.InspectionID, "inspection", "", "inspection filter")
	cmd.Flags().BoolVar(&f.ViolationsOnly, "violations", false, "only violating readings")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max results")
	return cmd
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "audit",
		Short: "Audit log",
		Long:  "The append-only record of everything that happened: who did what, to which entity, with the state before and after.",
	}
	a.AddCommand(auditTailCmd())
	a.AddCommand(auditTrailCmd())
	a.AddCommand(auditShowCmd())
	return a
}

func auditTailCmd() *cobra.Command {
	var n int
	var before int64
	var eventType, entityType, entityID, userID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Latest audit events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestAuditEventsFrom(ctx, n, before, eventType, entityType, entityID, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&before, "before", 0, "only events with id below this")
	cmd.Flags().StringVar(&eventType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	cmd.Flags().StringVar(&userID, "user", "", "user filter")
	return cmd
}

func auditTrailCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "trail <entity-type> <entity-id>",
		Short: "Chronological history of one entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.AuditEventsAfter(ctx, n, after, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 100, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events with id above this")
	return cmd
}

func auditShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show one audit event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("event id must be a number: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				event, err := e.Repo.GetAuditEvent(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(event)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect site configuration",
		Long:  "Configuration lives in batchline.yml: the plant site code, the inventory capacity policy (advisory or reject) and the QC notes minimum. Without the file, built-in defaults apply.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate batchline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var site string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default batchline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			content := config.GenerateDefault(strings.ToUpper(site))
			if _, err := config.FromYAML([]byte(content)); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&site, "site", "DUNA", "4-letter site code")
	return cmd
}

func migrateCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"version": v})
			}
			fmt.Println("schema version:", v)
			return nil
		},
	}
	m.AddCommand(migrateStatusCmd())
	return m
}

func migrateStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show schema version and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			pending, err := migrate.Pending(conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"version": v, "pending": pending})
			}
			fmt.Println("schema version:", v)
			if len(pending) == 0 {
				fmt.Println("migrations: up to date")
				return nil
			}
			for _, name := range pending {
				fmt.Println("pending:", name)
			}
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show plant status",
		Long:  "The floor at a glance: site, runs in motion and lot counts by status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountLotsByStatus(ctx)
				if err != nil {
					return err
				}
				running, err := e.ListRuns(ctx, repo.RunFilters{Status: domain.RunRunning})
				if err != nil {
					return err
				}
				held, err := e.ListRuns(ctx, repo.RunFilters{Status: domain.RunHold})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"site":         e.Config.Plant.SiteCode,
						"runs_running": len(running),
						"runs_on_hold": len(held),
						"lot_counts":   counts,
					})
				}
				fmt.Printf("Site: %s\n", e.Config.Plant.SiteCode)
				fmt.Printf("Runs: %d running, %d on hold\n", len(running), len(held))
				fmt.Println("Lots:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("DUNA")
	}
	log, err := cliLogger()
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, log)
	return fn(ctx, e)
}

func cliLogger() (*zap.SugaredLogger, error) {
	switch mode := viper.GetString("log-mode"); mode {
	case "", "off":
		return logging.Nop(), nil
	default:
		return logging.New(mode)
	}
}

func principal() domain.Principal {
	return domain.Principal{ID: viper.GetString("actor-id"), Role: viper.GetString("role")}
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

func parseParent(s string) (engine.ConsumeParent, error) {
	id, qty, ok := strings.Cut(s, ":")
	if !ok {
		return engine.ConsumeParent{}, fmt.Errorf("parent %q must be lot-id:quantity-kg", s)
	}
	q, err := strconv.ParseFloat(qty, 64)
	if err != nil {
		return engine.ConsumeParent{}, fmt.Errorf("parent %q has a bad quantity: %w", s, err)
	}
	return engine.ConsumeParent{LotID: id, QuantityKG: q}, nil
}

func resolveLotID(ctx context.Context, e engine.Engine, arg string, byCode bool) (string, error) {
	if !byCode {
		return arg, nil
	}
	lot, err := e.GetLotByCode(ctx, arg)
	if err != nil {
		return "", err
	}
	return lot.ID, nil
}

func flowName(n domain.LocalizedText) string {
	if n.HU != "" {
		return n.HU
	}
	return n.EN
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
