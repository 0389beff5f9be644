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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"optrack/internal/app"
	"optrack/internal/config"
	"optrack/internal/db"
	"optrack/internal/domain"
	"optrack/internal/engine"
	"optrack/internal/repo"
	"optrack/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ot",
	Short: "Optrack CLI",
	Long: `Optrack follows social-housing development operations from assembly to delivery.
Concepts:
- Workspace: the .optrack directory holding the SQLite database; an optional
  optrack.yml tunes phase catalogs, status rules, blockage keywords and REM rates.
- Operation: one development (OPP, VEFA, AMO or MANDAT) with its unit mix,
  budget and responsible ACO.
- Phases: the ordered catalog instantiated at creation; validating phases
  advances the operation, markers flag late and blocked ones.
- Journal: the operation diary; entries are scanned for blockage keywords and
  a blockage entry forces the operation to blocked until resolved.
- Alerts: prioritized signals (blockage, delay, attention, validation, info)
  raised by the journal and the deriver; treat them with 'ot alert treat'.
- REM: the projected management result, recomputed from the unit mix and
  schedule drift; 'ot rem history' shows how it moved.
- Risk: a 0..100 score per operation; 'ot risk top' lists the worst.`,
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
	viper.SetEnvPrefix("OPTRACK")
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
	rootCmd.AddCommand(operationCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(alertCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(remCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(acoCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func operationCmd() *cobra.Command {
	op := &cobra.Command{
		Use:   "operation",
		Short: "Manage operations",
		Long:  "Operations are the developments themselves. Creation instantiates the phase catalog for the type; units, budget and dates feed the REM and risk computations.",
	}
	op.AddCommand(operationCreateCmd())
	op.AddCommand(operationListCmd())
	op.AddCommand(operationGetCmd())
	op.AddCommand(operationUnitsCmd())
	op.AddCommand(operationRecomputeCmd())
	return op
}

func operationCreateCmd() *cobra.Command {
	var opts engine.OperationCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				op, err := e.CreateOperation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(op)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "operation name")
	cmd.Flags().StringVar(&opts.Type, "type", "", "operation type (OPP, VEFA, AMO, MANDAT)")
	cmd.Flags().StringVar(&opts.ACO, "aco", "", "responsible party")
	cmd.Flags().StringVar(&opts.City, "city", "", "city")
	cmd.Flags().IntVar(&opts.UnitsLLS, "lls", 0, "LLS unit count")
	cmd.Flags().IntVar(&opts.UnitsLLTS, "llts", 0, "LLTS unit count")
	cmd.Flags().IntVar(&opts.UnitsPLS, "pls", 0, "PLS unit count")
	cmd.Flags().Float64Var(&opts.Budget, "budget", 0, "total budget")
	cmd.Flags().Float64Var(&opts.Grants, "grants", 0, "grant amount")
	cmd.Flags().StringVar(&opts.StartDate, "start-date", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.DeliveryDate, "delivery-date", "", "target delivery date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.StartPosition, "start-position", 0, "first catalog position to instantiate (default 1)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("aco")
	return cmd
}

func operationListCmd() *cobra.Command {
	var f repo.OperationFilters
	var byRisk bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.SortRisk = byRisk
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ops, err := e.ListOperations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ops)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Phase", "Risk", "Done%"})
				for _, op := range ops {
					tw.AppendRow(table.Row{op.ID, op.Name, op.Type, op.Status, op.CurrentPhase, fmt.Sprintf("%.0f", op.RiskScore), fmt.Sprintf("%.0f", op.CompletionPct)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ACO, "aco", "", "responsible party filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().BoolVar(&byRisk, "by-risk", false, "sort by active blockage then risk score")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func operationGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				op, err := e.GetOperation(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(op)
			})
		},
	}
	return cmd
}

func operationUnitsCmd() *cobra.Command {
	var lls, llts, pls int
	cmd := &cobra.Command{
		Use:   "units <id>",
		Short: "Update unit mix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				op, err := e.UpdateUnits(ctx, id, lls, llts, pls, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(op)
			})
		},
	}
	cmd.Flags().IntVar(&lls, "lls", 0, "LLS unit count")
	cmd.Flags().IntVar(&llts, "llts", 0, "LLTS unit count")
	cmd.Flags().IntVar(&pls, "pls", 0, "PLS unit count")
	return cmd
}

func operationRecomputeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recompute <id>",
		Short: "Recompute derived fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				op, err := e.Recompute(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(op)
			})
		},
	}
	return cmd
}

func phaseCmd() *cobra.Command {
	ph := &cobra.Command{
		Use:   "phase",
		Short: "Manage phases",
		Long:  "Phases carry the schedule. Validate them as work completes, block them when something stalls, and insert custom ones for work outside the catalog.",
	}
	ph.AddCommand(phaseListCmd())
	ph.AddCommand(phaseValidateCmd())
	ph.AddCommand(phaseBlockCmd())
	ph.AddCommand(phaseUnblockCmd())
	ph.AddCommand(phaseUpdateCmd())
	ph.AddCommand(phaseInsertCmd())
	ph.AddCommand(phaseReorderCmd())
	return ph
}

func phaseListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <operation-id>",
		Short: "List phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				phases, err := e.ListPhases(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(phases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Pos", "ID", "Name", "Domain", "Marker", "Validated"})
				for _, ph := range phases {
					tw.AppendRow(table.Row{ph.Position, ph.ID, ph.Name, ph.Domain, ph.Marker, ph.Validated})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func phaseValidateCmd() *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "validate <phase-id>",
		Short: "Validate a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			val := !undo
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ph, err := e.UpdatePhase(ctx, id, engine.PhaseUpdateOptions{Validate: &val, ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "withdraw the validation")
	return cmd
}

func phaseBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <phase-id>",
		Short: "Block a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ph, err := e.UpdatePhase(ctx, id, engine.PhaseUpdateOptions{BlockReason: &reason, ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "blockage reason")
	return cmd
}

func phaseUnblockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unblock <phase-id>",
		Short: "Clear a phase blockage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ph, err := e.UpdatePhase(ctx, id, engine.PhaseUpdateOptions{ClearBlockage: true, ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	return cmd
}

func phaseUpdateCmd() *cobra.Command {
	var plannedStart, plannedEnd, actualStart, actualEnd string
	var minDays, maxDays int
	cmd := &cobra.Command{
		Use:   "update <phase-id>",
		Short: "Update phase dates and durations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts := engine.PhaseUpdateOptions{ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("planned-start") {
				opts.PlannedStart = &plannedStart
			}
			if cmd.Flags().Changed("planned-end") {
				opts.PlannedEnd = &plannedEnd
			}
			if cmd.Flags().Changed("actual-start") {
				opts.ActualStart = &actualStart
			}
			if cmd.Flags().Changed("actual-end") {
				opts.ActualEnd = &actualEnd
			}
			if cmd.Flags().Changed("min-days") {
				opts.MinDays = &minDays
			}
			if cmd.Flags().Changed("max-days") {
				opts.MaxDays = &maxDays
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ph, err := e.UpdatePhase(ctx, id, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	cmd.Flags().StringVar(&plannedStart, "planned-start", "", "planned start (YYYY-MM-DD, empty clears)")
	cmd.Flags().StringVar(&plannedEnd, "planned-end", "", "planned end (YYYY-MM-DD, empty clears)")
	cmd.Flags().StringVar(&actualStart, "actual-start", "", "actual start (YYYY-MM-DD, empty clears)")
	cmd.Flags().StringVar(&actualEnd, "actual-end", "", "actual end (YYYY-MM-DD, empty clears)")
	cmd.Flags().IntVar(&minDays, "min-days", 0, "minimum duration in days")
	cmd.Flags().IntVar(&maxDays, "max-days", 0, "maximum duration in days")
	return cmd
}

func phaseInsertCmd() *cobra.Command {
	var opts engine.CustomPhaseOptions
	cmd := &cobra.Command{
		Use:   "insert <operation-id>",
		Short: "Insert a custom phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts.OperationID = id
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ph, err := e.InsertCustomPhase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "phase name")
	cmd.Flags().StringVar(&opts.Principal, "principal", "", "principal milestone label")
	cmd.Flags().StringVar(&opts.Domain, "domain", "operational", "phase domain (operational, legal, budgetary)")
	cmd.Flags().StringVar(&opts.Responsible, "responsible", "", "responsible")
	cmd.Flags().IntVar(&opts.Position, "position", 0, "insert position (appends when 0)")
	cmd.Flags().IntVar(&opts.MinDays, "min-days", 0, "minimum duration in days")
	cmd.Flags().IntVar(&opts.MaxDays, "max-days", 0, "maximum duration in days")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func phaseReorderCmd() *cobra.Command {
	var ids []int64
	cmd := &cobra.Command{
		Use:   "reorder <operation-id>",
		Short: "Reorder phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return fmt.Errorf("--ids required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				phases, err := e.ReorderPhases(ctx, id, ids, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(phases)
			})
		},
	}
	cmd.Flags().Int64SliceVar(&ids, "ids", nil, "phase ids in target order")
	return cmd
}

func journalCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "journal",
		Short: "Manage the operation journal",
		Long:  "The journal is the operation diary. Entry text is scanned for blockage keywords; a blockage entry forces the operation to blocked until someone resolves it.",
	}
	j.AddCommand(journalAddCmd())
	j.AddCommand(journalListCmd())
	j.AddCommand(journalResolveCmd())
	return j
}

func journalAddCmd() *cobra.Command {
	var author, action, text string
	var urgency int
	var phaseID int64
	var blockage bool
	cmd := &cobra.Command{
		Use:   "add <operation-id>",
		Short: "Append a journal entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts := engine.JournalAppendOptions{
				OperationID: id,
				Author:      author,
				Action:      action,
				Text:        text,
				Urgency:     urgency,
				Blockage:    blockage,
			}
			if opts.Author == "" {
				opts.Author = viper.GetString("actor-id")
			}
			if cmd.Flags().Changed("phase") {
				opts.PhaseID = &phaseID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, alert, err := e.AppendJournal(ctx, opts)
				if err != nil {
					return err
				}
				if alert != nil && !viper.GetBool("json") {
					fmt.Printf("alert raised: %s (impact %d)\n", alert.Type, alert.Impact)
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&author, "author", "", "entry author (defaults to --actor-id)")
	cmd.Flags().StringVar(&action, "action", "", "action (creation, validation, note, update, blockage, resolution)")
	cmd.Flags().StringVar(&text, "text", "", "entry text")
	cmd.Flags().IntVar(&urgency, "urgency", 0, "urgency 1..5")
	cmd.Flags().Int64Var(&phaseID, "phase", 0, "phase id the entry concerns")
	cmd.Flags().BoolVar(&blockage, "blockage", false, "mark the entry as a blockage")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func journalListCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "list <operation-id>",
		Short: "List journal entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.ListJournal(ctx, id, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of entries")
	return cmd
}

func journalResolveCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "resolve <entry-id>",
		Short: "Resolve a blockage entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.ResolveBlockage(ctx, id, viper.GetString("actor-id"), note)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "resolution note")
	return cmd
}

func alertCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "alert",
		Short: "Manage alerts",
	}
	a.AddCommand(alertListCmd())
	a.AddCommand(alertTreatCmd())
	return a
}

func alertListCmd() *cobra.Command {
	var untreated bool
	var n int
	cmd := &cobra.Command{
		Use:   "list <operation-id>",
		Short: "List alerts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				alerts, err := e.ListAlerts(ctx, id, untreated, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(alerts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Urgency", "Impact", "Treated", "Message"})
				for _, al := range alerts {
					tw.AppendRow(table.Row{al.ID, al.Type, al.Urgency, al.Impact, al.Treated, al.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&untreated, "untreated", false, "only untreated alerts")
	cmd.Flags().IntVar(&n, "n", 50, "number of alerts")
	return cmd
}

func alertTreatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "treat <alert-id>",
		Short: "Mark an alert treated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				alert, err := e.TreatAlert(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(alert)
			})
		},
	}
	return cmd
}

func riskCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "risk",
		Short: "Risk queries",
	}
	r.AddCommand(riskTopCmd())
	return r
}

func riskTopCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Most at-risk operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.TopRisk(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Risk", "Reasons"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.Operation.ID, entry.Operation.Name, entry.Operation.Status, fmt.Sprintf("%.0f", entry.Operation.RiskScore), strings.Join(entry.Reasons, "; ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 5, "number of operations")
	return cmd
}

func remCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "rem",
		Short: "REM projections",
	}
	r.AddCommand(remShowCmd())
	r.AddCommand(remHistoryCmd())
	return r
}

func remShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <operation-id>",
		Short: "Current REM projection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				proj, err := e.CurrentProjection(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(proj)
			})
		},
	}
	return cmd
}

func remHistoryCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history <operation-id>",
		Short: "REM projection history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ProjectionHistory(ctx, id, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of snapshots")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Portfolio summary",
		Long:  "One screen for the whole portfolio: operation counts, unit totals, the aggregated REM projection and the alert backlog.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.PortfolioSummary(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Operations: %d (%d active, %d blocked)\n", s.Operations, s.Active, s.Blocked)
				fmt.Printf("Units: %d\n", s.UnitsTotal)
				fmt.Printf("Annual REM: %.2f (semi-annual %.2f)\n", s.AnnualREM, s.SemiAnnualREM)
				fmt.Printf("Average risk: %.1f\n", s.AvgRisk)
				fmt.Printf("Untreated alerts: %d\n", s.UntreatedAlerts)
				return nil
			})
		},
	}
	return cmd
}

func acoCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "aco",
		Short: "Responsible parties",
	}
	a.AddCommand(acoListCmd())
	a.AddCommand(acoShowCmd())
	return a
}

func acoListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ACOs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListACOs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func acoShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an ACO",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				aco, err := e.Repo.GetACO(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(aco)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			key := "ok_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			rec := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   actor,
				Name:      name,
				KeyHash:   repo.HashAPIKey(key),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.InsertAPIKey(ctx, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": rec.ID, "actor_id": rec.ActorID, "key": key})
				}
				fmt.Println("api key (store it now, it is not shown again):", key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
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
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: operations, phases, journal entries, alerts and projections.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var operationID int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, operationID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().Int64Var(&operationID, "operation", 0, "operation id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook: phase catalogs per type, status ladders, alert priorities, blockage keywords and REM rates. It lives in optrack.yml next to the workspace.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configCheckCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default optrack.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				res := map[string]any{"ok": err == nil}
				if err != nil {
					res["error"] = err.Error()
				}
				return printJSON(res)
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("OPTRACK_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("OPTRACK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Optrack API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept the X-Actor-Id header without credentials (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
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
