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
	"github.com/robfig/cron"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"grantline/internal/app"
	"grantline/internal/config"
	"grantline/internal/db"
	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Grantline CLI",
	Long: `Grantline tracks subsidy projects through milestone verification and
disbursement. Projects hold a total subsidy, milestones hold a slice of it
with a measurable target, and verified milestones are paid out through the
configured payment gateway. Every transition lands on the audit trail.`,
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
	viper.SetEnvPrefix("GRANTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "gov-admin", "acting principal id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(principalCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(serveCmd())
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	a, err := app.Build(cmd.Context(), viper.GetString("workspace"), log)
	if err != nil {
		return err
	}
	defer a.DB.Close()
	return fn(cmd.Context(), a)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default grantline.yml",
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
}

func principalCmd() *cobra.Command {
	principal := &cobra.Command{Use: "principal", Short: "Manage principals"}

	var role, wallet string
	register := &cobra.Command{
		Use:   "register <id>",
		Short: "Register a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.RegisterPrincipal(ctx, actorID(), domain.Principal{
					ID:        args[0],
					Role:      domain.Role(role),
					WalletRef: wallet,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	register.Flags().StringVar(&role, "role", "", "government|producer|auditor|oracle")
	register.Flags().StringVar(&wallet, "wallet", "", "wallet reference for payouts")
	_ = register.MarkFlagRequired("role")

	list := &cobra.Command{
		Use:   "list",
		Short: "List principals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				principals, err := a.Engine.Ledger.ListPrincipals(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(principals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Wallet", "Created"})
				for _, p := range principals {
					tw.AppendRow(table.Row{p.ID, p.Role, p.WalletRef, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	principal.AddCommand(register, list)
	return principal
}

func projectCmd() *cobra.Command {
	project := &cobra.Command{Use: "project", Short: "Manage subsidy projects"}

	var producer, name, description, total string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a subsidy project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				amount, err := parseAmount(total)
				if err != nil {
					return fmt.Errorf("--total: %w", err)
				}
				p, err := a.Engine.CreateProject(ctx, engine.ProjectCreateOptions{
					ActorID:      actorID(),
					ProducerID:   producer,
					Name:         name,
					Description:  description,
					TotalSubsidy: amount,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	create.Flags().StringVar(&producer, "producer", "", "producer principal id")
	create.Flags().StringVar(&name, "name", "", "project name")
	create.Flags().StringVar(&description, "description", "", "project description")
	create.Flags().StringVar(&total, "total", "", "total subsidy amount")
	_ = create.MarkFlagRequired("producer")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("total")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				projects, err := a.Engine.Ledger.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Producer", "Status", "Total", "Disbursed"})
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.Name, p.ProducerID, p.Status, p.TotalSubsidy, p.Disbursed})
				}
				tw.Render()
				return nil
			})
		},
	}

	var status string
	setStatus := &cobra.Command{
		Use:   "set-status <project-id>",
		Short: "Transition project status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				p, err := a.Engine.SetProjectStatus(ctx, actorID(), id, domain.ProjectStatus(status))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	setStatus.Flags().StringVar(&status, "status", "", "target status")
	_ = setStatus.MarkFlagRequired("status")

	stats := &cobra.Command{
		Use:   "stats <project-id>",
		Short: "Milestone statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				st, err := a.Engine.MilestoneStats(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}

	project.AddCommand(create, list, setStatus, stats)
	return project
}

func milestoneCmd() *cobra.Command {
	milestone := &cobra.Command{Use: "milestone", Short: "Manage milestones"}

	var projectID int64
	var description, amount, source, deadline string
	var target int64
	create := &cobra.Command{
		Use:   "create",
		Short: "Attach a milestone to a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				subsidy, err := parseAmount(amount)
				if err != nil {
					return fmt.Errorf("--amount: %w", err)
				}
				m, err := a.Engine.CreateMilestone(ctx, engine.MilestoneCreateOptions{
					ActorID:            actorID(),
					ProjectID:          projectID,
					Description:        description,
					SubsidyAmount:      subsidy,
					TargetValue:        target,
					VerificationSource: source,
					Deadline:           deadline,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	create.Flags().Int64Var(&projectID, "project", 0, "project id")
	create.Flags().StringVar(&description, "description", "", "milestone description")
	create.Flags().StringVar(&amount, "amount", "", "subsidy amount")
	create.Flags().Int64Var(&target, "target", 0, "target value")
	create.Flags().StringVar(&source, "source", "", "verification source")
	create.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC 3339)")
	_ = create.MarkFlagRequired("project")
	_ = create.MarkFlagRequired("description")
	_ = create.MarkFlagRequired("amount")
	_ = create.MarkFlagRequired("target")
	_ = create.MarkFlagRequired("source")
	_ = create.MarkFlagRequired("deadline")

	list := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List project milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				milestones, err := a.Engine.Ledger.GetProjectMilestones(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(milestones)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Description", "Target", "Actual", "Status", "Paid", "Deadline"})
				for _, m := range milestones {
					actual := "-"
					if m.ActualValue != nil {
						actual = strconv.FormatInt(*m.ActualValue, 10)
					}
					tw.AppendRow(table.Row{m.ID, m.Description, m.TargetValue, actual, m.Status, m.Paid, m.Deadline})
				}
				tw.Render()
				return nil
			})
		},
	}

	var value int64
	var evidenceSource string
	var success bool
	verify := &cobra.Command{
		Use:   "verify <milestone-id>",
		Short: "Verify from submitted evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				m, err := a.Engine.Verify(ctx, actorID(), id, domain.Evidence{
					MilestoneID: id,
					Source:      evidenceSource,
					Value:       value,
					SubmittedBy: actorID(),
				}, success)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	verify.Flags().Int64Var(&value, "value", 0, "measured value")
	verify.Flags().StringVar(&evidenceSource, "source", "manual", "evidence source")
	verify.Flags().BoolVar(&success, "success", false, "judge the evidence as meeting the milestone")
	_ = verify.MarkFlagRequired("value")
	_ = verify.MarkFlagRequired("success")

	var from, to string
	autoVerify := &cobra.Command{
		Use:   "auto-verify <milestone-id>",
		Short: "Verify from aggregated source data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				m, err := a.Engine.AutoVerify(ctx, actorID(), id, from, to)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	autoVerify.Flags().StringVar(&from, "from", "", "window start (RFC 3339)")
	autoVerify.Flags().StringVar(&to, "to", "", "window end (RFC 3339)")
	_ = autoVerify.MarkFlagRequired("from")
	_ = autoVerify.MarkFlagRequired("to")

	var reason string
	dispute := &cobra.Command{
		Use:   "dispute <milestone-id>",
		Short: "Dispute a verification outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				m, err := a.Engine.Dispute(ctx, actorID(), id, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	dispute.Flags().StringVar(&reason, "reason", "", "dispute reason")
	_ = dispute.MarkFlagRequired("reason")

	var approved bool
	var resolution string
	resolve := &cobra.Command{
		Use:   "resolve <milestone-id>",
		Short: "Resolve a disputed milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				m, err := a.Engine.ResolveDispute(ctx, actorID(), id, approved, resolution)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	resolve.Flags().BoolVar(&approved, "approve", false, "approve the original outcome")
	resolve.Flags().StringVar(&resolution, "resolution", "", "resolution note")
	_ = resolve.MarkFlagRequired("resolution")

	overdue := &cobra.Command{
		Use:   "overdue",
		Short: "Pending milestones past their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				milestones, err := a.Engine.OverdueMilestones(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(milestones)
			})
		},
	}

	milestone.AddCommand(create, list, verify, autoVerify, dispute, resolve, overdue)
	return milestone
}

func paymentCmd() *cobra.Command {
	pay := &cobra.Command{Use: "payment", Short: "Manage disbursements"}

	var method, beneficiary string
	disburse := &cobra.Command{
		Use:   "disburse <milestone-id>",
		Short: "Disburse a verified milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				rec, err := a.Engine.Disburse(ctx, actorID(), id, domain.PaymentMethod(method), beneficiary)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	disburse.Flags().StringVar(&method, "method", "", "payment method (defaults to config)")
	disburse.Flags().StringVar(&beneficiary, "beneficiary", "", "beneficiary (defaults to producer wallet)")

	list := &cobra.Command{
		Use:   "list <milestone-id>",
		Short: "Payment history of a milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				payments, err := a.Engine.Ledger.ListPayments(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(payments)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Method", "Amount", "Fee", "Status", "Attempts", "Ref"})
				for _, rec := range payments {
					tw.AppendRow(table.Row{rec.ID, rec.Method, rec.Amount, rec.Fee, rec.Status, rec.Attempts, rec.GatewayRef})
				}
				tw.Render()
				return nil
			})
		},
	}

	pay.AddCommand(disburse, list)
	return pay
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <resource-type> <resource-id>",
		Short: "Show the audit trail of a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Engine.Trail.List(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Action", "Actor", "Note"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.TS, e.Action, e.ActorID, e.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.New()
			a, err := app.Build(cmd.Context(), viper.GetString("workspace"), log)
			if err != nil {
				return err
			}
			defer a.DB.Close()

			secret := os.Getenv("GRANTLINE_JWT_SECRET")
			if secret == "" {
				secret = a.Config.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("GRANTLINE_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, DevLogin: true, Logger: log},
			})
			if err != nil {
				return err
			}

			c := cron.New()
			if err := c.AddFunc(a.Config.Payment.SweepSchedule, func() {
				a.Engine.Payments.SweepDeferred(context.Background())
			}); err != nil {
				return fmt.Errorf("sweep schedule: %w", err)
			}
			c.Start()
			defer c.Stop()

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.WithField("addr", addr).Info("serving Grantline API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func parseAmount(raw string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(raw))
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
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
