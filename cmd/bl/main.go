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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bloodline/internal/app"
	"bloodline/internal/config"
	"bloodline/internal/db"
	"bloodline/internal/domain"
	"bloodline/internal/engine"
	"bloodline/internal/migrate"
	"bloodline/internal/notify"
	"bloodline/internal/repo"
	"bloodline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bloodline CLI",
	Long: `Bloodline coordinates blood units across hospital blood banks.
- Workspace: the .bloodline directory holds the database; policy configs live in the DB.
- Network: the coordination scope all actors, units and requests belong to.
- Units: physical bags tracked from intake to use, exchange or expiry; near-expiry
  surplus can be listed on the exchange board and moved at most once (one hop).
- Requests: broadcast emergencies that hospitals race to claim; first commit wins.
- Obligations: a donor's duty to return borrowed units; refunds decay in tiers as
  the due date slips past, and exhausted extensions block the donor.
- Event log: diary of changes, view with 'bl log tail'.`,
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
	viper.SetEnvPrefix("BLOODLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting actor identifier")
	rootCmd.PersistentFlags().String("network", "", "network id (overrides the single default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("network", rootCmd.PersistentFlags().Lookup("network"))
}

func registerCommands() {
	rootCmd.AddCommand(networkCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(unitCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(obligationCmd())
	rootCmd.AddCommand(donorCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- network ---

func networkCmd() *cobra.Command {
	net := &cobra.Command{Use: "network", Short: "Manage networks"}
	net.AddCommand(networkCreateCmd())
	net.AddCommand(networkShowCmd())
	net.AddCommand(networkListCmd())
	net.AddCommand(networkConfigCmd())
	return net
}

func networkCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create network",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			if name == "" {
				name = id
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r *repo.Repo) error {
				n := &domain.Network{
					ID:        id,
					Name:      name,
					Status:    "active",
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.CreateNetwork(ctx, n); err != nil {
					return err
				}
				if err := r.SaveNetworkConfig(ctx, id, config.GenerateDefault(id)); err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "network id")
	cmd.Flags().StringVar(&name, "name", "", "network name")
	return cmd
}

func networkShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				version, err := migrate.SchemaVersion(ctx, a.DB)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"network":        a.Network,
					"schema_version": version,
					"db_path":        db.Path(viper.GetString("workspace")),
				})
			})
		},
	}
	return cmd
}

func networkListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List networks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r *repo.Repo) error {
				items, err := r.ListNetworks(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func networkConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Network policy config"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the active network's config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				raw, err := a.Repo.GetNetworkConfigYAML(ctx, a.Network.ID)
				if err != nil {
					return err
				}
				fmt.Print(raw)
				return nil
			})
		},
	}

	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Validate and import a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg, err := app.ImportConfig(ctx, a.Repo, a.Network.ID, raw)
				if err != nil {
					return err
				}
				fmt.Printf("imported config for network %s\n", cfg.Network.ID)
				return nil
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "config yaml path")

	cfg.AddCommand(show)
	cfg.AddCommand(imp)
	return cfg
}

// --- actor ---

func actorCmd() *cobra.Command {
	act := &cobra.Command{Use: "actor", Short: "Manage actors"}
	act.AddCommand(actorRegisterCmd())
	act.AddCommand(actorShowCmd())
	act.AddCommand(actorListCmd())
	act.AddCommand(actorAPIKeyCmd())
	return act
}

func actorRegisterCmd() *cobra.Command {
	var id, name, role, bloodGroup string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			switch role {
			case "hospital", "donor", "admin":
			default:
				return fmt.Errorf("--role must be hospital, donor or admin")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := &domain.Actor{
					ID:         id,
					NetworkID:  a.Network.ID,
					Name:       name,
					Role:       role,
					BloodGroup: bloodGroup,
					CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Repo.CreateActor(ctx, actor); err != nil {
					return err
				}
				return printJSONOrTable(actor)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "hospital", "hospital, donor or admin")
	cmd.Flags().StringVar(&bloodGroup, "blood-group", "", "donor blood group")
	return cmd
}

func actorShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <actor-id>",
		Short: "Show an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r *repo.Repo) error {
				actor, err := r.GetActor(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(actor)
			})
		},
	}
	return cmd
}

func actorListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actors in the active network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListActors(ctx, a.Network.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Blood group"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Role, a.BloodGroup})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func actorAPIKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "api-key <actor-id>",
		Short: "Create an API key for an actor (printed once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r *repo.Repo) error {
				if _, err := r.GetActor(ctx, args[0]); err != nil {
					return err
				}
				raw := uuid.NewString()
				key := &domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   args[0],
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.CreateAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("api key for %s (store it now, it is not retrievable): %s\n", args[0], raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

// --- unit ---

func unitCmd() *cobra.Command {
	unit := &cobra.Command{Use: "unit", Short: "Manage blood units"}
	unit.AddCommand(unitIntakeCmd())
	unit.AddCommand(unitGetCmd())
	unit.AddCommand(unitListCmd())
	unit.AddCommand(unitEligibilityCmd())
	unit.AddCommand(unitExchangeCmd())
	unit.AddCommand(unitListExchangeCmd())
	unit.AddCommand(unitTransferCmd())
	unit.AddCommand(unitIssueCmd())
	unit.AddCommand(unitSweepCmd())
	return unit
}

func unitIntakeCmd() *cobra.Command {
	var bloodGroup, collected, expiry string
	var volume int
	var coldChainBroken bool
	cmd := &cobra.Command{
		Use:   "intake",
		Short: "Register a collected unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				intact := !coldChainBroken
				u, err := e.IntakeUnit(ctx, requiredActor(), engine.IntakeUnitInput{
					BloodGroup:      bloodGroup,
					VolumeML:        volume,
					CollectionDate:  collected,
					ExpiryDate:      expiry,
					ColdChainIntact: &intact,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&bloodGroup, "blood-group", "", "blood group")
	cmd.Flags().IntVar(&volume, "volume-ml", 450, "volume in ml")
	cmd.Flags().StringVar(&collected, "collected", "", "collection timestamp (RFC3339)")
	cmd.Flags().StringVar(&expiry, "expiry", "", "expiry timestamp (RFC3339)")
	cmd.Flags().BoolVar(&coldChainBroken, "cold-chain-broken", false, "mark the cold chain as broken")
	return cmd
}

func unitGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <bag-id>",
		Short: "Show a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				u, err := e.Repo.GetUnit(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func unitListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List units owned by an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if owner == "" {
					owner = requiredActor()
				}
				items, err := e.Repo.ListUnitsByOwner(ctx, owner)
				if err != nil {
					return err
				}
				return printUnits(items)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owning actor id")
	return cmd
}

func unitEligibilityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eligibility <bag-id>",
		Short: "Check exchange eligibility",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.CheckEligibility(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func unitExchangeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exchange <bag-id>",
		Short: "List a unit on the exchange board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				u, err := e.ListUnit(ctx, args[0], requiredActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func unitListExchangeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Show units listed for exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListListedUnits(ctx, e.Config.Network.ID)
				if err != nil {
					return err
				}
				return printUnits(items)
			})
		},
	}
	return cmd
}

func unitTransferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer <bag-id>",
		Short: "Claim a listed unit for the acting hospital",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				u, err := e.TransferUnit(ctx, args[0], requiredActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func unitIssueCmd() *cobra.Command {
	var requestID string
	cmd := &cobra.Command{
		Use:   "issue <bag-id>",
		Short: "Record a unit consumed by a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestID == "" {
				return fmt.Errorf("--request required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				iss, err := e.MarkUnitIssued(ctx, args[0], requestID, requiredActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(iss)
			})
		},
	}
	cmd.Flags().StringVar(&requestID, "request", "", "request id the unit fulfils")
	return cmd
}

func unitSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Flag expired circulating units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.SweepExpiredUnits(ctx, requiredActor())
				if err != nil {
					return err
				}
				fmt.Printf("marked %d unit(s) expired\n", n)
				return nil
			})
		},
	}
	return cmd
}

// --- request ---

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Broadcast emergency requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestClaimCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestGetCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var bloodGroup, urgency, patientHospital, recipient string
	var units int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Broadcast an emergency request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				in := engine.CreateRequestInput{
					BloodGroup:      bloodGroup,
					Units:           units,
					Urgency:         urgency,
					PatientHospital: patientHospital,
				}
				if recipient != "" {
					in.RecipientActorID = &recipient
				}
				q, err := e.CreateRequest(ctx, requiredActor(), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&bloodGroup, "blood-group", "", "blood group")
	cmd.Flags().IntVar(&units, "units", 1, "number of units")
	cmd.Flags().StringVar(&urgency, "urgency", "normal", "normal, urgent or critical")
	cmd.Flags().StringVar(&patientHospital, "patient-hospital", "", "patient hospital display name")
	cmd.Flags().StringVar(&recipient, "recipient", "", "intended recipient actor id")
	return cmd
}

func requestClaimCmd() *cobra.Command {
	var decision string
	cmd := &cobra.Command{
		Use:   "claim <request-id>",
		Short: "Claim a broadcast request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				q, err := e.Claim(ctx, args[0], requiredActor(), decision)
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "approve", "approve or reject")
	return cmd
}

func requestListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListOpenRequests(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Group", "Units", "Urgency", "Status", "Expires"})
				for _, q := range items {
					tw.AppendRow(table.Row{q.ID, q.BloodGroup, q.Units, q.Urgency, q.Status, q.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func requestGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <request-id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				q, err := e.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	return cmd
}

// --- obligation ---

func obligationCmd() *cobra.Command {
	obl := &cobra.Command{Use: "obligation", Short: "Donor obligations"}
	obl.AddCommand(obligationIssueCmd())
	obl.AddCommand(obligationShowCmd())
	obl.AddCommand(obligationListCmd())
	obl.AddCommand(obligationExtendCmd())
	obl.AddCommand(obligationReturnCmd())
	obl.AddCommand(obligationVerifyCmd())
	return obl
}

func obligationIssueCmd() *cobra.Command {
	var requestID, donorID string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue the obligation for a fulfilled request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestID == "" || donorID == "" {
				return fmt.Errorf("--request and --donor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				o, err := e.IssueObligation(ctx, requestID, donorID, requiredActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&requestID, "request", "", "fulfilled request id")
	cmd.Flags().StringVar(&donorID, "donor", "", "donor actor id")
	return cmd
}

func obligationShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <obligation-id>",
		Short: "Show an obligation with its derived tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				view, err := e.GetObligation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	return cmd
}

func obligationListCmd() *cobra.Command {
	var donorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a donor's obligations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if donorID == "" {
				donorID = requiredActor()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListObligationsByDonor(ctx, donorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&donorID, "donor", "", "donor actor id")
	return cmd
}

func obligationExtendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extend <obligation-id>",
		Short: "Extend an obligation's due date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				view, err := e.ExtendObligation(ctx, args[0], requiredActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	return cmd
}

func obligationReturnCmd() *cobra.Command {
	var unitIDs []string
	var declaredExpiry string
	cmd := &cobra.Command{
		Use:   "return <obligation-id>",
		Short: "Declare a return for verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				in := engine.ReturnInput{DeclaredUnitIDs: unitIDs}
				if declaredExpiry != "" {
					in.DeclaredExpiry = &declaredExpiry
				}
				rr, err := e.RequestReturn(ctx, args[0], requiredActor(), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(rr)
			})
		},
	}
	cmd.Flags().StringSliceVar(&unitIDs, "unit", nil, "declared unit id (repeatable)")
	cmd.Flags().StringVar(&declaredExpiry, "expiry", "", "declared expiry (RFC3339)")
	return cmd
}

func obligationVerifyCmd() *cobra.Command {
	var decision string
	cmd := &cobra.Command{
		Use:   "verify <return-id>",
		Short: "Verify a declared return",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				view, err := e.VerifyReturn(ctx, args[0], requiredActor(), decision)
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "approve", "approve or reject")
	return cmd
}

// --- donor ---

func donorCmd() *cobra.Command {
	donor := &cobra.Command{Use: "donor", Short: "Donor views"}
	standing := &cobra.Command{
		Use:   "standing <donor-id>",
		Short: "Donor standing with derived tiers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.GetDonorStanding(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	donor.AddCommand(standing)
	return donor
}

// --- log ---

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, e.Config.Network.ID, n)
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
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Resolve(cmd.Context(), viper.GetString("workspace"), viper.GetString("network"))
			if err != nil {
				return err
			}
			defer a.Close()
			e := engine.New(a.DB, a.Repo, a.Events, a.Config)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("BLOODLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" && !allowLegacyHeader {
				return fmt.Errorf("BLOODLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			dispatcher := notify.NewDispatcher(a.Repo, a.Config.Network.ID, a.Config.Webhooks)
			dispatchCtx, stopDispatch := context.WithCancel(cmd.Context())
			defer stopDispatch()
			go dispatcher.Run(dispatchCtx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Bloodline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Resolve(ctx, viper.GetString("workspace"), viper.GetString("network"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, engine.New(a.DB, a.Repo, a.Events, a.Config))
	})
}

func withRepo(ctx context.Context, fn func(context.Context, *repo.Repo) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, repo.New(a))
}

func requiredActor() string {
	return viper.GetString("actor-id")
}

func printUnits(items []domain.BloodUnit) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Group", "Status", "Exchange", "Hops", "Owner", "Expiry"})
	for _, u := range items {
		tw.AppendRow(table.Row{u.ID, u.BloodGroup, u.Status, u.ExchangeStatus, u.TransferCount, u.CurrentOwnerID, u.ExpiryDate})
	}
	tw.Render()
	return nil
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
