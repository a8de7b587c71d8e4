package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"refeed/internal/app"
	"refeed/internal/config"
	"refeed/internal/db"
	"refeed/internal/domain"
	"refeed/internal/engine"
	"refeed/internal/engine/auth"
	"refeed/internal/errs"
	"refeed/internal/migrate"
	"refeed/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "refeed",
	Short: "ReFeed donation matching backend",
	Long: `ReFeed matches surplus food from donors with receivers and volunteer drivers.
- Listings: donors publish food; a receiver (or volunteer) claims it once.
- Missions: a volunteer picks up a claimed listing and moves it pending -> accepted -> in_progress -> completed.
- Completion credits the donor, volunteer and receiver and marks the listing completed.
- Event log: every change is recorded, view with 'refeed log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REFEED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/refeed.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("as", "", "act as this user (email or id)")
	flags.String("jwt-secret", "", "token signing secret")
	flags.String("redis-addr", "", "redis address for cross-instance notifications")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "config", "json", "as", "jwt-secret", "redis-addr", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(listingCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func overrides() app.Overrides {
	return app.Overrides{
		ConfigFile: viper.GetString("config"),
		JWTSecret:  viper.GetString("jwt-secret"),
		RedisAddr:  viper.GetString("redis-addr"),
		LogLevel:   viper.GetString("log-level"),
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, websocket fan-out and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rt, err := app.Open(ctx, viper.GetString("workspace"), overrides())
			if err != nil {
				return err
			}
			defer rt.Close()
			if strings.TrimSpace(rt.Config.Auth.JWTSecret) == "" {
				return fmt.Errorf("a jwt secret is required: set auth.jwt_secret or REFEED_JWT_SECRET")
			}
			if addr == "" {
				addr = rt.Config.Server.Addr
			}
			if basePath == "" {
				basePath = rt.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Logger:   rt.Log.Named("http"),
				Notify:   rt.Registry(),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				rt.Engine.RunExpirySweeper(gctx, rt.Config.SweepInterval())
				return nil
			})
			if d := server.NewWebhookDispatcher(rt.Engine, rt.Log); d != nil {
				g.Go(func() error {
					d.Run(gctx)
					return nil
				})
			}
			if rt.Relay != nil {
				g.Go(func() error { return rt.Relay.Run(gctx) })
			}
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				rt.Log.Info("serving ReFeed API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.String("openapi", basePath+"/openapi.json"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			version, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"version": version})
			}
			fmt.Printf("schema at version %d\n", version)
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	usr.AddCommand(userRegisterCmd())
	usr.AddCommand(userListCmd())
	usr.AddCommand(userAPIKeyCmd())
	return usr
}

func userRegisterCmd() *cobra.Command {
	var in engine.UserInput
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a user of any type, admins included",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&in.Email, "email", "", "email")
	cmd.Flags().StringVar(&in.Password, "password", "", "password")
	cmd.Flags().StringVar(&in.UserType, "type", "", "donor, volunteer, receiver, ngo or admin")
	cmd.Flags().StringVar(&in.Phone, "phone", "", "phone")
	cmd.Flags().StringVar(&in.Address.Address, "address", "", "street address")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func userListCmd() *cobra.Command {
	var userType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.ListUsers(ctx, userType, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable(table.Row{"ID", "Name", "Email", "Type", "Rating", "Impact"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.UserType, fmt.Sprintf("%.1f", u.Rating), u.Stats.ImpactScore})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userType, "type", "", "user type filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func userAPIKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Issue an API key for the --as user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, caller auth.Caller) error {
				key, plain, err := e.CreateAPIKey(ctx, caller.UserID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"api_key": key, "key": plain})
				}
				fmt.Printf("api key %s for %s (shown once):\n%s\n", key.ID, caller.UserID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func listingCmd() *cobra.Command {
	lst := &cobra.Command{
		Use:   "listing",
		Short: "Manage food listings",
		Long:  "Listings go available -> claimed -> completed; overdue available listings expire.",
	}
	lst.AddCommand(listingCreateCmd())
	lst.AddCommand(listingListCmd())
	lst.AddCommand(listingClaimCmd())
	lst.AddCommand(listingShowCmd())
	lst.AddCommand(listingExpireCmd())
	return lst
}

func listingCreateCmd() *cobra.Command {
	var in engine.ListingInput
	var servings int
	var lat, lng float64
	var until string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Publish a listing as the --as donor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("servings") {
				in.Servings = &servings
			}
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
				in.PickupLocation.Coordinates = &domain.Coordinates{Lat: lat, Lng: lng}
			}
			in.AvailableUntil = until
			if d, err := time.ParseDuration(until); err == nil {
				in.AvailableUntil = time.Now().Add(d).UTC().Format(time.RFC3339)
			}
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, caller auth.Caller) error {
				l, err := e.CreateListing(ctx, caller, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.FoodType, "food-type", "cooked", "cooked, raw, packaged, groceries or other")
	cmd.Flags().StringVar(&in.Category, "category", "", "vegetarian, non-vegetarian, vegan or mixed")
	cmd.Flags().StringVar(&in.Quantity, "quantity", "", "quantity, free text")
	cmd.Flags().IntVar(&servings, "servings", 0, "servings")
	cmd.Flags().StringVar(&in.PickupLocation.Address, "address", "", "pickup address")
	cmd.Flags().Float64Var(&lat, "lat", 0, "pickup latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "pickup longitude")
	cmd.Flags().StringVar(&until, "until", "4h", "available until: RFC3339 time or duration from now")
	cmd.Flags().StringVar(&in.Urgency, "urgency", "", "low, medium or high")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("quantity")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func listingListCmd() *cobra.Command {
	var q engine.ListingQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List listings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.ListListings(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable(table.Row{"ID", "Title", "Status", "Food", "Until", "Claimed By"})
				for _, l := range page.Items {
					tw.AppendRow(table.Row{l.ID, l.Title, l.Status, l.FoodType, l.AvailableUntil, deref(l.ClaimedBy)})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "total", page.Total})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&q.FoodType, "food-type", "", "food type filter")
	cmd.Flags().StringVar(&q.DonorID, "donor", "", "donor id filter")
	cmd.Flags().IntVar(&q.Page, "page", 1, "page")
	cmd.Flags().IntVar(&q.Limit, "limit", 20, "page size")
	return cmd
}

func listingClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a listing as the --as user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, caller auth.Caller) error {
				l, err := e.ClaimListing(ctx, caller, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
}

func listingShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				// The operator does not count as a viewer.
				l, err := e.Repo.GetListing(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
}

func listingExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire every overdue available listing now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.ExpireOverdue(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"expired": ids})
				}
				fmt.Printf("expired %d listing(s)\n", len(ids))
				return nil
			})
		},
	}
}

func missionCmd() *cobra.Command {
	msn := &cobra.Command{
		Use:   "mission",
		Short: "Manage delivery missions",
		Long:  "Missions go pending -> accepted -> in_progress -> completed; cancelled and failed are exits.",
	}
	msn.AddCommand(missionCreateCmd())
	msn.AddCommand(missionListCmd())
	msn.AddCommand(missionStatusCmd())
	msn.AddCommand(missionShowCmd())
	return msn
}

func missionCreateCmd() *cobra.Command {
	var in engine.MissionInput
	var pickup string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a mission for a claimed listing as the --as volunteer",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ScheduledPickupTime = pickup
			if d, err := time.ParseDuration(pickup); err == nil {
				in.ScheduledPickupTime = time.Now().Add(d).UTC().Format(time.RFC3339)
			}
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, caller auth.Caller) error {
				m, err := e.CreateMission(ctx, caller, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&in.ListingID, "listing", "", "listing id")
	cmd.Flags().StringVar(&in.DeliveryLocation.Address, "address", "", "delivery address")
	cmd.Flags().StringVar(&pickup, "pickup", "1h", "scheduled pickup: RFC3339 time or duration from now")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("listing")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func missionListCmd() *cobra.Command {
	var q engine.MissionQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the --as user's missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, caller auth.Caller) error {
				items, err := e.ListMissions(ctx, caller, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Listing", "Status", "Volunteer", "Receiver", "Pickup"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.ListingID, m.Status, m.VolunteerID, deref(m.ReceiverID), m.ScheduledPickupTime})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.Role, "role", "", "donor, volunteer or receiver")
	cmd.Flags().StringVar(&q.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "max rows")
	return cmd
}

func missionStatusCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a mission to a new status as the --as participant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, caller auth.Caller) error {
				m, err := e.UpdateMissionStatus(ctx, caller, args[0], engine.StatusInput{Status: args[1], Note: note})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "tracking note; the cancellation reason when cancelling")
	return cmd
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMission(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every listing, mission, user and message change, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "listing, mission, user or message")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect refeed.yml",
		Long:  "refeed.yml holds server, auth, impact scoring, listing, notification, log and webhook settings. Flags and REFEED_* variables override it.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default refeed.yml and a .env holding a fresh jwt secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			envPath := filepath.Join(workspace, ".env")
			env, err := godotenv.Read(envPath)
			if err != nil {
				env = map[string]string{}
			}
			if env["REFEED_JWT_SECRET"] == "" {
				env["REFEED_JWT_SECRET"] = strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
			}
			if err := godotenv.Write(env, envPath); err != nil {
				return err
			}
			fmt.Printf("wrote %s and %s\n", path, envPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing refeed.yml")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), overrides())
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "********"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate refeed.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.ResolveConfig(viper.GetString("workspace"), overrides())
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
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := app.Open(ctx, viper.GetString("workspace"), overrides())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

// withCaller resolves --as to a stored user.
func withCaller(ctx context.Context, fn func(context.Context, engine.Engine, auth.Caller) error) error {
	as := strings.TrimSpace(viper.GetString("as"))
	if as == "" {
		return fmt.Errorf("--as (or REFEED_AS) is required for this command")
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		userID := as
		if strings.Contains(as, "@") {
			u, err := e.Repo.GetUserByEmail(ctx, as)
			if err != nil {
				if errors.Is(err, errs.ErrNotFound) {
					return fmt.Errorf("no user with email %s", as)
				}
				return err
			}
			userID = u.ID
		}
		caller, err := e.CallerFor(ctx, userID)
		if err != nil {
			return err
		}
		return fn(ctx, e, caller)
	})
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
