package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"capmarket/internal/app"
	"capmarket/internal/config"
	"capmarket/internal/db"
	"capmarket/internal/domain"
	"capmarket/internal/engine"
	"capmarket/internal/logger"
	"capmarket/internal/migrate"
	"capmarket/internal/repo"
	"capmarket/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cmkt",
	Short: "Capacity market CLI",
	Long: `cmkt runs the order side of a capacity marketplace.
- Market: one process sheet per product says which capacity types, and how much of each, a product needs.
- Orders: a customer order buys a finished product; a producer order funds an investment and waits for tokens first.
- Parts: one per capacity type of the product; bids move them unknown -> processing -> completed, or to rejected for the cycle.
- Cycles: 'cmkt cycle end' scores every active order (0 completed, 1 still processing, 3 rejected) and closes final ones.
- Event log: every change is recorded, view it with 'cmkt log tail'.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CMKT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("market", "", "market id (overrides the stored default)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "market", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(bidCmd())
	rootCmd.AddCommand(productionCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var marketID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace and write market.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault(marketID)), 0o644); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "wrote %s\n", path)
			} else if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	cmd.Flags().StringVar(&marketID, "id", app.DefaultMarketID, "market id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect market config",
		Long:  "The market config (stored in the DB) holds the process sheets, the webhooks and the server settings. Import it from market.yml when it changes.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				out, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
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

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import market config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertMarketConfig(ctx, cfg); err != nil {
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

func orderCmd() *cobra.Command {
	ord := &cobra.Command{Use: "order", Short: "Manage orders"}
	ord.AddCommand(orderPlaceCustomerCmd())
	ord.AddCommand(orderPlaceProducerCmd())
	ord.AddCommand(orderListCmd())
	ord.AddCommand(orderShowCmd())
	ord.AddCommand(orderFundCmd())
	ord.AddCommand(orderOpenCmd())
	ord.AddCommand(orderAwaitingFundingCmd())
	ord.AddCommand(orderScoresCmd())
	return ord
}

func orderPlaceCustomerCmd() *cobra.Command {
	var customerID string
	var product uint32
	var tokens int64
	cmd := &cobra.Command{
		Use:   "place-customer",
		Short: "Place a customer product order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.PlaceCustomerOrder(ctx, domain.CustomerRequest{
					CustomerID: domain.CustomerID(customerID),
					Product:    domain.Product(product),
					Tokens:     domain.NewTokens(tokens),
				})
				if err != nil {
					return err
				}
				return printOrder(rec)
			})
		},
	}
	cmd.Flags().StringVar(&customerID, "customer", "", "customer id")
	cmd.Flags().Uint32Var(&product, "product", 0, "product")
	cmd.Flags().Int64Var(&tokens, "tokens", 0, "tokens offered")
	_ = cmd.MarkFlagRequired("customer")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func orderPlaceProducerCmd() *cobra.Command {
	var producerID, investment, cutOff string
	var product uint32
	cmd := &cobra.Command{
		Use:   "place-producer",
		Short: "Place a producer investment order",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseInvestmentKind(investment)
			if err != nil {
				return err
			}
			price := domain.UndefinedPrice
			if cutOff != "" {
				v, err := strconv.ParseFloat(cutOff, 64)
				if err != nil {
					return fmt.Errorf("invalid --cut-off-price: %w", err)
				}
				price = domain.CapacityUnitPrice(v)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.PlaceProducerOrder(ctx, domain.ProducerRequest{
					ProducerID:  domain.ProducerID(producerID),
					Product:     domain.Product(product),
					CutOffPrice: price,
					Investment:  kind,
				})
				if err != nil {
					return err
				}
				return printOrder(rec)
			})
		},
	}
	cmd.Flags().StringVar(&producerID, "producer", "", "producer id")
	cmd.Flags().Uint32Var(&product, "product", 0, "product")
	cmd.Flags().StringVar(&investment, "investment", "restoration", "investment kind (restoration, upgrade)")
	cmd.Flags().StringVar(&cutOff, "cut-off-price", "", "cut-off capacity unit price (empty for undefined)")
	_ = cmd.MarkFlagRequired("producer")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func orderListCmd() *cobra.Command {
	var state, kind, agentID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListOrders(ctx, repo.OrderFilters{
					State:   domain.OrderState(state),
					Kind:    domain.AgentRole(kind),
					AgentID: domain.OrderingAgentID(agentID),
					Limit:   limit,
				})
				if err != nil {
					return err
				}
				return printOrders(items)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter (active, completed, rejected)")
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter (customer, producer)")
	cmd.Flags().StringVar(&agentID, "agent", "", "ordering agent id (c:<id> or p:<id>)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max orders")
	return cmd
}

func orderShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.GetOrder(ctx, domain.OrderID(args[0]))
				if err != nil {
					return err
				}
				return printOrder(rec)
			})
		},
	}
}

func orderFundCmd() *cobra.Command {
	var tokens int64
	cmd := &cobra.Command{
		Use:   "fund <id>",
		Short: "Fund an order awaiting funding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.FundOrder(ctx, domain.OrderID(args[0]), domain.NewTokens(tokens))
				if err != nil {
					return err
				}
				return printOrder(rec)
			})
		},
	}
	cmd.Flags().Int64Var(&tokens, "tokens", 0, "tokens to fund")
	_ = cmd.MarkFlagRequired("tokens")
	return cmd
}

func orderOpenCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Show the open demand of active orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				infos, err := e.OpenOrders(ctx, domain.AgentRole(kind))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(infos)
				}
				tw := newTable(table.Row{"ID", "Tokens", "Capacity type", "Required"})
				for _, info := range infos {
					types := make([]domain.CapacityType, 0, len(info.Required))
					for t := range info.Required {
						types = append(types, t)
					}
					sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
					if len(types) == 0 {
						tw.AppendRow(table.Row{info.ID, info.Tokens, "-", "-"})
					}
					for _, t := range types {
						tw.AppendRow(table.Row{info.ID, info.Tokens, t, info.Required[t]})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter (customer, producer)")
	return cmd
}

func orderAwaitingFundingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "awaiting-funding",
		Short: "List active orders with a zero balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.AwaitingFunding(ctx)
				if err != nil {
					return err
				}
				return printOrders(items)
			})
		},
	}
}

func orderScoresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scores <id>",
		Short: "Show the score of an order for every ended cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scores, err := e.OrderScores(ctx, domain.OrderID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(scores)
			})
		},
	}
}

func bidCmd() *cobra.Command {
	b := &cobra.Command{Use: "bid", Short: "Apply bids"}
	b.AddCommand(bidApplyCmd())
	return b
}

func bidApplyCmd() *cobra.Command {
	var op string
	var capacityType uint32
	var capacity, tokens int64
	cmd := &cobra.Command{
		Use:   "apply <order-id>",
		Short: "Mark one part of an order with a bid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partOp, err := domain.ParsePartOp(op)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.ApplyBid(ctx, partOp, domain.Bid{
					CapacityType: domain.CapacityType(capacityType),
					Capacity:     domain.NewCapacity(capacity),
					Tokens:       domain.NewTokens(tokens),
					OrderID:      domain.OrderID(args[0]),
				})
				if err != nil {
					return err
				}
				return printOrder(rec)
			})
		},
	}
	cmd.Flags().StringVar(&op, "op", "", "operation (processing, completed, rejected)")
	cmd.Flags().Uint32Var(&capacityType, "capacity-type", 0, "capacity type")
	cmd.Flags().Int64Var(&capacity, "capacity", 0, "capacity amount")
	cmd.Flags().Int64Var(&tokens, "tokens", 0, "bid tokens")
	_ = cmd.MarkFlagRequired("op")
	_ = cmd.MarkFlagRequired("capacity-type")
	return cmd
}

type bidFile struct {
	OrderID      string `yaml:"order_id"`
	CapacityType uint32 `yaml:"capacity_type"`
	Capacity     int64  `yaml:"capacity"`
	Tokens       int64  `yaml:"tokens"`
}

type productionFile struct {
	Processing []bidFile `yaml:"processing"`
	Completed  []bidFile `yaml:"completed"`
	Rejected   []bidFile `yaml:"rejected"`
}

func (f productionFile) result() engine.ProductionResult {
	convert := func(in []bidFile) []domain.Bid {
		out := make([]domain.Bid, 0, len(in))
		for _, b := range in {
			out = append(out, domain.Bid{
				CapacityType: domain.CapacityType(b.CapacityType),
				Capacity:     domain.NewCapacity(b.Capacity),
				Tokens:       domain.NewTokens(b.Tokens),
				OrderID:      domain.OrderID(b.OrderID),
			})
		}
		return out
	}
	return engine.ProductionResult{
		Processing: convert(f.Processing),
		Completed:  convert(f.Completed),
		Rejected:   convert(f.Rejected),
	}
}

func productionCmd() *cobra.Command {
	p := &cobra.Command{Use: "production", Short: "Apply producer output"}
	p.AddCommand(productionApplyCmd())
	return p
}

func productionApplyCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a production result file (YAML or JSON) atomically",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var f productionFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("invalid production file: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ApplyProduction(ctx, f.result())
				if err != nil {
					return err
				}
				return printOrders(items)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to the production result")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func cycleCmd() *cobra.Command {
	c := &cobra.Command{Use: "cycle", Short: "Market cycles"}
	c.AddCommand(cycleEndCmd())
	c.AddCommand(cycleListCmd())
	c.AddCommand(cycleShowCmd())
	return c
}

func cycleEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end",
		Short: "End the current cycle and score every active order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.EndCycle(ctx)
				if err != nil {
					return err
				}
				return printCycle(c)
			})
		},
	}
}

func cycleListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ended cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCycles(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Cycle", "Ended at", "Orders", "Total score"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.Number, c.EndedAt, c.Orders, c.TotalScore})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max cycles")
	return cmd
}

func cycleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <number>",
		Short: "Show a cycle with its outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid cycle number %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCycle(ctx, number)
				if err != nil {
					return err
				}
				return printCycle(c)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened in the market: placed and funded orders, part marks, verdicts and ended cycles.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.MarketID = e.Config.Market.ID
				events, err := e.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Entity", "Agent", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.AgentID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind (market, order, cycle)")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if addr == "" {
					addr = e.Config.Addr()
				}
				if basePath == "" {
					basePath = e.Config.BasePath()
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Log: e.Log})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, e, e.Log)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				e.Log.Info("serving market API",
					zap.String("market_id", e.Config.Market.ID),
					zap.String("url", "http://"+addr+basePath),
					zap.String("docs", "http://"+addr+"/docs"),
				)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr of the config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path of the config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		cfg, err := app.ResolveMarketConfig(ctx, viper.GetString("workspace"), viper.GetString("market"), r)
		if err != nil {
			return err
		}
		level := viper.GetString("log-level")
		if level == "" {
			level = cfg.Log.Level
		}
		log, err := logger.New(level)
		if err != nil {
			return err
		}
		defer log.Sync()
		return fn(ctx, engine.New(r.DB, cfg, log))
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printOrder(rec domain.OrderRecord) error {
	if viper.GetBool("json") {
		return printJSON(rec)
	}
	s := rec.Snapshot
	fmt.Printf("order %s (%s %s, product %d) state=%s tokens=%d cycle=%d\n",
		rec.ID, rec.Kind, rec.AgentID, rec.Product, rec.State, s.Tokens, s.Cycle)
	types := make([]domain.CapacityType, 0, len(s.Parts))
	for t := range s.Parts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	tw := newTable(table.Row{"Capacity type", "Capacity", "Status"})
	for _, t := range types {
		p := s.Parts[t]
		tw.AppendRow(table.Row{t, p.Capacity, p.Status})
	}
	tw.Render()
	return nil
}

func printOrders(items []domain.OrderRecord) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"ID", "Kind", "Agent", "Product", "State", "Tokens", "Cycle"})
	for _, rec := range items {
		tw.AppendRow(table.Row{rec.ID, rec.Kind, rec.AgentID, rec.Product, rec.State, rec.Snapshot.Tokens, rec.Snapshot.Cycle})
	}
	tw.Render()
	return nil
}

func printCycle(c domain.Cycle) error {
	if viper.GetBool("json") {
		return printJSON(c)
	}
	fmt.Printf("cycle %d ended %s: %d orders, total score %d\n", c.Number, c.EndedAt, c.Orders, c.TotalScore)
	tw := newTable(table.Row{"Order", "Agent", "Score", "Event", "Refund"})
	for _, o := range c.Outcomes {
		refund := "-"
		if o.Refund != nil {
			refund = strconv.FormatInt(o.Refund.Value(), 10)
		}
		tw.AppendRow(table.Row{o.OrderID, o.AgentID, o.Score, o.Event, refund})
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
