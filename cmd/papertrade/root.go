package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/atmx/paper-trader/internal/app"
	"github.com/atmx/paper-trader/internal/config"
	"github.com/atmx/paper-trader/internal/trade"
)

// cli carries the components opened for one command invocation.
type cli struct {
	dbPath  string
	dataDir string
	offline bool
	verbose bool

	app *app.App
	svc *trade.Service
}

// run executes the command line args and releases whatever the command
// opened, whether it succeeded or not.
func run(args []string, in io.Reader, out, errOut io.Writer) error {
	c := &cli{}
	defer c.close()

	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)
	return root.Execute()
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "papertrade",
		Short: "Paper trading ledger for a single simulated account",
		Long: `papertrade executes simulated market orders at the latest daily close and
keeps the account's cash, positions and trade history in the configured store.

It reads the same environment as the server (DATABASE_URL, SQLITE_PATH,
PRICE_PROVIDER, PRICE_DATA_DIR, ...), optionally from a .env file.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.open,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.dbPath, "db", "", "SQLite database path (overrides SQLITE_PATH and DATABASE_URL)")
	flags.StringVar(&c.dataDir, "data-dir", "", "directory of {SYMBOL}.csv price files (overrides PRICE_DATA_DIR)")
	flags.BoolVar(&c.offline, "offline", false, "do not query the online price provider")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		newStateCmd(c),
		newQuoteCmd(c),
		newTradeCmd(c, "buy"),
		newTradeCmd(c, "sell"),
		newResetCmd(c),
	)
	return root
}

func (c *cli) open(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.dbPath != "" {
		// An explicit file wins over DATABASE_URL.
		cfg.DatabaseURL = ""
		cfg.SQLitePath = c.dbPath
	}
	if c.dataDir != "" {
		cfg.PriceDataDir = c.dataDir
	}
	if c.offline {
		cfg.PriceProvider = config.ProviderNone
	}

	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	c.app = a
	c.svc = trade.NewService(a.Ledger, a.Prices, nil, trade.Config{
		DefaultSymbol: cfg.DefaultSymbol,
		HistoryLimit:  cfg.TradeHistoryLimit,
	})
	return nil
}

func (c *cli) close() {
	if c.app != nil {
		c.app.Close()
		c.app = nil
	}
}
