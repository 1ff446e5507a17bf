package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atmx/paper-trader/internal/trade"
)

func newStateCmd(c *cli) *cobra.Command {
	var (
		limit  int
		ticker string
	)
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show cash, positions and recent trades",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := c.svc.State(cmd.Context(), ticker, limit)
			if err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of recent trades to show (default TRADE_HISTORY_LIMIT)")
	cmd.Flags().StringVarP(&ticker, "symbol", "s", "", "symbol to quote alongside the account (default DEFAULT_SYMBOL)")
	return cmd
}

func printState(out io.Writer, st *trade.StateResponse) {
	fmt.Fprintf(out, "Account:   %s\n", st.Account.Name)
	fmt.Fprintf(out, "Cash:      %s\n", usd(st.Account.Cash))
	fmt.Fprintf(out, "Positions: %s (unrealized %s)\n", usd(st.PositionsValue), signedUSD(st.UnrealizedPnL))
	fmt.Fprintf(out, "Total:     %s\n", usd(st.TotalValue))
	if st.LatestPrice != nil {
		fmt.Fprintf(out, "%s last:  %s\n", st.Symbol, unitPrice(*st.LatestPrice))
	}

	if len(st.Positions) > 0 {
		fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "SYMBOL\tQTY\tAVG PRICE\tLAST\tVALUE\tP&L\t")
		for _, p := range st.Positions {
			last, value, pnl := "-", "-", "-"
			if p.LastPrice != nil {
				last = unitPrice(*p.LastPrice)
				value = usd(*p.MarketValue)
				pnl = signedUSD(*p.UnrealizedPnL)
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t\n",
				p.Symbol, p.Quantity, unitPrice(p.AvgPrice), last, value, pnl)
		}
		tw.Flush()
	}

	fmt.Fprintln(out)
	if len(st.Trades) == 0 {
		fmt.Fprintln(out, "No trades yet.")
		return
	}
	fmt.Fprintln(out, "Recent trades:")
	for _, t := range st.Trades {
		fmt.Fprintf(out, "  %s\n", t)
	}
}

func newQuoteCmd(c *cli) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "quote SYMBOL",
		Short: "Show the latest daily closes for a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := c.svc.Quote(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if q.LatestPrice == nil {
				fmt.Fprintf(out, "%s: no price data\n", q.Symbol)
				return nil
			}
			series := q.Series
			if days > 0 && len(series) > days {
				series = series[len(series)-days:]
			}
			for _, p := range series {
				fmt.Fprintf(out, "%s  %s\n", p.Date, unitPrice(p.Close))
			}
			fmt.Fprintf(out, "%s last: %s\n", q.Symbol, unitPrice(*q.LatestPrice))
			return nil
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 5, "number of closes to print (0 for all)")
	return cmd
}

func newTradeCmd(c *cli, side string) *cobra.Command {
	return &cobra.Command{
		Use:   side + " SYMBOL QUANTITY",
		Short: strings.ToUpper(side[:1]) + side[1:] + " shares at the latest close",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("quantity must be a whole number of shares, got %q", args[1])
			}
			out, err := c.svc.Execute(cmd.Context(), trade.TradeRequest{
				Symbol:   args[0],
				Side:     side,
				Quantity: qty,
			})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %d %s @ %s = %s\n",
				out.Trade.Side, out.Trade.Quantity, out.Trade.Symbol,
				unitPrice(out.Trade.Price), usd(out.Trade.Amount()))
			fmt.Fprintf(w, "Position: %d @ %s\n", out.Position.Quantity, unitPrice(out.Position.AvgPrice))
			fmt.Fprintf(w, "Cash:     %s\n", usd(out.Account.Cash))
			return nil
		},
	}
}

func newResetCmd(c *cli) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all positions and trades and restore the starting cash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout()) {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}
			acct, err := c.svc.ResetLedger(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %s to %s\n", acct.Name, usd(acct.Cash))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func confirm(in io.Reader, out io.Writer) bool {
	fmt.Fprint(out, "This deletes every position and trade. Continue? [y/N] ")
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
