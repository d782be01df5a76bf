package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"tradedesk/pkg/tradedesk"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tradedesk-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version                     Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  health                      Show broker session health\n")
		fmt.Fprintf(os.Stderr, "  buy SYMBOL QTY [options]    Place a stock buy order\n")
		fmt.Fprintf(os.Stderr, "  sell SYMBOL QTY [options]   Place a stock sell order\n")
		fmt.Fprintf(os.Stderr, "  option [options]            Place an option order\n")
		fmt.Fprintf(os.Stderr, "  orders [-limit N]           List orders, newest first\n")
		fmt.Fprintf(os.Stderr, "  order ID                    Show one order\n")
		fmt.Fprintf(os.Stderr, "  fills [-order N] [-limit N] List fills, newest first\n")
		fmt.Fprintf(os.Stderr, "  cancel ID                   Cancel a working order\n")
		fmt.Fprintf(os.Stderr, "  modify ID [options]         Modify a working order\n")
		fmt.Fprintf(os.Stderr, "  positions                   List positions\n")
		fmt.Fprintf(os.Stderr, "  account [-account A]        List account values\n")
		fmt.Fprintf(os.Stderr, "  dashboard                   Show ledger statistics\n")
		fmt.Fprintf(os.Stderr, "\nThe server address comes from TRADEDESK_ADDR (default http://localhost:8080).\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	baseURL := "http://localhost:8080"
	if a := os.Getenv("TRADEDESK_ADDR"); a != "" {
		baseURL = a
	}
	client := tradedesk.NewClient(baseURL)
	ctx := context.Background()
	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("tradedesk-cli %s\n", version)
	case "health":
		err = cmdHealth(ctx, client)
	case "buy":
		err = cmdPlaceStock(ctx, client, "BUY", args)
	case "sell":
		err = cmdPlaceStock(ctx, client, "SELL", args)
	case "option":
		err = cmdPlaceOption(ctx, client, args)
	case "orders":
		err = cmdOrders(ctx, client, args)
	case "order":
		err = cmdOrder(ctx, client, args)
	case "fills":
		err = cmdFills(ctx, client, args)
	case "cancel":
		err = cmdCancel(ctx, client, args)
	case "modify":
		err = cmdModify(ctx, client, args)
	case "positions":
		err = cmdPositions(ctx, client)
	case "account":
		err = cmdAccount(ctx, client, args)
	case "dashboard":
		err = cmdDashboard(ctx, client)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdHealth(ctx context.Context, c *tradedesk.Client) error {
	h, err := c.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("backend:    %s\n", h.Backend)
	fmt.Printf("connected:  %v\n", h.Connected)
	fmt.Printf("in flight:  %v\n", h.InFlight)
	fmt.Printf("timeouts:   %d\n", h.Timeouts)
	if !h.LastSuccess.IsZero() {
		fmt.Printf("last ok:    %s\n", h.LastSuccess.Format("2006-01-02 15:04:05"))
	}
	if h.LastError != "" {
		fmt.Printf("last error: %s\n", h.LastError)
	}
	return nil
}

func cmdPlaceStock(ctx context.Context, c *tradedesk.Client, side string, args []string) error {
	fs := flag.NewFlagSet(side, flag.ExitOnError)
	limit := fs.Float64("limit", 0, "limit price (omit for a market order)")
	stop := fs.Float64("stop", 0, "stop price")
	tif := fs.String("tif", "DAY", "time in force: DAY or GTC")
	fs.Parse(args)

	if fs.NArg() != 2 {
		return fmt.Errorf("usage: %s SYMBOL QTY [-limit P] [-stop P] [-tif DAY|GTC]", side)
	}
	qty, err := strconv.ParseInt(fs.Arg(1), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid quantity %q", fs.Arg(1))
	}

	req := tradedesk.PlaceOrderRequest{
		Symbol: fs.Arg(0), Side: side, Quantity: qty, OrderType: "MKT", TIF: *tif,
	}
	if *limit > 0 {
		req.OrderType = "LMT"
		req.Price = limit
	} else if *stop > 0 {
		req.OrderType = "STP"
		req.Price = stop
	}

	h, err := c.PlaceStockOrder(ctx, req)
	if err != nil {
		return err
	}
	printHandle(h)
	return nil
}

func cmdPlaceOption(ctx context.Context, c *tradedesk.Client, args []string) error {
	fs := flag.NewFlagSet("option", flag.ExitOnError)
	symbol := fs.String("symbol", "", "underlying symbol")
	side := fs.String("side", "BUY", "BUY or SELL")
	qty := fs.Int64("qty", 0, "number of contracts")
	expiry := fs.String("expiry", "", "contract expiry, YYYYMMDD")
	strike := fs.Float64("strike", 0, "strike price")
	right := fs.String("right", "", "C for call, P for put")
	limit := fs.Float64("limit", 0, "limit price (omit for a market order)")
	tif := fs.String("tif", "DAY", "time in force: DAY or GTC")
	fs.Parse(args)

	req := tradedesk.PlaceOrderRequest{
		Symbol: *symbol, Side: *side, Quantity: *qty, OrderType: "MKT", TIF: *tif,
		Expiry: *expiry, Strike: *strike, Right: *right,
	}
	if *limit > 0 {
		req.OrderType = "LMT"
		req.Price = limit
	}

	h, err := c.PlaceOptionOrder(ctx, req)
	if err != nil {
		return err
	}
	printHandle(h)
	return nil
}

func printHandle(h *tradedesk.OrderHandle) {
	fmt.Printf("order %d: %s %d %s  status=%s broker_id=%d\n",
		h.OrderID, h.Side, h.Quantity, h.Symbol, h.Status, h.BrokerOrderID)
	if h.Message != "" {
		fmt.Printf("  %s\n", h.Message)
	}
}

func cmdOrders(ctx context.Context, c *tradedesk.Client, args []string) error {
	fs := flag.NewFlagSet("orders", flag.ExitOnError)
	limit := fs.Int("limit", 0, "maximum rows (0 for the server default)")
	fs.Parse(args)

	orders, err := c.ListOrders(ctx, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSYMBOL\tSIDE\tQTY\tTYPE\tPRICE\tSTATUS\tFILLED\tAVG\tUPDATED")
	for _, o := range orders {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			o.OrderID, o.Symbol, o.Side, o.Quantity, o.OrderType,
			formatPrice(o.Price), o.Status, o.FilledQty, formatPrice(o.AvgPrice),
			o.UpdatedAt.Format("15:04:05"))
	}
	return w.Flush()
}

func cmdOrder(ctx context.Context, c *tradedesk.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: order ID")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q", args[0])
	}

	o, err := c.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("order %d  broker=%d\n", o.OrderID, o.BrokerOrderID)
	fmt.Printf("  %s %d %s %s", o.Side, o.Quantity, o.Symbol, o.OrderType)
	if o.Price > 0 {
		fmt.Printf(" @ %.2f", o.Price)
	}
	fmt.Printf(" %s\n", o.TIF)
	if o.AssetClass == "OPT" {
		fmt.Printf("  contract: %s %s %.2f\n", o.Expiry, o.Right, o.Strike)
	}
	fmt.Printf("  status: %s  filled %d/%d", o.Status, o.FilledQty, o.Quantity)
	if o.AvgPrice > 0 {
		fmt.Printf(" avg %.4f", o.AvgPrice)
	}
	fmt.Println()
	if o.Commission > 0 {
		fmt.Printf("  commission: %.2f %s\n", o.Commission, o.CommissionCurrency)
	}
	if o.Message != "" {
		fmt.Printf("  message: %s\n", o.Message)
	}
	return nil
}

func cmdFills(ctx context.Context, c *tradedesk.Client, args []string) error {
	fs := flag.NewFlagSet("fills", flag.ExitOnError)
	orderID := fs.Int64("order", 0, "restrict to one order")
	limit := fs.Int("limit", 0, "maximum rows (0 for the server default)")
	fs.Parse(args)

	fills, err := c.ListFills(ctx, *orderID, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FILL\tORDER\tEXEC\tSYMBOL\tSIDE\tQTY\tPRICE\tTIME")
	for _, f := range fills {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%d\t%.4f\t%s\n",
			f.FillID, f.OrderID, f.ExecID, f.Symbol, f.Side, f.FilledQty, f.Price, f.Time)
	}
	return w.Flush()
}

func cmdCancel(ctx context.Context, c *tradedesk.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cancel ID")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q", args[0])
	}

	res, err := c.CancelOrder(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("order %d: %s\n", id, res.Status)
	return nil
}

func cmdModify(ctx context.Context, c *tradedesk.Client, args []string) error {
	fs := flag.NewFlagSet("modify", flag.ExitOnError)
	qty := fs.Int64("qty", 0, "new total quantity")
	limit := fs.Float64("limit", 0, "new limit price")
	tif := fs.String("tif", "", "new time in force")
	otype := fs.String("type", "", "new order type: MKT, LMT or STP")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: modify ID [-qty N] [-limit P] [-type T] [-tif X]")
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q", fs.Arg(0))
	}

	var req tradedesk.ModifyOrderRequest
	if *qty > 0 {
		req.Quantity = qty
	}
	if *limit > 0 {
		req.Price = limit
	}
	if *tif != "" {
		req.TIF = tif
	}
	if *otype != "" {
		req.OrderType = otype
	}

	res, err := c.ModifyOrder(ctx, id, req)
	if err != nil {
		return err
	}
	fmt.Printf("order %d: %s\n", id, res.Status)
	return nil
}

func cmdPositions(ctx context.Context, c *tradedesk.Client) error {
	positions, err := c.Positions(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tSYMBOL\tTYPE\tPOSITION\tAVG COST")
	for _, p := range positions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%.4f\n",
			p.Account, p.Symbol, p.SecType, p.Position, p.AvgCost)
	}
	return w.Flush()
}

func cmdAccount(ctx context.Context, c *tradedesk.Client, args []string) error {
	fs := flag.NewFlagSet("account", flag.ExitOnError)
	account := fs.String("account", "", "account code (empty for all)")
	fs.Parse(args)

	values, err := c.AccountValues(ctx, *account)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tTAG\tVALUE\tCURRENCY")
	for _, v := range values {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.Account, v.Tag, v.Value, v.Currency)
	}
	return w.Flush()
}

func cmdDashboard(ctx context.Context, c *tradedesk.Client) error {
	s, err := c.Dashboard(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("open orders:    %d\n", s.OpenOrders)
	fmt.Printf("fills:          %d\n", s.Fills)
	fmt.Printf("shares filled:  %d\n", s.SharesFilled)
	fmt.Printf("notional:       %.2f\n", s.Notional)
	fmt.Printf("commission:     %.2f\n", s.Commission)
	fmt.Printf("realized pnl:   %.2f\n", s.RealizedPnL)
	fmt.Printf("open positions: %d\n", s.OpenPositions)
	if len(s.OrdersByStatus) > 0 {
		fmt.Println("orders by status:")
		for status, n := range s.OrdersByStatus {
			fmt.Printf("  %-18s %d\n", status, n)
		}
	}
	return nil
}

func formatPrice(p float64) string {
	if p == 0 {
		return "-"
	}
	return strconv.FormatFloat(p, 'f', 2, 64)
}
