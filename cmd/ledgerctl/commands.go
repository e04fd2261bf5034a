package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/auth"
	"github.com/atmx/portfolio-engine/internal/client"
	"github.com/atmx/portfolio-engine/internal/config"
)

var (
	serverURL = flag.String("server", config.Getenv("LEDGER_URL", "http://localhost:8080"), "ledger server base URL")
	token     = flag.String("token", os.Getenv("LEDGER_TOKEN"), "bearer token (see the token command)")
	style     = flag.String("style", config.Getenv("LEDGER_STYLE", "dark"), "glamour style: dark, light, notty, ascii")
	timeout   = flag.Duration("timeout", 15*time.Second, "request timeout")
)

func newClient() *client.Client {
	return &client.Client{BaseURL: *serverURL, Token: *token}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, *timeout)
}

// printMarkdown renders md for the terminal, falling back to raw text.
func printMarkdown(md string) {
	r, err := glamour.NewTermRenderer(glamour.WithStandardStyle(*style), glamour.WithWordWrap(100))
	if err == nil {
		if out, rerr := r.Render(md); rerr == nil {
			fmt.Print(out)
			return
		}
	}
	fmt.Print(md)
}

func fail(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// --- token ---

type tokenCmd struct {
	secret string
	issuer string
	ttl    time.Duration
}

func (*tokenCmd) Name() string     { return "token" }
func (*tokenCmd) Synopsis() string { return "mint a bearer token for a user" }
func (*tokenCmd) Usage() string {
	return `ledgerctl token [-secret <s>] [-ttl <d>] <user>

  Prints a signed token for <user>. The secret defaults to $JWT_SECRET.
`
}

func (c *tokenCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.secret, "secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
	f.StringVar(&c.issuer, "issuer", config.Getenv("JWT_ISSUER", auth.DefaultIssuer), "token issuer")
	f.DurationVar(&c.ttl, "ttl", 24*time.Hour, "token lifetime")
}

func (c *tokenCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 || c.secret == "" {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	tok, exp, err := auth.JWT{Secret: []byte(c.secret), TokenTTL: c.ttl, Issuer: c.issuer}.Sign(f.Arg(0))
	if err != nil {
		return fail("%v", err)
	}
	fmt.Println(tok)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
	return subcommands.ExitSuccess
}

// --- open ---

type openCmd struct{}

func (*openCmd) Name() string           { return "open" }
func (*openCmd) Synopsis() string       { return "open the caller's primary account" }
func (*openCmd) Usage() string          { return "ledgerctl open\n" }
func (*openCmd) SetFlags(*flag.FlagSet) {}
func (c *openCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	snap, err := newClient().OpenAccount(ctx)
	if err != nil {
		return fail("%v", err)
	}
	printMarkdown(snapshotMarkdown(snap))
	return subcommands.ExitSuccess
}

// --- snapshot ---

type snapshotCmd struct{ realm string }

func (*snapshotCmd) Name() string     { return "snapshot" }
func (*snapshotCmd) Synopsis() string { return "show cash, net worth and holdings" }
func (*snapshotCmd) Usage() string {
	return `ledgerctl snapshot [-realm <room id>]

  Shows the caller's portfolio in a room, or in the primary realm.
`
}
func (c *snapshotCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.realm, "realm", "", "room id; empty for the primary realm")
}
func (c *snapshotCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	snap, err := newClient().Portfolio(ctx, c.realm)
	if err != nil {
		return fail("%v", err)
	}
	printMarkdown(snapshotMarkdown(snap))
	return subcommands.ExitSuccess
}

// --- buy / sell ---

type tradeCmd struct {
	side  string
	realm string
	price string
}

func (c *tradeCmd) Name() string     { return c.side }
func (c *tradeCmd) Synopsis() string { return c.side + " shares of a symbol" }
func (c *tradeCmd) Usage() string {
	return fmt.Sprintf(`ledgerctl %s [-realm <room id>] [-price <p>] <symbol> <quantity>

  Without -price the trade executes at the server's quote.
`, c.side)
}
func (c *tradeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.realm, "realm", "", "room id; empty for the primary realm")
	f.StringVar(&c.price, "price", "", "limit price; empty to use the quote")
}
func (c *tradeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	qty, err := strconv.ParseInt(f.Arg(1), 10, 64)
	if err != nil {
		return fail("quantity %q: %v", f.Arg(1), err)
	}
	price := decimal.Zero
	if c.price != "" {
		if price, err = decimal.NewFromString(c.price); err != nil {
			return fail("price %q: %v", c.price, err)
		}
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	cl := newClient()
	exec := cl.Buy
	if c.side == "sell" {
		exec = cl.Sell
	}
	res, err := exec(ctx, c.realm, f.Arg(0), qty, price)
	if err != nil {
		return fail("%v", err)
	}
	printMarkdown(tradeMarkdown(res))
	return subcommands.ExitSuccess
}

// --- history ---

type historyCmd struct {
	realm  string
	limit  int
	record bool
}

func (*historyCmd) Name() string     { return "history" }
func (*historyCmd) Synopsis() string { return "list net worth samples" }
func (*historyCmd) Usage() string {
	return `ledgerctl history [-realm <room id>] [-limit <n>] [-record]
`
}
func (c *historyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.realm, "realm", "", "room id; empty for the primary realm")
	f.IntVar(&c.limit, "limit", 0, "maximum samples; 0 for the server default")
	f.BoolVar(&c.record, "record", false, "record a sample first")
}
func (c *historyCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	cl := newClient()
	if c.record {
		if _, err := cl.RecordHistory(ctx, c.realm); err != nil {
			return fail("%v", err)
		}
	}
	samples, err := cl.History(ctx, c.realm, c.limit)
	if err != nil {
		return fail("%v", err)
	}
	printMarkdown(historyMarkdown(samples))
	return subcommands.ExitSuccess
}

// --- quote ---

type quoteCmd struct{}

func (*quoteCmd) Name() string           { return "quote" }
func (*quoteCmd) Synopsis() string       { return "ask the server for a price" }
func (*quoteCmd) Usage() string          { return "ledgerctl quote <symbol>\n" }
func (*quoteCmd) SetFlags(*flag.FlagSet) {}
func (c *quoteCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	q, err := newClient().Quote(ctx, f.Arg(0))
	if err != nil {
		return fail("%v", err)
	}
	fmt.Printf("%s %s\n", q.Symbol, q.Price.StringFixed(2))
	return subcommands.ExitSuccess
}

// --- refresh ---

type refreshCmd struct{ realm string }

func (*refreshCmd) Name() string     { return "refresh" }
func (*refreshCmd) Synopsis() string { return "reprice every holding of a realm" }
func (*refreshCmd) Usage() string    { return "ledgerctl refresh [-realm <room id>]\n" }
func (c *refreshCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.realm, "realm", "", "room id; empty for the primary realm")
}
func (c *refreshCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	res, err := newClient().Refresh(ctx, c.realm)
	if err != nil {
		return fail("%v", err)
	}
	printMarkdown(refreshMarkdown(res.Prices))
	return subcommands.ExitSuccess
}

// --- leaderboard ---

type leaderboardCmd struct{ sort string }

func (*leaderboardCmd) Name() string     { return "leaderboard" }
func (*leaderboardCmd) Synopsis() string { return "rank the participants of a room" }
func (*leaderboardCmd) Usage() string {
	return `ledgerctl leaderboard [-sort assets|net_worth|gains] <room id>
`
}
func (c *leaderboardCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.sort, "sort", "assets", "ranking key")
}
func (c *leaderboardCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	board, err := newClient().Leaderboard(ctx, f.Arg(0), c.sort)
	if err != nil {
		return fail("%v", err)
	}
	printMarkdown(leaderboardMarkdown(board))
	return subcommands.ExitSuccess
}

// --- rooms ---

type roomsCmd struct {
	create string
	base   string
	join   string
	leave  string
	del    string
}

func (*roomsCmd) Name() string     { return "rooms" }
func (*roomsCmd) Synopsis() string { return "list, create, join, leave or delete rooms" }
func (*roomsCmd) Usage() string {
	return `ledgerctl rooms [-create <name> -base <amount> | -join <id> | -leave <id> | -delete <id>]

  Without flags, lists every room.
`
}
func (c *roomsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.create, "create", "", "create a room with this name")
	f.StringVar(&c.base, "base", "", "starting cash of a new room")
	f.StringVar(&c.join, "join", "", "join the room with this id")
	f.StringVar(&c.leave, "leave", "", "leave the room with this id")
	f.StringVar(&c.del, "delete", "", "delete the room with this id")
}
func (c *roomsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	cl := newClient()

	switch {
	case c.create != "":
		base, err := decimal.NewFromString(c.base)
		if err != nil {
			return fail("base %q: %v", c.base, err)
		}
		res, err := cl.CreateRoom(ctx, c.create, base)
		if err != nil {
			return fail("%v", err)
		}
		fmt.Printf("created room %s\n", res.Realm.ID)
		printMarkdown(snapshotMarkdown(res.Portfolio))
	case c.join != "":
		snap, err := cl.JoinRoom(ctx, c.join)
		if err != nil {
			return fail("%v", err)
		}
		printMarkdown(snapshotMarkdown(snap))
	case c.leave != "":
		if err := cl.LeaveRoom(ctx, c.leave); err != nil {
			return fail("%v", err)
		}
		fmt.Println("left", c.leave)
	case c.del != "":
		if err := cl.DeleteRoom(ctx, c.del); err != nil {
			return fail("%v", err)
		}
		fmt.Println("deleted", c.del)
	default:
		rooms, err := cl.Rooms(ctx)
		if err != nil {
			return fail("%v", err)
		}
		printMarkdown(roomsMarkdown(rooms))
	}
	return subcommands.ExitSuccess
}
