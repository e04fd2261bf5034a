// Command ledgerctl is a terminal client for the ledger API.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	commander.Register(&tokenCmd{}, "auth")
	commander.Register(&openCmd{}, "auth")

	commander.Register(&snapshotCmd{}, "portfolio")
	commander.Register(&tradeCmd{side: "buy"}, "portfolio")
	commander.Register(&tradeCmd{side: "sell"}, "portfolio")
	commander.Register(&historyCmd{}, "portfolio")
	commander.Register(&quoteCmd{}, "portfolio")

	commander.Register(&refreshCmd{}, "realms")
	commander.Register(&leaderboardCmd{}, "realms")
	commander.Register(&roomsCmd{}, "realms")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
