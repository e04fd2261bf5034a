package main

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	md "github.com/nao1215/markdown"

	"github.com/atmx/portfolio-engine/internal/api"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/valuation"
)

func snapshotMarkdown(s model.Snapshot) string {
	var buf bytes.Buffer
	doc := md.NewMarkdown(&buf)
	writeSnapshot(doc, s)
	return doc.String()
}

func writeSnapshot(doc *md.Markdown, s model.Snapshot) {
	title := "Primary account"
	if _, ok := model.IsPrimaryRealm(s.RealmID); !ok {
		title = "Room " + s.RealmID
	}
	doc.H1(title)
	doc.PlainText(fmt.Sprintf("%s %s (%s, %s%%)", md.Bold("Net worth"), s.NetWorthDisplay, s.GainsDisplay, s.ReturnsPct.StringFixed(2)))

	doc.Table(md.TableSet{
		Alignment: []md.TableAlignment{md.AlignLeft, md.AlignRight},
		Header:    []string{"", "Amount"},
		Rows: [][]string{
			{"Cash", valuation.Display(s.Cash)},
			{"Baseline", valuation.Display(s.Baseline)},
			{"Realized P&L", valuation.Display(s.RealizedPnLTotal)},
			{"Unrealized P&L", valuation.Display(s.UnrealizedPnLTotal)},
		},
	})

	doc.H2("Holdings")
	if len(s.Holdings) == 0 {
		doc.PlainText(md.Italic("No open positions."))
		return
	}
	table := md.TableSet{
		Alignment: []md.TableAlignment{
			md.AlignLeft,
			md.AlignRight,
			md.AlignRight,
			md.AlignRight,
			md.AlignRight,
			md.AlignRight,
			md.AlignRight,
		},
		Header: []string{"Symbol", "Qty", "Avg cost", "Last", "Value", "Unrealized", "Realized"},
		Rows:   [][]string{},
	}
	for _, h := range s.Holdings {
		table.Rows = append(table.Rows, []string{
			h.Symbol,
			fmt.Sprint(h.Quantity),
			h.AvgCost.StringFixed(2),
			h.LastPrice.StringFixed(2),
			valuation.Display(h.MarketValue),
			valuation.Display(h.UnrealizedPL),
			valuation.Display(h.RealizedPnL),
		})
	}
	doc.Table(table)
}

func tradeMarkdown(r api.TradeResponse) string {
	var buf bytes.Buffer
	doc := md.NewMarkdown(&buf)

	t := r.Trade
	price := t.Price.StringFixed(2)
	if t.Simulated {
		price += " (simulated)"
	}
	doc.H1(fmt.Sprintf("%s %d %s @ %s", strings.ToUpper(string(t.Side)), t.Quantity, t.Symbol, price))
	summary := fmt.Sprintf("Amount %s, realized %s", valuation.Display(t.Amount), valuation.Display(t.RealizedDelta))
	if t.Closed {
		summary += ", position closed"
	}
	doc.PlainText(summary)

	writeSnapshot(doc, r.Portfolio)
	return doc.String()
}

func historyMarkdown(samples []model.HistorySample) string {
	var buf bytes.Buffer
	doc := md.NewMarkdown(&buf)

	doc.H1("Net worth history")
	if len(samples) == 0 {
		doc.PlainText(md.Italic("No samples yet."))
		return doc.String()
	}
	table := md.TableSet{
		Alignment: []md.TableAlignment{md.AlignLeft, md.AlignRight},
		Header:    []string{"Time", "Net worth"},
		Rows:      [][]string{},
	}
	for _, s := range samples {
		table.Rows = append(table.Rows, []string{s.Timestamp.Local().Format(time.DateTime), valuation.Display(s.NetWorth)})
	}
	doc.Table(table)
	return doc.String()
}

func refreshMarkdown(updates []model.PriceUpdate) string {
	var buf bytes.Buffer
	doc := md.NewMarkdown(&buf)

	doc.H1("Prices refreshed")
	if len(updates) == 0 {
		doc.PlainText(md.Italic("Nothing held."))
		return doc.String()
	}
	table := md.TableSet{
		Alignment: []md.TableAlignment{md.AlignLeft, md.AlignRight, md.AlignLeft, md.AlignRight},
		Header:    []string{"Symbol", "Price", "Source", "Holders"},
		Rows:      [][]string{},
	}
	for _, u := range updates {
		src := "live"
		if u.Simulated {
			src = "simulated"
		}
		table.Rows = append(table.Rows, []string{u.Symbol, u.Price.StringFixed(2), src, fmt.Sprint(u.Holders)})
	}
	doc.Table(table)
	return doc.String()
}

func leaderboardMarkdown(entries []model.LeaderboardEntry) string {
	var buf bytes.Buffer
	doc := md.NewMarkdown(&buf)

	doc.H1("Leaderboard")
	table := md.TableSet{
		Alignment: []md.TableAlignment{
			md.AlignRight,
			md.AlignLeft,
			md.AlignRight,
			md.AlignRight,
			md.AlignRight,
		},
		Header: []string{"#", "User", "Net worth", "Gains", "Cash"},
		Rows:   [][]string{},
	}
	for _, e := range entries {
		table.Rows = append(table.Rows, []string{
			fmt.Sprint(e.Rank),
			e.OwnerID,
			valuation.Display(e.NetWorth),
			valuation.Display(e.Gains),
			valuation.Display(e.Cash),
		})
	}
	doc.Table(table)
	return doc.String()
}

func roomsMarkdown(rooms []model.RoomSummary) string {
	var buf bytes.Buffer
	doc := md.NewMarkdown(&buf)

	doc.H1("Rooms")
	if len(rooms) == 0 {
		doc.PlainText(md.Italic("No rooms."))
		return doc.String()
	}
	table := md.TableSet{
		Alignment: []md.TableAlignment{
			md.AlignLeft,
			md.AlignLeft,
			md.AlignLeft,
			md.AlignRight,
			md.AlignRight,
			md.AlignLeft,
		},
		Header: []string{"Id", "Name", "Owner", "Base", "Players", "You"},
		Rows:   [][]string{},
	}
	for _, r := range rooms {
		you := ""
		switch {
		case r.IsOwner:
			you = "owner"
		case r.Joined:
			you = "joined"
		}
		table.Rows = append(table.Rows, []string{r.ID, r.Name, r.OwnerID, valuation.Display(r.BaseAmount), fmt.Sprint(r.Participants), you})
	}
	doc.Table(table)
	return doc.String()
}
