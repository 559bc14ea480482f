package notify

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alejandrodnm/dutchclear/internal/domain"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

// Console imprime subastas, previews de liquidación y runs en tablas.
type Console struct {
	out io.Writer
	now func() time.Time
}

// NewConsole crea un Console que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout, now: time.Now}
}

// NewConsoleWriter crea un Console para tests.
func NewConsoleWriter(w io.Writer, now func() time.Time) *Console {
	if now == nil {
		now = time.Now
	}
	return &Console{out: w, now: now}
}

// PrintAuctions imprime el listado de subastas con su precio vigente.
func (c *Console) PrintAuctions(auctions []domain.Auction) {
	now := c.now()
	if len(auctions) == 0 {
		fmt.Fprintf(c.out, "[%s] no auctions\n", now.Format("15:04:05"))
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Auction", "Status", "Remaining", "Price now (BTC)", "Floor (BTC)", "Ends")
	for i, a := range auctions {
		table.Append(
			fmt.Sprintf("%d", i+1),
			a.ID,
			string(a.Status),
			fmt.Sprintf("%s / %s", humanize.Comma(a.QuantityRemaining), humanize.Comma(a.TotalQuantity)),
			domain.FormatBTC(a.PriceAt(now)),
			domain.FormatBTC(a.FloorPrice),
			humanize.RelTime(a.EndTime, now, "ago", "from now"),
		)
	}
	table.Render()
}

// PrintPreview imprime la asignación que produciría una liquidación ahora.
func (c *Console) PrintPreview(a domain.Auction, s domain.Settlement) {
	now := c.now()
	fmt.Fprintf(c.out, "\n=== SETTLEMENT PREVIEW %s [%s] ===\n", a.ID, a.Status)
	fmt.Fprintf(c.out, "  Items:      %s\n", strings.Join(a.ItemIDs, ", "))
	fmt.Fprintf(c.out, "  Inventory:  %s total, %s admitted, %s unallocated\n",
		humanize.Comma(s.TotalQuantity), humanize.Comma(a.SoldQuantity()), humanize.Comma(s.ItemsRemaining))
	fmt.Fprintf(c.out, "  Price now:  %s BTC (floor %s, ends %s)\n",
		domain.FormatBTC(a.PriceAt(now)), domain.FormatBTC(a.FloorPrice),
		humanize.RelTime(a.EndTime, now, "ago", "from now"))

	if len(s.Allocations) == 0 {
		fmt.Fprintln(c.out, "  (no confirmed bids to allocate)")
		fmt.Fprintln(c.out)
		return
	}

	fmt.Fprintf(c.out, "  Clearing:   %s BTC (%s sats)\n\n",
		domain.FormatBTC(s.ClearingPrice), humanize.Comma(s.ClearingPrice))

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Bid", "Bidder", "Requested", "Allocated", "Unit (BTC)", "Status")
	for i, al := range s.Allocations {
		allocated := humanize.Comma(al.Allocated)
		if al.Partial {
			allocated += " (partial)"
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			al.BidID,
			truncate(al.BidderAddress, 20),
			humanize.Comma(al.Requested),
			allocated,
			domain.FormatBTC(al.UnitPrice),
			string(al.BidStatus),
		)
	}
	table.Render()
	fmt.Fprintln(c.out)
}

// PrintRuns imprime el registro de auditoría de los runs de una subasta.
func (c *Console) PrintRuns(runs []domain.SettlementRun) {
	if len(runs) == 0 {
		fmt.Fprintln(c.out, "  (no settlement runs)")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Run", "State", "Started", "Took", "Transfers", "Settled", "Error")
	for _, r := range runs {
		took := "-"
		if !r.FinishedAt.IsZero() {
			took = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		table.Append(
			truncate(r.ID, 8),
			string(r.State),
			humanize.RelTime(r.StartedAt, c.now(), "ago", "from now"),
			took,
			fmt.Sprintf("%d", r.Transfers),
			fmt.Sprintf("%d", r.SettledCount()),
			truncate(r.Error, 40),
		)
	}
	table.Render()

	last := runs[len(runs)-1]
	failed := 0
	for _, o := range last.Outcomes {
		if o.Failed() {
			failed++
		}
	}
	if failed == 0 {
		return
	}
	fmt.Fprintf(c.out, "\n  Last run: %d failed transfer(s)\n", failed)
	for _, o := range last.Outcomes {
		if o.Failed() {
			fmt.Fprintf(c.out, "    %s → %s\n", o.BidID, o.Outcome)
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
