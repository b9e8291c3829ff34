package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/elnosh/fiatnuts/cashu"
	"github.com/elnosh/fiatnuts/mint"
	"github.com/elnosh/fiatnuts/mint/fiat"
	"github.com/elnosh/fiatnuts/mint/manager"
	"github.com/urfave/cli/v2"
)

const (
	ADMIN_ADDR_FLAG = "admin-addr"
	UNIT_FLAG       = "unit"
	START_FLAG      = "start-date"
	END_FLAG        = "end-date"
	OPERATION_FLAG  = "operation"
	LIMIT_FLAG      = "limit"
	OFFSET_FLAG     = "offset"
	JSON_FLAG       = "json"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(out io.Writer) *cli.App {
	jsonFlag := &cli.BoolFlag{
		Name:  JSON_FLAG,
		Usage: "Output as JSON",
	}
	unitFlag := &cli.StringFlag{
		Name:    UNIT_FLAG,
		Aliases: []string{"u"},
		Usage:   "Filter by currency unit (e.g. usd, eur)",
	}
	dateFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    START_FLAG,
			Aliases: []string{"s"},
			Usage:   "Start date (YYYY-MM-DD)",
		},
		&cli.StringFlag{
			Name:    END_FLAG,
			Aliases: []string{"e"},
			Usage:   "End date (YYYY-MM-DD)",
		},
	}

	return &cli.App{
		Name:      "fiatnuts-cli",
		Usage:     "cli to inspect the fiat accounting of a fiatnuts mint",
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    ADMIN_ADDR_FLAG,
				Usage:   "Address of the mint admin server",
				EnvVars: []string{"MINT_ADMIN_ADDR"},
				Value:   mint.DefaultAdminAddr,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "accounting-summary",
				Usage:  "Show accounting summary for unit operations",
				Flags:  append([]cli.Flag{unitFlag, jsonFlag}, dateFlags...),
				Action: accountingSummary,
			},
			{
				Name:  "accounting-entries",
				Usage: "Show individual accounting entries",
				Flags: append([]cli.Flag{
					unitFlag,
					jsonFlag,
					&cli.StringFlag{
						Name:    OPERATION_FLAG,
						Aliases: []string{"o"},
						Usage:   "Filter by operation type (mint, melt)",
					},
					&cli.IntFlag{
						Name:    LIMIT_FLAG,
						Aliases: []string{"l"},
						Usage:   "Number of entries to show",
						Value:   50,
					},
					&cli.IntFlag{
						Name:  OFFSET_FLAG,
						Usage: "Offset for pagination",
					},
				}, dateFlags...),
				Action: accountingEntries,
			},
			{
				Name:   "rates",
				Usage:  "Show the exchange rates the mint is pricing with",
				Flags:  []cli.Flag{jsonFlag},
				Action: listRates,
			},
			{
				Name:   "routes",
				Usage:  "Show the lightning backend serving each unit",
				Action: listRoutes,
			},
		},
	}
}

func adminGet(ctx *cli.Context, path string, params url.Values, dst any) error {
	addr := ctx.String(ADMIN_ADDR_FLAG)
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	reqUrl := addr + path
	if len(params) > 0 {
		reqUrl += "?" + params.Encode()
	}

	resp, err := httpClient.Get(reqUrl)
	if err != nil {
		return fmt.Errorf("could not reach mint admin server: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var errRes cashu.Error
		if err := json.Unmarshal(body, &errRes); err != nil || len(errRes.Detail) == 0 {
			return fmt.Errorf("mint admin server returned status %v", resp.StatusCode)
		}
		return errRes
	}

	return json.Unmarshal(body, dst)
}

func dateParams(ctx *cli.Context) url.Values {
	params := url.Values{}
	if unit := ctx.String(UNIT_FLAG); len(unit) > 0 {
		params.Set("unit", unit)
	}
	if start := ctx.String(START_FLAG); len(start) > 0 {
		params.Set("start", start)
	}
	if end := ctx.String(END_FLAG); len(end) > 0 {
		params.Set("end", end)
	}
	return params
}

func printJSON(ctx *cli.Context, v any) error {
	jsonOut, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, string(jsonOut))
	return nil
}

func accountingSummary(ctx *cli.Context) error {
	var summary manager.SummaryResponse
	if err := adminGet(ctx, "/accounting/summary", dateParams(ctx), &summary); err != nil {
		return err
	}

	if ctx.Bool(JSON_FLAG) {
		return printJSON(ctx, summary.Summaries)
	}

	if len(summary.Summaries) == 0 {
		fmt.Fprintln(ctx.App.Writer, "No accounting entries found")
		return nil
	}

	units := make([]string, 0, len(summary.Summaries))
	for unit := range summary.Summaries {
		units = append(units, unit)
	}
	sort.Strings(units)

	w := tabwriter.NewWriter(ctx.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tMINTED\tMELTED\tNET\tMINT FEES\tMELT FEES\tTOTAL FEES\tMINT COUNT\tMELT COUNT")
	for _, unit := range units {
		s := summary.Summaries[unit]
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\t%v\t%v\t%v\n",
			strings.ToUpper(unit), s.Minted, s.Melted, s.Net,
			s.MintFees, s.MeltFees, s.TotalFees, s.MintCount, s.MeltCount)
	}
	return w.Flush()
}

func accountingEntries(ctx *cli.Context) error {
	params := dateParams(ctx)
	if operation := ctx.String(OPERATION_FLAG); len(operation) > 0 {
		if _, err := fiat.ParseOperation(operation); err != nil {
			return err
		}
		params.Set("operation", operation)
	}
	limit, offset := ctx.Int(LIMIT_FLAG), ctx.Int(OFFSET_FLAG)
	if limit < 0 || offset < 0 {
		return errors.New("limit and offset cannot be negative")
	}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))

	var entries manager.EntriesResponse
	if err := adminGet(ctx, "/accounting/entries", params, &entries); err != nil {
		return err
	}

	if ctx.Bool(JSON_FLAG) {
		return printJSON(ctx, entries.Entries)
	}

	w := tabwriter.NewWriter(ctx.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUNIT\tAMOUNT\tOPERATION\tEXCHANGE RATE\tSAT AMOUNT\tFEE %\tFEE AMOUNT\tCREATED")
	for _, entry := range entries.Entries {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\t%v%%\t%v\t%v\n",
			entry.Id, strings.ToUpper(entry.Unit), entry.Amount, entry.Operation,
			entry.Rate.StringFixed(6), entry.SatAmount, entry.FeePct.StringFixed(2),
			entry.FeeAmount, entry.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func listRates(ctx *cli.Context) error {
	var rates manager.RatesResponse
	if err := adminGet(ctx, "/rates", nil, &rates); err != nil {
		return err
	}

	if ctx.Bool(JSON_FLAG) {
		return printJSON(ctx, rates.Rates)
	}

	w := tabwriter.NewWriter(ctx.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tBTC PRICE\tSOURCE\tFETCHED\tSTALE")
	for _, rate := range rates.Rates {
		if len(rate.Error) > 0 {
			fmt.Fprintf(w, "%v\t-\t%v\t-\t-\n", strings.ToUpper(rate.Unit), rate.Error)
			continue
		}
		source := rate.Source
		if len(rate.Anchor) > 0 {
			source += " via " + strings.ToUpper(rate.Anchor)
		}
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n",
			strings.ToUpper(rate.Unit), rate.Rate, source,
			rate.FetchedAt.Local().Format(time.DateTime), rate.Stale)
	}
	return w.Flush()
}

func listRoutes(ctx *cli.Context) error {
	var routes []mint.Route
	if err := adminGet(ctx, "/routes", nil, &routes); err != nil {
		return err
	}

	w := tabwriter.NewWriter(ctx.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tBACKEND")
	for _, route := range routes {
		fmt.Fprintf(w, "%v\t%v\n", route.Unit, route.Backend)
	}
	return w.Flush()
}
