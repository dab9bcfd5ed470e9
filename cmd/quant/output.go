package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/quantfunk/internal/aggregator"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func render(w io.Writer, res *aggregator.RunResult, format string) error {
	return encode(w, res, format, func() error { return renderText(w, res) })
}

func renderFrontier(w io.Writer, res *aggregator.FrontierResult, format string) error {
	return encode(w, res, format, func() error { return renderFrontierText(w, res) })
}

func encode(w io.Writer, v any, format string, text func() error) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text()
	}
}

func renderText(w io.Writer, res *aggregator.RunResult) error {
	fmt.Fprintf(w, "Run %s\n\n", res.RunID)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tACTION\tCOMPOSITE\tCONFIDENCE\tWEIGHT\tMODULES")
	for _, sym := range res.Symbols {
		d := res.Decisions[sym]
		modules := strings.Join(d.ContributingModules, ",")
		if modules == "" {
			modules = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%+.3f\t%.2f\t%.4f\t%s\n",
			sym, d.Action, d.Composite, d.Confidence, res.Weights[sym], modules)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if r := res.Risk; r != nil {
		fmt.Fprintf(w, "\nRisk level: %s\n", r.RiskLevel)
		fmt.Fprintf(w, "  VaR 95%%:          %s\n", money(r.VaR95))
		fmt.Fprintf(w, "  VaR 99%%:          %s\n", money(r.VaR99))
		fmt.Fprintf(w, "  CVaR:             %s\n", money(r.CVaR))
		fmt.Fprintf(w, "  Volatility (ann): %s\n", pct(r.AnnualizedVolatility))
		fmt.Fprintf(w, "  Max drawdown:     %s\n", pct(r.MaxDrawdown))
		for _, v := range r.PositionViolations {
			fmt.Fprintf(w, "  ! %s weight %.2f%% exceeds limit %.2f%%\n", v.Symbol, v.Weight*100, v.Limit*100)
		}
		for _, rec := range r.Recommendations {
			fmt.Fprintf(w, "  - %s\n", rec)
		}
	}

	if diag := res.Diagnostics; diag.Degraded {
		fmt.Fprintf(w, "\nDEGRADED: %s\n", strings.Join(diag.Reasons, ", "))
		for _, f := range diag.ProviderFailures {
			fmt.Fprintf(w, "  %s/%s: %s\n", f.Module, f.Symbol, f.Kind)
		}
	}
	return nil
}

func renderFrontierText(w io.Writer, res *aggregator.FrontierResult) error {
	fmt.Fprintf(w, "Efficient frontier over %s\n\n", strings.Join(res.Symbols, ", "))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "TARGET\tRETURN\tVOLATILITY\tSHARPE\t%s\n", strings.Join(res.Symbols, "\t"))
	for _, p := range res.Points {
		fmt.Fprintf(tw, "%.2f%%\t%.2f%%\t%.2f%%\t%.3f", p.TargetReturn*100, p.ExpectedReturn*100, p.Volatility*100, p.Sharpe)
		for _, sym := range res.Symbols {
			fmt.Fprintf(tw, "\t%.4f", p.Weights[sym])
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(res.Excluded) > 0 {
		fmt.Fprintf(w, "\nExcluded (no returns): %s\n", strings.Join(res.Excluded, ", "))
	}
	return nil
}

func money(v *float64) string {
	if v == nil {
		return "unavailable"
	}
	return fmt.Sprintf("%.2f", *v)
}

func pct(v *float64) string {
	if v == nil {
		return "unavailable"
	}
	return fmt.Sprintf("%.2f%%", *v*100)
}
