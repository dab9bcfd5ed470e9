package aggregator

import (
	"cmp"
	"maps"
	"slices"

	"github.com/ajitpratap0/quantfunk/internal/signals"
)

// Action is the final per-instrument decision.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Composite thresholds: above BuyThreshold is a buy, below SellThreshold a sell.
const (
	BuyThreshold  = 0.2
	SellThreshold = -0.2
)

// Portfolio signal bands relative to the equal share 1/n.
const (
	overweightFactor  = 1.5
	underweightFactor = 0.5
)

// Decision is the blended outcome for one instrument.
type Decision struct {
	Symbol     string  `json:"symbol" yaml:"symbol"`
	Action     Action  `json:"action" yaml:"action"`
	Composite  float64 `json:"composite" yaml:"composite"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
	// ContributingModules lists the modules whose records were blended.
	ContributingModules []string `json:"contributing_modules" yaml:"contributing_modules"`
}

// Blend turns records into one decision per symbol. Only records of modules
// present in weights count. For each symbol the composite is the
// weight-normalized sum of directions over the modules that reported;
// confidence is the number of modules agreeing with the action (every
// reporting module for HOLD) over the number of modules in weights.
//
// Blend is a pure function: the order of records does not matter. If a module
// has several records for one symbol only the lowest direction counts.
func Blend(symbols []string, records []signals.Record, weights map[string]float64) map[string]Decision {
	bySymbol := make(map[string]map[string]signals.Direction, len(symbols))
	for _, rec := range records {
		if _, ok := weights[rec.Module]; !ok || !rec.Direction.Valid() {
			continue
		}
		dirs := bySymbol[rec.Symbol]
		if dirs == nil {
			dirs = make(map[string]signals.Direction)
			bySymbol[rec.Symbol] = dirs
		}
		if prev, seen := dirs[rec.Module]; !seen || rec.Direction < prev {
			dirs[rec.Module] = rec.Direction
		}
	}

	out := make(map[string]Decision, len(symbols))
	for _, symbol := range symbols {
		out[symbol] = blendOne(symbol, bySymbol[symbol], weights)
	}
	return out
}

func blendOne(symbol string, dirs map[string]signals.Direction, weights map[string]float64) Decision {
	d := Decision{Symbol: symbol, Action: ActionHold, ContributingModules: []string{}}
	if len(dirs) == 0 {
		return d
	}

	modules := slices.Sorted(maps.Keys(dirs))
	var num, den float64
	for _, m := range modules {
		w := weights[m]
		num += float64(dirs[m]) * w
		den += w
	}
	if den > 0 {
		d.Composite = num / den
	}
	d.Action = actionFor(d.Composite)
	d.ContributingModules = modules

	var agreeing int
	for _, m := range modules {
		switch d.Action {
		case ActionBuy:
			if dirs[m] == signals.Buy {
				agreeing++
			}
		case ActionSell:
			if dirs[m] == signals.Sell {
				agreeing++
			}
		default:
			agreeing++
		}
	}
	if len(weights) > 0 {
		d.Confidence = float64(agreeing) / float64(len(weights))
	}
	return d
}

func actionFor(composite float64) Action {
	switch {
	case composite > BuyThreshold:
		return ActionBuy
	case composite < SellThreshold:
		return ActionSell
	default:
		return ActionHold
	}
}

// PortfolioSignals derives one record per weighted symbol: buy above 1.5x
// the equal share, sell below 0.5x, neutral otherwise. Records are ordered
// by symbol.
func PortfolioSignals(weights map[string]float64) []signals.Record {
	if len(weights) == 0 {
		return nil
	}
	equal := 1 / float64(len(weights))

	out := make([]signals.Record, 0, len(weights))
	for _, symbol := range slices.Sorted(maps.Keys(weights)) {
		w := weights[symbol]
		dir := signals.Neutral
		switch {
		case w > overweightFactor*equal:
			dir = signals.Buy
		case w < underweightFactor*equal:
			dir = signals.Sell
		}
		out = append(out, signals.Record{
			Module:    PortfolioModule,
			Symbol:    symbol,
			Direction: dir,
			Strength:  signals.Strength(w),
			Metadata:  map[string]any{"weight": w, "equal_share": equal},
		})
	}
	return out
}

func sortRecords(records []signals.Record) {
	slices.SortFunc(records, func(a, b signals.Record) int {
		return cmp.Or(cmp.Compare(a.Symbol, b.Symbol), cmp.Compare(a.Module, b.Module))
	})
}
