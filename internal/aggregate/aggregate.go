// Package aggregate derives rankings and summary statistics from a yield snapshot.
package aggregate

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/yourorg/aave-yield-cache/internal/model"
)

// CategoryAll selects every category.
const CategoryAll = "all"

// Kind selects which side of the market a ranking looks at.
type Kind string

// Ranking kinds
const (
	KindSupply Kind = "supply"
	KindBorrow Kind = "borrow"
)

// ErrInvalidKind is returned by ParseKind for anything but supply or borrow.
var ErrInvalidKind = errors.New("type must be supply or borrow")

// ParseKind parses a ranking kind. An empty string means supply.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(KindSupply):
		return KindSupply, nil
	case string(KindBorrow):
		return KindBorrow, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// FilterCategory keeps assets in category, compared case-insensitively.
// CategoryAll or an empty category keeps everything.
func FilterCategory(assets []model.AssetYieldSnapshot, category string) []model.AssetYieldSnapshot {
	if category == "" || strings.EqualFold(category, CategoryAll) {
		return assets
	}
	out := make([]model.AssetYieldSnapshot, 0, len(assets))
	for _, a := range assets {
		if strings.EqualFold(string(a.Category), category) {
			out = append(out, a)
		}
	}
	return out
}

// Best wählt das beste Asset einer Kategorie.
// Supply: höchste SupplyAPY. Borrow: niedrigste BorrowAPY unter Assets mit aktiviertem Borrowing.
// Bei Gleichstand gewinnt das zuerst gelistete Asset.
func Best(assets []model.AssetYieldSnapshot, category string, kind Kind) (model.AssetYieldSnapshot, bool) {
	var (
		best  model.AssetYieldSnapshot
		found bool
	)
	for _, a := range FilterCategory(assets, category) {
		switch kind {
		case KindBorrow:
			if !a.BorrowingEnabled {
				continue
			}
			if !found || a.BorrowAPY < best.BorrowAPY {
				best, found = a, true
			}
		default:
			if !found || a.SupplyAPY > best.SupplyAPY {
				best, found = a, true
			}
		}
	}
	return best, found
}

// FindSymbol looks up an asset by symbol, ignoring case.
func FindSymbol(assets []model.AssetYieldSnapshot, symbol string) (model.AssetYieldSnapshot, bool) {
	for _, a := range assets {
		if strings.EqualFold(a.Symbol, symbol) {
			return a, true
		}
	}
	return model.AssetYieldSnapshot{}, false
}

// Comparison is one asset in a side-by-side comparison. Deltas are measured
// against the highest rate in the compared set and are therefore <= 0.
type Comparison struct {
	model.AssetYieldSnapshot
	SupplyAPYDelta float64 `json:"supplyAPYDelta"`
	BorrowAPYDelta float64 `json:"borrowAPYDelta"`
}

// ComparisonSummary names the leaders of a comparison. BestBorrow is the
// cheapest borrowable asset and is empty when none of them can be borrowed.
type ComparisonSummary struct {
	BestSupply    string  `json:"bestSupply"`
	BestSupplyAPY float64 `json:"bestSupplyAPY"`
	BestBorrow    string  `json:"bestBorrow,omitempty"`
	BestBorrowAPY float64 `json:"bestBorrowAPY,omitempty"`
}

// Compare selects the requested symbols, rounds them, and computes deltas
// against the set's best rates. Results are sorted by supply APY, highest first.
// Unknown symbols are ignored; an empty result means none matched.
func Compare(assets []model.AssetYieldSnapshot, symbols []string) ([]Comparison, ComparisonSummary) {
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}

	var out []Comparison
	for _, a := range assets {
		if _, ok := want[strings.ToUpper(a.Symbol)]; ok {
			out = append(out, Comparison{AssetYieldSnapshot: a.Rounded()})
		}
	}
	if len(out) == 0 {
		return nil, ComparisonSummary{}
	}

	maxSupply, maxBorrow := math.Inf(-1), math.Inf(-1)
	for _, c := range out {
		maxSupply = math.Max(maxSupply, c.SupplyAPY)
		maxBorrow = math.Max(maxBorrow, c.BorrowAPY)
	}
	for i := range out {
		out[i].SupplyAPYDelta = model.Round(out[i].SupplyAPY-maxSupply, model.APYPrecision)
		out[i].BorrowAPYDelta = model.Round(out[i].BorrowAPY-maxBorrow, model.APYPrecision)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SupplyAPY > out[j].SupplyAPY })

	summary := ComparisonSummary{
		BestSupply:    out[0].Symbol,
		BestSupplyAPY: maxSupply,
	}
	rounded := make([]model.AssetYieldSnapshot, len(out))
	for i, c := range out {
		rounded[i] = c.AssetYieldSnapshot
	}
	if b, ok := Best(rounded, CategoryAll, KindBorrow); ok {
		summary.BestBorrow = b.Symbol
		summary.BestBorrowAPY = b.BorrowAPY
	}
	return out, summary
}

// CategoryStats summarizes one category.
type CategoryStats struct {
	Category         model.Category `json:"category"`
	AssetCount       int            `json:"assetCount"`
	AverageSupplyAPY float64        `json:"averageSupplyAPY"`
	AverageBorrowAPY float64        `json:"averageBorrowAPY"`
	MedianSupplyAPY  float64        `json:"medianSupplyAPY"`
}

// Overview summarizes the whole snapshot.
type Overview struct {
	TotalAssets      int     `json:"totalAssets"`
	ActiveAssets     int     `json:"activeAssets"`
	AverageSupplyAPY float64 `json:"averageSupplyAPY"`
	AverageBorrowAPY float64 `json:"averageBorrowAPY"`
	MedianSupplyAPY  float64 `json:"medianSupplyAPY"`
	HighestSupplyAPY float64 `json:"highestSupplyAPY"`
	LowestSupplyAPY  float64 `json:"lowestSupplyAPY"`
}

// Stats is the full summary served by the stats endpoint.
type Stats struct {
	Overview   Overview         `json:"overview"`
	Categories []CategoryStats  `json:"categories"`
	BestSupply *model.YieldPick `json:"bestSupply,omitempty"`
	BestBorrow *model.YieldPick `json:"bestBorrow,omitempty"`
}

// Summarize computes overview and per-category statistics. Averages are
// rounded to APY precision. Categories appear in display order and empty
// ones are omitted.
func Summarize(assets []model.AssetYieldSnapshot) Stats {
	st := Stats{Categories: []CategoryStats{}}
	st.Overview.TotalAssets = len(assets)
	if len(assets) == 0 {
		return st
	}

	var sumSupply, sumBorrow float64
	highest, lowest := math.Inf(-1), math.Inf(1)
	for _, a := range assets {
		if a.IsActive {
			st.Overview.ActiveAssets++
		}
		sumSupply += a.SupplyAPY
		sumBorrow += a.BorrowAPY
		highest = math.Max(highest, a.SupplyAPY)
		// Lowest ignores zero-yield reserves
		if a.SupplyAPY > 0 {
			lowest = math.Min(lowest, a.SupplyAPY)
		}
	}
	n := float64(len(assets))
	st.Overview.AverageSupplyAPY = model.Round(sumSupply/n, model.APYPrecision)
	st.Overview.AverageBorrowAPY = model.Round(sumBorrow/n, model.APYPrecision)
	st.Overview.MedianSupplyAPY = model.Round(Median(assets, supplyAPY), model.APYPrecision)
	st.Overview.HighestSupplyAPY = model.Round(highest, model.APYPrecision)
	if !math.IsInf(lowest, 1) {
		st.Overview.LowestSupplyAPY = model.Round(lowest, model.APYPrecision)
	}

	groups := make(map[model.Category][]model.AssetYieldSnapshot)
	order := append([]model.Category(nil), model.Categories...)
	for _, a := range assets {
		if _, known := groups[a.Category]; !known && !isKnownCategory(a.Category) {
			order = append(order, a.Category)
		}
		groups[a.Category] = append(groups[a.Category], a)
	}
	for _, c := range order {
		members := groups[c]
		if len(members) == 0 {
			continue
		}
		var s, b float64
		for _, a := range members {
			s += a.SupplyAPY
			b += a.BorrowAPY
		}
		cnt := float64(len(members))
		st.Categories = append(st.Categories, CategoryStats{
			Category:         c,
			AssetCount:       len(members),
			AverageSupplyAPY: model.Round(s/cnt, model.APYPrecision),
			AverageBorrowAPY: model.Round(b/cnt, model.APYPrecision),
			MedianSupplyAPY:  model.Round(Median(members, supplyAPY), model.APYPrecision),
		})
	}

	if a, ok := Best(assets, CategoryAll, KindSupply); ok {
		st.BestSupply = &model.YieldPick{Symbol: a.Symbol, APY: model.Round(a.SupplyAPY, model.APYPrecision)}
	}
	if a, ok := Best(assets, CategoryAll, KindBorrow); ok {
		st.BestBorrow = &model.YieldPick{Symbol: a.Symbol, APY: model.Round(a.BorrowAPY, model.APYPrecision)}
	}
	return st
}

func isKnownCategory(c model.Category) bool {
	for _, k := range model.Categories {
		if k == c {
			return true
		}
	}
	return false
}

func supplyAPY(a model.AssetYieldSnapshot) float64 { return a.SupplyAPY }

// Median berechnet den Medianwert für eine bestimmte Eigenschaft
// Robust gegen Ausreißer, z.B. einzelne Reserves mit Incentive-Spitzen
func Median(assets []model.AssetYieldSnapshot, selector func(model.AssetYieldSnapshot) float64) float64 {
	if len(assets) == 0 {
		return 0
	}
	values := make([]float64, 0, len(assets))
	for _, a := range assets {
		values = append(values, selector(a))
	}
	sort.Float64s(values)
	n := len(values)
	if n%2 == 0 {
		return (values[n/2-1] + values[n/2]) / 2
	}
	return values[n/2]
}

// MarketSnapshot builds the summary published after each update.
func MarketSnapshot(assets []model.AssetYieldSnapshot) model.MarketSnapshot {
	snap := model.MarketSnapshot{TotalAssets: len(assets)}
	if len(assets) == 0 {
		return snap
	}
	var s, b float64
	for _, a := range assets {
		s += a.SupplyAPY
		b += a.BorrowAPY
	}
	n := float64(len(assets))
	snap.AvgSupplyAPY = model.Round(s/n, model.APYPrecision)
	snap.AvgBorrowAPY = model.Round(b/n, model.APYPrecision)
	if best, ok := Best(assets, CategoryAll, KindSupply); ok {
		snap.HighestAPY = model.YieldPick{Symbol: best.Symbol, APY: model.Round(best.SupplyAPY, model.APYPrecision)}
	}
	return snap
}

// BestByCategory returns the supply leader of every non-empty category.
func BestByCategory(assets []model.AssetYieldSnapshot) map[model.Category]model.YieldPick {
	out := make(map[model.Category]model.YieldPick)
	for _, a := range assets {
		cur, ok := out[a.Category]
		if !ok || a.SupplyAPY > cur.APY {
			out[a.Category] = model.YieldPick{Symbol: a.Symbol, APY: a.SupplyAPY}
		}
	}
	return out
}

// DetectBestChanges compares two BestByCategory results. A category whose
// leader symbol differs, or that is new, yields one change. Results follow
// display order.
func DetectBestChanges(prev, next map[model.Category]model.YieldPick) []model.BestYieldChange {
	var changes []model.BestYieldChange
	emit := func(c model.Category) {
		nb, ok := next[c]
		if !ok {
			return
		}
		old, had := prev[c]
		if had && old.Symbol == nb.Symbol {
			return
		}
		ch := model.BestYieldChange{Category: c, NewBest: nb}
		if had {
			o := old
			ch.OldBest = &o
		}
		changes = append(changes, ch)
	}

	for _, c := range model.Categories {
		emit(c)
	}
	var extra []model.Category
	for c := range next {
		if !isKnownCategory(c) {
			extra = append(extra, c)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	for _, c := range extra {
		emit(c)
	}
	return changes
}
