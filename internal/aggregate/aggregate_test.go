package aggregate

import (
	"errors"
	"math"
	"testing"

	"github.com/yourorg/aave-yield-cache/internal/model"
)

func fixture() []model.AssetYieldSnapshot {
	return []model.AssetYieldSnapshot{
		{Symbol: "crvUSD", Category: model.CategoryStablecoin, SupplyAPY: 6.5, BorrowAPY: 0, UtilizationRate: 0, IsActive: true, BorrowingEnabled: false},
		{Symbol: "USDC", Category: model.CategoryStablecoin, SupplyAPY: 4.0, BorrowAPY: 5.0, UtilizationRate: 80, IsActive: true, BorrowingEnabled: true},
		{Symbol: "WETH", Category: model.CategoryETH, SupplyAPY: 2.1, BorrowAPY: 3.0, UtilizationRate: 45, IsActive: true, BorrowingEnabled: true},
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"", KindSupply, false},
		{"supply", KindSupply, false},
		{"BORROW", KindBorrow, false},
		{" borrow ", KindBorrow, false},
		{"lend", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidKind) {
				t.Errorf("ParseKind(%q) error = %v, want ErrInvalidKind", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseKind(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestBest(t *testing.T) {
	tests := []struct {
		name     string
		category string
		kind     Kind
		want     string
		found    bool
	}{
		{"all supply", CategoryAll, KindSupply, "crvUSD", true},
		{"empty category means all", "", KindSupply, "crvUSD", true},
		{"all borrow skips disabled borrowing", CategoryAll, KindBorrow, "WETH", true},
		{"stablecoin borrow", "stablecoin", KindBorrow, "USDC", true},
		{"eth supply", "ETH & LST", KindSupply, "WETH", true},
		{"empty category", "BTC", KindSupply, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Best(fixture(), tt.category, tt.kind)
			if ok != tt.found {
				t.Fatalf("found = %v, want %v", ok, tt.found)
			}
			if got.Symbol != tt.want {
				t.Errorf("Best = %q, want %q", got.Symbol, tt.want)
			}
		})
	}
}

func TestBest_NoBorrowableAssets(t *testing.T) {
	assets := []model.AssetYieldSnapshot{{Symbol: "GHO", SupplyAPY: 0, BorrowingEnabled: false}}
	if _, ok := Best(assets, CategoryAll, KindBorrow); ok {
		t.Error("expected no borrow candidate")
	}
}

func TestFindSymbol(t *testing.T) {
	a, ok := FindSymbol(fixture(), "crvusd")
	if !ok || a.Symbol != "crvUSD" {
		t.Errorf("FindSymbol = %q, %v", a.Symbol, ok)
	}
	if _, ok := FindSymbol(fixture(), "DOGE"); ok {
		t.Error("unexpected match for DOGE")
	}
}

func TestCompare(t *testing.T) {
	out, summary := Compare(fixture(), []string{"weth", " usdc", "NOPE"})
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Symbol != "USDC" || out[1].Symbol != "WETH" {
		t.Errorf("order = %s, %s", out[0].Symbol, out[1].Symbol)
	}
	if out[0].SupplyAPYDelta != 0 || out[0].BorrowAPYDelta != 0 {
		t.Errorf("leader deltas = %v, %v", out[0].SupplyAPYDelta, out[0].BorrowAPYDelta)
	}
	if out[1].SupplyAPYDelta != -1.9 || out[1].BorrowAPYDelta != -2 {
		t.Errorf("WETH deltas = %v, %v", out[1].SupplyAPYDelta, out[1].BorrowAPYDelta)
	}
	if summary.BestSupply != "USDC" || summary.BestSupplyAPY != 4 {
		t.Errorf("best supply = %+v", summary)
	}
	if summary.BestBorrow != "WETH" || summary.BestBorrowAPY != 3 {
		t.Errorf("best borrow = %+v", summary)
	}
}

func TestCompare_NoMatch(t *testing.T) {
	out, summary := Compare(fixture(), []string{"DOGE"})
	if out != nil || summary != (ComparisonSummary{}) {
		t.Errorf("expected empty comparison, got %v %+v", out, summary)
	}
}

func TestSummarize(t *testing.T) {
	st := Summarize(fixture())

	want := Overview{
		TotalAssets:      3,
		ActiveAssets:     3,
		AverageSupplyAPY: 4.2,
		AverageBorrowAPY: 2.6667,
		MedianSupplyAPY:  4,
		HighestSupplyAPY: 6.5,
		LowestSupplyAPY:  2.1,
	}
	if st.Overview != want {
		t.Errorf("overview = %+v, want %+v", st.Overview, want)
	}

	if len(st.Categories) != 2 {
		t.Fatalf("categories = %d, want 2", len(st.Categories))
	}
	stable := st.Categories[0]
	if stable.Category != model.CategoryStablecoin || stable.AssetCount != 2 ||
		stable.AverageSupplyAPY != 5.25 || stable.AverageBorrowAPY != 2.5 || stable.MedianSupplyAPY != 5.25 {
		t.Errorf("stablecoin stats = %+v", stable)
	}
	if st.Categories[1].Category != model.CategoryETH {
		t.Errorf("second category = %s", st.Categories[1].Category)
	}

	if st.BestSupply == nil || st.BestSupply.Symbol != "crvUSD" {
		t.Errorf("best supply = %+v", st.BestSupply)
	}
	if st.BestBorrow == nil || st.BestBorrow.Symbol != "WETH" {
		t.Errorf("best borrow = %+v", st.BestBorrow)
	}
}

func TestSummarize_Empty(t *testing.T) {
	st := Summarize(nil)
	if st.Overview.TotalAssets != 0 || len(st.Categories) != 0 || st.BestSupply != nil {
		t.Errorf("unexpected stats for empty input: %+v", st)
	}
}

func TestSummarize_UnknownCategoryLast(t *testing.T) {
	assets := append(fixture(), model.AssetYieldSnapshot{Symbol: "X", Category: "Exotic", SupplyAPY: 1})
	st := Summarize(assets)
	last := st.Categories[len(st.Categories)-1]
	if last.Category != "Exotic" || last.AssetCount != 1 {
		t.Errorf("last category = %+v", last)
	}
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"odd", []float64{3, 1, 2}, 2},
		{"even", []float64{4, 1, 3, 2}, 2.5},
	}
	for _, tt := range tests {
		var assets []model.AssetYieldSnapshot
		for _, v := range tt.values {
			assets = append(assets, model.AssetYieldSnapshot{SupplyAPY: v})
		}
		if got := Median(assets, supplyAPY); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("%s: Median = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMarketSnapshot(t *testing.T) {
	snap := MarketSnapshot(fixture())
	want := model.MarketSnapshot{
		TotalAssets:  3,
		AvgSupplyAPY: 4.2,
		AvgBorrowAPY: 2.6667,
		HighestAPY:   model.YieldPick{Symbol: "crvUSD", APY: 6.5},
	}
	if snap != want {
		t.Errorf("snapshot = %+v, want %+v", snap, want)
	}
	if empty := MarketSnapshot(nil); empty.TotalAssets != 0 || empty.HighestAPY.Symbol != "" {
		t.Errorf("empty snapshot = %+v", empty)
	}
}

func TestDetectBestChanges(t *testing.T) {
	first := BestByCategory(fixture())
	if first[model.CategoryStablecoin].Symbol != "crvUSD" || first[model.CategoryETH].Symbol != "WETH" {
		t.Fatalf("BestByCategory = %+v", first)
	}

	initial := DetectBestChanges(nil, first)
	if len(initial) != 2 {
		t.Fatalf("initial changes = %d, want 2", len(initial))
	}
	if initial[0].Category != model.CategoryStablecoin || initial[0].OldBest != nil {
		t.Errorf("first change = %+v", initial[0])
	}

	// Same leaders with different rates are not a change
	next := BestByCategory(fixture())
	next[model.CategoryETH] = model.YieldPick{Symbol: "WETH", APY: 2.5}
	if changes := DetectBestChanges(first, next); len(changes) != 0 {
		t.Errorf("unexpected changes: %+v", changes)
	}

	next[model.CategoryStablecoin] = model.YieldPick{Symbol: "USDC", APY: 7}
	changes := DetectBestChanges(first, next)
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(changes))
	}
	c := changes[0]
	if c.NewBest.Symbol != "USDC" || c.OldBest == nil || c.OldBest.Symbol != "crvUSD" {
		t.Errorf("change = %+v", c)
	}
}
