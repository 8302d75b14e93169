package fetch

import (
	"github.com/yourorg/aave-yield-cache/internal/model"
)

// DefaultIcon is shown for symbols without a dedicated icon.
const DefaultIcon = "💰"

// Symbols are matched exactly as the data provider reports them.
var categoryBySymbol = buildCategoryIndex(map[model.Category][]string{
	model.CategoryStablecoin: {"USDC", "USDT", "DAI", "FRAX", "LUSD", "USDP", "USDe", "crvUSD", "GHO", "PYUSD"},
	model.CategoryETH:        {"WETH", "wstETH", "rETH", "cbETH", "swETH", "weETH", "sfrxETH", "osETH", "ETHx"},
	model.CategoryBTC:        {"WBTC", "tBTC", "cbBTC"},
	model.CategoryGovernance: {"LINK", "AAVE", "MKR", "UNI", "SNX", "CRV", "BAL", "1INCH", "ENS", "LDO", "RPL", "FXS"},
})

var iconBySymbol = map[string]string{
	"USDC": "💵", "USDT": "💲", "DAI": "🔶", "FRAX": "⚡", "LUSD": "🔷",
	"USDP": "💎", "USDe": "🔷", "crvUSD": "🌀", "GHO": "👻", "PYUSD": "🅿️",

	"WETH": "💎", "wstETH": "🔵", "rETH": "🚀", "cbETH": "🔷", "weETH": "🌊",
	"swETH": "🌊", "sfrxETH": "❄️", "osETH": "🟢", "ETHx": "⚡",

	"WBTC": "🟠", "tBTC": "🔶", "cbBTC": "🟡",

	"LINK": "🔗", "AAVE": "👻", "MKR": "🏛️", "UNI": "🦄", "SNX": "🟣",
	"CRV": "🌀", "BAL": "⚖️", "1INCH": "🐴", "ENS": "🏷️", "LDO": "🔴",
	"RPL": "🚀", "FXS": "❄️",
}

func buildCategoryIndex(groups map[model.Category][]string) map[string]model.Category {
	idx := make(map[string]model.Category)
	for cat, symbols := range groups {
		for _, s := range symbols {
			idx[s] = cat
		}
	}
	return idx
}

// Classify maps a reserve symbol to its category.
func Classify(symbol string) model.Category {
	if cat, ok := categoryBySymbol[symbol]; ok {
		return cat
	}
	return model.CategoryOther
}

// Icon returns the display icon for a symbol.
func Icon(symbol string) string {
	if icon, ok := iconBySymbol[symbol]; ok {
		return icon
	}
	return DefaultIcon
}

// NewTrackedAsset classifies a discovered reserve.
func NewTrackedAsset(symbol, address string) model.TrackedAsset {
	return model.TrackedAsset{
		Symbol:   symbol,
		Address:  address,
		Category: Classify(symbol),
		Icon:     Icon(symbol),
	}
}
