package walletmetrics

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/stellarcredit/internal/horizon"
)

// PriceSource converts an asset amount into US dollars.
type PriceSource interface {
	USDRate(assetType, assetCode string) decimal.Decimal
}

// StaticPrices is a fixed-rate stand-in for a price oracle: the native
// asset at NativeRate, known stablecoins at par and everything else at
// OtherRate.
type StaticPrices struct {
	NativeRate  decimal.Decimal
	OtherRate   decimal.Decimal
	Stablecoins map[string]bool
}

// Default rates.
var (
	DefaultNativeRate = decimal.RequireFromString("0.12")
	DefaultOtherRate  = decimal.RequireFromString("0.5")
)

// NewStaticPrices returns the default table with the given native rate.
func NewStaticPrices(nativeRate float64) *StaticPrices {
	return &StaticPrices{
		NativeRate: decimal.NewFromFloat(nativeRate),
		OtherRate:  DefaultOtherRate,
		Stablecoins: map[string]bool{
			"USDC": true,
			"USDT": true,
			"BUSD": true,
			"DAI":  true,
		},
	}
}

// DefaultPrices is the table used by ConvertToUSD.
var DefaultPrices = NewStaticPrices(0.12)

// USDRate implements PriceSource.
func (p *StaticPrices) USDRate(assetType, assetCode string) decimal.Decimal {
	if assetType == horizon.AssetTypeNative {
		return p.NativeRate
	}
	if p.Stablecoins[strings.ToUpper(assetCode)] {
		return decimal.NewFromInt(1)
	}
	return p.OtherRate
}

// ConvertToUSD values amount of an asset with DefaultPrices.
func ConvertToUSD(amount float64, assetType, assetCode string) float64 {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0
	}
	return toUSD(DefaultPrices, decimal.NewFromFloat(amount), assetType, assetCode).InexactFloat64()
}

// toUSD never returns a negative value.
func toUSD(p PriceSource, amount decimal.Decimal, assetType, assetCode string) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(p.USDRate(assetType, assetCode))
}
