package valuation

import "github.com/epvlab/epv/internal/config"

// Recommend maps margin of safety and quality onto the published bands.
// BUY needs both a deep discount and a quality business; SELL needs a price
// above intrinsic value in a weak business. Everything else holds.
func Recommend(mos, quality float64, th config.Thresholds) Recommendation {
	if mos > th.BuyMOS && quality >= th.BuyQuality {
		return RecommendBuy
	}
	if mos < th.SellMOS && quality < th.SellQuality {
		return RecommendSell
	}
	return RecommendHold
}
