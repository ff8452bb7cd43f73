// File: strategy/signal_test.go
package strategy

import (
	"testing"

	"github.com/eogh234/auto-coin/utilities"

	"github.com/stretchr/testify/assert"
)

func TestDecide_PremiumBuyInBull(t *testing.T) {
	params := utilities.DefaultAdaptiveParams() // rsi_buy 30, boll_buy 0.2
	mc := MarketContext{
		Market:            "KRW-BTC",
		MarketState:       StateBull,
		RSI:               25,
		BollingerPosition: 0.15,
	}

	assert.Equal(t, SignalPremiumBuy, Decide(mc, params, false))
}

func TestDecide_SelectiveBuyWithoutTrendConfirmation(t *testing.T) {
	params := utilities.DefaultAdaptiveParams()
	mc := MarketContext{
		MarketState:       StateSideways,
		RSI:               24, // below buy threshold - 5
		BollingerPosition: 0.25,
	}

	assert.Equal(t, SignalSelectiveBuy, Decide(mc, params, false))
}

func TestDecide_NoBuyAtThresholdBoundary(t *testing.T) {
	params := utilities.DefaultAdaptiveParams()
	mc := MarketContext{
		MarketState:       StateBull,
		RSI:               30, // not strictly below
		BollingerPosition: 0.15,
	}

	assert.Equal(t, SignalHold, Decide(mc, params, false))
}

func TestDecide_EmergencySellOnOverboughtRegardlessOfBand(t *testing.T) {
	params := utilities.DefaultAdaptiveParams() // rsi_sell 70
	mc := MarketContext{
		MarketState:       StateBull,
		RSI:               75,
		BollingerPosition: 0.1,
	}

	assert.Equal(t, SignalEmergencySell, Decide(mc, params, true))
}

func TestDecide_EmergencySellInBearMarket(t *testing.T) {
	params := utilities.DefaultAdaptiveParams()
	mc := MarketContext{
		MarketState:       StateBear,
		RSI:               50,
		BollingerPosition: 0.5,
	}

	assert.Equal(t, SignalEmergencySell, Decide(mc, params, true))
}

func TestDecide_ConservativeSellOnHighBandPosition(t *testing.T) {
	params := utilities.DefaultAdaptiveParams() // boll_sell 0.8
	mc := MarketContext{
		MarketState:       StateSideways,
		RSI:               60,
		BollingerPosition: 0.85,
	}

	assert.Equal(t, SignalConservativeSell, Decide(mc, params, true))
}

func TestDecide_SellSignalsRequirePosition(t *testing.T) {
	params := utilities.DefaultAdaptiveParams()
	mc := MarketContext{
		MarketState:       StateBear,
		RSI:               90,
		BollingerPosition: 0.95,
	}

	assert.Equal(t, SignalHold, Decide(mc, params, false))
}

func TestDecide_BuySignalsBlockedWhileOpen(t *testing.T) {
	params := utilities.DefaultAdaptiveParams()
	mc := MarketContext{
		MarketState:       StateBull,
		RSI:               20,
		BollingerPosition: 0.05,
	}

	assert.Equal(t, SignalHold, Decide(mc, params, true))
}

func TestDecide_UnknownStateHolds(t *testing.T) {
	params := utilities.DefaultAdaptiveParams()
	mc := MarketContext{
		MarketState:       StateUnknown,
		RSI:               50,
		BollingerPosition: 0.5,
	}

	assert.Equal(t, SignalHold, Decide(mc, params, false))
	assert.Equal(t, SignalHold, Decide(mc, params, true))
}

func TestClampedParamsStayInSafeRanges(t *testing.T) {
	p := utilities.AdaptiveParams{
		RSIBuyThreshold:    5,
		RSISellThreshold:   95,
		BollingerBuyRatio:  0.9,
		BollingerSellRatio: 0.1,
		MinProfitTarget:    0.5,
		StopLossThreshold:  -0.5,
	}.Clamped()

	assert.Equal(t, 20.0, p.RSIBuyThreshold)
	assert.Equal(t, 80.0, p.RSISellThreshold)
	assert.Equal(t, 0.3, p.BollingerBuyRatio)
	assert.Equal(t, 0.7, p.BollingerSellRatio)
	assert.Equal(t, 0.05, p.MinProfitTarget)
	assert.Equal(t, -0.10, p.StopLossThreshold)

	// Clamping is idempotent.
	assert.Equal(t, p, p.Clamped())
}
