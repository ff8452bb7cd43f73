// File: strategy/signal.go
package strategy

import "github.com/eogh234/auto-coin/utilities"

// Signals emitted by Decide. Buy signals can only fire without a position,
// sell signals only with one; HOLD is always legal.
const (
	SignalPremiumBuy       = "PREMIUM_BUY"
	SignalSelectiveBuy     = "SELECTIVE_BUY"
	SignalEmergencySell    = "EMERGENCY_SELL"
	SignalConservativeSell = "CONSERVATIVE_SELL"
	SignalHold             = "HOLD"
)

// IsBuySignal reports whether the signal opens a position.
func IsBuySignal(signal string) bool {
	return signal == SignalPremiumBuy || signal == SignalSelectiveBuy
}

// IsSellSignal reports whether the signal closes a position.
func IsSellSignal(signal string) bool {
	return signal == SignalEmergencySell || signal == SignalConservativeSell
}

// Decide maps one market context to a signal under the current parameters.
// It is a pure function; all side effects live with the caller.
func Decide(mc MarketContext, params utilities.AdaptiveParams, hasPosition bool) string {
	if !hasPosition {
		// PREMIUM requires a confirmed uptrend on top of the oversold entry;
		// SELECTIVE trades trend confirmation for deeper oversold readings.
		if mc.MarketState == StateBull && mc.RSI < params.RSIBuyThreshold && mc.BollingerPosition < params.BollingerBuyRatio {
			return SignalPremiumBuy
		}
		if mc.RSI < params.RSIBuyThreshold-5 && mc.BollingerPosition < params.BollingerBuyRatio+0.1 {
			return SignalSelectiveBuy
		}
		return SignalHold
	}

	if mc.RSI > params.RSISellThreshold || mc.MarketState == StateBear {
		return SignalEmergencySell
	}
	if mc.BollingerPosition > params.BollingerSellRatio {
		return SignalConservativeSell
	}
	return SignalHold
}
