// File: pkg/broker/upbit/utypes.go
package upbit

import (
	"strconv"
	"time"
)

// Upbit renders most decimal fields as JSON strings; numF tolerates both.
type numF string

func (n numF) Float() float64 {
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return 0
	}
	return f
}

type upbitAccount struct {
	Currency     string `json:"currency"`
	Balance      numF   `json:"balance"`
	Locked       numF   `json:"locked"`
	AvgBuyPrice  numF   `json:"avg_buy_price"`
	UnitCurrency string `json:"unit_currency"`
}

type upbitTicker struct {
	Market     string  `json:"market"`
	TradePrice float64 `json:"trade_price"`
	Timestamp  int64   `json:"timestamp"`
}

type upbitCandle struct {
	Market               string  `json:"market"`
	CandleDateTimeUTC    string  `json:"candle_date_time_utc"`
	OpeningPrice         float64 `json:"opening_price"`
	HighPrice            float64 `json:"high_price"`
	LowPrice             float64 `json:"low_price"`
	TradePrice           float64 `json:"trade_price"`
	Timestamp            int64   `json:"timestamp"`
	CandleAccTradeVolume float64 `json:"candle_acc_trade_volume"`
}

type upbitOrder struct {
	UUID           string `json:"uuid"`
	Market         string `json:"market"`
	Side           string `json:"side"`
	OrdType        string `json:"ord_type"`
	State          string `json:"state"`
	Price          numF   `json:"price"`
	Volume         numF   `json:"volume"`
	ExecutedVolume numF   `json:"executed_volume"`
	PaidFee        numF   `json:"paid_fee"`
	TradesCount    int    `json:"trades_count"`
	CreatedAt      string `json:"created_at"`
}

type upbitTransfer struct {
	TxID            string `json:"txid"`
	Currency        string `json:"currency"`
	Amount          numF   `json:"amount"`
	Fee             numF   `json:"fee"`
	State           string `json:"state"`
	CreatedAt       string `json:"created_at"`
	DoneAt          string `json:"done_at"`
	TransactionType string `json:"transaction_type"`
}

// parseUpbitTime handles Upbit's RFC3339 timestamps with a zero-value fallback.
func parseUpbitTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
