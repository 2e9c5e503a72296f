package ratelimit

// Endpoint identifies the kind of remote call being charged.
type Endpoint string

const (
	EndpointKlines  Endpoint = "klines"
	EndpointTickers Endpoint = "tickers"
	EndpointMarkets Endpoint = "markets"
)

const binance = "binanceusdm"

// RequestWeight returns the budget weight of one call. Only Binance charges by
// endpoint; every other source costs 1 per request. Zero means the call is not
// governed.
func RequestWeight(source string, ep Endpoint, limit int) int {
	if source != binance {
		return 1
	}
	switch ep {
	case EndpointKlines:
		switch {
		case limit <= 200:
			return 1
		case limit <= 1000:
			return 2
		default:
			return 5
		}
	case EndpointTickers:
		return 0
	default:
		return 1
	}
}
