// Package venue resolves venue names to their stream adapters.
package venue

import (
	"fmt"
	"sort"

	"streamflow/internal/stream"
	"streamflow/internal/venue/binance"
	"streamflow/internal/venue/bitfinex"
	"streamflow/internal/venue/bitget"
	"streamflow/internal/venue/bitmart"
	"streamflow/internal/venue/bitstamp"
	"streamflow/internal/venue/bybit"
	"streamflow/internal/venue/coinbase"
	"streamflow/internal/venue/cryptocom"
	"streamflow/internal/venue/gateio"
	"streamflow/internal/venue/huobi"
	"streamflow/internal/venue/hyperliquid"
	"streamflow/internal/venue/kraken"
	"streamflow/internal/venue/kucoin"
	"streamflow/internal/venue/mexc"
	"streamflow/internal/venue/okx"
	"streamflow/internal/venue/upbit"
)

var factories = map[string]func() stream.Adapter{
	"binance":     func() stream.Adapter { return binance.New() },
	"bitfinex":    func() stream.Adapter { return bitfinex.New() },
	"bitget":      func() stream.Adapter { return bitget.New() },
	"bitmart":     func() stream.Adapter { return bitmart.New() },
	"bitstamp":    func() stream.Adapter { return bitstamp.New() },
	"bybit":       func() stream.Adapter { return bybit.New() },
	"coinbase":    func() stream.Adapter { return coinbase.New() },
	"cryptocom":   func() stream.Adapter { return cryptocom.New() },
	"gateio":      func() stream.Adapter { return gateio.New() },
	"huobi":       func() stream.Adapter { return huobi.New() },
	"hyperliquid": func() stream.Adapter { return hyperliquid.New() },
	"kraken":      func() stream.Adapter { return kraken.New() },
	"kucoin":      func() stream.Adapter { return kucoin.New() },
	"mexc":        func() stream.Adapter { return mexc.New() },
	"okx":         func() stream.Adapter { return okx.New() },
	"upbit":       func() stream.Adapter { return upbit.New() },
}

// New builds a fresh adapter for the named venue.
func New(name string) (stream.Adapter, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", name)
	}
	return factory(), nil
}

// Names lists every registered venue, sorted.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
