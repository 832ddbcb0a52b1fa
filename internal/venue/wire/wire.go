// Package wire carries the small decoding helpers shared by the venue
// adapters: exact-decimal conversion from the mixed string/number forms
// exchanges put on the wire, and price-level array parsing.
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"streamflow/models"
)

// Decimal parses a wire string into an exact decimal.
func Decimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("bad decimal %q: %w", s, err)
	}
	return d, nil
}

// DecimalFromAny converts the JSON value forms venues use for numbers:
// strings, json.Number and float64.
func DecimalFromAny(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case string:
		return Decimal(n)
	case json.Number:
		return Decimal(n.String())
	case float64:
		return decimal.NewFromFloat(n), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("bad number %v (%T)", v, v)
	}
}

// Level parses one [price, qty, ...] string pair into a book level.
func Level(row []string) (models.BookLevel, error) {
	if len(row) < 2 {
		return models.BookLevel{}, fmt.Errorf("level row needs price and quantity, got %d fields", len(row))
	}
	price, err := Decimal(row[0])
	if err != nil {
		return models.BookLevel{}, err
	}
	qty, err := Decimal(row[1])
	if err != nil {
		return models.BookLevel{}, err
	}
	return models.BookLevel{Price: price, Quantity: qty}, nil
}

// Levels parses a [[price, qty], ...] side.
func Levels(rows [][]string) ([]models.BookLevel, error) {
	out := make([]models.BookLevel, 0, len(rows))
	for _, row := range rows {
		lvl, err := Level(row)
		if err != nil {
			return nil, err
		}
		out = append(out, lvl)
	}
	return out, nil
}

// Int64FromAny converts string or numeric JSON values to int64.
func Int64FromAny(v interface{}) (int64, error) {
	switch n := v.(type) {
	case string:
		return strconv.ParseInt(n, 10, 64)
	case json.Number:
		return n.Int64()
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("bad integer %v (%T)", v, v)
	}
}

// TimeMs parses an RFC3339 timestamp into unix milliseconds.
func TimeMs(s string) (int64, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t.UnixMilli(), nil
}
