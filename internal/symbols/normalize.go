package symbols

import "strings"

// recognizedQuotes lists the quote currencies understood when splitting a
// joined symbol such as BTCUSDT. Order matters: longer codes are tried first
// so BTCBUSD resolves to BTC/BUSD rather than BTCB/USD.
var recognizedQuotes = []string{"USDT", "USDC", "BUSD", "BTC", "ETH", "KRW", "USD", "EUR", "GBP", "MX"}

// Normalize converts any supported venue symbol rendering to the canonical
// uppercase BASE/QUOTE form. Handled inputs:
//
//	btc/usdt  -> BTC/USDT
//	BTC-USDT  -> BTC/USDT
//	BTCUSDT   -> BTC/USDT
//	KRW-BTC   -> BTC/KRW (Upbit quotes the fiat leg first)
//
// A joined form with an unrecognized quote is returned uppercased but
// otherwise unmodified. Empty and whitespace-only inputs are returned as-is.
func Normalize(sym string) string {
	if strings.TrimSpace(sym) == "" {
		return sym
	}
	s := strings.ToUpper(strings.TrimSpace(sym))

	if i := strings.Index(s, "/"); i > 0 && i < len(s)-1 {
		return s
	}

	if i := strings.Index(s, "-"); i > 0 && i < len(s)-1 {
		left, right := s[:i], s[i+1:]
		// Upbit renders fiat pairs quote-first: KRW-BTC means BTC priced in KRW.
		if left == "KRW" || (isRecognizedQuote(left) && !isRecognizedQuote(right)) {
			return right + "/" + left
		}
		return left + "/" + right
	}

	for _, quote := range recognizedQuotes {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "/" + quote
		}
	}
	return s
}

func isRecognizedQuote(code string) bool {
	for _, quote := range recognizedQuotes {
		if code == quote {
			return true
		}
	}
	return false
}

// Join renders a canonical BASE/QUOTE symbol without separator, e.g. BTCUSDT.
func Join(sym string) string {
	return strings.ReplaceAll(Normalize(sym), "/", "")
}

// JoinLower renders a canonical symbol joined and lowercased, e.g. btcusd.
func JoinLower(sym string) string {
	return strings.ToLower(Join(sym))
}

// Dashed renders a canonical symbol with a dash separator, e.g. BTC-USDT.
func Dashed(sym string) string {
	return strings.ReplaceAll(Normalize(sym), "/", "-")
}
