package jupiter

import (
	"fmt"
	"strings"
)

// Token registry for symbol lookups. Mint addresses pass through untouched,
// so unlisted tokens are still usable by address.
var tokenMints = map[string]string{
	"SOL":  "So11111111111111111111111111111111111111112",
	"USDC": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	"USDT": "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB",
	"ORCA": "orcaEKTdK7LKz57vaAYr9QeNsVEPfiu6QeMU1kektZE",
	"RAY":  "4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R",
	"BONK": "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263",
	"JUP":  "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN",
	"WIF":  "EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm",
	"PYTH": "HZ1JovNiVvGrGNiiYvEozEVgZ58xaU3RKwX8eACQBCt3",
}

// Decimals by mint. Wrong decimals means wrong amounts, so unknown mints
// fall back to 9 (the SOL default) rather than failing the conversion.
var mintDecimals = map[string]int32{
	"So11111111111111111111111111111111111111112":  9,
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": 6,
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": 6,
	"orcaEKTdK7LKz57vaAYr9QeNsVEPfiu6QeMU1kektZE":  6,
	"4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R": 6,
	"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263": 5,
	"JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN":  6,
	"EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm": 6,
	"HZ1JovNiVvGrGNiiYvEozEVgZ58xaU3RKwX8eACQBCt3": 6,
}

// ResolveMint maps a token symbol to its mint address. Values that already
// look like a mint address are returned as-is.
func ResolveMint(token string) (string, error) {
	if len(token) >= 32 && len(token) <= 44 {
		return token, nil
	}
	mint, ok := tokenMints[strings.ToUpper(token)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	return mint, nil
}

// MintDecimals returns the decimal places of a mint's base unit.
func MintDecimals(mint string) int32 {
	if d, ok := mintDecimals[mint]; ok {
		return d
	}
	return 9
}
