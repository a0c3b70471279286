package primitives

import "fmt"

// Satoshis is the canonical money type for this service: an exact integer
// count of satoshis, never a decimal. The teacher's own btcutil.Amount is
// already an int64-of-satoshis; we keep that representation as the source of
// truth and only ever widen to a decimal BTC string at the ledger boundary,
// where a template's ParamType demands one.
type Satoshis int64

// SatoshisPerBTC is the fixed-point scale between Satoshis and BTC.
const SatoshisPerBTC = 100_000_000

// BTC renders the amount as a fixed-point BTC decimal string, the shape the
// ledger's DECIMAL-typed template parameters expect.
func (s Satoshis) BTC() string {
	neg := ""
	v := int64(s)
	if v < 0 {
		neg = "-"
		v = -v
	}
	whole := v / SatoshisPerBTC
	frac := v % SatoshisPerBTC
	return fmt.Sprintf("%s%d.%08d", neg, whole, frac)
}

// Add returns the sum of two satoshi amounts.
func (s Satoshis) Add(o Satoshis) Satoshis { return s + o }

// Sub returns the difference of two satoshi amounts.
func (s Satoshis) Sub(o Satoshis) Satoshis { return s - o }

// IsDust reports whether the amount is below the given dust threshold.
func (s Satoshis) IsDust(threshold Satoshis) bool { return s < threshold }
