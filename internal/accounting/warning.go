package accounting

import "fmt"

// WarningCode identifies a non-fatal data-integrity condition
type WarningCode string

const (
	// WarnNegativeBalance means a disposal exceeded the holder's balance and was clamped
	WarnNegativeBalance WarningCode = "NEGATIVE_BALANCE_CLAMPED"
	// WarnZeroShares means a deposit or withdraw carried zero shares and got a zero price
	WarnZeroShares WarningCode = "ZERO_SHARES"
	// WarnEventImbalance means paired event families do not match in a closed system
	WarnEventImbalance WarningCode = "EVENT_IMBALANCE"
	// WarnPriceFallback means a historical price was replaced by the current price
	WarnPriceFallback WarningCode = "PRICE_FALLBACK"
	// WarnDuplicateLog means a raw record was dropped as a duplicate
	WarnDuplicateLog WarningCode = "DUPLICATE_LOG"
	// WarnSupplyMismatch means the supply replayed from Transfer logs differs
	// from the on-chain totalSupply
	WarnSupplyMismatch WarningCode = "SUPPLY_MISMATCH"
)

// Warning is a recoverable condition found while folding events. The result
// is still produced.
type Warning struct {
	Code    WarningCode `json:"code"`
	Holder  string      `json:"holder,omitempty"`
	Block   uint64      `json:"block,omitempty"`
	TxID    string      `json:"txId,omitempty"`
	Message string      `json:"message"`
}

func (w Warning) String() string {
	if w.Holder != "" {
		return fmt.Sprintf("%s [%s@%d]: %s", w.Code, w.Holder, w.Block, w.Message)
	}
	return fmt.Sprintf("%s: %s", w.Code, w.Message)
}
