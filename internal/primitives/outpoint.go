package primitives

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// OutPoint identifies a single transaction output, the unit UTXOs and PSBT
// inputs are keyed by.
type OutPoint struct {
	TxID chainhash.Hash
	Vout uint32
}

// String renders the outpoint as "txid:vout", matching the teacher's
// convention for logging wire.OutPoint values.
func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID.String(), o.Vout)
}

// ParseOutPoint parses the "txid:vout" form produced by String.
func ParseOutPoint(s string) (OutPoint, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return OutPoint{}, fmt.Errorf("parse outpoint %q: expected txid:vout", s)
	}
	h, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return OutPoint{}, fmt.Errorf("parse outpoint txid %q: %w", parts[0], err)
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return OutPoint{}, fmt.Errorf("parse outpoint vout %q: %w", parts[1], err)
	}
	return OutPoint{TxID: *h, Vout: uint32(vout)}, nil
}
