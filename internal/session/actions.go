package session

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rishabhkeshan/o2-cli-bot/internal/venue"
)

type ActionKind string

const (
	// ActionSettleBalance reconciles locked/unlocked balances to self.
	ActionSettleBalance ActionKind = "SETTLE_BALANCE"
	ActionCreateOrder   ActionKind = "CREATE_ORDER"
	ActionCancelOrder   ActionKind = "CANCEL_ORDER"
)

// Action is one primitive intent inside a signed submission.
type Action struct {
	Kind ActionKind

	// CREATE_ORDER fields. Price/Quantity are integer asset-scaled units.
	Market        string
	Side          venue.Side
	Type          venue.OrderType
	PriceUnits    *big.Int
	QuantityUnits *big.Int

	// CANCEL_ORDER field.
	OrderID string
}

func SettleBalance() Action {
	return Action{Kind: ActionSettleBalance}
}

func CreateOrder(market string, side venue.Side, typ venue.OrderType, priceUnits, quantityUnits *big.Int) Action {
	return Action{
		Kind:          ActionCreateOrder,
		Market:        market,
		Side:          side,
		Type:          typ,
		PriceUnits:    priceUnits,
		QuantityUnits: quantityUnits,
	}
}

func CancelOrder(market, orderID string) Action {
	return Action{Kind: ActionCancelOrder, Market: market, OrderID: orderID}
}

const unitsByteLen = 16

var actionTags = map[ActionKind]byte{
	ActionSettleBalance: 0x01,
	ActionCreateOrder:   0x02,
	ActionCancelOrder:   0x03,
}

// digest computes the canonical byte sequence covered by the submission
// signature: account id, the nonce, and every action in order, hashed with
// keccak-256. Field order and widths are fixed; two encoders that disagree
// here produce signatures the venue rejects.
func digest(accountID string, nonce uint64, actions []Action) ([]byte, error) {
	buf := make([]byte, 0, 64+len(actions)*64)
	buf = appendBytes(buf, []byte(accountID))

	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], nonce)
	buf = append(buf, nb[:]...)

	for i, act := range actions {
		tag, ok := actionTags[act.Kind]
		if !ok {
			return nil, fmt.Errorf("action %d: unknown kind %q", i, act.Kind)
		}
		buf = append(buf, tag)

		switch act.Kind {
		case ActionSettleBalance:
			// Tag only: the settlement target is always self.
		case ActionCreateOrder:
			buf = appendBytes(buf, []byte(act.Market))
			buf = append(buf, sideByte(act.Side), typeByte(act.Type))
			// Market orders carry a zero price.
			pb, err := unitBytes(act.PriceUnits, act.Type == venue.OrderTypeMarket)
			if err != nil {
				return nil, fmt.Errorf("action %d price: %w", i, err)
			}
			qb, err := unitBytes(act.QuantityUnits, false)
			if err != nil {
				return nil, fmt.Errorf("action %d quantity: %w", i, err)
			}
			buf = append(buf, pb...)
			buf = append(buf, qb...)
		case ActionCancelOrder:
			buf = appendBytes(buf, []byte(act.Market))
			buf = appendBytes(buf, []byte(act.OrderID))
		}
	}
	return crypto.Keccak256(buf), nil
}

func appendBytes(buf, b []byte) []byte {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(b)))
	buf = append(buf, lb[:]...)
	return append(buf, b...)
}

func sideByte(s venue.Side) byte {
	if s == venue.SideSell {
		return 0x01
	}
	return 0x00
}

func typeByte(t venue.OrderType) byte {
	if t == venue.OrderTypeMarket {
		return 0x01
	}
	return 0x00
}

// unitBytes fixed-width encodes a unit amount.
func unitBytes(v *big.Int, allowZero bool) ([]byte, error) {
	if v == nil {
		v = new(big.Int)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %s", v)
	}
	if v.Sign() == 0 && !allowZero {
		return nil, fmt.Errorf("zero amount")
	}
	if v.BitLen() > unitsByteLen*8 {
		return nil, fmt.Errorf("amount %s exceeds %d bytes", v, unitsByteLen)
	}
	out := make([]byte, unitsByteLen)
	v.FillBytes(out)
	return out, nil
}

type actionJSON struct {
	Kind     ActionKind      `json:"kind"`
	Market   string          `json:"market,omitempty"`
	Side     venue.Side      `json:"side,omitempty"`
	Type     venue.OrderType `json:"type,omitempty"`
	Price    string          `json:"price,omitempty"`
	Quantity string          `json:"quantity,omitempty"`
	OrderID  string          `json:"order_id,omitempty"`
}

type txPayload struct {
	AccountID      string       `json:"account_id"`
	SessionAddress string       `json:"session_address"`
	Nonce          uint64       `json:"nonce"`
	Actions        []actionJSON `json:"actions"`
	Signature      string       `json:"signature"`
}

func encodePayload(accountID, sessionAddress string, nonce uint64, actions []Action, signature []byte) ([]byte, error) {
	out := txPayload{
		AccountID:      accountID,
		SessionAddress: sessionAddress,
		Nonce:          nonce,
		Actions:        make([]actionJSON, 0, len(actions)),
		Signature:      fmt.Sprintf("0x%x", signature),
	}
	for _, act := range actions {
		aj := actionJSON{Kind: act.Kind, Market: act.Market, Side: act.Side, Type: act.Type, OrderID: act.OrderID}
		if act.PriceUnits != nil {
			aj.Price = act.PriceUnits.String()
		}
		if act.QuantityUnits != nil {
			aj.Quantity = act.QuantityUnits.String()
		}
		out.Actions = append(out.Actions, aj)
	}
	return json.Marshal(out)
}
