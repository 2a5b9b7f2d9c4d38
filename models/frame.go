package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FrameKind classifies an inbound websocket frame into one of the
// shapes the probe knows how to handle.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameConnected
	FrameSubscribed
	FrameSubscribeError
	FramePing
	FramePong
	FrameUpdate
)

func (k FrameKind) String() string {
	switch k {
	case FrameConnected:
		return "connected"
	case FrameSubscribed:
		return "subscribed"
	case FrameSubscribeError:
		return "subscribe_error"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// PriceLevel is one row of an order book side. The venue serialises
// prices and sizes as decimal strings.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func (p PriceLevel) PriceFloat() (float64, error) {
	return strconv.ParseFloat(p.Price, 64)
}

// OrderBookSnapshot is the book payload of a subscribed/order_book frame.
type OrderBookSnapshot struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// BestBid returns the maximum bid price, or 0 for an empty side.
func (ob OrderBookSnapshot) BestBid() float64 {
	best := 0.0
	for _, lvl := range ob.Bids {
		if p, err := lvl.PriceFloat(); err == nil && p > best {
			best = p
		}
	}
	return best
}

// BestAsk returns the minimum ask price, or 0 for an empty side.
func (ob OrderBookSnapshot) BestAsk() float64 {
	best := 0.0
	for _, lvl := range ob.Asks {
		p, err := lvl.PriceFloat()
		if err != nil {
			continue
		}
		if best == 0 || p < best {
			best = p
		}
	}
	return best
}

// Trade is one fill record carried by an account update frame.
// Client order identities are optional: some update variants omit them,
// which is why correlation falls back to account identity.
type Trade struct {
	MarketID     int64  `json:"market_index"`
	TradeID      int64  `json:"trade_id"`
	Size         string `json:"size"`
	Price        string `json:"price"`
	AskAccountID int64  `json:"ask_account_id"`
	BidAccountID int64  `json:"bid_account_id"`
	AskClientID  *int64 `json:"ask_client_id"`
	BidClientID  *int64 `json:"bid_client_id"`
}

// MatchesOrder reports whether this trade belongs to the given order.
// When the relevant side carries a client order identity it must match
// exactly; otherwise the trade matches if our account sits on that side
// (bid side for a BUY, ask side for a SELL).
func (t Trade) MatchesOrder(side Side, clientOrderID, accountID int64) bool {
	var clientID *int64
	var account int64
	switch side {
	case SideSell:
		clientID, account = t.AskClientID, t.AskAccountID
	default:
		clientID, account = t.BidClientID, t.BidAccountID
	}
	if clientID != nil {
		return *clientID == clientOrderID
	}
	return account == accountID
}

// Frame is the decoded form of one inbound websocket message. Unrecognised
// messages decode to FrameUnknown rather than an error so a read loop can
// skip them; only malformed JSON is surfaced as a decode failure.
type Frame struct {
	Kind    FrameKind
	Type    string
	Channel string
	Err     string
	Book    *OrderBookSnapshot
	Trades  []Trade
	Raw     json.RawMessage
}

type frameEnvelope struct {
	Type    string             `json:"type"`
	Channel string             `json:"channel"`
	Error   string             `json:"error"`
	Book    *OrderBookSnapshot `json:"order_book"`
	Trades  json.RawMessage    `json:"trades"`
}

// DecodeFrame classifies a raw websocket message into a Frame.
func DecodeFrame(data []byte) (Frame, error) {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	frame := Frame{
		Type:    env.Type,
		Channel: env.Channel,
		Err:     env.Error,
		Book:    env.Book,
		Raw:     json.RawMessage(data),
	}

	switch {
	case env.Type == "connected":
		frame.Kind = FrameConnected
	case env.Type == "ping":
		frame.Kind = FramePing
	case env.Type == "pong":
		frame.Kind = FramePong
	case env.Type == "error" || (env.Error != "" && env.Type == ""):
		frame.Kind = FrameSubscribeError
	case strings.Contains(env.Type, "subscribed"):
		frame.Kind = FrameSubscribed
	case strings.HasPrefix(env.Type, "update"):
		frame.Kind = FrameUpdate
	default:
		frame.Kind = FrameUnknown
	}

	if len(env.Trades) > 0 {
		trades, err := decodeTrades(env.Trades)
		if err != nil {
			return Frame{}, fmt.Errorf("decode trades: %w", err)
		}
		frame.Trades = trades
	}

	return frame, nil
}

// decodeTrades handles both trade layouts the venue emits: a flat list,
// or a mapping of market identity to trade list.
func decodeTrades(raw json.RawMessage) ([]Trade, error) {
	var list []Trade
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var byMarket map[string][]Trade
	if err := json.Unmarshal(raw, &byMarket); err != nil {
		return nil, err
	}

	var out []Trade
	for market, trades := range byMarket {
		id, err := strconv.ParseInt(market, 10, 64)
		for _, tr := range trades {
			if err == nil && tr.MarketID == 0 {
				tr.MarketID = id
			}
			out = append(out, tr)
		}
	}
	return out, nil
}

// SubscribeFrame builds the outbound subscription request for a channel.
func SubscribeFrame(channel string) map[string]string {
	return map[string]string{"type": "subscribe", "channel": channel}
}

// PongFrame answers a keepalive ping.
func PongFrame() map[string]string {
	return map[string]string{"type": "pong"}
}
