package account

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lighterprobe/logger"
)

// Client queries the venue's REST account endpoint. It is used before the
// run to confirm credentials and balance, and after the run to confirm the
// position went flat.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logger.Log
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     logger.GetLogger(),
	}
}

// Position is one open position on a market. Sign is +1 long, -1 short.
type Position struct {
	MarketID int64
	Size     float64
	Sign     int
}

// Describe formats the position for reporting.
func (p Position) Describe() string {
	if p.Size == 0 {
		return "FLAT"
	}
	side := "LONG"
	if p.Sign < 0 {
		side = "SHORT"
	}
	return fmt.Sprintf("%s %.4f", side, p.Size)
}

// Snapshot is the account state at one point in time.
type Snapshot struct {
	AccountIndex int64
	BalanceUSDC  float64
	Positions    map[int64]Position
}

// PositionFor formats the position held on the given market, FLAT when
// there is none.
func (s *Snapshot) PositionFor(marketID int64) string {
	if p, ok := s.Positions[marketID]; ok {
		return p.Describe()
	}
	return Position{}.Describe()
}

type accountResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Accounts []struct {
		AccountIndex     int64  `json:"account_index"`
		Collateral       string `json:"collateral"`
		AvailableBalance string `json:"available_balance"`
		Positions        []struct {
			MarketID int64  `json:"market_id"`
			Sign     int    `json:"sign"`
			Position string `json:"position"`
		} `json:"positions"`
	} `json:"accounts"`
}

// Fetch queries the account by index. A missing account or an error code in
// the body is an error; the caller treats it as a credential failure.
func (c *Client) Fetch(ctx context.Context, accountIndex int64) (*Snapshot, error) {
	log := c.log.WithComponent("account")

	endpoint := fmt.Sprintf("%s/api/v1/account?by=index&value=%s",
		c.baseURL, url.QueryEscape(strconv.FormatInt(accountIndex, 10)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build account request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("account query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("account query: HTTP %d", resp.StatusCode)
	}

	var body accountResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode account response: %w", err)
	}
	if len(body.Accounts) == 0 {
		if body.Message != "" {
			return nil, fmt.Errorf("account %d not found: %s", accountIndex, body.Message)
		}
		return nil, fmt.Errorf("account %d not found", accountIndex)
	}

	acct := body.Accounts[0]
	snap := &Snapshot{
		AccountIndex: acct.AccountIndex,
		Positions:    make(map[int64]Position, len(acct.Positions)),
	}

	balance := acct.AvailableBalance
	if balance == "" {
		balance = acct.Collateral
	}
	if balance != "" {
		v, err := strconv.ParseFloat(balance, 64)
		if err != nil {
			return nil, fmt.Errorf("parse balance %q: %w", balance, err)
		}
		snap.BalanceUSDC = v
	}

	for _, p := range acct.Positions {
		size, err := strconv.ParseFloat(p.Position, 64)
		if err != nil {
			log.WithFields(logger.Fields{
				"market_id": p.MarketID,
				"position":  p.Position,
			}).Warn("unparseable position, skipping")
			continue
		}
		if size == 0 {
			continue
		}
		snap.Positions[p.MarketID] = Position{MarketID: p.MarketID, Size: size, Sign: p.Sign}
	}

	log.WithFields(logger.Fields{
		"account_index": snap.AccountIndex,
		"balance_usdc":  snap.BalanceUSDC,
		"positions":     len(snap.Positions),
	}).Debug("account snapshot fetched")
	return snap, nil
}

type sendTxResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	TxHash  string `json:"tx_hash"`
}

// SendTx submits a signed transaction over REST. The emergency cancel path
// goes through here so cleanup never depends on a possibly-dead websocket.
func (c *Client) SendTx(ctx context.Context, txType uint8, txInfo []byte) error {
	form := url.Values{}
	form.Set("tx_type", strconv.Itoa(int(txType)))
	form.Set("tx_info", string(txInfo))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/sendTx", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sendTx request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sendTx: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sendTx: HTTP %d", resp.StatusCode)
	}
	var body sendTxResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode sendTx response: %w", err)
	}
	if body.Code != 0 && body.Code != http.StatusOK {
		return fmt.Errorf("sendTx rejected (code %d): %s", body.Code, body.Message)
	}

	c.log.WithComponent("account").WithFields(logger.Fields{
		"tx_type": txType,
		"tx_hash": body.TxHash,
	}).Info("transaction submitted over rest")
	return nil
}
