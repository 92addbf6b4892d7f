// Package fetch is a thin client for the eth_getBlockByNumber JSON-RPC
// method. It extracts the participating wallet addresses from a block's
// transactions and classifies every failure so that the batch processor
// can decide between "record and continue" and "abort".
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

// DefaultTimeout bounds a single eth_getBlockByNumber round trip.
const DefaultTimeout = 10 * time.Second

// Result holds the addresses observed in one block.
type Result struct {
	Number    uint64
	Hash      string
	TxCount   int
	Time      time.Time
	Addresses mapset.Set[string]
}

// Client wraps a JSON-RPC connection to the upstream provider.
type Client struct {
	c       *rpc.Client
	timeout time.Duration
	log     log.Logger
}

// Dial connects to the given JSON-RPC endpoint. A non-positive timeout
// selects DefaultTimeout.
func Dial(ctx context.Context, endpoint string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial rpc endpoint %s: %w", endpoint, err)
	}
	log.Info("Connected to RPC endpoint", "url", endpoint, "timeout", timeout)
	return &Client{c: c, timeout: timeout, log: log.New("module", "fetch")}, nil
}

// NewClient wraps an existing rpc.Client, mainly for tests.
func NewClient(c *rpc.Client, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{c: c, timeout: timeout, log: log.New("module", "fetch")}
}

// Close tears down the underlying connection.
func (c *Client) Close() {
	c.c.Close()
}

// rpcBlock mirrors the subset of the eth_getBlockByNumber result the
// pipeline cares about. Unknown fields are ignored by encoding/json.
type rpcBlock struct {
	Hash         string           `json:"hash"`
	Timestamp    hexutil.Uint64   `json:"timestamp"`
	Transactions []rpcTransaction `json:"transactions"`
}

type rpcTransaction struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// BlockAddresses fetches one block with full transaction bodies and
// returns the set of distinct non-empty from/to addresses. The observed
// address case is preserved. Failures come back as *Error.
func (c *Client) BlockAddresses(ctx context.Context, number uint64) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var block *rpcBlock
	err := c.c.CallContext(ctx, &block, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true)
	if err != nil {
		return nil, classify(number, err)
	}
	if block == nil {
		return nil, &Error{Kind: NotFound, Block: number, Message: "block not found"}
	}

	addresses := mapset.NewSet[string]()
	for _, tx := range block.Transactions {
		if from := strings.TrimSpace(tx.From); from != "" {
			addresses.Add(from)
		}
		if to := strings.TrimSpace(tx.To); to != "" {
			addresses.Add(to)
		}
	}
	c.log.Debug("Fetched block", "number", number, "txs", len(block.Transactions), "addresses", addresses.Cardinality())

	return &Result{
		Number:    number,
		Hash:      block.Hash,
		TxCount:   len(block.Transactions),
		Time:      time.Unix(int64(block.Timestamp), 0),
		Addresses: addresses,
	}, nil
}

// classify maps transport-level and protocol-level failures onto the
// error taxonomy. Order matters: an HTTP status error also carries a
// message, but it is a transport problem, not a provider verdict.
func classify(number uint64, err error) *Error {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return &Error{Kind: Transport, Block: number, Code: httpErr.StatusCode, Message: httpErr.Status}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Block: number, Message: "rpc call timed out"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: Timeout, Block: number, Message: netErr.Error()}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &Error{Kind: Upstream, Block: number, Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
	}
	return &Error{Kind: Transport, Block: number, Message: err.Error()}
}

// ParseBlockNumber normalises a user supplied block height. Decimal and
// 0x-prefixed hexadecimal are accepted.
func ParseBlockNumber(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("block height cannot be empty")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid hexadecimal block height %q", s)
		}
		return n, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal block height %q", s)
	}
	return n, nil
}
