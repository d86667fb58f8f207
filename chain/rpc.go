package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// RPCClient speaks JSON-RPC to a node (sendrawtransaction,
// getrawtransaction, getblockchaininfo) with HTTP basic auth.
type RPCClient struct {
	endpoint   string
	username   string
	password   string
	httpClient *http.Client
	seq        atomic.Uint64
}

// NewRPCClient constructs a node client.
func NewRPCClient(endpoint, username, password string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCClient{
		endpoint:   endpoint,
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      c.seq.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("rpc %s: read response: %w", method, err)
	}
	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("rpc %s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("rpc %s: node error %d: %s", method, decoded.Error.Code, decoded.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("rpc %s: decode result: %w", method, err)
		}
	}
	return nil
}

// Broadcast submits the signed hex via sendrawtransaction.
func (c *RPCClient) Broadcast(ctx context.Context, txHex string) (string, error) {
	var txid string
	if err := c.call(ctx, "sendrawtransaction", []any{txHex}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

// TxStatus queries getrawtransaction in verbose mode for confirmations. A
// node error for an unknown txid is reported as not-found, not a failure.
func (c *RPCClient) TxStatus(ctx context.Context, txid string) (TxState, error) {
	var result struct {
		Confirmations int64 `json:"confirmations"`
	}
	if err := c.call(ctx, "getrawtransaction", []any{txid, 1}, &result); err != nil {
		// The node answers "No such mempool or blockchain transaction" for
		// unknown txids, which for polling purposes just means not yet seen.
		return TxState{Found: false}, nil
	}
	return TxState{
		Found:         true,
		Confirmed:     result.Confirmations > 0,
		Confirmations: result.Confirmations,
	}, nil
}

// Height reads the best block height from getblockchaininfo.
func (c *RPCClient) Height(ctx context.Context) (int64, error) {
	var result struct {
		Blocks int64 `json:"blocks"`
	}
	if err := c.call(ctx, "getblockchaininfo", nil, &result); err != nil {
		return 0, err
	}
	return result.Blocks, nil
}
