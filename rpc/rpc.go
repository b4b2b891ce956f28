// Package rpc is the thin JSON-RPC client the engine reconstructs
// pre-transaction state through. It talks to an archive-capable endpoint and
// stays deliberately close to the wire: every method is one upstream call,
// one result decode, so a replay that went wrong can be diagnosed from the
// raw exchanges.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type Client struct {
	Endpoint string
}

func NewClient(endpoint string) *Client {
	return &Client{Endpoint: endpoint}
}

// normalizeBlock validates blk as a positive hex block number, degrading to
// "latest" otherwise. The engine always passes the debugged transaction's own
// block, so "latest" only shows up in tests and ad-hoc use; an archive
// endpoint answers both.
func normalizeBlock(blk string) string {
	n, err := hexutil.DecodeBig(blk)
	if err != nil || n.Sign() <= 0 {
		return "latest"
	}
	return blk
}

// GetCode returns the deployed bytecode of address at the given block. A
// plain account answers with empty code, not an error.
func (c *Client) GetCode(address, blk string) ([]byte, error) {
	rpcResp, err := c.post("eth_getCode", address, normalizeBlock(blk))
	if err != nil {
		return nil, err
	}

	var result string
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return nil, err
	}

	return hexutil.Decode(result)
}

// GetStorageAt returns the value of one storage slot of address at the given
// block; the replay prefetches slots this way right before SLOAD/SSTORE
// touch them.
func (c *Client) GetStorageAt(address, position, blk string) (common.Hash, error) {
	rpcResp, err := c.post("eth_getStorageAt", address, position, normalizeBlock(blk))
	if err != nil {
		return common.Hash{}, err
	}

	var result string
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return common.Hash{}, err
	}

	return common.HexToHash(result), nil
}

// GetBalance returns address's wei balance at the given block.
func (c *Client) GetBalance(address, blk string) (*big.Int, error) {
	rpcResp, err := c.post("eth_getBalance", address, normalizeBlock(blk))
	if err != nil {
		return nil, err
	}

	var result string
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return nil, err
	}

	balance, err := hexutil.DecodeBig(result)
	if err != nil {
		return nil, fmt.Errorf("invalid balance received in response: %s", result)
	}

	return balance, nil
}

type RPCRequest struct {
	ID      int           `json:"id"`
	JSONRpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type RPCResponse struct {
	ID      int             `json:"id"`
	JSONRpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Err     *ErrResponse    `json:"error,omitempty"`
}

type ErrResponse struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *ErrResponse) Error() string {
	return fmt.Sprintf(`{"code": "%d", "message": "%s"}`, e.Code, e.Message)
}

// post issues one JSON-RPC call and returns the decoded envelope. An error
// payload from the endpoint is returned as the error; callers only ever see
// a response whose Result is usable.
func (c *Client) post(method string, params ...interface{}) (*RPCResponse, error) {
	if params == nil {
		params = []interface{}{}
	}
	payload := RPCRequest{
		ID:      1,
		JSONRpc: "2.0",
		Method:  method,
		Params:  params,
	}

	data, err := json.Marshal(&payload)
	if err != nil {
		return nil, err
	}

	resp, err := http.Post(c.Endpoint, "application/json", bytes.NewBuffer(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var result RPCResponse
	if err := json.Unmarshal(b, &result); err != nil {
		return nil, err
	}
	if result.Err != nil {
		return nil, fmt.Errorf("%s: %w", method, result.Err)
	}

	return &result, nil
}
