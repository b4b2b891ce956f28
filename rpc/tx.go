package rpc

import (
	"encoding/json"
	"fmt"
)

// Transaction is the wire shape of eth_getTransactionByHash, kept as the hex
// strings the endpoint returns; callers convert with hexutil at the edge.
type Transaction struct {
	Hash        string  `json:"hash"`
	From        string  `json:"from"`
	To          *string `json:"to"`
	Nonce       string  `json:"nonce"`
	Value       string  `json:"value"`
	Gas         string  `json:"gas"`
	GasPrice    string  `json:"gasPrice"`
	Input       string  `json:"input"`
	BlockNumber string  `json:"blockNumber"`
	BlockHash   string  `json:"blockHash"`
	ChainID     string  `json:"chainId"`
}

// Block is the wire shape of eth_getBlockByNumber with full transactions
// omitted; only the header fields the replay environment needs.
type Block struct {
	Number        string `json:"number"`
	Hash          string `json:"hash"`
	Timestamp     string `json:"timestamp"`
	GasLimit      string `json:"gasLimit"`
	BaseFeePerGas string `json:"baseFeePerGas"`
	Miner         string `json:"miner"`
	Difficulty    string `json:"difficulty"`
	MixHash       string `json:"mixHash"`
}

func (c *Client) GetTransactionByHash(hash string) (*Transaction, error) {
	rpcResp, err := c.post("eth_getTransactionByHash", hash)
	if err != nil {
		return nil, err
	}
	if string(rpcResp.Result) == "null" {
		return nil, fmt.Errorf("transaction not found: %s", hash)
	}

	var result Transaction
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Client) GetBlockByNumber(blk string) (*Block, error) {
	rpcResp, err := c.post("eth_getBlockByNumber", blk, false)
	if err != nil {
		return nil, err
	}
	if string(rpcResp.Result) == "null" {
		return nil, fmt.Errorf("block not found: %s", blk)
	}

	var result Block
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Client) ChainID() (string, error) {
	rpcResp, err := c.post("eth_chainId")
	if err != nil {
		return "", err
	}

	var result string
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return "", err
	}

	return result, nil
}
