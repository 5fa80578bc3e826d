package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const (
	rpcCodeRejected = 4001
	rpcCodeNotFound = 4004
)

// RPCClient is a JSON-RPC 2.0 client for the ledger gateway.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCClient(baseURL, authToken string) *RPCClient {
	return &RPCClient{
		baseURL:   strings.TrimSpace(baseURL),
		authToken: strings.TrimSpace(authToken),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *RPCClient) SubmitSettlement(ctx context.Context, batch Batch) (Receipt, error) {
	var receipt Receipt
	if err := c.call(ctx, "settlement_submit", []any{batch}, &receipt); err != nil {
		return Receipt{}, err
	}
	if receipt.RequestID == "" {
		receipt.RequestID = batch.RequestID
	}
	return receipt, nil
}

func (c *RPCClient) GetStatus(ctx context.Context, requestID string) (Receipt, error) {
	var receipt Receipt
	if err := c.call(ctx, "settlement_status", []any{requestID}, &receipt); err != nil {
		return Receipt{}, err
	}
	if receipt.RequestID == "" {
		receipt.RequestID = requestID
	}
	return receipt, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params any, out any) error {
	id := c.nextID.Add(1)
	body := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s: %v", ErrTimeout, method, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s status=%d", ErrUnavailable, method, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger rpc %s failed: status=%d", method, resp.StatusCode)
	}

	var rpcResp struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode ledger rpc %s: %w", method, err)
	}
	if rpcResp.Error != nil {
		switch rpcResp.Error.Code {
		case rpcCodeRejected:
			return fmt.Errorf("%w: %s", ErrRejected, rpcResp.Error.Message)
		case rpcCodeNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, rpcResp.Error.Message)
		default:
			return fmt.Errorf("ledger rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
		}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("ledger rpc %s returned empty result", method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}
