package elements

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/cenkalti/backoff/v4"
)

const maxRpcRetries = 3

type rpcClient struct {
	client  *rpcclient.Client
	timeout time.Duration
}

func newRpcClient(config Config) (*rpcClient, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		HTTPPostMode: true,
		DisableTLS:   true,
		Host:         config.Host,
		User:         config.User,
		Pass:         config.Password,
		CookiePath:   config.CookiePath,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc client: %w", err)
	}
	return &rpcClient{client, config.RequestTimeout}, nil
}

type networkInfo struct {
	Version    int    `json:"version"`
	Subversion string `json:"subversion"`
}

type zmqNotification struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

func (c *rpcClient) getNetworkInfo(ctx context.Context) (*networkInfo, error) {
	info := &networkInfo{}
	if err := c.call(ctx, info, "getnetworkinfo"); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *rpcClient) getZmqNotifications(ctx context.Context) ([]zmqNotification, error) {
	var notifications []zmqNotification
	if err := c.call(ctx, &notifications, "getzmqnotifications"); err != nil {
		return nil, err
	}
	return notifications, nil
}

func (c *rpcClient) getBlockCount(ctx context.Context) (uint64, error) {
	var count uint64
	if err := c.call(ctx, &count, "getblockcount"); err != nil {
		return 0, err
	}
	return count, nil
}

func (c *rpcClient) getBlockHash(ctx context.Context, height uint64) (string, error) {
	var hash string
	if err := c.call(ctx, &hash, "getblockhash", height); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *rpcClient) getBlock(ctx context.Context, hash string) (string, error) {
	var blockHex string
	if err := c.call(ctx, &blockHex, "getblock", hash, 0); err != nil {
		return "", err
	}
	return blockHex, nil
}

func (c *rpcClient) getBlockTxids(ctx context.Context, hash string) ([]string, error) {
	var verbose struct {
		Tx []string `json:"tx"`
	}
	if err := c.call(ctx, &verbose, "getblock", hash, 1); err != nil {
		return nil, err
	}
	return verbose.Tx, nil
}

func (c *rpcClient) getRawTransaction(ctx context.Context, txid string) (string, error) {
	var txHex string
	if err := c.call(ctx, &txHex, "getrawtransaction", txid); err != nil {
		return "", err
	}
	return txHex, nil
}

func (c *rpcClient) sendRawTransaction(ctx context.Context, txHex string) (string, error) {
	var txid string
	if err := c.call(ctx, &txid, "sendrawtransaction", txHex); err != nil {
		return "", err
	}
	return txid, nil
}

// call runs the rpc method with a bounded timeout per attempt. Errors returned
// by the node are not retried.
func (c *rpcClient) call(
	ctx context.Context, result interface{}, method string, args ...interface{},
) error {
	params := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		param, err := json.Marshal(arg)
		if err != nil {
			return err
		}
		params = append(params, param)
	}

	var raw json.RawMessage
	operation := func() error {
		res, err := c.rawRequest(ctx, method, params)
		if err != nil {
			var rpcErr *btcjson.RPCError
			if errors.As(err, &rpcErr) {
				return backoff.Permanent(err)
			}
			return err
		}
		raw = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRpcRetries), ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("%s: invalid response: %w", method, err)
	}
	return nil
}

func (c *rpcClient) rawRequest(
	ctx context.Context, method string, params []json.RawMessage,
) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type response struct {
		result json.RawMessage
		err    error
	}
	// rpcclient calls are not cancellable
	resCh := make(chan response, 1)
	go func() {
		result, err := c.client.RawRequest(method, params)
		resCh <- response{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resCh:
		return res.result, res.err
	}
}

func (c *rpcClient) shutdown() {
	c.client.Shutdown()
}
