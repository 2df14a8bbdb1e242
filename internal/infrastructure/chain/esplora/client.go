package esplora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vulpemventures/go-elements/block"
	"github.com/vulpemventures/go-elements/transaction"
	"golang.org/x/time/rate"
)

// esploraClient wraps the explorer REST api. Every request waits for a token
// of the shared limiter first, then gets the whole timeout for its round trip.
type esploraClient struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

func newLimiter(maxRequestsPerSecond float64) *rate.Limiter {
	if maxRequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(maxRequestsPerSecond), 1)
}

// httpError is an explorer reply with a non 2xx status code.
type httpError struct {
	statusCode int
	message    string
}

func (e *httpError) Error() string {
	return e.message
}

func (f *esploraClient) getTipHeight(ctx context.Context) (uint64, error) {
	body, err := f.get(ctx, "blocks", "tip", "height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid tip height %s: %w", body, err)
	}
	return height, nil
}

func (f *esploraClient) getBlockHash(ctx context.Context, height uint64) (string, error) {
	body, err := f.get(ctx, "block-height", strconv.FormatUint(height, 10))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (f *esploraClient) getBlockTransactions(
	ctx context.Context, hash string,
) ([]*transaction.Transaction, error) {
	raw, err := f.get(ctx, "block", hash, "raw")
	if err == nil {
		b, err := block.NewFromBuffer(bytes.NewBuffer(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse block %s: %w", hash, err)
		}
		return b.TransactionsData.Transactions, nil
	}

	// not every explorer serves raw blocks
	body, err := f.get(ctx, "block", hash, "txids")
	if err != nil {
		return nil, err
	}
	var txids []string
	if err := json.Unmarshal(body, &txids); err != nil {
		return nil, fmt.Errorf("invalid block txids: %w", err)
	}

	txs := make([]*transaction.Transaction, 0, len(txids))
	for _, txid := range txids {
		tx, err := f.getTx(ctx, txid)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (f *esploraClient) getTx(ctx context.Context, txid string) (*transaction.Transaction, error) {
	raw, err := f.get(ctx, "tx", txid, "raw")
	if err != nil {
		return nil, err
	}
	tx, err := transaction.NewTxFromBuffer(bytes.NewBuffer(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse tx %s: %w", txid, err)
	}
	return tx, nil
}

func (f *esploraClient) broadcast(ctx context.Context, txhex string) (string, error) {
	endpoint, err := url.JoinPath(f.url, "tx")
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, strings.NewReader(txhex),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	body, err := f.do(req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (f *esploraClient) get(ctx context.Context, path ...string) ([]byte, error) {
	endpoint, err := url.JoinPath(f.url, path...)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return f.do(req)
}

func (f *esploraClient) do(req *http.Request) ([]byte, error) {
	if err := f.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(req.Context(), f.timeout)
	defer cancel()

	resp, err := f.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &httpError{resp.StatusCode, parseErrorMessage(resp.StatusCode, body)}
	}
	return body, nil
}

// parseErrorMessage extracts the message of a json error body, possibly
// prefixed by some text like "sendrawtransaction RPC error: ".
func parseErrorMessage(statusCode int, body []byte) string {
	if start := bytes.IndexByte(body, '{'); start >= 0 {
		var content struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body[start:], &content); err == nil && len(content.Message) > 0 {
			return content.Message
		}
	}
	return fmt.Sprintf("HTTP status code %d", statusCode)
}
