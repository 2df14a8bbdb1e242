package boltz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ark-network/covclaim/internal/core/ports"
)

const currency = "L-BTC"

type relay struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewRelay returns a broadcaster submitting transactions through the Boltz
// api, baseUrl is expected to carry the api version prefix.
func NewRelay(baseUrl string, timeout time.Duration) (ports.TxRelay, error) {
	if len(baseUrl) <= 0 {
		return nil, fmt.Errorf("missing relay url")
	}
	if _, err := url.Parse(baseUrl); err != nil {
		return nil, fmt.Errorf("invalid relay url: %s", err)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("invalid request timeout")
	}
	return &relay{
		url:     strings.TrimSuffix(baseUrl, "/"),
		client:  &http.Client{},
		timeout: timeout,
	}, nil
}

type broadcastRequest struct {
	Hex string `json:"hex"`
}

type broadcastResponse struct {
	Id    string `json:"id"`
	Error string `json:"error"`
}

func (r *relay) Broadcast(ctx context.Context, txHex string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	endpoint, err := url.JoinPath(r.url, "chain", currency, "transaction")
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(broadcastRequest{txHex})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, bytes.NewReader(body),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var res broadcastResponse
	if err := json.Unmarshal(content, &res); err != nil {
		return "", fmt.Errorf(
			"relay replied with invalid body (HTTP status code %d): %s",
			resp.StatusCode, content,
		)
	}

	if len(res.Error) > 0 {
		if ports.IsAlreadyBroadcast(res.Error) {
			return txidFromHex(txHex)
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusTooManyRequests {
			return "", &ports.TxRejectedError{Reason: res.Error}
		}
		return "", fmt.Errorf("relay error: %s", res.Error)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("relay error: HTTP status code %d", resp.StatusCode)
	}
	if len(res.Id) <= 0 {
		return "", fmt.Errorf("relay replied without transaction id")
	}
	return res.Id, nil
}
