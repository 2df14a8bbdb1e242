package httpservice

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ark-network/covclaim/internal/core/application"
	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const maxBodySize = 1 << 20

type handler struct {
	svc     application.Service
	network string
	timeout time.Duration
}

func newRouter(
	svc application.Service, network string, registry *prometheus.Registry,
	timeout time.Duration,
) http.Handler {
	h := &handler{svc, network, timeout}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /covenant", h.registerCovenant)
	mux.HandleFunc("GET /covenant/{outputScript}", h.getCovenant)
	mux.HandleFunc("GET /health", h.health)
	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	return mux
}

type covenantRequest struct {
	InternalKey     string          `json:"internalKey"`
	ClaimPublicKey  string          `json:"claimPublicKey"`
	RefundPublicKey string          `json:"refundPublicKey"`
	Preimage        string          `json:"preimage"`
	BlindingKey     string          `json:"blindingKey"`
	Address         string          `json:"address"`
	Tree            json.RawMessage `json:"tree"`
	SwapId          string          `json:"swapId"`
}

type covenantResponse struct {
	OutputScript string   `json:"outputScript"`
	Status       string   `json:"status"`
	SwapId       string   `json:"swapId,omitempty"`
	Confidential bool     `json:"confidential"`
	CreatedAt    int64    `json:"createdAt"`
	Funding      *funding `json:"funding,omitempty"`
	ClaimTxId    string   `json:"claimTxId,omitempty"`
	FailReason   string   `json:"failReason,omitempty"`
}

type funding struct {
	TxId   string `json:"txId"`
	Vout   uint32 `json:"vout"`
	Amount uint64 `json:"amount"`
	Asset  string `json:"asset"`
	TxTime int64  `json:"txTime"`
}

type healthResponse struct {
	Network     string         `json:"network"`
	Backend     string         `json:"backend"`
	BlockHeight uint64         `json:"blockHeight"`
	Covenants   map[string]int `json:"covenants"`
	Degraded    bool           `json:"degraded"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) registerCovenant(w http.ResponseWriter, r *http.Request) {
	var body covenantRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err))
		return
	}

	req, err := body.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if _, err := h.svc.RegisterCovenant(ctx, *req); err != nil {
		switch {
		case errors.As(err, &application.InvalidRequestError{}):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrCovenantExists):
			writeError(w, http.StatusConflict, err.Error())
		default:
			log.WithError(err).Error("failed to register covenant")
			writeError(w, http.StatusInternalServerError, "failed to register covenant")
		}
		return
	}

	writeJSON(w, http.StatusCreated, struct{}{})
}

func (h *handler) getCovenant(w http.ResponseWriter, r *http.Request) {
	outputScript, err := hex.DecodeString(r.PathValue("outputScript"))
	if err != nil || len(outputScript) <= 0 {
		writeError(w, http.StatusBadRequest, "invalid output script")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	covenant, err := h.svc.GetCovenant(ctx, outputScript)
	if err != nil {
		if errors.Is(err, domain.ErrCovenantNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		log.WithError(err).Error("failed to get covenant")
		writeError(w, http.StatusInternalServerError, "failed to get covenant")
		return
	}

	writeJSON(w, http.StatusOK, toCovenantResponse(*covenant))
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	info, err := h.svc.GetInfo(ctx)
	if err != nil {
		log.WithError(err).Error("failed to get service info")
		writeError(w, http.StatusInternalServerError, "failed to get service info")
		return
	}

	covenants := make(map[string]int)
	for status, count := range info.Covenants {
		covenants[status.String()] = count
	}

	status := http.StatusOK
	if info.Degraded {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{
		Network:     h.network,
		Backend:     info.Backend,
		BlockHeight: info.BlockHeight,
		Covenants:   covenants,
		Degraded:    info.Degraded,
	})
}

// parse decodes the hex fields of the request. The tree is accepted both as
// an object and as a json encoded string.
func (r covenantRequest) parse() (*application.CovenantRequest, error) {
	internalKey, err := decodeHex("internalKey", r.InternalKey)
	if err != nil {
		return nil, err
	}
	claimPubKey, err := decodeHex("claimPublicKey", r.ClaimPublicKey)
	if err != nil {
		return nil, err
	}
	refundPubKey, err := decodeHex("refundPublicKey", r.RefundPublicKey)
	if err != nil {
		return nil, err
	}
	preimage, err := decodeHex("preimage", r.Preimage)
	if err != nil {
		return nil, err
	}
	if len(preimage) <= 0 {
		return nil, fmt.Errorf("missing preimage")
	}
	blindingKey, err := decodeHex("blindingKey", r.BlindingKey)
	if err != nil {
		return nil, fmt.Errorf("could not parse blinding key: %s", err)
	}
	if len(r.Address) <= 0 {
		return nil, fmt.Errorf("missing address")
	}
	if len(r.Tree) <= 0 {
		return nil, fmt.Errorf("missing tree")
	}

	tree := string(r.Tree)
	var treeStr string
	if err := json.Unmarshal(r.Tree, &treeStr); err == nil {
		tree = treeStr
	}

	return &application.CovenantRequest{
		InternalKey:     internalKey,
		ClaimPublicKey:  claimPubKey,
		RefundPublicKey: refundPubKey,
		Preimage:        preimage,
		BlindingKey:     blindingKey,
		Address:         r.Address,
		SwapTree:        tree,
		SwapId:          r.SwapId,
	}, nil
}

func decodeHex(field, str string) ([]byte, error) {
	if len(str) <= 0 {
		return nil, nil
	}
	buf, err := hex.DecodeString(str)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: must be in hex format", field)
	}
	return buf, nil
}

func toCovenantResponse(c domain.Covenant) covenantResponse {
	resp := covenantResponse{
		OutputScript: c.Key(),
		Status:       c.Status.String(),
		SwapId:       c.SwapId,
		Confidential: c.IsConfidential(),
		CreatedAt:    c.CreatedAt.Unix(),
		ClaimTxId:    c.ClaimTxId,
		FailReason:   c.FailReason,
	}
	if c.Status != domain.CovenantPending {
		resp.Funding = &funding{
			TxId:   c.TxId,
			Vout:   c.Vout,
			Amount: c.Amount,
			Asset:  c.Asset,
			TxTime: c.TxTime.Unix(),
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err string) {
	writeJSON(w, status, errorResponse{err})
}
