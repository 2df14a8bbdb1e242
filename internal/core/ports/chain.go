package ports

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vulpemventures/go-elements/transaction"
)

// ErrBackendStopped is returned by a chain backend used after Stop.
var ErrBackendStopped = errors.New("chain backend stopped")

// ChainBackend is the source of chain data and the primary broadcast channel.
// Feeds are restartable from the persisted checkpoint through GetBlock, they
// are not replayable from genesis.
type ChainBackend interface {
	Name() string
	Start(ctx context.Context) error
	Stop()

	// Transactions is the feed of transactions as soon as the backend sees
	// them, mempool included. Backends without push support never send on it.
	Transactions() <-chan *transaction.Transaction
	// Blocks is the feed of newly connected blocks.
	Blocks() <-chan Block

	GetBlockHeight(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, height uint64) (*Block, error)
	GetTransaction(ctx context.Context, txid string) (*transaction.Transaction, error)
	Broadcast(ctx context.Context, txHex string) (string, error)
}

// TxRelay is a secondary broadcast channel.
type TxRelay interface {
	Broadcast(ctx context.Context, txHex string) (string, error)
}

type Block struct {
	Height       uint64
	Hash         string
	Transactions []*transaction.Transaction
}

// TxRejectedError is returned by Broadcast when the transaction was refused
// for a reason that retrying won't fix.
type TxRejectedError struct {
	Reason string
}

func (e *TxRejectedError) Error() string {
	return fmt.Sprintf("transaction rejected: %s", e.Reason)
}

func IsTxRejected(err error) bool {
	var rejected *TxRejectedError
	return errors.As(err, &rejected)
}

var (
	alreadyBroadcastReasons = []string{
		"already in block chain",
		"txn-already-in-mempool",
		"txn-already-known",
	}
	rejectReasons = []string{
		"bad-txns",
		"missingorspent",
		"missing-inputs",
		"insufficient fee",
		"min relay fee not met",
		"mempool min fee not met",
		"script-verify-flag",
		"non-final",
		"dust",
	}
)

// IsAlreadyBroadcast tells whether the node refused the transaction only
// because it already knows it.
func IsAlreadyBroadcast(reason string) bool {
	return containsAny(reason, alreadyBroadcastReasons)
}

// IsRejectReason tells whether the node refused the transaction for good.
func IsRejectReason(reason string) bool {
	return containsAny(reason, rejectReasons)
}

func containsAny(str string, substrs []string) bool {
	str = strings.ToLower(str)
	for _, s := range substrs {
		if strings.Contains(str, s) {
			return true
		}
	}
	return false
}
