package boltz

import "github.com/vulpemventures/go-elements/transaction"

func txidFromHex(txHex string) (string, error) {
	tx, err := transaction.NewTxFromHex(txHex)
	if err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}
