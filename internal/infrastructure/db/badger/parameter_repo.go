package badgerdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

const (
	parameterStoreDir    = "parameters"
	blockHeightParameter = "block_height"
)

type parameter struct {
	Name  string
	Value uint64
}

type parameterRepository struct {
	store *badgerhold.Store
}

func NewParameterRepository(config ...interface{}) (domain.ParameterRepository, error) {
	store, err := openStore(parameterStoreDir, config...)
	if err != nil {
		return nil, fmt.Errorf("failed to open parameter store: %s", err)
	}
	return &parameterRepository{store}, nil
}

func (r *parameterRepository) GetBlockHeight(_ context.Context) (uint64, bool, error) {
	var param parameter
	if err := r.store.Get(blockHeightParameter, &param); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return param.Value, true, nil
}

func (r *parameterRepository) SetBlockHeight(_ context.Context, height uint64) error {
	return r.store.Upsert(blockHeightParameter, parameter{blockHeightParameter, height})
}

func (r *parameterRepository) Close() {
	r.store.Close()
}
