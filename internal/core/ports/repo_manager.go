package ports

import "github.com/ark-network/covclaim/internal/core/domain"

type RepoManager interface {
	Covenants() domain.CovenantRepository
	Parameters() domain.ParameterRepository
	Close()
}
