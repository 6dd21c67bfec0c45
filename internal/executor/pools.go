package executor

import (
	"context"
	"errors"

	"github.com/nadmax/noos/internal/config"
	"github.com/nadmax/noos/internal/logger"
)

const (
	AlgorithmPool = "algorithm"
	FilePool      = "file"
)

// Pools groups the small CPU/DB-heavy classification pool and the wider pool
// used for file output.
type Pools struct {
	Algorithm *Pool
	File      *Pool
}

func NewPools(cfg config.ExecutorConfig, log *logger.Logger) *Pools {
	return &Pools{
		Algorithm: NewPool(AlgorithmPool, cfg.Algorithm.Workers, cfg.Algorithm.QueueCapacity, log),
		File:      NewPool(FilePool, cfg.File.Workers, cfg.File.QueueCapacity, log),
	}
}

func (p *Pools) Start(ctx context.Context) {
	p.Algorithm.Start(ctx)
	p.File.Start(ctx)
}

// Shutdown drains the algorithm pool first since finished runs feed the file pool.
func (p *Pools) Shutdown(ctx context.Context) error {
	return errors.Join(p.Algorithm.Shutdown(ctx), p.File.Shutdown(ctx))
}

func (p *Pools) All() []*Pool {
	return []*Pool{p.Algorithm, p.File}
}
