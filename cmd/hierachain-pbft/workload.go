package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/ledger"
)

// txSubmitter is the part of the chain the workload generator feeds.
type txSubmitter interface {
	Submit(tx *ledger.Transaction) error
	MempoolStats() ledger.MempoolStats
}

// generateTransactions submits a synthetic transaction every interval until
// ctx is done. Ticks are skipped while the mempool has no room.
func generateTransactions(ctx context.Context, chain txSubmitter, nodeID uint64, interval time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var count, skipped uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if stats := chain.MempoolStats(); stats.Available <= 0 {
				skipped++
				if skipped == 1 || skipped%100 == 0 {
					logger.Warn("mempool full, skipping transaction",
						zap.Int("size", stats.Size),
						zap.Int("max_size", stats.MaxSize),
						zap.Uint64("skipped", skipped))
				}
				continue
			}
			count++
			tx := &ledger.Transaction{
				ID:        fmt.Sprintf("n%d-%d", nodeID, count),
				Payload:   []byte(now.UTC().Format(time.RFC3339Nano)),
				Timestamp: now,
			}
			if err := chain.Submit(tx); err != nil {
				if errors.Is(err, ledger.ErrMempoolFull) {
					skipped++
					continue
				}
				return err
			}
			logger.Debug("submitted transaction", zap.String("tx", tx.ID))
		}
	}
}
