// Package maintenance provides one-shot operator tasks run from CLI flags.
// They operate directly on the durable store, so an emergency unblock works
// even while the coordinator itself is down.
package maintenance

import (
	"github.com/poaipnet/beacon/internal/config"
	"github.com/poaipnet/beacon/internal/storage"
	"github.com/rs/zerolog/log"
)

// Run checks if any maintenance flags are set and executes the corresponding
// task. Returns true if a task was executed (indicating the program should
// exit without starting the server).
func Run(cfg *config.Config, store *storage.Repository) bool {
	if ip := cfg.Maintenance.Unblock; ip != "" {
		log.Info().Str("ip", ip).Msg("Removing IP from blacklist...")

		if err := store.RemoveBlacklist(ip); err != nil {
			log.Error().Err(err).Str("ip", ip).Msg("Failed to remove blacklist entry")
		} else {
			log.Info().Str("ip", ip).Msg("Blacklist entry removed")
		}

		return true
	}

	if age := cfg.Maintenance.PruneAudit; age > 0 {
		log.Info().Dur("older_than", age).Msg("Pruning alert audit log...")

		count, err := store.PruneAlerts(age)
		if err != nil {
			log.Error().Err(err).Msg("Failed to prune audit log")
		} else {
			log.Info().Int64("deleted", count).Msg("Prune finished")
		}

		return true
	}

	return false
}
