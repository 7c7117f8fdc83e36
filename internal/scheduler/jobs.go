package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/epvlab/epv/internal/cache"
	"github.com/epvlab/epv/internal/events"
)

// CacheMaintenanceJob sweeps expired entries from both cache tiers.
type CacheMaintenanceJob struct {
	cache *cache.Tiered
	bus   *events.Bus
	log   zerolog.Logger
}

// NewCacheMaintenanceJob creates the hourly cache sweep. bus may be nil.
func NewCacheMaintenanceJob(tiered *cache.Tiered, bus *events.Bus, log zerolog.Logger) *CacheMaintenanceJob {
	return &CacheMaintenanceJob{
		cache: tiered,
		bus:   bus,
		log:   log.With().Str("job", "cache_maintenance").Logger(),
	}
}

// Name implements Job.
func (j *CacheMaintenanceJob) Name() string { return "cache_maintenance" }

// Run implements Job.
func (j *CacheMaintenanceJob) Run() error {
	evicted := j.cache.EvictExpired()
	if evicted > 0 {
		j.log.Info().Int("evicted", evicted).Msg("Evicted expired cache entries")
	}
	if j.bus != nil {
		j.bus.Publish(&events.CacheCompactedData{Evicted: evicted})
	}
	return nil
}

// BackupJob triggers an offsite backup of the persistent cache store.
type BackupJob struct {
	backup interface{ Backup() error }
	log    zerolog.Logger
}

// NewBackupJob wraps a backup service as a scheduled job.
func NewBackupJob(backup interface{ Backup() error }, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		backup: backup,
		log:    log.With().Str("job", "store_backup").Logger(),
	}
}

// Name implements Job.
func (j *BackupJob) Name() string { return "store_backup" }

// Run implements Job.
func (j *BackupJob) Run() error {
	return j.backup.Backup()
}
