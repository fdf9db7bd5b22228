package main

import (
	"log"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron"
)

// ConfigProcessor is what the scheduler drives: the Poller in production,
// a stub in tests.
type ConfigProcessor interface {
	Process(config *ImapConfig) *RunStats
}

// Scheduler runs a pass over every active mailbox config on a cron spec,
// and exposes the same pass for on-demand triggers from the API.
type Scheduler struct {
	db        Database
	processor ConfigProcessor
	cr        *cron.Cron
	delay     time.Duration
}

func NewScheduler(db Database, processor ConfigProcessor) *Scheduler {
	return &Scheduler{
		db:        db,
		processor: processor,
		delay:     GetSeconds(PollConfigDelayKey),
	}
}

func (s *Scheduler) Start() error {
	if s.cr != nil {
		return errors.New("scheduler already started")
	}
	s.cr = cron.New()
	e := s.cr.AddFunc(GetString(PollCronSpecKey), func() {
		if _, e := s.ProcessAllConfigs(); e != nil {
			log.Printf("Scheduled pass failed: %v", e)
		}
	})
	if e != nil {
		return e
	}
	s.cr.Start()
	log.Printf("Scheduler started with spec %v", GetString(PollCronSpecKey))
	return nil
}

func (s *Scheduler) Stop() {
	if s.cr != nil {
		s.cr.Stop()
		s.cr = nil
	}
}

// ProcessAllConfigs polls every active config sequentially. Only a failure
// to enumerate configs is fatal; per-config failures land in that config's
// statistics and the pass moves on.
func (s *Scheduler) ProcessAllConfigs() ([]*RunStats, error) {
	configs, e := s.db.GetActiveImapConfigs()
	if e != nil {
		return nil, errors.Wrap(e, "listing active configs")
	}
	return s.processConfigs(configs), nil
}

// ProcessUserConfigs is the user-facing trigger: same pass, one user.
func (s *Scheduler) ProcessUserConfigs(usrId int64) ([]*RunStats, error) {
	configs, e := s.db.GetActiveImapConfigsForUser(usrId)
	if e != nil {
		return nil, errors.Wrap(e, "listing active configs")
	}
	return s.processConfigs(configs), nil
}

// ProcessConfig polls one config synchronously.
func (s *Scheduler) ProcessConfig(config *ImapConfig) *RunStats {
	return s.processor.Process(config)
}

func (s *Scheduler) processConfigs(configs []*ImapConfig) []*RunStats {
	all := make([]*RunStats, 0, len(configs))
	for i, config := range configs {
		if i > 0 && s.delay > 0 {
			// Fixed pause between configs to stay friendly with shared
			// IMAP infrastructure.
			time.Sleep(s.delay)
		}
		stats := s.processor.Process(config)
		all = append(all, stats)
		log.Printf("Config %v (%v): seen=%d inserted=%d duplicates=%d errors=%d",
			config.Id, config.Name, stats.MessagesSeen, stats.Inserted,
			stats.Duplicates, stats.ErrorCount())
	}
	return all
}
