package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Anirudh-x/CyberForge-sub000/internal/deploy"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/config"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/models"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/utils"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExpiryScheduler auto-stops machines whose TTL has elapsed. It keeps a
// single timer armed for the soonest expiry within a lookahead window and
// re-fetches on a coarse ticker so newly deployed machines are picked up.
type ExpiryScheduler struct {
	db             *gorm.DB
	timer          *time.Timer
	mu             sync.Mutex
	lookahead      time.Duration
	upcoming       []models.Machine
	rescheduleChan chan struct{}
	wg             sync.WaitGroup // track ongoing stops
	deployer       deploy.Deployer
	confProv       config.Provider
	l              *zap.SugaredLogger
}

func NewExpiryScheduler(db *gorm.DB, deployer deploy.Deployer, confProv config.Provider, logger *zap.SugaredLogger) *ExpiryScheduler {
	return &ExpiryScheduler{
		db:             db,
		mu:             sync.Mutex{},
		lookahead:      1 * time.Minute,
		rescheduleChan: make(chan struct{}, 1),
		deployer:       deployer,
		confProv:       confProv,
		l:              logger,
	}
}

func (s *ExpiryScheduler) Start(ctx context.Context) {
	s.l.Debug("starting expiry scheduler")
	s.fetchNextExpiries()

	ticker := time.NewTicker(s.lookahead / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.timer != nil {
				s.timer.Stop()
			}
			s.mu.Unlock()
			s.wg.Wait() // wait for ongoing stops
			close(s.rescheduleChan)
			return

		case <-ticker.C:
			s.fetchNextExpiries()

		case <-s.rescheduleChan:
			s.nextExpiry()
		}
	}
}

func (s *ExpiryScheduler) fetchNextExpiries() {
	s.l.Debug("fetching upcoming machine expirations")
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	window := time.Now().Add(s.lookahead)

	var machines []models.Machine
	err := s.db.Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?",
		models.MachineStatusRunning, window).
		Order("expires_at ASC").
		Find(&machines).Error

	if err != nil {
		s.l.Errorf("failed to fetch upcoming expirations: %v", err)
		return
	}

	s.upcoming = machines

	if len(machines) == 0 {
		return
	}

	next := machines[0]
	s.l.Debugf("scheduling expiry for machine %s at %s", next.ID, next.ExpiresAt)
	delay := time.Until(*next.ExpiresAt)
	if delay < 0 {
		delay = 0
	}

	s.timer = time.AfterFunc(delay, func() {
		s.handleExpiry(next.ID)
	})
}

func (s *ExpiryScheduler) nextExpiry() {
	s.l.Debug("rescheduling expiry")
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.upcoming) == 0 {
		return
	}

	next := s.upcoming[0]
	s.l.Debugf("scheduling expiry for machine %s at %s", next.ID, next.ExpiresAt)
	delay := time.Until(*next.ExpiresAt)
	if delay < 0 {
		delay = 0
	}

	if s.timer != nil {
		s.timer.Stop()
	}

	s.timer = time.AfterFunc(delay, func() {
		s.handleExpiry(next.ID)
	})
}

func (s *ExpiryScheduler) handleExpiry(machineID string) {
	s.wg.Add(1)
	defer s.wg.Done()
	s.l.Debugf("handling expiry for machine %s", machineID)
	// Remove from upcoming and trigger reschedule BEFORE stopping
	s.mu.Lock()
	s.removeFromUpcoming(machineID)
	s.mu.Unlock()

	// Immediately schedule next machine
	s.triggerReschedule()

	s.stopMachine(machineID)
}

func (s *ExpiryScheduler) removeFromUpcoming(machineID string) {
	for i, m := range s.upcoming {
		if m.ID == machineID {
			s.upcoming = append(s.upcoming[:i], s.upcoming[i+1:]...)
			return
		}
	}
}

func (s *ExpiryScheduler) stopMachine(machineID string) {
	var machine *models.Machine
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var m models.Machine
		s.l.Debugf("Acquiring lock for machine %s", machineID)
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", machineID).First(&m).Error; err != nil {
			return err
		}

		if m.ExpiresAt == nil || time.Now().Before(*m.ExpiresAt) {
			s.l.Infof("machine %s expiry was moved, skipping", machineID)
			return errors.New("machine expiry was moved")
		}

		if m.Status != models.MachineStatusRunning {
			return nil
		}
		machine = &m
		return nil
	})
	if err != nil || machine == nil {
		if err != nil {
			s.l.Errorf("failed to check expiry for machine %s: %v", machineID, err)
		}
		return
	}

	if err := s.performStop(machine); err != nil {
		s.l.Errorf("failed to stop expired machine %s: %v", machineID, err)
		return
	}
	s.l.Infof("machine %s stopped after TTL of %s", machineID, utils.FormatTTL(s.confProv.GetConfig().Orchestrator.MachineTTL))
}

func (s *ExpiryScheduler) performStop(m *models.Machine) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.confProv.GetConfig().Orchestrator.StopTimeout)
	defer cancel()

	if err := s.deployer.Stop(ctx, s.confProv.GetConfig(), m); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	return models.UpdateMachineStatus(s.db, m, models.MachineStatusStopped, "")
}

func (s *ExpiryScheduler) triggerReschedule() {
	select {
	case s.rescheduleChan <- struct{}{}:
	default:
	}
}

// NotifyChange re-fetches the schedule when a tracked machine's expiry or
// status changes out from under the scheduler.
func (s *ExpiryScheduler) NotifyChange(machineID string) {
	s.mu.Lock()
	tracked := false
	for _, m := range s.upcoming {
		if m.ID == machineID {
			tracked = true
			break
		}
	}
	s.mu.Unlock()

	if tracked {
		s.fetchNextExpiries()
	}
}
