package settlement

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"sports-settlement-bot/config"
	"sports-settlement-bot/internal/database"
)

// Persister is implemented by the calibration engine; the scheduler flushes
// model state after each cycle that settled anything.
type Persister interface {
	Persist(ctx context.Context) error
}

// Scheduler runs the verification loop: every check interval it pulls the
// eligible picks and verifies them concurrently within the cycle budget.
type Scheduler struct {
	service   *Service
	persister Persister
	cfg       config.SettlementConfig

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewScheduler(service *Service, persister Persister, cfg config.SettlementConfig) *Scheduler {
	return &Scheduler{
		service:   service,
		persister: persister,
		cfg:       cfg,
		stopChan:  make(chan struct{}),
	}
}

// Start launches the verification loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("verification scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{}) // Reinitialize for restart capability
	s.mu.Unlock()

	log.Println("[VERIFY-SCHEDULER] Starting verification scheduler")

	s.wg.Add(1)
	go s.runLoop()

	return nil
}

// Stop signals the loop and waits for in-flight work to drain.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("verification scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	log.Println("[VERIFY-SCHEDULER] Verification scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CheckInterval())
	defer ticker.Stop()

	// Run immediately on start
	s.RunCycle()

	for {
		select {
		case <-ticker.C:
			s.RunCycle()
		case <-s.stopChan:
			log.Println("[VERIFY-SCHEDULER] Received stop signal")
			return
		}
	}
}

// RunCycle executes one verification cycle: auto-void sweep, then concurrent
// verification of every eligible pick. Also callable directly for manual
// triggering and tests.
func (s *Scheduler) RunCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CycleBudget())
	defer cancel()

	now := time.Now().UTC()
	s.service.resolver.BeginCycle()

	if _, err := s.service.AutoVoid(ctx, now); err != nil {
		log.Printf("[VERIFY-SCHEDULER] Auto-void sweep failed: %v", err)
	}

	picks, err := s.service.EligiblePicks(ctx, now)
	if err != nil {
		log.Printf("[VERIFY-SCHEDULER] Failed to load eligible picks: %v", err)
		return
	}
	if len(picks) == 0 {
		return
	}

	log.Printf("[VERIFY-SCHEDULER] Verifying %d eligible picks", len(picks))

	semaphore := make(chan struct{}, s.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	var settled int64
	var mu sync.Mutex

	for _, pick := range picks {
		select {
		case <-ctx.Done():
			log.Println("[VERIFY-SCHEDULER] Cycle budget exhausted, deferring remaining picks")
			wg.Wait()
			s.flushCalibration(settled)
			return
		case semaphore <- struct{}{}: // Acquire semaphore
		}

		wg.Add(1)
		go func(p *database.Pick) {
			defer wg.Done()
			defer func() { <-semaphore }() // Release semaphore
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[VERIFY-SCHEDULER] Panic recovered for pick %s: %v", p.ID, r)
				}
			}()

			result, err := s.service.Attempt(ctx, p)
			if err != nil {
				log.Printf("[VERIFY-SCHEDULER] Verification failed for pick %s: %v", p.ID, err)
				return
			}
			if result.Status == AttemptSettled {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}(pick)
	}

	wg.Wait()
	s.flushCalibration(settled)
}

func (s *Scheduler) flushCalibration(settled int64) {
	if settled == 0 || s.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.persister.Persist(ctx); err != nil {
		log.Printf("[VERIFY-SCHEDULER] Failed to persist calibration state: %v", err)
	}
}
