package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"byorlhub-license-api/internal/ledger"
)

// RefresherConfig holds configuration for the ledger refresh scheduler.
type RefresherConfig struct {
	// Interval is how often the claim ledger snapshot is reloaded.
	Interval time.Duration
}

// LedgerRefresher periodically forces a reload of the claim ledger
// snapshot so long-running processes converge on claims written by
// other instances between issuance requests.
type LedgerRefresher struct {
	ledger    *ledger.Ledger
	config    RefresherConfig
	log       *logrus.Logger
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopOnce  sync.Once
	isRunning bool
	mu        sync.Mutex
}

// NewLedgerRefresher creates a new ledger refresh scheduler.
func NewLedgerRefresher(claimLedger *ledger.Ledger, config RefresherConfig, log *logrus.Logger) *LedgerRefresher {
	if config.Interval == 0 {
		config.Interval = 10 * time.Minute
	}

	return &LedgerRefresher{
		ledger: claimLedger,
		config: config,
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// Start begins the refresh scheduler.
func (s *LedgerRefresher) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.ticker = time.NewTicker(s.config.Interval)
	s.mu.Unlock()

	s.log.Infof("[LedgerRefresher] Started - Interval: %v", s.config.Interval)

	go s.run()
}

func (s *LedgerRefresher) run() {
	for {
		select {
		case <-s.ticker.C:
			s.refresh()
		case <-s.stopCh:
			s.log.Infof("[LedgerRefresher] Stopped")
			return
		}
	}
}

func (s *LedgerRefresher) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.ledger.Refresh(ctx, true); err != nil {
		s.log.Warnf("[LedgerRefresher] Refresh failed: %v", err)
	}
}

// Stop stops the refresh scheduler.
func (s *LedgerRefresher) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
		s.isRunning = false
	})
}
