package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"timeclock/api"
	"timeclock/config"
	"timeclock/events"
	"timeclock/metrics"
	"timeclock/models"
	"timeclock/queue"
	"timeclock/state"
)

// Status is the sync-engine view exposed to the UI and ops endpoints.
type Status struct {
	Online       bool              `json:"online"`
	Processing   bool              `json:"processing"`
	LastDrain    *time.Time        `json:"lastDrain,omitempty"`
	LastMetaSync *time.Time        `json:"lastMetadataSync,omitempty"`
	Queue        models.QueueStats `json:"queue"`
}

// Scheduler decides when drain passes run. A single lock (held flag plus
// acquisition timestamp) guards the drainer; any trigger that finds it
// held no-ops and the next trigger retries. Triggers: startup, reconnect
// (after a settle delay), queue change while online, a periodic safety
// net, and external kicks from the UI.
type Scheduler struct {
	cfg      config.SyncConfig
	drainer  *Drainer
	service  *state.Service
	client   *api.Client
	queue    *queue.Queue
	dispatch events.Dispatcher
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	mu              sync.Mutex
	processing      bool
	processingSince time.Time
	online          bool
	lastDrain       time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler builds the scheduler. The terminal is considered online
// until the first probe or drain proves otherwise.
func NewScheduler(cfg config.SyncConfig, drainer *Drainer, service *state.Service, client *api.Client, q *queue.Queue, dispatch events.Dispatcher, m *metrics.Metrics, log *zap.SugaredLogger) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		drainer:  drainer,
		service:  service,
		client:   client,
		queue:    q,
		dispatch: dispatch,
		metrics:  m,
		log:      log,
		online:   true,
		stop:     make(chan struct{}),
	}
	m.Online.Set(1)
	return s
}

// Start kicks the startup drain and launches the background timers:
// periodic drain safety net (with stuck-lock recovery), connectivity
// probe, and the metadata refresh.
func (s *Scheduler) Start() {
	s.updateQueueGauges()

	// Startup drain: the queue survived a restart, replay it.
	s.Kick("startup")

	s.wg.Add(3)
	go s.drainLoop()
	go s.probeLoop()
	go s.metadataLoop()
}

// Close stops the timers. A drain pass already in flight runs to
// completion; passes are not cancellable mid-flight.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Online reports the current connectivity flag.
func (s *Scheduler) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Status snapshots the sync engine for status endpoints.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		Online:     s.online,
		Processing: s.processing,
	}
	if !s.lastDrain.IsZero() {
		t := s.lastDrain
		st.LastDrain = &t
	}
	s.mu.Unlock()

	if t := s.service.LastSync(); !t.IsZero() {
		st.LastMetaSync = &t
	}
	st.Queue = s.queue.Stats()
	return st
}

// Kick requests an asynchronous drain attempt. Used by the startup path,
// the UI's sync endpoint (window focus) and the queue-change trigger.
func (s *Scheduler) Kick(reason string) {
	go s.tryDrain(reason)
}

// QueueChanged is the queue's onChange callback: refresh gauges, notify
// the UI, and drain when online.
func (s *Scheduler) QueueChanged() {
	s.updateQueueGauges()
	s.dispatch.Dispatch(events.Event{Type: events.EventQueueChanged, Data: s.queue.Stats()})
	if s.Online() && s.queue.Len() > 0 {
		s.Kick("queue-change")
	}
}

// setOnline records a connectivity transition. Going offline is quiet;
// coming back online waits out a settle delay before draining so a
// flapping connection is not raced.
func (s *Scheduler) setOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()
	if !changed {
		return
	}

	if online {
		s.metrics.Online.Set(1)
		s.log.Infow("connection restored", "settleDelay", s.cfg.SettleDelay)
		s.dispatch.Dispatch(events.Event{Type: events.EventSyncStatus, Data: s.Status()})
		go func() {
			select {
			case <-time.After(s.cfg.SettleDelay):
			case <-s.stop:
				return
			}
			s.tryDrain("reconnect")
		}()
		return
	}

	s.metrics.Online.Set(0)
	s.log.Warn("connection lost, queueing locally")
	s.dispatch.Dispatch(events.Event{Type: events.EventSyncStatus, Data: s.Status()})
}

// tryDrain runs one drain pass if the lock is free, the queue is loaded
// and the terminal is online. The lock is released on every path.
func (s *Scheduler) tryDrain(reason string) {
	if !s.queue.Loaded() {
		s.log.Warnw("drain skipped, queue not loaded yet", "reason", reason)
		return
	}
	if !s.Online() {
		s.log.Debugw("drain skipped, offline", "reason", reason)
		return
	}
	if s.queue.Len() == 0 {
		return
	}

	s.mu.Lock()
	if s.processing {
		s.log.Debugw("drain skipped, pass already running", "reason", reason)
		s.mu.Unlock()
		return
	}
	s.processing = true
	s.processingSince = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.processing = false
		s.lastDrain = time.Now()
		s.mu.Unlock()
		s.updateQueueGauges()
		s.dispatch.Dispatch(events.Event{Type: events.EventSyncStatus, Data: s.Status()})
	}()

	s.log.Infow("drain triggered", "reason", reason, "queued", s.queue.Len())
	s.metrics.DrainPasses.Inc()

	res := s.drainer.Drain(context.Background())
	if res.Aborted {
		s.metrics.DrainAborts.Inc()
		s.setOnline(false)
	}
}

// drainLoop is the periodic safety net. It also watches for a processing
// lock held past the ceiling (a drain pass that hung or crashed without
// reaching its release) and force-clears it.
func (s *Scheduler) drainLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.forceUnlockIfStuck() {
				s.Kick("stuck-lock-recovery")
				continue
			}
			s.tryDrain("periodic")
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) forceUnlockIfStuck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.processing {
		return false
	}
	held := time.Since(s.processingSince)
	if held <= s.cfg.StuckLockCeiling {
		return false
	}
	s.log.Errorw("processing lock stuck, force-clearing",
		"heldFor", held, "ceiling", s.cfg.StuckLockCeiling)
	s.processing = false
	return true
}

// probeLoop keeps the online flag honest: a cheap reachability check on a
// fixed interval, since the terminal has no OS-level connectivity signal
// worth trusting.
func (s *Scheduler) probeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProbeInterval)
			err := s.client.Ping(ctx)
			cancel()
			s.setOnline(err == nil)
		case <-s.stop:
			return
		}
	}
}

// metadataLoop refreshes names, flags and the activity catalog on a long
// interval. Attendance state is never touched here.
func (s *Scheduler) metadataLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.MetadataInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.Online() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			if err := s.service.SyncMetadata(ctx); err != nil {
				// Background process: log and carry on with cached data.
				s.log.Warnw("metadata sync failed", "error", err)
				if api.IsConnectivity(err) {
					s.setOnline(false)
				}
			}
			cancel()
		case <-s.stop:
			return
		}
	}
}

// SyncMetadataNow runs one metadata refresh outside the timer, used right
// after a warm start to catch up on catalog changes.
func (s *Scheduler) SyncMetadataNow() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.service.SyncMetadata(ctx); err != nil {
			s.log.Warnw("startup metadata sync failed", "error", err)
			if api.IsConnectivity(err) {
				s.setOnline(false)
			}
		}
	}()
}

func (s *Scheduler) updateQueueGauges() {
	stats := s.queue.Stats()
	s.metrics.QueueDepth.Set(float64(stats.Total))
	s.metrics.QueueFailed.Set(float64(stats.Failed))
}
