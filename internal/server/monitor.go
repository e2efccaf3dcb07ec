package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/customgpt/internal/logging"
	"github.com/zulandar/customgpt/internal/store"
)

const defaultHealthSchedule = "@every 30s"

// monitor pings the store on a cron schedule and logs up/down
// transitions. Request handlers still check on their own.
type monitor struct {
	store   store.Store
	timeout time.Duration
	cron    *cron.Cron
	log     *logrus.Entry

	mu      sync.Mutex
	ctx     context.Context
	checked bool
	healthy bool
}

func newMonitor(s store.Store, schedule string, timeout time.Duration) (*monitor, error) {
	if schedule == "" {
		schedule = defaultHealthSchedule
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := &monitor{
		store:   s,
		timeout: timeout,
		cron:    cron.New(),
		log:     logging.For("monitor"),
		ctx:     context.Background(),
	}
	if _, err := m.cron.AddFunc(schedule, func() { m.check() }); err != nil {
		return nil, fmt.Errorf("health schedule %q: %w", schedule, err)
	}
	return m, nil
}

// Start runs one check immediately, then follows the schedule.
func (m *monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	go m.check()
	m.cron.Start()
}

// Stop halts the schedule and waits for a running check to finish.
func (m *monitor) Stop() {
	<-m.cron.Stop().Done()
}

// check pings the store once and returns the result.
func (m *monitor) check() bool {
	m.mu.Lock()
	parent := m.ctx
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, m.timeout)
	defer cancel()
	err := m.store.Ping(ctx)
	ok := err == nil

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case !m.checked && ok:
		m.log.Info("database reachable")
	case !m.checked:
		m.log.WithError(err).Warn("database unreachable")
	case ok && !m.healthy:
		m.log.Info("database recovered")
	case !ok && m.healthy:
		m.log.WithError(err).Warn("database went down")
	}
	m.checked = true
	m.healthy = ok
	return ok
}
