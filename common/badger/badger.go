// Package badger provides small adapters shared by every Badger-backed
// storage component: a logger bridge and a periodic value-log GC worker.
package badger

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v2"

	"github.com/oasisprotocol/shardstore/common/logging"
)

// LogAdapter adapts our logging.Logger to Badger's internal logger
// interface so store diagnostics flow through the same structured log.
type LogAdapter struct {
	logger *logging.Logger
}

// NewLogAdapter creates a new Badger logger adapter.
func NewLogAdapter(logger *logging.Logger) *LogAdapter {
	return &LogAdapter{logger: logger}
}

// Errorf implements badger.Logger.
func (a *LogAdapter) Errorf(format string, args ...interface{}) {
	a.logger.Error("badger", "msg", fmt.Sprintf(format, args...))
}

// Warningf implements badger.Logger.
func (a *LogAdapter) Warningf(format string, args ...interface{}) {
	a.logger.Warn("badger", "msg", fmt.Sprintf(format, args...))
}

// Infof implements badger.Logger.
func (a *LogAdapter) Infof(format string, args ...interface{}) {
	a.logger.Info("badger", "msg", fmt.Sprintf(format, args...))
}

// Debugf implements badger.Logger.
func (a *LogAdapter) Debugf(format string, args ...interface{}) {
	a.logger.Debug("badger", "msg", fmt.Sprintf(format, args...))
}

// GCWorker periodically reclaims Badger value-log space in the background.
// It is safe to Close multiple times.
type GCWorker struct {
	logger *logging.Logger
	db     *badger.DB

	quitCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewGCWorker starts a new background GC worker for db.
func NewGCWorker(logger *logging.Logger, db *badger.DB) *GCWorker {
	w := &GCWorker{
		logger: logger,
		db:     db,
		quitCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go w.worker()
	return w
}

func (w *GCWorker) worker() {
	defer close(w.doneCh)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.quitCh:
			return
		case <-ticker.C:
		again:
			err := w.db.RunValueLogGC(0.5)
			switch err {
			case nil:
				goto again
			case badger.ErrNoRewrite, badger.ErrRejected:
				// Nothing to reclaim right now.
			default:
				w.logger.Warn("value log gc failed", "err", err)
			}
		}
	}
}

// Close stops the GC worker and waits for it to exit.
func (w *GCWorker) Close() {
	w.closeOnce.Do(func() {
		close(w.quitCh)
		<-w.doneCh
	})
}
