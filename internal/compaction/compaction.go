// Package compaction keeps the relay's catch-up logs short by folding
// old updates into a single snapshot update.
package compaction

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/sketchsync/internal/doc"
	"github.com/manpreetbhatti/sketchsync/internal/room"
)

type Config struct {
	Interval          time.Duration `yaml:"interval"`
	UpdateThreshold   int           `yaml:"update_threshold"`
	KeepRecentUpdates int           `yaml:"keep_recent_updates"`
}

func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		UpdateThreshold:   100,
		KeepRecentUpdates: 10,
	}
}

// Source exposes the catch-up logs to compact
type Source interface {
	RoomIDs() []string
	RoomState(roomID string) *room.Room
}

type Service struct {
	source Source
	config Config
	log    *zap.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(source Source, config Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		source: source,
		config: config,
		log:    log,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info("compaction service started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("threshold", s.config.UpdateThreshold))
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.log.Info("compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.compactAllRooms()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.compactAllRooms()
		}
	}
}

func (s *Service) compactAllRooms() {
	compactedCount := 0
	for _, roomID := range s.source.RoomIDs() {
		if !s.shouldCompact(roomID) {
			continue
		}
		if err := s.compactRoom(roomID); err != nil {
			s.log.Warn("compaction failed", zap.String("room", roomID), zap.Error(err))
		} else {
			compactedCount++
		}
	}

	if compactedCount > 0 {
		s.log.Info("compacted rooms", zap.Int("count", compactedCount))
	}
}

func (s *Service) shouldCompact(roomID string) bool {
	return s.source.RoomState(roomID).Len() >= s.config.UpdateThreshold
}

// compactRoom folds everything but the most recent updates into one
// snapshot. Updates appended while folding are kept.
func (s *Service) compactRoom(roomID string) error {
	state := s.source.RoomState(roomID)
	updates := state.GetUpdates()

	fold := len(updates) - s.config.KeepRecentUpdates
	if fold < 2 {
		return nil
	}

	decoded := make([]doc.Update, 0, fold)
	for i, data := range updates[:fold] {
		u, err := doc.DecodeUpdate(data)
		if err != nil {
			return errors.Wrapf(err, "update %d", i)
		}
		decoded = append(decoded, u)
	}

	merged, err := doc.Merge(decoded)
	if err != nil {
		return err
	}
	snapshot, err := doc.EncodeUpdate(merged)
	if err != nil {
		return err
	}

	state.Replace(fold, snapshot)

	s.log.Info("compacted room",
		zap.String("room", roomID),
		zap.Int("folded", fold),
		zap.Int("kept", len(updates)-fold))
	return nil
}

func (s *Service) CompactNow(roomID string) error {
	return s.compactRoom(roomID)
}
