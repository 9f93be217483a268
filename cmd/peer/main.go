// Command peer is a headless collaborator. It creates or joins a room,
// optionally draws shapes on a timer, and logs every state change.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/sketchsync/internal/awareness"
	"github.com/manpreetbhatti/sketchsync/internal/collab"
	"github.com/manpreetbhatti/sketchsync/internal/config"
	"github.com/manpreetbhatti/sketchsync/internal/logging"
	"github.com/manpreetbhatti/sketchsync/internal/roomclient"
	"github.com/manpreetbhatti/sketchsync/internal/scene"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	service := pflag.String("service", "", "Room Service URL (overrides config)")
	roomID := pflag.StringP("room", "r", "", "room to join; a new room is created when empty")
	username := pflag.StringP("username", "u", "", "display name (overrides config)")
	approve := pflag.Bool("approve", false, "approve every join request (owner only)")
	drawEvery := pflag.Duration("draw", 0, "add a shape at this interval; 0 disables drawing")
	pflag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *service != "" {
		cfg.ServiceURL = *service
	}
	if *username != "" {
		cfg.Username = *username
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *roomID, *approve, *drawEvery, log); err != nil {
		log.Error("peer stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Client, roomID string, approve bool, drawEvery time.Duration, log *zap.Logger) error {
	store := scene.NewStore()
	c := collab.New(collab.Options{
		Service:    roomclient.New(cfg.ServiceURL, nil),
		Scene:      store,
		Username:   cfg.Username,
		AvatarURL:  cfg.AvatarURL,
		Session:    cfg.Session,
		Awareness:  cfg.Awareness,
		CommandTTL: cfg.CommandTTL,
		Log:        log.Named("collab"),
	})
	defer c.Close()

	store.OnChange(func(elements []scene.Element, files map[string]scene.File) {
		c.SyncCollaboration(elements, collab.AppState{ActiveTool: "rectangle"}, files)
	})

	finished := make(chan collab.Phase, 1)
	last := collab.PhaseIdle
	answered := make(map[string]bool)
	unsubscribe := c.State().Subscribe(func(s collab.Snapshot) {
		if s.Phase != last {
			log.Info("phase", zap.String("from", string(last)), zap.String("to", string(s.Phase)), zap.String("message", s.Message))
			last = s.Phase
			switch s.Phase {
			case collab.PhaseDenied, collab.PhaseKicked:
				select {
				case finished <- s.Phase:
				default:
				}
			}
		}
		if approve {
			for _, req := range s.PendingJoinRequests {
				if answered[req.ID] {
					continue
				}
				answered[req.ID] = true
				// subscribers run on the event loop, answer from outside it
				go func(id, name string) {
					if err := c.ApproveJoinRequest(id); err != nil {
						log.Warn("approve", zap.String("client", id), zap.Error(err))
						return
					}
					log.Info("approved", zap.String("client", id), zap.String("username", name))
				}(req.ID, req.Username)
			}
		}
	})
	defer unsubscribe()

	if err := c.StartCollaboration(ctx, roomID); err != nil {
		return err
	}
	if shared := c.State().Snapshot().ShareableRoomID; shared != "" {
		log.Info("room ready", zap.String("room", shared))
	}

	var tick <-chan time.Time
	if drawEvery > 0 {
		ticker := time.NewTicker(drawEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	status := time.NewTicker(10 * time.Second)
	defer status.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("leaving room")
			return nil
		case phase := <-finished:
			log.Info("session ended", zap.String("phase", string(phase)))
			return nil
		case <-tick:
			n++
			x, y := float64(20*n%800), float64(15*n%600)
			c.OnPointerUpdate(awareness.Pointer{X: x, Y: y, Tool: "rectangle"}, "down")
			store.Upsert(scene.Element{
				ID:      uuid.NewString(),
				Type:    "rectangle",
				Version: 1,
				X:       x,
				Y:       y,
				Width:   40,
				Height:  30,
				Updated: time.Now().UnixMilli(),
			})
		case <-status.C:
			s := c.State().Snapshot()
			log.Info("status",
				zap.String("phase", string(s.Phase)),
				zap.Int("elements", len(store.Elements())),
				zap.Strings("collaborators", s.CollaboratorIDs()),
				zap.Bool("viewOnly", s.IsCollabViewMode))
		}
	}
}
