package relay

import (
	"context"
	"log"
	"time"

	"github.com/alcovechat/rtc-core/pkg/protocol"
	"github.com/alcovechat/rtc-core/pkg/storage"
)

// DefaultSweepInterval is how often the expiry sweeper scans for
// messages past their expiry.
const DefaultSweepInterval = 10 * time.Second

// Sweeper removes expired messages and announces each removal to every
// connected client.
type Sweeper struct {
	store    *storage.Store
	hub      *Hub
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(store *storage.Store, hub *Hub, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		hub:      hub,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps on a fixed tick until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-ctx.Done():
			return
		}
	}
}

// sweepOnce deletes everything past its expiry and broadcasts one
// message_deleted per removal. A datastore error is logged and the
// messages stay for the next tick.
func (s *Sweeper) sweepOnce() {
	expired, err := s.store.DeleteExpired(s.now())
	if err != nil {
		log.Printf("🧹 Sweep failed, retrying next tick: %v", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	log.Printf("🧹 Swept %d expired messages", len(expired))
	for _, e := range expired {
		s.hub.Broadcast(protocol.MustEnvelope(protocol.TypeMessageDeleted, &protocol.MessageDeleted{
			MessageID: e.MessageID,
			ChatID:    e.ChatID,
			Reason:    "expired",
		}))
	}
}
