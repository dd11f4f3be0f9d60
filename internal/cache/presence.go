package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	keyMachine = "machine:%s"

	presenceTTL      = 60 * time.Second
	presenceInterval = 30 * time.Second
)

// MachineInfo identifies one engine instance in a multi-machine deployment.
type MachineInfo struct {
	MachineID string    `json:"machine_id"`
	UserID    string    `json:"user_id,omitempty"`
	Region    string    `json:"region,omitempty"`
	CPUs      int       `json:"cpus,omitempty"`
	MemoryMB  int       `json:"memory_mb,omitempty"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// Presence keeps a heartbeat key alive in Redis so operators can see which
// engine instances are up. The key expires on its own when the process
// dies.
type Presence struct {
	client   *redis.Client
	info     MachineInfo
	log      zerolog.Logger
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// NewPresence builds a heartbeat for this machine. Returns nil when the
// cache is disabled or no machine id is configured; callers treat a nil
// Presence as "not participating".
func NewPresence(sc *SignalCache, info MachineInfo, log zerolog.Logger) *Presence {
	if sc == nil || sc.client == nil || info.MachineID == "" {
		return nil
	}
	info.StartedAt = time.Now().UTC()
	return &Presence{
		client: sc.client,
		info:   info,
		log:    log.With().Str("component", "presence").Str("machine_id", info.MachineID).Logger(),
		done:   make(chan struct{}),
	}
}

// Start writes the first heartbeat and refreshes it until Stop.
func (p *Presence) Start(ctx context.Context) {
	if p == nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.beat(runCtx)
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(presenceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.beat(runCtx)
			}
		}
	}()
}

// Stop ends the heartbeat and removes the key so the instance disappears
// immediately instead of after the TTL.
func (p *Presence) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() {
		p.cancel()
		<-p.done

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.client.Del(ctx, fmt.Sprintf(keyMachine, p.info.MachineID)).Err(); err != nil {
			p.log.Debug().Err(err).Msg("presence key removal failed")
		}
	})
}

func (p *Presence) beat(ctx context.Context) {
	data, err := json.Marshal(p.info)
	if err != nil {
		return
	}
	key := fmt.Sprintf(keyMachine, p.info.MachineID)
	if err := p.client.Set(ctx, key, data, presenceTTL).Err(); err != nil {
		p.log.Debug().Err(err).Msg("heartbeat write failed")
	}
}
