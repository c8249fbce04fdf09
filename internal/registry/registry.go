// Package registry decides whether an inbound message starts a new
// conversation session, continues an existing one, or is dropped. It owns the
// per-user thread quota, the archive-oldest overflow flow, and the lazy
// pruning of records whose threads have disappeared from the gateway.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/threadkeeper/internal/gateway"
	"github.com/haasonsaas/threadkeeper/internal/keyedmutex"
	"github.com/haasonsaas/threadkeeper/internal/observability"
	"github.com/haasonsaas/threadkeeper/internal/store"
	"github.com/haasonsaas/threadkeeper/pkg/models"
)

// Gateway is the slice of the platform surface the registry needs: thread
// lifecycle plus message deletion for retired status messages.
type Gateway interface {
	gateway.ThreadManager
	gateway.Conversation
}

// Admission is the outcome of Admit. A declined quota confirmation yields
// Admitted=false with a nil error: a cancellation, not a failure.
type Admission struct {
	Admitted bool
	ThreadID string

	// Reason is set when Admitted is false: "declined" or "timeout".
	Reason string
}

// Config tunes the registry.
type Config struct {
	// MaxThreads is the per-user open thread quota.
	MaxThreads int

	// ConfirmTimeout bounds the overflow confirmation wait. Expiry maps to
	// the same outcome as an explicit decline.
	ConfirmTimeout time.Duration
}

// Registry tracks, per (guild, user), the set of open conversation threads.
//
// Every admit sequence runs under a per-guild lock: the quota check, the
// archive, and the append are one transactional unit against GuildState,
// so concurrent messages from users in the same guild cannot interleave
// their read-modify-write cycles.
type Registry struct {
	cfg       Config
	store     *store.Store
	gw        Gateway
	confirmer gateway.Confirmer
	logger    *observability.Logger
	metrics   *observability.Metrics

	guilds *keyedmutex.KeyedMutex
}

// New creates a registry. metrics may be nil.
func New(cfg Config, st *store.Store, gw Gateway, confirmer gateway.Confirmer, logger *observability.Logger, metrics *observability.Metrics) *Registry {
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = models.MaxThreads
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	return &Registry{
		cfg:       cfg,
		store:     st,
		gw:        gw,
		confirmer: confirmer,
		logger:    logger.With("component", "registry"),
		metrics:   metrics,
		guilds:    keyedmutex.New(),
	}
}

// Admit runs the admission state machine for one inbound guild message.
//
//  1. Prune records whose threads no longer exist on the gateway.
//  2. Under quota: open a thread, record it, reset the overflow counter.
//  3. At quota: ask the user to archive their oldest thread; decline (or
//     timeout) cancels the session, accept archives FIFO and retries the
//     allocation with an incremented overflow counter feeding the name.
//
// Successful mutations are flushed write-through so quota state survives a
// crash between autosave ticks.
func (r *Registry) Admit(ctx context.Context, msg models.InboundMessage) (Admission, error) {
	unlock := r.guilds.Lock(msg.GuildID)
	defer unlock()

	origin := gateway.MessageRef{ChannelID: msg.ChannelID, MessageID: msg.ID}

	records := r.prunedThreads(ctx, msg.GuildID, msg.UserID)

	overflowed := false
	if len(records) >= r.cfg.MaxThreads {
		accepted, reason := r.confirmOverflow(ctx, origin)
		if !accepted {
			if r.metrics != nil {
				r.metrics.SessionsDeclined.WithLabelValues("quota_" + reason).Inc()
			}
			return Admission{Admitted: false, Reason: reason}, nil
		}

		oldest := records[0]
		r.retireThread(ctx, msg.ChannelID, oldest)
		records = records[1:]
		overflowed = true
		if r.metrics != nil {
			r.metrics.ThreadsArchived.Inc()
		}
	}

	var overflow int
	r.store.Update(msg.GuildID, func(gs *models.GuildState) {
		if overflowed {
			gs.OverflowCounts[msg.UserID]++
		}
		overflow = gs.OverflowCounts[msg.UserID]
	})

	name := fmt.Sprintf("%s - %d", msg.DisplayName, len(records)+1+overflow)
	threadID, err := r.gw.CreateThread(ctx, origin, name)
	if err != nil {
		return Admission{}, fmt.Errorf("registry: create thread: %w", err)
	}

	r.store.Update(msg.GuildID, func(gs *models.GuildState) {
		gs.UserThreads[msg.UserID] = append(records, models.ThreadRecord{
			ThreadID:        threadID,
			OriginMessageID: msg.ID,
		})
		if !overflowed {
			gs.OverflowCounts[msg.UserID] = 0
		}
	})
	r.flushThrough(ctx)

	r.logger.Info(ctx, "session admitted",
		"thread_id", threadID,
		"thread_name", name,
		"open_threads", len(records)+1)

	return Admission{Admitted: true, ThreadID: threadID}, nil
}

// prunedThreads returns the user's thread records with stale entries removed,
// persisting the prune if anything changed. Gateway probe errors degrade to
// "record absent" and are never fatal to the caller.
func (r *Registry) prunedThreads(ctx context.Context, guildID, userID string) []models.ThreadRecord {
	var recorded []models.ThreadRecord
	r.store.View(guildID, func(gs *models.GuildState) {
		recorded = append(recorded, gs.UserThreads[userID]...)
	})

	kept := recorded[:0]
	for _, rec := range recorded {
		exists, err := r.gw.ChannelExists(ctx, rec.ThreadID)
		if err != nil {
			r.logger.Warn(ctx, "thread probe failed, pruning record",
				"thread_id", rec.ThreadID, "error", err)
			continue
		}
		if !exists {
			r.logger.Debug(ctx, "pruning stale thread record", "thread_id", rec.ThreadID)
			continue
		}
		kept = append(kept, rec)
	}

	if len(kept) != len(recorded) {
		pruned := make([]models.ThreadRecord, len(kept))
		copy(pruned, kept)
		r.store.Update(guildID, func(gs *models.GuildState) {
			gs.UserThreads[userID] = pruned
		})
		r.flushThrough(ctx)
	}

	result := make([]models.ThreadRecord, len(kept))
	copy(result, kept)
	return result
}

// confirmOverflow asks the user whether to archive their oldest thread.
// The wait is bounded by ConfirmTimeout; expiry and gateway failures both
// map to a decline so no mutation happens without an explicit yes.
func (r *Registry) confirmOverflow(ctx context.Context, origin gateway.MessageRef) (bool, string) {
	question := fmt.Sprintf(
		"You have reached the limit of %d threads. Archive your oldest thread and create a new one?",
		r.cfg.MaxThreads)

	confirmCtx, cancel := context.WithTimeout(ctx, r.cfg.ConfirmTimeout)
	defer cancel()

	accepted, err := r.confirmer.Confirm(confirmCtx, origin, question)
	if err != nil {
		if confirmCtx.Err() != nil {
			r.logger.Info(ctx, "overflow confirmation timed out")
			return false, "timeout"
		}
		r.logger.Warn(ctx, "overflow confirmation failed", "error", err)
		return false, "declined"
	}
	if !accepted {
		return false, "declined"
	}
	return true, ""
}

// retireThread archives the thread and deletes its origin status message.
// Both operations are best-effort: a missing thread just means the gateway
// beat us to it.
func (r *Registry) retireThread(ctx context.Context, channelID string, rec models.ThreadRecord) {
	if err := r.gw.ArchiveThread(ctx, rec.ThreadID); err != nil {
		r.logger.Warn(ctx, "archive failed, treating record as absent",
			"thread_id", rec.ThreadID, "error", err)
	}
	if rec.OriginMessageID != "" {
		ref := gateway.MessageRef{ChannelID: channelID, MessageID: rec.OriginMessageID}
		if err := r.gw.Delete(ctx, ref); err != nil {
			r.logger.Debug(ctx, "origin message delete failed",
				"message_id", rec.OriginMessageID, "error", err)
		}
	}
}

// flushThrough persists quota state immediately. Flush failures are logged;
// the in-memory state remains authoritative.
func (r *Registry) flushThrough(ctx context.Context) {
	if err := r.store.Flush(); err != nil {
		r.logger.Error(ctx, "write-through flush failed", "error", err)
	}
}

// OpenThreads reports the user's current (unpruned) thread count.
func (r *Registry) OpenThreads(guildID, userID string) int {
	var n int
	r.store.View(guildID, func(gs *models.GuildState) {
		n = len(gs.UserThreads[userID])
	})
	return n
}
