// Package dispatch turns mentions and poll events into streaming LLM
// invocations. It owns every in-flight LLM task and is the only component
// allowed to cancel one.
package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/mention"
	"github.com/parleyhq/parley/internal/v1/protocol"
	"github.com/parleyhq/parley/internal/v1/provider"
	"github.com/parleyhq/parley/internal/v1/registry"
	"github.com/parleyhq/parley/internal/v1/store"
	"github.com/parleyhq/parley/internal/v1/types"
)

// OwnerID identifies the session handler that originated a task, so the
// handler's teardown can cancel exactly its own tasks. Chain-dispatched
// calls inherit the owner of the call that spawned them.
type OwnerID string

type task struct {
	owner  OwnerID
	llmID  types.LLMID
	cancel context.CancelFunc
	done   chan struct{}
}

// Dispatcher fans LLM calls out as background tasks. Two records are kept:
// the pending set (for owner teardown and shutdown) and the per-LLM active
// task map (for interrupts). A new call for an LLM overwrites the active
// entry without cancelling the previous task; the older task finishes on
// its own but is no longer interruptible.
type Dispatcher struct {
	store         *store.MemoryStore
	registry      *registry.HandlerRegistry
	provider      provider.ChatProvider
	historyWindow int

	mu      sync.Mutex
	pending map[*task]struct{}
	active  map[types.LLMID]*task
}

// NewDispatcher wires a dispatcher. historyWindow is the number of recent
// messages given to each call as conversation context.
func NewDispatcher(st *store.MemoryStore, reg *registry.HandlerRegistry, prov provider.ChatProvider, historyWindow int) *Dispatcher {
	if historyWindow <= 0 {
		historyWindow = 50
	}
	return &Dispatcher{
		store:         st,
		registry:      reg,
		provider:      prov,
		historyWindow: historyWindow,
		pending:       make(map[*task]struct{}),
		active:        make(map[types.LLMID]*task),
	}
}

// DispatchMentions parses the message for mentions and spawns one reply
// call per matched LLM.
func (d *Dispatcher) DispatchMentions(ctx context.Context, owner OwnerID, roomID types.RoomID, content string, clientMentions []string, triggerMsgID types.MessageID, room types.Room) {
	for _, llm := range mention.MatchLLMs(content, clientMentions, room) {
		llm := llm
		logging.Info(ctx, "LLM mention dispatch",
			zap.String("room_id", string(roomID)),
			zap.String("target", string(llm.ID)),
			zap.String("target_name", llm.DisplayName),
			zap.String("trigger_msg", string(triggerMsgID)),
			zap.String("mention_type", "text"),
		)
		d.spawn(owner, llm.ID, func(taskCtx context.Context) {
			d.callLLM(taskCtx, owner, roomID, llm, triggerMsgID)
		})
	}
}

// DispatchLLMMentions spawns reply calls for mentions produced by an LLM's
// own output. The source LLM is excluded so it cannot re-invoke itself.
func (d *Dispatcher) DispatchLLMMentions(ctx context.Context, owner OwnerID, roomID types.RoomID, room types.Room, mentions []string, triggerMsgID types.MessageID, sourceLLMID types.LLMID) {
	for _, name := range mentions {
		llm, ok := mention.MatchLLMByName(name, room, sourceLLMID)
		if !ok {
			continue
		}
		logging.Info(ctx, "LLM mention dispatch",
			zap.String("room_id", string(roomID)),
			zap.String("source", string(sourceLLMID)),
			zap.String("target", string(llm.ID)),
			zap.String("target_name", llm.DisplayName),
			zap.String("trigger_msg", string(triggerMsgID)),
			zap.String("mention_type", "tool"),
		)
		d.spawn(owner, llm.ID, func(taskCtx context.Context) {
			d.callLLM(taskCtx, owner, roomID, llm, triggerMsgID)
		})
	}
}

// DispatchPollVoting spawns one poll-voting call for every LLM in the room.
func (d *Dispatcher) DispatchPollVoting(ctx context.Context, owner OwnerID, roomID types.RoomID, pollID types.PollID, question string, options []types.PollOption, mandatory bool, triggerMsgID types.MessageID) {
	room, err := d.store.GetRoom(ctx, roomID)
	if err != nil || len(room.LLMs) == 0 {
		return
	}

	for _, llm := range room.LLMs {
		llm := llm
		d.spawn(owner, llm.ID, func(taskCtx context.Context) {
			d.callLLMForPoll(taskCtx, roomID, llm, pollID, question, options, mandatory, triggerMsgID)
		})
	}
}

// CancelLLMTask cancels the active task for the LLM, waits for it to
// finish, and broadcasts a terminal llm_done. It reports whether a running
// task was cancelled.
func (d *Dispatcher) CancelLLMTask(ctx context.Context, llmID types.LLMID, roomID types.RoomID) bool {
	d.mu.Lock()
	t := d.active[llmID]
	d.mu.Unlock()

	if t == nil {
		logging.Info(ctx, "No active task to cancel", zap.String("llm_id", string(llmID)))
		return false
	}
	select {
	case <-t.done:
		return false
	default:
	}

	logging.Info(ctx, "Cancelling LLM task", zap.String("llm_id", string(llmID)))
	t.cancel()
	<-t.done

	// The cancelled task emits nothing; the terminal event comes from here.
	d.registry.Broadcast(ctx, roomID, protocol.LLMDoneEvent{
		Type:  protocol.EventLLMDone,
		LLMID: string(llmID),
	})
	return true
}

// CancelOwned cancels every task originated by the given owner and waits
// for all of them to finish. Used by session teardown.
func (d *Dispatcher) CancelOwned(owner OwnerID) {
	d.mu.Lock()
	var owned []*task
	for t := range d.pending {
		if t.owner == owner {
			owned = append(owned, t)
		}
	}
	d.mu.Unlock()

	for _, t := range owned {
		t.cancel()
	}
	for _, t := range owned {
		<-t.done
	}
}

// Shutdown cancels every pending task and waits for completion. Task
// failures during teardown are suppressed.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	all := make([]*task, 0, len(d.pending))
	for t := range d.pending {
		all = append(all, t)
	}
	d.mu.Unlock()

	for _, t := range all {
		t.cancel()
	}
	for _, t := range all {
		<-t.done
	}
}

// spawn starts a background task and records it in both tracking
// structures. Task contexts derive from the background context, not the
// triggering request: a call keeps streaming after the frame that caused
// it is done, and is torn down via CancelOwned or Shutdown.
func (d *Dispatcher) spawn(owner OwnerID, llmID types.LLMID, run func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{owner: owner, llmID: llmID, cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	d.pending[t] = struct{}{}
	d.active[llmID] = t
	d.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			d.mu.Lock()
			delete(d.pending, t)
			// Only clear the active entry if it still points at this task.
			if d.active[llmID] == t {
				delete(d.active, llmID)
			}
			d.mu.Unlock()
			close(t.done)
		}()
		run(ctx)
	}()
}
