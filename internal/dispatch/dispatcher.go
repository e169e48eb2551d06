// Package dispatch runs update processing in the background so the webhook
// can acknowledge immediately. Updates for the same chat are handled by one
// worker in arrival order, which serializes message and approval-callback
// processing per chat; a global semaphore bounds total concurrency.
package dispatch

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quailyquaily/morphgate/internal/telegram"
)

// Handler processes one update end to end.
type Handler interface {
	ProcessMessage(ctx context.Context, update *telegram.Update) error
	ProcessCallback(ctx context.Context, update *telegram.Update) error
}

// Bot is the outbound surface used around task execution: the typing
// indicator while a job runs, and the failure notice when a job panics.
// Optional; nil disables both.
type Bot interface {
	SendChatAction(ctx context.Context, chatID int64, action string) error
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type job struct {
	taskID string
	update *telegram.Update
}

type chatWorker struct {
	jobs chan job
}

type Options struct {
	MaxConcurrency int
	TaskTimeout    time.Duration
	// DedupSize bounds the update_id replay window. Telegram redelivers
	// updates the webhook did not acknowledge in time.
	DedupSize int
}

type Dispatcher struct {
	handler Handler
	bot     Bot
	log     *slog.Logger

	taskTimeout time.Duration
	sem         chan struct{}
	seen        *lru.Cache[int64, struct{}]

	mu         sync.Mutex
	workers    map[int64]*chatWorker
	workersCtx context.Context
	stop       context.CancelFunc
	inflight   sync.WaitGroup
}

func New(ctx context.Context, handler Handler, bot Bot, opts Options, log *slog.Logger) (*Dispatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 5 * time.Minute
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = 2048
	}
	seen, err := lru.New[int64, struct{}](opts.DedupSize)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	workersCtx, stop := context.WithCancel(ctx)
	return &Dispatcher{
		handler:     handler,
		bot:         bot,
		log:         log,
		taskTimeout: opts.TaskTimeout,
		sem:         make(chan struct{}, opts.MaxConcurrency),
		seen:        seen,
		workers:     make(map[int64]*chatWorker),
		workersCtx:  workersCtx,
		stop:        stop,
	}, nil
}

// Dispatch queues an update for background processing. Duplicate update IDs
// inside the replay window are dropped; updates without a chat are logged
// and dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, update *telegram.Update) error {
	if update == nil {
		return nil
	}
	if update.UpdateID != 0 {
		if _, dup := d.seen.Get(update.UpdateID); dup {
			d.log.Info("update_duplicate_dropped", "update_id", update.UpdateID)
			return nil
		}
	}
	chatID := update.ChatID()
	if chatID == 0 {
		d.log.Warn("update_without_chat_dropped", "update_id", update.UpdateID)
		return nil
	}

	j := job{taskID: uuid.NewString(), update: update}

	d.mu.Lock()
	w := d.getOrStartWorkerLocked(chatID)
	d.mu.Unlock()

	d.inflight.Add(1)
	if err := enqueue(ctx, d.workersCtx, w.jobs, j); err != nil {
		d.inflight.Done()
		return err
	}
	// Recorded only once the job is queued, so a failed enqueue leaves
	// the redelivered update eligible.
	if update.UpdateID != 0 {
		d.seen.Add(update.UpdateID, struct{}{})
	}
	d.log.Info("update_enqueued", "task_id", j.taskID, "chat_id", chatID, "update_id", update.UpdateID)
	return nil
}

func (d *Dispatcher) getOrStartWorkerLocked(chatID int64) *chatWorker {
	if w, ok := d.workers[chatID]; ok && w != nil {
		return w
	}
	w := &chatWorker{jobs: make(chan job, 16)}
	d.workers[chatID] = w
	startWorker(startOptions[job]{
		ctx:    d.workersCtx,
		sem:    d.sem,
		jobs:   w.jobs,
		handle: d.handle,
		done:   d.inflight.Done,
	})
	return w
}

func (d *Dispatcher) handle(ctx context.Context, j job) {
	update := j.update
	chatID := update.ChatID()
	log := d.log.With("task_id", j.taskID, "chat_id", chatID, "update_id", update.UpdateID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("task_panic", "panic", r, "stack", string(debug.Stack()))
			if d.bot != nil {
				notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = d.bot.SendMessage(notifyCtx, chatID, "Sorry, something went wrong. Please try again later.")
			}
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, d.taskTimeout)
	defer cancel()

	if d.bot != nil && update.CallbackQuery == nil {
		stopTyping := d.keepTyping(taskCtx, chatID)
		defer stopTyping()
	}

	start := time.Now()
	var err error
	if update.CallbackQuery != nil {
		log.Info("task_start", "kind", "callback")
		err = d.handler.ProcessCallback(taskCtx, update)
	} else {
		log.Info("task_start", "kind", "message")
		err = d.handler.ProcessMessage(taskCtx, update)
	}
	if err != nil {
		log.Error("task_error", "duration_ms", time.Since(start).Milliseconds(), "error", err.Error())
		return
	}
	log.Info("task_done", "duration_ms", time.Since(start).Milliseconds())
}

// keepTyping refreshes the "typing" indicator until the returned stop
// function runs. Telegram clears the indicator after a few seconds.
func (d *Dispatcher) keepTyping(ctx context.Context, chatID int64) func() {
	tickCtx, cancel := context.WithCancel(ctx)
	go func() {
		_ = d.bot.SendChatAction(tickCtx, chatID, "typing")
		ticker := time.NewTicker(4 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				_ = d.bot.SendChatAction(tickCtx, chatID, "typing")
			}
		}
	}()
	return cancel
}

// Shutdown stops accepting work and waits for queued and running jobs to
// finish, up to the context deadline.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.stop()
		return ctx.Err()
	}
	d.stop()
	return nil
}
