// Package session owns the console's chat state: the active target, the
// in-memory transcript and its link to a persisted chat.
package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/customgpt/internal/extract"
	"github.com/zulandar/customgpt/internal/logging"
	"github.com/zulandar/customgpt/internal/models"
	"github.com/zulandar/customgpt/internal/proxy"
	"github.com/zulandar/customgpt/internal/store"
	"github.com/zulandar/customgpt/internal/target"
)

var (
	// ErrNotConfigured means no valid target has been saved yet.
	ErrNotConfigured = errors.New("session: no target configured")
	// ErrEmptyPrompt means the prompt was blank.
	ErrEmptyPrompt = errors.New("session: prompt is empty")
	// ErrBusy means a submission is already in flight.
	ErrBusy = errors.New("session: a request is already pending")
	// ErrNotTested means the target has not passed TestTarget in its
	// current form.
	ErrNotTested = errors.New("session: target has not passed a test request")
)

// DefaultSamplePrompt is sent by TestTarget when no prompt is given.
const DefaultSamplePrompt = "test"

// Backend is what the controller needs from the server.
type Backend interface {
	Proxy(ctx context.Context, req proxy.Request) (*proxy.Envelope, error)
	DBHealth(ctx context.Context) error
	CreateChat(ctx context.Context, name, configName string) (*models.Chat, error)
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	AppendMessage(ctx context.Context, id string, msg store.NewMessage) (string, error)
	UpdateChat(ctx context.Context, id string, patch store.MetadataPatch) (*models.Chat, error)
}

// Entry is one transcript line. ID is empty until the entry is persisted.
type Entry struct {
	ID              string
	ParentID        string
	Role            string
	InteractionType string
	Content         string
	Status          string
	CreatedAt       time.Time
}

// Synced reports whether the entry has been stored.
func (e Entry) Synced() bool { return e.ID != "" }

// Snapshot is an immutable copy of the controller state.
type Snapshot struct {
	Target   *target.Config
	Tested   bool
	ChatID   string
	ChatName string
	Entries  []Entry
	Pending  bool
}

// TestResult is the outcome of TestTarget.
type TestResult struct {
	Request   *proxy.Request
	Envelope  *proxy.Envelope
	Extracted extract.Result
	Display   string
}

// Options configures a Controller.
type Options struct {
	Backend      Backend
	SamplePrompt string // defaults to DefaultSamplePrompt
	// SkipTargetTest lets SaveTarget accept a target that has not passed
	// TestTarget.
	SkipTargetTest bool
}

// Controller mediates every change to the session. Observers see state
// only through Subscribe and Snapshot.
type Controller struct {
	backend  Backend
	sample   string
	skipTest bool
	log      *logrus.Entry

	mu       sync.Mutex
	target   *target.Config
	tested   *target.Config
	chatID   string
	chatName string
	entries  []Entry
	lastID   string
	pending  bool
	subs     map[int]func(Snapshot)
	nextSub  int
}

// New creates a Controller.
func New(opts Options) (*Controller, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("session: backend is required")
	}
	sample := opts.SamplePrompt
	if strings.TrimSpace(sample) == "" {
		sample = DefaultSamplePrompt
	}
	return &Controller{
		backend:  opts.Backend,
		sample:   sample,
		skipTest: opts.SkipTargetTest,
		log:      logging.For("session"),
		lastID:   models.RootMessageID,
		subs:     make(map[int]func(Snapshot)),
	}, nil
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned func removes it.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		ChatID:   c.chatID,
		ChatName: c.chatName,
		Entries:  append([]Entry(nil), c.entries...),
		Pending:  c.pending,
	}
	if c.target != nil {
		t := c.target.Clone()
		s.Target = &t
		s.Tested = c.tested != nil && reflect.DeepEqual(*c.tested, t)
	}
	return s
}

// notify delivers the current state. Call without holding mu.
func (c *Controller) notify() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// SaveTarget validates cfg and makes it the active target. cfg must be
// the last target TestTarget sent successfully, unless the controller was
// built with SkipTargetTest; otherwise ErrNotTested is returned and the
// active target is unchanged.
func (c *Controller) SaveTarget(cfg target.Config) error {
	if err := target.Validate(cfg); err != nil {
		return err
	}
	saved := cfg.Clone()
	c.mu.Lock()
	if !c.skipTest && (c.tested == nil || !reflect.DeepEqual(*c.tested, saved)) {
		c.mu.Unlock()
		return ErrNotTested
	}
	c.target = &saved
	c.mu.Unlock()
	c.notify()
	return nil
}

// TestTarget validates cfg and sends one request with prompt (the sample
// prompt when empty). A transport failure is returned as an error; an
// upstream error status is not. Only a reply with an ok envelope marks cfg
// as tested; any other outcome clears the mark.
func (c *Controller) TestTarget(ctx context.Context, cfg target.Config, prompt string) (*TestResult, error) {
	if err := target.Validate(cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = c.sample
	}

	req, err := target.Build(cfg, prompt, nil)
	if err != nil {
		return nil, err
	}
	env, err := c.backend.Proxy(ctx, *req)
	if err != nil {
		c.markTested(nil)
		return nil, err
	}
	res := extract.Extract(extract.DecodeBody(env.Body, cfg.OutputType), cfg.ResponseExpression)

	if env.OK {
		tested := cfg.Clone()
		c.markTested(&tested)
	} else {
		c.markTested(nil)
	}

	return &TestResult{Request: req, Envelope: env, Extracted: res, Display: extract.Display(res)}, nil
}

func (c *Controller) markTested(cfg *target.Config) {
	c.mu.Lock()
	c.tested = cfg
	c.mu.Unlock()
	c.notify()
}

// Submit sends prompt with the active target and records both turns. It
// returns the assistant entry. Persistence failures are logged, never
// returned; the transcript always shows the reply.
func (c *Controller) Submit(ctx context.Context, prompt string) (Entry, error) {
	c.mu.Lock()
	if c.target == nil {
		c.mu.Unlock()
		return Entry{}, ErrNotConfigured
	}
	if strings.TrimSpace(prompt) == "" {
		c.mu.Unlock()
		return Entry{}, ErrEmptyPrompt
	}
	if c.pending {
		c.mu.Unlock()
		return Entry{}, ErrBusy
	}
	c.pending = true
	cfg := c.target.Clone()
	history := make([]target.Turn, len(c.entries))
	for i, e := range c.entries {
		history[i] = target.Turn{Role: e.Role, Content: e.Content, InteractionType: e.InteractionType}
	}
	c.mu.Unlock()
	c.notify()

	defer func() {
		c.mu.Lock()
		c.pending = false
		c.mu.Unlock()
		c.notify()
	}()

	// Persistence outlives a cancelled request so the transcript stays
	// consistent with what was shown.
	pctx := context.WithoutCancel(ctx)
	kind := cfg.InteractionType()

	c.ensureChat(pctx, cfg.Name)

	c.appendEntry(Entry{
		Role:            models.RoleUser,
		InteractionType: kind,
		Content:         prompt,
		Status:          models.StatusSuccess,
		CreatedAt:       time.Now().UTC(),
	})
	c.flush(pctx)

	content, status := c.exchange(ctx, cfg, prompt, history)
	asstIdx := c.appendEntry(Entry{
		Role:            models.RoleAssistant,
		InteractionType: kind,
		Content:         content,
		Status:          status,
		CreatedAt:       time.Now().UTC(),
	})
	c.flush(pctx)

	c.mu.Lock()
	out := c.entries[asstIdx]
	c.mu.Unlock()
	return out, nil
}

// exchange performs the outbound call and renders the reply.
func (c *Controller) exchange(ctx context.Context, cfg target.Config, prompt string, history []target.Turn) (string, string) {
	req, err := target.Build(cfg, prompt, history)
	if err != nil {
		return "Error: " + err.Error(), models.StatusFailure
	}
	env, err := c.backend.Proxy(ctx, *req)
	if err != nil {
		status := models.StatusFailure
		if ctx.Err() != nil {
			status = models.StatusInterrupted
		}
		c.log.WithError(err).WithField("url", req.URL).Warn("request failed")
		return "Error: " + err.Error(), status
	}

	res := extract.Extract(extract.DecodeBody(env.Body, cfg.OutputType), cfg.ResponseExpression)
	status := models.StatusSuccess
	if !env.OK {
		status = models.StatusFailure
		c.log.WithFields(logrus.Fields{"url": req.URL, "status": env.Status}).Info("upstream returned an error status")
	}
	return extract.Display(res), status
}

// ensureChat creates the backing chat on first use. Entries recorded while
// the store was unreachable are backfilled by the next flush.
func (c *Controller) ensureChat(ctx context.Context, configName string) {
	c.mu.Lock()
	if c.chatID != "" {
		c.mu.Unlock()
		return
	}
	name := c.chatName
	c.mu.Unlock()

	if err := c.backend.DBHealth(ctx); err != nil {
		c.log.WithError(err).Warn("store unavailable; chat will be created on a later turn")
		return
	}
	chat, err := c.backend.CreateChat(ctx, name, configName)
	if err != nil {
		c.log.WithError(err).Warn("create chat failed")
		return
	}

	c.mu.Lock()
	c.chatID = chat.ChatID
	c.chatName = chat.ChatName
	c.lastID = models.RootMessageID
	c.mu.Unlock()
	c.log.WithField("chat_id", chat.ChatID).Info("chat created")
	c.notify()
}

// flush stores every unsynced entry in transcript order. It stops at the
// first failure so a later turn is never linked past a missing one; the
// next flush retries from there.
func (c *Controller) flush(ctx context.Context) {
	for i := 0; ; i++ {
		c.mu.Lock()
		n := len(c.entries)
		c.mu.Unlock()
		if i >= n || !c.persist(ctx, i) {
			return
		}
	}
}

func (c *Controller) appendEntry(e Entry) int {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	idx := len(c.entries) - 1
	c.mu.Unlock()
	c.notify()
	return idx
}

// persist stores entry idx under the current chat, linking it to the last
// stored message. It reports whether the entry is now stored.
func (c *Controller) persist(ctx context.Context, idx int) bool {
	c.mu.Lock()
	if c.chatID == "" || idx >= len(c.entries) {
		c.mu.Unlock()
		return false
	}
	if c.entries[idx].Synced() {
		c.mu.Unlock()
		return true
	}
	chatID, parent, e := c.chatID, c.lastID, c.entries[idx]
	c.mu.Unlock()

	id, err := c.backend.AppendMessage(ctx, chatID, store.NewMessage{
		Role:            e.Role,
		InteractionType: e.InteractionType,
		MessageContent:  e.Content,
		ParentID:        parent,
		Status:          e.Status,
	})
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"chat_id": chatID, "role": e.Role}).Warn("persist message failed")
		return false
	}

	c.mu.Lock()
	if c.chatID == chatID && idx < len(c.entries) {
		c.entries[idx].ID = id
		c.entries[idx].ParentID = parent
		c.lastID = id
	}
	c.mu.Unlock()
	c.notify()
	return true
}

// LoadChat replaces the session with a stored chat.
func (c *Controller) LoadChat(ctx context.Context, id string) error {
	if err := c.idle(); err != nil {
		return err
	}
	chat, err := c.backend.GetChat(ctx, id)
	if err != nil {
		return fmt.Errorf("session: load chat: %w", err)
	}

	ordered := DisplayOrder(chat.Messages)
	entries := make([]Entry, len(ordered))
	for i, m := range ordered {
		entries[i] = Entry{
			ID:              m.MessageID,
			ParentID:        m.ParentID,
			Role:            m.Role,
			InteractionType: m.InteractionType,
			Content:         m.MessageContent,
			Status:          m.Status,
			CreatedAt:       m.CreatedAt,
		}
	}

	c.mu.Lock()
	c.chatID = chat.ChatID
	c.chatName = chat.ChatName
	c.entries = entries
	c.lastID = models.RootMessageID
	if len(entries) > 0 {
		c.lastID = entries[len(entries)-1].ID
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// NewChat clears the transcript. The chat is created on the next Submit.
func (c *Controller) NewChat() error {
	if err := c.idle(); err != nil {
		return err
	}
	c.mu.Lock()
	c.chatID = ""
	c.chatName = ""
	c.entries = nil
	c.lastID = models.RootMessageID
	c.mu.Unlock()
	c.notify()
	return nil
}

// Rename sets the chat name, updating the stored chat when there is one.
func (c *Controller) Rename(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("session: rename: name is empty")
	}
	c.mu.Lock()
	chatID := c.chatID
	c.mu.Unlock()

	if chatID != "" {
		if _, err := c.backend.UpdateChat(ctx, chatID, store.MetadataPatch{ChatName: &name}); err != nil {
			return fmt.Errorf("session: rename: %w", err)
		}
	}
	c.mu.Lock()
	c.chatName = name
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *Controller) idle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending {
		return ErrBusy
	}
	return nil
}
