package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
)

// ErrRunActive is returned when a message or run is rejected because the
// thread already has an active run.
var ErrRunActive = errors.New("thread already has an active run")

type fakeRun struct {
	run   *model.Run
	steps int
	stuck bool
}

type fakeThread struct {
	messages []ThreadMessage // oldest first
	runs     []*fakeRun      // oldest first
}

// FakeBackend is an in-memory Backend. Like the real service it rejects new
// messages and runs while a run is active. Runs advance one state per
// RetrieveRun call. It is safe for concurrent use.
type FakeBackend struct {
	mu      sync.Mutex
	threads map[string]*fakeThread
	seq     int
	calls   map[string]int

	maxActive int

	// Reply builds the assistant answer of a completed run. The default echoes
	// the latest user message.
	Reply func(history []ThreadMessage) string
	// StepsToTerminal is the number of RetrieveRun calls a run spends in_progress.
	StepsToTerminal int
	// Outcomes is consumed one per created run; empty means completed.
	Outcomes []model.RunStatus
	// CreateRunErrors and CreateMessageErrors are consumed one per call before
	// the call is attempted.
	CreateRunErrors     []error
	CreateMessageErrors []error
	// CancelErr makes CancelRun fail and leave the run untouched.
	CancelErr error
	// BeforeCancel runs under the lock before a cancellation is applied.
	BeforeCancel func(run *model.Run)
}

// NewFakeBackend creates an empty fake backend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		threads:         make(map[string]*fakeThread),
		calls:           make(map[string]int),
		StepsToTerminal: 1,
	}
}

func (f *FakeBackend) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *FakeBackend) thread(threadID string) (*fakeThread, error) {
	t, ok := f.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", threadID, model.ErrThreadNotFound)
	}
	return t, nil
}

func (t *fakeThread) activeRun() *fakeRun {
	for _, r := range t.runs {
		if r.run.Status.IsActive() {
			return r
		}
	}
	return nil
}

func (t *fakeThread) activeCount() int {
	n := 0
	for _, r := range t.runs {
		if r.run.Status.IsActive() {
			n++
		}
	}
	return n
}

func (f *FakeBackend) observe(t *fakeThread) {
	if n := t.activeCount(); n > f.maxActive {
		f.maxActive = n
	}
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func busy(op string) error {
	return &model.BackendError{Service: "fake", Op: op, Kind: model.KindFatal, StatusCode: 400, Err: ErrRunActive}
}

// CreateThread creates an empty thread.
func (f *FakeBackend) CreateThread(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create_thread"]++
	id := f.nextID("thread")
	f.threads[id] = &fakeThread{}
	return id, nil
}

// RetrieveThread checks that a thread exists.
func (f *FakeBackend) RetrieveThread(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["retrieve_thread"]++
	_, err := f.thread(threadID)
	return err
}

// CreateMessage appends a message unless a run is active.
func (f *FakeBackend) CreateMessage(ctx context.Context, threadID string, role Role, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create_message"]++
	if err := popErr(&f.CreateMessageErrors); err != nil {
		return "", err
	}
	t, err := f.thread(threadID)
	if err != nil {
		return "", err
	}
	if t.activeRun() != nil {
		return "", busy("create_message")
	}
	id := f.nextID("msg")
	t.messages = append(t.messages, ThreadMessage{ID: id, Role: role, Text: content})
	return id, nil
}

// ListMessages returns up to limit messages, newest first.
func (f *FakeBackend) ListMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list_messages"]++
	t, err := f.thread(threadID)
	if err != nil {
		return nil, err
	}
	var out []ThreadMessage
	for i := len(t.messages) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, t.messages[i])
	}
	return out, nil
}

// CreateRun starts a run unless one is already active.
func (f *FakeBackend) CreateRun(ctx context.Context, threadID, assistantID string) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create_run"]++
	if err := popErr(&f.CreateRunErrors); err != nil {
		return nil, err
	}
	t, err := f.thread(threadID)
	if err != nil {
		return nil, err
	}
	if t.activeRun() != nil {
		return nil, busy("create_run")
	}
	r := &fakeRun{run: &model.Run{ID: f.nextID("run"), ThreadID: threadID, Status: model.RunStatusQueued}}
	t.runs = append(t.runs, r)
	f.observe(t)
	cp := *r.run
	return &cp, nil
}

// RetrieveRun advances the run by one step and returns it.
func (f *FakeBackend) RetrieveRun(ctx context.Context, threadID, runID string) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["retrieve_run"]++
	t, err := f.thread(threadID)
	if err != nil {
		return nil, err
	}
	for _, r := range t.runs {
		if r.run.ID != runID {
			continue
		}
		f.advance(t, r)
		cp := *r.run
		return &cp, nil
	}
	return nil, &model.BackendError{Service: "fake", Op: "retrieve_run", Kind: model.KindFatal, StatusCode: 404, Err: model.ErrNotFound}
}

func (f *FakeBackend) advance(t *fakeThread, r *fakeRun) {
	switch r.run.Status {
	case model.RunStatusCancelling:
		r.run.Status = model.RunStatusCancelled
	case model.RunStatusQueued:
		if !r.stuck {
			r.run.Status = model.RunStatusInProgress
		}
	case model.RunStatusInProgress, model.RunStatusRequiresAction:
		if r.stuck {
			break
		}
		r.steps++
		if r.steps < f.StepsToTerminal {
			break
		}
		outcome := model.RunStatusCompleted
		if len(f.Outcomes) > 0 {
			outcome = f.Outcomes[0]
			f.Outcomes = f.Outcomes[1:]
		}
		r.run.Status = outcome
		if outcome == model.RunStatusCompleted {
			t.messages = append(t.messages, ThreadMessage{
				ID:    f.nextID("msg"),
				Role:  RoleAssistant,
				Text:  f.reply(t.messages),
				RunID: r.run.ID,
			})
		} else {
			r.run.LastErrorCode = "server_error"
			r.run.LastError = "simulated " + string(outcome)
		}
	}
	f.observe(t)
}

func (f *FakeBackend) reply(history []ThreadMessage) string {
	if f.Reply != nil {
		return f.Reply(history)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return "echo: " + history[i].Text
		}
	}
	return "hello"
}

// CancelRun moves an active run to cancelling; the next RetrieveRun reports cancelled.
func (f *FakeBackend) CancelRun(ctx context.Context, threadID, runID string) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["cancel_run"]++
	t, err := f.thread(threadID)
	if err != nil {
		return nil, err
	}
	for _, r := range t.runs {
		if r.run.ID != runID {
			continue
		}
		if f.BeforeCancel != nil {
			f.BeforeCancel(r.run)
		}
		if f.CancelErr != nil {
			return nil, f.CancelErr
		}
		if !r.run.Status.IsActive() {
			return nil, &model.BackendError{Service: "fake", Op: "cancel_run", Kind: model.KindFatal, StatusCode: 400,
				Err: fmt.Errorf("cannot cancel run with status %s", r.run.Status)}
		}
		r.run.Status = model.RunStatusCancelling
		cp := *r.run
		return &cp, nil
	}
	return nil, &model.BackendError{Service: "fake", Op: "cancel_run", Kind: model.KindFatal, StatusCode: 404, Err: model.ErrNotFound}
}

// LatestRun returns the newest run of a thread without advancing it.
func (f *FakeBackend) LatestRun(ctx context.Context, threadID string) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list_runs"]++
	t, err := f.thread(threadID)
	if err != nil {
		return nil, err
	}
	if len(t.runs) == 0 {
		return nil, nil
	}
	cp := *t.runs[len(t.runs)-1].run
	return &cp, nil
}

// SeedThread creates a thread with a known id.
func (f *FakeBackend) SeedThread(threadID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.threads[threadID]; !ok {
		f.threads[threadID] = &fakeThread{}
	}
}

// SeedRun adds a run in the given status that never advances on its own.
func (f *FakeBackend) SeedRun(threadID string, status model.RunStatus) *model.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[threadID]
	if !ok {
		t = &fakeThread{}
		f.threads[threadID] = t
	}
	r := &fakeRun{run: &model.Run{ID: f.nextID("run"), ThreadID: threadID, Status: status}, stuck: true}
	t.runs = append(t.runs, r)
	f.observe(t)
	cp := *r.run
	return &cp
}

// Messages returns a thread's messages, oldest first.
func (f *FakeBackend) Messages(threadID string) []ThreadMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[threadID]
	if !ok {
		return nil
	}
	return append([]ThreadMessage(nil), t.messages...)
}

// Calls returns how many times an operation was invoked.
func (f *FakeBackend) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// MaxActive returns the largest number of simultaneously active runs seen on any thread.
func (f *FakeBackend) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

var _ Backend = (*FakeBackend)(nil)
