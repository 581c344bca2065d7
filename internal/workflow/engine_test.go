package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reachflow/internal/backoff"
	"reachflow/internal/clock"
	"reachflow/internal/dispatch"
	"reachflow/internal/domain"
	"reachflow/internal/queue"
	"reachflow/internal/quota"
	"reachflow/internal/store"
	"reachflow/internal/worker"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeChannel struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeChannel) note(op, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+target)
	return f.err
}

func (f *fakeChannel) SendMessage(_ context.Context, _ domain.Account, target, _ string) (string, error) {
	return "msg-1", f.note("send", target)
}

func (f *fakeChannel) AddFriend(_ context.Context, _ domain.Account, target, _ string) error {
	return f.note("friend", target)
}

func (f *fakeChannel) LookupIdentifier(_ context.Context, _ domain.Account, phone string) (string, error) {
	return "uid-42", f.note("lookup", phone)
}

func (f *fakeChannel) CheckFriendStatus(_ context.Context, _ domain.Account, target string) (bool, error) {
	return false, f.note("check", target)
}

func (f *fakeChannel) Tag(_ context.Context, _ domain.Account, target, _ string) error {
	return f.note("tag", target)
}

func (f *fakeChannel) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeChannel) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	clk       *clock.Fake
	engine    *Engine
	repo      *queue.SQLiteRepo
	pool      *worker.Pool
	channel   *fakeChannel
	customers *store.Customers
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{clk: clock.NewFake(t0), channel: &fakeChannel{}}
	accounts := store.NewAccounts(db, h.clk)
	h.customers = store.NewCustomers(db, h.clk)
	tracker := quota.NewSQLiteTracker(db, h.clk, time.UTC, zerolog.Nop())
	d := dispatch.New(accounts, tracker, h.channel, h.customers, store.NewActionLogs(db, h.clk), zerolog.Nop())

	h.repo = queue.NewSQLiteRepo(db, h.clk, 3)
	h.engine = NewEngine(db, h.customers, d, h.clk, 3, zerolog.Nop())
	h.repo.OnStepResolved(h.engine.FoldStep)
	h.pool = worker.NewPool(h.repo, h.engine, h.clk, worker.Config{
		Workers:        2,
		Retry:          backoff.NewConstant(time.Minute),
		RateLimitDelay: 10 * time.Minute,
		PauseDelay:     15 * time.Minute,
	})

	_, err = accounts.Create(ctx, domain.Account{ID: "a1", Name: "main", Quota: domain.Quota{HourlyLimit: 100, DailyLimit: 100}})
	require.NoError(t, err)
	return h
}

func (h *harness) customer(t *testing.T, uid string) domain.Customer {
	t.Helper()
	c, err := h.customers.Create(context.Background(), domain.Customer{Name: "Lan", Phone: "0901234567", UID: uid, AccountID: "a1"})
	require.NoError(t, err)
	return c
}

func (h *harness) template(t *testing.T, steps ...domain.Step) domain.WorkflowTemplate {
	t.Helper()
	tpl, err := h.engine.Store().CreateTemplate(context.Background(), domain.WorkflowTemplate{Name: "onboarding", Steps: steps})
	require.NoError(t, err)
	return tpl
}

func (h *harness) instance(t *testing.T, id string) domain.Instance {
	t.Helper()
	inst, err := h.engine.Store().GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

// advance moves the clock and runs whatever became due.
func (h *harness) advance(d time.Duration) int {
	h.clk.Advance(d)
	return h.pool.PollOnce(context.Background())
}

func step(action domain.ActionType, delay time.Duration) domain.Step {
	s := domain.Step{Action: action, Delay: delay}
	switch action {
	case domain.ActionSendMessage:
		s.Params = map[string]string{"text": "welcome"}
	case domain.ActionTag:
		s.Params = map[string]string{"tag": "new"}
	}
	return s
}

func TestEnrollSchedulesEveryStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "uid-1")
	tpl := h.template(t,
		step(domain.ActionAddFriend, 0),
		step(domain.ActionSendMessage, time.Second),
		step(domain.ActionTag, 5*time.Second))

	id, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)

	inst := h.instance(t, id)
	assert.Equal(t, domain.InstanceActive, inst.Status)
	assert.Equal(t, "a1", inst.AccountID)
	require.NotNil(t, inst.NextStepTime)
	assert.True(t, inst.NextStepTime.Equal(t0))
	require.Len(t, inst.Steps, 3)

	tasks, err := h.repo.ListForInstance(ctx, id)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i, offset := range []time.Duration{0, time.Second, 5 * time.Second} {
		assert.True(t, tasks[i].ScheduledFor.Equal(t0.Add(offset)), "task %d at %s", i, tasks[i].ScheduledFor)
		assert.True(t, inst.Steps[i].ScheduledTime.Equal(t0.Add(offset)))
		assert.Equal(t, domain.StepPending, inst.Steps[i].Status)
		assert.Equal(t, tasks[i].ID, inst.Steps[i].TaskID)
		assert.Equal(t, i, tasks[i].Payload.StepIndex)
		assert.Equal(t, c.ID, tasks[i].Payload.CustomerID)
		assert.Equal(t, 3, tasks[i].MaxRetries)
	}
	assert.Equal(t, "welcome", inst.Steps[1].Params["text"])
	assert.Empty(t, h.channel.Calls(), "enrollment never dispatches synchronously")
}

func TestEnrollRejectsUnknownInputs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "uid-1")
	tpl := h.template(t, step(domain.ActionAddFriend, 0))

	_, err := h.engine.Enroll(ctx, "cus_missing", tpl.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.engine.Enroll(ctx, c.ID, "tpl_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	orphan, err := h.customers.Create(ctx, domain.Customer{Phone: "0900"})
	require.NoError(t, err)
	_, err = h.engine.Enroll(ctx, orphan.ID, tpl.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestEnrollDeduplicatesOpenInstance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "uid-1")
	tpl := h.template(t, step(domain.ActionAddFriend, time.Hour))

	first, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)
	again, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyEnrolled)
	assert.Equal(t, first, again)

	require.NoError(t, h.engine.Pause(ctx, first))
	_, err = h.engine.Enroll(ctx, c.ID, tpl.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyEnrolled)

	require.NoError(t, h.engine.Cancel(ctx, first))
	second, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	list, err := h.engine.Store().ListInstancesForCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestWorkflowRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "")
	tpl := h.template(t,
		step(domain.ActionFindUID, 0),
		step(domain.ActionSendMessage, time.Second),
		step(domain.ActionTag, 5*time.Second))
	id, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, h.pool.PollOnce(ctx))
	got, err := h.customers.FindCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "uid-42", got.UID)
	inst := h.instance(t, id)
	assert.Equal(t, domain.StepSuccess, inst.Steps[0].Status)
	require.NotNil(t, inst.NextStepTime)
	assert.True(t, inst.NextStepTime.Equal(t0.Add(time.Second)))

	assert.Equal(t, 1, h.advance(time.Second))
	assert.Equal(t, 0, h.advance(time.Second))
	assert.Equal(t, 1, h.advance(3*time.Second))

	inst = h.instance(t, id)
	assert.Equal(t, domain.InstanceCompleted, inst.Status)
	assert.Nil(t, inst.NextStepTime)
	for _, st := range inst.Steps {
		assert.Equal(t, domain.StepSuccess, st.Status)
	}
	assert.Equal(t, []string{"lookup:0901234567", "send:uid-42", "tag:uid-42"}, h.channel.Calls())
}

func TestFindUIDSkippedWhenKnown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "uid-7")
	tpl := h.template(t, step(domain.ActionFindUID, 0), step(domain.ActionAddFriend, 0))
	id, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, h.pool.PollOnce(ctx))
	inst := h.instance(t, id)
	assert.Equal(t, domain.StepSkipped, inst.Steps[0].Status)
	assert.Equal(t, domain.StepSuccess, inst.Steps[1].Status)
	assert.Equal(t, domain.InstanceCompleted, inst.Status)
	assert.Equal(t, []string{"friend:uid-7"}, h.channel.Calls())
}

func TestMissingUIDFailsStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "")
	tpl := h.template(t, step(domain.ActionAddFriend, 0), step(domain.ActionTag, time.Minute))
	id, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)

	h.pool.PollOnce(ctx)
	inst := h.instance(t, id)
	assert.Equal(t, domain.StepFailed, inst.Steps[0].Status)
	assert.Equal(t, domain.InstanceActive, inst.Status)
	assert.Empty(t, h.channel.Calls())
}

func TestCancelStopsPendingSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "uid-1")
	tpl := h.template(t,
		step(domain.ActionAddFriend, 0),
		step(domain.ActionSendMessage, time.Hour),
		step(domain.ActionTag, 2*time.Hour))
	id, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)
	require.Equal(t, 1, h.pool.PollOnce(ctx))

	require.NoError(t, h.engine.Cancel(ctx, id))
	assert.Equal(t, 0, h.advance(3*time.Hour))
	assert.Len(t, h.channel.Calls(), 1)

	inst := h.instance(t, id)
	assert.Equal(t, domain.InstanceCancelled, inst.Status)
	assert.Nil(t, inst.NextStepTime)
	assert.Equal(t, domain.StepSuccess, inst.Steps[0].Status)
	assert.Equal(t, domain.StepCanceled, inst.Steps[1].Status)
	assert.Equal(t, domain.StepCanceled, inst.Steps[2].Status)

	tasks, err := h.repo.ListForInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCanceled, tasks[2].State)
}

func TestClaimedStepSeesCancellation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "uid-1")
	tpl := h.template(t, step(domain.ActionAddFriend, 0))
	id, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)

	tasks, err := h.repo.ListForInstance(ctx, id)
	require.NoError(t, err)
	task, ok, err := h.repo.Claim(ctx, tasks[0].ID, "other-worker", t0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.engine.Cancel(ctx, id))
	out := h.engine.Handle(ctx, task)
	assert.Equal(t, domain.OutcomeCanceled, out.Status)
	assert.Empty(t, h.channel.Calls())
}

func TestBlockingFailureFailsInstance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "uid-1")
	first := step(domain.ActionAddFriend, 0)
	first.Blocking = true
	tpl := h.template(t, first, step(domain.ActionSendMessage, time.Hour))
	id, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)

	h.channel.setErr(fmt.Errorf("blocked by user: %w", domain.ErrInvalidTarget))
	h.pool.PollOnce(ctx)

	inst := h.instance(t, id)
	assert.Equal(t, domain.InstanceFailed, inst.Status)
	assert.Equal(t, domain.StepFailed, inst.Steps[0].Status)
	assert.Equal(t, domain.StepCanceled, inst.Steps[1].Status)
	assert.Equal(t, 0, h.advance(2*time.Hour))
}

func TestNonBlockingFailureKeepsInstanceActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "uid-1")
	tpl := h.template(t, step(domain.ActionAddFriend, 0), step(domain.ActionSendMessage, time.Hour))
	id, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)

	h.channel.setErr(fmt.Errorf("blocked by user: %w", domain.ErrInvalidTarget))
	h.pool.PollOnce(ctx)

	inst := h.instance(t, id)
	assert.Equal(t, domain.InstanceActive, inst.Status)
	assert.Equal(t, domain.StepFailed, inst.Steps[0].Status)
	require.NotNil(t, inst.NextStepTime)
	assert.True(t, inst.NextStepTime.Equal(t0.Add(time.Hour)))

	h.channel.setErr(nil)
	assert.Equal(t, 1, h.advance(time.Hour))
	assert.Equal(t, domain.InstanceCompleted, h.instance(t, id).Status)
}

func TestTransportFailureRetriesWithinStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "uid-1")
	tpl := h.template(t, step(domain.ActionAddFriend, 0))
	id, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)

	h.channel.setErr(fmt.Errorf("gateway unreachable"))
	h.pool.PollOnce(ctx)
	inst := h.instance(t, id)
	assert.Equal(t, domain.StepPending, inst.Steps[0].Status)
	assert.Equal(t, 1, inst.Steps[0].RetryCount)

	h.channel.setErr(nil)
	assert.Equal(t, 1, h.advance(time.Minute))
	inst = h.instance(t, id)
	assert.Equal(t, domain.StepSuccess, inst.Steps[0].Status)
	assert.Equal(t, domain.InstanceCompleted, inst.Status)
}

func TestPauseDefersSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "uid-1")
	tpl := h.template(t, step(domain.ActionAddFriend, 0))
	id, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)

	require.NoError(t, h.engine.Pause(ctx, id))
	assert.Equal(t, 1, h.pool.PollOnce(ctx))
	assert.Empty(t, h.channel.Calls())

	tasks, err := h.repo.ListForInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, tasks[0].RetryCount)
	assert.True(t, tasks[0].ScheduledFor.Equal(t0.Add(15*time.Minute)))
	assert.Equal(t, domain.StepPending, h.instance(t, id).Steps[0].Status)

	h.clk.Advance(time.Minute)
	require.NoError(t, h.engine.Resume(ctx, id))
	assert.Equal(t, 1, h.pool.PollOnce(ctx))
	assert.Equal(t, []string{"friend:uid-1"}, h.channel.Calls())
	assert.Equal(t, domain.InstanceCompleted, h.instance(t, id).Status)
}

func TestResumeKeepsRetryDelay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "uid-1")
	tpl := h.template(t, step(domain.ActionAddFriend, 0))
	id, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)

	h.channel.setErr(fmt.Errorf("gateway unreachable"))
	assert.Equal(t, 1, h.pool.PollOnce(ctx))
	h.channel.setErr(nil)

	require.NoError(t, h.engine.Pause(ctx, id))
	require.NoError(t, h.engine.Resume(ctx, id))
	tasks, err := h.repo.ListForInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, tasks[0].RetryCount)
	assert.True(t, tasks[0].ScheduledFor.Equal(t0.Add(time.Minute)))

	assert.Equal(t, 0, h.advance(time.Second))
	assert.Equal(t, 1, h.advance(time.Minute))
	assert.Equal(t, domain.InstanceCompleted, h.instance(t, id).Status)
}

func TestInstanceTransitions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "uid-1")
	tpl := h.template(t, step(domain.ActionAddFriend, time.Hour))
	id, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, h.engine.Resume(ctx, id), domain.ErrInvalidTransition)
	require.NoError(t, h.engine.Pause(ctx, id))
	assert.ErrorIs(t, h.engine.Pause(ctx, id), domain.ErrInvalidTransition)
	require.NoError(t, h.engine.Cancel(ctx, id))
	assert.ErrorIs(t, h.engine.Cancel(ctx, id), domain.ErrInvalidTransition)
	assert.ErrorIs(t, h.engine.Resume(ctx, id), domain.ErrInvalidTransition)
	assert.ErrorIs(t, h.engine.Cancel(ctx, "ins_missing"), domain.ErrNotFound)
}

func TestAdHocTaskBypassesInstanceChecks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.repo.RunNow(ctx, domain.ActionSendMessage, domain.TaskPayload{
		AccountID: "a1", Target: "uid-99", Params: map[string]string{"text": "hi"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, h.pool.PollOnce(ctx))
	assert.Equal(t, []string{"send:uid-99"}, h.channel.Calls())
}

// claim takes the instance's step task the way a worker would.
func (h *harness) claim(t *testing.T, taskID string) domain.Task {
	t.Helper()
	task, ok, err := h.repo.Claim(context.Background(), taskID, "w-test", h.clk.Now())
	require.NoError(t, err)
	require.True(t, ok)
	return task
}

func TestResolvingStepCompletesInstanceInSameTransaction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "uid-1")
	tpl := h.template(t, step(domain.ActionAddFriend, 0))
	id, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)

	task := h.claim(t, h.instance(t, id).Steps[0].TaskID)
	require.NoError(t, h.repo.Succeed(ctx, task, domain.StepSuccess, "ok"))

	inst := h.instance(t, id)
	assert.Equal(t, domain.StepSuccess, inst.Steps[0].Status)
	assert.Equal(t, domain.InstanceCompleted, inst.Status)
	assert.Nil(t, inst.NextStepTime)

	again, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)
	assert.NotEqual(t, id, again)
}

func TestResolvingBlockingFailureCancelsRemainingSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "uid-1")
	first := step(domain.ActionAddFriend, 0)
	first.Blocking = true
	tpl := h.template(t, first, step(domain.ActionSendMessage, time.Hour), step(domain.ActionTag, 2*time.Hour))
	id, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)

	task := h.claim(t, h.instance(t, id).Steps[0].TaskID)
	require.NoError(t, h.repo.Fail(ctx, task, "rejected"))

	inst := h.instance(t, id)
	assert.Equal(t, domain.InstanceFailed, inst.Status)
	assert.Equal(t, domain.StepCanceled, inst.Steps[1].Status)
	assert.Equal(t, domain.StepCanceled, inst.Steps[2].Status)
	tasks, err := h.repo.ListForInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCanceled, tasks[1].State)
	assert.Equal(t, domain.TaskCanceled, tasks[2].State)
	assert.Equal(t, 0, h.advance(5*time.Hour))
	assert.Empty(t, h.channel.Calls())
}

func TestResolvingMiddleStepAdvancesNextStepTime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, "uid-1")
	tpl := h.template(t, step(domain.ActionAddFriend, 0), step(domain.ActionSendMessage, time.Hour))
	id, err := h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)

	task := h.claim(t, h.instance(t, id).Steps[0].TaskID)
	require.NoError(t, h.repo.Succeed(ctx, task, domain.StepSuccess, "ok"))

	inst := h.instance(t, id)
	assert.Equal(t, domain.InstanceActive, inst.Status)
	require.NotNil(t, inst.NextStepTime)
	assert.True(t, inst.NextStepTime.Equal(t0.Add(time.Hour)))
}
