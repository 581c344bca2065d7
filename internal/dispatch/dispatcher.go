// Package dispatch runs one named action against one account: it reserves
// quota, calls the external channel and records the attempt.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"reachflow/internal/domain"
	"reachflow/internal/quota"
)

// Channel is the external messaging platform.
type Channel interface {
	SendMessage(ctx context.Context, account domain.Account, target, text string) (string, error)
	AddFriend(ctx context.Context, account domain.Account, target, message string) error
	LookupIdentifier(ctx context.Context, account domain.Account, phone string) (string, error)
	CheckFriendStatus(ctx context.Context, account domain.Account, target string) (bool, error)
	Tag(ctx context.Context, account domain.Account, target, tag string) error
}

// Directory is the customer record store.
type Directory interface {
	FindCustomer(ctx context.Context, id string) (domain.Customer, error)
	RecordIdentity(ctx context.Context, customerID, uid string) error
}

type Accounts interface {
	Get(ctx context.Context, id string) (domain.Account, error)
}

type LogSink interface {
	Append(ctx context.Context, l domain.ActionLog) (int64, error)
}

type Request struct {
	AccountID  string            `validate:"required"`
	Action     domain.ActionType `validate:"required,action"`
	Target     string            `validate:"required"`
	CustomerID string
	Params     map[string]string
	TaskID     string
	InstanceID string
	StepIndex  int
}

// requiredParams lists the params each action cannot run without.
var requiredParams = map[domain.ActionType][]string{
	domain.ActionSendMessage: {"text"},
	domain.ActionTag:         {"tag"},
}

type Dispatcher struct {
	accounts  Accounts
	tracker   quota.Tracker
	channel   Channel
	directory Directory
	logs      LogSink
	log       zerolog.Logger
}

func New(accounts Accounts, tracker quota.Tracker, channel Channel, directory Directory, logs LogSink, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{accounts: accounts, tracker: tracker, channel: channel, directory: directory, logs: logs, log: log}
}

func (d *Dispatcher) Dispatch(ctx context.Context, req Request) domain.Outcome {
	out := d.dispatch(ctx, req)
	d.record(ctx, req, out)
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) domain.Outcome {
	if err := domain.Validator().Struct(req); err != nil {
		return domain.ValidationFailure(err.Error())
	}
	for _, p := range requiredParams[req.Action] {
		if req.Params[p] == "" {
			return domain.ValidationFailure(fmt.Sprintf("%s requires param %q", req.Action, p))
		}
	}

	account, err := d.accounts.Get(ctx, req.AccountID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ValidationFailure("account not found")
	}
	if err != nil {
		return domain.TransportFailure("load account: " + err.Error())
	}
	if account.Status != domain.AccountActive {
		return domain.ValidationFailure("account inactive")
	}

	r, err := d.tracker.Reserve(ctx, req.AccountID)
	if err != nil {
		return domain.TransportFailure(err.Error())
	}
	if !r.Allowed {
		return domain.RateLimited(r.Reason)
	}

	return d.invoke(ctx, account, req)
}

func (d *Dispatcher) invoke(ctx context.Context, account domain.Account, req Request) domain.Outcome {
	var content string
	var err error
	switch req.Action {
	case domain.ActionSendMessage:
		content, err = d.channel.SendMessage(ctx, account, req.Target, req.Params["text"])
	case domain.ActionAddFriend:
		err = d.channel.AddFriend(ctx, account, req.Target, req.Params["message"])
	case domain.ActionFindUID:
		content, err = d.channel.LookupIdentifier(ctx, account, req.Target)
		if err == nil && content == "" {
			err = fmt.Errorf("no identifier for %s: %w", req.Target, domain.ErrInvalidTarget)
		}
	case domain.ActionCheckFriend:
		var friend bool
		friend, err = d.channel.CheckFriendStatus(ctx, account, req.Target)
		content = strconv.FormatBool(friend)
	case domain.ActionTag:
		err = d.channel.Tag(ctx, account, req.Target, req.Params["tag"])
	}

	switch {
	case errors.Is(err, domain.ErrInvalidTarget):
		return domain.ValidationFailure(err.Error())
	case errors.Is(err, domain.ErrChannelThrottled):
		return domain.RateLimited(err.Error())
	case err != nil:
		return domain.TransportFailure(err.Error())
	}

	if req.Action == domain.ActionFindUID && req.CustomerID != "" {
		if err := d.directory.RecordIdentity(ctx, req.CustomerID, content); err != nil {
			return domain.TransportFailure("record identity: " + err.Error())
		}
	}
	return domain.Success(content)
}

func (d *Dispatcher) record(ctx context.Context, req Request, out domain.Outcome) {
	msg := out.Message
	if msg == "" {
		msg = out.Content
	}
	_, err := d.logs.Append(ctx, domain.ActionLog{
		AccountID:  req.AccountID,
		ActionType: req.Action,
		Target:     req.Target,
		Status:     out.Status,
		Message:    msg,
		TaskID:     req.TaskID,
		InstanceID: req.InstanceID,
		StepIndex:  req.StepIndex,
	})
	if err != nil {
		d.log.Error().Err(err).Str("task_id", req.TaskID).Msg("append action log")
	}
	d.log.Debug().Str("account_id", req.AccountID).Str("action", string(req.Action)).
		Str("outcome", string(out.Status)).Str("task_id", req.TaskID).Msg("action dispatched")
}

// Handle runs an ad hoc task, one not attached to a workflow instance. A task
// naming a customer instead of a target is resolved through the directory.
func (d *Dispatcher) Handle(ctx context.Context, t domain.Task) domain.Outcome {
	target := t.Payload.Target
	if target == "" && t.Payload.CustomerID != "" {
		c, err := d.directory.FindCustomer(ctx, t.Payload.CustomerID)
		if errors.Is(err, domain.ErrNotFound) {
			return d.Reject(ctx, TaskRequest(t, ""), "customer not found")
		}
		if err != nil {
			return domain.TransportFailure("load customer: " + err.Error())
		}
		if target = TargetFor(c, t.ActionType); target == "" {
			return d.Reject(ctx, TaskRequest(t, ""), "customer has no identifier for "+string(t.ActionType))
		}
	}
	return d.Dispatch(ctx, TaskRequest(t, target))
}

// Reject records a request that failed before reaching the channel.
func (d *Dispatcher) Reject(ctx context.Context, req Request, msg string) domain.Outcome {
	out := domain.ValidationFailure(msg)
	d.record(ctx, req, out)
	return out
}

// TaskRequest builds the dispatch request for a queued task.
func TaskRequest(t domain.Task, target string) Request {
	return Request{
		AccountID:  t.Payload.AccountID,
		Action:     t.ActionType,
		Target:     target,
		CustomerID: t.Payload.CustomerID,
		Params:     t.Payload.Params,
		TaskID:     t.ID,
		InstanceID: t.Payload.InstanceID,
		StepIndex:  t.Payload.StepIndex,
	}
}

// TargetFor picks the address an action is sent to: findUid looks the phone
// up, everything else talks to the discovered identifier.
func TargetFor(c domain.Customer, action domain.ActionType) string {
	if action == domain.ActionFindUID {
		return c.Phone
	}
	return c.UID
}
