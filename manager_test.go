package pollsync

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCreateLocalPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tm := newTestManager(ctx)
	defer tm.manager.Close()

	pollIdA := tm.manager.CreateLocalPoll("Lunch?", []string{"Yes", "No"})
	pollIdB := tm.manager.CreateLocalPoll("Dinner?", []string{"Early", "Late"})
	assert.Equal(t, pollIdA, PollId(-1))
	assert.Equal(t, pollIdB, PollId(-2))
	assert.Equal(t, pollIdA.IsLocal(), true)
	assert.Equal(t, tm.manager.HasPoll(pollIdA), true)

	poll := tm.manager.Poll(pollIdA)
	assert.Equal(t, poll.Question, "Lunch?")
	assert.Equal(t, len(poll.Options), 2)
	assert.Equal(t, poll.Options[0].Text, "Yes")
	assert.Equal(t, poll.Options[0].Data, "0")
	assert.Equal(t, poll.Options[1].Data, "1")
	assert.Equal(t, poll.TotalVoterCount, int32(0))

	request := tm.manager.PollCreateRequest(pollIdA)
	assert.Equal(t, request.Question, "Lunch?")
	assert.Equal(t, request.Answers, []ServerPollAnswer{
		{Text: "Yes", Data: "0"},
		{Text: "No", Data: "1"},
	})
}

func TestCloseLocalPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tm := newTestManager(ctx)
	defer tm.manager.Close()

	pollId := tm.manager.CreateLocalPoll("Lunch?", []string{"Yes", "No"})
	tm.manager.ClosePoll(pollId)
	tm.barrier()
	assert.Equal(t, tm.manager.Poll(pollId).IsClosed, true)

	// local polls never touch the poll db
	_, setCount := tm.storage.counts(pollDbKey(pollId))
	assert.Equal(t, setCount, 0)
}

func TestCloseServerPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tm := newTestManager(ctx)
	defer tm.manager.Close()

	pollId := PollId(555)
	assert.Equal(t, tm.manager.OnServerPoll(PollId(0), testServerPoll(pollId, "What?", []string{"Yes", "No"}), nil), pollId)
	_, setCount := tm.storage.counts(pollDbKey(pollId))
	assert.Equal(t, setCount, 1)

	tm.manager.ClosePoll(pollId)
	tm.barrier()
	assert.Equal(t, tm.manager.Poll(pollId).IsClosed, true)
	_, setCount = tm.storage.counts(pollDbKey(pollId))
	assert.Equal(t, setCount, 2)

	// closing twice is a no-op
	tm.manager.ClosePoll(pollId)
	tm.barrier()
	_, setCount = tm.storage.counts(pollDbKey(pollId))
	assert.Equal(t, setCount, 2)

	out := make(chan error, 1)
	tm.manager.SetAnswer(pollId, MessageRef{}, []int{0}, func(err error) {
		out <- err
	})
	assert.Equal(t, errors.Is(receiveResult(t, out), ErrNotMutable), true)
}

func TestUpdateCallbackUnsub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tm := newTestManager(ctx)
	defer tm.manager.Close()

	pollId := PollId(555)
	ref := MessageRef{ChatId: NewId(), MessageId: NewId()}
	tm.manager.RegisterPoll(pollId, ref)
	assert.Equal(t, tm.manager.OnServerPoll(PollId(0), testServerPoll(pollId, "What?", []string{"Yes", "No"}), nil), pollId)
	beforeCount := tm.updates.count()
	assert.Equal(t, 0 < beforeCount, true)

	tm.unsub()
	tm.manager.ClosePoll(pollId)
	tm.barrier()
	assert.Equal(t, tm.updates.count(), beforeCount)
}

func TestUnregisterPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tm := newTestManager(ctx)
	defer tm.manager.Close()

	pollId := PollId(555)
	ref := MessageRef{ChatId: NewId(), MessageId: NewId()}
	tm.manager.RegisterPoll(pollId, ref)
	assert.Equal(t, tm.manager.OnServerPoll(PollId(0), testServerPoll(pollId, "What?", []string{"Yes", "No"}), nil), pollId)
	beforeCount := tm.updates.count()
	assert.Equal(t, 0 < beforeCount, true)

	// no registered messages, no notifications
	tm.manager.UnregisterPoll(pollId, ref)
	tm.manager.ClosePoll(pollId)
	tm.barrier()
	assert.Equal(t, tm.updates.count(), beforeCount)
}

// walks a poll through its full life: created locally, confirmed by the
// server, voted on, revoted while the first vote is in flight, and
// settled.
func TestPollLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tm := newTestManager(ctx)
	defer tm.manager.Close()

	localPollId := tm.manager.CreateLocalPoll("Lunch?", []string{"Yes", "No", "Maybe"})
	assert.Equal(t, localPollId, PollId(-1))

	// votes can't target a poll the server has never seen
	out := make(chan error, 1)
	tm.manager.SetAnswer(localPollId, MessageRef{}, []int{0}, func(err error) {
		out <- err
	})
	assert.Equal(t, errors.Is(receiveResult(t, out), ErrNotMutable), true)

	// the server materializes the poll under an authoritative id
	pollId := PollId(555)
	ref := MessageRef{ChatId: NewId(), MessageId: NewId()}
	tm.manager.RegisterPoll(pollId, ref)
	assert.Equal(t, tm.manager.OnServerPoll(PollId(0), testServerPoll(pollId, "Lunch?", []string{"Yes", "No", "Maybe"}), &ServerResults{
		HasTotalVoters:  true,
		TotalVoterCount: 10,
		Results: []ServerAnswerResults{
			{Data: "0", VoterCount: 4},
			{Data: "1", VoterCount: 6},
		},
	}), pollId)

	// first vote goes out and is journaled
	outA := make(chan error, 1)
	tm.manager.SetAnswer(pollId, ref, []int{0}, func(err error) {
		outA <- err
	})
	tm.barrier()
	assert.Equal(t, tm.transport.sendCount(), 1)
	assert.Equal(t, tm.transport.send(0).request.Options, []string{"0"})
	appendCount, rewriteCount, eraseCount := tm.binlog.counts()
	assert.Equal(t, appendCount, 1)
	assert.Equal(t, rewriteCount, 0)

	// the view already shows the vote
	view := tm.manager.Poll(pollId)
	assert.Equal(t, view.Options[0].VoterCount, int32(5))
	assert.Equal(t, view.Options[0].IsChosen, true)
	assert.Equal(t, view.TotalVoterCount, int32(11))

	// revote before the first vote lands. The first waiter resolves,
	// the first query is canceled, and the record is rewritten in
	// place.
	outB := make(chan error, 1)
	tm.manager.SetAnswer(pollId, ref, []int{1}, func(err error) {
		outB <- err
	})
	assert.Equal(t, receiveResult(t, outA), nil)
	tm.barrier()
	assert.Equal(t, tm.transport.sendCount(), 2)
	assert.Equal(t, tm.transport.sendCanceled(0), true)
	appendCount, rewriteCount, eraseCount = tm.binlog.counts()
	assert.Equal(t, appendCount, 1)
	assert.Equal(t, rewriteCount, 1)

	view = tm.manager.Poll(pollId)
	assert.Equal(t, view.Options[0].IsChosen, false)
	assert.Equal(t, view.Options[1].VoterCount, int32(7))
	assert.Equal(t, view.Options[1].IsChosen, true)
	assert.Equal(t, view.TotalVoterCount, int32(11))

	// a late result for the canceled vote changes nothing
	tm.transport.send(0).result(errors.New("canceled"))
	tm.barrier()
	assert.Equal(t, tm.binlog.recordCount(), 1)

	// the revote lands: record erased, waiter resolved
	tm.transport.send(1).result(nil)
	assert.Equal(t, receiveResult(t, outB), nil)
	tm.barrier()
	_, _, eraseCount = tm.binlog.counts()
	assert.Equal(t, eraseCount, 1)
	assert.Equal(t, tm.binlog.recordCount(), 0)
}
