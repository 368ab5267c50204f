package pollsync

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestReplayRedrivesPendingAnswer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pollId := PollId(555)
	ref := MessageRef{ChatId: NewId(), MessageId: NewId()}

	binlog := newMemoryBinlog()
	recordId := binlog.Append(RecordKindSetAnswer, encodeSetAnswerRecord(&setAnswerRecord{
		PollId:  pollId,
		Ref:     ref,
		Options: []string{"0"},
	}))

	storage := newMemoryStorage()
	transport := newTestTransport()
	resolver := &testResolver{}
	manager := NewPollManagerWithDefaults(ctx, storage, binlog, transport, resolver)
	defer manager.Close()
	manager.HasPoll(PollId(0))

	// the surviving record is re-sent without a new append
	assert.Equal(t, resolver.resolvedRefs(), []MessageRef{ref})
	assert.Equal(t, transport.sendCount(), 1)
	assert.Equal(t, transport.send(0).request.PollId, pollId)
	assert.Equal(t, transport.send(0).request.Options, []string{"0"})
	appendCount, rewriteCount, eraseCount := binlog.counts()
	assert.Equal(t, appendCount, 1)
	assert.Equal(t, rewriteCount, 0)
	assert.Equal(t, eraseCount, 0)
	assert.Equal(t, binlog.recordCount(), 1)

	// the record is held until the server confirms
	transport.send(0).result(nil)
	manager.HasPoll(PollId(0))
	_, _, eraseCount = binlog.counts()
	assert.Equal(t, eraseCount, 1)
	assert.Equal(t, binlog.recordCount(), 0)
	assert.Equal(t, recordId, uint64(1))
}

func TestReplayCoalescesLiveAnswer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pollId := PollId(555)
	ref := MessageRef{ChatId: NewId(), MessageId: NewId()}

	// persist a snapshot so the replayed poll can serve live answers
	tm := newTestManager(ctx)
	assert.Equal(t, tm.manager.OnServerPoll(PollId(0), testServerPoll(pollId, "What?", []string{"Yes", "No"}), nil), pollId)
	tm.manager.Close()

	binlog := newMemoryBinlog()
	binlog.Append(RecordKindSetAnswer, encodeSetAnswerRecord(&setAnswerRecord{
		PollId:  pollId,
		Ref:     ref,
		Options: []string{"0"},
	}))

	transport := newTestTransport()
	manager := NewPollManagerWithDefaults(ctx, tm.storage, binlog, transport, nil)
	defer manager.Close()

	// an identical live answer joins the replayed request
	out := make(chan error, 1)
	manager.SetAnswer(pollId, ref, []int{0}, func(err error) {
		out <- err
	})
	manager.HasPoll(PollId(0))
	assert.Equal(t, transport.sendCount(), 1)
	appendCount, rewriteCount, _ := binlog.counts()
	assert.Equal(t, appendCount, 1)
	assert.Equal(t, rewriteCount, 0)

	transport.send(0).result(nil)
	assert.Equal(t, receiveResult(t, out), nil)
	manager.HasPoll(PollId(0))
	assert.Equal(t, binlog.recordCount(), 0)
}

func TestReplayWithPollDbDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	binlog := newMemoryBinlog()
	binlog.Append(RecordKindSetAnswer, encodeSetAnswerRecord(&setAnswerRecord{
		PollId:  PollId(555),
		Ref:     MessageRef{ChatId: NewId(), MessageId: NewId()},
		Options: []string{"0"},
	}))

	settings := DefaultPollManagerSettings()
	settings.UsePollDb = false
	transport := newTestTransport()
	manager := NewPollManager(ctx, newMemoryStorage(), binlog, transport, nil, settings)
	defer manager.Close()
	manager.HasPoll(PollId(0))

	// stale records from a persisted configuration are dropped, not
	// re-sent
	assert.Equal(t, transport.sendCount(), 0)
	_, _, eraseCount := binlog.counts()
	assert.Equal(t, eraseCount, 1)
	assert.Equal(t, binlog.recordCount(), 0)
}
