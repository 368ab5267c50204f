package pollsync

import (
	"errors"
	"fmt"
	"slices"

	"github.com/golang/glog"
)

// at most one pending answer per poll. A newer answer supersedes the
// in flight one; an identical answer coalesces onto it.
type pendingAnswer struct {
	options    []string
	callbacks  []AnswerFunction
	generation uint64
	// zero when the poll db is disabled
	recordId    uint64
	cancelQuery func()
}

// SetAnswer requests the server to record the user's chosen options
// for the poll. optionIds index into the poll's option list; at most
// one may be chosen. The callback resolves when the request is
// confirmed, superseded, or rejected.
func (self *PollManager) SetAnswer(pollId PollId, ref MessageRef, optionIds []int, callback AnswerFunction) {
	safeCallback := func(err error) {
		if callback != nil {
			defer recover()
			callback(err)
		}
	}
	if !self.post(func() {
		self.setAnswer(pollId, ref, optionIds, safeCallback)
	}) {
		safeCallback(errors.New("poll manager closed"))
	}
}

func (self *PollManager) setAnswer(pollId PollId, ref MessageRef, optionIds []int, callback AnswerFunction) {
	if 1 < len(optionIds) {
		callback(fmt.Errorf("%w: can't choose more than one option", ErrInvalidArgument))
		return
	}
	if pollId.IsLocal() {
		callback(fmt.Errorf("%w: poll has not been sent to the server", ErrNotMutable))
		return
	}
	poll := self.pollForce(pollId)
	if poll == nil {
		callback(fmt.Errorf("%w: unknown %s", ErrInvalidArgument, pollId))
		return
	}
	if poll.IsClosed {
		callback(fmt.Errorf("%w: poll is closed", ErrNotMutable))
		return
	}
	options := []string{}
	for _, optionId := range optionIds {
		if optionId < 0 || len(poll.Options) <= optionId {
			callback(fmt.Errorf("%w: invalid option id %d", ErrInvalidArgument, optionId))
			return
		}
		options = append(options, poll.Options[optionId].Data)
	}

	self.doSetAnswer(pollId, ref, options, 0, callback)
}

// the one path that installs a pending answer, shared by live requests
// (recordId 0) and binlog replay (recordId of the replayed record, nil
// callback). Replay reuses the record instead of appending a new one,
// which keeps replay idempotent.
func (self *PollManager) doSetAnswer(pollId PollId, ref MessageRef, options []string, recordId uint64, callback AnswerFunction) {
	if pollId.IsLocal() {
		panic("local polls can't carry a pending answer")
	}

	pending := self.pendingAnswers[pollId]
	if pending != nil && 0 < len(pending.callbacks) && slices.Equal(pending.options, options) {
		// identical intent. Join the in flight request.
		if callback != nil {
			pending.callbacks = append(pending.callbacks, callback)
		}
		return
	}
	if pending == nil {
		pending = &pendingAnswer{}
		self.pendingAnswers[pollId] = pending
	}

	if pending.recordId != 0 && recordId != 0 {
		panic("a replayed record can't land on a live pending answer")
	}
	if recordId == 0 && self.settings.UsePollDb {
		payload := encodeSetAnswerRecord(&setAnswerRecord{
			PollId:  pollId,
			Ref:     ref,
			Options: options,
		})
		if pending.generation == 0 {
			if pending.recordId != 0 {
				panic("fresh pending answer with a binlog record")
			}
			recordId = self.binlog.Append(RecordKindSetAnswer, payload)
			glog.Infof("[answer]add set answer record %d\n", recordId)
		} else {
			if pending.recordId == 0 {
				panic("live pending answer without a binlog record")
			}
			recordId = self.binlog.Rewrite(pending.recordId, RecordKindSetAnswer, payload)
			glog.Infof("[answer]rewrite set answer record %d with %d\n", pending.recordId, recordId)
		}
	}

	if 0 < len(pending.callbacks) {
		// the newer answer supersedes the in flight request. Its
		// waiters are satisfied by definition, since the newer answer
		// decides the final observed state.
		if pending.cancelQuery == nil {
			panic("live pending answer without a cancelable query")
		}
		pending.cancelQuery()
		pending.cancelQuery = nil

		callbacks := pending.callbacks
		pending.callbacks = nil
		for _, oldCallback := range callbacks {
			oldCallback(nil)
		}
	}

	self.currentGeneration += 1
	generation := self.currentGeneration

	pending.options = options
	if callback != nil {
		pending.callbacks = []AnswerFunction{callback}
	} else {
		pending.callbacks = []AnswerFunction{func(err error) {}}
	}
	pending.generation = generation
	pending.recordId = recordId

	// optimistic update: views show the pending choice before the
	// server confirms
	self.notifyPollUpdated(pollId)

	request := &AnswerRequest{
		RequestId: NewId(),
		PollId:    pollId,
		ChatId:    ref.ChatId,
		MessageId: ref.MessageId,
		Options:   slices.Clone(options),
	}
	pending.cancelQuery = self.transport.SendAnswer(request, func(err error) {
		self.post(func() {
			self.onSetAnswerResult(pollId, generation, err)
		})
	})
}

func (self *PollManager) onSetAnswerResult(pollId PollId, generation uint64, err error) {
	if self.ctx.Err() != nil && err != nil {
		// shutting down. The request is resent after restart by
		// binlog replay.
		return
	}
	pending := self.pendingAnswers[pollId]
	if pending == nil {
		// a result for a superseded request whose cancel the server
		// ignored
		return
	}
	if len(pending.callbacks) == 0 {
		panic("live pending answer without waiters")
	}
	if pending.generation != generation {
		// stale generation
		return
	}

	if pending.recordId != 0 {
		glog.Infof("[answer]erase set answer record %d\n", pending.recordId)
		self.binlog.Erase(pending.recordId)
	}

	callbacks := pending.callbacks
	delete(self.pendingAnswers, pollId)
	for _, callback := range callbacks {
		callback(err)
	}
}

func (self *PollManager) pollView(pollId PollId) *Poll {
	poll := self.pollForce(pollId)
	if poll == nil {
		return nil
	}
	view := poll.copy()
	pending := self.pendingAnswers[pollId]
	if pending == nil {
		return view
	}

	// show the pending choice as if the old choice were retracted and
	// the new one already counted
	voterCountDiff := int32(0)
	for i := range view.Options {
		option := &view.Options[i]
		isChosen := slices.Contains(pending.options, option.Data)
		if option.IsChosen {
			voterCountDiff = -1
			option.VoterCount -= 1
		}
		if isChosen {
			option.VoterCount += 1
		}
		option.IsChosen = isChosen
	}
	if 0 < len(pending.options) {
		voterCountDiff += 1
	}
	view.TotalVoterCount += voterCountDiff
	return view
}
