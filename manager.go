package pollsync

import (
	"context"
	"strconv"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type PollManagerSettings struct {
	// mirror of the app's message db switch. When false nothing is
	// persisted, and binlog records found at startup are erased.
	// When true both the storage and binlog must be set.
	UsePollDb bool

	OpBufferSize int
}

func DefaultPollManagerSettings() *PollManagerSettings {
	return &PollManagerSettings{
		UsePollDb:    true,
		OpBufferSize: 32,
	}
}

// PollManager keeps the local copy of each poll in sync with the
// server. All poll state is owned by a single run goroutine; public
// methods post ops onto its queue, and in flight request results
// re-enter through the same queue tagged with the generation they
// were issued with.
type PollManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	storage   PollStorage
	binlog    Binlog
	transport AnswerTransport
	resolver  DependencyResolver

	settings *PollManagerSettings

	ops chan func()

	// all state below is owned by the run goroutine
	polls              map[PollId]*Poll
	loadedFromDbPolls  map[PollId]bool
	pollMessages       map[PollId]map[MessageRef]bool
	pendingAnswers     map[PollId]*pendingAnswer
	currentLocalPollId PollId
	currentGeneration  uint64

	updateCallbacks *CallbackList[PollUpdateFunction]
}

func NewPollManagerWithDefaults(
	ctx context.Context,
	storage PollStorage,
	binlog Binlog,
	transport AnswerTransport,
	resolver DependencyResolver,
) *PollManager {
	return NewPollManager(ctx, storage, binlog, transport, resolver, DefaultPollManagerSettings())
}

func NewPollManager(
	ctx context.Context,
	storage PollStorage,
	binlog Binlog,
	transport AnswerTransport,
	resolver DependencyResolver,
	settings *PollManagerSettings,
) *PollManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	manager := &PollManager{
		ctx:               cancelCtx,
		cancel:            cancel,
		storage:           storage,
		binlog:            binlog,
		transport:         transport,
		resolver:          resolver,
		settings:          settings,
		ops:               make(chan func(), settings.OpBufferSize),
		polls:             map[PollId]*Poll{},
		loadedFromDbPolls: map[PollId]bool{},
		pollMessages:      map[PollId]map[MessageRef]bool{},
		pendingAnswers:    map[PollId]*pendingAnswer{},
		updateCallbacks:   NewCallbackList[PollUpdateFunction](),
	}
	go manager.run()
	return manager
}

func (self *PollManager) run() {
	defer self.cancel()

	// re-drive requests that were in flight when the last process
	// exited
	self.replayBinlog()

	for {
		select {
		case <-self.ctx.Done():
			return
		case op := <-self.ops:
			op()
		}
	}
}

func (self *PollManager) post(op func()) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.ops <- op:
		return true
	}
}

// posts an op and waits for its return value. The queue is fifo, so a
// call is also a barrier for every op posted before it.
func call[R any](manager *PollManager, op func() R) R {
	out := make(chan R, 1)
	if !manager.post(func() {
		out <- op()
	}) {
		var empty R
		return empty
	}
	select {
	case <-manager.ctx.Done():
		var empty R
		return empty
	case r := <-out:
		return r
	}
}

func (self *PollManager) Close() {
	self.cancel()
}

// store

func pollDbKey(pollId PollId) string {
	return "poll" + strconv.FormatInt(int64(pollId), 10)
}

func (self *PollManager) poll(pollId PollId) *Poll {
	return self.polls[pollId]
}

// loads the poll from storage if it was never seen in this process.
// A missing snapshot is tracked per id and never retried.
func (self *PollManager) pollForce(pollId PollId) *Poll {
	if poll, ok := self.polls[pollId]; ok {
		return poll
	}
	if !self.settings.UsePollDb {
		return nil
	}
	if self.loadedFromDbPolls[pollId] {
		return nil
	}
	self.loadedFromDbPolls[pollId] = true

	glog.Infof("[store]load %s from the poll db\n", pollId)
	value, ok := self.storage.Get(pollDbKey(pollId))
	if !ok {
		return nil
	}
	poll := decodePoll(value)
	self.polls[pollId] = poll
	return poll
}

func (self *PollManager) savePoll(pollId PollId, poll *Poll) {
	if pollId.IsLocal() {
		panic("local polls are never persisted")
	}
	if !self.settings.UsePollDb {
		return
	}
	glog.Infof("[store]save %s to the poll db\n", pollId)
	self.storage.Set(pollDbKey(pollId), encodePoll(poll))
}

func (self *PollManager) CreateLocalPoll(question string, optionTexts []string) PollId {
	return call(self, func() PollId {
		return self.createLocalPoll(question, optionTexts)
	})
}

func (self *PollManager) createLocalPoll(question string, optionTexts []string) PollId {
	self.currentLocalPollId -= 1
	pollId := self.currentLocalPollId
	if _, ok := self.polls[pollId]; ok {
		panic("local poll id reused")
	}
	self.polls[pollId] = newLocalPoll(question, optionTexts)
	return pollId
}

func (self *PollManager) HasPoll(pollId PollId) bool {
	return call(self, func() bool {
		return self.poll(pollId) != nil
	})
}

func (self *PollManager) HasPollForce(pollId PollId) bool {
	return call(self, func() bool {
		return self.pollForce(pollId) != nil
	})
}

// Poll returns a copy of the poll as the user should see it, with the
// pending answer applied optimistically. Nil if the poll is unknown.
func (self *PollManager) Poll(pollId PollId) *Poll {
	return call(self, func() *Poll {
		return self.pollView(pollId)
	})
}

// PollCreateRequest returns the payload to send a locally created poll
// to the server. Nil if the poll is unknown.
func (self *PollManager) PollCreateRequest(pollId PollId) *PollCreateRequest {
	return call(self, func() *PollCreateRequest {
		poll := self.pollForce(pollId)
		if poll == nil {
			return nil
		}
		answers := make([]ServerPollAnswer, len(poll.Options))
		for i, option := range poll.Options {
			answers[i] = ServerPollAnswer{
				Text: option.Text,
				Data: option.Data,
			}
		}
		return &PollCreateRequest{
			Question: poll.Question,
			Answers:  answers,
		}
	})
}

func (self *PollManager) ClosePoll(pollId PollId) {
	self.post(func() {
		self.closePoll(pollId)
	})
}

func (self *PollManager) closePoll(pollId PollId) {
	poll := self.pollForce(pollId)
	if poll == nil {
		glog.Infof("[close]ignore %s, no local data\n", pollId)
		return
	}
	if poll.IsClosed {
		return
	}
	poll.IsClosed = true
	self.notifyPollUpdated(pollId)
	if !pollId.IsLocal() {
		self.savePoll(pollId, poll)
	}
}

// registry

func (self *PollManager) RegisterPoll(pollId PollId, ref MessageRef) {
	self.post(func() {
		refs, ok := self.pollMessages[pollId]
		if !ok {
			refs = map[MessageRef]bool{}
			self.pollMessages[pollId] = refs
		}
		refs[ref] = true
	})
}

func (self *PollManager) UnregisterPoll(pollId PollId, ref MessageRef) {
	self.post(func() {
		refs, ok := self.pollMessages[pollId]
		if !ok {
			return
		}
		delete(refs, ref)
		if len(refs) == 0 {
			delete(self.pollMessages, pollId)
		}
	})
}

func (self *PollManager) AddPollUpdateCallback(updateCallback PollUpdateFunction) func() {
	callbackId := self.updateCallbacks.Add(updateCallback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

func (self *PollManager) notifyPollUpdated(pollId PollId) {
	refs := self.pollMessages[pollId]
	if len(refs) == 0 {
		return
	}
	callbacks := self.updateCallbacks.Get()
	for _, ref := range maps.Keys(refs) {
		for _, callback := range callbacks {
			func() {
				defer recover()
				callback(ref)
			}()
		}
	}
}
