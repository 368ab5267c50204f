package pollsync

import (
	"github.com/golang/glog"
)

// OnServerPoll merges an authoritative snapshot and/or vote results
// from the server into the local poll. Each differing field marks the
// poll changed; a changed poll notifies its messages and is saved.
// Returns the resolved poll id, or zero if the update is invalid and
// was dropped.
func (self *PollManager) OnServerPoll(pollId PollId, server *ServerPoll, results *ServerResults) PollId {
	return call(self, func() PollId {
		return self.onServerPoll(pollId, server, results)
	})
}

func (self *PollManager) onServerPoll(pollId PollId, server *ServerPoll, results *ServerResults) PollId {
	if !pollId.IsValid() && server != nil {
		pollId = server.PollId
	}
	if !pollId.IsValid() || pollId.IsLocal() {
		// the server must never reference the local id space
		glog.Errorf("[sync]receive %s from the server\n", pollId)
		return PollId(0)
	}
	if server != nil && server.PollId != pollId {
		glog.Errorf("[sync]receive poll %d instead of %s\n", int64(server.PollId), pollId)
		return PollId(0)
	}

	poll := self.pollForce(pollId)
	isChanged := false
	if poll == nil {
		if server == nil {
			glog.Infof("[sync]ignore %s, no local data to merge into\n", pollId)
			return PollId(0)
		}
		poll = &Poll{}
		self.polls[pollId] = poll
	}

	if server != nil {
		if poll.Question != server.Question {
			poll.Question = server.Question
			isChanged = true
		}
		if len(poll.Options) != len(server.Answers) {
			// different option count, replace the list wholesale
			options := make([]PollOption, len(server.Answers))
			for i, answer := range server.Answers {
				options[i] = PollOption{
					Text: answer.Text,
					Data: answer.Data,
				}
			}
			poll.Options = options
			isChanged = true
		} else {
			for i := range poll.Options {
				option := &poll.Options[i]
				answer := &server.Answers[i]
				if option.Text != answer.Text {
					option.Text = answer.Text
					isChanged = true
				}
				if option.Data != answer.Data {
					// a different option now occupies this slot
					option.Data = answer.Data
					option.VoterCount = 0
					option.IsChosen = false
					isChanged = true
				}
			}
		}
		if server.IsClosed && !poll.IsClosed {
			poll.IsClosed = true
			isChanged = true
		} else if !server.IsClosed && poll.IsClosed {
			glog.Errorf("[sync]%s reopened by the server, ignored\n", pollId)
		}
	}

	if results != nil {
		if results.HasTotalVoters && results.TotalVoterCount != poll.TotalVoterCount {
			poll.TotalVoterCount = results.TotalVoterCount
			isChanged = true
		}
		for i := range results.Results {
			result := &results.Results[i]
			for j := range poll.Options {
				option := &poll.Options[j]
				if option.Data != result.Data {
					continue
				}
				// minimal results omit which options this user
				// chose. Leave the chosen flags untouched for those.
				if !results.IsMin {
					if result.IsChosen != option.IsChosen {
						option.IsChosen = result.IsChosen
						isChanged = true
					}
				}
				if result.VoterCount != option.VoterCount {
					option.VoterCount = result.VoterCount
					isChanged = true
				}
				// tokens identify options first-match
				break
			}
		}
	}

	if isChanged {
		self.notifyPollUpdated(pollId)
		self.savePoll(pollId, poll)
	}
	return pollId
}
