package pollsync

import (
	"bytes"
	"encoding/gob"
	"slices"
	"strconv"

	"github.com/golang/glog"
)

type PollOption struct {
	Text string
	// opaque selection token assigned by the server. The token, not
	// the text, is the identity of the option across snapshots.
	Data       string
	VoterCount int32
	IsChosen   bool
}

type Poll struct {
	Question        string
	Options         []PollOption
	TotalVoterCount int32
	// latches true. A closed poll is never reopened.
	IsClosed bool
}

func newLocalPoll(question string, optionTexts []string) *Poll {
	options := make([]PollOption, len(optionTexts))
	for i, text := range optionTexts {
		options[i] = PollOption{
			Text: text,
			Data: strconv.Itoa(i),
		}
	}
	return &Poll{
		Question: question,
		Options:  options,
	}
}

func (self *Poll) copy() *Poll {
	copied := *self
	copied.Options = slices.Clone(self.Options)
	return &copied
}

func encodePoll(poll *Poll) []byte {
	var buffer bytes.Buffer
	if err := gob.NewEncoder(&buffer).Encode(poll); err != nil {
		panic(err)
	}
	return buffer.Bytes()
}

// snapshots are written by this same process family and must always
// decode. Bytes that do not are local data corruption.
func decodePoll(value []byte) *Poll {
	poll := &Poll{}
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(poll); err != nil {
		glog.Fatalf("[store]corrupt poll snapshot = %s\n", err)
	}
	return poll
}

// an authoritative poll snapshot received from the server
type ServerPoll struct {
	PollId   PollId
	Question string
	Answers  []ServerPollAnswer
	IsClosed bool
}

type ServerPollAnswer struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

// aggregate vote results received from the server.
// IsMin marks a minimal result that reports counts only and omits
// which option this user chose.
type ServerResults struct {
	IsMin           bool
	HasTotalVoters  bool
	TotalVoterCount int32
	Results         []ServerAnswerResults
}

type ServerAnswerResults struct {
	Data       string
	VoterCount int32
	// meaningful only when the enclosing results are not minimal
	IsChosen bool
}

// the payload used to send a locally created poll to the server
type PollCreateRequest struct {
	Question string             `json:"question"`
	Answers  []ServerPollAnswer `json:"answers"`
}
