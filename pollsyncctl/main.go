package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/docopt/docopt-go"

	"bringyour.com/pollsync"
)

const PollsyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Poll sync control.

The default urls are:
    platform_url: wss://poll.bringyour.com

Usage:
    pollsyncctl client-id --jwt=<jwt>
    pollsyncctl create --question=<question> <option>...
    pollsyncctl put --db=<db> --poll=<poll_id>
        --question=<question>
        [--closed]
        <option>...
    pollsyncctl show --db=<db> --poll=<poll_id>
    pollsyncctl pending --db=<db>
    pollsyncctl vote [--platform_url=<platform_url>] --jwt=<jwt>
        --db=<db>
        --poll=<poll_id>
        --chat=<chat_id>
        --message=<message_id>
        <option_id>

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --platform_url=<platform_url>
    --jwt=<jwt>                    Your platform JWT.
    --db=<db>                      Path to the local poll db.
    --poll=<poll_id>               Server poll id.
    --chat=<chat_id>               Chat id of the message that shows the poll.
    --message=<message_id>         Message id of the message that shows the poll.
    --question=<question>
    --closed                       Mark the poll closed.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PollsyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if clientId_, _ := opts.Bool("client-id"); clientId_ {
		clientId(opts)
	} else if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if put_, _ := opts.Bool("put"); put_ {
		put(opts)
	} else if show_, _ := opts.Bool("show"); show_ {
		show(opts)
	} else if pending_, _ := opts.Bool("pending"); pending_ {
		pending(opts)
	} else if vote_, _ := opts.Bool("vote"); vote_ {
		vote(opts)
	}
}

func clientId(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	byJwt, err := pollsync.ParseByJwtUnverified(jwt)
	if err != nil {
		Err.Fatalf("Could not parse jwt: %s", err)
	}
	Out.Printf("%s", byJwt.ClientId)
}

func create(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	question, _ := opts.String("--question")
	optionTexts := opts["<option>"].([]string)

	manager := pollsync.NewPollManagerWithDefaults(ctx, nil, nil, &offlineTransport{}, nil)
	defer manager.Close()

	pollId := manager.CreateLocalPoll(question, optionTexts)
	request := manager.PollCreateRequest(pollId)
	Out.Printf("%s", pollId)
	Out.Printf("question: %s", request.Question)
	for _, answer := range request.Answers {
		Out.Printf("option %s: %s", answer.Data, answer.Text)
	}
}

func put(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pollId := parsePollId(opts)
	question, _ := opts.String("--question")
	closed, _ := opts.Bool("--closed")
	optionTexts := opts["<option>"].([]string)

	manager, db := openManager(ctx, opts, &offlineTransport{})
	defer db.Close()
	defer manager.Close()

	answers := make([]pollsync.ServerPollAnswer, len(optionTexts))
	for i, text := range optionTexts {
		answers[i] = pollsync.ServerPollAnswer{
			Text: text,
			Data: strconv.Itoa(i),
		}
	}
	storedPollId := manager.OnServerPoll(pollsync.PollId(0), &pollsync.ServerPoll{
		PollId:   pollId,
		Question: question,
		Answers:  answers,
		IsClosed: closed,
	}, nil)
	if !storedPollId.IsValid() {
		Err.Fatalf("Could not store %s", pollId)
	}
	printPoll(manager.Poll(storedPollId))
}

func show(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pollId := parsePollId(opts)

	manager, db := openManager(ctx, opts, &offlineTransport{})
	defer db.Close()
	defer manager.Close()

	poll := manager.Poll(pollId)
	if poll == nil {
		Err.Fatalf("Unknown %s", pollId)
	}
	printPoll(poll)
}

func pending(opts docopt.Opts) {
	dbPath, _ := opts.String("--db")
	db, err := pollsync.OpenBadgerDb(dbPath, pollsync.DefaultBadgerDbSettings())
	if err != nil {
		Err.Fatalf("Could not open db: %s", err)
	}
	defer db.Close()

	records := pollsync.NewBadgerBinlog(db).Replay()
	Out.Printf("%d pending records", len(records))
	for _, record := range records {
		Out.Printf("record %d kind %d (%d bytes)", record.RecordId, record.Kind, len(record.Payload))
	}
}

func vote(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	platformUrl, err := opts.String("--platform_url")
	if err != nil || platformUrl == "" {
		platformUrl = "wss://poll.bringyour.com"
	}
	jwt, _ := opts.String("--jwt")
	pollId := parsePollId(opts)
	chatId := parseId(opts, "--chat")
	messageId := parseId(opts, "--message")
	optionId, err := opts.Int("<option_id>")
	if err != nil {
		Err.Fatalf("Bad option id: %s", err)
	}

	transport := pollsync.NewPlatformTransportWithDefaults(ctx, platformUrl, &pollsync.ClientAuth{
		ByJwt:      jwt,
		InstanceId: pollsync.NewId(),
		AppVersion: PollsyncCtlVersion,
	})
	defer transport.Close()

	manager, db := openManager(ctx, opts, transport)
	defer db.Close()
	defer manager.Close()

	out := make(chan error, 1)
	manager.SetAnswer(pollId, pollsync.MessageRef{
		ChatId:    chatId,
		MessageId: messageId,
	}, []int{optionId}, func(err error) {
		out <- err
	})

	select {
	case err := <-out:
		if err != nil {
			Err.Fatalf("Vote error: %s", err)
		}
		Out.Printf("ok")
		printPoll(manager.Poll(pollId))
	case <-time.After(30 * time.Second):
		Err.Fatalf("Timeout waiting for the vote result.")
	}
}

func openManager(ctx context.Context, opts docopt.Opts, transport pollsync.AnswerTransport) (*pollsync.PollManager, *badger.DB) {
	dbPath, _ := opts.String("--db")
	db, err := pollsync.OpenBadgerDb(dbPath, pollsync.DefaultBadgerDbSettings())
	if err != nil {
		Err.Fatalf("Could not open db: %s", err)
	}
	manager := pollsync.NewPollManagerWithDefaults(
		ctx,
		pollsync.NewBadgerStorage(db),
		pollsync.NewBadgerBinlog(db),
		transport,
		nil,
	)
	return manager, db
}

func parsePollId(opts docopt.Opts) pollsync.PollId {
	pollIdStr, _ := opts.String("--poll")
	pollIdInt, err := strconv.ParseInt(pollIdStr, 10, 64)
	if err != nil {
		Err.Fatalf("Bad poll id: %s", err)
	}
	return pollsync.PollId(pollIdInt)
}

func parseId(opts docopt.Opts, key string) pollsync.Id {
	idStr, _ := opts.String(key)
	id, err := pollsync.ParseId(idStr)
	if err != nil {
		Err.Fatalf("Bad id %s: %s", key, err)
	}
	return id
}

func printPoll(poll *pollsync.Poll) {
	Out.Printf("question: %s", poll.Question)
	for _, option := range poll.Options {
		chosen := ""
		if option.IsChosen {
			chosen = " *"
		}
		Out.Printf("option %s: %s (%d)%s", option.Data, option.Text, option.VoterCount, chosen)
	}
	Out.Printf("total voters: %d", poll.TotalVoterCount)
	if poll.IsClosed {
		Out.Printf("closed")
	}
}

// transport for commands that never send
type offlineTransport struct {
}

func (self *offlineTransport) SendAnswer(request *pollsync.AnswerRequest, result pollsync.ResultFunction) func() {
	return func() {
	}
}
