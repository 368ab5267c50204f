package pollsync

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// errors surfaced to callers through the answer callback
var (
	// the request itself is malformed (bad option id, multiple choices)
	ErrInvalidArgument = errors.New("invalid argument")
	// the poll is local-only or closed and cannot take an answer
	ErrNotMutable = errors.New("poll can't be answered")
)

// resolved exactly once when a set answer request is confirmed,
// superseded by a newer answer, or rejected
type AnswerFunction func(err error)

// notified with the owning message of a changed poll.
// called on the manager goroutine. Do not call back into the manager
// synchronously; re-entrant calls are queued and run later.
type PollUpdateFunction func(ref MessageRef)

// id of a poll. Server-assigned ids are positive and durable.
// Locally created polls use a strictly negative id space that is never
// persisted and never sent to the server as an existing reference.
type PollId int64

func (self PollId) IsValid() bool {
	return self != 0
}

func (self PollId) IsLocal() bool {
	return self < 0
}

func (self PollId) String() string {
	return fmt.Sprintf("poll %d", int64(self))
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// the message that embeds a poll. Polls do not hold a back reference
// to their message; the relation lives in the manager's registry.
// comparable
type MessageRef struct {
	ChatId    Id
	MessageId Id
}

func (self MessageRef) String() string {
	return fmt.Sprintf("%s/%s", self.ChatId, self.MessageId)
}
