package pollsync

import (
	"bytes"
	"encoding/gob"

	"github.com/golang/glog"
)

// DependencyResolver blocks until the objects referenced by a replayed
// record exist in the owning object graph. Nil skips resolution.
type DependencyResolver interface {
	ResolveMessage(ref MessageRef)
}

type setAnswerRecord struct {
	PollId  PollId
	Ref     MessageRef
	Options []string
}

func encodeSetAnswerRecord(record *setAnswerRecord) []byte {
	var buffer bytes.Buffer
	if err := gob.NewEncoder(&buffer).Encode(record); err != nil {
		panic(err)
	}
	return buffer.Bytes()
}

func decodeSetAnswerRecord(payload []byte) *setAnswerRecord {
	record := &setAnswerRecord{}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(record); err != nil {
		// records are written by this same process family and must
		// always decode
		glog.Fatalf("[replay]corrupt set answer record = %s\n", err)
	}
	return record
}

// runs once on the run goroutine before any op is served
func (self *PollManager) replayBinlog() {
	if self.binlog == nil {
		return
	}
	for _, record := range self.binlog.Replay() {
		switch record.Kind {
		case RecordKindSetAnswer:
			if !self.settings.UsePollDb {
				// stale record from a previous configuration
				glog.Infof("[replay]erase stale set answer record %d\n", record.RecordId)
				self.binlog.Erase(record.RecordId)
				continue
			}

			answerRecord := decodeSetAnswerRecord(record.Payload)
			glog.Infof("[replay]set answer record %d for %s\n", record.RecordId, answerRecord.PollId)
			if self.resolver != nil {
				self.resolver.ResolveMessage(answerRecord.Ref)
			}
			self.doSetAnswer(answerRecord.PollId, answerRecord.Ref, answerRecord.Options, record.RecordId, nil)
		default:
			glog.Fatalf("[replay]unsupported binlog record kind %d\n", record.Kind)
		}
	}
}
