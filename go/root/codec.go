package root

import (
	"bytes"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
)

// Request labels understood by the root server.
const (
	AllocNotification uint64 = 0x200 + iota
	AllocPage
	FindService
	RegisterService
	Shutdown
	TranslateAddr
)

// Reply labels.
const (
	StatusOK uint64 = iota
	StatusError
)

var labelNames = map[uint64]string{
	AllocNotification: "AllocNotification",
	AllocPage:         "AllocPage",
	FindService:       "FindService",
	RegisterService:   "RegisterService",
	Shutdown:          "Shutdown",
	TranslateAddr:     "TranslateAddr",
}

func LabelName(label uint64) string {
	if name, ok := labelNames[label]; ok {
		return name
	}
	return "Unknown"
}

type AddrRequest struct {
	Addr uint64
}

type AddrReply struct {
	Addr uint64
}

type NameRequest struct {
	Size int `struc:"uint16,sizeof=Name"`
	Name string
}

// Encode packs body into the data of a message labelled label.
func Encode(label uint64, body interface{}) (*models.Message, error) {
	msg := &models.Message{Label: label}
	if body != nil {
		var buf bytes.Buffer
		if err := struc.Pack(&buf, body); err != nil {
			return nil, errors.Wrapf(err, "encoding %s", LabelName(label))
		}
		msg.Data = buf.Bytes()
	}
	return msg, nil
}

func Decode(msg *models.Message, body interface{}) error {
	return errors.Wrapf(struc.Unpack(bytes.NewReader(msg.Data), body), "decoding %s", LabelName(msg.Label))
}

func errorReply(err error) *models.Message {
	return &models.Message{Label: StatusError, Data: []byte(err.Error())}
}

// replyError turns an error reply back into an error.
func replyError(op uint64, msg *models.Message) error {
	if msg.Label == StatusOK {
		return nil
	}
	return errors.Errorf("root %s: %s", LabelName(op), msg.Data)
}
