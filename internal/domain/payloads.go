package domain

import (
	"fmt"
	"time"
)

type TransferReceipt struct {
	Accepted    bool
	OrderID     string
	MessageID   string
	PainVersion string
}

type Balance struct {
	Account   string
	Value     string
	Currency  string
	Timestamp time.Time
}

type StatusEntry struct {
	Timestamp time.Time
	DialogID  string
	MsgNum    string
	SegRef    string
	RetVal    RetVal
}

// JobID identifies the job an entry refers to, as yyyyMMdd/dialogid/msgnum/segref.
func (e StatusEntry) JobID() string {
	return fmt.Sprintf("%s/%s/%s/%s", e.Timestamp.Format("20060102"), e.DialogID, e.MsgNum, e.SegRef)
}

type TANMedium struct {
	Name   string
	Status string
	Number string
}
