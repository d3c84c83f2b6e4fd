package ports

import "github.com/bnema/hbci-go/internal/domain"

type MessageKind string

const (
	MessageInit MessageKind = "init"
	MessageBody MessageKind = "body"
	MessageTAN  MessageKind = "tan"
	MessageEnd  MessageKind = "end"
)

// Purpose selects what a dialog initialization asks the institute for.
type Purpose string

const (
	PurposeDialog    Purpose = ""
	PurposeSyncSysID Purpose = "sync_sysid"
	PurposeSyncSigID Purpose = "sync_sigid"
	PurposeInstKeys  Purpose = "inst_keys"
	PurposeUserKeys  Purpose = "user_keys"
	PurposeLockKeys  Purpose = "lock_keys"
)

// Message-level value names a codec reports in Response.Values.
const (
	ValueBPDPrefix      = "bpd."
	ValueUPDPrefix      = "upd."
	ValueSysID          = "sysid"
	ValueSigID          = "sigid"
	ValueInstSigKey     = "inst.sigkey"
	ValueInstEncKey     = "inst.enckey"
	ValueAllowedTwoStep = "twostep.allowed"
	ValueMySigKey       = "my.sigkey"
	ValueMyEncKey       = "my.enckey"
)

type SecurityMeta struct {
	Variant      domain.Variant
	SigID        int64
	TANProcedure string
	TANVerify    bool
	// Sign is called by the codec with the bytes the signature has to cover.
	Sign func(data []byte) ([]byte, error)
}

type EncodeRequest struct {
	Kind            MessageKind
	Purpose         Purpose
	ProtocolVersion string
	DialogID        string
	MsgNum          int
	Identity        domain.Identity
	BPDVersion      string
	UPDVersion      string
	Tasks           []domain.Task
	Values          []domain.Value
	Security        SecurityMeta
}

type TaskResponse struct {
	Ref     int
	Values  []domain.Value
	RetVals []domain.RetVal
}

type Response struct {
	DialogID       string
	RetVals        []domain.RetVal
	Values         []domain.Value
	Tasks          []TaskResponse
	Challenge      string
	ChallengeHHDUC string
	SignedData     []byte
	Signature      []byte
}

func (r Response) Task(ref int) (TaskResponse, bool) {
	for _, t := range r.Tasks {
		if t.Ref == ref {
			return t, true
		}
	}
	return TaskResponse{}, false
}

func (r Response) Value(name string) (string, bool) {
	for _, v := range r.Values {
		if v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

// MessageCodec encodes queued tasks into wire messages and decodes replies.
//
// Encode returns the plaintext message followed by padding whose final byte
// holds the padding length. Decode accepts a decrypted payload in the same
// shape and strips the padding.
type MessageCodec interface {
	Encode(req EncodeRequest) ([]byte, error)
	Envelope(key, payload []byte) ([]byte, error)
	Open(wire []byte) (key []byte, payload []byte, err error)
	Decode(plain []byte) (Response, error)
	OperationCodes(plain []byte) []string
}

// JobSchema is implemented by codecs that know the parameter layout of lowlevel jobs.
type JobSchema interface {
	ParameterNames(job, version string) ([]string, bool)
	ResultNames(job, version string) ([]string, bool)
}
