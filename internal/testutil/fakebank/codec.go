// Package fakebank is an in-memory institute for tests. It implements both
// the message codec and the transport, using JSON messages.
package fakebank

import (
	"encoding/json"
	"fmt"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/ports"
)

var (
	_ ports.MessageCodec = (*Bank)(nil)
	_ ports.JobSchema    = (*Bank)(nil)
	_ ports.Transport    = (*Bank)(nil)
)

const blockSize = 8

type message struct {
	Kind         ports.MessageKind `json:"kind"`
	Purpose      ports.Purpose     `json:"purpose,omitempty"`
	Version      string            `json:"version"`
	DialogID     string            `json:"dialog_id"`
	MsgNum       int               `json:"msg_num"`
	Identity     domain.Identity   `json:"identity"`
	BPDVersion   string            `json:"bpd_version"`
	UPDVersion   string            `json:"upd_version"`
	Tasks        []domain.Task     `json:"tasks,omitempty"`
	Values       []domain.Value    `json:"values,omitempty"`
	TANProcedure string            `json:"tan_procedure,omitempty"`
	TANVerify    bool              `json:"tan_verify,omitempty"`
	Signature    []byte            `json:"signature,omitempty"`
}

type envelope struct {
	Key  []byte `json:"key,omitempty"`
	Body []byte `json:"body"`
}

func (b *Bank) Encode(req ports.EncodeRequest) ([]byte, error) {
	msg := message{
		Kind:         req.Kind,
		Purpose:      req.Purpose,
		Version:      req.ProtocolVersion,
		DialogID:     req.DialogID,
		MsgNum:       req.MsgNum,
		Identity:     req.Identity,
		BPDVersion:   req.BPDVersion,
		UPDVersion:   req.UPDVersion,
		Tasks:        req.Tasks,
		Values:       req.Values,
		TANProcedure: req.Security.TANProcedure,
		TANVerify:    req.Security.TANVerify,
	}

	if req.Security.Sign != nil {
		unsigned, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("encode message: %w", err)
		}
		sig, err := req.Security.Sign(unsigned)
		if err != nil {
			return nil, fmt.Errorf("sign message: %w", err)
		}
		msg.Signature = sig
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return pad(data), nil
}

func (b *Bank) Envelope(key, payload []byte) ([]byte, error) {
	return json.Marshal(envelope{Key: key, Body: payload})
}

func (b *Bank) Open(wire []byte) ([]byte, []byte, error) {
	var env envelope
	if err := json.Unmarshal(wire, &env); err != nil {
		return nil, nil, fmt.Errorf("open envelope: %w", err)
	}
	return env.Key, env.Body, nil
}

func (b *Bank) Decode(plain []byte) (ports.Response, error) {
	var resp ports.Response
	if err := json.Unmarshal(unpad(plain), &resp); err != nil {
		return ports.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// OperationCodes lists the lowlevel job names of the tasks in plain.
func (b *Bank) OperationCodes(plain []byte) []string {
	var msg message
	if err := json.Unmarshal(unpad(plain), &msg); err != nil {
		return nil
	}
	codes := make([]string, 0, len(msg.Tasks))
	for _, task := range msg.Tasks {
		codes = append(codes, task.Job)
	}
	return codes
}

func (b *Bank) ParameterNames(job, _ string) ([]string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names, ok := b.cfg.ParameterNames[job]
	return names, ok
}

func (b *Bank) ResultNames(job, _ string) ([]string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names, ok := b.cfg.ResultNames[job]
	return names, ok
}

// pad appends 1..blockSize bytes; the last one holds the count.
func pad(data []byte) []byte {
	n := blockSize - len(data)%blockSize
	out := append(data, make([]byte, n)...)
	out[len(out)-1] = byte(n)
	return out
}

// unpad strips padding when the message carries any. JSON never ends in a
// byte below blockSize, so unpadded input passes through.
func unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return data
	}
	return data[:len(data)-n]
}
