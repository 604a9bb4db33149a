package transport

import (
	"bytes"
	"fmt"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/vrnode/pkg/vr"
)

// marshalMessage encodes msg's payload (not the frame length or message
// type tag — the caller writes those). Request is the one message shape
// that is a flat struct of plain-kinded fields, the same shape the NFS
// mount handlers hand to go-xdr's reflection-based Marshal; every other
// message nests slices of LogEntry or otherwise doesn't fit that trivial
// case, so it gets the hand-rolled encoding below instead.
func marshalMessage(msg vr.Message) ([]byte, error) {
	switch m := msg.(type) {
	case vr.Request:
		var buf bytes.Buffer
		if _, err := xdr.Marshal(&buf, &m); err != nil {
			return nil, fmt.Errorf("marshal Request: %w", err)
		}
		return buf.Bytes(), nil

	case vr.Reply:
		var buf bytes.Buffer
		writeString(&buf, m.ClientID)
		writeUint64(&buf, m.RequestNumber)
		writeOpaque(&buf, m.Result)
		writeUint64(&buf, uint64(m.View))
		return buf.Bytes(), nil

	case vr.Prepare:
		var buf bytes.Buffer
		writeUint64(&buf, uint64(m.View))
		writeUint64(&buf, uint64(m.OpNumber))
		writeUint64(&buf, uint64(m.CommitNumber))
		writeLogEntry(&buf, m.Entry)
		return buf.Bytes(), nil

	case vr.PrepareOk:
		var buf bytes.Buffer
		writeUint64(&buf, uint64(m.View))
		writeUint64(&buf, uint64(m.OpNumber))
		writeInt32(&buf, int32(m.ReplicaIndex))
		return buf.Bytes(), nil

	case vr.Commit:
		var buf bytes.Buffer
		writeUint64(&buf, uint64(m.View))
		writeUint64(&buf, uint64(m.CommitNumber))
		return buf.Bytes(), nil

	case vr.StartViewChange:
		var buf bytes.Buffer
		writeUint64(&buf, uint64(m.NewView))
		writeInt32(&buf, int32(m.ReplicaIndex))
		return buf.Bytes(), nil

	case vr.DoViewChange:
		var buf bytes.Buffer
		writeUint64(&buf, uint64(m.NewView))
		writeLogEntries(&buf, m.LogTail)
		writeUint64(&buf, uint64(m.LogBase))
		writeUint64(&buf, uint64(m.LastNormalView))
		writeUint64(&buf, uint64(m.OpNumber))
		writeUint64(&buf, uint64(m.CommitNumber))
		writeInt32(&buf, int32(m.ReplicaIndex))
		return buf.Bytes(), nil

	case vr.StartView:
		var buf bytes.Buffer
		writeUint64(&buf, uint64(m.NewView))
		writeLogEntries(&buf, m.LogTail)
		writeUint64(&buf, uint64(m.LogBase))
		writeUint64(&buf, uint64(m.OpNumber))
		writeUint64(&buf, uint64(m.CommitNumber))
		return buf.Bytes(), nil

	case vr.GetState:
		var buf bytes.Buffer
		writeUint64(&buf, uint64(m.AtView))
		writeUint64(&buf, uint64(m.OpNumber))
		writeInt32(&buf, int32(m.ReplicaIndex))
		return buf.Bytes(), nil

	case vr.NewState:
		var buf bytes.Buffer
		writeUint64(&buf, uint64(m.AtView))
		writeLogEntries(&buf, m.LogTail)
		writeUint64(&buf, uint64(m.LogBase))
		writeUint64(&buf, uint64(m.OpNumber))
		writeUint64(&buf, uint64(m.CommitNumber))
		return buf.Bytes(), nil

	case vr.Recovery:
		var buf bytes.Buffer
		writeInt32(&buf, int32(m.ReplicaIndex))
		writeUint64(&buf, m.Nonce)
		return buf.Bytes(), nil

	case vr.RecoveryResponse:
		var buf bytes.Buffer
		writeUint64(&buf, uint64(m.View))
		writeUint64(&buf, m.Nonce)
		writeInt32(&buf, int32(m.ReplicaIndex))
		writeBool(&buf, m.IsPrimary)
		writeLogEntries(&buf, m.LogTail)
		writeUint64(&buf, uint64(m.LogBase))
		writeUint64(&buf, uint64(m.OpNumber))
		writeUint64(&buf, uint64(m.CommitNumber))
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unknown message type %T", msg)
	}
}

// unmarshalMessage decodes a message payload previously produced by
// marshalMessage, given the wire message-type tag.
func unmarshalMessage(msgType vr.MessageType, payload []byte) (vr.Message, error) {
	r := bytes.NewReader(payload)

	switch msgType {
	case vr.MessageRequest:
		var m vr.Request
		if _, err := xdr.Unmarshal(r, &m); err != nil {
			return nil, fmt.Errorf("unmarshal Request: %w", err)
		}
		return m, nil

	case vr.MessageReply:
		clientID, err := readString(r)
		if err != nil {
			return nil, err
		}
		reqNum, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		result, err := readOpaque(r)
		if err != nil {
			return nil, err
		}
		view, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return vr.Reply{ClientID: clientID, RequestNumber: reqNum, Result: result, View: vr.View(view)}, nil

	case vr.MessagePrepare:
		view, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		op, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		commit, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		entry, err := readLogEntry(r)
		if err != nil {
			return nil, err
		}
		return vr.Prepare{View: vr.View(view), OpNumber: vr.OpNumber(op), CommitNumber: vr.OpNumber(commit), Entry: entry}, nil

	case vr.MessagePrepareOk:
		view, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		op, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		idx, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		return vr.PrepareOk{View: vr.View(view), OpNumber: vr.OpNumber(op), ReplicaIndex: vr.ReplicaIndex(idx)}, nil

	case vr.MessageCommit:
		view, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		commit, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return vr.Commit{View: vr.View(view), CommitNumber: vr.OpNumber(commit)}, nil

	case vr.MessageStartViewChange:
		view, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		idx, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		return vr.StartViewChange{NewView: vr.View(view), ReplicaIndex: vr.ReplicaIndex(idx)}, nil

	case vr.MessageDoViewChange:
		view, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		tail, err := readLogEntries(r)
		if err != nil {
			return nil, err
		}
		base, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		lastNormal, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		op, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		commit, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		idx, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		return vr.DoViewChange{
			NewView: vr.View(view), LogTail: tail, LogBase: vr.OpNumber(base),
			LastNormalView: vr.View(lastNormal), OpNumber: vr.OpNumber(op),
			CommitNumber: vr.OpNumber(commit), ReplicaIndex: vr.ReplicaIndex(idx),
		}, nil

	case vr.MessageStartView:
		view, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		tail, err := readLogEntries(r)
		if err != nil {
			return nil, err
		}
		base, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		op, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		commit, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return vr.StartView{NewView: vr.View(view), LogTail: tail, LogBase: vr.OpNumber(base), OpNumber: vr.OpNumber(op), CommitNumber: vr.OpNumber(commit)}, nil

	case vr.MessageGetState:
		view, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		op, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		idx, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		return vr.GetState{AtView: vr.View(view), OpNumber: vr.OpNumber(op), ReplicaIndex: vr.ReplicaIndex(idx)}, nil

	case vr.MessageNewState:
		view, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		tail, err := readLogEntries(r)
		if err != nil {
			return nil, err
		}
		base, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		op, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		commit, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return vr.NewState{AtView: vr.View(view), LogTail: tail, LogBase: vr.OpNumber(base), OpNumber: vr.OpNumber(op), CommitNumber: vr.OpNumber(commit)}, nil

	case vr.MessageRecovery:
		idx, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		nonce, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return vr.Recovery{ReplicaIndex: vr.ReplicaIndex(idx), Nonce: nonce}, nil

	case vr.MessageRecoveryResponse:
		view, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		nonce, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		idx, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		isPrimary, err := readBool(r)
		if err != nil {
			return nil, err
		}
		tail, err := readLogEntries(r)
		if err != nil {
			return nil, err
		}
		base, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		op, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		commit, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return vr.RecoveryResponse{
			View: vr.View(view), Nonce: nonce, ReplicaIndex: vr.ReplicaIndex(idx), IsPrimary: isPrimary,
			LogTail: tail, LogBase: vr.OpNumber(base), OpNumber: vr.OpNumber(op), CommitNumber: vr.OpNumber(commit),
		}, nil

	default:
		return nil, fmt.Errorf("unknown wire message type %d", msgType)
	}
}

func writeLogEntry(buf *bytes.Buffer, e vr.LogEntry) {
	writeString(buf, e.ClientID)
	writeUint64(buf, e.RequestNumber)
	writeOpaque(buf, e.Operation)
	writeOpaque(buf, e.Prediction)
	writeBool(buf, e.HasPrediction)
}

func readLogEntry(r io.Reader) (vr.LogEntry, error) {
	clientID, err := readString(r)
	if err != nil {
		return vr.LogEntry{}, err
	}
	reqNum, err := readUint64(r)
	if err != nil {
		return vr.LogEntry{}, err
	}
	op, err := readOpaque(r)
	if err != nil {
		return vr.LogEntry{}, err
	}
	prediction, err := readOpaque(r)
	if err != nil {
		return vr.LogEntry{}, err
	}
	hasPrediction, err := readBool(r)
	if err != nil {
		return vr.LogEntry{}, err
	}
	return vr.LogEntry{
		ClientID: clientID, RequestNumber: reqNum, Operation: op,
		Prediction: prediction, HasPrediction: hasPrediction,
	}, nil
}

func writeLogEntries(buf *bytes.Buffer, entries []vr.LogEntry) {
	writeUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		writeLogEntry(buf, e)
	}
}

func readLogEntries(r io.Reader) ([]vr.LogEntry, error) {
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if count > maxOpaqueBytes {
		return nil, fmt.Errorf("log entry count %d exceeds maximum", count)
	}
	entries := make([]vr.LogEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		e, err := readLogEntry(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
