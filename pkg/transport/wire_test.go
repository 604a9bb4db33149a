package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/vrnode/pkg/vr"
)

func roundTrip(t *testing.T, msg vr.Message) vr.Message {
	t.Helper()
	payload, err := marshalMessage(msg)
	require.NoError(t, err)
	decoded, err := unmarshalMessage(msg.MessageType(), payload)
	require.NoError(t, err)
	return decoded
}

func TestWireRoundTripPrepare(t *testing.T) {
	msg := vr.Prepare{
		View:         3,
		OpNumber:     17,
		CommitNumber: 16,
		Entry: vr.LogEntry{
			ClientID:      "client-a",
			RequestNumber: 9,
			Operation:     []byte("SET key value"),
			Prediction:    []byte("1700000000"),
			HasPrediction: true,
		},
	}

	decoded := roundTrip(t, msg).(vr.Prepare)
	assert.Equal(t, msg.View, decoded.View)
	assert.Equal(t, msg.OpNumber, decoded.OpNumber)
	assert.Equal(t, msg.CommitNumber, decoded.CommitNumber)
	assert.Equal(t, msg.Entry.ClientID, decoded.Entry.ClientID)
	assert.Equal(t, msg.Entry.Operation, decoded.Entry.Operation)
	assert.Equal(t, msg.Entry.Prediction, decoded.Entry.Prediction)
	assert.True(t, decoded.Entry.HasPrediction)
}

func TestWireRoundTripDoViewChange(t *testing.T) {
	msg := vr.DoViewChange{
		NewView: 5,
		LogTail: []vr.LogEntry{
			{ClientID: "c0", RequestNumber: 1, Operation: []byte("A")},
			{ClientID: "c1", RequestNumber: 4, Operation: []byte("B"), Prediction: []byte("p"), HasPrediction: true},
		},
		LogBase:        2,
		LastNormalView: 4,
		OpNumber:       4,
		CommitNumber:   3,
		ReplicaIndex:   2,
	}

	decoded := roundTrip(t, msg).(vr.DoViewChange)
	assert.Equal(t, msg.NewView, decoded.NewView)
	assert.Equal(t, msg.LogBase, decoded.LogBase)
	assert.Equal(t, msg.LastNormalView, decoded.LastNormalView)
	assert.Equal(t, msg.ReplicaIndex, decoded.ReplicaIndex)
	require.Len(t, decoded.LogTail, 2)
	assert.Equal(t, msg.LogTail[1].Prediction, decoded.LogTail[1].Prediction)
	assert.True(t, decoded.LogTail[1].HasPrediction)
	assert.False(t, decoded.LogTail[0].HasPrediction)
}

func TestWireRoundTripRecoveryResponse(t *testing.T) {
	// The primary's variant carries the log; the backup's variant carries
	// only view + nonce. Both must survive the trip.
	primary := vr.RecoveryResponse{
		View: 2, Nonce: 0xDEADBEEF, ReplicaIndex: 0, IsPrimary: true,
		LogTail:      []vr.LogEntry{{ClientID: "c0", RequestNumber: 1, Operation: []byte("A")}},
		LogBase:      0,
		OpNumber:     1,
		CommitNumber: 1,
	}
	decoded := roundTrip(t, primary).(vr.RecoveryResponse)
	assert.True(t, decoded.IsPrimary)
	assert.Equal(t, primary.Nonce, decoded.Nonce)
	require.Len(t, decoded.LogTail, 1)

	backup := vr.RecoveryResponse{View: 2, Nonce: 7, ReplicaIndex: 1}
	decodedBackup := roundTrip(t, backup).(vr.RecoveryResponse)
	assert.False(t, decodedBackup.IsPrimary)
	assert.Empty(t, decodedBackup.LogTail)
}

func TestWireRoundTripRequestAndReply(t *testing.T) {
	req := vr.Request{ClientID: "c0", RequestNumber: 12, Operation: []byte("GET key")}
	decodedReq := roundTrip(t, req).(vr.Request)
	assert.Equal(t, req.ClientID, decodedReq.ClientID)
	assert.Equal(t, req.RequestNumber, decodedReq.RequestNumber)
	assert.Equal(t, req.Operation, decodedReq.Operation)

	reply := vr.Reply{ClientID: "c0", RequestNumber: 12, Result: []byte("value"), View: 1}
	decodedReply := roundTrip(t, reply).(vr.Reply)
	assert.Equal(t, reply.Result, decodedReply.Result)
	assert.Equal(t, reply.View, decodedReply.View)
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	_, err := unmarshalMessage(vr.MessageType(99), nil)
	assert.Error(t, err)
}

func TestUnmarshalRejectsTruncatedPayload(t *testing.T) {
	payload, err := marshalMessage(vr.Commit{View: 1, CommitNumber: 2})
	require.NoError(t, err)

	_, err = unmarshalMessage(vr.MessageCommit, payload[:len(payload)-3])
	assert.Error(t, err)
}
