package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSetGetDel(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	reply, err := s.Execute(ctx, []byte("SET greeting hello world"), nil, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("OK"), reply)

	reply, err = s.Execute(ctx, []byte("GET greeting"), nil, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), reply)

	_, err = s.Execute(ctx, []byte("DEL greeting"), nil, false)
	require.NoError(t, err)

	reply, err = s.Execute(ctx, []byte("GET greeting"), nil, false)
	require.NoError(t, err)
	assert.Empty(t, reply)
}

func TestExecuteRejectsMalformedOperations(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	for _, op := range []string{"", "SET onlykey", "DEL", "GET", "FROB key"} {
		_, err := s.Execute(ctx, []byte(op), nil, false)
		assert.Error(t, err, "operation %q", op)
	}
}

func TestSetTimeRequiresPrediction(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	// Without a resolved prediction the operation cannot execute
	// deterministically.
	_, err := s.Execute(ctx, []byte("SETTIME deployed_at"), nil, false)
	require.Error(t, err)

	// The primary resolves the timestamp once; every replica executes with
	// the same resolved value.
	prediction, err := s.Predict(ctx, []byte("SETTIME deployed_at"))
	require.NoError(t, err)
	require.NotEmpty(t, prediction)

	reply, err := s.Execute(ctx, []byte("SETTIME deployed_at"), prediction, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("OK"), reply)

	v, ok := s.Get("deployed_at")
	require.True(t, ok)
	assert.Equal(t, string(prediction), v)
}

func TestPredictIsNilForDeterministicOps(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	prediction, err := s.Predict(ctx, []byte("SET key value"))
	require.NoError(t, err)
	assert.Nil(t, prediction)
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.Execute(ctx, []byte("SET a 1"), nil, false)
	require.NoError(t, err)
	_, err = s.Execute(ctx, []byte("SET b 2"), nil, false)
	require.NoError(t, err)

	op, digest, snapshot, err := s.TakeCheckpoint(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, digest)
	assert.Equal(t, uint64(2), uint64(op))

	// A fresh store restored from the snapshot matches the original,
	// digest included.
	fresh := NewStore()
	require.NoError(t, fresh.RestoreFrom(ctx, snapshot))

	v, ok := fresh.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	_, freshDigest, _, err := fresh.TakeCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, digest, freshDigest)
}

func TestRestoreRejectsCorruptSnapshot(t *testing.T) {
	s := NewStore()
	assert.Error(t, s.RestoreFrom(context.Background(), []byte("not json")))
}
