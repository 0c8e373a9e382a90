package syncerr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIs(t *testing.T) {
	err := New(KindProtocol, "relay", errors.New("remote: fatal"))

	assert.ErrorIs(t, err, ErrProtocol)
	assert.NotErrorIs(t, err, ErrNetwork)

	wrapped := fmt.Errorf("outer: %w", err)
	assert.ErrorIs(t, wrapped, ErrProtocol)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "classified", err: New(KindAuth, "discover", nil), want: KindAuth},
		{name: "wrapped", err: fmt.Errorf("x: %w", New(KindPushRejected, "push", nil)), want: KindPushRejected},
		{name: "plain", err: io.ErrUnexpectedEOF, want: KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestAnnotate(t *testing.T) {
	assert.NoError(t, Annotate(nil, "fush.sync", "FETCH"))

	base := &Error{Kind: KindPushRejected, Op: "validate", Refs: map[string]string{"refs/heads/main": "non-fast-forward"}}
	got := Annotate(base, "fush.sync", "VALIDATE")

	var e *Error
	require.ErrorAs(t, got, &e)
	assert.Equal(t, KindPushRejected, e.Kind)
	assert.Equal(t, "fush.sync", e.Caller)
	assert.Equal(t, "VALIDATE", e.State)
	assert.Equal(t, "non-fast-forward", e.Refs["refs/heads/main"])
	assert.Empty(t, base.Caller, "original error must not be mutated")

	assert.Contains(t, got.Error(), "fush.sync [VALIDATE]: validate: push rejected")
	assert.Contains(t, got.Error(), "refs/heads/main (non-fast-forward)")
}

func TestAnnotate_KeepsFirstCaller(t *testing.T) {
	inner := Annotate(New(KindNetwork, "connect", io.EOF), "fush.sync", "PUSH")
	outer := Annotate(inner, "webhook", "")

	var e *Error
	require.ErrorAs(t, outer, &e)
	assert.Equal(t, "fush.sync", e.Caller)
	assert.Equal(t, "PUSH", e.State)
}

func TestAnnotate_Unclassified(t *testing.T) {
	got := Annotate(io.ErrUnexpectedEOF, "fush.sync", "FETCH")

	assert.ErrorIs(t, got, ErrNetwork)
	assert.ErrorIs(t, got, io.ErrUnexpectedEOF)
}
