package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskrelay/taskrelay/server/scheduler"
)

func TestShutdownAsNullMasksShutdownError(t *testing.T) {
	result, err := shutdownAsNull(false, scheduler.ErrShutdown)
	require.NoError(t, err)
	require.Nil(t, result)
}

func TestShutdownAsNullPassesThroughOrdinaryResult(t *testing.T) {
	result, err := shutdownAsNull(true, nil)
	require.NoError(t, err)
	require.Equal(t, true, result)
}

func TestShutdownAsNullPassesThroughOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	result, err := shutdownAsNull(false, boom)
	require.Nil(t, result)
	require.ErrorIs(t, err, boom)
}

func TestCascadeHandlerFillsOmittedFlagsFromDefault(t *testing.T) {
	var seen scheduler.CascadeOptions
	fn := func(ctx context.Context, ids []string, opts scheduler.CascadeOptions) (bool, error) {
		seen = opts
		return true, nil
	}
	handler := cascadeHandler(fn, scheduler.CascadeOptions{Antecedents: false, Dependents: true})

	_, err := handler(context.Background(), json.RawMessage(`{"ids":["j1"]}`))
	require.NoError(t, err)
	require.Equal(t, scheduler.CascadeOptions{Antecedents: false, Dependents: true}, seen)
}

func TestCascadeHandlerExplicitFalseOverridesDefault(t *testing.T) {
	var seen scheduler.CascadeOptions
	fn := func(ctx context.Context, ids []string, opts scheduler.CascadeOptions) (bool, error) {
		seen = opts
		return true, nil
	}
	handler := cascadeHandler(fn, scheduler.CascadeOptions{Antecedents: false, Dependents: true})

	_, err := handler(context.Background(), json.RawMessage(`{"ids":["j1"],"dependents":false}`))
	require.NoError(t, err)
	require.Equal(t, scheduler.CascadeOptions{Antecedents: false, Dependents: false}, seen)
}
