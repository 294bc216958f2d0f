package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"
)

func blockUntilDone(name string) Service {
	return Func{ServiceName: name, Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}}
}

func TestGroup_StopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Group{blockUntilDone("a"), blockUntilDone("b")}.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("group did not stop")
	}
}

func TestGroup_FailureStopsOthers(t *testing.T) {
	boom := errors.New("boom")
	g := Group{
		blockUntilDone("http"),
		Func{ServiceName: "watch", Fn: func(context.Context) error { return boom }},
	}

	err := g.Run(context.Background())
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "watch: boom")

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	require.Len(t, merr.Errors, 1)
}
