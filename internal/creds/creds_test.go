package creds

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	t.Parallel()
	p := Static{"TOKEN": "secret"}

	val, err := p.Get(context.Background(), "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "secret", val)

	_, err = p.Get(context.Background(), "MISSING")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = Static{"EMPTY": ""}.Get(context.Background(), "EMPTY")
	assert.ErrorIs(t, err, ErrUnavailable, "an empty credential is as good as a missing one")
}

func TestEnv(t *testing.T) {
	t.Setenv("CREDS_TEST_TOKEN", "from-env")

	val, err := Env{}.Get(context.Background(), "CREDS_TEST_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "from-env", val)

	_, err = Env{}.Get(context.Background(), "CREDS_TEST_ABSENT")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestChainPrefersEarlierProviders(t *testing.T) {
	t.Parallel()
	chain := Chain{
		Static{"TOKEN": "first"},
		Static{"TOKEN": "second"},
	}

	val, err := chain.Get(context.Background(), "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "first", val)
}

func TestChainFallsThrough(t *testing.T) {
	t.Parallel()
	chain := Chain{
		Static{},
		Static{"TOKEN": "fallback"},
	}

	val, err := chain.Get(context.Background(), "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "fallback", val)
}

func TestChainEmpty(t *testing.T) {
	t.Parallel()
	_, err := Chain{}.Get(context.Background(), "TOKEN")
	assert.ErrorIs(t, err, ErrUnavailable)
}
