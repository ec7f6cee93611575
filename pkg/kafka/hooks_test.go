package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeHeadersHook(t *testing.T) {
	km := kafka.Message{Headers: []kafka.Header{
		{Key: HeaderCorrelationID, Value: []byte("cycle-1")},
		{Key: HeaderMessageType, Value: []byte("opportunity")},
	}}

	ctx, _, data, err := EnvelopeHeadersHook().BeforeHandle(context.Background(), "scanner.pool.preliminary", km, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
	assert.Equal(t, "cycle-1", CorrelationID(ctx))
	assert.Equal(t, "opportunity", ctx.Value(CtxMessageType))
	assert.NotNil(t, ctx.Value(CtxStartTime))
}

func TestHookChainStopsOnError(t *testing.T) {
	var errs, afters int
	boom := &HookError{Code: "ERR_VALIDATION", Err: errors.New("bad payload")}

	chain := NewHookChain(
		HookFuncs{
			Before: func(ctx context.Context, _ string, km kafka.Message, d []byte) (context.Context, kafka.Message, []byte, error) {
				return ctx, km, d, boom
			},
			Err: func(context.Context, string, kafka.Message, []byte, error) { errs++ },
		},
		nil,
		HookFuncs{
			Before: func(context.Context, string, kafka.Message, []byte) (context.Context, kafka.Message, []byte, error) {
				panic("must not run")
			},
			After: func(context.Context, string, kafka.Message, []byte, error) { afters++ },
		},
	)

	_, _, _, err := chain.BeforeHandle(context.Background(), "t", kafka.Message{}, nil)
	require.Error(t, err)
	var he *HookError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "ERR_VALIDATION", he.Code)
	assert.Equal(t, 1, errs)

	chain.AfterHandle(context.Background(), "t", kafka.Message{}, nil, nil)
	assert.Equal(t, 1, afters)
}

func TestHookChainRecoversPanic(t *testing.T) {
	chain := NewHookChain(HookFuncs{
		Before: func(context.Context, string, kafka.Message, []byte) (context.Context, kafka.Message, []byte, error) {
			panic("boom")
		},
	})
	_, _, _, err := chain.BeforeHandle(context.Background(), "t", kafka.Message{}, nil)
	var he *HookError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "ERR_PANIC", he.Code)
}

func TestBackoffWithJitterBounds(t *testing.T) {
	for attempt := 1; attempt <= 8; attempt++ {
		d := backoffWithJitter(0, 0, attempt)
		assert.Greater(t, int64(d), int64(0))
		assert.LessOrEqual(t, int64(d), int64(50_000_000))
	}
}

func TestEncodeValue(t *testing.T) {
	b, err := encodeValue(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))

	b, err = encodeValue("raw")
	require.NoError(t, err)
	assert.Equal(t, "raw", string(b))
}
