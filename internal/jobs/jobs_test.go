package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorKeys(t *testing.T) {
	d := Descriptor{Tenant: 1337, Principal: 42, Module: "infostore", Kind: "index"}

	assert.Equal(t, "index/1337/42/infostore", d.Key())
	assert.Equal(t, "1337/42", d.Group())
	assert.Equal(t, "trg/index/1337/42/infostore", d.TriggerName())
	assert.Equal(t, "1337/infostore", d.ResourceID())

	back, err := ParseKey(d.Key())
	require.NoError(t, err)
	assert.Equal(t, d, back)
}

func TestParseKeyRejectsGarbage(t *testing.T) {
	for _, key := range []string{"", "a/b", "k/x/1/m", "k/1/y/m", "k/1/2/"} {
		_, err := ParseKey(key)
		assert.ErrorIs(t, err, ErrInvalidDescriptor, key)
	}
}

func TestDescriptorValidate(t *testing.T) {
	assert.NoError(t, Descriptor{Kind: "log", Module: "mail"}.Validate())
	assert.Error(t, Descriptor{Module: "mail"}.Validate())
	assert.Error(t, Descriptor{Kind: "log"}.Validate())
	assert.Error(t, Descriptor{Kind: "log", Module: "a/b"}.Validate())
}

func TestTenantPrefixMatchesPrincipalGroups(t *testing.T) {
	assert.True(t, len(PrincipalGroup(7, 3)) > len(TenantGroupPrefix(7)))
	assert.Equal(t, "7/", PrincipalGroup(7, 3)[:len(TenantGroupPrefix(7))])
	// 7/ must not match tenant 77.
	assert.NotEqual(t, TenantGroupPrefix(7), PrincipalGroup(77, 3)[:2])
}

func TestStateProgression(t *testing.T) {
	st := State{CurrentIntervalMs: 1000, ProgressionRatePercent: 50}
	assert.True(t, st.Progressive())
	assert.Equal(t, int64(1500), st.NextInterval())

	st.CurrentIntervalMs = 1501
	assert.Equal(t, int64(2251), st.NextInterval(), "rounds down")

	fixed := State{CurrentIntervalMs: 1000}
	assert.False(t, fixed.Progressive())
	assert.Equal(t, int64(1000), fixed.NextInterval())
}

func TestStateExpired(t *testing.T) {
	st := State{LastUpdatedAt: 5000, TimeoutMs: 1000}
	assert.False(t, st.Expired(6000))
	assert.True(t, st.Expired(6001))
	assert.False(t, State{LastUpdatedAt: 5000}.Expired(1<<40), "no timeout never expires")
	assert.Equal(t, time.Second, st.TTL())
	assert.Zero(t, State{}.TTL())
}

func TestManualClock(t *testing.T) {
	start := time.UnixMilli(0)
	c := NewManualClock(start)
	assert.Equal(t, int64(0), NowMs(c))
	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, int64(1500), NowMs(c))
	c.Set(time.UnixMilli(42))
	assert.Equal(t, int64(42), NowMs(c))
}

func TestFactories(t *testing.T) {
	f := NewFactories()
	var gotParams string
	require.NoError(t, f.Register("echo", func(params json.RawMessage) (Callback, error) {
		gotParams = string(params)
		return CallbackFunc(func(ctx context.Context, d Descriptor) error { return nil }), nil
	}))
	assert.ErrorIs(t, f.Register("echo", func(json.RawMessage) (Callback, error) { return nil, nil }), ErrDuplicateKind)
	assert.Equal(t, []string{"echo"}, f.Kinds())

	d := Descriptor{Kind: "echo", Module: "m", Tenant: 1, Principal: 2}
	_, err := f.Bind(d, json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, gotParams)

	gotParams = "untouched"
	cb, err := f.Resolve(d)
	require.NoError(t, err)
	require.NotNil(t, cb)
	assert.Equal(t, "untouched", gotParams, "resolve reuses the bound callback")

	_, err = f.Resolve(Descriptor{Kind: "nope", Module: "m"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}
