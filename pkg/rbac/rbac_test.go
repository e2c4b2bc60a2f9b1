package rbac

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagee/engine/pkg/types"
)

type countingOracle struct {
	calls  atomic.Int64
	decide func(req CheckRequest) (Decision, error)
}

func (o *countingOracle) Check(_ context.Context, req CheckRequest) (Decision, error) {
	o.calls.Add(1)
	if o.decide != nil {
		return o.decide(req)
	}
	return Decision{Allowed: true}, nil
}

func checkReq() CheckRequest {
	return CheckRequest{
		ActorID:     "ops-user",
		TenantID:    "acme",
		AssetID:     "web-01",
		ActionClass: types.ActionModify,
	}
}

func TestCheckCachesDecisions(t *testing.T) {
	oracle := &countingOracle{}
	v := NewValidator(oracle)
	ctx := context.Background()

	d, err := v.Check(ctx, checkReq())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), oracle.calls.Load())

	// Second identical check never reaches the oracle.
	d, err = v.Check(ctx, checkReq())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), oracle.calls.Load())

	// A different tuple does.
	other := checkReq()
	other.ActionClass = types.ActionDeploy
	_, err = v.Check(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, int64(2), oracle.calls.Load())
	assert.Equal(t, 2, v.CacheLen())
}

func TestCheckCacheExpires(t *testing.T) {
	oracle := &countingOracle{}
	v := NewValidator(oracle, WithCacheTTL(20*time.Millisecond))
	ctx := context.Background()

	_, err := v.Check(ctx, checkReq())
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	_, err = v.Check(ctx, checkReq())
	require.NoError(t, err)
	assert.Equal(t, int64(2), oracle.calls.Load(), "expired entry refetches")
}

func TestCheckCacheTTLClamped(t *testing.T) {
	v := NewValidator(&countingOracle{}, WithCacheTTL(time.Hour))
	assert.Equal(t, DefaultCacheTTL, v.ttl)
}

func TestCheckDeniedIsCachedNotError(t *testing.T) {
	oracle := &countingOracle{decide: func(CheckRequest) (Decision, error) {
		return Decision{Allowed: false, Reason: "role lacks modify on web-01"}, nil
	}}
	v := NewValidator(oracle)
	ctx := context.Background()

	d, err := v.Check(ctx, checkReq())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "role lacks modify on web-01", d.Reason)

	// Denials are served from cache too.
	_, err = v.Check(ctx, checkReq())
	require.NoError(t, err)
	assert.Equal(t, int64(1), oracle.calls.Load())
}

func TestCheckOracleErrorNotCached(t *testing.T) {
	broken := true
	oracle := &countingOracle{decide: func(CheckRequest) (Decision, error) {
		if broken {
			return Decision{}, ErrUnavailable
		}
		return Decision{Allowed: true}, nil
	}}
	v := NewValidator(oracle)
	ctx := context.Background()

	_, err := v.Check(ctx, checkReq())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, v.CacheLen())

	broken = false
	d, err := v.Check(ctx, checkReq())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestInvalidate(t *testing.T) {
	oracle := &countingOracle{}
	v := NewValidator(oracle)
	ctx := context.Background()

	_, err := v.Check(ctx, checkReq())
	require.NoError(t, err)
	require.Equal(t, 1, v.CacheLen())

	v.Invalidate()
	assert.Equal(t, 0, v.CacheLen())

	_, err = v.Check(ctx, checkReq())
	require.NoError(t, err)
	assert.Equal(t, int64(2), oracle.calls.Load())
}

func TestClientCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/authz/check", r.URL.Path)

		var req checkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch req.ActorID {
		case "ops-user":
			_ = json.NewEncoder(w).Encode(Decision{Allowed: true})
		case "intern":
			_ = json.NewEncoder(w).Encode(Decision{Allowed: false, Reason: "read only role"})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	d, err := c.Check(ctx, checkReq())
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	denied := checkReq()
	denied.ActorID = "intern"
	d, err = c.Check(ctx, denied)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "read only role", d.Reason)

	broken := checkReq()
	broken.ActorID = "ghost"
	_, err = c.Check(ctx, broken)
	assert.ErrorIs(t, err, ErrUnavailable)
}
