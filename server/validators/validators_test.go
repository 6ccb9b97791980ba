package validators_test

import (
	"net/http"
	"testing"

	"github.com/sakamotopaya/code-agent-sub007/server/validators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottling_RPS(t *testing.T) {
	th := validators.NewThrottling(2, 0)
	req := &validators.Request{UserID: "alice"}

	require.NoError(t, th.Validate(req))
	require.NoError(t, th.Validate(req))
	err := th.Validate(req)
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, validators.StatusCode(err))

	// other callers have their own budget
	assert.NoError(t, th.Validate(&validators.Request{UserID: "bob"}))
	assert.NoError(t, th.Validate(&validators.Request{RemoteAddr: "10.0.0.1"}))

	th.Forget(req.ClientKey())
	assert.NoError(t, th.Validate(req))
}

func TestThrottling_RPM(t *testing.T) {
	th := validators.NewThrottling(0, 1)
	req := &validators.Request{RemoteAddr: "10.0.0.1"}
	require.NoError(t, th.Validate(req))
	err := th.Validate(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RPM")
}

func TestThrottling_Disabled(t *testing.T) {
	th := validators.NewThrottling(0, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, th.Validate(&validators.Request{UserID: "alice"}))
	}
}

func TestRequestSizeValidator(t *testing.T) {
	v := validators.NewRequestSizeValidator(10)
	assert.NoError(t, v.Validate(&validators.Request{BodySize: -1}))
	assert.NoError(t, v.Validate(&validators.Request{BodySize: 10}))
	err := v.Validate(&validators.Request{BodySize: 11})
	require.Error(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, validators.StatusCode(err))

	v.SetMaxSize(20)
	assert.NoError(t, v.Validate(&validators.Request{BodySize: 11}))
}

func TestModeValidator(t *testing.T) {
	v := validators.NewModeValidator()
	assert.NoError(t, v.Validate(&validators.Request{}))
	assert.NoError(t, v.Validate(&validators.Request{Mode: "code"}))
	err := v.Validate(&validators.Request{Mode: "poet"})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, validators.StatusCode(err))

	v.AddMode("poet")
	assert.NoError(t, v.Validate(&validators.Request{Mode: "poet"}))
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	vs := validators.CreateDefaultValidators(0, 0)
	err := validators.Run(&validators.Request{BodySize: validators.DefaultMaxBodySize + 1, Mode: "poet"}, vs...)
	require.Error(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, validators.StatusCode(err))
	assert.NoError(t, validators.Run(&validators.Request{Mode: "ask"}, vs...))
}
