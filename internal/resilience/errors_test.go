package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("server overloaded"), 503), true},
		{"wrapped explicit", eris.Wrap(NewTransientError(errors.New("rate limited"), 429), "oracle: dispatch 4"), true},
		{"plain", errors.New("invalid basket descriptor"), false},
		{"connection reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"connection refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"network timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"deadline", fmt.Errorf("provider call: %w", context.DeadlineExceeded), true},
		{"canceled", fmt.Errorf("provider call: %w", context.Canceled), false},
		{"canceled wins over transient", NewTransientError(context.Canceled, 0), false},
		{"message pattern", errors.New("Post https://ledger: read: Connection Reset By Peer"), true},
		{"unexpected eof", errors.New("ledger: unexpected EOF"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassTransient, Classify(NewTransientError(errors.New("503"), 503)))
	assert.Equal(t, ClassPermanent, Classify(errors.New("ratio missing")))
	assert.Equal(t, ClassPermanent, Classify(nil))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 425, 429, 500, 502, 503, 504, 529} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 409, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}

func TestCheckHTTPStatus(t *testing.T) {
	require.NoError(t, CheckHTTPStatus("ledger: post", 204))

	err := CheckHTTPStatus("ledger: post", 503)
	require.Error(t, err)
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 503, te.StatusCode)
	assert.Contains(t, err.Error(), "ledger: post: unexpected status 503")

	err = CheckHTTPStatus("ledger: post", 422)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}
