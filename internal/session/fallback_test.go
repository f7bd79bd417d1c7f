package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFallbackPolicySelection(t *testing.T) {
	tests := []struct {
		name          string
		defaultMethod Method
		pullThreshold int64
		expectedBytes int64
		wantPrimary   Method
		wantAlternate Method
	}{
		{
			name:          "push default",
			defaultMethod: MethodPush,
			wantPrimary:   MethodPush,
			wantAlternate: MethodPull,
		},
		{
			name:          "pull default",
			defaultMethod: MethodPull,
			wantPrimary:   MethodPull,
			wantAlternate: MethodPush,
		},
		{
			name:          "unknown method falls back to push",
			defaultMethod: Method("carrier-pigeon"),
			wantPrimary:   MethodPush,
			wantAlternate: MethodPull,
		},
		{
			name:          "large payload prefers pull",
			defaultMethod: MethodPush,
			pullThreshold: 1024,
			expectedBytes: 4096,
			wantPrimary:   MethodPull,
			wantAlternate: MethodPush,
		},
		{
			name:          "payload below threshold keeps default",
			defaultMethod: MethodPush,
			pullThreshold: 1024,
			expectedBytes: 512,
			wantPrimary:   MethodPush,
			wantAlternate: MethodPull,
		},
		{
			name:          "zero threshold disables size preference",
			defaultMethod: MethodPush,
			pullThreshold: 0,
			expectedBytes: 1 << 40,
			wantPrimary:   MethodPush,
			wantAlternate: MethodPull,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFallbackPolicy(tt.defaultMethod, tt.pullThreshold, tt.expectedBytes)

			require.Equal(t, tt.wantPrimary, p.current())

			require.True(t, p.fail(0))
			require.Equal(t, tt.wantAlternate, p.current())
		})
	}
}

func TestFallbackPolicySingleRetry(t *testing.T) {
	p := newFallbackPolicy(MethodPush, 0, 0)

	require.True(t, p.fail(0))
	require.False(t, p.fail(0))
}

func TestFallbackPolicyNoRetryAfterDurableWrite(t *testing.T) {
	p := newFallbackPolicy(MethodPush, 0, 0)

	require.False(t, p.fail(4096))
}
