package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLoginEmail(t *testing.T) {
	testCases := []struct {
		name     string
		subject  string
		from     string
		expected bool
	}{
		{
			name:     "营销邮件标题与发件人都不匹配",
			subject:  "Your monthly newsletter",
			from:     "news@example.com",
			expected: false,
		},
		{
			name:     "标题包含Sign in",
			subject:  "Sign in to Acme",
			from:     "hello@acme.com",
			expected: true,
		},
		{
			name:     "标题不匹配但发件人是noreply",
			subject:  "Hi there",
			from:     "noreply@acme.com",
			expected: true,
		},
		{
			name:     "标题包含magic link",
			subject:  "Your magic link is here",
			from:     "hello@example.com",
			expected: true,
		},
		{
			name:     "标题包含verification",
			subject:  "Email verification required",
			from:     "hello@example.com",
			expected: true,
		},
		{
			name:     "标题包含one-time",
			subject:  "Your one-time passcode",
			from:     "hello@example.com",
			expected: true,
		},
		{
			name:     "发件人local-part含auth",
			subject:  "Welcome aboard",
			from:     "auth-system@example.com",
			expected: true,
		},
		{
			name:     "发件人域名含auth但local-part不含",
			subject:  "Welcome aboard",
			from:     "hello@auth.example.com",
			expected: false,
		},
		{
			name:     "标题大小写不敏感",
			subject:  "CONFIRM YOUR ACCOUNT",
			from:     "hello@example.com",
			expected: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsLoginEmail(tc.subject, tc.from))
		})
	}
}

func TestIsLoginEmailIdempotent(t *testing.T) {
	// 纯函数：重复调用结论一致
	for i := 0; i < 3; i++ {
		assert.True(t, IsLoginEmail("Sign in to Acme", "hello@acme.com"))
		assert.False(t, IsLoginEmail("Your monthly newsletter", "news@example.com"))
	}
}
