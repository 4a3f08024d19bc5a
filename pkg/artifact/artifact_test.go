package artifact

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExcerpt(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"short", "Hi Ana,\nquick one", "Hi Ana,quick one"},
		{"exactly fifty", strings.Repeat("a", 50), strings.Repeat("a", 50)},
		{"long", strings.Repeat("b", 51), strings.Repeat("b", 49) + "…"},
		{"newlines removed before cut", strings.Repeat("c\n", 60), strings.Repeat("c", 49) + "…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Excerpt(tt.body))
		})
	}
}

func TestNewToken(t *testing.T) {
	a := NewToken(TokenLink)
	b := NewToken(TokenLink)

	assert.Len(t, a.Value, 32)
	assert.NotContains(t, a.Value, "-")
	assert.NotEqual(t, a.Value, b.Value)
	assert.Equal(t, TokenLink, a.Kind)
}

func TestDeliverable(t *testing.T) {
	now := time.Now()
	a := Artifact{Status: UnderReview}
	assert.False(t, a.Deliverable())

	a.Status = Approved
	assert.True(t, a.Deliverable())

	a.DeliveredAt = &now
	assert.False(t, a.Deliverable())
}

func TestTokenLookup(t *testing.T) {
	a := Artifact{Tokens: []Token{NewToken(TokenLink), NewToken(TokenCredentials)}}

	cred := a.Token(TokenCredentials)
	require.NotNil(t, cred)
	assert.Equal(t, TokenCredentials, cred.Kind)

	a.Tokens = a.Tokens[:1]
	assert.Nil(t, a.Token(TokenCredentials))
}
