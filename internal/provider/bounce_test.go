package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyBounce(t *testing.T) {
	tests := []struct {
		msg  string
		want BounceKind
	}{
		{"550 5.1.1 User not found", BounceHard},
		{"Recipient address does not exist", BounceHard},
		{"smtp; 553 mailbox name invalid", BounceHard},
		{"452 Mailbox full", BounceSoft},
		{"Quota exceeded for recipient", BounceSoft},
		{"421 service not available, try later", BounceTransient},
		{"Connection refused by remote host", BounceTransient},
		{"delivered", BounceUnknown},
		{"order 5501 shipped", BounceUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyBounce(tt.msg))
		})
	}
}
