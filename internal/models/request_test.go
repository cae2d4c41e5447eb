package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdmissionRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     AdmissionRequest
		wantErr bool
	}{
		{name: "ip only", req: AdmissionRequest{IP: "203.0.113.7"}},
		{name: "ipv6", req: AdmissionRequest{IP: "2001:db8::1"}},
		{name: "user only", req: AdmissionRequest{UserID: "u-1"}},
		{name: "nothing", req: AdmissionRequest{}, wantErr: true},
		{name: "bad ip", req: AdmissionRequest{IP: "not-an-ip"}, wantErr: true},
		{name: "long user", req: AdmissionRequest{UserID: strings.Repeat("u", MaxIdentifierLength+1)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Normalize()
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreditRedeemRequest_Validate(t *testing.T) {
	req := CreditRedeemRequest{Token: "  ", Fingerprint: json.RawMessage(`{}`)}
	req.Normalize()
	assert.Error(t, req.Validate())

	req = CreditRedeemRequest{Token: "t", Fingerprint: nil}
	assert.Error(t, req.Validate())

	req = CreditRedeemRequest{Token: "t", Fingerprint: json.RawMessage(`{}`), IP: "10.0.0.1"}
	assert.NoError(t, req.Validate())
}

func TestSynthesisTokenRequest_Validate(t *testing.T) {
	req := SynthesisTokenRequest{Text: "  hello  "}
	req.Normalize()
	assert.Equal(t, "hello", req.Text)
	assert.NoError(t, req.Validate(10))
	assert.Error(t, req.Validate(3))

	empty := SynthesisTokenRequest{}
	assert.Error(t, empty.Validate(10))
}
