package gateway

import (
	"testing"

	"github.com/haasonsaas/openclaw/internal/config"
	"github.com/haasonsaas/openclaw/internal/pairing"
)

func TestIsLoopbackAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:52310", true},
		{"127.0.0.5:80", true},
		{"[::1]:9000", true},
		{"::1", true},
		{"::ffff:127.0.0.1", true},
		{"[::ffff:127.0.0.1]:443", true},
		{"192.168.1.10:80", false},
		{"10.0.0.1:22", false},
		{"[2001:db8::1]:80", false},
		{"localhost:80", false},
		{"not-an-address", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	base := config.GatewayConfig{
		AuthMode: config.GatewayAuthToken,
		Token:    "gw-secret",
		Password: "hunter2",
	}

	tests := []struct {
		name       string
		cfg        config.GatewayConfig
		remote     string
		creds      Credentials
		wantOK     bool
		wantMethod AuthMethod
		wantReason string
	}{
		{
			name:   "loopback bypass",
			cfg:    config.GatewayConfig{AuthMode: config.GatewayAuthToken, Token: "gw-secret", AllowLocalDirect: true},
			remote: "127.0.0.1:5000",
			wantOK: true, wantMethod: AuthLocalDirect,
		},
		{
			name:   "loopback bypass disabled",
			cfg:    base,
			remote: "127.0.0.1:5000",
			wantOK: false, wantMethod: AuthToken, wantReason: ReasonTokenMissing,
		},
		{
			name:   "token match",
			cfg:    base,
			remote: "192.168.1.4:100",
			creds:  Credentials{Token: "gw-secret"},
			wantOK: true, wantMethod: AuthToken,
		},
		{
			name:   "token mismatch",
			cfg:    base,
			remote: "192.168.1.4:100",
			creds:  Credentials{Token: "wrong"},
			wantOK: false, wantMethod: AuthToken, wantReason: ReasonTokenMismatch,
		},
		{
			name:   "password mode match",
			cfg:    config.GatewayConfig{AuthMode: config.GatewayAuthPassword, Password: "hunter2"},
			remote: "192.168.1.4:100",
			creds:  Credentials{Password: "hunter2"},
			wantOK: true, wantMethod: AuthPassword,
		},
		{
			name:   "password mode missing",
			cfg:    config.GatewayConfig{AuthMode: config.GatewayAuthPassword, Password: "hunter2"},
			remote: "192.168.1.4:100",
			wantOK: false, wantMethod: AuthPassword, wantReason: ReasonPasswordMissing,
		},
		{
			name:   "password mode mismatch",
			cfg:    config.GatewayConfig{AuthMode: config.GatewayAuthPassword, Password: "hunter2"},
			remote: "192.168.1.4:100",
			creds:  Credentials{Password: "letmein"},
			wantOK: false, wantMethod: AuthPassword, wantReason: ReasonPasswordMismatch,
		},
		{
			name:   "open mode",
			cfg:    config.GatewayConfig{AuthMode: config.GatewayAuthNone},
			remote: "192.168.1.4:100",
			wantOK: true, wantMethod: AuthOpen,
		},
		{
			name:   "device creds without store",
			cfg:    base,
			remote: "192.168.1.4:100",
			creds:  Credentials{DeviceID: "dev-1", DeviceToken: "tok"},
			wantOK: false, wantMethod: AuthDevice, wantReason: ReasonDeviceTokenInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := NewAuthenticator(tt.cfg, nil)
			got := auth.Authenticate(tt.remote, tt.creds)
			if got.OK != tt.wantOK || got.Method != tt.wantMethod || got.Reason != tt.wantReason {
				t.Errorf("Authenticate() = %+v, want ok=%v method=%s reason=%q",
					got, tt.wantOK, tt.wantMethod, tt.wantReason)
			}
		})
	}
}

func TestAuthenticateDeviceToken(t *testing.T) {
	devices, err := pairing.NewDeviceStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	req, err := devices.CreateRequest("mobile-1", "pk", "Pixel", "android", "10.0.0.9")
	if err != nil {
		t.Fatal(err)
	}
	token, err := devices.Approve(req.ID)
	if err != nil {
		t.Fatal(err)
	}

	auth := NewAuthenticator(config.GatewayConfig{AuthMode: config.GatewayAuthToken, Token: "x"}, devices)

	got := auth.Authenticate("10.0.0.9:4000", Credentials{DeviceID: "mobile-1", DeviceToken: token.Token})
	if !got.OK || got.Method != AuthDevice {
		t.Errorf("valid device token rejected: %+v", got)
	}

	got = auth.Authenticate("10.0.0.9:4000", Credentials{DeviceID: "mobile-1", DeviceToken: "bogus"})
	if got.OK || got.Reason != ReasonDeviceTokenInvalid {
		t.Errorf("bogus device token = %+v", got)
	}
}
