package gateway

import (
	"crypto/subtle"
	"net"
	"net/netip"
	"strings"

	"github.com/haasonsaas/openclaw/internal/config"
	"github.com/haasonsaas/openclaw/internal/pairing"
)

// AuthMethod records how a connection was admitted.
type AuthMethod string

const (
	AuthLocalDirect AuthMethod = "local-direct"
	AuthDevice      AuthMethod = "device"
	AuthToken       AuthMethod = "token"
	AuthPassword    AuthMethod = "password"
	AuthOpen        AuthMethod = "open"
)

// Failure reasons surfaced to clients on rejected connects.
const (
	ReasonTokenMissing       = "token_missing"
	ReasonTokenMismatch      = "token_mismatch"
	ReasonPasswordMissing    = "password_missing"
	ReasonPasswordMismatch   = "password_mismatch"
	ReasonDeviceTokenInvalid = "device_token_invalid"
)

// Credentials is the auth block of a connect request.
type Credentials struct {
	Token       string `json:"token,omitempty"`
	Password    string `json:"password,omitempty"`
	DeviceID    string `json:"deviceId,omitempty"`
	DeviceToken string `json:"deviceToken,omitempty"`
}

// AuthResult is the outcome of one authentication attempt.
type AuthResult struct {
	OK     bool
	Method AuthMethod
	Reason string
}

// Authenticator decides connection admission per the configured mode.
type Authenticator struct {
	cfg     config.GatewayConfig
	devices *pairing.DeviceStore
}

// NewAuthenticator builds an authenticator; devices may be nil when
// device pairing is disabled.
func NewAuthenticator(cfg config.GatewayConfig, devices *pairing.DeviceStore) *Authenticator {
	return &Authenticator{cfg: cfg, devices: devices}
}

// Authenticate checks a connection in precedence order: loopback bypass,
// device token, then the configured shared credential. All credential
// comparisons are constant-time.
func (a *Authenticator) Authenticate(remoteAddr string, creds Credentials) AuthResult {
	if a.cfg.AllowLocalDirect && isLoopbackAddr(remoteAddr) {
		return AuthResult{OK: true, Method: AuthLocalDirect}
	}

	if creds.DeviceID != "" || creds.DeviceToken != "" {
		if a.devices != nil && a.devices.Validate(creds.DeviceID, creds.DeviceToken) {
			return AuthResult{OK: true, Method: AuthDevice}
		}
		return AuthResult{Method: AuthDevice, Reason: ReasonDeviceTokenInvalid}
	}

	switch a.cfg.AuthMode {
	case config.GatewayAuthNone:
		return AuthResult{OK: true, Method: AuthOpen}
	case config.GatewayAuthPassword:
		if creds.Password == "" {
			return AuthResult{Method: AuthPassword, Reason: ReasonPasswordMissing}
		}
		if subtle.ConstantTimeCompare([]byte(creds.Password), []byte(a.cfg.Password)) != 1 {
			return AuthResult{Method: AuthPassword, Reason: ReasonPasswordMismatch}
		}
		return AuthResult{OK: true, Method: AuthPassword}
	default: // token
		if creds.Token == "" {
			return AuthResult{Method: AuthToken, Reason: ReasonTokenMissing}
		}
		if subtle.ConstantTimeCompare([]byte(creds.Token), []byte(a.cfg.Token)) != 1 {
			return AuthResult{Method: AuthToken, Reason: ReasonTokenMismatch}
		}
		return AuthResult{OK: true, Method: AuthToken}
	}
}

// isLoopbackAddr reports whether a host:port remote address resolves to
// 127.0.0.1/8, ::1, or an IPv4-mapped loopback.
func isLoopbackAddr(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return addr.Unmap().IsLoopback()
}
