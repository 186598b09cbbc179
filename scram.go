package mqttclient

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SHA-1 required for SCRAM-SHA-1 compatibility
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SCRAM errors.
var (
	ErrSCRAMInvalidChallenge = errors.New("invalid SCRAM server challenge")
	ErrSCRAMServerSignature  = errors.New("SCRAM server signature mismatch")
)

// minSCRAMIterations rejects brokers that ask for trivially cheap key derivation.
const minSCRAMIterations = 4096

// SCRAMHash represents the hash algorithm used for SCRAM authentication.
type SCRAMHash int

const (
	// SCRAMHashSHA1 uses SHA-1 (for legacy compatibility, not recommended for new deployments).
	SCRAMHashSHA1 SCRAMHash = iota
	// SCRAMHashSHA256 uses SHA-256 (recommended).
	SCRAMHashSHA256
	// SCRAMHashSHA512 uses SHA-512 (highest security).
	SCRAMHashSHA512
)

// String returns the MQTT auth method name for this hash.
func (h SCRAMHash) String() string {
	switch h {
	case SCRAMHashSHA1:
		return "SCRAM-SHA-1"
	case SCRAMHashSHA512:
		return "SCRAM-SHA-512"
	default:
		return "SCRAM-SHA-256"
	}
}

func (h SCRAMHash) hashFunc() func() hash.Hash {
	switch h {
	case SCRAMHashSHA1:
		return sha1.New
	case SCRAMHashSHA512:
		return sha512.New
	default:
		return sha256.New
	}
}

func (h SCRAMHash) keySize() int {
	switch h {
	case SCRAMHashSHA1:
		return 20
	case SCRAMHashSHA512:
		return 64
	default:
		return 32
	}
}

// ParseSCRAMHash maps an auth method name such as "SCRAM-SHA-512" to its hash.
func ParseSCRAMHash(method string) (SCRAMHash, bool) {
	for _, h := range []SCRAMHash{SCRAMHashSHA1, SCRAMHashSHA256, SCRAMHashSHA512} {
		if strings.EqualFold(method, h.String()) {
			return h, true
		}
	}
	return SCRAMHashSHA256, false
}

// scramKeys derives the client and server keys for a password.
func scramKeys(h SCRAMHash, password string, salt []byte, iterations int) (clientKey, storedKey, serverKey []byte) {
	hashFunc := h.hashFunc()
	salted := pbkdf2.Key([]byte(password), salt, iterations, h.keySize(), hashFunc)

	clientKey = hmacSum(hashFunc, salted, "Client Key")
	d := hashFunc()
	d.Write(clientKey)
	storedKey = d.Sum(nil)
	serverKey = hmacSum(hashFunc, salted, "Server Key")
	return clientKey, storedKey, serverKey
}

func hmacSum(hashFunc func() hash.Hash, key []byte, msg string) []byte {
	m := hmac.New(hashFunc, key)
	m.Write([]byte(msg))
	return m.Sum(nil)
}

// scramClientState is carried between AUTH exchanges.
type scramClientState struct {
	clientNonce     string
	clientFirstBare string
	serverSignature []byte
}

// SCRAMClient authenticates with SCRAM (RFC 5802) over MQTT 5.0 AUTH
// packets. Channel binding is not supported.
type SCRAMClient struct {
	Username string
	Password string
	Hash     SCRAMHash

	nonce func() (string, error)
}

var _ ClientEnhancedAuthenticator = (*SCRAMClient)(nil)

// NewSCRAMClient creates a SCRAM authenticator for username and password.
func NewSCRAMClient(username, password string, h SCRAMHash) *SCRAMClient {
	return &SCRAMClient{Username: username, Password: password, Hash: h}
}

// AuthMethod returns the SCRAM mechanism name.
func (c *SCRAMClient) AuthMethod() string { return c.Hash.String() }

// AuthStart returns the client-first-message.
func (c *SCRAMClient) AuthStart(_ context.Context) (*ClientEnhancedAuthResult, error) {
	gen := c.nonce
	if gen == nil {
		gen = generateScramNonce
	}
	nonce, err := gen()
	if err != nil {
		return nil, err
	}

	bare := "n=" + scramEscape(c.Username) + ",r=" + nonce
	return &ClientEnhancedAuthResult{
		AuthData: []byte("n,," + bare),
		State:    &scramClientState{clientNonce: nonce, clientFirstBare: bare},
	}, nil
}

// AuthContinue answers the server-first-message with the client proof, or
// verifies the server-final-message when the broker sends one.
func (c *SCRAMClient) AuthContinue(_ context.Context, authCtx *ClientEnhancedAuthContext) (*ClientEnhancedAuthResult, error) {
	state, ok := authCtx.State.(*scramClientState)
	if !ok || state == nil {
		return nil, fmt.Errorf("%w: no exchange in progress", ErrSCRAMInvalidChallenge)
	}

	data := string(authCtx.AuthData)
	if strings.HasPrefix(data, "v=") || strings.HasPrefix(data, "e=") {
		if err := VerifySCRAMServerFinal(state, authCtx.AuthData); err != nil {
			return nil, err
		}
		return &ClientEnhancedAuthResult{Done: true}, nil
	}

	attrs := scramAttributes(data)
	serverNonce := attrs["r"]
	if !strings.HasPrefix(serverNonce, state.clientNonce) || len(serverNonce) == len(state.clientNonce) {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrSCRAMInvalidChallenge)
	}
	salt, err := base64.StdEncoding.DecodeString(attrs["s"])
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("%w: bad salt", ErrSCRAMInvalidChallenge)
	}
	iterations, err := strconv.Atoi(attrs["i"])
	if err != nil || iterations < minSCRAMIterations {
		return nil, fmt.Errorf("%w: bad iteration count %q", ErrSCRAMInvalidChallenge, attrs["i"])
	}

	hashFunc := c.Hash.hashFunc()
	clientKey, storedKey, serverKey := scramKeys(c.Hash, c.Password, salt, iterations)

	finalWithoutProof := "c=biws,r=" + serverNonce
	authMessage := state.clientFirstBare + "," + data + "," + finalWithoutProof

	signature := hmacSum(hashFunc, storedKey, authMessage)
	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ signature[i]
	}

	next := &scramClientState{
		clientNonce:     state.clientNonce,
		clientFirstBare: state.clientFirstBare,
		serverSignature: hmacSum(hashFunc, serverKey, authMessage),
	}
	return &ClientEnhancedAuthResult{
		AuthData: []byte(finalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)),
		State:    next,
	}, nil
}

// VerifySCRAMServerFinal checks a server-final-message against the
// signature expected for the exchange in state.
func VerifySCRAMServerFinal(state any, serverFinal []byte) error {
	s, ok := state.(*scramClientState)
	if !ok || s == nil || s.serverSignature == nil {
		return fmt.Errorf("%w: no exchange in progress", ErrSCRAMInvalidChallenge)
	}

	attrs := scramAttributes(string(serverFinal))
	if e, ok := attrs["e"]; ok {
		return fmt.Errorf("%w: server error %s", ErrAuthFailed, e)
	}
	sig, err := base64.StdEncoding.DecodeString(attrs["v"])
	if err != nil || !hmac.Equal(sig, s.serverSignature) {
		return ErrSCRAMServerSignature
	}
	return nil
}

// scramAttributes splits "k=v,k=v" messages. Values may contain '='.
func scramAttributes(msg string) map[string]string {
	attrs := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		k, v, ok := strings.Cut(part, "=")
		if ok && len(k) == 1 {
			attrs[k] = v
		}
	}
	return attrs
}

func scramEscape(username string) string {
	return strings.NewReplacer("=", "=3D", ",", "=2C").Replace(username)
}

func generateScramNonce() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
