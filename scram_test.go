package mqttclient

import (
	"context"
	"crypto/hmac"
	"encoding/base64"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scramServer is the broker half of a SCRAM exchange.
type scramServer struct {
	hash        SCRAMHash
	password    string
	salt        []byte
	iterations  int
	serverNonce string

	clientFirstBare string
	serverFirst     string
}

func (s *scramServer) first(t *testing.T, clientFirst []byte) []byte {
	t.Helper()
	msg, ok := strings.CutPrefix(string(clientFirst), "n,,")
	require.True(t, ok, "missing GS2 header")
	s.clientFirstBare = msg

	attrs := scramAttributes(msg)
	s.serverFirst = "r=" + attrs["r"] + s.serverNonce +
		",s=" + base64.StdEncoding.EncodeToString(s.salt) +
		",i=" + strconv.Itoa(s.iterations)
	return []byte(s.serverFirst)
}

// final verifies the client proof and returns the server-final-message.
func (s *scramServer) final(t *testing.T, clientFinal []byte) ([]byte, bool) {
	t.Helper()
	msg := string(clientFinal)
	idx := strings.LastIndex(msg, ",p=")
	require.Positive(t, idx)
	withoutProof := msg[:idx]
	proof, err := base64.StdEncoding.DecodeString(msg[idx+3:])
	require.NoError(t, err)

	hashFunc := s.hash.hashFunc()
	_, storedKey, serverKey := scramKeys(s.hash, s.password, s.salt, s.iterations)
	authMessage := s.clientFirstBare + "," + s.serverFirst + "," + withoutProof

	signature := hmacSum(hashFunc, storedKey, authMessage)
	if len(proof) != len(signature) {
		return nil, false
	}
	clientKey := make([]byte, len(proof))
	for i := range proof {
		clientKey[i] = proof[i] ^ signature[i]
	}
	d := hashFunc()
	d.Write(clientKey)
	if !hmac.Equal(d.Sum(nil), storedKey) {
		return []byte("e=invalid-proof"), false
	}

	return []byte("v=" + base64.StdEncoding.EncodeToString(hmacSum(hashFunc, serverKey, authMessage))), true
}

func fixedNonce(nonce string) func() (string, error) {
	return func() (string, error) { return nonce, nil }
}

func TestSCRAMHash(t *testing.T) {
	for _, h := range []SCRAMHash{SCRAMHashSHA1, SCRAMHashSHA256, SCRAMHashSHA512} {
		parsed, ok := ParseSCRAMHash(strings.ToLower(h.String()))
		assert.True(t, ok)
		assert.Equal(t, h, parsed)
		assert.Equal(t, h.keySize(), h.hashFunc()().Size())
	}

	_, ok := ParseSCRAMHash("PLAIN")
	assert.False(t, ok)
}

func TestSCRAMExchange(t *testing.T) {
	for _, h := range []SCRAMHash{SCRAMHashSHA1, SCRAMHashSHA256, SCRAMHashSHA512} {
		t.Run(h.String(), func(t *testing.T) {
			ctx := context.Background()
			client := NewSCRAMClient("user,name=x", "pencil", h)
			client.nonce = fixedNonce("clientnonce")
			server := &scramServer{
				hash:        h,
				password:    "pencil",
				salt:        []byte("salty"),
				iterations:  4096,
				serverNonce: "servernonce",
			}

			start, err := client.AuthStart(ctx)
			require.NoError(t, err)
			assert.Equal(t, "n,,n=user=2Cname=3Dx,r=clientnonce", string(start.AuthData))

			cont, err := client.AuthContinue(ctx, &ClientEnhancedAuthContext{
				AuthData:   server.first(t, start.AuthData),
				ReasonCode: ReasonContinueAuth,
				State:      start.State,
			})
			require.NoError(t, err)
			assert.False(t, cont.Done)
			assert.True(t, strings.HasPrefix(string(cont.AuthData), "c=biws,r=clientnonceservernonce,p="))

			serverFinal, ok := server.final(t, cont.AuthData)
			require.True(t, ok)

			done, err := client.AuthContinue(ctx, &ClientEnhancedAuthContext{
				AuthData:   serverFinal,
				ReasonCode: ReasonSuccess,
				State:      cont.State,
			})
			require.NoError(t, err)
			assert.True(t, done.Done)
		})
	}
}

func TestSCRAMWrongPassword(t *testing.T) {
	ctx := context.Background()
	client := NewSCRAMClient("user", "wrong", SCRAMHashSHA256)
	server := &scramServer{hash: SCRAMHashSHA256, password: "right", salt: []byte("salt"), iterations: 4096, serverNonce: "s"}

	start, err := client.AuthStart(ctx)
	require.NoError(t, err)
	cont, err := client.AuthContinue(ctx, &ClientEnhancedAuthContext{AuthData: server.first(t, start.AuthData), State: start.State})
	require.NoError(t, err)

	serverFinal, ok := server.final(t, cont.AuthData)
	assert.False(t, ok)

	_, err = client.AuthContinue(ctx, &ClientEnhancedAuthContext{AuthData: serverFinal, State: cont.State})
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestSCRAMRejectsBadChallenges(t *testing.T) {
	ctx := context.Background()
	client := NewSCRAMClient("user", "pw", SCRAMHashSHA256)
	client.nonce = fixedNonce("abc")
	start, err := client.AuthStart(ctx)
	require.NoError(t, err)

	salt := base64.StdEncoding.EncodeToString([]byte("salt"))
	challenges := map[string]string{
		"foreign nonce":   "r=xyz123,s=" + salt + ",i=4096",
		"unchanged nonce": "r=abc,s=" + salt + ",i=4096",
		"bad salt":        "r=abcdef,s=!!,i=4096",
		"cheap iteration": "r=abcdef,s=" + salt + ",i=1",
		"missing count":   "r=abcdef,s=" + salt,
	}
	for name, challenge := range challenges {
		_, err := client.AuthContinue(ctx, &ClientEnhancedAuthContext{AuthData: []byte(challenge), State: start.State})
		assert.ErrorIs(t, err, ErrSCRAMInvalidChallenge, name)
	}

	_, err = client.AuthContinue(ctx, &ClientEnhancedAuthContext{AuthData: []byte("r=abcdef"), State: nil})
	assert.ErrorIs(t, err, ErrSCRAMInvalidChallenge)
}

func TestSCRAMServerSignatureMismatch(t *testing.T) {
	ctx := context.Background()
	client := NewSCRAMClient("user", "pw", SCRAMHashSHA256)
	server := &scramServer{hash: SCRAMHashSHA256, password: "pw", salt: []byte("salt"), iterations: 4096, serverNonce: "s"}

	start, err := client.AuthStart(ctx)
	require.NoError(t, err)
	cont, err := client.AuthContinue(ctx, &ClientEnhancedAuthContext{AuthData: server.first(t, start.AuthData), State: start.State})
	require.NoError(t, err)

	forged := "v=" + base64.StdEncoding.EncodeToString([]byte("not the signature"))
	assert.ErrorIs(t, VerifySCRAMServerFinal(cont.State, []byte(forged)), ErrSCRAMServerSignature)
}

func TestClientEnhancedAuthHandshake(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	auth := NewSCRAMClient("user", "pw", SCRAMHashSHA256)
	c := newTestClient(t, b, WithEnhancedAuthentication(auth))
	server := &scramServer{hash: SCRAMHashSHA256, password: "pw", salt: []byte("salt"), iterations: 4096, serverNonce: "srv"}

	tok := c.Connect(context.Background())
	conn := b.accept()

	connect := expectPacket[*ConnectPacket](conn)
	assert.Equal(t, "SCRAM-SHA-256", connect.Props.GetString(PropAuthenticationMethod))

	challenge := &AuthPacket{reasonBody{ReasonCode: ReasonContinueAuth}}
	challenge.Props.Set(PropAuthenticationMethod, "SCRAM-SHA-256")
	challenge.Props.Set(PropAuthenticationData, server.first(t, connect.Props.GetBinary(PropAuthenticationData)))
	conn.send(challenge)

	resp := expectPacket[*AuthPacket](conn)
	assert.Equal(t, ReasonContinueAuth, resp.ReasonCode)
	serverFinal, ok := server.final(t, resp.Props.GetBinary(PropAuthenticationData))
	require.True(t, ok)

	connack := &ConnackPacket{}
	connack.Props.Set(PropAuthenticationMethod, "SCRAM-SHA-256")
	connack.Props.Set(PropAuthenticationData, serverFinal)
	conn.send(connack)

	require.NoError(t, tok.Wait())
	assert.True(t, c.IsConnected())
}

func TestClientEnhancedAuthForgedServer(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	c := newTestClient(t, b, WithEnhancedAuthentication(NewSCRAMClient("user", "pw", SCRAMHashSHA256)))
	server := &scramServer{hash: SCRAMHashSHA256, password: "pw", salt: []byte("salt"), iterations: 4096, serverNonce: "srv"}

	tok := c.Connect(context.Background())
	conn := b.accept()
	connect := expectPacket[*ConnectPacket](conn)

	challenge := &AuthPacket{reasonBody{ReasonCode: ReasonContinueAuth}}
	challenge.Props.Set(PropAuthenticationMethod, "SCRAM-SHA-256")
	challenge.Props.Set(PropAuthenticationData, server.first(t, connect.Props.GetBinary(PropAuthenticationData)))
	conn.send(challenge)
	expectPacket[*AuthPacket](conn)

	connack := &ConnackPacket{}
	connack.Props.Set(PropAuthenticationMethod, "SCRAM-SHA-256")
	connack.Props.Set(PropAuthenticationData, []byte("v="+base64.StdEncoding.EncodeToString([]byte("forged"))))
	conn.send(connack)

	assert.ErrorIs(t, tok.Wait(), ErrAuthFailed)
	assert.Equal(t, StateDisconnected, c.State())
}
