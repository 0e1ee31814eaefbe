package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMLSSession(t *testing.T, userID string) *mlsSession {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s := newMLSSession(nil)
	require.NoError(t, s.init(maxSupportedDaveProtocolVersion, 42, userID, priv))
	return s
}

func addProposal(buf *bytes.Buffer, s *mlsSession) {
	buf.WriteByte(mlsProposalAdd)
	writeLengthPrefixed(buf, []byte(s.selfUserID))
	writeLengthPrefixed(buf, s.sigPub)
	writeLengthPrefixed(buf, s.hpkePub)
}

func TestMLSCommitAndWelcome(t *testing.T) {
	alice := newTestMLSSession(t, "alice")
	bob := newTestMLSSession(t, "bob")

	recognized := map[string]bool{"alice": true, "bob": true}

	var proposals bytes.Buffer
	addProposal(&proposals, alice)
	addProposal(&proposals, bob)

	commit, err := alice.processProposals(proposals.Bytes(), recognized)
	require.NoError(t, err)
	require.NotNil(t, commit)

	changed, err := alice.processCommit(commit)
	require.NoError(t, err)
	require.Contains(t, changed, "bob")
	require.Equal(t, uint64(1), alice.epoch)

	// The same blob is bob's welcome; his copy of the epoch secret is
	// sealed to his HPKE key.
	roster, err := bob.processWelcome(commit, recognized)
	require.NoError(t, err)
	require.Contains(t, roster, "alice")
	require.Equal(t, uint64(1), bob.epoch)

	require.Equal(t, alice.lastEpochAuthenticator(), bob.lastEpochAuthenticator())
	require.Len(t, alice.lastEpochAuthenticator(), epochAuthenticatorBytes)
}

func TestMLSMediaKeysAgree(t *testing.T) {
	alice := newTestMLSSession(t, "alice")
	bob := newTestMLSSession(t, "bob")
	recognized := map[string]bool{"alice": true, "bob": true}

	var proposals bytes.Buffer
	addProposal(&proposals, alice)
	addProposal(&proposals, bob)

	commit, err := alice.processProposals(proposals.Bytes(), recognized)
	require.NoError(t, err)
	_, err = alice.processCommit(commit)
	require.NoError(t, err)
	_, err = bob.processWelcome(commit, recognized)
	require.NoError(t, err)

	// Alice's self ratchet and bob's view of alice derive identical
	// keys, so media flows end to end.
	ra, err := alice.keyRatchet("alice")
	require.NoError(t, err)
	rb, err := bob.keyRatchet("alice")
	require.NoError(t, err)

	for gen := uint32(0); gen < 3; gen++ {
		ka, err := ra.GetKey(gen)
		require.NoError(t, err)
		kb, err := rb.GetKey(gen)
		require.NoError(t, err)
		require.Equal(t, ka, kb)
	}

	clk := newFakeClock()
	enc := newEncryptor(clk)
	selfRatchet, err := alice.keyRatchet("alice")
	require.NoError(t, err)
	enc.setKeyRatchet(selfRatchet)

	dec := newDecryptor(clk)
	bobView, err := bob.keyRatchet("alice")
	require.NoError(t, err)
	dec.transitionToKeyRatchet(bobView, defaultTransitionExpiry)

	frame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	wire := make([]byte, enc.maxCiphertextByteSize(mediaAudio, len(frame)))
	n, err := enc.encrypt(mediaAudio, 7, frame, wire)
	require.NoError(t, err)

	out := make([]byte, n)
	require.Equal(t, len(frame), dec.decrypt(mediaAudio, wire[:n], out))
	require.Equal(t, frame, out[:len(frame)])
}

func TestMLSRejectsUnrecognizedUser(t *testing.T) {
	alice := newTestMLSSession(t, "alice")
	mallory := newTestMLSSession(t, "mallory")

	var proposals bytes.Buffer
	addProposal(&proposals, mallory)

	_, err := alice.processProposals(proposals.Bytes(), map[string]bool{"alice": true})
	require.Error(t, err)
}

func TestMLSCommitWrongEpochIgnored(t *testing.T) {
	alice := newTestMLSSession(t, "alice")
	bob := newTestMLSSession(t, "bob")
	recognized := map[string]bool{"alice": true, "bob": true}

	var proposals bytes.Buffer
	addProposal(&proposals, bob)
	commit, err := alice.processProposals(proposals.Bytes(), recognized)
	require.NoError(t, err)

	_, err = alice.processCommit(commit)
	require.NoError(t, err)

	// Replaying the same commit targets a stale epoch.
	_, err = alice.processCommit(commit)
	require.ErrorIs(t, err, errMLSIgnored)
}

func TestGenerateDisplayableCode(t *testing.T) {
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}

	code := generateDisplayableCode(data, 30)
	require.Regexp(t, regexp.MustCompile(`^\d{5}( \d{5}){5}$`), code)

	// Deterministic for identical input.
	require.Equal(t, code, generateDisplayableCode(data, 30))

	pairwise := generateDisplayableCode(data, 45)
	require.Regexp(t, regexp.MustCompile(`^\d{5}( \d{5}){8}$`), pairwise)

	// Too little data produces nothing.
	require.Equal(t, "", generateDisplayableCode(data[:10], 30))
}

func TestGenerateDisplayableCodeKnownValue(t *testing.T) {
	// 5 bytes 0x0000000001 -> 1 mod 1e5 = 00001
	data := []byte{0, 0, 0, 0, 1, 0, 0, 0, 0, 2}
	require.Equal(t, "00001 00002", generateDisplayableCode(data, 10))
}

func TestPairwiseFingerprint(t *testing.T) {
	alice := newTestMLSSession(t, "alice")
	bob := newTestMLSSession(t, "bob")
	recognized := map[string]bool{"alice": true, "bob": true}

	var proposals bytes.Buffer
	addProposal(&proposals, alice)
	addProposal(&proposals, bob)
	commit, err := alice.processProposals(proposals.Bytes(), recognized)
	require.NoError(t, err)
	_, err = alice.processCommit(commit)
	require.NoError(t, err)
	_, err = bob.processWelcome(commit, recognized)
	require.NoError(t, err)

	fa := alice.pairwiseFingerprint(0, "bob")
	fb := bob.pairwiseFingerprint(0, "alice")
	require.Len(t, fa, 64)
	require.Equal(t, fa, fb)

	require.Nil(t, alice.pairwiseFingerprint(0, "nobody"))
}

func TestMLSKeyPackageSigned(t *testing.T) {
	alice := newTestMLSSession(t, "alice")
	pkg, err := alice.marshalKeyPackage()
	require.NoError(t, err)
	require.NotEmpty(t, pkg)

	// The trailing length-prefixed signature verifies over the rest.
	sigLen := int(pkg[len(pkg)-ed25519.SignatureSize-2])<<8 | int(pkg[len(pkg)-ed25519.SignatureSize-1])
	require.Equal(t, ed25519.SignatureSize, sigLen)
	body := pkg[:len(pkg)-ed25519.SignatureSize-2]
	sig := pkg[len(pkg)-ed25519.SignatureSize:]
	require.True(t, ed25519.Verify(alice.sigPub, body, sig))
}
