package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// mlsSession maintains the end-to-end group secret for one voice call.
// The server relays opaque proposal/commit/welcome blobs between
// members; each accepted commit advances the epoch and re-derives the
// per-member media key ratchets.
type mlsSession struct {
	mu sync.Mutex

	protocolVersion uint16
	groupID         uint64
	selfUserID      string

	sigPriv ed25519.PrivateKey
	sigPub  ed25519.PublicKey

	hpkePriv []byte
	hpkePub  []byte

	externalSender []byte

	epoch              uint64
	epochSecret        []byte
	epochAuthenticator []byte
	roster             map[string][]byte

	proposalQueue []mlsProposal
	pendingCommit []byte

	onFailure func(op string, err error)
}

type mlsProposal struct {
	add        bool
	userID     string
	credential []byte
	hpkeKey    []byte
}

const (
	mlsProposalAdd    = 0
	mlsProposalRemove = 1

	epochAuthenticatorBytes = 64
)

var errMLSIgnored = errors.New("mls message ignored")

func newMLSSession(onFailure func(op string, err error)) *mlsSession {
	return &mlsSession{
		roster:    make(map[string][]byte),
		onFailure: onFailure,
	}
}

func (s *mlsSession) init(version uint16, groupID uint64, selfUserID string, sigPriv ed25519.PrivateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.protocolVersion = version
	s.groupID = groupID
	s.selfUserID = selfUserID
	s.sigPriv = sigPriv
	s.sigPub = sigPriv.Public().(ed25519.PublicKey)

	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return fmt.Errorf("hpke key generation: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("hpke key derivation: %w", err)
	}
	s.hpkePriv = priv[:]
	s.hpkePub = pub
	return nil
}

func (s *mlsSession) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *mlsSession) resetLocked() {
	logMLS.Info("resetting mls session")
	zeroBytes(s.epochSecret)
	s.epoch = 0
	s.epochSecret = nil
	s.epochAuthenticator = nil
	s.roster = make(map[string][]byte)
	s.proposalQueue = nil
	s.pendingCommit = nil
	s.externalSender = nil
}

func (s *mlsSession) setProtocolVersion(version uint16) {
	s.mu.Lock()
	s.protocolVersion = version
	s.mu.Unlock()
}

func (s *mlsSession) getProtocolVersion() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

func (s *mlsSession) setExternalSender(pkg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.externalSender = append([]byte(nil), pkg...)
}

// marshalKeyPackage publishes our identity: credential and HPKE key,
// signed with the persisted signature key.
func (s *mlsSession) marshalKeyPackage() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sigPriv == nil {
		return nil, errors.New("mls session not initialized")
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, s.protocolVersion)
	binary.Write(&buf, binary.BigEndian, s.groupID)
	writeLengthPrefixed(&buf, []byte(s.selfUserID))
	writeLengthPrefixed(&buf, s.sigPub)
	writeLengthPrefixed(&buf, s.hpkePub)
	sig := ed25519.Sign(s.sigPriv, buf.Bytes())
	writeLengthPrefixed(&buf, sig)
	return buf.Bytes(), nil
}

// processProposals queues the relayed proposals and, when at least one
// was accepted, returns a commit blob to be sent back prepended with the
// commit opcode. Proposals naming unrecognized users are rejected whole.
func (s *mlsSession) processProposals(data []byte, recognized map[string]bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proposals, err := parseProposals(data)
	if err != nil {
		s.fail("process_proposals", err)
		return nil, err
	}
	for _, p := range proposals {
		if p.add && !recognized[p.userID] {
			err := fmt.Errorf("proposal adds unrecognized user %s", p.userID)
			s.fail("process_proposals", err)
			return nil, err
		}
	}
	s.proposalQueue = append(s.proposalQueue, proposals...)
	if len(s.proposalQueue) == 0 {
		return nil, nil
	}

	commit, err := s.buildCommitLocked()
	if err != nil {
		s.fail("process_proposals", err)
		return nil, err
	}
	s.pendingCommit = commit
	return commit, nil
}

// parseProposals decodes the server-relayed proposal records: a type
// byte, then the member id and, for adds, their credential and HPKE
// key.
func parseProposals(data []byte) ([]mlsProposal, error) {
	r := bytes.NewReader(data)
	var proposals []mlsProposal
	for r.Len() > 0 {
		op, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		userID, err := readLengthPrefixed(r)
		if err != nil {
			return nil, err
		}
		switch op {
		case mlsProposalAdd:
			cred, err := readLengthPrefixed(r)
			if err != nil {
				return nil, err
			}
			hpke, err := readLengthPrefixed(r)
			if err != nil {
				return nil, err
			}
			proposals = append(proposals, mlsProposal{add: true, userID: string(userID), credential: cred, hpkeKey: hpke})
		case mlsProposalRemove:
			proposals = append(proposals, mlsProposal{userID: string(userID)})
		default:
			return nil, fmt.Errorf("unknown proposal type %d", op)
		}
	}
	return proposals, nil
}

// buildCommitLocked serializes the queued proposals, signs them, and for
// every added member seals the next epoch secret to their HPKE key so
// the same blob doubles as their welcome.
func (s *mlsSession) buildCommitLocked() ([]byte, error) {
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, s.groupID)
	binary.Write(&body, binary.BigEndian, s.epoch+1)
	binary.Write(&body, binary.BigEndian, uint16(len(s.proposalQueue)))
	for _, p := range s.proposalQueue {
		if p.add {
			body.WriteByte(mlsProposalAdd)
			writeLengthPrefixed(&body, []byte(p.userID))
			writeLengthPrefixed(&body, p.credential)
			writeLengthPrefixed(&body, p.hpkeKey)
		} else {
			body.WriteByte(mlsProposalRemove)
			writeLengthPrefixed(&body, []byte(p.userID))
		}
	}

	nextSecret := s.nextEpochSecretLocked(body.Bytes())

	// Seal the next epoch secret to each joiner.
	var welcomes bytes.Buffer
	added := 0
	for _, p := range s.proposalQueue {
		if !p.add || p.userID == s.selfUserID {
			continue
		}
		sealed, err := sealToMember(p.hpkeKey, nextSecret)
		if err != nil {
			return nil, err
		}
		writeLengthPrefixed(&welcomes, []byte(p.userID))
		writeLengthPrefixed(&welcomes, sealed)
		added++
	}
	binary.Write(&body, binary.BigEndian, uint16(added))
	body.Write(welcomes.Bytes())

	sig := ed25519.Sign(s.sigPriv, body.Bytes())
	writeLengthPrefixed(&body, sig)
	zeroBytes(nextSecret)
	return body.Bytes(), nil
}

// processCommit applies a commit from the server announce path. The
// returned roster map carries the ids whose keys were added or removed;
// an empty value means removal.
func (s *mlsSession) processCommit(data []byte) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := bytes.NewReader(data)
	var groupID uint64
	var epoch uint64
	var count uint16
	if err := binary.Read(r, binary.BigEndian, &groupID); err != nil {
		s.fail("process_commit", err)
		return nil, err
	}
	if groupID != s.groupID {
		s.fail("process_commit", fmt.Errorf("commit for wrong group %d", groupID))
		return nil, errMLSIgnored
	}
	if err := binary.Read(r, binary.BigEndian, &epoch); err != nil {
		s.fail("process_commit", err)
		return nil, err
	}
	if epoch != s.epoch+1 {
		logMLS.Infof("ignoring commit for epoch %d, current %d", epoch, s.epoch)
		return nil, errMLSIgnored
	}
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		s.fail("process_commit", err)
		return nil, err
	}

	changed := make(map[string][]byte)
	var proposals []mlsProposal
	for i := 0; i < int(count); i++ {
		op, err := r.ReadByte()
		if err != nil {
			s.fail("process_commit", err)
			return nil, err
		}
		switch op {
		case mlsProposalAdd:
			userID, err := readLengthPrefixed(r)
			if err != nil {
				return nil, err
			}
			cred, err := readLengthPrefixed(r)
			if err != nil {
				return nil, err
			}
			hpke, err := readLengthPrefixed(r)
			if err != nil {
				return nil, err
			}
			proposals = append(proposals, mlsProposal{add: true, userID: string(userID), credential: cred, hpkeKey: hpke})
		case mlsProposalRemove:
			userID, err := readLengthPrefixed(r)
			if err != nil {
				return nil, err
			}
			proposals = append(proposals, mlsProposal{userID: string(userID)})
		default:
			err := fmt.Errorf("unknown proposal type %d", op)
			s.fail("process_commit", err)
			return nil, err
		}
	}

	// The commit body ends at the welcome section; everything up to here
	// feeds the transcript hash.
	bodyLen := len(data) - r.Len()
	next := s.nextEpochSecretLocked(data[:bodyLen])

	for _, p := range proposals {
		if p.add {
			s.roster[p.userID] = p.credential
			changed[p.userID] = p.credential
		} else {
			delete(s.roster, p.userID)
			changed[p.userID] = nil
		}
	}

	s.advanceEpochLocked(next)
	s.proposalQueue = nil
	s.pendingCommit = nil
	logMLS.Infof("commit advanced group to epoch %d with %d members", s.epoch, len(s.roster))
	return changed, nil
}

// processWelcome joins us into an existing group: the blob is the commit
// that created our membership; our sealed copy of the epoch secret is in
// the welcome section.
func (s *mlsSession) processWelcome(data []byte, recognized map[string]bool) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := bytes.NewReader(data)
	var groupID, epoch uint64
	var count uint16
	if err := binary.Read(r, binary.BigEndian, &groupID); err != nil {
		s.fail("process_welcome", err)
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &epoch); err != nil {
		s.fail("process_welcome", err)
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		s.fail("process_welcome", err)
		return nil, err
	}

	roster := make(map[string][]byte)
	for i := 0; i < int(count); i++ {
		op, err := r.ReadByte()
		if err != nil {
			s.fail("process_welcome", err)
			return nil, err
		}
		userID, err := readLengthPrefixed(r)
		if err != nil {
			return nil, err
		}
		if op == mlsProposalAdd {
			cred, err := readLengthPrefixed(r)
			if err != nil {
				return nil, err
			}
			if _, err := readLengthPrefixed(r); err != nil {
				return nil, err
			}
			if !recognized[string(userID)] {
				err := fmt.Errorf("welcome names unrecognized user %s", userID)
				s.fail("process_welcome", err)
				return nil, err
			}
			roster[string(userID)] = cred
		}
	}

	var welcomeCount uint16
	if err := binary.Read(r, binary.BigEndian, &welcomeCount); err != nil {
		s.fail("process_welcome", err)
		return nil, err
	}
	var sealedForUs []byte
	for i := 0; i < int(welcomeCount); i++ {
		userID, err := readLengthPrefixed(r)
		if err != nil {
			return nil, err
		}
		sealed, err := readLengthPrefixed(r)
		if err != nil {
			return nil, err
		}
		if string(userID) == s.selfUserID {
			sealedForUs = sealed
		}
	}
	if sealedForUs == nil {
		err := errors.New("welcome does not include us")
		s.fail("process_welcome", err)
		return nil, err
	}

	secret, err := openFromMember(s.hpkePriv, sealedForUs)
	if err != nil {
		s.fail("process_welcome", err)
		return nil, err
	}

	for id, cred := range roster {
		s.roster[id] = cred
	}
	s.epoch = epoch - 1
	s.advanceEpochLocked(secret)
	logMLS.Infof("welcome joined group at epoch %d with %d members", s.epoch, len(s.roster))
	return roster, nil
}

// nextEpochSecretLocked folds the commit transcript into the current
// epoch secret. Joiners receive the result sealed instead.
func (s *mlsSession) nextEpochSecretLocked(transcript []byte) []byte {
	prev := s.epochSecret
	if prev == nil {
		prev = make([]byte, sha512.Size)
	}
	h := hkdf.Extract(sha512.New, transcript, prev)
	return h
}

func (s *mlsSession) advanceEpochLocked(next []byte) {
	zeroBytes(s.epochSecret)
	s.epochSecret = next
	s.epoch++
	auth := make([]byte, epochAuthenticatorBytes)
	r := hkdf.Expand(sha512.New, s.epochSecret, []byte("epoch authenticator"))
	if _, err := io.ReadFull(r, auth); err != nil {
		s.epochAuthenticator = nil
		return
	}
	s.epochAuthenticator = auth
}

func (s *mlsSession) lastEpochAuthenticator() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.epochAuthenticator...)
}

func (s *mlsSession) memberIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.roster))
	for id := range s.roster {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// keyRatchet derives the media key ratchet for one member of the
// current epoch.
func (s *mlsSession) keyRatchet(userID string) (keyRatchet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochSecret == nil {
		return nil, errors.New("no epoch established")
	}
	if _, ok := s.roster[userID]; !ok && userID != s.selfUserID {
		return nil, fmt.Errorf("user %s is not in the group", userID)
	}
	base := make([]byte, sha512.Size256)
	r := hkdf.Expand(sha512.New, s.epochSecret, []byte(mediaKeyBaseLabel+userID))
	if _, err := io.ReadFull(r, base); err != nil {
		return nil, err
	}
	return newHashKeyRatchet(base), nil
}

// pairwiseFingerprint binds both identities and the epoch into exactly
// 64 bytes; display code derivation requires that length.
func (s *mlsSession) pairwiseFingerprint(version uint16, remoteUserID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	remoteCred, ok := s.roster[remoteUserID]
	if !ok {
		return nil
	}
	local := credentialLine(version, s.selfUserID, s.sigPub)
	remote := credentialLine(version, remoteUserID, remoteCred)
	if bytes.Compare(local, remote) > 0 {
		local, remote = remote, local
	}
	h := sha512.New()
	h.Write(local)
	h.Write(remote)
	h.Write(s.epochAuthenticator)
	return h.Sum(nil)
}

func credentialLine(version uint16, userID string, cred []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, version)
	writeLengthPrefixed(&buf, []byte(userID))
	writeLengthPrefixed(&buf, cred)
	return buf.Bytes()
}

func (s *mlsSession) fail(op string, err error) {
	logMLS.Errorf("%s failed: %v", op, err)
	if s.onFailure != nil {
		s.onFailure(op, err)
	}
}

// generateDisplayableCode renders an authenticator as zero-padded
// 5-digit decimal groups, the "privacy code" shown to users.
func generateDisplayableCode(data []byte, desiredLength int) string {
	const groupSize = 5
	groups := desiredLength / groupSize
	if len(data) < groups*groupSize {
		return ""
	}
	var out bytes.Buffer
	for i := 0; i < groups; i++ {
		chunk := data[i*groupSize : (i+1)*groupSize]
		var val uint64
		for _, b := range chunk {
			val = val<<8 | uint64(b)
		}
		if i > 0 {
			out.WriteByte(' ')
		}
		fmt.Fprintf(&out, "%05d", val%100000)
	}
	return out.String()
}

// sealToMember encrypts secret to an X25519 public key with an
// ephemeral sender key: ephemeral_pub || chacha20poly1305(secret).
func sealToMember(memberPub, secret []byte) ([]byte, error) {
	var eph [32]byte
	if _, err := io.ReadFull(rand.Reader, eph[:]); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(eph[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(eph[:], memberPub)
	if err != nil {
		return nil, err
	}
	key := ratchetExpand(shared, "welcome key", chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	sealed := aead.Seal(nil, nonce, secret, ephPub)
	return append(ephPub, sealed...), nil
}

func openFromMember(memberPriv, blob []byte) ([]byte, error) {
	if len(blob) < 32 {
		return nil, errors.New("sealed welcome too short")
	}
	ephPub := blob[:32]
	shared, err := curve25519.X25519(memberPriv, ephPub)
	if err != nil {
		return nil, err
	}
	key := ratchetExpand(shared, "welcome key", chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	return aead.Open(nil, nonce, blob[32:], ephPub)
}

func writeLengthPrefixed(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.BigEndian, uint16(len(b)))
	buf.Write(b)
}

func readLengthPrefixed(r *bytes.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
