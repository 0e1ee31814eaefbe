package main

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateHelloReceived
	stateIdentifying
	stateResuming
	stateReady
	stateDescribed
	stateActive
	stateReconnecting
	stateTerminated
)

type sendAudioType int

const (
	sendAudioRecorded sendAudioType = iota
	sendAudioLive
	sendAudioOverlap
)

const (
	audioOverlapSleepSamples = 30
	reconnectSleep           = 5 * time.Second
	tightRetryWindow         = 3 * time.Second
	maxTightRetries          = 5
	silenceDurationMs        = 20
)

type clientEvent struct {
	Type     string `json:"type"`
	Level    string `json:"level,omitempty"`
	Message  string `json:"message,omitempty"`
	UserID   string `json:"userId,omitempty"`
	SSRC     uint32 `json:"ssrc,omitempty"`
	Speaking bool   `json:"speaking,omitempty"`
}

type sessionCallbacks struct {
	onEvent    func(clientEvent)
	onUserPCM  func(userID string, pcm []int16)
	onMixedPCM func(pcm []int16)
	onUserOpus func(userID string, packet []byte)
}

type voiceSessionConfig struct {
	Endpoint  string
	ServerID  string
	ChannelID string
	UserID    string
	SessionID string
	Token     string

	DaveEnabled         bool
	OpusLibPath         string
	IterationIntervalMs int
	DSCPClass           int // 0 disables marking
	Timescale           uint64
}

type voiceOutPacket struct {
	packet   []byte
	duration uint64 // in timescale units
}

// mlsState bundles everything that only exists while DAVE is active.
// The session owns it; decryptors never outlive it.
type mlsState struct {
	session             *mlsSession
	encryptor           *encryptor
	decryptors          map[string]*decryptor
	privacyCode         string
	pendingTransitionID uint16
	cachedCommit        []byte
}

type voiceSession struct {
	cfg voiceConfigResolved
	cb  sessionCallbacks
	clk clock

	wsMu sync.Mutex
	ws   *websocket.Conn

	mu                sync.Mutex
	state             sessionState
	terminating       bool
	heartbeatInterval time.Duration
	lastHeartbeat     time.Time
	receiveSequence   int64
	canResume         bool

	ssrc        uint32
	serverAddr  *net.UDPAddr
	externalIP  string
	secretKey   []byte
	transport   *transportCipher
	daveVersion uint16

	udp *net.UDPConn

	sequence    uint16
	timestamp   uint32
	packetNonce uint32
	sending     bool
	paused      bool

	ssrcMap map[uint32]string

	mls *mlsState

	queueMu      sync.RWMutex
	messageQueue [][]byte

	streamMu      sync.Mutex
	outbuf        []voiceOutPacket
	tracks        uint32
	trackMeta     []string
	sendType      sendAudioType
	timescale     uint64
	lastTimestamp time.Time
	lastRemainder time.Duration
	outbufSignal  chan struct{}

	encoder *opusEncoderEngine
	courier *voiceCourier

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// voiceConfigResolved is voiceSessionConfig after defaults are applied.
type voiceConfigResolved struct {
	voiceSessionConfig
	sigKey ed25519.PrivateKey
}

func newVoiceSession(cfg voiceSessionConfig, cb sessionCallbacks) (*voiceSession, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("voice endpoint is required")
	}
	if cfg.Timescale == 0 {
		cfg.Timescale = 1000000000
	}

	resolved := voiceConfigResolved{voiceSessionConfig: cfg}
	if cfg.DaveEnabled {
		key, err := loadOrGeneratePersistedKeyPair(cfg.SessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load persisted key pair: %w", err)
		}
		resolved.sigKey = key
	}

	s := &voiceSession{
		cfg:             resolved,
		cb:              cb,
		clk:             realClock{},
		state:           stateConnecting,
		receiveSequence: -1,
		ssrcMap:         make(map[uint32]string),
		timescale:       cfg.Timescale,
		outbufSignal:    make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	s.courier = newVoiceCourier(cfg.IterationIntervalMs, cfg.OpusLibPath, courierCallbacks{
		onUserPCM:  cb.onUserPCM,
		onMixedPCM: cb.onMixedPCM,
	})
	return s, nil
}

func (s *voiceSession) Start() {
	s.courier.start()
	s.wg.Add(3)
	go s.runLoop()
	go s.oneSecondTimer()
	go s.writeReadyLoop()
}

func (s *voiceSession) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.terminating = true
		s.state = stateTerminated
		s.mu.Unlock()
		close(s.done)
		s.closeWebsocket()
		s.closeUDP()
	})
	s.wg.Wait()
	s.courier.stop()

	s.streamMu.Lock()
	encoder := s.encoder
	s.encoder = nil
	s.streamMu.Unlock()
	if encoder != nil {
		encoder.Close()
	}
}

func (s *voiceSession) closeWebsocket() {
	s.wsMu.Lock()
	if s.ws != nil {
		_ = s.ws.Close()
		s.ws = nil
	}
	s.wsMu.Unlock()
}

func (s *voiceSession) closeUDP() {
	s.mu.Lock()
	udp := s.udp
	s.udp = nil
	s.mu.Unlock()
	if udp != nil {
		_ = udp.Close()
	}
}

// runLoop owns the websocket: connect, read until failure, then sleep
// and retry. Five back-to-back failures inside the tight window give
// up.
func (s *voiceSession) runLoop() {
	defer s.wg.Done()

	tightRetries := 0
	for {
		select {
		case <-s.done:
			return
		default:
		}

		start := time.Now()
		err := s.connectAndRead()
		if err != nil {
			s.emitError("voice websocket: %v", err)
		}

		s.mu.Lock()
		terminating := s.terminating
		s.mu.Unlock()
		if terminating {
			return
		}

		if time.Since(start) < tightRetryWindow {
			tightRetries++
			if tightRetries >= maxTightRetries {
				s.emitError("giving up on voice connection after %d tight retries", tightRetries)
				s.terminate()
				return
			}
		} else {
			tightRetries = 0
		}

		s.mu.Lock()
		s.state = stateReconnecting
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		case <-time.After(reconnectSleep):
		}
	}
}

func (s *voiceSession) connectAndRead() error {
	u := url.URL{Scheme: "wss", Host: s.cfg.Endpoint, RawQuery: "v=8"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}

	s.wsMu.Lock()
	s.ws = conn
	s.wsMu.Unlock()

	s.mu.Lock()
	s.state = stateConnecting
	s.mu.Unlock()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				if s.handleCloseCode(ce.Code) {
					return nil
				}
			}
			return err
		}
		switch msgType {
		case websocket.TextMessage:
			if err := s.handleTextFrame(data); err != nil {
				s.emitError("text frame: %v", err)
			}
		case websocket.BinaryMessage:
			if err := s.handleBinaryFrame(data); err != nil {
				s.emitError("binary frame: %v", err)
			}
		}
	}
}

// handleCloseCode returns true when the close is fatal and the session
// should stop retrying. 4014 is the one recoverable server code.
func (s *voiceSession) handleCloseCode(code int) bool {
	logSession.Warningf("voice session close code %d", code)
	if code >= 4003 && code <= 4016 && code != 4014 {
		s.stopAudio()
		s.terminate()
		s.emitError("non-recoverable voice error %d, giving up", code)
		return true
	}
	return false
}

func (s *voiceSession) terminate() {
	s.mu.Lock()
	s.terminating = true
	s.state = stateTerminated
	s.mu.Unlock()
}

func (s *voiceSession) handleTextFrame(data []byte) error {
	var msg gatewayMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("malformed gateway message: %w", err)
	}
	if msg.Seq != nil {
		s.mu.Lock()
		s.receiveSequence = *msg.Seq
		s.mu.Unlock()
	}

	switch msg.Op {
	case opHello:
		return s.handleHello(msg.Data)
	case opReady:
		return s.handleReady(msg.Data)
	case opSessionDescription:
		return s.handleSessionDescription(msg.Data)
	case opHeartbeatAck:
		return nil
	case opResumed:
		s.mu.Lock()
		s.state = stateActive
		s.mu.Unlock()
		s.emitEvent(clientEvent{Type: "resumed", Level: "info", Message: "voice session resumed"})
		return nil
	case opSpeaking:
		return s.handleSpeaking(msg.Data)
	case opClientsConnect, opClientConnect:
		return s.handleClientConnect(msg.Data)
	case opClientDisconnect:
		return s.handleClientDisconnect(msg.Data)
	case opDavePrepareTransition:
		return s.handleDavePrepareTransition(msg.Data)
	case opDaveExecuteTransition:
		return s.handleDaveExecuteTransition(msg.Data)
	case opDavePrepareEpoch:
		return s.handleDavePrepareEpoch(msg.Data)
	default:
		logSession.Debugf("unhandled voice opcode %d", msg.Op)
		return nil
	}
}

func (s *voiceSession) handleHello(data json.RawMessage) error {
	var hello helloData
	if err := json.Unmarshal(data, &hello); err != nil {
		return err
	}

	s.mu.Lock()
	s.heartbeatInterval = time.Duration(hello.HeartbeatInterval) * time.Millisecond
	s.receiveSequence = -1
	canResume := s.canResume
	s.mu.Unlock()

	if canResume {
		s.mu.Lock()
		s.state = stateResuming
		seq := s.receiveSequence
		s.mu.Unlock()
		payload, err := marshalGatewayMessage(opResume, map[string]any{
			"server_id":  s.cfg.ServerID,
			"session_id": s.cfg.SessionID,
			"token":      s.cfg.Token,
			"seq_ack":    seq,
		})
		if err != nil {
			return err
		}
		return s.writeMessage(payload)
	}

	s.mu.Lock()
	s.state = stateIdentifying
	s.mu.Unlock()
	identify := map[string]any{
		"server_id":  s.cfg.ServerID,
		"user_id":    s.cfg.UserID,
		"session_id": s.cfg.SessionID,
		"token":      s.cfg.Token,
	}
	if s.cfg.DaveEnabled {
		identify["max_dave_protocol_version"] = maxSupportedDaveProtocolVersion
	} else {
		identify["max_dave_protocol_version"] = disabledDaveVersion
	}
	payload, err := marshalGatewayMessage(opIdentify, identify)
	if err != nil {
		return err
	}
	if err := s.writeMessage(payload); err != nil {
		return err
	}

	// Tell the server what kind of client this is; 0 is desktop.
	if platform, err := marshalGatewayMessage(opPlatform, map[string]any{"voice_platform": 0}); err == nil {
		s.queueMessage(platform, false)
	}
	return nil
}

func (s *voiceSession) handleReady(data json.RawMessage) error {
	var ready readyData
	if err := json.Unmarshal(data, &ready); err != nil {
		return err
	}

	serverAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ready.IP, strconv.Itoa(int(ready.Port))))
	if err != nil {
		return fmt.Errorf("%w: resolve %s:%d: %v", errTransportSetup, ready.IP, ready.Port, err)
	}

	s.mu.Lock()
	s.ssrc = ready.SSRC
	s.serverAddr = serverAddr
	s.state = stateReady
	s.canResume = true
	s.mu.Unlock()

	externalIP, externalPort, err := discoverIP(serverAddr, ready.SSRC)
	if err != nil {
		return err
	}
	if externalIP == "" {
		s.emitEvent(clientEvent{Type: "status", Level: "warn", Message: "IP discovery returned nothing"})
	}
	s.mu.Lock()
	s.externalIP = externalIP
	s.mu.Unlock()

	udp, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		return fmt.Errorf("%w: udp bind: %v", errTransportSetup, err)
	}
	if err := markVoiceSocketDSCP(udp, s.cfg.DSCPClass); err != nil {
		logSession.Warningf("could not set DSCP on media socket: %v", err)
	}
	s.mu.Lock()
	s.udp = udp
	s.mu.Unlock()
	s.wg.Add(1)
	go s.udpReadLoop(udp)

	payload, err := marshalGatewayMessage(opSelectProtocol, map[string]any{
		"protocol": "udp",
		"data": map[string]any{
			"address": externalIP,
			"port":    externalPort,
			"mode":    transportModeXChaCha,
		},
	})
	if err != nil {
		return err
	}
	s.emitEvent(clientEvent{Type: "status", Level: "info",
		Message: fmt.Sprintf("voice ready, ssrc %d, external %s:%d", ready.SSRC, externalIP, externalPort)})
	return s.writeMessage(payload)
}

func (s *voiceSession) handleSessionDescription(data json.RawMessage) error {
	var desc sessionDescriptionData
	if err := json.Unmarshal(data, &desc); err != nil {
		return err
	}
	if len(desc.SecretKey) != 32 {
		return fmt.Errorf("unexpected secret key size %d", len(desc.SecretKey))
	}

	transport, err := newTransportCipher(desc.SecretKey)
	if err != nil {
		return err
	}

	daveVersion := uint16(disabledDaveVersion)
	if desc.DaveProtocolVersion != nil {
		daveVersion = *desc.DaveProtocolVersion
	}

	s.mu.Lock()
	s.secretKey = append([]byte(nil), desc.SecretKey...)
	s.transport = transport
	s.state = stateDescribed
	s.mu.Unlock()

	if s.cfg.DaveEnabled && daveVersion == maxSupportedDaveProtocolVersion {
		if err := s.initMLS(daveVersion); err != nil {
			return err
		}
	} else {
		// Server did not agree to the requested protocol; run without
		// the end-to-end layer.
		s.mu.Lock()
		s.daveVersion = disabledDaveVersion
		s.state = stateActive
		s.mu.Unlock()
		s.sendSilence(silenceDurationMs)
	}
	return nil
}

func (s *voiceSession) initMLS(daveVersion uint16) error {
	groupID, err := strconv.ParseUint(s.cfg.ChannelID, 10, 64)
	if err != nil {
		return fmt.Errorf("channel id is not numeric: %w", err)
	}

	mls := newMLSSession(func(op string, err error) {
		s.emitError("mls %s failed: %v", op, err)
	})
	if err := mls.init(daveVersion, groupID, s.cfg.UserID, s.cfg.sigKey); err != nil {
		return err
	}

	enc := newEncryptor(s.clk)

	s.mu.Lock()
	enc.assignSSRCToCodec(s.ssrc, codecOpus)
	s.daveVersion = daveVersion
	s.mls = &mlsState{
		session:    mls,
		encryptor:  enc,
		decryptors: make(map[string]*decryptor),
	}
	s.state = stateActive
	s.mu.Unlock()

	keyPackage, err := mls.marshalKeyPackage()
	if err != nil {
		return err
	}
	return s.writeBinaryMessage(buildDaveBinaryMessage(opDaveMLSKeyPackage, keyPackage))
}

func (s *voiceSession) handleSpeaking(data json.RawMessage) error {
	var speaking speakingData
	if err := json.Unmarshal(data, &speaking); err != nil {
		return err
	}
	if speaking.UserID != "" {
		s.mu.Lock()
		s.ssrcMap[speaking.SSRC] = speaking.UserID
		s.mu.Unlock()
	}
	s.emitEvent(clientEvent{Type: "speaking", UserID: speaking.UserID, SSRC: speaking.SSRC, Speaking: speaking.Speaking != 0})
	return nil
}

func (s *voiceSession) handleClientConnect(data json.RawMessage) error {
	var connect clientConnectData
	if err := json.Unmarshal(data, &connect); err != nil {
		return err
	}
	if connect.UserID != "" && connect.AudioSSRC != 0 {
		s.mu.Lock()
		s.ssrcMap[connect.AudioSSRC] = connect.UserID
		s.mu.Unlock()
	}
	return nil
}

func (s *voiceSession) handleClientDisconnect(data json.RawMessage) error {
	var disconnect clientDisconnectData
	if err := json.Unmarshal(data, &disconnect); err != nil {
		return err
	}

	s.mu.Lock()
	for ssrc, user := range s.ssrcMap {
		if user == disconnect.UserID {
			delete(s.ssrcMap, ssrc)
		}
	}
	if s.mls != nil {
		delete(s.mls.decryptors, disconnect.UserID)
	}
	s.mu.Unlock()

	s.courier.dropUser(disconnect.UserID)
	s.emitEvent(clientEvent{Type: "disconnect", UserID: disconnect.UserID})
	return nil
}

func (s *voiceSession) handleDavePrepareTransition(data json.RawMessage) error {
	var td transitionData
	if err := json.Unmarshal(data, &td); err != nil {
		return err
	}
	s.mu.Lock()
	if s.mls != nil {
		s.mls.pendingTransitionID = td.TransitionID
		if td.TransitionID != initTransitionID {
			// Open a passthrough window so peers that already moved on
			// are still audible until the transition executes.
			for _, d := range s.mls.decryptors {
				d.transitionToPassthroughMode(true, defaultTransitionExpiry)
			}
		}
	}
	s.mu.Unlock()
	return s.queueTransitionReady(td.TransitionID)
}

func (s *voiceSession) handleDaveExecuteTransition(data json.RawMessage) error {
	var td transitionData
	if err := json.Unmarshal(data, &td); err != nil {
		return err
	}

	s.mu.Lock()
	mls := s.mls
	if mls != nil && mls.pendingTransitionID == td.TransitionID {
		for _, d := range mls.decryptors {
			d.transitionToPassthroughMode(false, defaultTransitionExpiry)
		}
		if mls.encryptor != nil {
			mls.encryptor.setPassthroughMode(false)
		}
	}
	s.mu.Unlock()
	return s.queueTransitionReady(td.TransitionID)
}

func (s *voiceSession) queueTransitionReady(transitionID uint16) error {
	payload, err := marshalGatewayMessage(opDaveTransitionReady, transitionData{TransitionID: transitionID})
	if err != nil {
		return err
	}
	s.queueMessage(payload, true)
	return nil
}

func (s *voiceSession) handleDavePrepareEpoch(data json.RawMessage) error {
	var pe prepareEpochData
	if err := json.Unmarshal(data, &pe); err != nil {
		return err
	}
	if pe.Epoch != 1 {
		return nil
	}

	// Epoch one means a brand-new group: reset and start over at the
	// highest protocol version we speak.
	s.mu.Lock()
	mls := s.mls
	s.mu.Unlock()
	if mls == nil {
		return nil
	}
	mls.session.reset()
	groupID, err := strconv.ParseUint(s.cfg.ChannelID, 10, 64)
	if err != nil {
		return err
	}
	if err := mls.session.init(maxSupportedDaveProtocolVersion, groupID, s.cfg.UserID, s.cfg.sigKey); err != nil {
		return err
	}
	keyPackage, err := mls.session.marshalKeyPackage()
	if err != nil {
		return err
	}
	return s.writeBinaryMessage(buildDaveBinaryMessage(opDaveMLSKeyPackage, keyPackage))
}

func (s *voiceSession) handleBinaryFrame(data []byte) error {
	frame, err := parseDaveBinaryFrame(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.receiveSequence = int64(frame.seq)
	mls := s.mls
	s.mu.Unlock()
	if mls == nil {
		return fmt.Errorf("binary frame %d before dave session exists", frame.opcode)
	}

	switch frame.opcode {
	case opDaveMLSExternalSender:
		mls.session.setExternalSender(frame.payload)
		return nil
	case opDaveMLSProposals:
		return s.handleMLSProposals(mls, frame.payload)
	case opDaveMLSAnnounceCommit:
		return s.handleMLSAnnounceCommit(mls, frame.payload)
	case opDaveMLSWelcome:
		return s.handleMLSWelcome(mls, frame.payload)
	case opDaveMLSInvalidCommitWelcome:
		return s.handleMLSInvalidCommitWelcome(mls, frame.payload)
	default:
		logSession.Debugf("unhandled dave binary opcode %d", frame.opcode)
		return nil
	}
}

func (s *voiceSession) recognizedUserIDs() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	recognized := map[string]bool{s.cfg.UserID: true}
	for _, user := range s.ssrcMap {
		recognized[user] = true
	}
	return recognized
}

func (s *voiceSession) handleMLSProposals(mls *mlsState, payload []byte) error {
	commit, err := mls.session.processProposals(payload, s.recognizedUserIDs())
	if err != nil {
		return err
	}
	if commit == nil {
		return nil
	}
	s.mu.Lock()
	mls.cachedCommit = commit
	s.mu.Unlock()
	return s.writeBinaryMessage(buildDaveBinaryMessage(opDaveMLSCommitMessage, commit))
}

func (s *voiceSession) handleMLSAnnounceCommit(mls *mlsState, payload []byte) error {
	s.mu.Lock()
	commit := mls.cachedCommit
	mls.cachedCommit = nil
	s.mu.Unlock()
	if commit == nil {
		commit = payload
	}

	if _, err := mls.session.processCommit(commit); err != nil {
		if err == errMLSIgnored {
			return nil
		}
		return err
	}
	return s.installRatchets(mls)
}

func (s *voiceSession) handleMLSWelcome(mls *mlsState, payload []byte) error {
	transitionID, welcome, err := welcomeTransitionID(payload)
	if err != nil {
		return err
	}
	if _, err := mls.session.processWelcome(welcome, s.recognizedUserIDs()); err != nil {
		return err
	}
	s.mu.Lock()
	mls.pendingTransitionID = transitionID
	s.mu.Unlock()
	if err := s.installRatchets(mls); err != nil {
		return err
	}
	return s.queueTransitionReady(transitionID)
}

// handleMLSInvalidCommitWelcome records the failed transition and
// starts over with a fresh key package so the server can re-add us.
func (s *voiceSession) handleMLSInvalidCommitWelcome(mls *mlsState, payload []byte) error {
	if transitionID, _, err := welcomeTransitionID(payload); err == nil {
		s.mu.Lock()
		mls.pendingTransitionID = transitionID
		s.mu.Unlock()
	}
	logMLS.Warning("server rejected our commit or welcome, resetting mls state")
	mls.session.reset()
	groupID, err := strconv.ParseUint(s.cfg.ChannelID, 10, 64)
	if err != nil {
		return err
	}
	if err := mls.session.init(maxSupportedDaveProtocolVersion, groupID, s.cfg.UserID, s.cfg.sigKey); err != nil {
		return err
	}
	keyPackage, err := mls.session.marshalKeyPackage()
	if err != nil {
		return err
	}
	return s.writeBinaryMessage(buildDaveBinaryMessage(opDaveMLSKeyPackage, keyPackage))
}

// installRatchets re-points every member's decryptor and our encryptor
// at the ratchets of the epoch we just entered.
func (s *voiceSession) installRatchets(mls *mlsState) error {
	for _, userID := range mls.session.memberIDs() {
		if userID == s.cfg.UserID {
			continue
		}
		ratchet, err := mls.session.keyRatchet(userID)
		if err != nil {
			return err
		}
		s.mu.Lock()
		d, ok := mls.decryptors[userID]
		if !ok {
			d = newDecryptor(s.clk)
			mls.decryptors[userID] = d
		}
		s.mu.Unlock()
		d.transitionToKeyRatchet(ratchet, defaultTransitionExpiry)
	}

	selfRatchet, err := mls.session.keyRatchet(s.cfg.UserID)
	if err != nil {
		return err
	}
	mls.encryptor.setKeyRatchet(selfRatchet)

	auth := mls.session.lastEpochAuthenticator()
	code := generateDisplayableCode(auth, 30)
	s.mu.Lock()
	mls.privacyCode = code
	s.mu.Unlock()
	if code != "" {
		s.emitEvent(clientEvent{Type: "privacy_code", Message: code})
	}
	return nil
}

func (s *voiceSession) isEndToEndEncrypted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mls != nil && s.mls.privacyCode != ""
}

func (s *voiceSession) privacyCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mls == nil {
		return ""
	}
	return s.mls.privacyCode
}

func (s *voiceSession) userPrivacyCode(userID string) string {
	s.mu.Lock()
	mls := s.mls
	s.mu.Unlock()
	if mls == nil || !s.isEndToEndEncrypted() {
		return ""
	}
	data := mls.session.pairwiseFingerprint(0x0000, userID)
	if len(data) != 64 {
		return ""
	}
	return generateDisplayableCode(data, 45)
}

// setUserGain parks an OPUS_SET_GAIN ctl for the speaker; it takes
// effect before their next decode even if the decoder does not exist
// yet.
func (s *voiceSession) setUserGain(userID string, factor float64) {
	if factor < 0 {
		return
	}
	var gain int16
	if factor == 0 {
		// log10(0) is undefined; clamp to the opus minimum, which mutes.
		gain = math.MinInt16
	} else {
		gain = int16(math.Log10(factor) * 20.0 * 256.0)
	}
	s.courier.queueDecoderCtl(userID, func(dec *opusDecoderEngine) {
		if err := dec.SetGain(gain); err != nil {
			logCourier.Warningf("set gain failed for %s: %v", userID, err)
		}
	})
}

// oneSecondTimer drives heartbeats and the outbound message rate
// limiter: one message on odd seconds, two on even.
func (s *voiceSession) oneSecondTimer() {
	defer s.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			terminating := s.terminating
			state := s.state
			interval := s.heartbeatInterval
			last := s.lastHeartbeat
			seq := s.receiveSequence
			s.mu.Unlock()
			if terminating {
				return
			}
			if state != stateActive && state != stateDescribed && state != stateReady {
				continue
			}

			allowed := 1
			if now.Unix()%2 == 0 {
				allowed = 2
			}
			for i := 0; i < allowed; i++ {
				msg := s.dequeueMessage()
				if msg == nil {
					break
				}
				if err := s.writeMessage(msg); err != nil {
					s.emitError("failed to write queued message: %v", err)
					break
				}
			}

			if interval > 0 && now.Sub(last) > time.Duration(float64(interval)*0.75) {
				payload, err := marshalGatewayMessage(opHeartbeat, map[string]any{
					"t":       rand.Int63(),
					"seq_ack": seq,
				})
				if err == nil {
					s.queueMessage(payload, true)
					s.mu.Lock()
					s.lastHeartbeat = now
					s.mu.Unlock()
				}
			}
		}
	}
}

func (s *voiceSession) queueMessage(payload []byte, toFront bool) {
	s.queueMu.Lock()
	if toFront {
		s.messageQueue = append([][]byte{payload}, s.messageQueue...)
	} else {
		s.messageQueue = append(s.messageQueue, payload)
	}
	s.queueMu.Unlock()
}

func (s *voiceSession) dequeueMessage() []byte {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.messageQueue) == 0 {
		return nil
	}
	msg := s.messageQueue[0]
	s.messageQueue = s.messageQueue[1:]
	return msg
}

func (s *voiceSession) queueSize() int {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	return len(s.messageQueue)
}

func (s *voiceSession) writeMessage(payload []byte) error {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	if s.ws == nil {
		return fmt.Errorf("websocket is not connected")
	}
	return s.ws.WriteMessage(websocket.TextMessage, payload)
}

func (s *voiceSession) writeBinaryMessage(payload []byte) error {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	if s.ws == nil {
		return fmt.Errorf("websocket is not connected")
	}
	return s.ws.WriteMessage(websocket.BinaryMessage, payload)
}

func (s *voiceSession) emitEvent(event clientEvent) {
	if s.cb.onEvent != nil {
		s.cb.onEvent(event)
	}
}

func (s *voiceSession) emitError(format string, args ...any) {
	logSession.Errorf(format, args...)
	s.emitEvent(clientEvent{
		Type:    "status",
		Level:   "error",
		Message: fmt.Sprintf(format, args...),
	})
}
