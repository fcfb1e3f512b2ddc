package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jroimartin/gocui"
	"github.com/sirupsen/logrus"

	"conference-e2ee/conference"
	"conference-e2ee/configs"
	"conference-e2ee/crypto/aes256"
	"conference-e2ee/crypto/key_ed25519"
	"conference-e2ee/e2ee"
)

// maxLogLines bounds the event log kept for the UI.
const maxLogLines = 200

// App is the demo TUI participant: it joins a room, bootstraps the e2ee
// manager and renders the roster with channel and verification status.
type App struct {
	gui *gocui.Gui

	serverAddr  string
	room        string
	localID     string
	identity    *key_ed25519.Pair
	rotateEvery time.Duration

	signaling *conference.Client
	manager   *e2ee.Manager
	logger    *logrus.Logger

	mutex    sync.Mutex
	logLines []string
	status   map[string]*peerStatus
	selected int
	prompt   *sasPrompt
	uiDone   bool

	done chan struct{}
	wg   sync.WaitGroup
}

type peerStatus struct {
	secure   bool
	verified bool
	hasKey   bool
	keyIndex int
}

type sasPrompt struct {
	peerID string
	codes  e2ee.SasCodes
}

// NewApp prepares a participant app. identity nil generates a fresh
// long-term key; rotateEvery zero disables periodic key rotation.
func NewApp(serverAddr, room, localID string, identity *key_ed25519.Pair, rotateEvery time.Duration) *App {
	app := &App{
		serverAddr:  serverAddr,
		room:        room,
		localID:     localID,
		identity:    identity,
		rotateEvery: rotateEvery,
		status:      make(map[string]*peerStatus),
		done:        make(chan struct{}),
	}
	// Route log lines into the event log view instead of the terminal the
	// UI is drawing on.
	app.logger = logrus.New()
	app.logger.SetOutput(app)
	app.logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return app
}

// Run joins the room and blocks in the UI main loop until the user quits.
func (app *App) Run() error {
	if err := app.initGui(); err != nil {
		return err
	}
	defer app.gui.Close()

	signaling, err := conference.Dial(app.serverAddr, app.room, app.localID, []string{configs.FeatureE2EE}, conference.Handlers{
		OnMessage:  app.onSignal,
		OnJoined:   app.onJoined,
		OnLeft:     app.onLeft,
		OnProperty: app.onProperty,
		OnClosed:   app.onConnectionClosed,
	}, app.logger)
	if err != nil {
		return err
	}
	app.signaling = signaling

	manager, err := e2ee.NewManager(signaling, app.identity, app.logger)
	if err != nil {
		signaling.Close()
		return err
	}
	app.mutex.Lock()
	app.manager = manager
	for _, id := range signaling.Participants() {
		app.ensureStatus(id)
	}
	app.mutex.Unlock()

	if err := manager.Bootstrap(); err != nil {
		signaling.Close()
		return err
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.eventLoop()
	}()
	if app.rotateEvery > 0 {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.rotateLoop()
		}()
	}

	err = app.gui.MainLoop()
	if err == gocui.ErrQuit {
		err = nil
	}

	app.mutex.Lock()
	app.uiDone = true
	app.mutex.Unlock()

	manager.OnLocalLeft()
	signaling.Close()
	close(app.done)
	app.wg.Wait()
	return err
}

// e2ee returns the manager once it is wired; frames arriving before that
// are dropped and recovered by the protocol's retries.
func (app *App) e2ee() *e2ee.Manager {
	app.mutex.Lock()
	defer app.mutex.Unlock()
	return app.manager
}

func (app *App) onSignal(from string, payload []byte) {
	if m := app.e2ee(); m != nil {
		m.HandleMessage(from, payload)
	}
}

func (app *App) onJoined(p conference.Participant) {
	app.mutex.Lock()
	app.ensureStatus(p.ID)
	app.mutex.Unlock()
	app.logger.Infof("%s joined the room", p.ID)
	app.refreshUI()
}

func (app *App) onLeft(participantID string) {
	if m := app.e2ee(); m != nil {
		m.OnParticipantLeft(participantID)
	}
	app.mutex.Lock()
	delete(app.status, participantID)
	if app.prompt != nil && app.prompt.peerID == participantID {
		app.prompt = nil
	}
	app.mutex.Unlock()
	app.logger.Infof("%s left the room", participantID)
	app.refreshUI()
}

func (app *App) onProperty(participantID, name, value string) {
	app.mutex.Lock()
	app.ensureStatus(participantID)
	app.mutex.Unlock()
	if m := app.e2ee(); m != nil {
		m.OnPropertyChanged(participantID, name, value)
	}
	app.refreshUI()
}

func (app *App) onConnectionClosed(err error) {
	app.logger.Warn("Signaling connection closed")
}

// eventLoop consumes manager notifications until the events channel closes.
func (app *App) eventLoop() {
	for ev := range app.manager.Events() {
		app.handleEvent(ev)
	}
}

func (app *App) handleEvent(ev e2ee.Event) {
	app.mutex.Lock()
	st := app.ensureStatus(ev.PeerID)

	switch ev.Kind {
	case e2ee.EventChannelReady:
		st.secure = true
		app.mutex.Unlock()
		app.logger.Infof("Secure channel with %s established", ev.PeerID)

	case e2ee.EventKeyUpdated:
		st.hasKey = true
		st.keyIndex = ev.Index
		app.mutex.Unlock()
		app.logger.Infof("Media key #%d received from %s", ev.Index, ev.PeerID)

	case e2ee.EventSasReady:
		app.prompt = &sasPrompt{peerID: ev.PeerID, codes: *ev.Sas}
		app.mutex.Unlock()
		app.logger.Infof("Compare the codes with %s, then press y or n", ev.PeerID)

	case e2ee.EventVerificationCompleted:
		st.verified = ev.Success
		if app.prompt != nil && app.prompt.peerID == ev.PeerID {
			app.prompt = nil
		}
		app.mutex.Unlock()
		if ev.Success {
			app.logger.Infof("Verification with %s succeeded", ev.PeerID)
		} else {
			app.logger.Warnf("Verification with %s failed: %s", ev.PeerID, ev.ErrorKind)
		}

	default:
		app.mutex.Unlock()
	}

	app.refreshUI()
}

// rotateLoop replaces the local media key on a fixed period.
func (app *App) rotateLoop() {
	ticker := time.NewTicker(app.rotateEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			app.rotateKey()
		case <-app.done:
			return
		}
	}
}

func (app *App) rotateKey() {
	classical, err := aes256.NewKey()
	if err != nil {
		app.logger.Errorf("Error generating media key: %v", err)
		return
	}
	pq, err := aes256.NewKey()
	if err != nil {
		app.logger.Errorf("Error generating media key: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), configs.RequestTimeout)
	defer cancel()
	index, _, err := app.manager.RotateKey(ctx, classical, pq)
	if err != nil {
		app.logger.Errorf("Error rotating media key: %v", err)
		return
	}
	app.logger.Infof("Rotated media key to #%d", index)
	app.refreshUI()
}

// ensureStatus must be called with the mutex held.
func (app *App) ensureStatus(participantID string) *peerStatus {
	st, ok := app.status[participantID]
	if !ok {
		st = &peerStatus{}
		app.status[participantID] = st
	}
	return st
}

// Write feeds logrus output into the UI event log.
func (app *App) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	if line == "" {
		return len(p), nil
	}

	app.mutex.Lock()
	app.logLines = append(app.logLines, line)
	if len(app.logLines) > maxLogLines {
		app.logLines = app.logLines[len(app.logLines)-maxLogLines:]
	}
	app.mutex.Unlock()

	app.refreshUI()
	return len(p), nil
}
