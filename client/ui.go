package client

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jroimartin/gocui"
)

// initGui initializes the gocui screen and keybindings
func (app *App) initGui() error {
	g, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return fmt.Errorf("failed to initialize gocui: %w", err)
	}
	app.gui = g
	g.SetManagerFunc(app.layout)

	bindings := []struct {
		key     interface{}
		handler func(*gocui.Gui, *gocui.View) error
	}{
		{gocui.KeyCtrlC, app.quit},
		{'q', app.quit},
		{gocui.KeyArrowUp, app.selectPrevious},
		{gocui.KeyArrowDown, app.selectNext},
		{'v', app.verifySelected},
		{'r', app.rotateNow},
		{'y', app.confirmMatch},
		{'n', app.confirmMismatch},
	}
	for _, b := range bindings {
		if err := g.SetKeybinding("", b.key, gocui.ModNone, b.handler); err != nil {
			return fmt.Errorf("failed to set keybinding: %w", err)
		}
	}
	return nil
}

// Layout function for the UI
func (app *App) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()
	split := maxX / 3
	if split < 24 {
		split = 24
	}

	if v, err := g.SetView("participants", 0, 0, split, maxY-8); err != nil {
		if !errors.Is(err, gocui.ErrUnknownView) {
			return err
		}
		v.Title = "Room " + app.room
		v.Wrap = false
	}

	if v, err := g.SetView("log", split+1, 0, maxX-1, maxY-8); err != nil {
		if !errors.Is(err, gocui.ErrUnknownView) {
			return err
		}
		v.Title = "Events"
		v.Autoscroll = true
		v.Wrap = true
	}

	if v, err := g.SetView("verify", 0, maxY-7, maxX-1, maxY-1); err != nil {
		if !errors.Is(err, gocui.ErrUnknownView) {
			return err
		}
		v.Title = "Verification"
		v.Wrap = true
	}

	return app.redraw(g)
}

// refreshUI schedules a redraw from any goroutine.
func (app *App) refreshUI() {
	app.mutex.Lock()
	gui, done := app.gui, app.uiDone
	app.mutex.Unlock()
	if gui == nil || done {
		return
	}
	gui.Update(app.redraw)
}

func (app *App) redraw(g *gocui.Gui) error {
	app.mutex.Lock()
	defer app.mutex.Unlock()

	if v, err := g.View("participants"); err == nil {
		v.Clear()
		fmt.Fprintf(v, "  %s (you)\n", app.localID)
		peers := app.sortedPeers()
		if app.selected >= len(peers) {
			app.selected = 0
		}
		for i, id := range peers {
			marker := "  "
			if i == app.selected {
				marker = "> "
			}
			fmt.Fprintf(v, "%s%s %s\n", marker, id, app.statusLabel(id))
		}
	}

	if v, err := g.View("log"); err == nil {
		v.Clear()
		for _, line := range app.logLines {
			fmt.Fprintln(v, line)
		}
	}

	if v, err := g.View("verify"); err == nil {
		v.Clear()
		if app.prompt == nil {
			fmt.Fprintln(v, "arrows: select peer   v: verify   r: rotate key   q: quit")
		} else {
			codes := app.prompt.codes
			var glyphs, names []string
			for _, gl := range codes.Emoji {
				glyphs = append(glyphs, gl.Emoji)
				names = append(names, gl.Name)
			}
			fmt.Fprintf(v, "Comparing with %s\n", app.prompt.peerID)
			fmt.Fprintf(v, "Decimal: %04d %04d %04d\n", codes.Decimal[0], codes.Decimal[1], codes.Decimal[2])
			fmt.Fprintf(v, "Emoji:   %s\n", strings.Join(glyphs, " "))
			fmt.Fprintf(v, "         %s\n", strings.Join(names, ", "))
			fmt.Fprintln(v, "Do the codes match? y / n")
		}
	}

	return nil
}

// sortedPeers must be called with the mutex held.
func (app *App) sortedPeers() []string {
	peers := make([]string, 0, len(app.status))
	for id := range app.status {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// statusLabel must be called with the mutex held.
func (app *App) statusLabel(participantID string) string {
	st := app.status[participantID]
	if st == nil || !st.secure {
		return "[handshaking]"
	}
	label := "[secure"
	if st.hasKey {
		label += fmt.Sprintf(" key#%d", st.keyIndex)
	}
	if st.verified {
		label += " verified"
	}
	return label + "]"
}

func (app *App) selectPrevious(g *gocui.Gui, _ *gocui.View) error {
	app.mutex.Lock()
	if app.selected > 0 {
		app.selected--
	}
	app.mutex.Unlock()
	return app.redraw(g)
}

func (app *App) selectNext(g *gocui.Gui, _ *gocui.View) error {
	app.mutex.Lock()
	if app.selected < len(app.status)-1 {
		app.selected++
	}
	app.mutex.Unlock()
	return app.redraw(g)
}

// verifySelected starts a SAS verification with the highlighted peer
func (app *App) verifySelected(g *gocui.Gui, _ *gocui.View) error {
	app.mutex.Lock()
	peers := app.sortedPeers()
	var peerID string
	if app.selected < len(peers) {
		peerID = peers[app.selected]
	}
	app.mutex.Unlock()

	if peerID == "" {
		return nil
	}
	if err := app.manager.StartVerification(peerID); err != nil {
		app.logger.Errorf("Error starting verification with %s: %v", peerID, err)
	}
	return nil
}

func (app *App) rotateNow(g *gocui.Gui, _ *gocui.View) error {
	go app.rotateKey()
	return nil
}

func (app *App) confirmMatch(g *gocui.Gui, _ *gocui.View) error {
	return app.confirm(true)
}

func (app *App) confirmMismatch(g *gocui.Gui, _ *gocui.View) error {
	return app.confirm(false)
}

func (app *App) confirm(matched bool) error {
	app.mutex.Lock()
	prompt := app.prompt
	app.mutex.Unlock()
	if prompt == nil {
		return nil
	}

	if err := app.manager.ConfirmVerification(prompt.peerID, matched); err != nil {
		app.logger.Errorf("Error confirming verification with %s: %v", prompt.peerID, err)
		return nil
	}
	if matched {
		app.logger.Infof("Waiting for %s to confirm", prompt.peerID)
	}
	return nil
}

// quit handles quitting the application
func (app *App) quit(_ *gocui.Gui, _ *gocui.View) error {
	return gocui.ErrQuit
}
