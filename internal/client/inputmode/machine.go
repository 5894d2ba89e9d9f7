// Package inputmode owns the client's input state: whether a session is
// running or paused, and which of microphone and keyboard input is enabled.
//
// The microphone and the keyboard are mutually exclusive. The machine
// remembers the microphone setting across a pause and across a switch to
// keyboard input so it can be restored afterwards. All state changes go
// through the transition methods; collaborators (elapsed timer, chat
// history, capture gate) are injected and notified synchronously.
//
// A Machine is not safe for concurrent use. The owner drives it from a single
// goroutine.
package inputmode

import (
	"errors"
	"log/slog"
)

// Transition errors. A rejected transition leaves the state untouched.
var (
	// ErrPaused is returned by input toggles while the session is paused.
	ErrPaused = errors.New("inputmode: session is paused")

	// ErrNoSession is returned by TogglePause when no session is running.
	ErrNoSession = errors.New("inputmode: no active session")
)

// Timer is the elapsed-time counter driven by session transitions.
type Timer interface {
	Reset()
	Start()
	Stop()
}

// History is the conversation log cleared when a session ends. A lost
// session leaves it alone.
type History interface {
	Clear()
}

// MicObserver is called whenever the effective microphone setting changes.
// It typically starts or stops the capture pipeline.
type MicObserver func(enabled bool)

// State is a snapshot of the machine.
type State struct {
	SessionActive   bool
	Paused          bool
	MicEnabled      bool
	KeyboardEnabled bool
}

// Muted reports whether the microphone indicator should show muted.
func (s State) Muted() bool { return !s.MicEnabled || s.Paused }

// Animate reports whether the level visualiser should animate.
func (s State) Animate() bool { return !s.Paused && s.MicEnabled }

// Option configures a Machine.
type Option func(*Machine)

// WithTimer sets the elapsed-time counter. Default: a fresh [ElapsedTimer].
func WithTimer(t Timer) Option {
	return func(m *Machine) { m.timer = t }
}

// WithHistory sets the conversation log cleared by EndSession.
func WithHistory(h History) Option {
	return func(m *Machine) { m.history = h }
}

// WithMicObserver registers fn to be told about microphone changes.
func WithMicObserver(fn MicObserver) Option {
	return func(m *Machine) { m.onMic = fn }
}

// Machine is the input-mode state machine.
type Machine struct {
	timer   Timer
	history History
	onMic   MicObserver

	active   bool
	paused   bool
	mic      bool
	keyboard bool

	micBeforePause    bool
	micBeforeKeyboard bool
}

// New returns an idle Machine with microphone and keyboard disabled.
func New(opts ...Option) *Machine {
	m := &Machine{}
	for _, o := range opts {
		o(m)
	}
	if m.timer == nil {
		m.timer = NewElapsedTimer()
	}
	return m
}

// State returns a snapshot of the current state.
func (m *Machine) State() State {
	return State{
		SessionActive:   m.active,
		Paused:          m.paused,
		MicEnabled:      m.mic,
		KeyboardEnabled: m.keyboard,
	}
}

// Muted reports whether the microphone indicator should show muted.
func (m *Machine) Muted() bool { return m.State().Muted() }

// Animate reports whether the level visualiser should animate.
func (m *Machine) Animate() bool { return m.State().Animate() }

// Timer returns the elapsed-time counter in use.
func (m *Machine) Timer() Timer { return m.timer }

// ── Transitions ──────────────────────────────────────────────────────────────

// StartSession begins a session with the microphone on and the keyboard off,
// and restarts the elapsed-time counter from zero.
func (m *Machine) StartSession() {
	m.active = true
	m.paused = false
	m.keyboard = false
	m.setMic(true)
	m.timer.Reset()
	m.timer.Start()
	slog.Debug("session started")
}

// TogglePause pauses or resumes the running session.
//
// Pausing remembers the microphone setting, turns the microphone off, and
// stops the counter. The keyboard is left as is. Resuming turns the
// microphone back on only if it was on before the pause and the keyboard is
// off; the counter always restarts.
func (m *Machine) TogglePause() error {
	if !m.active {
		return ErrNoSession
	}
	if !m.paused {
		m.micBeforePause = m.mic
		m.paused = true
		m.setMic(false)
		m.timer.Stop()
		slog.Debug("session paused", "mic_before", m.micBeforePause)
		return nil
	}

	m.paused = false
	if !m.keyboard && m.micBeforePause {
		m.setMic(true)
	}
	m.timer.Start()
	slog.Debug("session resumed", "mic", m.mic)
	return nil
}

// EndSession returns to idle with both inputs off, clears the conversation
// history, and zeroes the counter. It is valid in any state.
func (m *Machine) EndSession() {
	m.keyboard = false
	m.goIdle()
	if m.history != nil {
		m.history.Clear()
	}
	m.timer.Reset()
	slog.Debug("session ended")
}

// LoseSession returns to idle after the connection dropped underneath a
// running session. The microphone goes off and the counter stops at its
// current value. The keyboard setting and the conversation history are kept
// so the user can keep typing or start again. It is valid in any state.
func (m *Machine) LoseSession() {
	m.goIdle()
	m.timer.Stop()
	slog.Debug("session lost", "keyboard", m.keyboard)
}

func (m *Machine) goIdle() {
	m.active = false
	m.paused = false
	m.micBeforePause = false
	m.micBeforeKeyboard = false
	m.setMic(false)
}

// ToggleKeyboard switches keyboard input on or off. Enabling remembers the
// microphone setting and turns the microphone off; disabling restores it.
// Enabling is rejected with [ErrPaused] while paused. Disabling while paused
// defers the restore to the resume.
func (m *Machine) ToggleKeyboard() error {
	if m.keyboard {
		m.keyboard = false
		switch {
		case m.paused:
			m.micBeforePause = m.micBeforeKeyboard
		case m.micBeforeKeyboard:
			m.setMic(true)
		}
		return nil
	}
	if m.paused {
		return ErrPaused
	}
	m.micBeforeKeyboard = m.mic
	m.setMic(false)
	m.keyboard = true
	return nil
}

// ToggleMic flips the microphone. Turning it on turns the keyboard off.
// Rejected with [ErrPaused] while paused.
func (m *Machine) ToggleMic() error {
	if m.paused {
		return ErrPaused
	}
	if m.mic {
		m.setMic(false)
		return nil
	}
	m.keyboard = false
	m.setMic(true)
	return nil
}

func (m *Machine) setMic(on bool) {
	if m.mic == on {
		return
	}
	m.mic = on
	if m.onMic != nil {
		m.onMic(on)
	}
}
