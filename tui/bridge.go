package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"webm-converter/encoder"
)

// Bridge forwards controller callbacks into the Bubble Tea event loop. It is an
// encoder.Observer and an encoder.Confirmer.
type Bridge struct {
	mu   sync.RWMutex
	send func(tea.Msg)
}

// NewBridge returns a bridge that drops messages until Attach is called.
func NewBridge() *Bridge {
	return &Bridge{}
}

// Attach routes messages to send, normally (*tea.Program).Send.
func (b *Bridge) Attach(send func(tea.Msg)) {
	b.mu.Lock()
	b.send = send
	b.mu.Unlock()
}

func (b *Bridge) post(msg tea.Msg) bool {
	b.mu.RLock()
	send := b.send
	b.mu.RUnlock()
	if send == nil {
		return false
	}
	send(msg)
	return true
}

func (b *Bridge) OnProgress(p encoder.Progress) { b.post(ProgressMsg(p)) }

func (b *Bridge) OnTerminal(o encoder.Outcome) { b.post(TerminalMsg(o)) }

// ConfirmOverwrite blocks until the user answers the prompt. Without an attached
// program the answer is no.
func (b *Bridge) ConfirmOverwrite(path string) bool {
	reply := make(chan bool, 1)
	if !b.post(ConfirmRequestMsg{Path: path, Reply: reply}) {
		return false
	}
	return <-reply
}
