package main

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"

	"github.com/charmbracelet/lipgloss"
)

var (
	accent  = lipgloss.Color("#22d3ee")
	green   = lipgloss.Color("#10B981")
	amber   = lipgloss.Color("#F59E0B")
	red     = lipgloss.Color("#EF4444")
	gray    = lipgloss.Color("#6B7280")
	magenta = lipgloss.Color("#7C3AED")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(accent)
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(green)
	warningStyle = lipgloss.NewStyle().Foreground(amber)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(red)
	mutedStyle   = lipgloss.NewStyle().Foreground(gray)
	teacherStyle = lipgloss.NewStyle().Bold(true).Foreground(magenta)

	badgeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F9FAFB")).
			Background(accent).
			Padding(0, 1).
			Bold(true)
)

func printError(msg string) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("✗ "+msg))
}

func printWarning(msg string) {
	fmt.Fprintln(os.Stderr, warningStyle.Render("! "+msg))
}

func printSuccess(msg string) {
	fmt.Println(successStyle.Render("✓ " + msg))
}

// consoleUI prints classroom events as styled lines on stdout.
type consoleUI struct {
	mu  sync.Mutex
	out *os.File
}

var _ ports.UI = (*consoleUI)(nil)

func newConsoleUI() *consoleUI {
	return &consoleUI{out: os.Stdout}
}

func (c *consoleUI) line(tag string, style lipgloss.Style, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s %s %s\n",
		mutedStyle.Render(time.Now().Format(time.TimeOnly)),
		badgeStyle.Render(tag),
		style.Render(msg))
}

func nameOf(p domain.Participant) string {
	if p.IsTeacher() {
		return teacherStyle.Render(p.Name + " (teacher)")
	}
	return p.Name
}

func (c *consoleUI) OnRemoteStreamReady(s ports.RemoteStream) {
	c.line("media", lipgloss.NewStyle(), fmt.Sprintf("%s on %s with %d track(s)", s.PeerName, s.Surface, len(s.Tracks)))
}

func (c *consoleUI) OnRemoteStreamUpdated(s ports.RemoteStream) {
	c.line("media", mutedStyle, fmt.Sprintf("%s updated on %s, %d track(s)", s.PeerName, s.Surface, len(s.Tracks)))
}

func (c *consoleUI) OnRemoteStreamRemoved(peer domain.ParticipantID, surface domain.Surface) {
	c.line("media", mutedStyle, fmt.Sprintf("%s removed from %s", peer, surface))
}

func (c *consoleUI) OnConnectionStateChanged(peer domain.ParticipantID, state domain.ConnectionState) {
	style := mutedStyle
	switch state {
	case domain.ConnectionConnected:
		style = successStyle
	case domain.ConnectionDisconnected:
		style = warningStyle
	case domain.ConnectionFailed:
		style = errorStyle
	}
	c.line("peer", style, fmt.Sprintf("%s %s", peer, state))
}

func (c *consoleUI) OnParticipantJoined(p domain.Participant) {
	c.line("room", successStyle, nameOf(p)+" joined")
}

func (c *consoleUI) OnParticipantUpdated(p domain.Participant) {
	var flags []string
	if !p.VideoEnabled {
		flags = append(flags, "video off")
	}
	if !p.AudioEnabled {
		flags = append(flags, "muted")
	}
	if p.ScreenSharing {
		flags = append(flags, "sharing screen")
	}
	if p.HandRaised {
		flags = append(flags, "hand raised")
	}
	status := "active"
	if len(flags) > 0 {
		status = strings.Join(flags, ", ")
	}
	c.line("room", mutedStyle, nameOf(p)+": "+status)
}

func (c *consoleUI) OnParticipantLeft(id domain.ParticipantID) {
	c.line("room", warningStyle, string(id)+" left")
}

func (c *consoleUI) OnScreenShareChanged(state domain.ScreenShareState) {
	if state.Active {
		c.line("screen", titleStyle, state.TeacherName+" is sharing the screen")
		return
	}
	c.line("screen", mutedStyle, "screen share ended")
}

func (c *consoleUI) OnLocalPreview(stream ports.LocalStream) {
	c.line("local", mutedStyle, fmt.Sprintf("previewing %s (%s)", stream.Kind(), stream.ID()))
}

func (c *consoleUI) Notify(level domain.NotifyLevel, message string) {
	style := lipgloss.NewStyle()
	switch level {
	case domain.NotifySuccess:
		style = successStyle
	case domain.NotifyWarning:
		style = warningStyle
	case domain.NotifyError:
		style = errorStyle
	}
	c.line(string(level), style, message)
}

// fanoutUI forwards every callback to each wrapped UI in order.
type fanoutUI []ports.UI

var _ ports.UI = fanoutUI(nil)

func (f fanoutUI) OnRemoteStreamReady(s ports.RemoteStream) {
	for _, ui := range f {
		ui.OnRemoteStreamReady(s)
	}
}

func (f fanoutUI) OnRemoteStreamUpdated(s ports.RemoteStream) {
	for _, ui := range f {
		ui.OnRemoteStreamUpdated(s)
	}
}

func (f fanoutUI) OnRemoteStreamRemoved(peer domain.ParticipantID, surface domain.Surface) {
	for _, ui := range f {
		ui.OnRemoteStreamRemoved(peer, surface)
	}
}

func (f fanoutUI) OnConnectionStateChanged(peer domain.ParticipantID, state domain.ConnectionState) {
	for _, ui := range f {
		ui.OnConnectionStateChanged(peer, state)
	}
}

func (f fanoutUI) OnParticipantJoined(p domain.Participant) {
	for _, ui := range f {
		ui.OnParticipantJoined(p)
	}
}

func (f fanoutUI) OnParticipantUpdated(p domain.Participant) {
	for _, ui := range f {
		ui.OnParticipantUpdated(p)
	}
}

func (f fanoutUI) OnParticipantLeft(id domain.ParticipantID) {
	for _, ui := range f {
		ui.OnParticipantLeft(id)
	}
}

func (f fanoutUI) OnScreenShareChanged(state domain.ScreenShareState) {
	for _, ui := range f {
		ui.OnScreenShareChanged(state)
	}
}

func (f fanoutUI) OnLocalPreview(stream ports.LocalStream) {
	for _, ui := range f {
		ui.OnLocalPreview(stream)
	}
}

func (f fanoutUI) Notify(level domain.NotifyLevel, message string) {
	for _, ui := range f {
		ui.Notify(level, message)
	}
}
