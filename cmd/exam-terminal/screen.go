package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/integrity"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/runner"
	"golang.org/x/term"
)

const (
	focusReportingOn  = "\x1b[?1004h"
	focusReportingOff = "\x1b[?1004l"
	maximizeWindow    = "\x1b[9;1t"
	clearScreen       = "\x1b[H\x1b[2J"

	keyCtrlC = 0x03
	keyCtrlQ = 0x11
	keyEsc   = 0x1b
)

// screen renders the active exam in raw mode. Losing terminal focus counts as
// a tab switch and shrinking the window counts as leaving full screen.
type screen struct {
	out    io.Writer
	runner *runner.Runner

	mu        sync.Mutex
	position  int
	remaining time.Duration
	message   string
	confirm   bool
	baseW     int
	baseH     int
	done      chan struct{}
	closeOnce sync.Once
}

var _ integrity.Screen = (*screen)(nil)

func newScreen(out io.Writer) *screen {
	return &screen{out: out, done: make(chan struct{})}
}

// run owns the terminal until the session leaves the active state.
func (s *screen) run(ctx context.Context, monitor *integrity.Monitor) error {
	fd := int(os.Stdin.Fd())
	saved, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, saved)

	fmt.Fprint(s.out, focusReportingOn)
	defer fmt.Fprint(s.out, focusReportingOff+"\r\n")

	s.mu.Lock()
	s.baseW, s.baseH, _ = term.GetSize(fd)
	s.remaining = s.runner.Remaining()
	s.mu.Unlock()
	s.render()

	keys := make(chan []byte)
	go func() {
		buf := make([]byte, 64)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				close(keys)
				return
			}
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case keys <- chunk:
			case <-s.done:
				return
			}
		}
	}()

	resize := time.NewTicker(time.Second)
	defer resize.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-resize.C:
			if s.shrunk(fd) {
				go monitor.OnFullscreenExit()
			}
		case chunk, ok := <-keys:
			if !ok {
				return nil
			}
			if quit := s.handleInput(chunk, monitor); quit {
				return nil
			}
		}
	}
}

// handleInput processes one read from the terminal. It returns true when the
// candidate leaves the exam screen without submitting.
func (s *screen) handleInput(chunk []byte, monitor *integrity.Monitor) bool {
	for i := 0; i < len(chunk); i++ {
		b := chunk[i]
		if b == keyEsc && i+2 < len(chunk) && chunk[i+1] == '[' {
			switch chunk[i+2] {
			case 'O':
				go monitor.OnFocusLost()
			case 'C':
				s.move(1)
			case 'D':
				s.move(-1)
			}
			i += 2
			continue
		}

		switch {
		case b == keyCtrlQ:
			return true
		case b == keyCtrlC:
			go monitor.OnCopyAttempt()
		case b == 'n':
			s.move(1)
		case b == 'p':
			s.move(-1)
		case b == 's':
			s.setConfirm(true, "Submit now? Press y to confirm, any other key to cancel.")
		case b == 'y' && s.confirming():
			s.setConfirm(false, "Submitting...")
			s.runner.RequestSubmit(model.SubmitReasonManual)
		case b >= 'a' && b <= 'f':
			s.choose(int(b - 'a'))
		case b >= '1' && b <= '6':
			s.choose(int(b - '1'))
		default:
			if s.confirming() {
				s.setConfirm(false, "")
			}
		}
	}
	return false
}

func (s *screen) move(delta int) {
	total := len(s.runner.Questions())
	s.mu.Lock()
	s.position = min(max(s.position+delta, 0), max(total-1, 0))
	s.mu.Unlock()
	s.render()
}

func (s *screen) choose(option int) {
	s.mu.Lock()
	pos := s.position
	s.mu.Unlock()

	if err := s.runner.SelectAnswer(pos, option); err != nil {
		s.say(err.Error())
		return
	}
	s.say("")
}

func (s *screen) confirming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirm
}

func (s *screen) setConfirm(on bool, msg string) {
	s.mu.Lock()
	s.confirm = on
	s.message = msg
	s.mu.Unlock()
	s.render()
}

func (s *screen) say(msg string) {
	s.mu.Lock()
	s.message = msg
	s.mu.Unlock()
	s.render()
}

// shrunk reports whether the window became smaller than when the exam started.
func (s *screen) shrunk(fd int) bool {
	w, h, err := term.GetSize(fd)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if w < s.baseW || h < s.baseH {
		return true
	}
	s.baseW, s.baseH = w, h
	return false
}

// RequestFullscreen asks the terminal emulator to maximize its window.
func (s *screen) RequestFullscreen() error {
	_, err := fmt.Fprint(s.out, maximizeWindow)
	return err
}

// ────────────────────────────────────────────────────────────────────────────
// Runner callbacks
// ────────────────────────────────────────────────────────────────────────────

func (s *screen) stateChanged(st runner.State) {
	switch st {
	case runner.StateResult, runner.StateIneligible:
		s.closeOnce.Do(func() { close(s.done) })
	case runner.StateSubmitting:
		s.say("Submitting...")
	}
}

func (s *screen) tick(remaining time.Duration) {
	s.mu.Lock()
	s.remaining = remaining
	s.mu.Unlock()
	s.render()
}

func (s *screen) notice(n runner.Notice) {
	switch n.Kind {
	case runner.NoticeSaveFailed:
		s.say(fmt.Sprintf("Answer %d could not be saved; select it again when the connection is back.", n.Position+1))
	case runner.NoticeSubmitFailed:
		s.say("Submission failed; press s to try again.")
	case runner.NoticeForcedSubmit:
		s.say(fmt.Sprintf("Exam submitted automatically (%s).", n.Reason))
	}
}

func (s *screen) warning(w integrity.Warning) {
	if w.Forced {
		return
	}
	msg := fmt.Sprintf("Warning: %s recorded (tab switches %d, window exits %d).",
		strings.ReplaceAll(string(w.EventType), "_", " "), w.Counts.TabSwitch, w.Counts.FullscreenExit)
	if w.Decision.Remaining >= 0 {
		msg += fmt.Sprintf(" %d more before automatic submission.", w.Decision.Remaining)
	}
	if w.Decision.Flag {
		msg += " Your attempt is flagged for review."
	}
	s.say(msg)
}

// ────────────────────────────────────────────────────────────────────────────
// Rendering
// ────────────────────────────────────────────────────────────────────────────

func (s *screen) render() {
	r := s.runner
	questions := r.Questions()
	answers := r.Answers()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(questions) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString(clearScreen)
	q := questions[s.position]
	fmt.Fprintf(&b, "Question %d/%d   answered %d   time left %s\r\n\r\n",
		s.position+1, len(questions), answers.Answered(), formatRemaining(s.remaining))
	fmt.Fprintf(&b, "%s\r\n\r\n", q.Text)

	selected, hasAnswer := answers.Get(s.position)
	for i, opt := range q.Options {
		mark := " "
		if hasAnswer && selected == i {
			mark = "*"
		}
		fmt.Fprintf(&b, " [%s] %c) %s\r\n", mark, 'A'+i, opt)
	}

	b.WriteString("\r\n a-f select   n/p or arrows move   s submit   ctrl+q leave (timer keeps running)\r\n")
	if s.message != "" {
		fmt.Fprintf(&b, "\r\n%s\r\n", s.message)
	}
	fmt.Fprint(s.out, b.String())
}

func formatRemaining(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
