package voice

import (
	"errors"
	"fmt"
	"strings"
)

// Op is a user command.
type Op int

const (
	OpStart Op = iota + 1
	OpPause
	OpEnd
	OpKeyboard
	OpMic
	OpSay
	OpStatus
)

// ErrQuit is returned by ParseCommand for "quit" and "exit".
var ErrQuit = errors.New("voice: quit")

// Command is one user command for [Client.Run].
type Command struct {
	Op   Op
	Text string // say only

	// Result receives the outcome when non-nil. It should be buffered.
	Result chan<- Result
}

func (cmd Command) reply(out string, err error) {
	if cmd.Result != nil {
		cmd.Result <- Result{Output: out, Err: err}
	}
}

// Result is the outcome of a Command.
type Result struct {
	Output string
	Err    error
}

// Help lists the commands understood by ParseCommand.
const Help = `commands:
  start        start a voice session
  pause        pause or resume the session
  end          end the session and clear the chat
  kb           toggle keyboard input
  mic          toggle the microphone
  say <text>   ask a question (keyboard input must be on)
  status       show session state and input level
  quit         exit`

// ParseCommand parses one input line. Blank lines return a zero Command and
// nil error.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, nil
	}
	word, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(word) {
	case "start":
		return Command{Op: OpStart}, nil
	case "pause", "resume":
		return Command{Op: OpPause}, nil
	case "end", "stop":
		return Command{Op: OpEnd}, nil
	case "kb", "keyboard":
		return Command{Op: OpKeyboard}, nil
	case "mic":
		return Command{Op: OpMic}, nil
	case "say":
		text := strings.TrimSpace(rest)
		if text == "" {
			return Command{}, errors.New("usage: say <text>")
		}
		return Command{Op: OpSay, Text: text}, nil
	case "status":
		return Command{Op: OpStatus}, nil
	case "quit", "exit":
		return Command{}, ErrQuit
	default:
		return Command{}, fmt.Errorf("unknown command %q", word)
	}
}
