package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

const consoleHelp = `Commands:
  connect        Connect to the acquirer
  disconnect     Disconnect from the acquirer
  send [amount]  Send an authorization request (0200), amount in minor units
  raw <message>  Send a wire message as typed
  echo           Send a network echo (0800)
  status         Show connection status
  auto-echo      Toggle periodic echo messages
  help           Show this list
  exit           Quit`

// Console drives a single acquirer connection from line-oriented input.
type Console struct {
	manager *Manager
	connID  string
	in      io.Reader

	outMu sync.Mutex
	out   io.Writer

	echoCancel context.CancelFunc
}

// NewConsole creates a console over a new connection to host:port.
func NewConsole(m *Manager, host string, port int, in io.Reader, out io.Writer) *Console {
	info := m.Add("console", host, port)
	c := &Console{manager: m, connID: info.ID, in: in, out: out}
	m.OnUnsolicited(func(id, payload string) {
		if id != c.connID {
			return
		}
		res := Classify([]byte(payload), nil)
		c.printf("\nReceived: %s\n  %s\n", payload, res.Text)
		c.prompt()
	})
	return c
}

// Run reads commands until exit, end of input, or ctx ends.
func (c *Console) Run(ctx context.Context) error {
	defer c.stopAutoEcho()
	c.printf("%s\n", consoleHelp)

	lines := make(chan string)
	errs := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		errs <- sc.Err()
	}()

	for {
		c.prompt()
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case line := <-lines:
			if quit := c.execute(ctx, line); quit {
				_ = c.manager.Disconnect(c.connID)
				c.printf("Goodbye!\n")
				return nil
			}
		}
	}
}

func (c *Console) execute(ctx context.Context, line string) (quit bool) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "":
	case "connect":
		if err := c.manager.Connect(ctx, c.connID); err != nil {
			c.printf("Connect failed: %v\n", err)
			return false
		}
		c.printf("Connected\n")
		c.exchange(c.manager.SendEcho(ctx, c.connID))
	case "disconnect":
		c.stopAutoEcho()
		_ = c.manager.Disconnect(c.connID)
		c.printf("Disconnected\n")
	case "send":
		amount := int64(1000)
		if arg != "" {
			n, err := strconv.ParseInt(arg, 10, 64)
			if err != nil || n <= 0 {
				c.printf("Invalid amount: %q\n", arg)
				return false
			}
			amount = n
		}
		c.exchange(c.manager.SendAuthorization(ctx, c.connID, amount))
	case "raw":
		c.exchange(c.manager.SendMessage(ctx, c.connID, arg))
	case "echo":
		c.exchange(c.manager.SendEcho(ctx, c.connID))
	case "status":
		info, _ := c.manager.Get(c.connID)
		state := "DISCONNECTED"
		if info.Connected {
			state = "CONNECTED"
		}
		c.printf("Acquirer %s: %s, auto-echo %v\n", info.Address(), state, c.echoCancel != nil)
	case "auto-echo":
		c.toggleAutoEcho(ctx)
	case "help":
		c.printf("%s\n", consoleHelp)
	case "exit", "quit":
		return true
	default:
		c.printf("Unknown command: %s\n", cmd)
	}
	return false
}

func (c *Console) exchange(ex Exchange, err error) {
	c.printf("Sent: %s\n", ex.Request)
	if err != nil && ex.Result.Outcome == "" {
		c.printf("Error: %v\n", err)
		return
	}
	if ex.Response != "" {
		c.printf("Received: %s\n", ex.Response)
	}
	c.printf("  %s\n", ex.Result.Text)
}

func (c *Console) toggleAutoEcho(ctx context.Context) {
	if c.echoCancel != nil {
		c.stopAutoEcho()
		c.printf("Auto-echo disabled\n")
		return
	}
	echoCtx, cancel := context.WithCancel(ctx)
	c.echoCancel = cancel
	go c.manager.RunAutoEcho(echoCtx)
	c.printf("Auto-echo enabled every %s\n", c.manager.cfg.EchoInterval)
}

func (c *Console) stopAutoEcho() {
	if c.echoCancel != nil {
		c.echoCancel()
		c.echoCancel = nil
	}
}

func (c *Console) prompt() {
	state := "DISCONNECTED"
	if info, err := c.manager.Get(c.connID); err == nil && info.Connected {
		state = "CONNECTED"
	}
	c.printf("Terminal [%s]> ", state)
}

func (c *Console) printf(format string, args ...interface{}) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
