package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"text/tabwriter"

	"conexpect/internal/config"
)

// conn is the client side of the protocol.
type conn struct {
	net.Conn
	enc     *json.Encoder
	scanner *bufio.Scanner
}

func dial(cfg config.Config) (*conn, error) {
	c, err := net.Dial("unix", cfg.SocketPath())
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w (is it running?)", cfg.SocketPath(), err)
	}
	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &conn{Conn: c, enc: json.NewEncoder(c), scanner: scanner}, nil
}

func (c *conn) send(msg interface{}) error { return c.enc.Encode(msg) }

// next reads one event.
func (c *conn) next() (event, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return event{}, err
		}
		return event{}, fmt.Errorf("daemon closed the connection")
	}
	var ev event
	if err := json.Unmarshal(c.scanner.Bytes(), &ev); err != nil {
		return event{}, fmt.Errorf("decoding daemon reply: %w", err)
	}
	return ev, nil
}

func runList(cfg config.Config) error {
	c, err := dial(cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.send(ListRequest{Type: typeList}); err != nil {
		return err
	}
	ev, err := c.next()
	if err != nil {
		return err
	}
	if ev.Type == typeError {
		return fmt.Errorf("%s", ev.Message)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPID\tSTATE\tEXIT\tCOMMAND")
	for _, s := range ev.Sessions {
		exit := "-"
		if !s.Alive {
			exit = fmt.Sprint(s.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", s.ID, s.Pid, s.State, exit, s.Command)
	}
	return w.Flush()
}
