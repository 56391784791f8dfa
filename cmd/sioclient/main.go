// Command sioclient is a small interactive client for exercising a server.
// It performs a handshake, connects with the chosen transport, prints every
// packet it receives and sends each line read from stdin as a message.
// Heartbeats are answered automatically.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"

	"github.com/wricardo/sioserver/protocol"
)

type options struct {
	server    string
	resource  string
	transport string
	// linger is how long to keep listening after stdin is exhausted
	linger time.Duration
}

func main() {
	cmd := &cli.Command{
		Name:  "sioclient",
		Usage: "connect to a socket.io 0.9 server and relay stdin as messages",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://localhost:8080", Usage: "server base URL"},
			&cli.StringFlag{Name: "resource", Value: "/socket.io", Usage: "resource path"},
			&cli.StringFlag{Name: "transport", Value: "websocket", Usage: "websocket or xhr-polling"},
			&cli.DurationFlag{Name: "linger", Value: time.Second, Usage: "keep listening this long after stdin closes"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, options{
				server:    cmd.String("server"),
				resource:  cmd.String("resource"),
				transport: cmd.String("transport"),
				linger:    cmd.Duration("linger"),
			}, os.Stdin, os.Stdout)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	base := strings.TrimRight(opts.server, "/") + opts.resource + "/1"

	id, transports, err := handshake(ctx, base)
	if err != nil {
		return err
	}
	if !slices.Contains(transports, opts.transport) {
		return fmt.Errorf("server does not offer %s (offers %s)", opts.transport, strings.Join(transports, ","))
	}
	fmt.Fprintf(out, "session %s via %s\n", id, opts.transport)

	var c conn
	switch opts.transport {
	case "websocket":
		c, err = dialWebSocket(ctx, base, id)
	case "xhr-polling":
		pc := &pollingConn{url: base + "/xhr-polling/" + id, client: http.DefaultClient}
		// the first GET binds the transport and returns connect
		first, err := pc.receive(ctx)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		for _, p := range first {
			fmt.Fprintf(out, "< %s\n", protocol.Encode(p))
		}
		c = pc
	default:
		return fmt.Errorf("unsupported transport %q", opts.transport)
	}
	if err != nil {
		return err
	}
	defer c.close()

	return relay(ctx, c, opts.linger, in, out)
}

func handshake(ctx context.Context, base string) (string, []string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/", nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("handshake: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("handshake: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("handshake: %s: %s", resp.Status, body)
	}

	parts := strings.Split(string(body), ":")
	if len(parts) != 4 {
		return "", nil, fmt.Errorf("handshake: malformed response %q", body)
	}
	return parts[0], strings.Split(parts[3], ","), nil
}

// conn is one transport's view of the session.
type conn interface {
	// receive blocks for the next batch of packets
	receive(ctx context.Context) ([]protocol.Packet, error)
	send(ctx context.Context, p protocol.Packet) error
	close()
}

// relay prints incoming packets and sends stdin lines until the server
// disconnects, ctx ends, or linger passes after the last line.
func relay(ctx context.Context, c conn, linger time.Duration, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		fmt.Fprintf(out, format, args...)
		mu.Unlock()
	}

	recvErr := make(chan error, 1)
	go func() {
		for {
			packets, err := c.receive(ctx)
			if err != nil {
				recvErr <- err
				return
			}
			for _, p := range packets {
				switch p.Type {
				case protocol.TypeNoop:
					continue
				case protocol.TypeHeartbeat:
					c.send(ctx, protocol.Packet{Type: protocol.TypeHeartbeat})
					continue
				}
				printf("< %s\n", protocol.Encode(p))
				if p.Type == protocol.TypeDisconnect {
					recvErr <- nil
					return
				}
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var lingerC <-chan time.Time
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				lingerC = time.After(linger)
				continue
			}
			p := protocol.Packet{Type: protocol.TypeMessage, Data: line}
			if err := c.send(ctx, p); err != nil {
				return err
			}
			printf("> %s\n", protocol.Encode(p))
		case err := <-recvErr:
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		case <-lingerC:
			c.send(ctx, protocol.Packet{Type: protocol.TypeDisconnect})
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

type wsConn struct {
	ws *gws.Conn
	mu sync.Mutex
}

func dialWebSocket(ctx context.Context, base, id string) (*wsConn, error) {
	u, err := url.Parse(base + "/websocket/" + id)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	ws, _, err := gws.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsConn{ws: ws}, nil
}

func (c *wsConn) receive(ctx context.Context) ([]protocol.Packet, error) {
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return []protocol.Packet{protocol.Decode(string(msg))}, nil
}

func (c *wsConn) send(ctx context.Context, p protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(gws.TextMessage, []byte(protocol.Encode(p)))
}

func (c *wsConn) close() {
	c.ws.Close()
}

type pollingConn struct {
	url    string
	client *http.Client
}

func (c *pollingConn) receive(ctx context.Context) ([]protocol.Packet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll: %s", resp.Status)
	}
	return protocol.DecodePayload(string(body)), nil
}

func (c *pollingConn) send(ctx context.Context, p protocol.Packet) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(protocol.Encode(p)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=UTF-8")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New("post: " + resp.Status)
	}
	return nil
}

func (c *pollingConn) close() {}
