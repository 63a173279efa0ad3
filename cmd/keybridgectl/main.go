// keybridgectl is the control CLI for keybridged.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"keybridge/internal/config"
	"keybridge/internal/ipc"
	"keybridge/internal/keys"
	"keybridge/internal/wire"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "daemon socket (overrides config)")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "send":
		cmdSend(args)
	case "focus":
		cmdFocus(args)
	case "state":
		cmdState()
	case "watch":
		cmdWatch()
	case "ping":
		cmdPing()
	case "feed":
		cmdFeed(args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `keybridgectl - Control utility for keybridged

Usage: keybridgectl [options] <command> [args]

Commands:
  send <kind> <logical-id> <physical-id> [label] [char]
                  Deliver one packet; kind is down, up, sync or cancel
  focus on|off    Report a focus change
  state           Show the keys the daemon holds
  watch           Stream key events while focused
  ping            Measure the round trip to the daemon
  feed            Forward local keyboards to the daemon (Linux)
  help            Show this help message

Options:
  -config <path>  Path to config file
  -socket <path>  Daemon socket path`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	return cfg
}

func connect(ctx context.Context) *ipc.Client {
	path := *socketPath
	if path == "" {
		path = loadConfig().IPC.SocketPath
	}

	cfg := ipc.DefaultClientConfig(path)
	cfg.ClientName = "keybridgectl"
	cfg.ClientVersion = Version

	client := ipc.NewClient(cfg)
	if err := client.Connect(ctx); err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintln(os.Stderr, "Error: keybridged is not running")
			fmt.Fprintln(os.Stderr, "  Start it with: keybridged run")
			os.Exit(1)
		}
		fatalf("connect: %v", err)
	}
	return client
}

// codecFor builds a codec for the revision the daemon announced.
func codecFor(client *ipc.Client, registry *keys.Registry) *wire.Codec {
	codec, err := wire.NewCodec(wire.Revision(client.Handshake().WireRevision), registry)
	if err != nil {
		fatalf("%v", err)
	}
	return codec
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid key id %q", s)
	}
	return id, nil
}

// BuildPacket assembles a packet from send's arguments.
func BuildPacket(registry *keys.Registry, args []string, now time.Duration) (*wire.Packet, error) {
	if len(args) < 3 {
		return nil, errors.New("usage: send <kind> <logical-id> <physical-id> [label] [char]")
	}
	typ, err := wire.ParseEventType(args[0])
	if err != nil {
		return nil, err
	}
	logical, err := parseID(args[1])
	if err != nil {
		return nil, err
	}
	physical, err := parseID(args[2])
	if err != nil {
		return nil, err
	}

	var label, char string
	if len(args) > 3 {
		label = args[3]
	}
	if len(args) > 4 {
		if typ != wire.EventDown {
			return nil, fmt.Errorf("a character is only allowed on down, not %s", typ)
		}
		char = unescape(args[4])
	}

	return &wire.Packet{
		Timestamp: now,
		Type:      typ,
		Logical:   registry.Logical(logical, label),
		Physical:  registry.Physical(physical, label),
		Character: char,
	}, nil
}

// unescape lets shells pass control characters as \n, \t or \r.
func unescape(s string) string {
	return strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r").Replace(s)
}

func cmdSend(args []string) {
	ctx := context.Background()
	client := connect(ctx)
	defer client.Close()

	registry := keys.NewRegistry()
	p, err := BuildPacket(registry, args, time.Duration(time.Now().UnixMicro())*time.Microsecond)
	if err != nil {
		fatalf("%v", err)
	}
	data, err := codecFor(client, registry).Encode(p)
	if err != nil {
		fatalf("encode: %v", err)
	}

	res, err := client.SendPacket(ctx, data)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println(res)
}

func cmdFocus(args []string) {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		fatalf("usage: focus on|off")
	}
	ctx := context.Background()
	client := connect(ctx)
	defer client.Close()

	resp, err := client.SetFocus(ctx, args[0] == "on")
	if err != nil {
		fatalf("%v", err)
	}
	if resp.Changed {
		fmt.Printf("Focus: %s\n", args[0])
	} else {
		fmt.Printf("Focus: %s (unchanged)\n", args[0])
	}
}

func cmdState() {
	ctx := context.Background()
	client := connect(ctx)
	defer client.Close()

	st, err := client.State(ctx)
	if err != nil {
		fatalf("%v", err)
	}

	hs := client.Handshake()
	fmt.Println("=== keybridged State ===")
	fmt.Println()
	fmt.Printf("Daemon:        %s (wire r%d)\n", hs.ServerVersion, hs.WireRevision)
	fmt.Printf("Focused:       %v\n", st.Focused)
	fmt.Printf("Listeners:     %d\n", st.Listeners)
	fmt.Printf("Modifiers:     %s\n", modifiers(st.Modifiers))
	fmt.Println()

	if len(st.Physical) == 0 {
		fmt.Println("No keys held.")
		return
	}
	fmt.Println("Physical keys:")
	for _, k := range st.Physical {
		fmt.Printf("  %s\n", keyInfo(k))
	}
	fmt.Println("Logical keys:")
	for _, k := range st.Logical {
		fmt.Printf("  %s\n", keyInfo(k))
	}
}

func modifiers(m ipc.Modifiers) string {
	var held []string
	if m.Control {
		held = append(held, "control")
	}
	if m.Shift {
		held = append(held, "shift")
	}
	if m.Alt {
		held = append(held, "alt")
	}
	if m.Meta {
		held = append(held, "meta")
	}
	if len(held) == 0 {
		return "none"
	}
	return strings.Join(held, "+")
}

func keyInfo(k ipc.KeyInfo) string {
	if k.Label == "" {
		return fmt.Sprintf("0x%011x", k.ID)
	}
	return fmt.Sprintf("0x%011x %s", k.ID, k.Label)
}

// FormatEvent renders one streamed event as a single line.
func FormatEvent(ev *ipc.Event) string {
	line := fmt.Sprintf("%14.6f %-6s %s / %s",
		float64(ev.Timestamp)/1e6, ev.Kind, keyInfo(ev.Physical), keyInfo(ev.Logical))
	if ev.Character != "" {
		line += fmt.Sprintf(" %q", ev.Character)
	}
	return line
}

func cmdWatch() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := connect(ctx)
	defer client.Close()

	if err := client.Subscribe(ctx); err != nil {
		fatalf("subscribe: %v", err)
	}
	fmt.Fprintln(os.Stderr, "Watching key events (Ctrl+C to stop)...")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-client.Events():
			if !ok {
				fatalf("%v", ipc.ErrConnectionLost)
			}
			fmt.Println(FormatEvent(ev))
		}
	}
}

func cmdPing() {
	ctx := context.Background()
	client := connect(ctx)
	defer client.Close()

	rtt, err := client.Ping(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("pong from %s in %s\n", client.Handshake().ServerVersion, rtt.Round(time.Microsecond))
}
