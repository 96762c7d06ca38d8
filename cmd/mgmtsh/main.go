// Command mgmtsh is an interactive shell against the management daemon:
// a thin REPL over mgmtrpc.Client for getting, setting, and dumping
// records without scripting a one-shot client program per call.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"tlsvcproxy/internal/mgmtrpc"
)

func main() {
	addr := flag.String("addr", "/tmp/tlsvcproxy-mgmt.sock", "management daemon unix socket path")
	flag.Parse()

	client := mgmtrpc.New(*addr)
	defer client.Close()

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		runBatch(client, os.Stdin)
		return
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mgmtsh: failed to enter raw mode: %v\n", err)
		os.Exit(1)
	}
	defer term.Restore(fd, oldState)

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "mgmtsh> ")
	runInteractive(client, t)
}

func runInteractive(client *mgmtrpc.Client, t *term.Terminal) {
	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, out := range dispatch(client, line) {
			fmt.Fprintln(t, out)
		}
	}
}

func runBatch(client *mgmtrpc.Client, r io.Reader) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	for _, line := range strings.Split(string(buf), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, out := range dispatch(client, line) {
			fmt.Println(out)
		}
	}
}

// dispatch parses one REPL line and runs it against client, returning the
// lines to print. It accepts get/set/dump/help/quit, matching the minimal
// command set a management-daemon operator needs at the socket.
func dispatch(client *mgmtrpc.Client, line string) []string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	ctx := context.Background()
	switch fields[0] {
	case "get":
		if len(fields) != 2 {
			return []string{"usage: get <record-name>"}
		}
		v, err := client.GetRecord(ctx, fields[1])
		if err != nil {
			return []string{"error: " + err.Error()}
		}
		return []string{string(v)}
	case "set":
		if len(fields) != 3 {
			return []string{"usage: set <record-name> <value>"}
		}
		if err := client.SetRecord(ctx, fields[1], []byte(fields[2])); err != nil {
			return []string{"error: " + err.Error()}
		}
		return []string{"ok"}
	case "dump":
		records, err := client.DumpRecords(ctx)
		if err != nil {
			return []string{"error: " + err.Error()}
		}
		lines := make([]string, 0, len(records))
		for _, r := range records {
			lines = append(lines, fmt.Sprintf("%s = %s", r.Name, r.Value))
		}
		return lines
	case "help":
		return []string{"commands: get <name> | set <name> <value> | dump | quit"}
	case "quit", "exit":
		os.Exit(0)
		return nil
	default:
		return []string{"unknown command: " + fields[0] + " (try help)"}
	}
}
