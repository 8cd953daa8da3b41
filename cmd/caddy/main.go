package main

import (
	"fmt"
	"os"

	caddycmd "github.com/caddyserver/caddy/v2/cmd"

	// Standard Caddy modules
	_ "github.com/caddyserver/caddy/v2/modules/standard"

	// The tailstream handler
	_ "github.com/tailstream-io/tailstream"
)

// "dev" brings up a throwaway server on devListen with the in-memory
// backend, no TLS and no admin endpoint. Every other invocation is
// plain caddy.
const devListen = ":8440"

const devCaddyfile = `{
	admin off
	auto_https off
}

` + devListen + ` {
	route /streams/* {
		tailstream
	}
}
`

func main() {
	if len(os.Args) > 1 && os.Args[1] == "dev" {
		if err := runDev(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	caddycmd.Main()
}

func runDev() error {
	f, err := os.CreateTemp("", "tailstream-dev-*.caddyfile")
	if err != nil {
		return fmt.Errorf("write dev config: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(devCaddyfile); err != nil {
		f.Close()
		return fmt.Errorf("write dev config: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write dev config: %w", err)
	}

	fmt.Printf("tailstream dev server on http://localhost%s/streams/\n", devListen)
	fmt.Println("in-memory backend, nothing persists; Ctrl+C to stop")

	os.Args = []string{os.Args[0], "run", "--config", f.Name(), "--adapter", "caddyfile"}
	caddycmd.Main()
	return nil
}
