// Command usermigrate moves the user store from phone keyed records to phone
// and role keyed records, and rolls a run back from its backup.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := newApp(os.Stdout, os.Stderr).execute(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
