// Command auditctl runs operator tasks against the audit trail and the
// revocation table.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"arka.dev/console/internal/audit"
	"arka.dev/console/internal/auth"
	"arka.dev/console/internal/config"
	"arka.dev/console/internal/store/pg"
)

type deps struct {
	trail       *audit.Trail
	revocations auth.RevocationStore
	now         func() time.Time
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	dsn := os.Getenv("ARKA_PG_DSN")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "missing DSN: set ARKA_PG_DSN")
		os.Exit(1)
	}
	store, err := pg.Open(dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	trail := audit.NewTrail(store, audit.WithHasher(audit.NewHasher(os.Getenv("ARKA_HASH_SECRET"))))
	defer trail.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	d := deps{trail: trail, revocations: store, now: time.Now}
	if err := run(ctx, d, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", os.Args[1], err)
		if errors.Is(err, errUsage) {
			usage()
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("bad usage")

func run(ctx context.Context, d deps, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	switch args[0] {
	case "purge":
		olderThan := fs.String("older-than", "90d", "delete entries older than this (e.g. 90d, 720h)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		age, err := config.ParseDuration(*olderThan)
		if err != nil {
			return err
		}
		n, err := d.trail.PurgeOlderThan(ctx, age)
		if err != nil {
			return err
		}
		return emit(out, map[string]any{"deleted": n, "older_than": age.String()})

	case "failed-logins":
		ip := fs.String("ip", "", "client address")
		window := fs.String("window", "15m", "trailing window")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *ip == "" {
			return errUsage
		}
		w, err := config.ParseDuration(*window)
		if err != nil {
			return err
		}
		n, err := d.trail.FailedLoginCount(ctx, *ip, w)
		if err != nil {
			return err
		}
		return emit(out, map[string]any{"ip": *ip, "window": w.String(), "failures": n})

	case "revoked-purge":
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		n, err := d.revocations.PurgeExpired(ctx, d.now().UTC())
		if err != nil {
			return err
		}
		return emit(out, map[string]any{"deleted": n})

	case "user":
		id := fs.String("id", "", "principal id")
		limit := fs.Int("limit", audit.DefaultUserLimit, "maximum entries")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *id == "" {
			return errUsage
		}
		entries, err := d.trail.UserEntries(ctx, *id, *limit)
		if err != nil {
			return err
		}
		return emit(out, entries)
	}
	return errUsage
}

func emit(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s <command> [flags]
  purge          [-older-than 90d]
  failed-logins  -ip ADDR [-window 15m]
  revoked-purge
  user           -id PRINCIPAL [-limit 100]
`, os.Args[0])
	os.Exit(1)
}
