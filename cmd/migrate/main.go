package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"arka.dev/console/internal/auth"
	"arka.dev/console/internal/config"
	"arka.dev/console/internal/migrate"
	"arka.dev/console/internal/rbac"
	"arka.dev/console/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("ARKA_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory with *.up.sql/*.down.sql files (default: embedded)")
		seedsPath      = flag.String("seeds", "", "Directory with seed *.sql files (default: embedded)")
		adminEmail     = flag.String("admin-email", os.Getenv("ARKA_BOOTSTRAP_ADMIN_EMAIL"), "Email for create-admin")
		adminPassword  = flag.String("admin-password", os.Getenv("ARKA_BOOTSTRAP_ADMIN_PASSWORD"), "Password for create-admin")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or ARKA_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|create-admin]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), pick(*migrationsPath, migrate.Migrations()), pick(*seedsPath, migrate.Seeds()))

	switch flag.Arg(0) {
	case "up":
		var applied []string
		if applied, err = mgr.Up(ctx); err == nil {
			report("applied", applied)
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			fmt.Println("nothing to roll back")
			err = nil
		} else if err == nil {
			fmt.Println("rolled back", name)
		}
	case "seed":
		var applied []string
		if applied, err = mgr.Seed(ctx); err == nil {
			report("seeded", applied)
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	case "create-admin":
		err = createAdmin(ctx, store, *adminEmail, *adminPassword)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func pick(dir string, embedded fs.FS) fs.FS {
	if dir == "" {
		return embedded
	}
	return os.DirFS(dir)
}

func report(verb string, names []string) {
	if len(names) == 0 {
		fmt.Println("up to date")
		return
	}
	for _, n := range names {
		fmt.Println(verb, n)
	}
}

func createAdmin(ctx context.Context, store *pg.Store, email, password string) error {
	if email == "" || password == "" {
		return errors.New("admin email and password are required (-admin-email, -admin-password)")
	}
	if len(password) < config.MinPasswordLength {
		return fmt.Errorf("admin password must be at least %d characters", config.MinPasswordLength)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	user, err := store.CreateUser(ctx, email, hash, rbac.RoleAdmin)
	if errors.Is(err, auth.ErrConflict) {
		fmt.Println("admin already exists:", email)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println("created admin", user.ID, user.Email)
	return nil
}
