// Command ums-admin performs one-off administrative tasks.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"ums.dev/internal/app"
	"ums.dev/internal/auth"
	"ums.dev/internal/config"
	"ums.dev/internal/grpcapi"
)

const usage = `usage: ums-admin <command> [flags]

commands:
  seed-superuser  create (or reuse) a user bound to the admin role
  hash-password   print the hash of a password read from stdin
  probe           exit non-zero unless the gRPC health service reports SERVING`

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		log.Fatal(usage)
	}
	var err error
	switch os.Args[1] {
	case "seed-superuser":
		err = seedSuperuser(os.Args[2:], os.Stdin, os.Stdout)
	case "hash-password":
		err = hashPassword(os.Args[2:], os.Stdin, os.Stdout)
	case "probe":
		err = probe(os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		fmt.Println(usage)
		return
	default:
		log.Fatalf("unknown command %q\n%s", os.Args[1], usage)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func seedSuperuser(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("seed-superuser", flag.ContinueOnError)
	var (
		configPath = fs.String("config", os.Getenv("UMS_CONFIG"), "path to YAML config")
		username   = fs.String("username", "admin", "superuser name")
		email      = fs.String("email", "", "superuser email")
		migrate    = fs.Bool("migrate", true, "apply pending migrations first")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	password := os.Getenv("UMS_SUPERUSER_PASSWORD")
	if password == "" {
		var err error
		if password, err = readSecret(stdin); err != nil {
			return err
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Database.Adapter == config.AdapterMemory {
		return errors.New("the memory adapter does not persist; choose sqlite or postgres")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	a, err := app.Open(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if *migrate {
		mgr, err := a.Migrator(nil)
		if err != nil {
			return err
		}
		if _, err := mgr.Up(ctx); err != nil {
			return err
		}
	}

	user, err := a.Service.SeedSuperuser(ctx, auth.RegisterInput{
		Username: *username,
		Password: password,
		Email:    *email,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "superuser %q (id %d) holds role %q\n", user.Username, user.ID, auth.RoleAdmin)
	return nil
}

func hashPassword(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("hash-password", flag.ContinueOnError)
	var (
		scheme = fs.String("scheme", auth.SchemeBcrypt, "bcrypt or argon2id")
		cost   = fs.Int("cost", 0, "bcrypt cost (0 keeps the default)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	password, err := readSecret(stdin)
	if err != nil {
		return err
	}
	hasher, err := auth.NewHasher(auth.WithScheme(*scheme), auth.WithBcryptCost(*cost))
	if err != nil {
		return err
	}
	hash, err := hasher.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, hash)
	return nil
}

func probe(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	var (
		addr    = fs.String("addr", "localhost:9090", "gRPC address")
		timeout = fs.Duration("timeout", 3*time.Second, "probe timeout")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := grpcapi.Dial(*addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := grpcapi.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ok, err := client.Healthy(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("not serving")
	}
	fmt.Fprintln(stdout, "serving")
	return nil
}

// readSecret reads one line from r without echoing it anywhere.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required on stdin or in UMS_SUPERUSER_PASSWORD")
	}
	return line, nil
}
