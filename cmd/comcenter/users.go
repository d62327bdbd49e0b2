// ABOUTME: User and network management commands operating directly on the credential store
// ABOUTME: Hashes passwords with bcrypt and never prints stored credential material

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/comcenter/internal/connector"
	"github.com/2389/comcenter/internal/gateway"
	"github.com/2389/comcenter/internal/store"
)

// parseFlags reads "--name value" and "--name=value" pairs for the allowed
// flag names and returns the remaining positional arguments.
func parseFlags(args []string, allowed ...string) (map[string]string, []string, error) {
	known := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		known[a] = true
	}

	flags := make(map[string]string)
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			rest = append(rest, arg)
			continue
		}

		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, nil, fmt.Errorf("unknown flag: --%s", name)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		flags[name] = value
	}
	return flags, rest, nil
}

// withStore opens the configured store for the duration of fn.
func withStore(ctx context.Context, fn func(store.Store) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := gateway.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(s)
}

func runUser(ctx context.Context, out io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: user add|list")
	}

	switch args[0] {
	case "add":
		return withStore(ctx, func(s store.Store) error {
			return userAdd(ctx, s, out, args[1:])
		})
	case "list":
		return withStore(ctx, func(s store.Store) error {
			return userList(ctx, s, out)
		})
	default:
		return fmt.Errorf("unknown user command: %s", args[0])
	}
}

func userAdd(ctx context.Context, s store.Store, out io.Writer, args []string) error {
	flags, _, err := parseFlags(args, "username", "password")
	if err != nil {
		return err
	}

	username := strings.TrimSpace(flags["username"])
	password := flags["password"]
	if username == "" || password == "" {
		return fmt.Errorf("usage: user add --username <name> --password <password>")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	user := &store.User{Username: username, PasswordHash: string(hash)}
	if err := s.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrUsernameExists) {
			return fmt.Errorf("user %q already exists", username)
		}
		return fmt.Errorf("creating user: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprintf(out, "  ✓ Created user %s (%s)\n", user.Username, user.ID)
	return nil
}

func userList(ctx context.Context, s store.Store, out io.Writer) error {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}

	if len(users) == 0 {
		fmt.Fprintln(out, "No users.")
		return nil
	}

	cyan := color.New(color.FgCyan)
	for _, u := range users {
		cyan.Fprintf(out, "  %s\n", u.Username)
		if len(u.Networks) == 0 {
			fmt.Fprintln(out, "    (no networks)")
			continue
		}
		for _, n := range u.Networks {
			fmt.Fprintf(out, "    %s\n", n.Name)
		}
	}
	return nil
}

func runNetwork(ctx context.Context, out io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: network add|remove")
	}

	switch args[0] {
	case "add":
		return withStore(ctx, func(s store.Store) error {
			return networkAdd(ctx, s, out, args[1:])
		})
	case "remove":
		return withStore(ctx, func(s store.Store) error {
			return networkRemove(ctx, s, out, args[1:])
		})
	default:
		return fmt.Errorf("unknown network command: %s", args[0])
	}
}

func networkAdd(ctx context.Context, s store.Store, out io.Writer, args []string) error {
	flags, _, err := parseFlags(args, "user", "name", "token", "username", "password")
	if err != nil {
		return err
	}

	if flags["user"] == "" || flags["name"] == "" {
		return fmt.Errorf("usage: network add --user <username> --name <network> [--token T] [--username U --password P]")
	}

	n := &store.Network{
		Name: flags["name"],
		Credentials: connector.Credentials{
			Token:    flags["token"],
			Username: flags["username"],
			Password: flags["password"],
		},
	}
	if err := s.AddNetwork(ctx, flags["user"], n); err != nil {
		switch {
		case errors.Is(err, store.ErrUserNotFound):
			return fmt.Errorf("user %q not found", flags["user"])
		case errors.Is(err, store.ErrNetworkExists):
			return fmt.Errorf("user %q already has network %q", flags["user"], n.Name)
		}
		return fmt.Errorf("adding network: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprintf(out, "  ✓ Added network %s for %s\n", n.Name, flags["user"])
	return nil
}

func networkRemove(ctx context.Context, s store.Store, out io.Writer, args []string) error {
	flags, _, err := parseFlags(args, "user", "name")
	if err != nil {
		return err
	}

	if flags["user"] == "" || flags["name"] == "" {
		return fmt.Errorf("usage: network remove --user <username> --name <network>")
	}

	if err := s.RemoveNetwork(ctx, flags["user"], flags["name"]); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return fmt.Errorf("user %q has no network %q", flags["user"], flags["name"])
		}
		return fmt.Errorf("removing network: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprintf(out, "  ✓ Removed network %s from %s\n", flags["name"], flags["user"])
	return nil
}
