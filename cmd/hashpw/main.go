// Command hashpw reads an admin password from stdin and prints the bcrypt
// hash to use as ADMIN_PASSWORD_HASH.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	pkgauth "github.com/BradenHooton/bastion/pkg/auth"
)

func main() {
	cost := flag.Int("cost", pkgauth.DefaultBcryptCost, "bcrypt cost")
	skipCheck := flag.Bool("allow-weak", false, "skip the password strength check")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		logger.Error("failed to read password", slog.Any("error", err))
		os.Exit(1)
	}
	password := strings.TrimRight(line, "\r\n")

	if !*skipCheck {
		if err := pkgauth.CheckStrength(password); err != nil {
			logger.Error("password rejected", slog.Any("error", err))
			os.Exit(1)
		}
	}

	hash, err := pkgauth.HashPassword(password, *cost)
	if err != nil {
		logger.Error("failed to hash password", slog.Any("error", err))
		os.Exit(1)
	}

	fmt.Println(hash)
}
