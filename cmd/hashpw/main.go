// Command hashpw prints a bcrypt hash for seeding users of the memory and
// postgres datastores.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"ledger-auth-gateway/logger"
	"ledger-auth-gateway/service"
)

func main() {
	logger.Init()

	var password string
	if len(os.Args) > 1 {
		password = os.Args[1]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			logger.Log.WithError(err).Fatal("Failed to read password from stdin")
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		logger.Log.Fatal("Usage: hashpw <password> (or pipe it on stdin)")
	}

	hash, err := service.HashPassword(password)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to hash password")
	}
	fmt.Println(hash)
}
