package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/barryq93/promPSQL/internal/utils"
)

var (
	key = kingpin.Flag("key", "32-byte encryption key.").
		Envar("PSQL_EXPORTER_ENCRYPTION_KEY").Required().String()
	text = kingpin.Arg("password", "Password to encrypt.").Required().String()
)

func main() {
	kingpin.CommandLine.Help = "Encrypts a database password for the exporter configuration."
	kingpin.Parse()

	encrypted, err := utils.Encrypt(*key, *text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Encryption failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s%s\n", utils.EncryptedPrefix, encrypted)
	fmt.Fprintln(os.Stderr, "Copy this value into the password field of your config.yml.")
}
