package main

import (
	"flag"
	"fmt"

	"github.com/kabili207/rollcall/pkg/auth"
)

func main() {
	length := flag.Int("length", 16, "Length of the password in bytes (will be hex encoded, so output is 2x this)")
	user := flag.String("user", "admin", "Admin user name to print in the config snippet")
	password := flag.String("password", "", "Use this password instead of generating one")
	flag.Parse()

	pass := *password
	if pass == "" {
		var err error
		pass, err = auth.RandomHex(*length)
		if err != nil {
			fmt.Printf("Error generating password: %v\n", err)
			return
		}
	}

	// Generate hash and salt
	hash, salt := auth.GenerateHashAndSalt(pass)

	fmt.Printf("Password: %s\n", pass)
	fmt.Println()
	fmt.Println("admin:")
	fmt.Printf("  user: %s\n", *user)
	fmt.Printf("  password_hash: %s\n", hash)
	fmt.Printf("  salt: %s\n", salt)
}
