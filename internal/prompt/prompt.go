// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package prompt reads confirmations and secrets from the terminal.
package prompt

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/utxoverlay/overlayd/internal/zero"
	"golang.org/x/term"
)

// readSecret reads a line without echo when stdin is a terminal, and a
// plain line otherwise so that secrets can be piped in.
func readSecret(reader *bufio.Reader) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Print("\n")
		return secret, err
	}

	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	return line, nil
}

// promptList prompts the user with the given prefix, list of valid responses,
// and default list entry to use.  The function will repeat the prompt to the
// user until they enter a valid response.
func promptList(reader *bufio.Reader, prefix string, validResponses []string,
	defaultEntry string) (string, error) {

	// Setup the prompt according to the parameters.
	validStrings := strings.Join(validResponses, "/")
	var prompt string
	if defaultEntry != "" {
		prompt = fmt.Sprintf("%s (%s) [%s]: ", prefix, validStrings,
			defaultEntry)
	} else {
		prompt = fmt.Sprintf("%s (%s): ", prefix, validStrings)
	}

	// Prompt the user until one of the valid responses is given.
	for {
		fmt.Print(prompt)
		reply, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		reply = strings.TrimSpace(strings.ToLower(reply))
		if reply == "" {
			reply = defaultEntry
		}

		for _, validResponse := range validResponses {
			if reply == validResponse {
				return reply, nil
			}
		}
	}
}

// Confirm asks a yes/no question and reports whether the answer was yes.
// An empty answer selects defaultYes.
func Confirm(reader *bufio.Reader, prefix string,
	defaultYes bool) (bool, error) {

	defaultEntry := "no"
	if defaultYes {
		defaultEntry = "yes"
	}
	valid := []string{"n", "no", "y", "yes"}
	response, err := promptList(reader, prefix, valid, defaultEntry)
	if err != nil {
		return false, err
	}
	return response == "yes" || response == "y", nil
}

// PassPrompt prompts the user for a secret with the given prefix.  The
// prompt is repeated until a non-empty response is entered.
func PassPrompt(reader *bufio.Reader, prefix string) ([]byte, error) {
	prompt := fmt.Sprintf("%s: ", prefix)
	for {
		fmt.Print(prompt)
		pass, err := readSecret(reader)
		if err != nil {
			return nil, err
		}
		pass = bytes.TrimSpace(pass)
		if len(pass) == 0 {
			continue
		}
		return pass, nil
	}
}

// PrivateKey prompts for a private key in wallet import format until a
// valid one is entered.
func PrivateKey(reader *bufio.Reader) (*btcutil.WIF, error) {
	for {
		secret, err := PassPrompt(reader, "Enter the signing key (WIF)")
		if err != nil {
			return nil, err
		}

		wif, err := btcutil.DecodeWIF(string(secret))
		zero.Bytes(secret)
		if err != nil {
			fmt.Println("Invalid key:", err)
			continue
		}
		return wif, nil
	}
}
