package main

import "os"

// envOr returns flagValue if set, otherwise the named environment
// variable's value.
func envOr(flagValue, envName string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(envName)
}
