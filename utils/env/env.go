// Package env reads typed configuration overrides from the process
// environment.
package env

import (
	"log"
	"os"
	"strconv"
	"time"
)

var logFatalf = log.Fatalf

func OptionalStringVariable(name string, defaultValue string) string {
	if !HasEnv(name) {
		return defaultValue
	}
	return os.Getenv(name)
}

func OptionalIntVariable(name string, defaultValue int) int {
	if !HasEnv(name) {
		return defaultValue
	}
	value := os.Getenv(name)
	intValue, err := strconv.Atoi(value)
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid int.", name)
	}
	return intValue
}

func OptionalBoolVariable(name string, defaultValue bool) bool {
	if !HasEnv(name) {
		return defaultValue
	}
	value := os.Getenv(name)
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid bool.", name)
	}
	return boolValue
}

func OptionalDurationVariable(name string, defaultValue time.Duration) time.Duration {
	if !HasEnv(name) {
		return defaultValue
	}
	value := os.Getenv(name)
	durationValue, err := time.ParseDuration(value)
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid duration.", name)
	}
	return durationValue
}

func HasEnv(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}
