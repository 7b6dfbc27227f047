package common

import (
	"os"
	"strconv"
	"strings"
)

// Env gets an environment variable with a default value
func Env(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// EnvBool gets an environment variable as a boolean with a default value
func EnvBool(key, def string) bool {
	return IsTrueish(Env(key, def))
}

// EnvInt returns an environment variable as an integer
func EnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

// IsTrueish checks if a string represents a true value
func IsTrueish(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "y", "yes", "on":
		return true
	}
	return false
}

// IsFalseish checks if a string represents an explicit false value
func IsFalseish(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "f", "false", "n", "no", "off":
		return true
	}
	return false
}
