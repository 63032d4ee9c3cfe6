package utils

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"
)

func Env(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func EnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func EnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// EnvDuration accepts Go duration strings ("5s") or a bare number of milliseconds.
// Zero is a valid value so throttles can be disabled from the environment.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d
	}
	return def
}

func EnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// EnvAmounts parses "key=amount,key=amount" into a map of big integers.
// Keys are lower-cased so asset addresses compare case-insensitively.
func EnvAmounts(key string) (map[string]*big.Int, error) {
	out := map[string]*big.Int{}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return out, nil
	}
	for _, pair := range strings.Split(v, ",") {
		k, amount, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%s: malformed entry %q", key, pair)
		}
		n, ok := new(big.Int).SetString(amount, 10)
		if !ok || n.Sign() < 0 {
			return nil, fmt.Errorf("%s: invalid amount for %s", key, k)
		}
		out[strings.ToLower(k)] = n
	}
	return out, nil
}
