package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envValue returns the trimmed value of key and whether it is non-blank.
func envValue(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// envParse applies parse to key's value. Blank or unparsable values yield def.
func envParse[T any](key string, def T, parse func(string) (T, bool)) T {
	raw, ok := envValue(key)
	if !ok {
		return def
	}
	if v, ok := parse(raw); ok {
		return v
	}
	return def
}

func EnvString(key, def string) string {
	return envParse(key, def, func(s string) (string, bool) { return s, true })
}

func EnvBool(key string, def bool) bool {
	return envParse(key, def, func(s string) (bool, bool) {
		b, err := strconv.ParseBool(s)
		return b, err == nil
	})
}

// EnvInt accepts zero; negative values fall back to def.
func EnvInt(key string, def int) int {
	return envParse(key, def, func(s string) (int, bool) {
		n, err := strconv.Atoi(s)
		return n, err == nil && n >= 0
	})
}

func EnvInt32(key string, def int32) int32 {
	return envParse(key, def, func(s string) (int32, bool) {
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err == nil && n >= 0
	})
}

// EnvDuration requires a positive Go duration ("1500ms", "2s").
func EnvDuration(key string, def time.Duration) time.Duration {
	return envParse(key, def, func(s string) (time.Duration, bool) {
		d, err := time.ParseDuration(s)
		return d, err == nil && d > 0
	})
}

// EnvCSV splits a comma-separated list, dropping blank items. A list with
// no items yields def.
func EnvCSV(key string, def []string) []string {
	return envParse(key, def, func(s string) ([]string, bool) {
		var out []string
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out, len(out) > 0
	})
}
