package daemon

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func handshakeTimeout() time.Duration {
	if v, ok := envInt("VOTIFIER_HANDSHAKE_TIMEOUT_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return defaultHandshakeTimeout
}
