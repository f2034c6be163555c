package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// envValue reads key and converts it with parse. An unset or blank key yields
// fallback; parse failures name the key.
func envValue[T any](key string, fallback T, parse func(string) (T, error)) (T, error) {
	raw, ok := lookup(key)
	if !ok {
		return fallback, nil
	}
	value, err := parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("invalid %s=%q: %w", key, raw, err)
	}
	return value, nil
}

func envString(key, fallback string) string {
	if raw, ok := lookup(key); ok {
		return raw
	}
	return fallback
}

// envFirst returns the value of the first key that is set.
func envFirst(fallback string, keys ...string) string {
	for _, key := range keys {
		if raw, ok := lookup(key); ok {
			return raw
		}
	}
	return fallback
}

func envList(key string, fallback ...string) []string {
	raw, ok := lookup(key)
	if !ok {
		return fallback
	}
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	return envValue(key, fallback, func(raw string) (time.Duration, error) {
		d, err := time.ParseDuration(raw)
		if err == nil && d <= 0 {
			err = errors.New("must be positive")
		}
		return d, err
	})
}

// envInt parses a signed integer and rejects values below floor.
func envInt(key string, fallback, floor int) (int, error) {
	return envValue(key, fallback, func(raw string) (int, error) {
		v, err := strconv.Atoi(raw)
		if err == nil && v < floor {
			err = fmt.Errorf("must be >= %d", floor)
		}
		return v, err
	})
}

func envBool(key string, fallback bool) (bool, error) {
	return envValue(key, fallback, strconv.ParseBool)
}

type unsigned interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

func envUint[T unsigned](key string, fallback T) (T, error) {
	return envValue(key, fallback, parseUnsigned[T])
}

// envOptionalUint returns nil when key is unset, so callers can tell "use the
// RPC default" apart from an explicit zero.
func envOptionalUint(key string) (*uint, error) {
	return envValue[*uint](key, nil, func(raw string) (*uint, error) {
		v, err := parseUnsigned[uint](raw)
		return &v, err
	})
}

func parseUnsigned[T unsigned](raw string) (T, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if uint64(T(v)) != v {
		return 0, fmt.Errorf("%d out of range", v)
	}
	return T(v), nil
}

func envPubkey(key string, fallback solana.PublicKey) (solana.PublicKey, error) {
	return envValue(key, fallback, solana.PublicKeyFromBase58)
}

func envCommitment(key string, fallback rpc.CommitmentType) (rpc.CommitmentType, error) {
	return envValue(key, fallback, func(raw string) (rpc.CommitmentType, error) {
		commitment := rpc.CommitmentType(strings.ToLower(raw))
		switch commitment {
		case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
			return commitment, nil
		}
		return "", errors.New("expected processed, confirmed or finalized")
	})
}

const solanaCLIKeypair = "~/.config/solana/id.json"

var localAuthorityKeypairs = []string{
	"../.local/secret/authority.json",
	".local/secret/authority.json",
}

// resolveKeypairPath expands a leading "~". While the path is still the
// solana CLI default, a repo-local authority wallet wins when one exists.
func resolveKeypairPath(raw string) (string, error) {
	if raw == solanaCLIKeypair {
		for _, candidate := range localAuthorityKeypairs {
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return filepath.Abs(candidate)
			}
		}
	}
	if raw != "~" && !strings.HasPrefix(raw, "~/") {
		return raw, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(raw[1:], "/")), nil
}
