package password

import (
	"fmt"
	"math"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Argon2idParams controls Argon2id hashing cost. MemoryKiB is in KiB as
// argon2.IDKey expects.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy bounds accepted passwords.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// Config is built once at startup and passed to whoever hashes or verifies.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns interactive-login cost settings.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4].
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      8,
			MaxLength:      256,
			RejectVeryWeak: true,
		},
	}
}

// LoadConfig overlays DefaultConfig with values from v.
//
// Keys:
//   - LEARNHUB_PASSWORD_MIN_LEN
//   - LEARNHUB_PASSWORD_MAX_LEN
//   - LEARNHUB_PASSWORD_REJECT_VERY_WEAK
//   - LEARNHUB_ARGON2_MEMORY_KIB
//   - LEARNHUB_ARGON2_ITERATIONS
//   - LEARNHUB_ARGON2_PARALLELISM
//   - LEARNHUB_ARGON2_SALT_LEN
//   - LEARNHUB_ARGON2_KEY_LEN
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()

	if s := v.GetString("LEARNHUB_PASSWORD_MIN_LEN"); s != "" {
		n, err := atoiRange(s, 1, 1024)
		if err != nil {
			return Config{}, fmt.Errorf("%w: LEARNHUB_PASSWORD_MIN_LEN: %v", ErrConfig, err)
		}
		cfg.Policy.MinLength = n
	}
	if s := v.GetString("LEARNHUB_PASSWORD_MAX_LEN"); s != "" {
		n, err := atoiRange(s, 1, 4096)
		if err != nil {
			return Config{}, fmt.Errorf("%w: LEARNHUB_PASSWORD_MAX_LEN: %v", ErrConfig, err)
		}
		cfg.Policy.MaxLength = n
	}
	if s := v.GetString("LEARNHUB_PASSWORD_REJECT_VERY_WEAK"); s != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return Config{}, fmt.Errorf("%w: LEARNHUB_PASSWORD_REJECT_VERY_WEAK: %v", ErrConfig, err)
		}
		cfg.Policy.RejectVeryWeak = b
	}

	u32 := []struct {
		key      string
		min, max uint32
		dst      *uint32
	}{
		{"LEARNHUB_ARGON2_MEMORY_KIB", 8 * 1024, 1024 * 1024, &cfg.Params.MemoryKiB},
		{"LEARNHUB_ARGON2_ITERATIONS", 1, 20, &cfg.Params.Iterations},
		{"LEARNHUB_ARGON2_SALT_LEN", 8, 64, &cfg.Params.SaltLength},
		{"LEARNHUB_ARGON2_KEY_LEN", 16, 64, &cfg.Params.KeyLength},
	}
	for _, f := range u32 {
		s := v.GetString(f.key)
		if s == "" {
			continue
		}
		u, err := atou32Range(s, f.min, f.max)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrConfig, f.key, err)
		}
		*f.dst = u
	}

	if s := v.GetString("LEARNHUB_ARGON2_PARALLELISM"); s != "" {
		u, err := atou32Range(s, 1, math.MaxUint8)
		if err != nil {
			return Config{}, fmt.Errorf("%w: LEARNHUB_ARGON2_PARALLELISM: %v", ErrConfig, err)
		}
		cfg.Params.Parallelism = uint8(u) // #nosec G115 -- bounded above.
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf("%w: min_len(%d) > max_len(%d)", ErrConfig, cfg.Policy.MinLength, cfg.Policy.MaxLength)
	}

	return cfg, nil
}

func atoiRange(s string, minVal, maxVal int) (int, error) {
	i64, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	i := int(i64)
	if i < minVal || i > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return i, nil
}

func atou32Range(s string, minVal, maxVal uint32) (uint32, error) {
	u64, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer")
	}
	u := uint32(u64)
	if u < minVal || u > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return u, nil
}
