// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package bbconfig loads the burst-buffer configuration entity from a
// key/value configuration file, two-phase reload: clear to defaults,
// then repopulate from the parsed file.
//
// Unlike the teacher's pkg/config (an env-var-only Config.Load), the
// burst-buffer config is always file-based: the plugin has no
// environment-variable surface in the original system, only a
// conf-search-path file. The file grammar below is this subsystem's
// own flat Key=Value format, not a standard format any existing pack
// dependency already parses (see DESIGN.md).
package bbconfig

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jontk/agentd/internal/bbpool"
	"github.com/jontk/agentd/internal/bbsize"
	"github.com/jontk/agentd/internal/bbstate"
	"github.com/jontk/agentd/internal/procrun"
	"github.com/jontk/agentd/pkg/agenterrors"
	"github.com/jontk/agentd/pkg/logging"
	"github.com/jontk/agentd/pkg/retry"
)

// NoVal is the sentinel meaning "unset" for JobSizeLimit/UserSizeLimit,
// matching the controller's own NO_VAL convention.
const NoVal uint32 = 0xFFFFFFFE

// GresConfig is one configured GRES inventory entry. AvailCnt comes from
// the config file; UsedCnt is runtime-tracked allocation usage against
// that GRES, carried alongside it for pack_state's wire format.
type GresConfig struct {
	Name     string
	AvailCnt uint32
	UsedCnt  uint32
}

// Config is the burst-buffer configuration entity, populated wholesale
// on every reload.
type Config struct {
	AllowUsers    []uint32
	AllowUsersStr string
	DenyUsers     []uint32
	DenyUsersStr  string

	GetSysState string

	Granularity uint32

	Gres []GresConfig

	JobSizeLimit  uint32
	UserSizeLimit uint32

	PrioBoostAlloc uint32
	PrioBoostUse   uint32

	PrivateData bool

	StageInTimeout  uint32
	StageOutTimeout uint32

	StartStageIn  string
	StartStageOut string
	StopStageIn   string
	StopStageOut  string
}

// NewDefault returns a configuration with the documented defaults:
// granularity 1, size limits unset (NoVal), boosts and timeouts zero.
func NewDefault() *Config {
	return &Config{
		Granularity:   1,
		JobSizeLimit:  NoVal,
		UserSizeLimit: NoVal,
	}
}

// ClearConfig resets cfg to defaults. When fini is false (a plain
// reload), GRES names are preserved and their counts zeroed; when fini
// is true, the GRES entries are freed outright.
func ClearConfig(cfg *Config, fini bool) {
	gres := cfg.Gres
	if fini {
		gres = nil
	} else {
		for i := range gres {
			gres[i].AvailCnt = 0
			gres[i].UsedCnt = 0
		}
	}

	defaults := NewDefault()
	defaults.Gres = gres
	*cfg = *defaults
}

// Load performs the two-phase reload: ClearConfig(cfg, false), then
// searches confPaths for "burst_buffer.conf", falling back to
// "burst_buffer_<bbType>.conf"; it is fatal if neither exists. The
// parsed key/value file then repopulates cfg.
func Load(logger logging.Logger, cfg *Config, confPaths []string, bbType string) error {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	ClearConfig(cfg, false)

	path, err := findConfFile(confPaths, bbType)
	if err != nil {
		return err
	}

	raw, err := parseKeyValueFile(path)
	if err != nil {
		return agenterrors.Wrap(agenterrors.CodeConfigMissing, fmt.Sprintf("reading %s", path), err)
	}

	applyConfig(logger, cfg, raw)
	return nil
}

// RefreshPools invokes cfg.GetSysState and parses its stdout as a pool
// inventory document (C2), retrying per policy since the external
// script's output is occasionally transient garbage (a short write, a
// concurrent writer) rather than a genuine configuration error. Never
// call this while holding a burst-buffer state lock (§5) — the script itself may
// run for up to maxWait.
func RefreshPools(ctx context.Context, logger logging.Logger, cfg *Config, policy retry.Policy, maxWait time.Duration) ([]bbpool.Entry, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cfg.GetSysState == "" {
		return nil, agenterrors.New(agenterrors.CodeConfigMissing, "GetSysState script path is not configured")
	}

	var pools []bbpool.Entry
	err := retry.Do(ctx, policy, func() error {
		out, err := procrun.Run(ctx, logger, "get_sys_state", cfg.GetSysState, nil, maxWait)
		if err != nil {
			return err
		}
		parsed, err := bbpool.ParsePools(out)
		if err != nil {
			logger.Warn("get_sys_state produced malformed JSON, retrying", "error", err)
			return err
		}
		pools = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pools, nil
}

func findConfFile(confPaths []string, bbType string) (string, error) {
	candidates := []string{"burst_buffer.conf"}
	if bbType != "" {
		candidates = append(candidates, fmt.Sprintf("burst_buffer_%s.conf", bbType))
	}

	for _, dir := range confPaths {
		for _, name := range candidates {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}

	return "", agenterrors.New(agenterrors.CodeConfigMissing,
		fmt.Sprintf("neither burst_buffer.conf nor burst_buffer_%s.conf found in conf path", bbType))
}

// parseKeyValueFile scans Key=Value lines, ignoring blank lines and
// '#' comments. Later occurrences of the same key win.
func parseKeyValueFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		out[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func applyConfig(logger logging.Logger, cfg *Config, raw map[string]string) {
	if v, ok := raw["Granularity"]; ok {
		cfg.Granularity = bbsize.ParseSize(v, 1)
	}
	if cfg.Granularity < 1 {
		logger.Warn("Granularity clamped to 1", "parsed", cfg.Granularity)
		cfg.Granularity = 1
	}

	if v, ok := raw["AllowUsers"]; ok {
		cfg.AllowUsersStr = v
		cfg.AllowUsers = bbsize.ParseUsers(logger, v)
	}
	if v, ok := raw["DenyUsers"]; ok {
		cfg.DenyUsersStr = v
		cfg.DenyUsers = bbsize.ParseUsers(logger, v)
	}

	if v, ok := raw["GetSysState"]; ok {
		cfg.GetSysState = v
	}
	if v, ok := raw["StartStageIn"]; ok {
		cfg.StartStageIn = v
	}
	if v, ok := raw["StartStageOut"]; ok {
		cfg.StartStageOut = v
	}
	if v, ok := raw["StopStageIn"]; ok {
		cfg.StopStageIn = v
	}
	if v, ok := raw["StopStageOut"]; ok {
		cfg.StopStageOut = v
	}

	if v, ok := raw["JobSizeLimit"]; ok {
		cfg.JobSizeLimit = bbsize.ParseSize(v, cfg.Granularity)
	}
	if v, ok := raw["UserSizeLimit"]; ok {
		cfg.UserSizeLimit = bbsize.ParseSize(v, cfg.Granularity)
	}

	if v, ok := raw["PrioBoostAlloc"]; ok {
		cfg.PrioBoostAlloc = clampBoost(logger, "PrioBoostAlloc", parseU32(v))
	}
	if v, ok := raw["PrioBoostUse"]; ok {
		cfg.PrioBoostUse = clampBoost(logger, "PrioBoostUse", parseU32(v))
	}

	if v, ok := raw["PrivateData"]; ok {
		cfg.PrivateData = isTruthy(v)
	}

	if v, ok := raw["StageInTimeout"]; ok {
		cfg.StageInTimeout = parseU32(v)
	}
	if v, ok := raw["StageOutTimeout"]; ok {
		cfg.StageOutTimeout = parseU32(v)
	}

	if v, ok := raw["Gres"]; ok {
		cfg.Gres = parseGres(v)
	}
}

func parseU32(v string) uint32 {
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

func clampBoost(logger logging.Logger, field string, v uint32) uint32 {
	if v > bbstate.NiceOffset {
		logger.Warn("boost value clamped to NICE_OFFSET", "field", field, "parsed", v)
		return bbstate.NiceOffset
	}
	return v
}

var lower = cases.Lower(language.Und)

func isTruthy(v string) bool {
	switch lower.String(v) {
	case "true", "yes", "1":
		return true
	default:
		return false
	}
}

// parseGres parses a comma-separated "name[:count]" list. Counts use
// bbsize.Atoi's literal K/M/G semantics (no GiB conversion), consistent
// with GRES being a countable unit, not a byte quantity.
func parseGres(v string) []GresConfig {
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	entries := make([]GresConfig, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, countTok, hasCount := strings.Cut(p, ":")
		entry := GresConfig{Name: name}
		if hasCount {
			entry.AvailCnt = uint32(bbsize.Atoi(countTok))
		}
		entries = append(entries, entry)
	}
	return entries
}
