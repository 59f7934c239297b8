// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package bbsize implements the burst-buffer size-literal and UID-list
// codecs used by the config parser (C5).
package bbsize

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jontk/agentd/pkg/logging"
)

var upper = cases.Upper(language.Und)

// ParseSize reads a leading positive decimal from tok and scales it to
// GiB per the trailing unit suffix (case-insensitive): "M" is MiB,
// rounded up to the next GiB; "G" or no suffix is already GiB; "T" is
// ×1024; "P" is ×1024². The result is then rounded up to the next
// multiple of granularity, if granularity > 1. A non-positive numeric
// prefix yields 0.
//
// This is deliberately distinct from Atoi below: ParseSize always
// returns a GiB-denominated quantity, Atoi never performs unit
// conversion. Both functions preserve that asymmetry by design.
func ParseSize(tok string, granularity uint32) uint32 {
	digits, suffix := splitLeadingDigits(tok)
	if digits == "" {
		return 0
	}

	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || v <= 0 {
		return 0
	}

	var gib int64
	switch upper.String(suffix) {
	case "M":
		gib = (v + 1023) / 1024
	case "T":
		gib = v * 1024
	case "P":
		gib = v * 1024 * 1024
	case "G", "":
		gib = v
	default:
		gib = v
	}

	return roundUpToGranularity(uint32(gib), granularity)
}

// Atoi parses a GRES-count token where K/M/G are literal powers of 1024
// with no GiB conversion — unlike ParseSize, "10M" here means
// 10*1024*1024, not "10 MiB rounded to GiB". Returns 0 on a non-positive
// numeric prefix.
func Atoi(tok string) int64 {
	digits, suffix := splitLeadingDigits(tok)
	if digits == "" {
		return 0
	}

	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || v <= 0 {
		return 0
	}

	switch upper.String(suffix) {
	case "K":
		return v * 1024
	case "M":
		return v * 1024 * 1024
	case "G":
		return v * 1024 * 1024 * 1024
	default:
		return v
	}
}

func splitLeadingDigits(tok string) (digits, suffix string) {
	i := 0
	for i < len(tok) && tok[i] >= '0' && tok[i] <= '9' {
		i++
	}
	digits = tok[:i]
	if i < len(tok) {
		suffix = tok[i : i+1]
	}
	return digits, suffix
}

func roundUpToGranularity(v, granularity uint32) uint32 {
	if granularity <= 1 {
		return v
	}
	rem := v % granularity
	if rem == 0 {
		return v
	}
	return v + (granularity - rem)
}

// UserResolver resolves a username to a numeric UID, standing in for the
// real directory lookup (os/user.Lookup in production) so tests can
// supply a fake directory instead of touching /etc/passwd.
type UserResolver interface {
	Lookup(username string) (uid uint32, ok bool)
}

// osUserResolver is the production UserResolver, backed by os/user.
type osUserResolver struct{}

func (osUserResolver) Lookup(username string) (uint32, bool) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// DefaultUserResolver is the os/user-backed resolver ParseUsers uses.
var DefaultUserResolver UserResolver = osUserResolver{}

// ParseUsers accepts a colon-delimited list of UID strings or usernames.
// A comma anywhere in buf truncates the whole buffer at that point —
// nothing after the first comma is consumed, even if it looks like more
// colon-delimited entries. Each remaining token is resolved to a numeric
// UID (digits parsed directly; otherwise looked up via DefaultUserResolver).
// Invalid or zero UIDs are dropped and logged, never returned.
func ParseUsers(logger logging.Logger, buf string) []uint32 {
	return ParseUsersWithResolver(logger, buf, DefaultUserResolver)
}

// ParseUsersWithResolver is ParseUsers with an injectable UserResolver,
// letting callers (tests, or callers with their own directory source)
// bypass DefaultUserResolver's os/user.Lookup.
func ParseUsersWithResolver(logger logging.Logger, buf string, resolver UserResolver) []uint32 {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if resolver == nil {
		resolver = DefaultUserResolver
	}

	if idx := strings.IndexByte(buf, ','); idx >= 0 {
		buf = buf[:idx]
	}

	var uids []uint32
	for _, tok := range strings.Split(buf, ":") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		uid, ok := resolveUID(tok, resolver)
		if !ok || uid == 0 {
			logger.Warn("ignoring invalid or zero uid in user list", "token", tok)
			continue
		}
		uids = append(uids, uid)
	}
	return uids
}

func resolveUID(tok string, resolver UserResolver) (uint32, bool) {
	if v, err := strconv.ParseUint(tok, 10, 32); err == nil {
		return uint32(v), true
	}
	return resolver.Lookup(tok)
}

// PrintUsers is the inverse of ParseUsers: a colon-delimited string of
// numeric UIDs.
func PrintUsers(uids []uint32) string {
	parts := make([]string, len(uids))
	for i, uid := range uids {
		parts[i] = fmt.Sprintf("%d", uid)
	}
	return strings.Join(parts, ":")
}
