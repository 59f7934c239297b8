// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package bbsize

import (
	"testing"

	"github.com/jontk/agentd/pkg/logging"
	"github.com/stretchr/testify/assert"
)

func TestParseSize_Boundaries(t *testing.T) {
	tests := []struct {
		tok         string
		granularity uint32
		want        uint32
	}{
		{"0", 1, 0},
		{"1M", 1, 1},
		{"1024M", 1, 1},
		{"2T", 1, 2048},
		{"1P", 1, 1048576},
		{"5G", 4, 8},
	}

	for _, tt := range tests {
		t.Run(tt.tok, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSize(tt.tok, tt.granularity))
		})
	}
}

func TestParseSize_NoSuffixIsGiB(t *testing.T) {
	assert.Equal(t, uint32(7), ParseSize("7", 1))
}

func TestParseSize_CaseInsensitiveSuffix(t *testing.T) {
	assert.Equal(t, uint32(2048), ParseSize("2t", 1))
}

func TestParseSize_NonPositivePrefixIsZero(t *testing.T) {
	assert.Equal(t, uint32(0), ParseSize("-5G", 1))
	assert.Equal(t, uint32(0), ParseSize("notanumber", 1))
}

func TestParseSize_GranularityOne(t *testing.T) {
	assert.Equal(t, uint32(3), ParseSize("3G", 1))
}

func TestAtoi_Boundaries(t *testing.T) {
	assert.Equal(t, int64(1024), Atoi("1k"))
	assert.Equal(t, int64(0), Atoi("-3"))
	assert.Equal(t, int64(2097152), Atoi("2M"))
}

func TestAtoi_NoSuffixIsLiteral(t *testing.T) {
	assert.Equal(t, int64(42), Atoi("42"))
}

func TestAtoi_GiBSuffix(t *testing.T) {
	assert.Equal(t, int64(1073741824), Atoi("1G"))
}

func TestParseUsers_NumericUIDs(t *testing.T) {
	uids := ParseUsers(logging.NoOpLogger{}, "100:200:300")
	assert.Equal(t, []uint32{100, 200, 300}, uids)
}

func TestParseUsers_CommaTruncates(t *testing.T) {
	uids := ParseUsers(logging.NoOpLogger{}, "100:200,300:400")
	assert.Equal(t, []uint32{100, 200}, uids)
}

func TestParseUsers_IgnoresZeroAndInvalid(t *testing.T) {
	uids := ParseUsers(logging.NoOpLogger{}, "0:100:not-a-real-user-xyz:200")
	assert.Equal(t, []uint32{100, 200}, uids)
}

func TestParseUsers_EmptyBuf(t *testing.T) {
	uids := ParseUsers(logging.NoOpLogger{}, "")
	assert.Empty(t, uids)
}

func TestPrintUsers_RoundTrip(t *testing.T) {
	uids := []uint32{100, 200, 300}
	assert.Equal(t, "100:200:300", PrintUsers(uids))
}

func TestPrintUsers_Empty(t *testing.T) {
	assert.Equal(t, "", PrintUsers(nil))
}

// fakeUserResolver is a directory stand-in for tests, avoiding any
// dependency on the real /etc/passwd.
type fakeUserResolver map[string]uint32

func (f fakeUserResolver) Lookup(username string) (uint32, bool) {
	uid, ok := f[username]
	return uid, ok
}

func TestParseUsersWithResolver_ResolvesUsernames(t *testing.T) {
	resolver := fakeUserResolver{"alice": 501, "bob": 502}
	uids := ParseUsersWithResolver(logging.NoOpLogger{}, "alice:bob", resolver)
	assert.Equal(t, []uint32{501, 502}, uids)
}

func TestParseUsersWithResolver_UnknownUsernameDropped(t *testing.T) {
	resolver := fakeUserResolver{"alice": 501}
	uids := ParseUsersWithResolver(logging.NoOpLogger{}, "alice:ghost", resolver)
	assert.Equal(t, []uint32{501}, uids)
}

func TestParseUsersWithResolver_NumericUIDsBypassResolver(t *testing.T) {
	uids := ParseUsersWithResolver(logging.NoOpLogger{}, "100:200", fakeUserResolver{})
	assert.Equal(t, []uint32{100, 200}, uids)
}
