package bind

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantCmd Cmd
		wantErr bool
	}{
		{"getpwnam", "GETPWNAM mikevs", CmdGetPwNam, false},
		{"lowercase accepted", "getpwnam mikevs", CmdGetPwNam, false},
		{"getpwuid", "GETPWUID 1000", CmdGetPwUid, false},
		{"getgrnam", "GETGRNAM staff", CmdGetGrNam, false},
		{"getgrgid", "GETGRGID 50", CmdGetGrGid, false},
		{"getgidlist", "GETGIDLIST mikevs", CmdGetGidList, false},
		{"auth minimal", "AUTH mikevs s3cret", CmdAuth, false},
		{"auth full", "AUTH mikevs s3cret pam login", CmdAuth, false},
		{"pam", "PAM 1", CmdPam, false},
		{"set", "SET remotehost=example.com", CmdSet, false},
		{"servers", "SERVERS", CmdServers, false},
		{"unknown command", "FROBNICATE x", 0, true},
		{"empty line", "", 0, true},
		{"too few args", "GETPWNAM", 0, true},
		{"too many args", "GETPWNAM a b", 0, true},
		{"auth too many args", "AUTH a b c d e", 0, true},
		{"getpwuid not numeric", "GETPWUID fred", 0, true},
		{"set without equals", "SET remotehost", 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := ParseRequest(tc.line)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, strings.HasPrefix(err.Error(), "400 "), "error %q should be a 400", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantCmd, req.Cmd)
		})
	}
}

func TestParseRequest_NumArg(t *testing.T) {
	req, err := ParseRequest("GETPWUID 1000")
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), req.NumArg)

	req, err = ParseRequest("GETGRGID 50")
	require.NoError(t, err)
	assert.Equal(t, uint32(50), req.NumArg)
}

func TestPasswordEncoding_RoundTrip(t *testing.T) {
	passwords := []string{
		"simple",
		"s3cret x",
		"with%percent",
		"new\nline",
		"tabs\tand spaces",
		"ünïcödé",
		"+plus+",
		string([]byte{0x00, 0x01, 0xff}),
	}
	for _, pw := range passwords {
		enc := EncodePassword(pw)
		assert.NotContains(t, enc, " ", "encoded password must not contain spaces")
		assert.NotContains(t, enc, "\n")

		dec, err := DecodePassword(enc)
		require.NoError(t, err)
		assert.Equal(t, pw, dec, "decode(encode(%q))", pw)
	}
}

func TestDecodePassword_DecodesOnce(t *testing.T) {
	// %2520 is the encoding of "%20"; a single decode must yield "%20",
	// not a space.
	dec, err := DecodePassword("a%2520b")
	require.NoError(t, err)
	assert.Equal(t, "a%20b", dec)
}
