package users

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeUserFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.txt")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0640))
	return path
}

func md5Hex(passcode, salt string) string {
	sum := md5.Sum([]byte(passcode + salt))
	return hex.EncodeToString(sum[:])
}

func TestGetAndValidateMD5(t *testing.T) {
	hash := md5Hex("secret", "salt")
	path := writeUserFile(t, "alice:md5:"+hash+":salt:all\n")

	d, err := Open(path)
	require.NoError(t, err)

	u, err := d.Get("alice")
	require.NoError(t, err)
	assert.True(t, u.Validate("secret"))
	assert.False(t, u.Validate("wrong"))
	assert.Equal(t, "all", u.Role())
}

func TestCommentsAndBlankLinesIgnored(t *testing.T) {
	hash := md5Hex("secret", "salt")
	path := writeUserFile(t, "# a comment\n\nalice:md5:"+hash+":salt:all # trailing\n")

	d, err := Open(path)
	require.NoError(t, err)
	_, err = d.Get("alice")
	require.NoError(t, err)
}

func TestUnknownAlgorithmRejected(t *testing.T) {
	path := writeUserFile(t, "bob:rot13:deadbeef:salt:all\n")
	d, err := Open(path)
	require.NoError(t, err)

	_, err = d.Get("bob")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestMissingSourceFileYieldsEmptyDirectory(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "does-not-exist.txt"))
	require.NoError(t, err)
	_, err = d.Get("anyone")
	assert.Error(t, err)
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := writeUserFile(t, "alice:md5:"+md5Hex("secret", "salt")+":salt:all\n")
	d, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("bob:md5:"+md5Hex("x", "y")+":y:push\n"), 0640))
	require.NoError(t, d.Reload())

	_, err = d.Get("alice")
	assert.Error(t, err)
	u, err := d.Get("bob")
	require.NoError(t, err)
	assert.Equal(t, "push", u.Role())
}

func TestCaseInsensitiveHashComparison(t *testing.T) {
	hash := md5Hex("secret", "salt")
	upper := ""
	for _, c := range hash {
		if c >= 'a' && c <= 'f' {
			upper += string(c - 32)
		} else {
			upper += string(c)
		}
	}
	path := writeUserFile(t, "alice:MD5:"+upper+":salt:all\n")

	d, err := Open(path)
	require.NoError(t, err)
	u, err := d.Get("alice")
	require.NoError(t, err)
	assert.True(t, u.Validate("secret"))
}
