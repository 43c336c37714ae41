package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

type cli struct {
	t     *testing.T
	dir   string
	image string
}

func newCLI(t *testing.T) *cli {
	dir := t.TempDir()
	c := &cli{t: t, dir: dir, image: filepath.Join(dir, "flash.img")}
	c.run("mkfs", "--size", "65536")
	return c
}

func (c *cli) exec(args ...string) (string, error) {
	buf := &bytes.Buffer{}
	args = append([]string{args[0], "--image", c.image}, args[1:]...)
	err := run(args, buf)
	return buf.String(), err
}

func (c *cli) run(args ...string) string {
	out, err := c.exec(args...)
	require.NoError(c.t, err)
	return out
}

func (c *cli) localFile(name string, size int) (string, []byte) {
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(c.t, err)

	path := filepath.Join(c.dir, name)
	require.NoError(c.t, os.WriteFile(path, data, 0o600))
	return path, data
}

func TestUsage(t *testing.T) {
	requireT := require.New(t)

	buf := &bytes.Buffer{}
	requireT.NoError(run(nil, buf))
	for _, c := range commands {
		requireT.Contains(buf.String(), c.name)
	}
	requireT.Error(run([]string{"format"}, buf))
}

func TestMkfs(t *testing.T) {
	requireT := require.New(t)

	c := newCLI(t)
	_, err := c.exec("mkfs")
	requireT.ErrorContains(err, "--force")

	out := c.run("mkfs", "--force")
	requireT.Contains(out, "formatted 16 blocks of 4096 bytes")

	out = c.run("info")
	requireT.Contains(out, "blocks: 16\n")
	requireT.Contains(out, "free blocks: 16\n")

	err = run([]string{"mkfs", "--image", filepath.Join(t.TempDir(), "new.img")}, &bytes.Buffer{})
	requireT.ErrorContains(err, "size")
}

func TestPutGet(t *testing.T) {
	requireT := require.New(t)

	c := newCLI(t)
	src, data := c.localFile("file.bin", 10000)
	c.run("put", src)
	small, smallData := c.localFile("small.bin", 10)
	c.run("put", "--direct", small, "renamed")

	out := c.run("ls")
	requireT.Contains(out, "file.bin")
	requireT.Contains(out, "renamed")

	requireT.Equal(string(data), c.run("get", "file.bin"))
	dst := filepath.Join(c.dir, "copy.bin")
	c.run("get", "renamed", dst)
	copied, err := os.ReadFile(dst)
	requireT.NoError(err)
	requireT.Equal(smallData, copied)

	_, err = c.exec("get", "missing")
	requireT.Error(err)
}

func TestRmMv(t *testing.T) {
	requireT := require.New(t)

	c := newCLI(t)
	a, _ := c.localFile("a", 100)
	b, data := c.localFile("b", 300)
	c.run("put", a)
	c.run("put", b)

	c.run("mv", "b", "c")
	_, err := c.exec("mv", "a", "c")
	requireT.Error(err)
	c.run("rm", "a")

	out := c.run("ls")
	requireT.NotContains(out, "a ")
	requireT.Contains(out, "c ")
	requireT.Equal(string(data), c.run("get", "c"))

	_, err = c.exec("rm", "a")
	requireT.Error(err)
}

func TestSum(t *testing.T) {
	requireT := require.New(t)

	c := newCLI(t)
	src, data := c.localFile("file", 3000)
	c.run("put", src)

	digest := blake3.Sum256(data)
	requireT.Equal(hex.EncodeToString(digest[:])+"  file\n", c.run("sum", "file"))
}

func TestManifest(t *testing.T) {
	requireT := require.New(t)

	c := newCLI(t)
	for _, name := range []string{"x", "y", "z"} {
		src, _ := c.localFile(name, 700)
		c.run("put", src)
	}

	path := filepath.Join(c.dir, "manifest.cbor")
	c.run("manifest", "-o", path)
	raw, err := os.ReadFile(path)
	requireT.NoError(err)
	requireT.Equal(string(raw), c.run("manifest"))

	m, err := decodeManifest(raw)
	requireT.NoError(err)
	requireT.Len(m.Files, 3)
	requireT.Equal("x", m.Files[0].Name)
	requireT.EqualValues(700, m.Files[0].Size)

	c.run("manifest", "--verify", path)

	src, _ := c.localFile("y", 10)
	c.run("put", src)
	c.run("rm", "z")
	out, err := c.exec("manifest", "--verify", path)
	requireT.Error(err)
	requireT.Contains(out, `file "y" has size 10, expected 700`)
	requireT.Contains(out, `file "z" is missing`)
}

func TestCheckVis(t *testing.T) {
	requireT := require.New(t)

	c := newCLI(t)
	src, _ := c.localFile("file", 2000)
	c.run("put", src)

	requireT.Equal("check finished, repairs: 0\n", c.run("check"))

	lines := strings.Split(strings.TrimSpace(c.run("vis")), "\n")
	requireT.Len(lines, 17)
}

func TestConfigFile(t *testing.T) {
	requireT := require.New(t)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "flashfs.yaml")
	requireT.NoError(os.WriteFile(cfgPath, []byte(`
geometry:
  physSize: 131072
  physEraseSize: 4096
  blockSize: 8192
  pageSize: 512
`), 0o600))
	image := filepath.Join(dir, "flash.img")

	buf := &bytes.Buffer{}
	requireT.NoError(run([]string{"mkfs", "-i", image, "-c", cfgPath}, buf))
	requireT.Contains(buf.String(), "formatted 16 blocks of 8192 bytes, page size: 512")

	// Block size is detected.
	buf.Reset()
	requireT.NoError(run([]string{"info", "-i", image, "--page-size", "512"}, buf))
	requireT.Contains(buf.String(), "block size: 8192\n")
}
