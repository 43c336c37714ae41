package main

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/outofforest/flashfs"
)

// encMode produces identical bytes for identical manifests.
var encMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(errors.Wrap(err, "cbor encoder initialization failed"))
	}
	return mode
}()

// manifest lists all the files stored in the filesystem, sorted by name.
type manifest struct {
	Files []manifestEntry `cbor:"files"`
}

type manifestEntry struct {
	Name   string `cbor:"name"`
	Size   uint32 `cbor:"size"`
	Digest []byte `cbor:"digest"`
}

func buildManifest(fs *flashfs.FS) (manifest, error) {
	files, err := fs.Files()
	if err != nil {
		return manifest{}, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})

	m := manifest{Files: make([]manifestEntry, 0, len(files))}
	for _, f := range files {
		digest, err := fileDigest(fs, f.Name)
		if err != nil {
			return manifest{}, err
		}
		m.Files = append(m.Files, manifestEntry{
			Name:   f.Name,
			Size:   f.Size,
			Digest: digest,
		})
	}
	return m, nil
}

func decodeManifest(raw []byte) (manifest, error) {
	var m manifest
	if err := cbor.Unmarshal(raw, &m); err != nil {
		return manifest{}, errors.Wrap(err, "decoding manifest failed")
	}
	return m, nil
}

func (m manifest) encode() ([]byte, error) {
	raw, err := encMode.Marshal(m)
	return raw, errors.WithStack(err)
}

// diff describes the differences between expected manifest m and actual one.
func (m manifest) diff(actual manifest) []string {
	expected := map[string]manifestEntry{}
	for _, e := range m.Files {
		expected[e.Name] = e
	}

	var diffs []string
	for _, a := range actual.Files {
		e, exists := expected[a.Name]
		delete(expected, a.Name)
		switch {
		case !exists:
			diffs = append(diffs, fmt.Sprintf("unexpected file %q", a.Name))
		case e.Size != a.Size:
			diffs = append(diffs, fmt.Sprintf("file %q has size %d, expected %d", a.Name, a.Size, e.Size))
		case !bytes.Equal(e.Digest, a.Digest):
			diffs = append(diffs, fmt.Sprintf("file %q has different content", a.Name))
		}
	}
	for _, e := range m.Files {
		if _, missing := expected[e.Name]; missing {
			diffs = append(diffs, fmt.Sprintf("file %q is missing", e.Name))
		}
	}
	return diffs
}

// fileDigest computes BLAKE3 digest of the file content.
func fileDigest(fs *flashfs.FS, name string) ([]byte, error) {
	h := blake3.New()
	if err := copyFile(fs, name, h); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
