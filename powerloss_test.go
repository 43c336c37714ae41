package flashfs

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/flashfs/pkg/memdev"
)

// workload runs the sequence of operations until the first error.
func workload(fs *FS, data []byte) error {
	file, err := fs.Open("a", OpenCreate|OpenReadWrite)
	if err != nil {
		return err
	}
	for i := 0; i < len(data); i += 100 {
		if _, err := fs.Write(file, data[i:min(i+100, len(data))]); err != nil {
			return err
		}
	}
	if _, err := fs.Seek(file, 300, io.SeekStart); err != nil {
		return err
	}
	if _, err := fs.Write(file, data[:600]); err != nil {
		return err
	}
	if err := fs.Close(file); err != nil {
		return err
	}

	file, err = fs.Open("a", OpenReadWrite|OpenTrunc)
	if err != nil {
		return err
	}
	if _, err := fs.Write(file, data[:1000]); err != nil {
		return err
	}
	if err := fs.Close(file); err != nil {
		return err
	}
	if err := fs.Rename("a", "b"); err != nil {
		return err
	}
	return fs.Remove("base")
}

func TestPowerLoss(t *testing.T) {
	data := randData(t, 6000)
	base := randData(t, 5000)

	for budget := 0; budget < 1000; budget += 3 {
		requireT := require.New(t)

		fs, dev := newFS(t, 16)
		writeFile(t, fs, "base", base, 1000)

		dev.FailAfter(budget)
		err := workload(fs, data)
		dev.FailAfter(-1)
		if err == nil {
			// Budget is large enough to complete the workload.
			break
		}
		requireT.ErrorIs(err, memdev.ErrPowerLoss)
		requireT.Contains([]int{ErrIO.Code, ErrEraseFail.Code}, Code(err))

		fs, err = New(dev, testConfig(16))
		requireT.NoError(err)
		requireT.NoError(fs.Mount())
		requireT.NoError(fs.Check())

		files, err := fs.Files()
		requireT.NoError(err)
		for _, e := range files {
			requireT.NoError(fs.CheckObject(e.ID))
			content := readFile(t, fs, e.Name, 777)
			requireT.Len(content, int(e.Size))
			if e.Name == "base" {
				requireT.Equal(base, content)
			}
		}

		// Filesystem is still usable.
		writeFile(t, fs, "new", data[:2000], 500)
		requireT.Equal(data[:2000], readFile(t, fs, "new", 2000))
	}
}
