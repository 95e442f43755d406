package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/lesion-api/internal/labels"
)

func uploads(names ...string) []UploadedImage {
	out := make([]UploadedImage, len(names))
	for i, n := range names {
		out[i] = UploadedImage{Filename: n, Data: []byte("data-" + n)}
	}
	return out
}

func TestSaveFS(t *testing.T) {
	root := filepath.Join(t.TempDir(), "retrain_data")
	store := NewFSStore(root)
	ds := New(store, ClearAll)

	counts, err := ds.Save(uploads("a.jpg", "b.png", "c.jpeg"), labels.Mel)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[labels.Mel])
	for _, l := range labels.All() {
		if l != labels.Mel {
			assert.Zero(t, counts[l], "label %s", l)
		}
	}

	snap, err := ds.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"mel_img_1.jpg", "mel_img_2.png", "mel_img_3.jpeg"}, snap[labels.Mel])
	for _, l := range labels.All() {
		info, err := os.Stat(filepath.Join(root, string(l)))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		if l != labels.Mel {
			assert.Empty(t, snap[l])
		}
	}

	data, err := os.ReadFile(filepath.Join(root, "mel", "mel_img_2.png"))
	require.NoError(t, err)
	assert.Equal(t, "data-b.png", string(data))
}

func TestSaveClearPolicies(t *testing.T) {
	t.Run("all", func(t *testing.T) {
		ds := New(NewMemStore(), ClearAll)
		_, err := ds.Save(uploads("x.jpg"), labels.Nv)
		require.NoError(t, err)
		_, err = ds.Save(uploads("y.jpg", "z.jpg"), labels.Bcc)
		require.NoError(t, err)

		snap, err := ds.Snapshot()
		require.NoError(t, err)
		assert.Empty(t, snap[labels.Nv])
		assert.Len(t, snap[labels.Bcc], 2)
	})

	t.Run("target", func(t *testing.T) {
		ds := New(NewMemStore(), ClearTarget)
		_, err := ds.Save(uploads("x.jpg"), labels.Nv)
		require.NoError(t, err)
		_, err = ds.Save(uploads("y.jpg", "z.jpg"), labels.Bcc)
		require.NoError(t, err)
		_, err = ds.Save(uploads("w.jpg"), labels.Bcc)
		require.NoError(t, err)

		snap, err := ds.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, []string{"nv_img_1.jpg"}, snap[labels.Nv])
		assert.Equal(t, []string{"bcc_img_1.jpg"}, snap[labels.Bcc])
	})
}

func TestClearKeepsSubdirectories(t *testing.T) {
	root := t.TempDir()
	ds := New(NewFSStore(root), ClearAll)
	_, err := ds.Save(uploads("a.jpg"), labels.Df)
	require.NoError(t, err)

	nested := filepath.Join(root, "df", "keep")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, ds.Clear(labels.Df))

	_, err = os.Stat(nested)
	assert.NoError(t, err)
	snap, err := ds.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap[labels.Df])
}

func TestSaveEmptyBatch(t *testing.T) {
	ds := New(NewMemStore(), ClearAll)
	counts, err := ds.Save(nil, labels.Vasc)
	require.NoError(t, err)
	assert.Len(t, counts, 7)
	assert.Zero(t, counts[labels.Vasc])
}

func TestSaveUnknownLabel(t *testing.T) {
	ds := New(NewMemStore(), ClearAll)
	_, err := ds.Save(uploads("a.jpg"), labels.ClassLabel("xyz"))
	assert.ErrorIs(t, err, labels.ErrUnknownLabel)
}

func TestSavePartialFailure(t *testing.T) {
	store := NewMemStore()
	store.FailWrites = 2
	ds := New(store, ClearAll)

	counts, err := ds.Save(uploads("a.jpg", "b.jpg", "c.jpg"), labels.Akiec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaging))
	var se *StagingError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, labels.Akiec, se.Label)
	assert.Equal(t, 2, counts[labels.Akiec])

	snap, err := ds.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"akiec_img_1.jpg", "akiec_img_2.jpg"}, snap[labels.Akiec])
}

func TestSaveRootNotWritable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	ds := New(NewFSStore(filepath.Join(file, "sub")), ClearAll)
	_, err := ds.Save(uploads("a.jpg"), labels.Mel)
	assert.ErrorIs(t, err, ErrStaging)
}

func TestParseClearPolicy(t *testing.T) {
	p, err := ParseClearPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ClearAll, p)

	p, err = ParseClearPolicy("Target")
	require.NoError(t, err)
	assert.Equal(t, ClearTarget, p)
	assert.Equal(t, "target", p.String())

	_, err = ParseClearPolicy("some")
	assert.Error(t, err)
}

func TestFSStoreRejectsEscapes(t *testing.T) {
	s := NewFSStore(t.TempDir())
	assert.Error(t, s.WriteFile("../evil", []byte("x")))
}
