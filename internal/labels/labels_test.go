package labels

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllOrderAndDescriptions(t *testing.T) {
	got := All()
	want := []ClassLabel{"akiec", "bcc", "bkl", "df", "mel", "nv", "vasc"}
	require.Equal(t, want, got)
	assert.Equal(t, 7, Count())

	for i, l := range got {
		assert.NotEmpty(t, l.Description(), "label %s", l)
		assert.Equal(t, i, Index(l))
	}

	got[0] = "tampered"
	assert.Equal(t, Akiec, All()[0])
}

func TestParse(t *testing.T) {
	l, err := Parse(" MEL ")
	require.NoError(t, err)
	assert.Equal(t, Mel, l)

	_, err = Parse("scc")
	assert.True(t, errors.Is(err, ErrUnknownLabel))
	assert.Equal(t, -1, Index("scc"))
}
