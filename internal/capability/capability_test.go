package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("2.1.0")
	require.NoError(t, err)
	assert.Equal(t, Version{2, 1, 0}, v)

	v, err = ParseVersion("3")
	require.NoError(t, err)
	assert.Equal(t, Version{3, 0, 0}, v)

	_, err = ParseVersion("abc")
	assert.Error(t, err)

	_, err = ParseVersion("1.-2.0")
	assert.Error(t, err)
}

func TestVersionCompare(t *testing.T) {
	a, _ := ParseVersion("2.1.0")
	b, _ := ParseVersion("2.2.0")
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.True(t, b.AtLeast(a))
	assert.False(t, a.AtLeast(b))
}

func TestSatisfiesNameVersionAndParameters(t *testing.T) {
	required, err := New("pdf.extract", "2.1.0", "ocr")
	require.NoError(t, err)

	available, err := New("pdf.extract", "2.3.0", "ocr", "tables")
	require.NoError(t, err)

	assert.True(t, Satisfies(required, available))
}

func TestSatisfiesRejectsNameMismatch(t *testing.T) {
	required, _ := New("pdf.extract", "1.0.0")
	available, _ := New("pdf.render", "1.0.0")
	assert.False(t, Satisfies(required, available))
}

func TestSatisfiesRejectsLowerVersion(t *testing.T) {
	required, _ := New("pdf.extract", "2.1.0")
	available, _ := New("pdf.extract", "2.0.0")
	assert.False(t, Satisfies(required, available))
}

func TestSatisfiesRejectsMajorVersionCrossing(t *testing.T) {
	required, _ := New("pdf.extract", "2.5.0")
	available, _ := New("pdf.extract", "3.0.0")
	assert.False(t, Satisfies(required, available), "a major bump must not silently satisfy an older major requirement")
}

func TestSatisfiesRejectsMissingParameter(t *testing.T) {
	required, _ := New("pdf.extract", "1.0.0", "ocr", "tables")
	available, _ := New("pdf.extract", "1.0.0", "ocr")
	assert.False(t, Satisfies(required, available))
}

func TestBestMatch(t *testing.T) {
	required, _ := New("pdf.extract", "1.0.0")
	other, _ := New("pdf.render", "1.0.0")
	match, _ := New("pdf.extract", "1.2.0")

	idx := BestMatch(required, []Capability{other, match})
	assert.Equal(t, 1, idx)

	idx = BestMatch(required, []Capability{other})
	assert.Equal(t, -1, idx)
}
